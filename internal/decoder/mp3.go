package decoder

import (
	"errors"
	"io"
	"sync"

	mp3dec "github.com/hajimehoshi/go-mp3"

	"github.com/dsb/putvgo/internal/filter"
	"github.com/dsb/putvgo/internal/jitter"
)

// MP3 decodes an MP3 elementary stream via hajimehoshi/go-mp3, which
// always yields 16-bit little-endian stereo PCM regardless of the
// source file's channel count.
type MP3 struct {
	wg     sync.WaitGroup
	cancel chan struct{}
}

func init() {
	Register([]string{"audio/mp3", "audio/mpeg"}, func() Decoder { return &MP3{} })
}

func (d *MP3) Run(input, output jitter.Buffer, chain *filter.Chain) error {
	d.cancel = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		r := &jitterReader{input: input}
		dec, err := mp3dec.NewDecoder(r)
		if err != nil {
			log.Error("mp3 decoder init failed", "err", err)
			output.Flush()
			return
		}
		if rate := dec.SampleRate(); rate > 0 {
			output.SetFrequency(rate)
		}
		if got := pcmTagFor(2, 16); got != output.Format() {
			log.Warn("mp3 output is 16-bit stereo; jitter format tag differs", "want", got, "have", output.Format())
		}

		buf := make([]byte, 8192)
		for {
			select {
			case <-d.cancel:
				return
			default:
			}
			n, rerr := dec.Read(buf)
			if n > 0 {
				if werr := writeSamples(output, buf[:n], chain, 16, 2); werr != nil {
					log.Warn("mp3 write failed", "err", werr)
					return
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					log.Warn("mp3 decode failed", "err", rerr)
				}
				output.Flush()
				return
			}
		}
	}()
	return nil
}

func (d *MP3) Close() error {
	if d.cancel != nil {
		close(d.cancel)
	}
	d.wg.Wait()
	return nil
}

var _ Decoder = (*MP3)(nil)
