package decoder

import (
	"math"
	"sync"

	"github.com/thesyncim/gopus"

	"github.com/dsb/putvgo/internal/filter"
	"github.com/dsb/putvgo/internal/jitter"
)

// opusSampleRate is the rate the decoder is opened at and the output
// jitter's frequency is set to. No stage resamples afterwards:
// internal/filter has no rate conversion.
const opusSampleRate = 48000

// maxOpusFrame is large enough for any libopus frame duration (up to
// 120ms) at 48kHz stereo.
const maxOpusFrame = 5760 * 2

// Opus decodes one Opus elementary stream, where each input jitter
// frame is exactly one RTP payload (spec.md §4.3's demuxer preserves
// packet boundaries for compressed, frame-structured codecs).
type Opus struct {
	wg     sync.WaitGroup
	cancel chan struct{}
}

func init() {
	Register([]string{"audio/opus"}, func() Decoder { return &Opus{} })
}

func (d *Opus) Run(input, output jitter.Buffer, chain *filter.Chain) error {
	channels := output.Format().Channels()
	if channels != 1 && channels != 2 {
		channels = 2
	}

	cfg := gopus.DefaultDecoderConfig(opusSampleRate, channels)
	dec, err := gopus.NewDecoder(cfg)
	if err != nil {
		return err
	}
	output.SetFrequency(opusSampleRate)

	d.cancel = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer output.Flush()
		pcm := make([]float32, maxOpusFrame*channels)
		for {
			select {
			case <-d.cancel:
				return
			default:
			}
			payload, ok := input.Peer()
			if !ok {
				return
			}
			samples, derr := dec.Decode(payload, pcm)
			input.Pop(len(payload))
			if derr != nil {
				log.Warn("opus decode failed", "err", derr)
				continue
			}
			if samples == 0 {
				continue
			}

			pcm16 := floatToInt16(pcm[:samples*channels])
			if werr := writeSamples(output, pcm16, chain, 16, channels); werr != nil {
				log.Warn("opus write failed", "err", werr)
				return
			}
		}
	}()
	return nil
}

func (d *Opus) Close() error {
	if d.cancel != nil {
		close(d.cancel)
	}
	d.wg.Wait()
	return nil
}

// floatToInt16 converts libopus's float32 PCM ([-1,1]) to interleaved
// 16-bit little-endian bytes, clamping out-of-range samples.
func floatToInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		iv := int16(math.RoundToEven(v))
		out[i*2] = byte(iv)
		out[i*2+1] = byte(iv >> 8)
	}
	return out
}

var _ Decoder = (*Opus)(nil)
