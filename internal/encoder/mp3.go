package encoder

import (
	"sync"

	"github.com/viert/lame"

	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
)

// mp3Bitrate is LAME's target bitrate in kbit/s. spec.md §4.6 leaves the
// exact rate unspecified; 128 matches the MP3 sink's default elsewhere
// in the retrieval pack (icecast's mp3Bitrate default).
const mp3Bitrate = 128

// MP3 encodes PCM to an MP3 elementary stream via the LAME bindings in
// github.com/viert/lame, the cgo wrapper used for MP3 encoding elsewhere
// in the retrieval pack's dependency set.
type MP3 struct {
	wg     sync.WaitGroup
	cancel chan struct{}
}

func init() {
	Register([]string{"audio/mp3", "audio/mpeg"}, func() Encoder { return &MP3{} })
}

func (e *MP3) MIME() string { return "audio/mp3" }

func (e *MP3) Run(input, output jitter.Buffer) error {
	e.cancel = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer output.Flush()

		bits, channels := pcmShape(input.Format())
		if channels <= 0 {
			channels = 2
		}
		rate := input.Frequency()
		if rate <= 0 {
			rate = 44100
		}
		bpf := bits / 8 * channels
		if bpf == 0 {
			bpf = 4
		}

		jw := &jitterWriter{
			output:        output,
			bytesPerFrame: bpf,
			pacer:         heartbeat.NewSamplesPacer(rate),
		}
		enc := lame.NewWriter(jw)
		enc.Encoder.SetInSamplerate(rate)
		enc.Encoder.SetNumChannels(channels)
		enc.Encoder.SetBrate(mp3Bitrate)
		enc.Encoder.SetQuality(5)
		if channels == 1 {
			enc.Encoder.SetMode(lame.MONO)
		} else {
			enc.Encoder.SetMode(lame.JOINT_STEREO)
		}
		if err := enc.Encoder.InitParams(); err != nil {
			log.Error("mp3 encoder init failed", "err", err)
			return
		}

		for {
			select {
			case <-e.cancel:
				enc.Close()
				return
			default:
			}
			in, ok := input.Peer()
			if !ok {
				if err := enc.Close(); err != nil {
					log.Warn("mp3 encoder flush failed", "err", err)
				}
				return
			}
			if len(in) > 0 {
				if _, err := enc.Write(in); err != nil {
					log.Warn("mp3 encode failed", "err", err)
					input.Pop(len(in))
					enc.Close()
					return
				}
			}
			input.Pop(len(in))
		}
	}()
	return nil
}

func (e *MP3) Close() error {
	if e.cancel != nil {
		close(e.cancel)
	}
	e.wg.Wait()
	return nil
}

var _ Encoder = (*MP3)(nil)
