package encoder

import (
	"sync"

	"github.com/thesyncim/gopus"

	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
)

// opusFrameMS is the Opus frame duration encoded per packet; 20ms is the
// library's own default and what the retrieval pack's WebRTC pipeline
// example uses (960 samples at 48kHz).
const opusFrameMS = 20

// opusMaxPacket is large enough for any libopus frame at any bitrate.
const opusMaxPacket = 4000

// Opus encodes PCM to an Opus elementary stream via thesyncim/gopus.
// No resampling is performed here or upstream: the encoder is opened at
// the input jitter's frequency (48kHz when that is unset).
type Opus struct {
	wg     sync.WaitGroup
	cancel chan struct{}
}

func init() {
	Register([]string{"audio/opus"}, func() Encoder { return &Opus{} })
}

func (e *Opus) MIME() string { return "audio/opus" }

func (e *Opus) Run(input, output jitter.Buffer) error {
	_, channels := pcmShape(input.Format())
	if channels != 1 && channels != 2 {
		channels = 2
	}
	rate := input.Frequency()
	if rate <= 0 {
		rate = 48000
	}

	enc, err := gopus.NewEncoder(rate, channels, gopus.ApplicationAudio)
	if err != nil {
		return err
	}

	frameSamples := rate * opusFrameMS / 1000
	bytesPerFrame := 2 * channels // decoder side always hands 16-bit PCM in

	e.cancel = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer output.Flush()

		pacer := heartbeat.NewSamplesPacer(rate)
		var cumSamples, cumBytes uint64
		pcm := make([]float32, frameSamples*channels)
		packet := make([]byte, opusMaxPacket)
		fill := 0

		for {
			select {
			case <-e.cancel:
				return
			default:
			}
			in, ok := input.Peer()
			if !ok {
				return
			}
			for off := 0; off+bytesPerFrame <= len(in); off += bytesPerFrame {
				for c := 0; c < channels; c++ {
					s := int16(uint16(in[off+c*2]) | uint16(in[off+c*2+1])<<8)
					pcm[fill*channels+c] = float32(s) / 32768.0
				}
				fill++
				if fill == frameSamples {
					n, eerr := enc.Encode(pcm, packet)
					fill = 0
					if eerr != nil {
						log.Warn("opus encode failed", "err", eerr)
						continue
					}
					cumBytes += uint64(n)
					cumSamples += uint64(frameSamples)
					frame, ok := output.Pull()
					if !ok {
						input.Pop(len(in))
						return
					}
					copy(frame, packet[:n])
					beat := heartbeat.Beat{Samples: cumSamples, Bytes: cumBytes}
					output.Push(n, beat)
					pacer.Wait(beat)
				}
			}
			input.Pop(len(in))
		}
	}()
	return nil
}

func (e *Opus) Close() error {
	if e.cancel != nil {
		close(e.cancel)
	}
	e.wg.Wait()
	return nil
}

var _ Encoder = (*Opus)(nil)
