package sink

import (
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/dsb/putvgo/internal/jitter"
)

// alsaDefaultLatencyMS matches the encoder's default target latency,
// used when Config.LatencyMS is unset.
const alsaDefaultLatencyMS = 200

// underrunPeriods is the number of buffered periods the write loop
// keeps queued before it's willing to block; once the queue runs dry it
// synthesizes noise rather than stalling the hardware, per spec.md
// §4.6 ("if the upstream jitter... has < 3 periods buffered, emits
// generated noise to keep the stream alive").
const underrunPeriods = 3

// ALSA is the local-PCM-output sink adapter. It opens the host's
// default audio device through gordonklaus/portaudio (the Go binding
// already in the teacher's own dependency stack, standing in for the
// teacher's CGo ALSA/OSS bindings in src/audio.go) so the same code
// runs on every platform PortAudio supports.
type ALSA struct {
	*base
	stream       *portaudio.Stream
	channels     int
	bits         int
	periodFrames int
	sampleRate   float64

	out16 []int16
	out32 []int32
}

func init() {
	f := func() Sink { return &ALSA{base: newBase("sink:alsa")} }
	Register([]string{"alsa", "pcm", "default"}, f)
}

func (s *ALSA) Init(rawURL string, cfg Config) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("sink: portaudio init: %w", err)
	}

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("sink: no output device: %w", err)
	}

	cfg = defaultConfig(cfg)
	channels := cfg.Format.Channels()
	if channels < 1 {
		channels = 2
	}
	bits := cfg.Format.BitsPerSample()
	if bits == 0 {
		bits = 16
	}
	rate := cfg.Frequency
	if rate <= 0 {
		rate = 44100
	}
	latencyMS := cfg.LatencyMS
	if latencyMS <= 0 {
		latencyMS = alsaDefaultLatencyMS
	}
	s.periodFrames = rate * latencyMS / 1000
	if s.periodFrames < 1 {
		s.periodFrames = 1
	}
	s.channels = channels
	s.sampleRate = float64(rate)

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      s.sampleRate,
		FramesPerBuffer: s.periodFrames,
	}

	// Negotiate sample format: try the requested depth first, downgrade
	// to 16-bit if the host API rejects it, per spec.md §4.6's
	// "downgrading 32-bit→24-bit if unsupported" — portaudio's Go
	// binding only exposes int16/int32/float32 buffers, so both 24-in-3
	// and 24-in-4 negotiate against the 32-bit container and fall back
	// to 16-bit on the same path a real 24-bit rejection would take.
	if bits >= 24 {
		s.out32 = make([]int32, s.periodFrames*channels)
		stream, serr := portaudio.OpenStream(params, s.out32)
		if serr == nil {
			s.stream = stream
			s.bits = 32
		} else {
			s.log.Warn("32-bit stream open failed, downgrading to 16-bit", "err", serr)
			s.out32 = nil
		}
	}
	if s.stream == nil {
		s.out16 = make([]int16, s.periodFrames*channels)
		stream, serr := portaudio.OpenStream(params, s.out16)
		if serr != nil {
			portaudio.Terminate()
			return fmt.Errorf("sink: open stream: %w", serr)
		}
		s.stream = stream
		s.bits = 16
	}

	periodBytes := s.periodFrames * channels * (s.bits / 8)
	s.j = jitter.NewRB(jitter.Config{
		Name: "sink:alsa", Count: underrunPeriods * 4, Size: periodBytes,
		Threshold: 1, Format: cfg.Format, Frequency: rate,
	})
	return nil
}

func (s *ALSA) Run() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("sink: start stream: %w", err)
	}

	periodBytes := s.periodFrames * s.channels * (s.bits / 8)
	periodDur := time.Duration(float64(s.periodFrames) / s.sampleRate * float64(time.Second))
	frames := make(chan []byte, underrunPeriods)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(frames)
		for {
			in, ok := s.j.PeerBeat()
			if !ok {
				return
			}
			buf := append([]byte(nil), in...)
			s.j.Pop(len(in))
			frames <- buf
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.stream.Stop()
		timer := time.NewTimer(periodDur)
		defer timer.Stop()
		for {
			timer.Reset(periodDur)
			var buf []byte
			select {
			case b, ok := <-frames:
				if !ok {
					return
				}
				buf = b
			case <-timer.C:
				buf = make([]byte, periodBytes)
				synthesizeNoise(buf, s.bits)
				s.log.Debug("underrun, emitting generated noise", "periods_buffered", 0)
			}
			s.writePeriod(buf)
		}
	}()
	return nil
}

// writePeriod applies the software volume scalar, packs pcm into the
// portaudio buffer type negotiated at Init, and writes one period,
// recovering by stopping and restarting the stream on write failure —
// the portaudio-binding equivalent of the teacher's EPIPE recovery in
// src/audio.go's ALSA write path.
func (s *ALSA) writePeriod(pcm []byte) {
	vol := s.volume()
	if s.bits == 16 {
		scaleInPlace(pcm, vol)
		for i := range s.out16 {
			off := i * 2
			if off+1 < len(pcm) {
				s.out16[i] = int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8)
			} else {
				s.out16[i] = 0
			}
		}
	} else {
		for i := range s.out32 {
			off := i * 4
			if off+3 < len(pcm) {
				v := int32(uint32(pcm[off]) | uint32(pcm[off+1])<<8 | uint32(pcm[off+2])<<16 | uint32(pcm[off+3])<<24)
				if vol < 100 {
					v = int32(int64(v) * int64(vol) / 100)
				}
				s.out32[i] = v
			} else {
				s.out32[i] = 0
			}
		}
	}
	if err := s.stream.Write(); err != nil {
		s.log.Warn("write failed, recovering", "err", err)
		s.stream.Stop()
		if serr := s.stream.Start(); serr != nil {
			s.log.Error("stream restart failed", "err", serr)
		}
	}
}

// synthesizeNoise fills buf with low-amplitude white noise, the literal
// reading of src_tinyalsa.c's "emit generated noise to keep the stream
// alive" behavior spec.md §4.6 carries forward.
func synthesizeNoise(buf []byte, bits int) {
	if bits >= 32 {
		for i := 0; i+3 < len(buf); i += 4 {
			v := int16(rand.Intn(256) - 128)
			buf[i] = byte(v)
			buf[i+1] = byte(v >> 8)
			buf[i+2] = 0
			buf[i+3] = 0
		}
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		v := int16(rand.Intn(256) - 128)
		buf[i] = byte(v)
		buf[i+1] = byte(v >> 8)
	}
}

// SetVolume implements spec.md §4.6's "exposes a mixer control (Master
// by default) for volume" in software: gordonklaus/portaudio exposes
// stream parameters, not a host mixer API, so there is no hardware
// control to bind to (recorded in DESIGN.md).
func (s *ALSA) SetVolume(percent int) error {
	return s.setVolume(percent)
}

func (s *ALSA) Destroy() error {
	err := s.base.Destroy()
	if cerr := s.stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); terr != nil && err == nil {
		err = terr
	}
	return err
}

var _ Sink = (*ALSA)(nil)
