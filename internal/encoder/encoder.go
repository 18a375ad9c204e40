// Package encoder implements the Encoder stage of spec.md §4.6: reading
// PCM from an input jitter and producing compressed (or pass-through)
// frames into an output jitter, choosing a frame size that targets a
// configured latency and attaching a samples-based heartbeat so
// downstream network sinks with no real-time clock of their own still
// pace correctly.
//
// Adapters are selected by target MIME type through the same
// builder-registry pattern internal/source and internal/decoder use.
package encoder

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
	"github.com/dsb/putvgo/internal/logging"
)

var log = logging.Stage("encoder")

// ErrUnsupported is returned by New when no adapter is registered for a
// MIME type.
var ErrUnsupported = errors.New("encoder: unsupported mime")

// defaultLatencyMS is spec.md §4.6's "default 200 ms at 44.1 kHz".
const defaultLatencyMS = 200

// Encoder consumes PCM from one jitter and produces encoded (or
// pass-through) frames into another, running its own goroutine once Run
// is called.
type Encoder interface {
	// Run starts the encode loop and returns once the goroutine has been
	// launched, not once encoding finishes.
	Run(input, output jitter.Buffer) error
	// Close stops the encode loop and releases any codec resources.
	Close() error
	// MIME reports the codec's content type.
	MIME() string
}

// Factory constructs a fresh encoder instance for one output stream.
type Factory func() Encoder

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds an encoder factory for the given MIME type(s).
func Register(mimes []string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, m := range mimes {
		registry[strings.ToLower(m)] = f
	}
}

// Registered reports every MIME type currently bound to an encoder, for
// spec.md §6's `capabilities` method to introspect.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	return out
}

// New selects an encoder for mime.
func New(mime string) (Encoder, error) {
	registryMu.Lock()
	f, ok := registry[strings.ToLower(mime)]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, mime)
	}
	return f(), nil
}

func init() {
	Register([]string{"audio/pcm", "audio/l16", "application/octet-stream"}, func() Encoder { return &Passthrough{} })
}

// FrameSamples picks a per-channel sample count that targets latencyMS
// of audio at sampleRate, per spec.md §4.6. A non-positive latencyMS
// falls back to the 200ms-at-44.1kHz default.
func FrameSamples(sampleRate, latencyMS int) int {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if latencyMS <= 0 {
		latencyMS = defaultLatencyMS
	}
	n := sampleRate * latencyMS / 1000
	if n < 1 {
		n = 1
	}
	return n
}

// Passthrough hands input frames straight to output unmodified, used
// when the configured output format is already the sink's native PCM
// and no compression is wanted.
type Passthrough struct {
	wg     sync.WaitGroup
	cancel chan struct{}
}

func (p *Passthrough) MIME() string { return "audio/pcm" }

func (p *Passthrough) Run(input, output jitter.Buffer) error {
	p.cancel = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		bpf := input.Format().BytesPerFrame()
		if bpf == 0 {
			bpf = 1
		}
		pacer := heartbeat.NewSamplesPacer(input.Frequency())
		var cumSamples, cumBytes uint64
		for {
			select {
			case <-p.cancel:
				return
			default:
			}
			in, ok := input.Peer()
			if !ok {
				output.Flush()
				return
			}
			if werr := writeFrames(output, in, bpf, pacer, &cumSamples, &cumBytes); werr != nil {
				log.Warn("passthrough encode write failed", "err", werr)
				input.Pop(len(in))
				return
			}
			input.Pop(len(in))
		}
	}()
	return nil
}

func (p *Passthrough) Close() error {
	if p.cancel != nil {
		close(p.cancel)
	}
	p.wg.Wait()
	return nil
}

// writeFrames pushes data into output in Pull()-sized chunks, tracking
// cumulative samples/bytes for the heartbeat every encoder attaches to
// its output per spec.md §4.6.
func writeFrames(output jitter.Buffer, data []byte, bytesPerFrame int, pacer *heartbeat.SamplesPacer, cumSamples, cumBytes *uint64) error {
	for len(data) > 0 {
		frame, ok := output.Pull()
		if !ok {
			return fmt.Errorf("encoder: output jitter %s torn down mid-write", output.Name())
		}
		n := copy(frame, data)
		*cumBytes += uint64(n)
		*cumSamples += uint64(n / bytesPerFrame)
		beat := heartbeat.Beat{Samples: *cumSamples, Bytes: *cumBytes}
		output.Push(n, beat)
		if pacer != nil {
			pacer.Wait(beat)
		}
		data = data[n:]
	}
	return nil
}

// pcmShape maps a PCM format.Sample tag to bits/channels, the inverse of
// decoder.pcmTagFor, used by codec adapters to read the negotiated input
// format off the input jitter.
func pcmShape(f format.Sample) (bits, channels int) {
	return f.BitsPerSample(), f.Channels()
}

// jitterWriter adapts a jitter.Buffer to io.Writer, pacing each commit
// with a samples pacer and tracking the cumulative samples/bytes an
// encoder's heartbeat needs, for codec libraries (lame) that want a
// conventional writer rather than jitter's Pull/Push protocol.
type jitterWriter struct {
	output        jitter.Buffer
	bytesPerFrame int
	pacer         *heartbeat.SamplesPacer
	cumSamples    uint64
	cumBytes      uint64
}

func (w *jitterWriter) Write(p []byte) (int, error) {
	total := len(p)
	bpf := w.bytesPerFrame
	if bpf == 0 {
		bpf = 1
	}
	if err := writeFrames(w.output, p, bpf, w.pacer, &w.cumSamples, &w.cumBytes); err != nil {
		return 0, err
	}
	return total, nil
}
