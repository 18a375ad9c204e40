// Package decoder implements the Decoder stage of spec.md §4.4: reading
// compressed bytes (or, for the RTP/opus case, one frame at a time)
// from an input jitter and producing PCM into an output jitter,
// negotiating the output's sample rate from the codec's stream header.
//
// Adapters are selected by MIME type through a builder registry, the
// same pattern internal/source uses for URL schemes (spec.md §9's
// replacement for the teacher's global module-descriptor arrays).
package decoder

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dsb/putvgo/internal/filter"
	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
	"github.com/dsb/putvgo/internal/logging"
)

var log = logging.Stage("decoder")

// ErrUnsupported is returned by New when no adapter is registered for a
// MIME type.
var ErrUnsupported = errors.New("decoder: unsupported mime")

// Decoder consumes compressed input from one jitter and produces PCM
// into another, running its own goroutine once Run is called.
type Decoder interface {
	// Run starts the decode loop. It returns once the goroutine has
	// been launched, not once decoding finishes. chain may be nil, in
	// which case decoded PCM is written to output as-is (the common
	// case for a pass-through track with no replay-gain and no channel
	// remapping); when non-nil it is run per sample-tuple, per spec.md
	// §4.4 step 3.
	Run(input, output jitter.Buffer, chain *filter.Chain) error
	// Close stops the decode loop and releases any codec resources.
	Close() error
}

// Factory constructs a fresh decoder instance for one stream.
type Factory func() Decoder

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds a decoder factory for the given MIME type(s).
func Register(mimes []string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, m := range mimes {
		registry[strings.ToLower(m)] = f
	}
}

// Registered reports every MIME type currently bound to a decoder, for
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

// New selects a decoder for mime. "audio/pcm", "audio/l16" and
// "application/octet-stream" map to the opaque pass-through; any other
// unregistered MIME yields ErrUnsupported.
func New(mime string) (Decoder, error) {
	registryMu.Lock()
	f, ok := registry[strings.ToLower(mime)]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, mime)
	}
	return f(), nil
}

func init() {
	Register([]string{"audio/pcm", "audio/l16", "application/octet-stream"}, func() Decoder { return &Passthrough{} })
}

// Passthrough hands input frames straight to output unmodified, used
// for sources that are already PCM (e.g. a raw pcm:// capture).
type Passthrough struct {
	wg     sync.WaitGroup
	cancel chan struct{}
}

func (p *Passthrough) Run(input, output jitter.Buffer, chain *filter.Chain) error {
	p.cancel = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
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
			err := writeSamples(output, in, chain, output.Format().BitsPerSample(), output.Format().Channels())
			input.Pop(len(in))
			if err != nil {
				log.Warn("passthrough write failed", "err", err)
				return
			}
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

// writePCM pushes data into output's jitter in Pull()-sized chunks,
// tracking cumulative sample count for the samples-based heartbeat.
func writePCM(output jitter.Buffer, data []byte) error {
	bpf := output.Format().BytesPerFrame()
	if bpf == 0 {
		bpf = 1
	}
	var cumSamples, cumBytes uint64
	for len(data) > 0 {
		frame, ok := output.Pull()
		if !ok {
			return fmt.Errorf("decoder: output jitter %s torn down mid-write", output.Name())
		}
		n := copy(frame, data)
		cumBytes += uint64(n)
		cumSamples += uint64(n / bpf)
		output.Push(n, heartbeat.Beat{Samples: cumSamples, Bytes: cumBytes})
		data = data[n:]
	}
	return nil
}

// writeSamples runs raw little-endian PCM bytes (srcBits per sample,
// srcChannels interleaved) through chain (if non-nil) and writes the
// result to output in Pull()-sized chunks, per spec.md §4.4 step 3. A
// nil chain is a byte-for-byte writePCM, for adapters whose decoded
// format already matches the output jitter exactly.
func writeSamples(output jitter.Buffer, data []byte, chain *filter.Chain, srcBits, srcChannels int) error {
	if chain == nil {
		return writePCM(output, data)
	}
	if srcChannels <= 0 {
		srcChannels = 1
	}
	srcBytes := srcBits / 8
	if srcBytes <= 0 {
		srcBytes = 2
	}
	frameBytes := srcBytes * srcChannels
	dstBits := output.Format().BitsPerSample()
	if dstBits == 0 {
		dstBits = srcBits
	}

	var cumSamples, cumBytes uint64
	tuple := make([]filter.Sample, srcChannels)
	for off := 0; off+frameBytes <= len(data); off += frameBytes {
		for c := 0; c < srcChannels; c++ {
			tuple[c] = decodeLE(data[off+c*srcBytes:off+(c+1)*srcBytes], srcBits)
		}
		out := chain.Apply(tuple)
		if out == nil {
			continue // stats sentinel: no audio to emit
		}
		enc := encodeSamplesLE(out, dstBits)
		dstFrameBytes := len(out) * (dstBits / 8)
		if dstFrameBytes == 0 {
			dstFrameBytes = len(enc)
		}
		for len(enc) > 0 {
			frame, ok := output.Pull()
			if !ok {
				return fmt.Errorf("decoder: output jitter %s torn down mid-write", output.Name())
			}
			n := copy(frame, enc)
			cumBytes += uint64(n)
			cumSamples += uint64(n) / uint64(dstFrameBytes)
			output.Push(n, heartbeat.Beat{Samples: cumSamples, Bytes: cumBytes})
			enc = enc[n:]
		}
	}
	return nil
}

func decodeLE(b []byte, bits int) filter.Sample {
	switch bits {
	case 8:
		return filter.Sample(int8(b[0])) << 24 >> 24
	case 16:
		return filter.Sample(int16(uint16(b[0]) | uint16(b[1])<<8))
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return (v << 8) >> 8
	case 32:
		return filter.Sample(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	default:
		return 0
	}
}

func encodeSamplesLE(samples []filter.Sample, bits int) []byte {
	bytesPer := bits / 8
	if bytesPer == 0 {
		bytesPer = 2
	}
	out := make([]byte, len(samples)*bytesPer)
	for i, s := range samples {
		off := i * bytesPer
		switch bits {
		case 8:
			out[off] = byte(s)
		case 16:
			out[off] = byte(s)
			out[off+1] = byte(s >> 8)
		case 24:
			out[off] = byte(s)
			out[off+1] = byte(s >> 8)
			out[off+2] = byte(s >> 16)
		default: // 32
			out[off] = byte(s)
			out[off+1] = byte(s >> 8)
			out[off+2] = byte(s >> 16)
			out[off+3] = byte(s >> 24)
		}
	}
	return out
}

// jitterReader adapts a compressed-byte jitter.Buffer to io.Reader, for
// codec libraries (go-mp3, go-flac) that want a streaming reader rather
// than jitter's Peer/Pop protocol.
type jitterReader struct {
	input jitter.Buffer
	buf   []byte
}

func (r *jitterReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		frame, ok := r.input.Peer()
		if !ok {
			return 0, io.EOF
		}
		r.buf = frame
		if len(frame) == 0 {
			r.input.Pop(0)
			continue
		}
	}
	n := copy(p, r.buf)
	r.input.Pop(n)
	r.buf = r.buf[n:]
	return n, nil
}

// pcmTagFor maps a decoded channel count and bit depth to the canonical
// format.Sample tag, per spec.md §3's PCM tag table. Only little-endian
// layouts are produced: every codec library in this package already
// hands back native byte order.
func pcmTagFor(channels, bitsPerSample int) format.Sample {
	switch {
	case channels == 1 && bitsPerSample == 8:
		return format.PCM8Mono
	case channels == 1 && bitsPerSample == 16:
		return format.PCM16LEMono
	case channels == 2 && bitsPerSample == 16:
		return format.PCM16LEStereo
	case channels == 2 && bitsPerSample == 24:
		return format.PCM24In3LEStereo
	case channels == 2 && bitsPerSample == 32:
		return format.PCM32LEStereo
	default:
		return format.Unknown
	}
}
