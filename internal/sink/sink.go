// Package sink implements the Sink stage of spec.md §4.6: consuming
// wire-ready (or raw PCM) frames from a jitter buffer and writing them
// to an output — a sound card, a file, a network peer, or a set of
// broadcast clients.
//
// Operations mirror internal/source: adapters are selected by URL
// scheme through the same builder-registry pattern, each owns the
// jitter its upstream stage pushes into, and each consumes it on a
// background task started by Run.
package sink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
	"github.com/dsb/putvgo/internal/logging"
)

// ErrUnsupported is returned by New when no adapter's scheme set
// contains the URL's scheme, per spec.md §7's UnsupportedUrl error kind.
var ErrUnsupported = errors.New("sink: unsupported url")

// ErrVolumeUnsupported is the error an adapter's SetVolume returns when
// it cannot adjust volume. None of the adapters in this package returns
// it: every one of them accepts SetVolume.
var ErrVolumeUnsupported = errors.New("sink: volume control not supported")

// Config parameterizes the jitter a sink adapter creates for its
// upstream stage to push into, and the latency target ALSA-class
// adapters use to size their write periods, per spec.md §4.6.
type Config struct {
	Format    format.Sample
	Frequency int
	Count     int // jitter capacity in frames
	Size      int // bytes per frame
	Threshold int
	LatencyMS int           // ALSA-class period sizing target; 0 = adapter default
	Pacer     heartbeat.Pacer // network/unix/file sinks: paces Peer() to the producer's heartbeat
}

// Sink is the contract every output adapter implements.
type Sink interface {
	// Init parses rawURL and opens the underlying handle, creating the
	// jitter the upstream stage (mux or encoder) will push into.
	Init(rawURL string, cfg Config) error
	// Jitter returns the input buffer created by Init.
	Jitter() jitter.Buffer
	// Run begins consuming on a background task; returns once that
	// task has started, not once the stream ends.
	Run() error
	// SetVolume sets the playback level as a 0-100 percentage, per
	// spec.md §4.6's "exposes a mixer control (Master by default) for
	// volume". The ALSA adapter applies it as a software gain; the
	// file, network and unix adapters store it and write frames
	// unscaled. Returns ErrVolumeUnsupported if the adapter can't.
	SetVolume(percent int) error
	// Destroy joins the background task and closes the handle.
	Destroy() error
}

// Factory constructs a fresh, uninitialized adapter instance.
type Factory func() Sink

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds an adapter factory for the given URL scheme(s).
func Register(schemes []string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, s := range schemes {
		registry[s] = f
	}
}

// New selects the adapter whose registered scheme matches rawURL's
// scheme, constructs it, and calls Init.
func New(rawURL string, cfg Config) (Sink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sink: parse %q: %w", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)

	registryMu.Lock()
	f, ok := registry[scheme]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, scheme)
	}

	s := f()
	if err := s.Init(rawURL, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Registered reports every URL scheme currently bound to an adapter,
// for spec.md §6's `capabilities` method to introspect.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	return out
}

// defaultConfig fills zero-valued Config fields the way every adapter
// expects, mirroring internal/jitter's own Threshold<1 defaulting.
func defaultConfig(cfg Config) Config {
	if cfg.Count < 1 {
		cfg.Count = 8
	}
	if cfg.Size < 1 {
		cfg.Size = 4096
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	return cfg
}

// base holds the bookkeeping every adapter shares: the input jitter and
// the goroutine lifecycle, per spec.md §5 ("every long-lived stage runs
// on its own background task").
type base struct {
	j   jitter.Buffer
	wg  sync.WaitGroup
	log interface {
		Info(msg string, kv ...any)
		Warn(msg string, kv ...any)
		Error(msg string, kv ...any)
		Debug(msg string, kv ...any)
	}

	volMu sync.Mutex
	vol   int // 0-100, software gain fallback
}

func newBase(stage string) *base {
	return &base{log: logging.Stage(stage), vol: 100}
}

func (b *base) Jitter() jitter.Buffer { return b.j }

func (b *base) Destroy() error {
	b.wg.Wait()
	return nil
}

// volume returns the current software gain as a 0-100 percentage.
func (b *base) volume() int {
	b.volMu.Lock()
	defer b.volMu.Unlock()
	return b.vol
}

// setVolume stores percent (clamped to [0,100]) for adapters using the
// software-scalar fallback.
func (b *base) setVolume(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	b.volMu.Lock()
	b.vol = percent
	b.volMu.Unlock()
	return nil
}

// scaleInPlace applies a 0-100 percent software gain to interleaved
// 16-bit little-endian PCM in place; the ALSA adapter uses it in place
// of a hardware mixer control.
func scaleInPlace(pcm []byte, percent int) {
	if percent >= 100 || len(pcm) < 2 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		s = int16(int32(s) * int32(percent) / 100)
		pcm[i] = byte(uint16(s))
		pcm[i+1] = byte(uint16(s) >> 8)
	}
}
