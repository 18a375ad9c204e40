// Package source implements the Source stage of spec.md §4.2: pulling
// raw bytes from a URL and delivering them into elementary-stream jitter
// buffers, dispatching to a concrete adapter by URL scheme.
//
// Grounded on the teacher's per-protocol network adapters
// (src/kissnet.go for TCP framing, src/dwgpsnmea.go for a background
// read-loop-to-jitter pattern) generalized from AX.25/NMEA framing to
// audio byte streams.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/dsb/putvgo/internal/demux"
	"github.com/dsb/putvgo/internal/event"
	"github.com/dsb/putvgo/internal/jitter"
	"github.com/dsb/putvgo/internal/logging"
	"github.com/dsb/putvgo/internal/media"
)

// ErrUnsupported is returned by New when no adapter's scheme set
// contains the URL's scheme, per spec.md §7's UnsupportedUrl error kind.
var ErrUnsupported = errors.New("source: unsupported url")

// Source is the contract every protocol adapter implements.
type Source interface {
	// Init parses rawURL, opens the underlying handle, and consults
	// mimeHint for demuxer selection. Adapters that parse rawURL return
	// an ErrUnsupported-wrapping error when it does not parse; I/O
	// failures are returned as wrapped errors.
	Init(rawURL string, mimeHint string) error
	// Run begins producing: blocking sources push on a background
	// goroutine; Run returns once that goroutine has been started, not
	// once it finishes.
	Run() error
	// Attach binds pid's compressed-byte jitter so the source/demuxer
	// can push into it once NEW_ES has been handled by the player.
	Attach(pid media.PID, input jitter.Buffer)
	// EStream reports whether pid currently has an attached jitter.
	EStream(pid media.PID) (jitter.Buffer, bool)
	// Events returns the bus NEW_ES/DECODE_ES/END_ES are published on.
	Events() *event.Bus
	// MIME returns the best-known MIME for the i-th elementary stream.
	MIME(index int) (string, bool)
	// Destroy joins the background goroutine and closes the handle.
	Destroy() error
}

// Factory constructs a fresh, uninitialized adapter instance.
type Factory func() Source

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds an adapter factory for the given URL scheme(s) to the
// registry. Per spec.md §9's "global module tables" note, this replaces
// the teacher's mutable process-wide arrays with an explicit builder
// registry populated at init time.
func Register(schemes []string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, s := range schemes {
		registry[s] = f
	}
}

// Registered reports every scheme currently bound to an adapter, for
// spec.md §6's `capabilities` method to introspect.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	return out
}

// New selects the adapter whose registered scheme matches rawURL's
// scheme, constructs it, and calls Init.
func New(rawURL string, mimeHint string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse %q: %w", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)

	registryMu.Lock()
	f, ok := registry[scheme]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, scheme)
	}

	s := f()
	if err := s.Init(rawURL, mimeHint); err != nil {
		return nil, err
	}
	return s, nil
}

// base holds the bookkeeping every adapter shares: event bus, a
// demuxer (pass-through unless the adapter embeds RTP), and the
// goroutine lifecycle (spec.md §5: "every long-lived stage runs on its
// own background task").
type base struct {
	bus   *event.Bus
	demux demux.Demuxer
	wg    sync.WaitGroup
	log   interface {
		Info(msg string, kv ...any)
		Warn(msg string, kv ...any)
		Error(msg string, kv ...any)
	}

	mu       sync.Mutex
	streams  []media.ElementaryStream
	attached map[media.PID]jitter.Buffer
}

func newBase(stage string) *base {
	b := &base{bus: event.NewBus(), log: logging.Stage(stage), attached: map[media.PID]jitter.Buffer{}}
	// Track NEW_ES announcements from our own demuxer so MIME/EStream
	// can answer queries without re-deriving demuxer-internal state.
	tracker := b.bus.Subscribe(8)
	go func() {
		for ev := range tracker {
			if ev.Kind != event.NewES {
				continue
			}
			es, ok := ev.Payload.(media.ElementaryStream)
			if !ok {
				continue
			}
			b.mu.Lock()
			b.streams = append(b.streams, es)
			b.mu.Unlock()
		}
	}()
	return b
}

func (b *base) Events() *event.Bus { return b.bus }

func (b *base) Attach(pid media.PID, input jitter.Buffer) {
	b.mu.Lock()
	b.attached[pid] = input
	b.mu.Unlock()
	if b.demux != nil {
		b.demux.Attach(pid, input)
	}
}

func (b *base) EStream(pid media.PID) (jitter.Buffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.attached[pid]
	return j, ok
}

func (b *base) MIME(index int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.streams) {
		return "", false
	}
	return b.streams[index].MIME, true
}

func (b *base) Destroy() error {
	b.wg.Wait()
	return nil
}
