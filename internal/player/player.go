// Package player implements the state machine and pipeline composition
// of spec.md §4.7: the STOP/PLAY/PAUSE/CHANGE/ERROR state machine, the
// playlist cursor, and wiring one track's source → decoder → filter →
// encoder → mux → sink graph per the lifecycle in §4.7's "Lifecycle of
// one track".
package player

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dsb/putvgo/internal/catalog"
	"github.com/dsb/putvgo/internal/decoder"
	"github.com/dsb/putvgo/internal/encoder"
	"github.com/dsb/putvgo/internal/event"
	"github.com/dsb/putvgo/internal/filter"
	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
	"github.com/dsb/putvgo/internal/logging"
	"github.com/dsb/putvgo/internal/media"
	"github.com/dsb/putvgo/internal/mux"
	"github.com/dsb/putvgo/internal/sink"
	"github.com/dsb/putvgo/internal/source"
)

var log = logging.Stage("player")

// State is the player state machine's state, per spec.md §4.7.
type State int

const (
	Stop State = iota
	Play
	Pause
	Change
	Error
	Unknown
)

func (s State) String() string {
	switch s {
	case Stop:
		return "stop"
	case Play:
		return "play"
	case Pause:
		return "pause"
	case Change:
		return "change"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Config parameterizes the pipeline Player builds for every track:
// which sink to write to, what format it expects, and whether to
// transcode/mux before handing frames to it.
type Config struct {
	SinkURL   string
	SinkCfg   sink.Config
	EncodeMIME string // "" = passthrough PCM, no compression
	UseRTPMux  bool
	RTPClockRate int

	DecodeFormat    format.Sample // decoder output jitter's PCM tag; default PCM16LEStereo
	DecodeFrequency int           // default 44100; decoders renegotiate via SetFrequency

	ReplayGainDB float64
}

// Status is the full state snapshot spec.md §6's status/onchange methods
// return.
type Status struct {
	State   string
	ID      media.ID
	Info    media.Info
	URL     string
	Next    media.ID
	Count   int
	Media   string
	Options media.Options
	Volume  int
}

// Player drives one playlist through a single output pipeline. Spec.md
// §5's "one mutex + two condvars for state transitions" collapses here
// to one mutex and one sync.Cond: Go's Cond.Broadcast wakes every
// waiter to re-check its predicate, so the thundering-herd concern a
// two-condvar split avoids in C doesn't apply — recorded in DESIGN.md.
type Player struct {
	mu   sync.Mutex
	cond *sync.Cond

	cat    *catalog.Catalog
	cfg    Config
	cursor media.Cursor

	state State
	entry media.Entry
	track *trackRuntime
	vol   int

	bus *event.Bus // onchange notifications, per spec.md §6
}

// New creates a Player against cat, driving tracks into the pipeline
// described by cfg. The player starts in STOP.
func New(cat *catalog.Catalog, cfg Config) *Player {
	if cfg.DecodeFormat == format.Unknown {
		cfg.DecodeFormat = format.PCM16LEStereo
	}
	if cfg.DecodeFrequency <= 0 {
		cfg.DecodeFrequency = 44100
	}
	p := &Player{cat: cat, cfg: cfg, vol: 100, bus: event.NewBus()}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Events returns the bus onchange notifications are published on,
// per spec.md §6.
func (p *Player) Events() *event.Bus { return p.bus }

// State reports the current state, spec.md §4.7's UNKNOWN "query-only"
// pseudo-transition: state(UNKNOWN) always just reads the state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns the full state snapshot of spec.md §6.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, _ := p.cat.Count()
	st := Status{
		State: p.state.String(), ID: p.entry.ID, Info: p.entry.Info,
		URL: p.entry.URL, Next: p.cursor.Current, Count: count,
		Options: p.cursor.Options, Volume: p.vol,
	}
	if p.entry.URL != "" {
		st.Media = p.entry.URL
	}
	return st
}

func (p *Player) publishChange() {
	p.bus.Publish(event.Event{Kind: event.OnChange, Payload: p.Status()})
}

// SetOptions updates loop/random, per spec.md §6's `options` method.
func (p *Player) SetOptions(opts media.Options) {
	p.mu.Lock()
	p.cursor.Options = opts
	p.mu.Unlock()
}

// Options reports the current loop/random settings.
func (p *Player) Options() media.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor.Options
}

// SetNext points the cursor at id without changing playback state, per
// spec.md §6's `setnext` method.
func (p *Player) SetNext(id media.ID) {
	p.mu.Lock()
	p.cursor.Current = id - 1 // Next() advances past Current
	p.mu.Unlock()
}

// Volume returns the current software/hardware volume percentage.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vol
}

// SetVolume sets playback volume (0-100), propagating to the live sink
// if a track is running, per spec.md §6's `volume` method.
func (p *Player) SetVolume(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	p.vol = percent
	t := p.track
	p.mu.Unlock()
	if t != nil && t.snk != nil {
		return t.snk.SetVolume(percent)
	}
	return nil
}

// Play implements spec.md §4.7's STOP→CHANGE→PLAY and PAUSE→PLAY
// transitions.
func (p *Player) Play() error {
	p.mu.Lock()
	switch p.state {
	case Pause:
		p.state = Play
		p.cond.Broadcast()
		p.mu.Unlock()
		p.publishChange()
		return nil
	case Play:
		p.mu.Unlock()
		return nil
	case Stop:
		p.mu.Unlock()
		return p.advance()
	default:
		cur := p.state
		p.mu.Unlock()
		return fmt.Errorf("player: cannot play from state %s", cur)
	}
}

// Pause implements spec.md §4.7's PLAY→PAUSE transition. Pause is
// enforced at the decoder's write side via waiton, below.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Play {
		return fmt.Errorf("player: cannot pause from state %s", p.state)
	}
	p.state = Pause
	p.cond.Broadcast()
	go p.publishChange()
	return nil
}

// Stop implements spec.md §4.7's "any → STOP": flush output jitters,
// destroy the source, and reset so the next Play starts clean.
func (p *Player) Stop() error {
	p.mu.Lock()
	t := p.track
	p.track = nil
	p.state = Stop
	p.cond.Broadcast()
	p.mu.Unlock()
	if t != nil {
		t.teardown()
	}
	p.publishChange()
	return nil
}

// Next implements spec.md §6's `next` method: skip straight to
// advancing the cursor regardless of current state.
func (p *Player) Next() error {
	p.mu.Lock()
	t := p.track
	p.track = nil
	p.mu.Unlock()
	if t != nil {
		t.teardown()
	}
	return p.advance()
}

// waiton blocks the caller (the decoder's write side per spec.md §4.7's
// "Pause semantics") until the player's state is no longer PAUSE,
// unblocking immediately on STOP too since a torn-down track's decoder
// goroutine needs to exit rather than spin.
func (p *Player) waiton() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.state == Pause {
		p.cond.Wait()
	}
	return p.state
}

// trackRuntime holds one track's live pipeline: source → per-ES decoder
// → (optional filter chain, inline) → encoder → (optional mux) → sink.
type trackRuntime struct {
	src      source.Source
	listener event.Listener
	decoders map[media.PID]decoder.Decoder
	decOuts  map[media.PID]jitter.Buffer
	enc      encoder.Encoder
	encOut   jitter.Buffer
	mx       mux.Muxer
	muxOut   jitter.Buffer
	snk      sink.Sink

	wg sync.WaitGroup
}

func (t *trackRuntime) teardown() {
	t.src.Events().Unsubscribe(t.listener)
	t.wg.Wait()
	t.src.Destroy()
	for _, d := range t.decoders {
		d.Close()
	}
	for _, j := range t.decOuts {
		j.Reset()
	}
	if t.encOut != nil {
		t.encOut.Reset()
	}
	if t.enc != nil {
		t.enc.Close()
	}
	if t.mx != nil {
		t.mx.Close()
	}
	if t.muxOut != nil {
		t.muxOut.Reset()
	}
	if t.snk != nil {
		t.snk.Destroy()
	}
}

// advance implements spec.md §4.7's CHANGE state: advance the cursor,
// and either build the next track's pipeline (→PLAY) or, if the
// playlist is exhausted and not looping, settle at STOP.
func (p *Player) advance() error {
	p.mu.Lock()
	p.state = Change
	p.mu.Unlock()
	p.publishChange()

	p.mu.Lock()
	entry, err := p.cat.Next(&p.cursor)
	p.mu.Unlock()
	if err != nil {
		p.mu.Lock()
		p.state = Stop
		p.entry = media.Entry{}
		p.mu.Unlock()
		p.publishChange()
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		return err
	}

	t, err := p.buildTrack(entry)
	if err != nil {
		log.Warn("track failed to start, skipping", "url", entry.URL, "err", err)
		return p.advance()
	}

	p.mu.Lock()
	p.track = t
	p.entry = entry
	p.state = Play
	p.mu.Unlock()
	p.publishChange()
	return nil
}

// buildTrack runs spec.md §4.7's "Lifecycle of one track" steps 3-4:
// open a source by URL, subscribe to its events, and on each NEW_ES
// build and attach a decoder, wiring its output into a shared encoder →
// (mux) → sink chain.
func (p *Player) buildTrack(entry media.Entry) (*trackRuntime, error) {
	src, err := source.New(entry.URL, entry.MIME)
	if err != nil {
		return nil, fmt.Errorf("player: open source: %w", err)
	}

	snk, err := sink.New(p.cfg.SinkURL, p.sinkConfig())
	if err != nil {
		src.Destroy()
		return nil, fmt.Errorf("player: open sink: %w", err)
	}

	t := &trackRuntime{
		src:      src,
		decoders: map[media.PID]decoder.Decoder{},
		decOuts:  map[media.PID]jitter.Buffer{},
		snk:      snk,
	}

	sinkIn := snk.Jitter()
	next := sinkIn
	if p.cfg.UseRTPMux {
		t.muxOut = sinkIn
		t.mx = &mux.RTP{MIME: firstNonEmpty(p.cfg.EncodeMIME, "audio/pcm"), ClockRate: p.cfg.RTPClockRate}
		t.encOut = jitter.NewSG(jitter.Config{
			Name: "player:encout", Count: 8, Size: p.cfg.SinkCfg.Size, Threshold: 1,
			Format: format.Stream, Frequency: p.cfg.DecodeFrequency,
		})
		if err := t.mx.Run(t.encOut, t.muxOut); err != nil {
			src.Destroy()
			snk.Destroy()
			return nil, fmt.Errorf("player: start mux: %w", err)
		}
		next = t.encOut
	}

	enc, err := encoder.New(firstNonEmpty(p.cfg.EncodeMIME, "audio/pcm"))
	if err != nil {
		src.Destroy()
		snk.Destroy()
		return nil, fmt.Errorf("player: build encoder: %w", err)
	}
	t.enc = enc
	decOut := jitter.NewRB(jitter.Config{
		Name: "player:decout", Count: 8, Size: 4096, Threshold: 1,
		Format: p.cfg.DecodeFormat, Frequency: p.cfg.DecodeFrequency,
	})
	if err := enc.Run(decOut, next); err != nil {
		src.Destroy()
		snk.Destroy()
		return nil, fmt.Errorf("player: start encoder: %w", err)
	}

	t.listener = src.Events().Subscribe(16)
	t.wg.Add(1)
	go p.watchEvents(t, decOut)

	if err := snk.Run(); err != nil {
		return nil, fmt.Errorf("player: start sink: %w", err)
	}
	if err := src.Run(); err != nil {
		return nil, fmt.Errorf("player: start source: %w", err)
	}
	return t, nil
}

// watchEvents is the player's response to its source's NEW_ES/END_ES
// events, per spec.md §4.7's "On NEW_ES, player builds a decoder for
// the MIME, attaches it, and on DECODE_ES starts the decoder".
func (p *Player) watchEvents(t *trackRuntime, decOut jitter.Buffer) {
	defer t.wg.Done()
	endSeen := 0
	for ev := range t.listener {
		switch ev.Kind {
		case event.NewES:
			es, ok := ev.Payload.(media.ElementaryStream)
			if !ok {
				continue
			}
			dec, err := decoder.New(es.MIME)
			if err != nil {
				log.Warn("no decoder for mime, skipping stream", "mime", es.MIME, "pid", es.PID)
				continue
			}
			srcIn := jitter.NewRB(jitter.Config{
				Name: fmt.Sprintf("player:srcin:%d", es.PID), Count: 8, Size: 4096,
				Threshold: 1, Format: format.Stream,
			})
			t.src.Attach(es.PID, srcIn)
			chain := filter.New(16, p.cfg.DecodeFormat.BitsPerSample(), 2, p.cfg.DecodeFormat.Channels(), p.cfg.ReplayGainDB)
			t.decoders[es.PID] = dec
			t.decOuts[es.PID] = decOut
			p.bus.Publish(event.Event{Kind: event.DecodeES, Payload: es})
			if err := dec.Run(srcIn, &pausingBuffer{Buffer: decOut, p: p}, chain); err != nil {
				log.Error("decoder failed to start", "pid", es.PID, "err", err)
			}
		case event.EndES:
			endSeen++
			if endSeen >= len(t.decoders) || len(t.decoders) == 0 {
				decOut.Flush()
				p.mu.Lock()
				cur := p.track
				p.mu.Unlock()
				if cur == t {
					go p.advance()
				}
			}
		}
	}
}

// pausingBuffer wraps a jitter.Buffer and blocks each Push until the
// player leaves PAUSE, implementing spec.md §4.7's "Pause semantics":
// "before pushing each PCM frame, the decoder calls a blocking
// waiton(PAUSE) that returns when state ≠ PAUSE." Every decoder adapter
// already pushes through jitter.Buffer, so wrapping the decoder's
// output jitter applies this to every codec with no decoder-specific
// pause handling.
type pausingBuffer struct {
	jitter.Buffer
	p *Player
}

func (pb *pausingBuffer) Push(n int, beat heartbeat.Beat) {
	pb.p.waiton()
	pb.Buffer.Push(n, beat)
}

func (p *Player) sinkConfig() sink.Config {
	cfg := p.cfg.SinkCfg
	if cfg.Format == format.Unknown {
		cfg.Format = p.cfg.DecodeFormat
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = p.cfg.DecodeFrequency
	}
	if cfg.Pacer == nil {
		cfg.Pacer = heartbeat.NewSamplesPacer(cfg.Frequency)
	}
	return cfg
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
