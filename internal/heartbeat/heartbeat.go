// Package heartbeat paces jitter-buffer output to wall-clock time, per
// spec.md §3's samples-based and bitrate-based heartbeat variants.
package heartbeat

import (
	"sync"
	"time"

	"github.com/dsb/putvgo/internal/logging"
)

var log = logging.Stage("heartbeat")

// Beat carries the cumulative amount of data emitted by the producer at
// the time a given frame was pushed. It rides along with a jitter push
// and is handed to Pacer.Wait by the consumer side of peer().
type Beat struct {
	Samples uint64 // cumulative samples emitted (samples-based pacing)
	Bytes   uint64 // cumulative bytes emitted (bitrate-based pacing)
}

// Pacer stalls a consumer until a frame is allowed to cross the jitter
// buffer at the real-time rate its producer is supposed to emit at.
type Pacer interface {
	// Wait blocks until beat is allowed to be released.
	Wait(beat Beat)
	// Reset re-anchors the pacer to "now", e.g. on resume from pause.
	Reset()
}

// driftThreshold is how far behind wall-clock a samples-based pacer may
// drift before it gives up trying to catch up and re-anchors instead.
const driftThreshold = 200 * time.Millisecond

// SamplesPacer paces output using samples_emitted * 1e9 / sample_rate
// nanoseconds since the pacer started.
type SamplesPacer struct {
	mu         sync.Mutex
	sampleRate int
	start      time.Time
}

// NewSamplesPacer creates a pacer for a PCM stream at the given sample
// rate. Call Reset (or construct fresh) whenever the rate renegotiates.
func NewSamplesPacer(sampleRate int) *SamplesPacer {
	return &SamplesPacer{sampleRate: sampleRate, start: time.Now()}
}

func (p *SamplesPacer) Wait(beat Beat) {
	p.mu.Lock()
	rate := p.sampleRate
	start := p.start
	p.mu.Unlock()
	if rate <= 0 {
		return
	}

	target := time.Duration(beat.Samples * uint64(time.Second) / uint64(rate))
	elapsed := time.Since(start)
	if drift := elapsed - target; drift > driftThreshold {
		log.Warn("samples pacer drift, re-anchoring", "drift", drift)
		p.mu.Lock()
		p.start = time.Now().Add(-target)
		p.mu.Unlock()
		return
	}
	if wait := target - elapsed; wait > 0 {
		time.Sleep(wait)
	}
}

func (p *SamplesPacer) Reset() {
	p.mu.Lock()
	p.start = time.Now()
	p.mu.Unlock()
}

// Rate reports the current sample rate, for stages that renegotiate it.
func (p *SamplesPacer) Rate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleRate
}

// SetRate updates the sample rate and re-anchors, used when the output
// jitter's frequency changes (format negotiation, spec.md §4.4).
func (p *SamplesPacer) SetRate(rate int) {
	p.mu.Lock()
	p.sampleRate = rate
	p.start = time.Now()
	p.mu.Unlock()
}

// recheckInterval is how often a BitratePacer re-evaluates its budget,
// per spec.md §3: "every 500 ms of wall-clock, the consumer is allowed
// to proceed."
const recheckInterval = 500 * time.Millisecond

// BitratePacer paces output to a configured bits-per-second budget,
// used by encoders feeding network sinks that have no real-time clock
// of their own.
type BitratePacer struct {
	mu      sync.Mutex
	bitrate int
	start   time.Time
}

// NewBitratePacer creates a pacer targeting the given bitrate in bits
// per second. A non-positive bitrate disables pacing.
func NewBitratePacer(bitrate int) *BitratePacer {
	return &BitratePacer{bitrate: bitrate, start: time.Now()}
}

func (p *BitratePacer) Wait(beat Beat) {
	p.mu.Lock()
	bitrate := p.bitrate
	start := p.start
	p.mu.Unlock()
	if bitrate <= 0 {
		return
	}
	for {
		elapsed := time.Since(start)
		budget := uint64(float64(bitrate) * elapsed.Seconds() / 8)
		if beat.Bytes <= budget {
			return
		}
		time.Sleep(recheckInterval)
	}
}

func (p *BitratePacer) Reset() {
	p.mu.Lock()
	p.start = time.Now()
	p.mu.Unlock()
}
