// Package jitter implements the bounded queues that couple every pair of
// pipeline stages (spec.md §3, §4.1): a fixed-size multi-frame buffer with
// a lifecycle state machine absorbing short-term timing variance between
// a producer and a single consumer.
//
// Two concrete variants share the Buffer interface: Scatter-gather (SG),
// used where frame boundaries are semantic (RTP packets, encoded audio
// frames), and ring-buffer (RB), used where the consumer pulls fixed-size
// chunks out of an otherwise unstructured byte stream (compressed bytes
// feeding a decoder). Grounded on the teacher's queue-like buffering in
// src/rrbb.go (a fixed-capacity slot handed between stages) and on the
// condvar-pair pattern described by spec.md §5 ("push-wake, peer-wake").
package jitter

import (
	"sync"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
)

// State is the jitter lifecycle state of spec.md §3.
type State int

const (
	Stop State = iota
	Filling
	Running
	Flush
	Complete
)

func (s State) String() string {
	switch s {
	case Stop:
		return "stop"
	case Filling:
		return "filling"
	case Running:
		return "running"
	case Flush:
		return "flush"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Config parameterizes a new jitter buffer, per spec.md §3's attribute
// list.
type Config struct {
	Name      string
	Count     int // capacity in frames
	Size      int // bytes per frame
	Threshold int // fill level (in frames) required to enter Running
	Format    format.Sample
	Frequency int // negotiated sample rate; 0 = inherit from upstream
	Pacer     heartbeat.Pacer
}

// Buffer is the common contract both variants implement.
type Buffer interface {
	// Pull obtains a writable frame for the producer. Blocks while no
	// frame is free. Returns ok=false only after the buffer is torn down
	// (Teardown); after Reset it hands out a free frame.
	Pull() (frame []byte, ok bool)
	// Push commits the frame from the last Pull. n=0 signals
	// end-of-stream. beat carries heartbeat metadata for the consumer.
	Push(n int, beat heartbeat.Beat)
	// Peer obtains a readable frame for the consumer, applying the
	// attached heartbeat's pacing automatically. Returns ok=false if
	// Complete with no data left.
	Peer() (frame []byte, ok bool)
	// PeerBeat is like Peer but returns the frame's beat without
	// applying heartbeat pacing, leaving that to the caller.
	PeerBeat() (frame []byte, beat heartbeat.Beat, ok bool)
	// Pop releases the frame from the last Peer/PeerBeat.
	Pop(n int)
	// Flush signals a cooperative end-of-track: remaining ready frames
	// still drain, then Peer returns ok=false.
	Flush()
	// Reset force-restores Free/Filling state and unblocks every
	// blocked Pull/Peer call.
	Reset()
	// Length reports the current readable length, interpretation
	// documented per variant.
	Length() int
	// Empty reports whether no frame is outstanding (committed but not
	// yet fully consumed).
	Empty() bool
	// SetFrequency renegotiates the sample rate, e.g. once a decoder
	// discovers it from the stream header.
	SetFrequency(hz int)
	Frequency() int
	Format() format.Sample
	Name() string
}

// core holds the state shared by both variants: the mutex and the two
// condition variables spec.md §5 calls for ("push-wake, peer-wake").
type core struct {
	mu   sync.Mutex
	wake *sync.Cond // broadcast on push/flush/reset: wakes Peer waiters
	free *sync.Cond // broadcast on pop/reset: wakes Pull waiters

	name      string
	size      int
	threshold int
	state     State
	frequency int
	fmt       format.Sample
	pacer     heartbeat.Pacer
	torndown  bool
}

// initCore initializes c in place. It must not be called on a core that
// will subsequently be copied: sync.Cond pins a pointer to c.mu, so the
// core has to live at its final address before the condvars are built.
func initCore(c *core, cfg Config) {
	c.name = cfg.Name
	c.size = cfg.Size
	c.threshold = cfg.Threshold
	c.state = Filling
	c.frequency = cfg.Frequency
	c.fmt = cfg.Format
	c.pacer = cfg.Pacer
	if c.threshold < 1 {
		c.threshold = 1
	}
	c.wake = sync.NewCond(&c.mu)
	c.free = sync.NewCond(&c.mu)
}

func (c *core) Name() string             { return c.name }
func (c *core) Format() format.Sample     { return c.fmt }
func (c *core) Frequency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frequency
}
func (c *core) SetFrequency(hz int) {
	c.mu.Lock()
	c.frequency = hz
	c.mu.Unlock()
}
