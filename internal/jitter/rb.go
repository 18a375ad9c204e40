package jitter

import "github.com/dsb/putvgo/internal/heartbeat"

// RB is the ring-buffer jitter variant: a single contiguous byte stream
// where push/pop accept arbitrary counts up to Size, and the consumer
// always reads fixed-size chunks regardless of how the producer chunked
// its writes. Used where the decoder needs to read a steady frame size
// out of an otherwise unaligned byte stream (e.g. a TCP source).
//
// The backing store carries a mirror of its first Size bytes appended
// after its logical capacity, so a read of up to Size bytes starting
// anywhere in the ring is always a contiguous slice — resolving the
// "variatic input/output" ambiguity noted in spec.md §9 by specifying
// the overlap explicitly as one Size's worth of mirrored bytes.
type RB struct {
	core
	buf       []byte // len == capacity + size
	capacity  int
	chunk     int // = Size: both the pull/peer unit and max push/pop length
	writePos  int
	readPos   int
	filled    int // bytes currently buffered
	threshold int // in bytes (Count's frame-threshold scaled by Size)
	scratch   []byte

	popped       uint64 // cumulative bytes released by Pop, for Beat.Bytes
	resetPending bool   // set by Reset, cleared by the next non-empty Push
}

// NewRB allocates a ring-buffer jitter with cfg.Count*cfg.Size total
// capacity, reading and writing in cfg.Size chunks.
func NewRB(cfg Config) *RB {
	r := &RB{}
	initCore(&r.core, cfg)
	r.capacity = cfg.Count * cfg.Size
	r.chunk = cfg.Size
	r.buf = make([]byte, r.capacity+r.chunk)
	r.scratch = make([]byte, r.chunk)
	r.threshold = cfg.Threshold * cfg.Size
	if r.threshold < r.chunk {
		r.threshold = r.chunk
	}
	return r
}

// Pull returns a scratch buffer of Size bytes for the producer to fill;
// pass the bytes actually written to Push. Blocks while there isn't room
// for a full chunk.
func (r *RB) Pull() (frame []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.capacity-r.filled < r.chunk {
		if r.torndown {
			return nil, false
		}
		r.free.Wait()
	}
	if r.torndown {
		return nil, false
	}
	return r.scratch, true
}

func (r *RB) Push(n int, beat heartbeat.Beat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n == 0 {
		// RB clears the in-pointer: no further bytes are expected.
		r.state = Complete
		r.wake.Broadcast()
		return
	}
	if n > r.chunk {
		n = r.chunk
	}

	for i := 0; i < n; i++ {
		r.buf[(r.writePos+i)%r.capacity] = r.scratch[i]
	}
	// Keep the mirror region consistent: buf[capacity:capacity+chunk]
	// always equals buf[0:chunk].
	copy(r.buf[r.capacity:r.capacity+r.chunk], r.buf[0:r.chunk])

	r.writePos = (r.writePos + n) % r.capacity
	r.filled += n
	r.resetPending = false
	_ = beat // RB frames don't carry per-push heartbeat metadata; Peer
	// paces the attached pacer (if any) on the cumulative count of bytes
	// handed to the consumer, which PeerBeat reports without pacing.

	if r.state == Filling && r.filled >= r.threshold {
		r.state = Running
	}
	r.wake.Broadcast()
}

func (r *RB) peerLocked() (frame []byte, ok bool) {
	for {
		avail := r.filled
		if avail > r.chunk {
			avail = r.chunk
		}
		ready := avail > 0 && (avail == r.chunk || r.state == Complete || r.state == Flush)
		if ready && r.state != Filling {
			out := make([]byte, avail)
			copy(out, r.buf[r.readPos:r.readPos+avail])
			return out, true
		}
		if (r.state == Complete || r.state == Flush) && r.filled == 0 {
			return nil, false
		}
		if r.resetPending || r.torndown {
			return nil, false
		}
		r.wake.Wait()
	}
}

func (r *RB) Peer() (frame []byte, ok bool) {
	r.mu.Lock()
	frame, ok = r.peerLocked()
	pacer := r.pacer
	beat := heartbeat.Beat{Bytes: r.popped + uint64(len(frame))}
	r.mu.Unlock()
	if ok && pacer != nil {
		pacer.Wait(beat)
	}
	return frame, ok
}

func (r *RB) PeerBeat() (frame []byte, beat heartbeat.Beat, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame, ok = r.peerLocked()
	if ok {
		beat = heartbeat.Beat{Bytes: r.popped + uint64(len(frame))}
	}
	return frame, beat, ok
}

func (r *RB) Pop(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.filled {
		n = r.filled
	}
	r.readPos = (r.readPos + n) % r.capacity
	r.filled -= n
	r.popped += uint64(n)
	r.free.Broadcast()
}

func (r *RB) Flush() {
	r.mu.Lock()
	if r.state != Complete {
		r.state = Flush
	}
	r.wake.Broadcast()
	r.mu.Unlock()
}

func (r *RB) Reset() {
	r.mu.Lock()
	r.writePos = 0
	r.readPos = 0
	r.filled = 0
	r.state = Filling
	r.resetPending = true
	r.wake.Broadcast()
	r.free.Broadcast()
	r.mu.Unlock()
}

func (r *RB) Teardown() {
	r.mu.Lock()
	r.torndown = true
	r.wake.Broadcast()
	r.free.Broadcast()
	r.mu.Unlock()
}

// Length returns the number of bytes currently buffered.
func (r *RB) Length() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}

func (r *RB) Empty() bool {
	return r.Length() == 0
}

var _ Buffer = (*RB)(nil)
