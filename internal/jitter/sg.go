package jitter

import "github.com/dsb/putvgo/internal/heartbeat"

// frameState is the per-frame state machine of spec.md §3:
// FREE → PULL → READY → POP → FREE.
type frameState int

const (
	frameFree frameState = iota
	framePull
	frameReady
	framePop
)

type sgFrame struct {
	state frameState
	buf   []byte
	n     int
	beat  heartbeat.Beat
}

// SG is the scatter-gather jitter buffer: a ring of fixed-capacity frame
// slots where push/pop commit whole frames and frame boundaries are
// preserved end to end. Used for RTP packets and encoded audio frames.
type SG struct {
	core
	frames     []sgFrame
	pullIdx    int
	peerIdx    int
	readyCount int

	resetPending bool // set by Reset, cleared by the next non-empty Push
}

// NewSG allocates a scatter-gather jitter buffer with cfg.Count frames of
// cfg.Size bytes each.
func NewSG(cfg Config) *SG {
	s := &SG{}
	initCore(&s.core, cfg)
	s.frames = make([]sgFrame, cfg.Count)
	for i := range s.frames {
		s.frames[i].buf = make([]byte, cfg.Size)
	}
	return s
}

func (s *SG) Pull() (frame []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.frames[s.pullIdx].state != frameFree {
		if s.torndown {
			return nil, false
		}
		s.free.Wait()
	}
	if s.torndown {
		return nil, false
	}
	s.frames[s.pullIdx].state = framePull
	return s.frames[s.pullIdx].buf, true
}

func (s *SG) Push(n int, beat heartbeat.Beat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &s.frames[s.pullIdx]
	if n == 0 {
		// End of stream, with or without a preceding Pull.
		if f.state == framePull {
			f.state = frameFree
		}
		s.state = Complete
		s.wake.Broadcast()
		return
	}
	if f.state != framePull {
		// Nothing was pulled; a non-empty push with no matching pull is a
		// no-op guard against misuse rather than a panic, mirroring the
		// teacher's defensive Assert-then-continue style in non-fatal
		// paths.
		return
	}

	s.resetPending = false
	f.n = n
	f.beat = beat
	f.state = frameReady
	s.readyCount++
	s.pullIdx = (s.pullIdx + 1) % len(s.frames)

	if s.state == Filling && s.readyCount >= s.threshold {
		s.state = Running
	}
	s.wake.Broadcast()
}

func (s *SG) peerLocked() (frame []byte, beat heartbeat.Beat, ok bool) {
	for {
		f := &s.frames[s.peerIdx]
		if f.state == frameReady && s.state != Filling {
			f.state = framePop
			return f.buf[:f.n], f.beat, true
		}
		if (s.state == Complete || s.state == Flush) && f.state != frameReady {
			return nil, heartbeat.Beat{}, false
		}
		if s.resetPending || s.torndown {
			return nil, heartbeat.Beat{}, false
		}
		s.wake.Wait()
	}
}

func (s *SG) Peer() (frame []byte, ok bool) {
	s.mu.Lock()
	frame, beat, ok := s.peerLocked()
	pacer := s.pacer
	s.mu.Unlock()
	if ok && pacer != nil {
		pacer.Wait(beat)
	}
	return frame, ok
}

func (s *SG) PeerBeat() (frame []byte, beat heartbeat.Beat, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLocked()
}

func (s *SG) Pop(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &s.frames[s.peerIdx]
	if f.state != framePop {
		return
	}
	f.state = frameFree
	f.n = 0
	s.readyCount--
	s.peerIdx = (s.peerIdx + 1) % len(s.frames)
	s.free.Broadcast()
}

func (s *SG) Flush() {
	s.mu.Lock()
	if s.state != Complete {
		s.state = Flush
	}
	s.wake.Broadcast()
	s.mu.Unlock()
}

func (s *SG) Reset() {
	s.mu.Lock()
	for i := range s.frames {
		s.frames[i].state = frameFree
		s.frames[i].n = 0
	}
	s.pullIdx = 0
	s.peerIdx = 0
	s.readyCount = 0
	s.state = Filling
	s.resetPending = true
	s.wake.Broadcast()
	s.free.Broadcast()
	s.mu.Unlock()
}

// Teardown permanently unblocks every Pull/Peer waiter, used when the
// pipeline is being destroyed rather than merely rebuilt.
func (s *SG) Teardown() {
	s.mu.Lock()
	s.torndown = true
	s.wake.Broadcast()
	s.free.Broadcast()
	s.mu.Unlock()
}

// Length returns the current frame's committed length, per spec.md §4.1's
// scatter-gather specifics.
func (s *SG) Length() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &s.frames[s.peerIdx]
	if f.state == frameReady || f.state == framePop {
		return f.n
	}
	return 0
}

// Level returns the number of frames currently outstanding (not FREE),
// the invariant spec.md §8.1 bounds by 0 ≤ level ≤ count.
func (s *SG) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.frames {
		if s.frames[i].state != frameFree {
			n++
		}
	}
	return n
}

func (s *SG) Empty() bool {
	return s.Level() == 0
}

var _ Buffer = (*SG)(nil)
