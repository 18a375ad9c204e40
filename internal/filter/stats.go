package filter

import (
	"math"
	"sync"
)

// Snapshot is the accumulated RMS/peak/mean returned by Stats.Snapshot
// and passed to the onFlush callback when StatsSentinel is observed,
// per spec.md §4.5 item 5.
type Snapshot struct {
	RMS   float64
	Peak  Sample
	Mean  float64
	Count int64
}

// Stats accumulates running sums across samples observed via Observe,
// emitting a Snapshot and resetting when the chain sees StatsSentinel.
// Debug-only per spec.md §4.5; the Player builds its chains without a
// Stats tap, so Chain.Stats stays nil unless a caller sets it.
type Stats struct {
	mu      sync.Mutex
	sumSq   float64
	sum     float64
	peak    Sample
	count   int64
	onFlush func(Snapshot)
}

// NewStats creates a Stats tap. onFlush, if non-nil, is called with
// each snapshot as StatsSentinel flushes it.
func NewStats(onFlush func(Snapshot)) *Stats {
	return &Stats{onFlush: onFlush}
}

// Observe folds one sample tuple into the running accumulators, or
// flushes and resets them if any sample in the tuple is StatsSentinel.
func (s *Stats) Observe(samples []Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range samples {
		if v == StatsSentinel {
			snap := s.snapshotLocked()
			s.sumSq, s.sum, s.peak, s.count = 0, 0, 0, 0
			if s.onFlush != nil {
				s.onFlush(snap)
			}
			continue
		}
		fv := float64(v)
		s.sumSq += fv * fv
		s.sum += fv
		if abs := absSample(v); abs > s.peak {
			s.peak = abs
		}
		s.count++
	}
}

// Snapshot returns the current accumulators without resetting them.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stats) snapshotLocked() Snapshot {
	if s.count == 0 {
		return Snapshot{}
	}
	return Snapshot{
		RMS:   math.Sqrt(s.sumSq / float64(s.count)),
		Peak:  s.peak,
		Mean:  s.sum / float64(s.count),
		Count: s.count,
	}
}

func absSample(v Sample) Sample {
	if v < 0 {
		if v == math.MinInt32 {
			return math.MaxInt32
		}
		return -v
	}
	return v
}
