// Package audiostats implements the periodic "how's the audio doing"
// troubleshooting report: observed sample throughput, read-error count,
// and (when a filter.Stats tap is attached) peak/RMS level, logged every
// configurable interval. Grounded on the teacher's audio_stats.go, which
// exists for exactly this reason: "no indication of audio input level
// until a packet is received correctly."
package audiostats

import (
	"time"

	"github.com/dsb/putvgo/internal/filter"
	"github.com/dsb/putvgo/internal/logging"
)

var log = logging.Stage("audiostats")

// DefaultInterval matches the teacher's 100-second default reporting
// period.
const DefaultInterval = 100 * time.Second

// Tracker accumulates sample/error counts for one named stream (a
// source, a sink device) and logs a summary once per Interval, the Go
// equivalent of the teacher's per-adev static arrays collapsed into one
// value per tracked stream.
type Tracker struct {
	name     string
	interval time.Duration
	stats    *filter.Stats // optional: peak/RMS, nil if not attached

	lastTime      time.Time
	sampleCount   uint64
	errorCount    uint64
	suppressFirst bool
}

// New creates a Tracker for a stream named name (e.g. "source:file",
// "sink:alsa0"), reporting every interval. A non-positive interval
// disables reporting, matching the teacher's "0 to turn off" contract.
// stats may be nil.
func New(name string, interval time.Duration, stats *filter.Stats) *Tracker {
	return &Tracker{name: name, interval: interval, stats: stats}
}

// Observe folds one buffer's worth of I/O into the running counters.
// nsamp is the number of samples successfully read/written; a
// non-positive nsamp counts as one error, mirroring the teacher's
// audio_stats(adev, nchan, nsamp, interval).
func (t *Tracker) Observe(nsamp int) {
	if t.interval <= 0 {
		return
	}

	if t.lastTime.IsZero() {
		t.lastTime = time.Now()
		t.sampleCount = 0
		t.errorCount = 0
		t.suppressFirst = true
		// The first collection interval starts 3 seconds in, so an
		// unlucky first sample right at startup doesn't get blamed for
		// a misleadingly low rate over a near-zero elapsed window.
		t.lastTime = t.lastTime.Add(-1 * (t.interval - 3*time.Second))
		return
	}

	if nsamp > 0 {
		t.sampleCount += uint64(nsamp)
	} else {
		t.errorCount++
	}

	now := time.Now()
	if now.Before(t.lastTime.Add(t.interval)) {
		return
	}

	if t.suppressFirst {
		t.suppressFirst = false
	} else {
		aveRateKHz := (float64(t.sampleCount) / 1000.0) / t.interval.Seconds()
		fields := []any{"rate_khz", aveRateKHz, "errors", t.errorCount}
		if t.stats != nil {
			snap := t.stats.Snapshot()
			fields = append(fields, "peak", snap.Peak, "rms", snap.RMS)
		}
		log.Debug("stream level report", append([]any{"stream", t.name}, fields...)...)
	}
	t.lastTime = now
	t.sampleCount = 0
	t.errorCount = 0
}
