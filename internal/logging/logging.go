// Package logging provides the process-wide structured logger.
//
// Every stage (source, demuxer, decoder, filter, encoder, muxer, sink,
// player) gets a child logger carrying a "stage" field, the Go analogue of
// the teacher's text_color_set/dw_printf channel-tagged console output.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	mu   sync.Mutex
	base = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
	})
)

// SetOutput redirects the base logger, e.g. to a daily log file.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(w)
}

// SetLevel adjusts verbosity across every derived stage logger.
func SetLevel(lvl log.Level) {
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(lvl)
}

// Stage returns a logger tagged with the given pipeline stage name, e.g.
// "source", "decoder:mp3", "sink:alsa".
func Stage(name string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With("stage", name)
}
