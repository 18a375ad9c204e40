package sink

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsb/putvgo/internal/jitter"
)

// File is the file:// sink adapter: every frame popped from its jitter
// is appended verbatim, e.g. to capture the muxed output of a run for
// offline inspection. Its URL path may begin with "~" for HOME, per
// spec.md §6.
type File struct {
	*base
	f *os.File
}

func init() {
	Register([]string{"file"}, func() Sink { return &File{base: newBase("sink:file")} })
}

func (s *File) Init(rawURL string, cfg Config) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if strings.HasPrefix(path, "~") {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return fmt.Errorf("sink: resolve ~: %w", herr)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sink: create %s: %w", path, err)
	}
	s.f = f

	cfg = defaultConfig(cfg)
	s.j = jitter.NewSG(jitter.Config{
		Name: "sink:file", Count: cfg.Count, Size: cfg.Size,
		Threshold: cfg.Threshold, Format: cfg.Format, Frequency: cfg.Frequency, Pacer: cfg.Pacer,
	})
	return nil
}

func (s *File) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			in, ok := s.j.Peer()
			if !ok {
				return
			}
			if _, err := s.f.Write(in); err != nil {
				s.log.Error("write failed", "err", err)
				s.j.Pop(len(in))
				return
			}
			s.j.Pop(len(in))
		}
	}()
	return nil
}

func (s *File) SetVolume(percent int) error {
	return s.setVolume(percent)
}

func (s *File) Destroy() error {
	err := s.base.Destroy()
	if cerr := s.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

var _ Sink = (*File)(nil)
