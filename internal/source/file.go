package source

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsb/putvgo/internal/demux"
)

const readChunkSize = 4096

// File is the file:// source adapter. Its URL path may begin with "~"
// for HOME, matching spec.md §6.
type File struct {
	*base
	f    *os.File
	path string
}

func init() {
	Register([]string{"file"}, func() Source { return &File{base: newBase("source:file")} })
}

func (s *File) Init(rawURL string, mimeHint string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("source: resolve ~: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	s.path = path

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source: open %s: %w", path, err)
	}
	s.f = f
	s.demux = demux.NewPassthrough(s.bus, mimeOrGuess(mimeHint, path))
	return nil
}

func (s *File) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.demux.Close()
		buf := make([]byte, readChunkSize)
		for {
			n, err := s.f.Read(buf)
			if n > 0 {
				if ferr := s.demux.Feed(buf[:n]); ferr != nil {
					s.log.Error("feed failed", "err", ferr)
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					s.log.Warn("read failed", "err", err)
				}
				return
			}
		}
	}()
	return nil
}

func (s *File) Destroy() error {
	err := s.base.Destroy()
	if cerr := s.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func mimeOrGuess(hint, path string) string {
	if hint != "" {
		return hint
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mp3"
	case ".flac":
		return "audio/flac"
	case ".opus":
		return "audio/opus"
	case ".aac":
		return "audio/aac"
	case ".wav", ".pcm":
		return "audio/pcm"
	default:
		return "application/octet-stream"
	}
}

var _ Source = (*File)(nil)
