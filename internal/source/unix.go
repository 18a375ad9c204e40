package source

import (
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/dsb/putvgo/internal/demux"
)

// Unix is the unix:// source adapter: connects to a Unix-domain stream
// socket, per spec.md §6 ("source: connect; sink: bind+broadcast").
type Unix struct {
	*base
	conn net.Conn
}

func init() {
	Register([]string{"unix"}, func() Source { return &Unix{base: newBase("source:unix")} })
}

func (s *Unix) Init(rawURL string, mimeHint string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("source: connect %s: %w", path, err)
	}
	s.conn = conn

	mime := mimeHint
	if mime == "" {
		mime = u.Query().Get("mime")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	s.demux = demux.NewPassthrough(s.bus, mime)
	return nil
}

func (s *Unix) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.demux.Close()
		buf := make([]byte, readChunkSize)
		for {
			n, err := s.conn.Read(buf)
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

func (s *Unix) Destroy() error {
	err := s.base.Destroy()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

var _ Source = (*Unix)(nil)
