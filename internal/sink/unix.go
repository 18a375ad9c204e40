package sink

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"

	"github.com/dsb/putvgo/internal/jitter"
)

// Unix is the unix:// sink adapter: binds a Unix-domain stream socket
// and broadcasts every frame popped from its jitter to all currently
// connected clients, per spec.md §6 ("sink: bind+broadcast").
type Unix struct {
	*base
	ln   net.Listener
	path string

	clientsMu sync.Mutex
	clients   map[net.Conn]struct{}
}

func init() {
	Register([]string{"unix"}, func() Sink {
		return &Unix{base: newBase("sink:unix"), clients: map[net.Conn]struct{}{}}
	})
}

func (s *Unix) Init(rawURL string, cfg Config) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("sink: listen %s: %w", path, err)
	}
	s.ln = ln
	s.path = path

	cfg = defaultConfig(cfg)
	s.j = jitter.NewSG(jitter.Config{
		Name: "sink:unix", Count: cfg.Count, Size: cfg.Size,
		Threshold: cfg.Threshold, Format: cfg.Format, Frequency: cfg.Frequency, Pacer: cfg.Pacer,
	})
	return nil
}

func (s *Unix) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				return
			}
			s.clientsMu.Lock()
			s.clients[conn] = struct{}{}
			s.clientsMu.Unlock()
			s.log.Info("client connected", "remote", conn.RemoteAddr())
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			in, ok := s.j.Peer()
			if !ok {
				return
			}
			s.broadcast(in)
			s.j.Pop(len(in))
		}
	}()
	return nil
}

func (s *Unix) broadcast(frame []byte) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		if _, err := c.Write(frame); err != nil {
			c.Close()
			delete(s.clients, c)
		}
	}
}

func (s *Unix) SetVolume(percent int) error {
	return s.setVolume(percent)
}

func (s *Unix) Destroy() error {
	err := s.ln.Close()
	s.base.Destroy()
	s.clientsMu.Lock()
	for c := range s.clients {
		c.Close()
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()
	os.Remove(s.path)
	return err
}

var _ Sink = (*Unix)(nil)
