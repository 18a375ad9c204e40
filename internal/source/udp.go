package source

import (
	"fmt"
	"net"
	"net/url"

	"github.com/dsb/putvgo/internal/demux"
)

// resolveListenUDP parses a udp://host:port[?if=IFACE] URL and opens a
// UDP listening socket, joining the multicast group named by host if it
// is class D, optionally pinned to the named interface — per spec.md
// §4.6's network sink specifics, mirrored here for sources that receive
// a multicast feed.
func resolveListenUDP(rawURL string) (*net.UDPConn, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("source: resolve %s: %w", u.Host, err)
	}

	var iface *net.Interface
	if ifname := u.Query().Get("if"); ifname != "" {
		iface, err = net.InterfaceByName(ifname)
		if err != nil {
			return nil, nil, fmt.Errorf("source: interface %s: %w", ifname, err)
		}
	}

	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", iface, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("source: listen %s: %w", u.Host, err)
	}
	return conn, u, nil
}

// maxDatagram is the largest UDP payload this engine accepts in one
// read, comfortably above a typical RTP-over-Ethernet MTU.
const maxDatagram = 2048

// UDP is the udp:// source adapter: raw datagrams, each one pushed
// whole into the attached jitter (no RTP framing).
type UDP struct {
	*base
	conn *net.UDPConn
}

func init() {
	Register([]string{"udp"}, func() Source { return &UDP{base: newBase("source:udp")} })
}

func (s *UDP) Init(rawURL string, mimeHint string) error {
	conn, u, err := resolveListenUDP(rawURL)
	if err != nil {
		return err
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

func (s *UDP) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.demux.Close()
		buf := make([]byte, maxDatagram)
		for {
			n, _, err := s.conn.ReadFromUDP(buf)
			if n > 0 {
				if ferr := s.demux.Feed(buf[:n]); ferr != nil {
					s.log.Error("feed failed", "err", ferr)
					return
				}
			}
			if err != nil {
				s.log.Warn("read failed", "err", err)
				return
			}
		}
	}()
	return nil
}

func (s *UDP) Destroy() error {
	err := s.base.Destroy()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

var _ Source = (*UDP)(nil)
