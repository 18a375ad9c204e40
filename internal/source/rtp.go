package source

import (
	"net"
	"strconv"

	"github.com/dsb/putvgo/internal/demux"
)

// RTP is the rtp:// source adapter: listens on a UDP socket and hands
// each datagram to demux.RTP for SSRC/payload-type demultiplexing, per
// spec.md §6's "rtp://host:port?pt=N&mime=MIME" scheme.
type RTP struct {
	*base
	conn *net.UDPConn
	rtp  *demux.RTP
}

func init() {
	Register([]string{"rtp"}, func() Source { return &RTP{base: newBase("source:rtp")} })
}

func (s *RTP) Init(rawURL string, mimeHint string) error {
	conn, u, err := resolveListenUDP(rawURL)
	if err != nil {
		return err
	}
	s.conn = conn

	ptMap := demux.DefaultPTMapping()
	q := u.Query()
	if ptStr := q.Get("pt"); ptStr != "" {
		if pt, perr := strconv.Atoi(ptStr); perr == nil {
			mime := mimeHint
			if mime == "" {
				mime = q.Get("mime")
			}
			if mime != "" {
				ptMap[byte(pt)] = mime
			}
		}
	}

	fallback := mimeHint
	if fallback == "" {
		fallback = q.Get("mime")
	}

	rd := demux.NewRTP(s.bus, ptMap, fallback)
	s.rtp = rd
	s.demux = rd
	return nil
}

func (s *RTP) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.demux.Close()
		buf := make([]byte, maxDatagram)
		for {
			n, err := s.conn.Read(buf)
			if n > 0 {
				if ferr := s.demux.Feed(append([]byte(nil), buf[:n]...)); ferr != nil {
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

func (s *RTP) Destroy() error {
	err := s.base.Destroy()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

var _ Source = (*RTP)(nil)
