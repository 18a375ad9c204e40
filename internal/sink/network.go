package sink

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/dsb/putvgo/internal/jitter"
)

// Network is the udp:// and rtp:// sink adapter, per spec.md §4.6's
// "Network sink specifics": opens a socket and optionally selects the
// outgoing interface by name (?if=eth0). When the address is class D it
// sets the multicast TTL from ?ttl=N if one is given; it does not join
// the multicast group. Each jitter frame becomes
// exactly one datagram; the heartbeat attached by the encoder or RTP
// muxer paces transmission via Peer's automatic pacing.
//
// Registered for both "udp" and "rtp" schemes: the wire content differs
// (raw bytes vs. RTP-wrapped packets) but the transport behavior is
// identical, since internal/mux has already done the RTP framing by the
// time bytes reach this adapter.
type Network struct {
	*base
	conn        *net.UDPConn
	multicast   bool
}

func init() {
	f := func() Sink { return &Network{base: newBase("sink:udp")} }
	Register([]string{"udp"}, f)
	Register([]string{"rtp"}, func() Sink { return &Network{base: newBase("sink:rtp")} })
}

func (s *Network) Init(rawURL string, cfg Config) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return fmt.Errorf("sink: resolve %s: %w", u.Host, err)
	}

	q := u.Query()
	var laddr *net.UDPAddr
	if ifname := q.Get("if"); ifname != "" {
		iface, ierr := net.InterfaceByName(ifname)
		if ierr != nil {
			return fmt.Errorf("sink: interface %s: %w", ifname, ierr)
		}
		addrs, aerr := iface.Addrs()
		if aerr != nil || len(addrs) == 0 {
			return fmt.Errorf("sink: no address on interface %s", ifname)
		}
		if ipnet, ok := addrs[0].(*net.IPNet); ok {
			laddr = &net.UDPAddr{IP: ipnet.IP}
		}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return fmt.Errorf("sink: dial %s: %w", u.Host, err)
	}
	s.conn = conn
	s.multicast = raddr.IP != nil && raddr.IP.IsMulticast()
	if s.multicast {
		if ttl, terr := strconv.Atoi(q.Get("ttl")); terr == nil && ttl > 0 {
			setMulticastTTL(conn, ttl)
		}
	}

	cfg = defaultConfig(cfg)
	s.j = jitter.NewSG(jitter.Config{
		Name: "sink:network", Count: cfg.Count, Size: cfg.Size,
		Threshold: cfg.Threshold, Format: cfg.Format, Frequency: cfg.Frequency, Pacer: cfg.Pacer,
	})
	return nil
}

func (s *Network) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			in, ok := s.j.Peer()
			if !ok {
				return
			}
			if _, err := s.conn.Write(in); err != nil {
				s.log.Warn("write failed", "err", err)
			}
			s.j.Pop(len(in))
		}
	}()
	return nil
}

func (s *Network) SetVolume(percent int) error {
	return s.setVolume(percent)
}

func (s *Network) Destroy() error {
	err := s.base.Destroy()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

var _ Sink = (*Network)(nil)
