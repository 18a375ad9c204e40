// Package mux implements the Muxer stage of spec.md §4.6: wrapping
// encoded frames from an encoder's output jitter in a transport
// container for a sink — RTP, or pass-through for sinks that want the
// raw elementary stream (file, unix-socket broadcast).
//
// Grounded on internal/demux's RTP handling (the receive side of the
// same wire format) and spec.md §4.6's muxer paragraph.
package mux

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
	"github.com/dsb/putvgo/internal/logging"
)

var log = logging.Stage("mux")

// Muxer consumes encoded frames from one jitter and produces
// wire-ready frames into another, running its own goroutine once Run
// is called.
type Muxer interface {
	Run(input, output jitter.Buffer) error
	Close() error
}

// PTForMIME maps an encoder's MIME to an RTP static payload type, the
// inverse of internal/demux.DefaultPTMapping. Codecs with no static
// RFC 3551 assignment (Opus) get a dynamic payload type; a real
// deployment would negotiate this out-of-band (SDP), which is out of
// this project's scope.
func PTForMIME(mime string) byte {
	switch mime {
	case "audio/mp3", "audio/mpeg":
		return 14
	case "audio/pcm", "audio/l16":
		return 11
	case "audio/flac", "audio/x-flac":
		return 46
	default:
		return 97
	}
}

// Passthrough hands encoded frames straight to output unmodified, used
// for sinks that want the raw elementary stream with no transport
// framing (file, unix-socket broadcast).
type Passthrough struct {
	wg     sync.WaitGroup
	cancel chan struct{}
}

func (p *Passthrough) Run(input, output jitter.Buffer) error {
	p.cancel = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.cancel:
				return
			default:
			}
			in, beat, ok := input.PeerBeat()
			if !ok {
				output.Flush()
				return
			}
			frame, ok := output.Pull()
			if !ok {
				input.Pop(len(in))
				return
			}
			n := copy(frame, in)
			output.Push(n, beat)
			input.Pop(len(in))
		}
	}()
	return nil
}

func (p *Passthrough) Close() error {
	if p.cancel != nil {
		close(p.cancel)
	}
	p.wg.Wait()
	return nil
}

// defaultRTCPInterval is the Sender Report cadence when RTCPOut is set
// but RTCPInterval is left zero.
const defaultRTCPInterval = 5 * time.Second

// RTP wraps each encoded frame from input in one RTP packet, per
// spec.md §4.6: random initial sequence number and SSRC, a
// monotonically incrementing sequence, payload-type from the encoder's
// MIME, and the upstream heartbeat copied across unchanged so a
// downstream network sink can still pace. When RTCPOut is set, a
// Sender Report is pushed into it every RTCPInterval, grounded on
// internal/demux's receive-side RTP handling of the same wire format.
type RTP struct {
	MIME         string
	ClockRate    int           // defaulted to 48000 by Run; the RTP timestamp is the beat's sample count, not rescaled to this rate
	RTCPOut      jitter.Buffer // optional: receives marshaled SR packets
	RTCPInterval time.Duration // default 5s; only consulted if RTCPOut is set

	ssrc uint32
	seq  uint16
	pt   byte

	wg     sync.WaitGroup
	cancel chan struct{}
}

func (m *RTP) Run(input, output jitter.Buffer) error {
	m.pt = PTForMIME(m.MIME)
	m.ssrc = rand.Uint32()
	m.seq = uint16(rand.Intn(1 << 16))
	if m.ClockRate <= 0 {
		m.ClockRate = 48000
	}
	interval := m.RTCPInterval
	if interval <= 0 {
		interval = defaultRTCPInterval
	}

	m.cancel = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var packetsSent, octetsSent uint32
		var lastRTCP time.Time
		for {
			select {
			case <-m.cancel:
				return
			default:
			}
			in, beat, ok := input.PeerBeat()
			if !ok {
				output.Flush()
				return
			}

			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    m.pt,
					SequenceNumber: m.seq,
					Timestamp:      uint32(beat.Samples),
					SSRC:           m.ssrc,
				},
				Payload: in,
			}
			m.seq++

			raw, err := pkt.Marshal()
			if err != nil {
				log.Warn("rtp marshal failed", "err", err)
				input.Pop(len(in))
				continue
			}

			frame, ok := output.Pull()
			if !ok {
				input.Pop(len(in))
				return
			}
			n := copy(frame, raw)
			output.Push(n, beat)
			octetsSent += uint32(len(in))
			packetsSent++
			input.Pop(len(in))

			if m.RTCPOut != nil && time.Since(lastRTCP) >= interval {
				lastRTCP = time.Now()
				m.sendReport(beat, packetsSent, octetsSent)
			}
		}
	}()
	return nil
}

func (m *RTP) sendReport(beat heartbeat.Beat, packets, octets uint32) {
	sr := &rtcp.SenderReport{
		SSRC:        m.ssrc,
		NTPTime:     ntpNow(),
		RTPTime:     uint32(beat.Samples),
		PacketCount: packets,
		OctetCount:  octets,
	}
	raw, err := sr.Marshal()
	if err != nil {
		log.Warn("rtcp marshal failed", "err", err)
		return
	}
	frame, ok := m.RTCPOut.Pull()
	if !ok {
		return
	}
	n := copy(frame, raw)
	m.RTCPOut.Push(n, heartbeat.Beat{})
}

// ntpEpochOffset is the number of seconds between the NTP epoch (1900)
// and the Unix epoch (1970).
const ntpEpochOffset = 2208988800

// ntpNow returns the current time as a 64-bit NTP timestamp (seconds
// since 1900 in the high 32 bits, fractional seconds in the low 32),
// the format rtcp.SenderReport.NTPTime expects.
func ntpNow() uint64 {
	now := time.Now()
	sec := uint64(now.Unix() + ntpEpochOffset)
	frac := uint64(now.Nanosecond()) * (1 << 32) / 1e9
	return sec<<32 | frac
}

func (m *RTP) Close() error {
	if m.cancel != nil {
		close(m.cancel)
	}
	m.wg.Wait()
	return nil
}

var _ Muxer = (*Passthrough)(nil)
var _ Muxer = (*RTP)(nil)
