// Package demux implements the Demuxer stage of spec.md §4.3: for
// non-multiplexed sources it is a pass-through; for RTP it parses each
// UDP datagram's header and groups payloads by SSRC into elementary
// streams, publishing NEW_ES the first time an SSRC is seen.
package demux

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/dsb/putvgo/internal/event"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
	"github.com/dsb/putvgo/internal/logging"
	"github.com/dsb/putvgo/internal/media"
)

var log = logging.Stage("demux")

// Demuxer consumes raw bytes from a Source and routes them to the right
// elementary stream's jitter buffer, publishing NEW_ES/END_ES on bus.
type Demuxer interface {
	// Feed processes one unit of input from the source (a UDP datagram
	// for RTP, or an arbitrary byte slice for pass-through).
	Feed(data []byte) error
	// Attach binds pid's compressed-byte jitter buffer so future Feed
	// calls for that pid can push into it.
	Attach(pid media.PID, input jitter.Buffer)
	// Close flushes every attached jitter and publishes END_ES.
	Close()
}

// pendingCap bounds how many pre-Attach reads a demuxer holds on to
// while the player is still building the decoder for a freshly
// announced elementary stream.
const pendingCap = 64

// Passthrough is the non-multiplexed demuxer: a single elementary
// stream (pid 0) fed verbatim from the source's reads.
type Passthrough struct {
	bus     *event.Bus
	mime    string
	input   jitter.Buffer
	started bool
	pending [][]byte
}

// NewPassthrough creates a single-ES pass-through demuxer. mime is the
// MIME type the source already determined for its one stream.
func NewPassthrough(bus *event.Bus, mime string) *Passthrough {
	return &Passthrough{bus: bus, mime: mime}
}

func (p *Passthrough) Attach(pid media.PID, input jitter.Buffer) {
	p.input = input
	for _, data := range p.pending {
		_ = writeChunked(p.input, data)
	}
	p.pending = nil
}

func (p *Passthrough) Feed(data []byte) error {
	if !p.started {
		p.started = true
		p.bus.Publish(event.Event{Kind: event.NewES, Payload: media.ElementaryStream{PID: 0, MIME: p.mime}})
	}
	if p.input == nil {
		if len(p.pending) < pendingCap {
			cp := append([]byte(nil), data...)
			p.pending = append(p.pending, cp)
		} else {
			log.Warn("dropping pre-attach data, pending buffer full")
		}
		return nil
	}
	return writeChunked(p.input, data)
}

func (p *Passthrough) Close() {
	if p.input != nil {
		p.input.Flush()
	}
	if p.started {
		p.bus.Publish(event.Event{Kind: event.EndES, Payload: media.PID(0)})
	}
}

// writeChunked pushes data into dst's jitter in Pull()-sized chunks,
// matching the note in spec.md §4.2 that partial reads are accumulated
// by the jitter's frame size, not by packet boundaries (for
// non-demuxed sources).
func writeChunked(dst jitter.Buffer, data []byte) error {
	for len(data) > 0 {
		frame, ok := dst.Pull()
		if !ok {
			return fmt.Errorf("demux: jitter %s torn down mid-write", dst.Name())
		}
		n := copy(frame, data)
		dst.Push(n, heartbeat.Beat{})
		data = data[n:]
	}
	return nil
}

// DefaultPTMapping is the RTP payload-type to MIME table of spec.md
// §4.3: PT14->MP3, PT11->PCM, PT46->FLAC; anything else falls back to
// the source URL's mime= query parameter or application/octet-stream.
func DefaultPTMapping() map[byte]string {
	return map[byte]string{
		14: "audio/mp3",
		11: "audio/pcm",
		46: "audio/flac",
	}
}

type rtpStream struct {
	pid       media.PID
	mime      string
	input     jitter.Buffer
	haveSeq   bool
	expected  uint16
	missing   int
	announced bool
	pending   [][]byte
}

// RTP demuxes RTP-over-UDP datagrams by SSRC. Reordering is limited to
// detection: late (out-of-order) packets are logged and dropped (they do
// not count towards Missing), no
// packet-loss concealment is performed, per spec.md §4.3 and the §9 open
// question noting the reorder buffer is out of scope.
type RTP struct {
	bus        *event.Bus
	ptMap      map[byte]string
	fallback   string // mime= query param, or "application/octet-stream"
	streams    map[uint32]*rtpStream
}

// NewRTP creates an RTP demuxer. fallback is the MIME to use for payload
// types absent from ptMap.
func NewRTP(bus *event.Bus, ptMap map[byte]string, fallback string) *RTP {
	if fallback == "" {
		fallback = "application/octet-stream"
	}
	return &RTP{
		bus:      bus,
		ptMap:    ptMap,
		fallback: fallback,
		streams:  make(map[uint32]*rtpStream),
	}
}

func (d *RTP) Attach(pid media.PID, input jitter.Buffer) {
	for _, s := range d.streams {
		if s.pid == pid {
			s.input = input
			for _, data := range s.pending {
				_ = writeChunked(s.input, data)
			}
			s.pending = nil
			return
		}
	}
}

// Feed parses one UDP datagram as an RTP header + payload.
func (d *RTP) Feed(data []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return fmt.Errorf("demux: rtp unmarshal: %w", err)
	}

	s, ok := d.streams[pkt.SSRC]
	if !ok {
		s = &rtpStream{
			pid:  media.PID(pkt.SSRC),
			mime: d.mimeFor(pkt.PayloadType),
		}
		d.streams[pkt.SSRC] = s
	}

	if !s.announced {
		s.announced = true
		d.bus.Publish(event.Event{Kind: event.NewES, Payload: media.ElementaryStream{PID: s.pid, MIME: s.mime}})
	}

	if !s.haveSeq {
		s.haveSeq = true
		s.expected = pkt.SequenceNumber
	} else {
		dist := int16(pkt.SequenceNumber - s.expected)
		if dist < 0 {
			log.Warn("dropping late rtp packet", "ssrc", pkt.SSRC, "seq", pkt.SequenceNumber, "expected", s.expected)
			return nil
		}
		if dist > 0 {
			s.missing += int(dist)
		}
	}
	s.expected = pkt.SequenceNumber + 1

	if s.input == nil {
		if len(s.pending) < pendingCap {
			s.pending = append(s.pending, append([]byte(nil), pkt.Payload...))
		} else {
			log.Warn("dropping pre-attach rtp payload, pending buffer full", "ssrc", pkt.SSRC)
		}
		return nil
	}
	return writeChunked(s.input, pkt.Payload)
}

func (d *RTP) mimeFor(pt uint8) string {
	if m, ok := d.ptMap[pt]; ok {
		return m
	}
	return d.fallback
}

// Missing reports the accumulated missing-packet count for pid, used by
// scenario S5's assertion.
func (d *RTP) Missing(pid media.PID) int {
	for _, s := range d.streams {
		if s.pid == pid {
			return s.missing
		}
	}
	return 0
}

func (d *RTP) Close() {
	for _, s := range d.streams {
		if s.input != nil {
			s.input.Flush()
		}
		if s.announced {
			d.bus.Publish(event.Event{Kind: event.EndES, Payload: s.pid})
		}
	}
}
