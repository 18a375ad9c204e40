package mux

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
)

func TestPTForMIMEKnownAndFallback(t *testing.T) {
	require.Equal(t, byte(14), PTForMIME("audio/mp3"))
	require.Equal(t, byte(46), PTForMIME("audio/flac"))
	require.Equal(t, byte(97), PTForMIME("audio/opus"))
}

func TestRTPWrapsOneFramePerPacket(t *testing.T) {
	in := jitter.NewSG(jitter.Config{Name: "in", Count: 4, Size: 256, Threshold: 1, Format: format.Stream})
	out := jitter.NewSG(jitter.Config{Name: "out", Count: 4, Size: 256, Threshold: 1, Format: format.Stream})

	frame, ok := in.Pull()
	require.True(t, ok)
	n := copy(frame, []byte("opus-frame"))
	in.Push(n, heartbeat.Beat{Samples: 960})
	in.Push(0, heartbeat.Beat{})

	m := &RTP{MIME: "audio/opus", ClockRate: 48000}
	require.NoError(t, m.Run(in, out))

	wire, ok := out.Peer()
	require.True(t, ok)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(wire))
	require.Equal(t, byte(97), pkt.PayloadType)
	require.Equal(t, uint32(960), pkt.Timestamp)
	require.Equal(t, []byte("opus-frame"), pkt.Payload)
	out.Pop(len(wire))

	require.NoError(t, m.Close())
}

func TestPassthroughCopiesFramesAndBeat(t *testing.T) {
	in := jitter.NewSG(jitter.Config{Name: "in", Count: 4, Size: 256, Threshold: 1, Format: format.Stream})
	out := jitter.NewSG(jitter.Config{Name: "out", Count: 4, Size: 256, Threshold: 1, Format: format.Stream})

	frame, ok := in.Pull()
	require.True(t, ok)
	n := copy(frame, []byte("raw"))
	in.Push(n, heartbeat.Beat{Samples: 42})
	in.Push(0, heartbeat.Beat{})

	p := &Passthrough{}
	require.NoError(t, p.Run(in, out))

	got, beat, ok := out.PeerBeat()
	require.True(t, ok)
	require.Equal(t, []byte("raw"), got)
	require.Equal(t, uint64(42), beat.Samples)
	out.Pop(len(got))

	require.NoError(t, p.Close())
}
