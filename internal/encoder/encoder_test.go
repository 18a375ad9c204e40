package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
)

func TestRegistryResolvesRegisteredMIME(t *testing.T) {
	enc, err := New("audio/mp3")
	require.NoError(t, err)
	require.IsType(t, &MP3{}, enc)
}

func TestRegistryRejectsUnknownMIME(t *testing.T) {
	_, err := New("audio/does-not-exist")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestFrameSamplesTargetsDefaultLatency(t *testing.T) {
	require.Equal(t, 8820, FrameSamples(44100, 0))
	require.Equal(t, 9600, FrameSamples(48000, 200))
}

func TestPassthroughCopiesBytesAndFlushes(t *testing.T) {
	in := jitter.NewRB(jitter.Config{Name: "in", Count: 4, Size: 256, Threshold: 1, Format: format.PCM16LEStereo, Frequency: 44100})
	out := jitter.NewRB(jitter.Config{Name: "out", Count: 4, Size: 256, Threshold: 1, Format: format.PCM16LEStereo})

	frame, ok := in.Pull()
	require.True(t, ok)
	n := copy(frame, []byte{1, 2, 3, 4})
	in.Push(n, heartbeat.Beat{})
	in.Push(0, heartbeat.Beat{})

	p := &Passthrough{}
	require.NoError(t, p.Run(in, out))

	got, ok := out.Peer()
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
	out.Pop(len(got))
	require.NoError(t, p.Close())
}
