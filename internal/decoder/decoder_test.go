package decoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
)

func TestRegistryResolvesRegisteredMIME(t *testing.T) {
	dec, err := New("audio/mp3")
	require.NoError(t, err)
	require.IsType(t, &MP3{}, dec)
}

func TestRegistryRejectsUnknownMIME(t *testing.T) {
	_, err := New("audio/does-not-exist")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestPassthroughCopiesBytesAndFlushes(t *testing.T) {
	in := jitter.NewRB(jitter.Config{Name: "in", Count: 4, Size: 256, Threshold: 1, Format: format.Stream})
	out := jitter.NewRB(jitter.Config{Name: "out", Count: 4, Size: 256, Threshold: 1, Format: format.PCM16LEStereo})

	frame, ok := in.Pull()
	require.True(t, ok)
	n := copy(frame, []byte("hello"))
	in.Push(n, heartbeat.Beat{})
	in.Push(0, heartbeat.Beat{})

	p := &Passthrough{}
	require.NoError(t, p.Run(in, out, nil))

	got, ok := out.Peer()
	require.True(t, ok)
	require.Equal(t, "hello", string(got))
	out.Pop(len(got))

	_, ok = out.Peer()
	require.False(t, ok)
	require.NoError(t, p.Close())
}
