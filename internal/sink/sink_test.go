package sink

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
)

func TestRegistryResolvesRegisteredScheme(t *testing.T) {
	path := t.TempDir() + "/out.raw"
	s, err := New("file://"+path, Config{Format: format.Stream})
	require.NoError(t, err)
	require.IsType(t, &File{}, s)
	require.NoError(t, s.Destroy())
}

func TestRegistryRejectsUnknownScheme(t *testing.T) {
	_, err := New("carrier-pigeon://nowhere", Config{})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestFileSinkWritesFramesInOrder(t *testing.T) {
	path := t.TempDir() + "/out.raw"
	s, err := New("file://"+path, Config{Format: format.Stream, Count: 4, Size: 16})
	require.NoError(t, err)
	require.NoError(t, s.Run())

	j := s.Jitter()
	frame, ok := j.Pull()
	require.True(t, ok)
	n := copy(frame, []byte("hello-sink"))
	j.Push(n, heartbeat.Beat{})
	j.Push(0, heartbeat.Beat{})

	require.NoError(t, s.Destroy())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("hello-sink"), got)
}

func TestFileSinkDefaultVolumeAcceptsSetVolume(t *testing.T) {
	path := t.TempDir() + "/out.raw"
	s, err := New("file://"+path, Config{Format: format.PCM16LEStereo})
	require.NoError(t, err)
	require.NoError(t, s.SetVolume(50))
	require.NoError(t, s.Destroy())
}

func TestScaleInPlaceHalvesAmplitude(t *testing.T) {
	pcm := []byte{0, 0x10} // little-endian int16 = 4096
	scaleInPlace(pcm, 50)
	got := int16(uint16(pcm[0]) | uint16(pcm[1])<<8)
	require.Equal(t, int16(2048), got)
}

func TestScaleInPlaceNoOpAtFullVolume(t *testing.T) {
	pcm := []byte{0, 0x10}
	scaleInPlace(pcm, 100)
	got := int16(uint16(pcm[0]) | uint16(pcm[1])<<8)
	require.Equal(t, int16(4096), got)
}

func TestSynthesizeNoiseFillsBuffer16Bit(t *testing.T) {
	buf := make([]byte, 8)
	synthesizeNoise(buf, 16)
	var allZero = true
	for _, b := range buf {
		if b != 0 {
			allZero = false
		}
	}
	require.False(t, allZero)
}
