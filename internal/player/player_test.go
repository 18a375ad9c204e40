package player

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsb/putvgo/internal/catalog"
	"github.com/dsb/putvgo/internal/media"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	path := t.TempDir() + "/test.db"
	c, err := catalog.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPlayOnEmptyPlaylistStaysStop(t *testing.T) {
	cat := newTestCatalog(t)
	p := New(cat, Config{SinkURL: "file://" + t.TempDir() + "/out.raw"})
	require.NoError(t, p.Play())
	require.Equal(t, Stop, p.State())
}

func TestStopFromAnyStateReturnsStop(t *testing.T) {
	cat := newTestCatalog(t)
	p := New(cat, Config{SinkURL: "file://" + t.TempDir() + "/out.raw"})
	require.NoError(t, p.Stop())
	require.Equal(t, Stop, p.State())
	// spec.md §8 property 5: state(STOP) then state(UNKNOWN) returns STOP.
	require.Equal(t, Stop, p.State())
}

func TestPauseRequiresPlayState(t *testing.T) {
	cat := newTestCatalog(t)
	p := New(cat, Config{})
	require.Error(t, p.Pause())
}

func TestSetOptionsAndSetNext(t *testing.T) {
	cat := newTestCatalog(t)
	p := New(cat, Config{})
	p.SetOptions(media.Options{Loop: true, Random: false})
	require.True(t, p.Options().Loop)

	p.SetNext(5)
	require.Equal(t, media.ID(4), p.cursor.Current)
}

func TestSetVolumeClampsRange(t *testing.T) {
	cat := newTestCatalog(t)
	p := New(cat, Config{})
	require.NoError(t, p.SetVolume(150))
	require.Equal(t, 100, p.Volume())
	require.NoError(t, p.SetVolume(-5))
	require.Equal(t, 0, p.Volume())
}

func TestStatusReportsCurrentState(t *testing.T) {
	cat := newTestCatalog(t)
	p := New(cat, Config{})
	st := p.Status()
	require.Equal(t, "stop", st.State)
	require.Equal(t, 100, st.Volume)
}
