package jitter_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
)

func newSG(count, size, threshold int) *jitter.SG {
	return jitter.NewSG(jitter.Config{
		Name:      "test-sg",
		Count:     count,
		Size:      size,
		Threshold: threshold,
		Format:    format.PCM16LEStereo,
	})
}

func newRB(count, size, threshold int) *jitter.RB {
	return jitter.NewRB(jitter.Config{
		Name:      "test-rb",
		Count:     count,
		Size:      size,
		Threshold: threshold,
		Format:    format.Stream,
	})
}

// TestSGLevelBounds is spec.md §8 invariant 1 for the scatter-gather
// variant: 0 <= level <= count at every point in a push/pop sequence.
func TestSGLevelBounds(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		count := rapid.IntRange(1, 8).Draw(tt, "count")
		b := newSG(count, 16, 1)

		ops := rapid.SliceOfN(rapid.SampledFrom([]string{"push", "pop"}), 0, 40).Draw(tt, "ops")
		held := 0
		for _, op := range ops {
			switch op {
			case "push":
				if held >= count {
					continue
				}
				frame, ok := b.Pull()
				if !ok {
					continue
				}
				b.Push(len(frame), heartbeat.Beat{})
				held++
			case "pop":
				if held == 0 {
					continue
				}
				_, _, ok := b.PeerBeat()
				if !ok {
					continue
				}
				b.Pop(16)
				held--
			}
			lvl := b.Level()
			if lvl < 0 || lvl > count {
				tt.Fatalf("level %d out of bounds [0,%d]", lvl, count)
			}
		}
	})
}

// TestSGResetUnblocks is spec.md §8 invariant 2: after Reset, the next
// Pull returns a FREE frame and the next Peer returns ok=false absent a
// subsequent push.
func TestSGResetUnblocks(t *testing.T) {
	b := newSG(2, 16, 1)
	frame, ok := b.Pull()
	require.True(t, ok)
	b.Push(len(frame), heartbeat.Beat{})

	b.Reset()

	frame, ok = b.Pull()
	require.True(t, ok)
	assert.Equal(t, 16, len(frame))

	_, ok = b.Peer()
	assert.False(t, ok)
}

// TestSGResetUnblocksWaiters confirms reset wakes a goroutine parked in
// Peer waiting on FILLING threshold.
func TestSGResetUnblocksWaiters(t *testing.T) {
	b := newSG(2, 16, 2) // threshold 2: peer must wait for 2 pushes
	frame, ok := b.Pull()
	require.True(t, ok)
	b.Push(len(frame), heartbeat.Beat{})

	done := make(chan bool, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := b.Peer()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	b.Reset()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("peer did not unblock after reset")
	}
	wg.Wait()
}

func TestSGEndOfStreamCompletes(t *testing.T) {
	b := newSG(2, 16, 1)
	frame, ok := b.Pull()
	require.True(t, ok)
	b.Push(len(frame), heartbeat.Beat{})

	_, ok = b.Peer()
	require.True(t, ok)
	b.Pop(16)

	frame, ok = b.Pull()
	require.True(t, ok)
	b.Push(0, heartbeat.Beat{}) // end of stream

	_, ok = b.Peer()
	assert.False(t, ok)
}

func TestSGFlushDrainsThenCompletes(t *testing.T) {
	b := newSG(4, 16, 1)
	for i := 0; i < 2; i++ {
		frame, ok := b.Pull()
		require.True(t, ok)
		b.Push(len(frame), heartbeat.Beat{})
	}
	b.Flush()

	for i := 0; i < 2; i++ {
		_, ok := b.Peer()
		require.True(t, ok, "flush should drain already-ready frames")
		b.Pop(16)
	}
	_, ok := b.Peer()
	assert.False(t, ok, "peer should report done once drained past flush")
}

func TestRBFixedChunkConsumption(t *testing.T) {
	b := newRB(4, 8, 1)

	// Producer writes a short, unaligned chunk first.
	frame, ok := b.Pull()
	require.True(t, ok)
	copy(frame, []byte{1, 2, 3})
	b.Push(3, heartbeat.Beat{})

	frame, ok = b.Pull()
	require.True(t, ok)
	copy(frame, []byte{4, 5, 6, 7, 8})
	b.Push(5, heartbeat.Beat{})

	out, ok := b.Peer()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, out)
	b.Pop(len(out))
}

func TestRBWraparoundMirror(t *testing.T) {
	b := newRB(2, 8, 1) // capacity 16 bytes, chunk 8

	for round := 0; round < 5; round++ {
		frame, ok := b.Pull()
		require.True(t, ok)
		for i := range frame {
			frame[i] = byte(round*8 + i)
		}
		b.Push(8, heartbeat.Beat{})

		out, ok := b.Peer()
		require.True(t, ok)
		require.Len(t, out, 8)
		for i, v := range out {
			assert.Equal(t, byte(round*8+i), v)
		}
		b.Pop(8)
	}
}

func TestRBEndOfStreamDrainsPartial(t *testing.T) {
	b := newRB(4, 8, 1)

	frame, ok := b.Pull()
	require.True(t, ok)
	copy(frame, []byte{9, 9, 9})
	b.Push(3, heartbeat.Beat{})

	frame, ok = b.Pull()
	require.True(t, ok)
	b.Push(0, heartbeat.Beat{}) // end of stream with a partial frame buffered

	out, ok := b.Peer()
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9, 9}, out)
	b.Pop(len(out))

	_, ok = b.Peer()
	assert.False(t, ok)
}

func TestPullReturnsFalseAfterTeardown(t *testing.T) {
	b := newSG(1, 16, 1)
	b.Teardown()
	_, ok := b.Pull()
	assert.False(t, ok)
	_, ok = b.Peer()
	assert.False(t, ok)
}
