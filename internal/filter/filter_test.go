package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// widen scales an M-bit-range value up to N-bit resolution by shifting
// it into the high bits, the input a decoder would hand Rescale when
// converting a quiet, already-small-magnitude sample down to M bits.
func widen(x int32, n, m int) int32 {
	return x << uint(n-m)
}

// TestRescaleIsLeftInverseOfWiden is spec.md §8 invariant 4: for all x
// with |x| < 2^(M-1), rescale(widen(x, N, M), N, M) == x.
func TestRescaleIsLeftInverseOfWiden(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.SampledFrom([]int{16, 24, 32}).Draw(t, "N")
		m := rapid.IntRange(8, n).Draw(t, "M")
		bound := int32(1) << uint(m-1)
		x := rapid.Int32Range(-(bound - 1), bound-1).Draw(t, "x")

		got := Rescale(widen(x, n, m), n, m)
		require.Equal(t, x, got)
	})
}

func TestRescaleNoOpWhenWidening(t *testing.T) {
	require.Equal(t, Sample(1234), Rescale(1234, 16, 24))
	require.Equal(t, Sample(1234), Rescale(1234, 16, 16))
}

func TestRescaleClipsAtBounds(t *testing.T) {
	const max32 = Sample(2147483647)
	got := Rescale(max32, 32, 16)
	require.LessOrEqual(t, int64(got), int64(1<<15-1))
	require.GreaterOrEqual(t, int64(got), int64(-(1 << 15)))
}

func TestBoostZeroGainIsIdentity(t *testing.T) {
	require.Equal(t, Sample(4242), Boost(4242, 0))
}

func TestBoostPreservesSign(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Int32Range(-1<<20, 1<<20).Draw(t, "v")
		gain := rapid.Float64Range(-20, 20).Draw(t, "gainDB")
		if v == 0 {
			return
		}
		got := Boost(v, gain)
		if got == 0 {
			return
		}
		require.Equal(t, v < 0, got < 0)
	})
}

func TestMonoDownmixAverages(t *testing.T) {
	require.Equal(t, Sample(0), MonoDownmix([]Sample{-10, 10}))
	require.Equal(t, Sample(5), MonoDownmix([]Sample{0, 10}))
}

func TestChannelMixReplicates(t *testing.T) {
	out := ChannelMix([]Sample{7, 9}, 4)
	require.Equal(t, []Sample{7, 9, 7, 9}, out)
}

func TestStatsFlushesOnSentinelAndResets(t *testing.T) {
	var got Snapshot
	st := NewStats(func(s Snapshot) { got = s })

	st.Observe([]Sample{10, -10, 20})
	st.Observe([]Sample{StatsSentinel})

	require.Equal(t, int64(3), got.Count)
	require.Equal(t, Sample(20), got.Peak)

	require.Equal(t, int64(0), st.Snapshot().Count)
}

func TestChainAppliesMonoDownmixWhenOutputIsMono(t *testing.T) {
	c := New(16, 16, 2, 1, 0)
	out := c.Apply([]Sample{100, 200})
	require.Equal(t, []Sample{150}, out)
}

func TestChainSkipsTransformOnSentinel(t *testing.T) {
	c := New(16, 16, 2, 2, 6)
	c.Stats = NewStats(nil)
	out := c.Apply([]Sample{StatsSentinel, StatsSentinel})
	require.Nil(t, out)
}
