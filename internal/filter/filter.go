// Package filter implements the per-sample transform chain of spec.md
// §4.5: rescale, boost/replay-gain, mono down-mix, channel-mix, and an
// optional statistics tap. Every stage is a pure function over one
// 32-bit signed sample; the chain is invoked inline from the decoder's
// write loop, never on its own goroutine or jitter.
package filter

import "math"

// Sample is the chain's common currency: every decoder hands it signed
// 32-bit samples regardless of the source codec's native bit depth.
type Sample = int32

// StatsSentinel is the value a decoder pushes through the chain to mean
// "flush accumulated statistics now", per spec.md §4.5 item 5.
const StatsSentinel Sample = math.MinInt32

// Chain holds the configured stages and applies them in spec.md's fixed
// order: rescale, boost, mono down-mix, channel-mix, statistics.
type Chain struct {
	InBits, OutBits int
	ReplayGainDB    float64
	InChannels      int
	OutChannels     int
	Stats           *Stats
}

// New builds a Chain for converting inBits/inChannels input into
// outBits/outChannels output, applying gainDB of replay-gain boost.
func New(inBits, outBits, inChannels, outChannels int, gainDB float64) *Chain {
	return &Chain{
		InBits:       inBits,
		OutBits:      outBits,
		ReplayGainDB: gainDB,
		InChannels:   inChannels,
		OutChannels:  outChannels,
	}
}

// Apply runs one input sample tuple (one value per input channel)
// through the chain and returns the output sample tuple (one value per
// output channel). Stats, if attached, observes the final output
// samples, after any down-mix or channel-mix.
func (c *Chain) Apply(in []Sample) []Sample {
	if c.Stats != nil && containsSentinel(in) {
		c.Stats.Observe(in)
		return nil
	}

	rescaled := make([]Sample, len(in))
	for i, s := range in {
		rescaled[i] = Rescale(s, c.InBits, c.OutBits)
	}

	boosted := make([]Sample, len(rescaled))
	for i, s := range rescaled {
		boosted[i] = Boost(s, c.ReplayGainDB)
	}

	out := boosted
	switch {
	case c.OutChannels == 1 && len(boosted) > 1:
		out = []Sample{MonoDownmix(boosted)}
	case c.OutChannels > len(boosted):
		out = ChannelMix(boosted, c.OutChannels)
	}

	if c.Stats != nil {
		c.Stats.Observe(out)
	}
	return out
}

func containsSentinel(in []Sample) bool {
	for _, s := range in {
		if s == StatsSentinel {
			return true
		}
	}
	return false
}

// Rescale quantizes a signed sample from inBits to outBits significant
// bits, dropping the low (inBits-outBits) bits with round-half-up and
// clipping at the input scale before shifting down, per the round/clip/
// shift structure of spec.md §4.5 item 1 (grounded on the decoder's
// MAD-derived rescale callback). When outBits >= inBits the sample
// passes through unchanged — widening never invents precision.
//
// Unlike the original's fixed-point convention (full scale at
// 1<<inBits), this rescales against the conventional signed-integer
// full scale of 1<<(inBits-1), so that a value already representable in
// outBits is its own fixed point: Rescale(x<<(inBits-outBits), inBits,
// outBits) == x for every x with |x| < 1<<(outBits-1).
func Rescale(in Sample, inBits, outBits int) Sample {
	if inBits <= outBits {
		return in
	}
	shift := uint(inBits - outBits)
	half := int64(1) << (shift - 1)
	full := int64(1) << uint(inBits-1)
	clipMax := full - 1
	clipMin := -full

	v := int64(in) + half
	if v > clipMax {
		v = clipMax
	} else if v < clipMin {
		v = clipMin
	}
	return Sample(v >> shift)
}

// Boost applies gainDB of replay-gain to a sample, picking a shift when
// the requested gain is (within rounding) an exact power of two and a
// floating multiply otherwise, per spec.md §4.5 item 2. The sign bit is
// always preserved: shifting never changes a sample's sign.
func Boost(in Sample, gainDB float64) Sample {
	if gainDB == 0 {
		return in
	}
	factor := math.Pow(10, gainDB/20)

	if shift, exact := powerOfTwoShift(factor); exact {
		if shift > 0 {
			return shiftLeftClamped(in, shift)
		}
		return in >> uint(-shift)
	}

	v := float64(in) * factor
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return Sample(math.RoundToEven(v))
}

// powerOfTwoShift reports the integer log2 of factor when factor is
// within 1% of an exact power of two (left shift positive, right shift
// negative), and whether that approximation is close enough to use.
func powerOfTwoShift(factor float64) (shift int, exact bool) {
	if factor <= 0 {
		return 0, false
	}
	log2 := math.Log2(factor)
	rounded := math.Round(log2)
	if math.Abs(log2-rounded) < 0.01 {
		return int(rounded), true
	}
	return 0, false
}

func shiftLeftClamped(in Sample, shift int) Sample {
	v := int64(in) << uint(shift)
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return Sample(v)
}

// MonoDownmix averages a multi-channel sample tuple into one channel,
// per spec.md §4.5 item 3.
func MonoDownmix(in []Sample) Sample {
	if len(in) == 0 {
		return 0
	}
	var sum int64
	for _, s := range in {
		sum += int64(s)
	}
	return Sample(sum / int64(len(in)))
}

// ChannelMix expands an input tuple to outChannels by replicating
// existing channels round-robin, per spec.md §4.5 item 4 ("replicate").
func ChannelMix(in []Sample, outChannels int) []Sample {
	if len(in) == 0 || outChannels <= len(in) {
		return in
	}
	out := make([]Sample, outChannels)
	for i := range out {
		out[i] = in[i%len(in)]
	}
	return out
}
