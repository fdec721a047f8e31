package generator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestSinePhaseContinuity is spec.md P3: the sample at the boundary between
// two adjacent blocks, and the first sample of the next block, must match a
// continuous sine of the configured frequency to within a 1e-9 tolerance.
func TestSinePhaseContinuity(t *testing.T) {
	g, err := New(Config{Type: Sine, SampleRate: 48000, Amplitude: 1, Frequency: 1000})
	require.NoError(t, err)

	block1 := g.Generate(100)
	block2 := g.Generate(100)

	// Property: splitting a run into two Generate calls must produce
	// exactly the same samples as one Generate call of the combined
	// length, regardless of the generator's internal phase origin.
	g2, err := New(Config{Type: Sine, SampleRate: 48000, Amplitude: 1, Frequency: 1000})
	require.NoError(t, err)
	whole := g2.Generate(200)

	for i, v := range append(append([]float64{}, block1...), block2...) {
		assert.InDeltaf(t, whole[i], v, 1e-9, "sample %d diverged across block boundary", i)
	}
}

// TestSweepWrapsWithoutDiscontinuity is spec.md S6: two full periods of a
// 20 Hz -> 20 kHz, 1 s log sweep at 48 kHz (so the wrap is crossed twice),
// generated one sample per call, must match the same sweep generated in a
// single call to within 2^-10 at every sample.
func TestSweepWrapsWithoutDiscontinuity(t *testing.T) {
	cfg := Config{
		Type: SineSweep, SampleRate: 48000, Amplitude: 1,
		StartFreq: 20, EndFreq: 20000, SweepDuration: 1.0,
	}
	g, err := New(cfg)
	require.NoError(t, err)
	g2, err := New(cfg)
	require.NoError(t, err)

	total := 48000 * 2
	whole := g2.Generate(total)
	for i := 0; i < total; i++ {
		v := g.Generate(1)[0]
		assert.InDeltaf(t, whole[i], v, 1.0/1024, "sample %d diverged across block boundary", i)
	}
}

func TestNoiseTableNormalizedToHalfRMS(t *testing.T) {
	g, err := New(Config{Type: PinkNoise, SampleRate: 1000, Amplitude: 1})
	require.NoError(t, err)

	assert.InDelta(t, 0.5, rms(g.table), 0.05)
}

func TestNoiseLoopIsSeamless(t *testing.T) {
	g, err := New(Config{Type: WhiteNoise, SampleRate: 1000, Amplitude: 1})
	require.NoError(t, err)

	n := len(g.table)
	// Drain up to just before the wrap, then take one block that straddles
	// the seam, and check no sample exceeds the table's natural range by a
	// wide margin (a click would show up as an isolated large jump).
	g.tablePos = n - 10
	out := g.Generate(30)
	for i := 1; i < len(out); i++ {
		assert.Less(t, math.Abs(out[i]-out[i-1]), 2.0)
	}
}

func TestReset(t *testing.T) {
	g, err := New(Config{Type: Sine, SampleRate: 48000, Amplitude: 1, Frequency: 1000})
	require.NoError(t, err)
	g.Generate(1000)
	g.Reset()
	assert.Equal(t, 0.0, g.phase)
}

// TestSineAmplitudeScalingProperty checks that Generate's output never
// exceeds the configured amplitude, across random frequencies/amplitudes.
func TestSineAmplitudeScalingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		amp := rapid.Float64Range(0, 1).Draw(t, "amp")
		freq := rapid.Float64Range(20, 20000).Draw(t, "freq")
		g, err := New(Config{Type: Sine, SampleRate: 48000, Amplitude: amp, Frequency: freq})
		require.NoError(t, err)
		out := g.Generate(256)
		for _, v := range out {
			assert.LessOrEqual(t, math.Abs(v), amp+1e-9)
		}
	})
}

func TestRouteZerosUnlistedChannels(t *testing.T) {
	g, err := New(Config{Type: Sine, SampleRate: 48000, Amplitude: 1, Frequency: 1000, Channels: []int{2}})
	require.NoError(t, err)
	signal := g.Generate(4)
	dst := make([]float32, 4*3)
	g.Route(signal, dst, 3)
	for f := 0; f < 4; f++ {
		assert.Equal(t, float32(0), dst[f*3+0])
		assert.NotEqual(t, float32(0), dst[f*3+1])
		assert.Equal(t, float32(0), dst[f*3+2])
	}
}
