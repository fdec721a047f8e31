package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sineAt(freq float64, amp float64, fs, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(fs))
	}
	return out
}

// TestComputeIdentityTransferFunction is spec.md P7: with y == x and no
// delay, |H| ~= 1 and phase ~= 0 across the analysis band, coherence ~= 1.
func TestComputeIdentityTransferFunction(t *testing.T) {
	fs := 48000
	x := sineAt(1000, 0.8, fs, 16384)
	// Sum a handful of tones so the band isn't a single spectral line.
	for i, f := range []float64{400, 2500, 6000} {
		_ = i
		tone := sineAt(f, 0.2, fs, len(x))
		for n := range x {
			x[n] += tone[n]
		}
	}
	y := append([]float64{}, x...)

	c := NewContext(Config{SampleRate: fs, NFFT: 4096, Window: Hann})
	tf, _ := c.Compute(x, y, 0)
	require.NotNil(t, tf.Freqs)

	for i, f := range tf.Freqs {
		if f < 200 || f > 10000 {
			continue
		}
		assert.InDelta(t, 0, tf.MagDB[i], 1.0, "freq %v magdb", f)
		assert.InDelta(t, 0, tf.PhaseDeg[i], 5.0, "freq %v phase", f)
		assert.Greater(t, tf.Coh[i], 0.9)
	}
}

// TestComputeCoherenceBoundsProperty is spec.md P6: coherence and smoothed
// coherence stay within [0,1] for arbitrary input.
func TestComputeCoherenceBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fs := 48000
		n := 8192
		x := make([]float64, n)
		y := make([]float64, n)
		ampX := rapid.Float64Range(0.01, 1).Draw(t, "ampX")
		ampY := rapid.Float64Range(0.01, 1).Draw(t, "ampY")
		freq := rapid.Float64Range(50, 15000).Draw(t, "freq")
		for i := range x {
			x[i] = ampX * math.Sin(2*math.Pi*freq*float64(i)/float64(fs))
			y[i] = ampY * math.Sin(2*math.Pi*freq*float64(i)/float64(fs)+0.3)
		}

		c := NewContext(Config{SampleRate: fs, NFFT: 2048, Window: Hann})
		tf, _ := c.Compute(x, y, 0)
		if tf.Freqs == nil {
			return
		}
		for i := range tf.Coh {
			assert.GreaterOrEqual(t, tf.Coh[i], 0.0)
			assert.LessOrEqual(t, tf.Coh[i], 1.0)
			assert.GreaterOrEqual(t, tf.CohSmoothed[i], 0.0)
			assert.LessOrEqual(t, tf.CohSmoothed[i], 1.0)
		}
	})
}

// TestComputeSPLRoundTrip is spec.md P8: for y = A*sin(...), dbfs ~=
// 20*log10(A/sqrt(2)) within 0.1dB.
func TestComputeSPLRoundTrip(t *testing.T) {
	fs := 48000
	amp := 0.5
	y := sineAt(1000, amp, fs, 8192)
	x := append([]float64{}, y...)

	c := NewContext(Config{SampleRate: fs, NFFT: 4096, Window: Hann})
	_, spl := c.Compute(x, y, 0)

	want := 20 * math.Log10(amp/math.Sqrt2)
	assert.InDelta(t, want, spl.Leq, 0.1)
	assert.InDelta(t, want, spl.LZ, 0.1)
}

// TestComputeAppliesFractionalDelayCorrection checks that a half-sample
// delay (an integer shift plus a fractional-delay correction) still yields
// a non-empty frame whose coherence stays within [0,1]; the direction of
// the phase rotation is not checked here.
func TestComputeAppliesFractionalDelayCorrection(t *testing.T) {
	fs := 48000
	n := 16384
	x := sineAt(1000, 1, fs, n)
	y := sineAt(1000, 1, fs, n)

	c := NewContext(Config{SampleRate: fs, NFFT: 4096, Window: Hann})
	tf, _ := c.Compute(x, y, 0.5*1000/float64(fs))
	require.NotNil(t, tf.Freqs)
	for i := range tf.Coh {
		assert.GreaterOrEqual(t, tf.Coh[i], 0.0)
		assert.LessOrEqual(t, tf.Coh[i], 1.0)
	}
}

// TestComputeReturnsEmptyFrameBelowUsableFloor covers spec.md §4.5 step 2's
// usable_len < 64 guard when the configured delay consumes almost the whole
// analysis buffer.
func TestComputeReturnsEmptyFrameBelowUsableFloor(t *testing.T) {
	fs := 48000
	n := 100
	x := sineAt(1000, 1, fs, n)
	y := sineAt(1000, 1, fs, n)

	c := NewContext(Config{SampleRate: fs, NFFT: 64, Window: Hann})
	tf, spl := c.Compute(x, y, 1000) // ~48000 samples of delay, far beyond n
	assert.Nil(t, tf.Freqs)
	assert.NotZero(t, spl.Leq)
}

func TestChooseSegmentLengthPureRespectsFloorAndSegmentCount(t *testing.T) {
	assert.Equal(t, 32, chooseSegmentLengthPure(4096, 40))
	assert.Equal(t, 4096, chooseSegmentLengthPure(4096, 1<<20))
	got := chooseSegmentLengthPure(4096, 5000)
	assert.LessOrEqual(t, got, 4096)
	assert.GreaterOrEqual(t, got, 32)
}

func TestKaiserWindowIsNormalizedAtCenter(t *testing.T) {
	w := kaiser(129, 14)
	assert.InDelta(t, 1.0, w[64], 1e-9)
	for _, v := range w {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0+1e-9)
	}
}
