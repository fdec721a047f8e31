package dsp

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func shiftedSine(freq float64, fs int, n, shift int) ([]float64, []float64) {
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(fs))
	}
	y := make([]float64, n)
	for i := range y {
		src := i - shift
		if src >= 0 && src < n {
			y[i] = x[src]
		}
	}
	return x, y
}

// TestEstimateDelayKnownShift is spec.md S2: a 48-sample shift at 48kHz must
// be reported as 1.0ms +/- 0.05ms.
func TestEstimateDelayKnownShift(t *testing.T) {
	x, y := shiftedSine(997, 48000, 8192, 48)
	ms := EstimateDelayMS(x, y, 48000, 10)
	assert.InDelta(t, 1.0, ms, 0.05)
}

// TestEstimateDelayAccuracy is spec.md P4: the estimate converges to
// D/fs*1000 within half a sample period.
func TestEstimateDelayAccuracy(t *testing.T) {
	fs := 48000
	halfSampleMS := 1.0 / float64(fs) * 1000 / 2
	for _, d := range []int{0, 1, 10, 200, 479} {
		x, y := shiftedSine(1200, fs, 4096, d)
		ms := EstimateDelayMS(x, y, fs, 0)
		want := float64(d) / float64(fs) * 1000
		assert.InDeltaf(t, want, ms, halfSampleMS+1e-6, "shift=%d", d)
	}
}

// TestEstimateDelayRespectsMaxDelayBound checks that a shift larger than
// max_delay_ms is not reported beyond the bounded search window.
func TestEstimateDelayRespectsMaxDelayBound(t *testing.T) {
	fs := 48000
	x, y := shiftedSine(500, fs, 8192, 400)
	ms := EstimateDelayMS(x, y, fs, 2) // bound of 2ms = 96 samples, true shift is ~8.3ms
	assert.LessOrEqual(t, math.Abs(ms), 2.0+1e-6)
}

// TestEstimateDelayIdempotence is spec.md P5: aligning y by the estimated
// delay and re-running estimation must return a residual under one sample
// period.
func TestEstimateDelayIdempotence(t *testing.T) {
	fs := 48000
	x, y := shiftedSine(1000, fs, 8192, 137)
	ms := EstimateDelayMS(x, y, fs, 10)

	dInt := int(math.Round(ms * float64(fs) / 1000))
	yAligned := shiftZeroFill(y, dInt)

	residual := EstimateDelayMS(x, yAligned, fs, 10)
	assert.Less(t, math.Abs(residual), 1.0/float64(fs)*1000+1e-6)
}

// TestEstimateDelayZeroForIdenticalSignals covers the D=0 edge case.
func TestEstimateDelayZeroForIdenticalSignals(t *testing.T) {
	x, _ := shiftedSine(440, 48000, 2048, 0)
	ms := EstimateDelayMS(x, x, 48000, 10)
	assert.InDelta(t, 0, ms, 0.05)
}

// TestEstimateDelayRecoversShiftProperty is a randomized check that the
// estimator recovers an arbitrary integer shift within a bounded search
// window, across random signal content.
func TestEstimateDelayRecoversShiftProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fs := 48000
		shift := rapid.IntRange(-50, 50).Draw(t, "shift")
		n := 4096
		x := make([]float64, n)
		r := rand.New(rand.NewSource(int64(shift) + 1))
		for i := range x {
			x[i] = r.NormFloat64()
		}
		y := make([]float64, n)
		for i := range y {
			src := i - shift
			if src >= 0 && src < n {
				y[i] = x[src]
			}
		}

		ms := EstimateDelayMS(x, y, fs, 5)
		want := float64(shift) / float64(fs) * 1000
		assert.InDelta(t, want, ms, 1.0/float64(fs)*1000*2)
	})
}
