package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// EstimateDelayMS implements spec.md §4.5 step 1: a linear, zero-padded
// GCC-PHAT delay estimate between a reference and measurement channel of
// equal length, with sub-sample parabolic refinement. Ported from the
// prototype's find_delay_ms (capture_agent/dsp.py), generalized to the
// zero-padding to the next power of two and the max_delay_ms-bounded search
// window the spec adds on top of the prototype.
//
// Positive results mean the measurement channel lags the reference.
func EstimateDelayMS(x, y []float64, fs int, maxDelayMS float64) float64 {
	n := len(x)
	if n == 0 || len(y) != n || fs <= 0 {
		return 0
	}

	nfft := nextPowerOfTwo(2*n - 1)

	xp := make([]float64, nfft)
	yp := make([]float64, nfft)
	copy(xp, x)
	copy(yp, y)

	fft := fourier.NewFFT(nfft)
	X := fft.Coefficients(nil, xp)
	Y := fft.Coefficients(nil, yp)

	r := make([]complex128, len(X))
	for k := range r {
		c := cmplx.Conj(X[k]) * Y[k]
		mag := cmplx.Abs(c)
		if mag < 1e-10 {
			mag = 1e-10
		}
		r[k] = c / complex(mag, 0)
	}

	cc := fft.Sequence(nil, r)

	maxLag := n - 1
	if maxDelayMS > 0 {
		bound := int(math.Ceil(maxDelayMS * float64(fs) / 1000))
		if bound < maxLag {
			maxLag = bound
		}
	}
	if maxLag > nfft/2 {
		maxLag = nfft / 2
	}
	if maxLag < 1 {
		return 0
	}

	bestLag := -maxLag
	bestVal := ccAt(cc, bestLag, nfft)
	for lag := -maxLag + 1; lag <= maxLag; lag++ {
		v := ccAt(cc, lag, nfft)
		if v > bestVal {
			bestVal = v
			bestLag = lag
		}
	}

	d := 0.0
	y1 := ccAt(cc, bestLag-1, nfft)
	y2 := ccAt(cc, bestLag, nfft)
	y3 := ccAt(cc, bestLag+1, nfft)
	denom := y1 - 2*y2 + y3
	if math.Abs(denom) > 1e-12 {
		d = 0.5 * (y1 - y3) / denom
	}

	return (float64(bestLag) + d) / float64(fs) * 1000
}

// ccAt looks up the circular cross-correlation value at a linear lag,
// wrapping negative lags into the back half of the buffer the real inverse
// FFT produced.
func ccAt(cc []float64, lag, nfft int) float64 {
	idx := lag % nfft
	if idx < 0 {
		idx += nfft
	}
	return cc[idx]
}

func nextPowerOfTwo(v int) int {
	if v < 1 {
		return 1
	}
	p := 1
	for p < v {
		p *= 2
	}
	return p
}
