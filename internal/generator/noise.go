package generator

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"
)

// defaultRand draws n standard-normal samples, using cfg.randSource when the
// caller supplied one and math/rand otherwise. Gaussian white
// noise generation has no natural home in any third-party library in the
// pack or gonum's public API surface beyond distuv, so this uses the
// standard library directly (documented in DESIGN.md).
func defaultRand(n int, source func(int) []float64) []float64 {
	if source != nil {
		return source(n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = rand.NormFloat64()
	}
	return out
}

// powerLawNoise builds an N-sample power-law-PSD noise table: PSD(f) ~
// 1/f^beta. White Gaussian noise is generated in the time domain, forward-
// transformed with gonum's real FFT, its one-sided magnitude spectrum
// scaled by freq^(-beta/2), and inverse-transformed back — the same
// FFT-filtering approach the prototype delegates to the colorednoise
// package.
func powerLawNoise(n int, beta float64, source func(int) []float64) []float64 {
	if beta == 0 {
		return defaultRand(n, source)
	}

	fft := fourier.NewFFT(n)
	white := defaultRand(n, source)
	coeffs := fft.Coefficients(nil, white)

	for k := 1; k < len(coeffs); k++ {
		freq := float64(k)
		scale := math.Pow(freq, -beta/2)
		coeffs[k] *= complex(scale, 0)
	}

	out := fft.Sequence(nil, coeffs)
	norm := 1.0 / float64(n)
	for i := range out {
		out[i] *= norm
	}
	return out
}
