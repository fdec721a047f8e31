package dsp

import "math/cmplx"

// segmentCount returns the number of overlapping segments of length nperseg
// with noverlap samples shared between consecutive segments, hop =
// nperseg-noverlap, that fit in a signal of length n. Matches scipy's
// Welch/CSD segment count.
func segmentCount(n, nperseg, noverlap int) int {
	hop := nperseg - noverlap
	if hop <= 0 || n < nperseg {
		return 0
	}
	return 1 + (n-nperseg)/hop
}

// freqAxis returns the one-sided frequency bins (Hz) for an nperseg-point
// real FFT at the given sample rate.
func (c *Context) freqAxis(nperseg int) []float64 {
	fs := float64(c.cfg.SampleRate)
	bins := nperseg/2 + 1
	freqs := make([]float64, bins)
	for k := range freqs {
		freqs[k] = float64(k) * fs / float64(nperseg)
	}
	return freqs
}

// welch computes a one-sided, density-scaled power spectral density of x
// using Welch's overlapped-segment-averaging method with constant detrend,
// per spec.md §4.5 step 4.
func (c *Context) welch(x []float64, win []float64, nperseg, noverlap int) ([]float64, []float64) {
	freqs := c.freqAxis(nperseg)
	nseg := segmentCount(len(x), nperseg, noverlap)
	pxx := make([]float64, len(freqs))
	if nseg == 0 {
		return freqs, pxx
	}

	fft := c.fftFor(nperseg)
	fs := float64(c.cfg.SampleRate)
	winSumSq := sumSquares(win)
	scale := 1.0 / (fs * winSumSq)

	hop := nperseg - noverlap
	buf := make([]float64, nperseg)
	for s := 0; s < nseg; s++ {
		start := s * hop
		detrendWindow(x[start:start+nperseg], win, buf)
		coeffs := fft.Coefficients(nil, buf)
		for k, cv := range coeffs {
			p := cmplx.Abs(cv) * cmplx.Abs(cv) * scale
			if k != 0 && !(nperseg%2 == 0 && k == len(coeffs)-1) {
				p *= 2
			}
			pxx[k] += p
		}
	}
	for k := range pxx {
		pxx[k] /= float64(nseg)
	}
	return freqs, pxx
}

// csd computes the one-sided, density-scaled cross power spectral density
// Pxy = csd(x, y), per spec.md §4.5 step 4 and the sign convention
// recorded in SPEC_FULL.md §3.
func (c *Context) csd(x, y []float64, win []float64, nperseg, noverlap int) []complex128 {
	freqs := c.freqAxis(nperseg)
	nseg := segmentCount(len(x), nperseg, noverlap)
	pxy := make([]complex128, len(freqs))
	if nseg == 0 {
		return pxy
	}

	fft := c.fftFor(nperseg)
	fs := float64(c.cfg.SampleRate)
	winSumSq := sumSquares(win)
	scale := 1.0 / (fs * winSumSq)

	hop := nperseg - noverlap
	bufX := make([]float64, nperseg)
	bufY := make([]float64, nperseg)
	for s := 0; s < nseg; s++ {
		start := s * hop
		detrendWindow(x[start:start+nperseg], win, bufX)
		detrendWindow(y[start:start+nperseg], win, bufY)
		cx := fft.Coefficients(nil, bufX)
		cy := fft.Coefficients(nil, bufY)
		for k := range pxy {
			v := cmplx.Conj(cx[k]) * cy[k] * complex(scale, 0)
			if k != 0 && !(nperseg%2 == 0 && k == len(pxy)-1) {
				v *= 2
			}
			pxy[k] += v
		}
	}
	for k := range pxy {
		pxy[k] /= complex(float64(nseg), 0)
	}
	return pxy
}

func sumSquares(w []float64) float64 {
	var sum float64
	for _, v := range w {
		sum += v * v
	}
	return sum
}

// detrendWindow copies seg into dst with its mean removed ("constant"
// detrend) and the analysis window applied in place.
func detrendWindow(seg, win, dst []float64) {
	var mean float64
	for _, v := range seg {
		mean += v
	}
	mean /= float64(len(seg))
	for i, v := range seg {
		dst[i] = (v - mean) * win[i]
	}
}
