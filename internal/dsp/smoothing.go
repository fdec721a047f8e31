package dsp

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	octaveFraction = 6.0 // 1/6-octave constant-Q smoothing
	minBandBins    = 3
)

// smoothLogFreq implements spec.md §4.5 step 7: 1/6-octave, constant-Q
// log-frequency smoothing of the transfer function and coherence. Returns
// the smoothed complex TF Hs and smoothed coherence, one value per
// frequency bin (including the copied-through DC/non-positive bin).
func smoothLogFreq(freqs, pxx, pyy []float64, pxy []complex128, cohRaw []float64) ([]complex128, []float64) {
	n := len(freqs)
	hs := make([]complex128, n)
	cohS := make([]float64, n)
	if n < 2 {
		return hs, cohS
	}

	halfSpan := 0.5 * math.Ln2 / octaveFraction

	for i := 1; i < n; i++ {
		lnf := math.Log(freqs[i])
		lo := math.Exp(lnf - halfSpan)
		hi := math.Exp(lnf + halfSpan)

		i0 := sort.SearchFloat64s(freqs, lo)
		i1 := sort.SearchFloat64s(freqs, hi)
		if i1 > n {
			i1 = n
		}
		if i1 <= i0 {
			i1 = i0 + 1
		}

		for i1-i0 < minBandBins {
			if i0 > 1 {
				i0--
			}
			if i1 < n {
				i1++
			}
			if i0 <= 1 && i1 >= n {
				break
			}
		}
		if i0 < 1 {
			i0 = 1
		}
		if i1 > n {
			i1 = n
		}
		if i1 <= i0 {
			i1 = i0 + 1
			if i1 > n {
				i1 = n
				i0 = n - 1
			}
		}

		m := i1 - i0
		w := hannTaper(m)

		var sumW, pxxB, pyyB float64
		var pxyB complex128
		for j := 0; j < m; j++ {
			idx := i0 + j
			wj := w[j] * cohRaw[idx]
			sumW += wj
			pxxB += wj * pxx[idx]
			pyyB += wj * pyy[idx]
			pxyB += complex(wj, 0) * pxy[idx]
		}
		if sumW <= 0 {
			// Degenerate (all-zero coherence in-band): fall back to an
			// unweighted average so Hs stays finite.
			sumW = float64(m)
			pxxB, pyyB, pxyB = 0, 0, 0
			for j := 0; j < m; j++ {
				idx := i0 + j
				pxxB += pxx[idx]
				pyyB += pyy[idx]
				pxyB += pxy[idx]
			}
		}
		pxxB /= sumW
		pyyB /= sumW
		pxyB /= complex(sumW, 0)

		hs[i] = pxyB / complex(pxxB+eps, 0)
		cohS[i] = clip01((cmplx.Abs(pxyB) * cmplx.Abs(pxyB)) / (pxxB*pyyB + eps))
	}

	// Non-positive-frequency bin (DC) copies the first valid value.
	hs[0] = hs[1]
	cohS[0] = cohS[1]

	return hs, cohS
}

// hannTaper returns an m-point Hann window used as the smoothing kernel.
func hannTaper(m int) []float64 {
	w := make([]float64, m)
	if m == 1 {
		w[0] = 1
		return w
	}
	for j := 0; j < m; j++ {
		w[j] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(j)/float64(m-1))
	}
	return w
}

// synthesizeIR implements spec.md §4.5 step 9: force DC/Nyquist imaginary
// parts to zero, apply a linear fade taper, inverse-real-transform, and
// circularly rotate by half to produce a causal-centered display IR.
func synthesizeIR(hs []complex128) []float64 {
	m := len(hs)
	if m < 2 {
		return nil
	}

	spec := make([]complex128, m)
	copy(spec, hs)
	spec[0] = complex(real(spec[0]), 0)
	spec[m-1] = complex(real(spec[m-1]), 0)

	taper := m / 64
	if taper < 8 {
		taper = 8
	}
	if taper > m {
		taper = m
	}
	for i := 0; i < taper; i++ {
		g := float64(i) / float64(taper)
		spec[i] *= complex(g, 0)
		spec[m-1-i] *= complex(g, 0)
	}

	n := 2 * (m - 1)
	fft := fourier.NewFFT(n)
	ir := fft.Sequence(nil, spec)
	for i := range ir {
		ir[i] /= float64(n)
	}

	out := make([]float64, n)
	half := n / 2
	copy(out[:n-half], ir[half:])
	copy(out[n-half:], ir[:half])
	return out
}
