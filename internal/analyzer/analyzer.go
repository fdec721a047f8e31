// Package analyzer implements the sliding analysis window (spec.md C4): it
// accumulates consumed audio blocks into a fixed-length, per-channel
// analysis buffer and decides, hop by hop, when enough new samples have
// arrived to re-run the DSP kernel. Modeled on the shift-and-append buffer
// management in the teacher's audio.Capturer ring consumption, generalized
// from a 1-D mono buffer to the two-channel (reference, measurement)
// buffer spec.md §3 describes.
package analyzer

import "math"

// BufferLen implements spec.md §3's analysis-buffer sizing formula.
func BufferLen(nfft int, maxDelayMS float64, fs int) int {
	guard := int(math.Ceil(maxDelayMS * float64(fs) / 1000))
	return nfft + 2*guard + (nfft*3)/4
}

// Hop implements spec.md §4.4's hop size: nfft minus its 75%-overlap
// segment, i.e. a quarter of nfft.
func Hop(nfft int) int {
	return nfft - (nfft*3)/4
}

// Window is the two-channel sliding analysis buffer. It never reallocates
// after construction, per spec.md §3's analysis-buffer invariant.
type Window struct {
	ref  []float64
	meas []float64
	len  int

	hop   int
	carry int
}

// New creates an analysis window of the given length and hop size, zero
// filled.
func New(bufferLen, hop int) *Window {
	return &Window{
		ref:  make([]float64, bufferLen),
		meas: make([]float64, bufferLen),
		len:  bufferLen,
		hop:  hop,
	}
}

// Len reports the fixed buffer length.
func (w *Window) Len() int { return w.len }

// Reset zeros the buffer and the carry counter, without reallocating.
func (w *Window) Reset() {
	for i := range w.ref {
		w.ref[i] = 0
		w.meas[i] = 0
	}
	w.carry = 0
}

// Feed implements spec.md §4.4: given a newly consumed block of L
// reference/measurement samples, either replaces the buffer outright (when
// L covers the whole window) or shifts the existing contents left by L and
// appends the new samples at the tail. It returns true when enough new
// samples have accumulated (carry >= hop) to warrant running the DSP
// kernel; on a true return the hop is consumed from carry.
func (w *Window) Feed(ref, meas []float64) bool {
	l := len(ref)
	if l != len(meas) {
		panic("analyzer: ref and meas must be the same length")
	}

	if l >= w.len {
		copy(w.ref, ref[l-w.len:])
		copy(w.meas, meas[l-w.len:])
		w.carry = 0
		return true
	}

	copy(w.ref, w.ref[l:])
	copy(w.ref[w.len-l:], ref)
	copy(w.meas, w.meas[l:])
	copy(w.meas[w.len-l:], meas)

	w.carry += l
	if w.carry >= w.hop {
		w.carry -= w.hop
		return true
	}
	return false
}

// Channels returns the current contents of the reference and measurement
// channels. The returned slices alias the window's internal storage and
// must not be retained past the next Feed call.
func (w *Window) Channels() (ref, meas []float64) {
	return w.ref, w.meas
}
