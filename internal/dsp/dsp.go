// Package dsp implements the measurement kernel (spec.md C5): GCC-PHAT
// delay estimation, integer+fractional alignment, Welch/CSD spectral
// estimation, transfer function and coherence, log-frequency smoothing, and
// impulse-response synthesis. It is a Go-native reimplementation of the
// algorithm in the prototype's capture_agent/dsp.py, restructured as a
// Context value owned by the capture session (per spec.md §9's "Global
// mutable DSP state" design note) instead of the prototype's module-level
// window cache.
package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Window identifies the analysis window used for Welch/CSD segmentation.
type Window int

const (
	Hann Window = iota
	Kaiser
	Blackman
)

const eps = 1e-20

// Config is the subset of the capture configuration the kernel needs.
type Config struct {
	SampleRate int
	NFFT       int
	Window     Window
	MaxDelayMS float64 // 0 means unbounded
}

// Context owns the per-capture caches the prototype kept as module
// globals: precomputed windows and FFT plans, keyed by length so repeated
// calls at a stable nperseg don't rebuild them. One Context belongs to
// exactly one capture session; there is no process-wide singleton.
type Context struct {
	cfg Config

	windows map[int][]float64
	ffts    map[int]*fourier.FFT
}

// NewContext creates an empty, capture-scoped DSP context.
func NewContext(cfg Config) *Context {
	return &Context{
		cfg:     cfg,
		windows: make(map[int][]float64),
		ffts:    make(map[int]*fourier.FFT),
	}
}

func (c *Context) windowFor(n int) []float64 {
	if w, ok := c.windows[n]; ok {
		return w
	}
	var w []float64
	switch c.cfg.Window {
	case Kaiser:
		w = kaiser(n, 14)
	case Blackman:
		w = make([]float64, n)
		for i := range w {
			w[i] = 1
		}
		window.Blackman(w)
	default:
		w = make([]float64, n)
		for i := range w {
			w[i] = 1
		}
		window.Hann(w)
	}
	c.windows[n] = w
	return w
}

func (c *Context) fftFor(n int) *fourier.FFT {
	if f, ok := c.ffts[n]; ok {
		return f
	}
	f := fourier.NewFFT(n)
	c.ffts[n] = f
	return f
}

// TFFrame is the measurement-channel output of Compute: frequency axis, raw
// and log-smoothed transfer function / coherence, and the impulse
// response. A zero-value TFFrame (Freqs == nil) means "empty", per
// spec.md §4.5 step 2's usable_len < 64 guard and §7's runtime-DSP-error
// policy.
type TFFrame struct {
	Freqs       []float64
	MagDB       []float64
	PhaseDeg    []float64
	Coh         []float64
	CohSmoothed []float64
	IR          []float64
}

// SPLFrame carries the instantaneous level report. Per spec.md's Open
// Question on weighting, Leq and LZ both report the same unweighted,
// instantaneous dBFS value.
type SPLFrame struct {
	Leq float64
	LZ  float64
}

// Compute runs the full C5 pipeline on a pair of channel slices pulled from
// the analysis buffer, given the delay already selected by the delay
// controller (appliedMS). x is the reference channel, y is the measurement
// channel, both of the same length (the analysis buffer length).
func (c *Context) Compute(x, y []float64, appliedMS float64) (TFFrame, SPLFrame) {
	spl := computeSPL(y)

	n := len(x)
	fs := float64(c.cfg.SampleRate)
	dExact := appliedMS * fs / 1000
	dInt := int(math.Round(dExact))
	fracSamples := float64(dInt) - dExact // D_int - D, per spec.md §4.5 step 2

	yShifted := shiftZeroFill(y, dInt)

	usableLen := n - abs(dInt)
	if usableLen < 0 {
		usableLen = 0
	}
	if usableLen < 64 {
		return TFFrame{}, spl
	}

	xUse := x[:usableLen]
	yUse := yShifted[:usableLen]

	nperseg := c.chooseSegmentLength(usableLen)
	noverlap := int(0.75 * float64(nperseg))
	win := c.windowFor(nperseg)

	freqs, pxx := c.welch(xUse, win, nperseg, noverlap)
	_, pyy := c.welch(yUse, win, nperseg, noverlap)
	pxy := c.csd(xUse, yUse, win, nperseg, noverlap)

	for i := range pxx {
		if pxx[i] < eps {
			pxx[i] = eps
		}
		if pyy[i] < eps {
			pyy[i] = eps
		}
	}

	if math.Abs(fracSamples) > 1e-6 {
		for i, f := range freqs {
			rot := cmplx.Exp(complex(0, 2*math.Pi*f*fracSamples/fs))
			pxy[i] *= rot
		}
	}

	cohRaw := make([]float64, len(freqs))
	for i := range cohRaw {
		cohRaw[i] = clip01((cmplx.Abs(pxy[i]) * cmplx.Abs(pxy[i])) / (pxx[i]*pyy[i] + eps))
	}

	hs, cohSmoothed := smoothLogFreq(freqs, pxx, pyy, pxy, cohRaw)

	magDB := make([]float64, len(hs))
	phaseDeg := make([]float64, len(hs))
	for i, h := range hs {
		magDB[i] = 20 * math.Log10(cmplx.Abs(h)+eps)
		phaseDeg[i] = cmplx.Phase(h) * 180 / math.Pi
	}

	ir := synthesizeIR(hs)

	return TFFrame{
		Freqs:       freqs,
		MagDB:       magDB,
		PhaseDeg:    phaseDeg,
		Coh:         cohRaw,
		CohSmoothed: cohSmoothed,
		IR:          ir,
	}, spl
}

func computeSPL(y []float64) SPLFrame {
	var sum float64
	for _, v := range y {
		sum += v * v
	}
	mean := 0.0
	if len(y) > 0 {
		mean = sum / float64(len(y))
	}
	rms := math.Sqrt(mean)
	if rms < eps {
		rms = eps
	}
	dbfs := 20 * math.Log10(rms)
	return SPLFrame{Leq: dbfs, LZ: dbfs}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// shiftZeroFill returns a copy of y shifted left by d (positive) or right
// by -d (negative) samples, zero-filling the vacated region, per spec.md
// §4.5 step 2.
func shiftZeroFill(y []float64, d int) []float64 {
	n := len(y)
	out := make([]float64, n)
	if d >= 0 {
		if d < n {
			copy(out, y[d:])
		}
	} else {
		shift := -d
		if shift < n {
			copy(out[shift:], y[:n-shift])
		}
	}
	return out
}

// chooseSegmentLength implements spec.md §4.5 step 3's adaptive
// segmentation: start at min(nfft, usableLen), halve while the resulting
// segment count would fall below 4 at 75% overlap, with an absolute floor
// of 32.
func (c *Context) chooseSegmentLength(usableLen int) int {
	return chooseSegmentLengthPure(c.cfg.NFFT, usableLen)
}

// chooseSegmentLengthPure is the pure function extracted so it can be
// tested directly, per spec.md §9's guidance to express adaptive numerics as pure
// functions rather than embedding them in the hot loop.
func chooseSegmentLengthPure(nfft, usableLen int) int {
	nperseg := nfft
	if usableLen < nperseg {
		nperseg = usableLen
	}
	if nperseg < 1 {
		return 1
	}
	const floor = 32
	for nperseg > floor {
		noverlap := int(0.75 * float64(nperseg))
		hop := nperseg - noverlap
		if hop <= 0 {
			break
		}
		segments := 1 + (usableLen-nperseg)/hop
		if segments >= 4 {
			break
		}
		nperseg /= 2
	}
	if nperseg < floor && usableLen >= floor {
		nperseg = floor
	}
	if nperseg < 1 {
		nperseg = 1
	}
	return nperseg
}
