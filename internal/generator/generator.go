// Package generator implements the phase-continuous test-signal sources
// used to drive the output channel of a capture: sine, logarithmic sweep,
// and pre-tabled colored noise. It is a from-scratch Go port of the
// prototype's capture_agent/signal_generator.py, restructured the way the
// teacher structures its own stateful audio components (internal/audio):
// a constructor that does all allocation up front, and a hot-path method
// that only touches pre-allocated state.
package generator

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Type identifies a signal family.
type Type int

const (
	Sine Type = iota
	SineSweep
	WhiteNoise
	PinkNoise
	BrownNoise
	BlueNoise
	VioletNoise
)

func (t Type) String() string {
	switch t {
	case Sine:
		return "sine"
	case SineSweep:
		return "sine_sweep"
	case WhiteNoise:
		return "white"
	case PinkNoise:
		return "pink"
	case BrownNoise:
		return "brown"
	case BlueNoise:
		return "blue"
	case VioletNoise:
		return "violet"
	default:
		return "unknown"
	}
}

func isNoise(t Type) bool {
	switch t {
	case WhiteNoise, PinkNoise, BrownNoise, BlueNoise, VioletNoise:
		return true
	default:
		return false
	}
}

// noiseBeta maps a noise family to its power-law PSD exponent, the same
// mapping the prototype keeps in noise_beta_map.
func noiseBeta(t Type) float64 {
	switch t {
	case WhiteNoise:
		return 0
	case PinkNoise:
		return 1
	case BrownNoise:
		return 2
	case BlueNoise:
		return -1
	case VioletNoise:
		return -2
	default:
		return 0
	}
}

// Config configures a Generator.
type Config struct {
	Type       Type
	SampleRate int
	Amplitude  float64 // 0..1
	Channels   []int   // 1-based output channel set; nil/empty means all channels

	Frequency float64 // sine, Hz

	StartFreq     float64 // sweep, Hz
	EndFreq       float64 // sweep, Hz
	SweepDuration float64 // sweep, seconds

	// randSource, when non-nil, supplies the white-noise seed used to build
	// the colored-noise table. When nil, defaultRand draws from math/rand.
	randSource func(n int) []float64
}

const noiseTableSeconds = 60
const crossfadeLen = 2048

// Generator produces phase-continuous test signal blocks. All fields other
// than the phases/read cursors and the atomically updated amplitude and
// sine frequency are immutable after New.
type Generator struct {
	cfg Config
	fs  float64

	// amplitude and sineFreq hold the live, update_generator-mutable values
	// of cfg.Amplitude/cfg.Frequency as float64 bits, so the audio callback
	// (GenerateInto, fillSine) can read them lock-free while SetAmplitude/
	// SetFrequency are called concurrently from the session's cooperative
	// goroutine (spec.md §6).
	amplitude atomic.Uint64
	sineFreq  atomic.Uint64

	// Sine state.
	phase float64

	// Sweep state.
	sweepPhase  float64
	currentTime float64
	sweepK      float64 // ln(f1/f0) / duration, precomputed

	// Noise table: built once at construction, read-only thereafter.
	table      []float64
	tablePos   int
	xfadeIn    []float64
	xfadeOut   []float64
	xfadeLen   int
}

// New builds a Generator and, for colored-noise types, precomputes the
// lookup table immediately (never on the hot path). It also performs a
// throwaway warm-up call, mirroring the prototype's
// SignalGenerator._initialize_generator, so the first real callback does
// not return an unprimed block.
func New(cfg Config) (*Generator, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("generator: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Amplitude < 0 || cfg.Amplitude > 1 {
		return nil, fmt.Errorf("generator: amplitude must be in [0,1], got %f", cfg.Amplitude)
	}

	g := &Generator{cfg: cfg, fs: float64(cfg.SampleRate)}
	g.amplitude.Store(math.Float64bits(cfg.Amplitude))
	g.sineFreq.Store(math.Float64bits(cfg.Frequency))

	switch cfg.Type {
	case Sine:
		if cfg.Frequency <= 0 {
			return nil, fmt.Errorf("generator: sine frequency must be positive")
		}
	case SineSweep:
		if cfg.StartFreq <= 0 || cfg.EndFreq <= 0 || cfg.SweepDuration <= 0 {
			return nil, fmt.Errorf("generator: sweep requires positive start/end frequency and duration")
		}
		g.sweepK = math.Log(cfg.EndFreq/cfg.StartFreq) / cfg.SweepDuration
	default:
		if isNoise(cfg.Type) {
			g.buildNoiseTable()
		} else {
			return nil, fmt.Errorf("generator: unknown signal type %v", cfg.Type)
		}
	}

	g.warmUp()
	return g, nil
}

// warmUp generates and discards one small block so internal cursors have
// advanced past their zero state before real output begins.
func (g *Generator) warmUp() {
	buf := make([]float64, 64)
	g.fill(buf)
}

// Generate advances generator state by `frames` samples and returns a
// mono signal of that length. Calling Generate repeatedly with any block
// size produces a signal that is phase-continuous across the concatenation
// of all calls (spec.md P3).
func (g *Generator) Generate(frames int) []float64 {
	out := make([]float64, frames)
	g.GenerateInto(out)
	return out
}

// GenerateInto is the allocation-free counterpart of Generate, for use on
// the audio callback path (spec.md §4.3/§5): it fills dst in place and
// advances state exactly as Generate does. The caller owns dst's lifetime.
func (g *Generator) GenerateInto(dst []float64) {
	g.fill(dst)
	amp := math.Float64frombits(g.amplitude.Load())
	for i := range dst {
		dst[i] *= amp
	}
}

func (g *Generator) fill(out []float64) {
	switch {
	case g.cfg.Type == Sine:
		g.fillSine(out)
	case g.cfg.Type == SineSweep:
		g.fillSweep(out)
	case isNoise(g.cfg.Type):
		g.fillNoise(out)
	}
}

// fillSine implements s[n] = sin(phi + 2*pi*f*n/fs); phi is advanced by
// 2*pi*f*frames/fs (mod 2*pi) so the next call picks up exactly where this
// one left off.
func (g *Generator) fillSine(out []float64) {
	f := math.Float64frombits(g.sineFreq.Load())
	w := 2 * math.Pi * f / g.fs
	phi := g.phase
	for n := range out {
		out[n] = math.Sin(phi + float64(n)*w)
	}
	g.phase = math.Mod(phi+w*float64(len(out)), 2*math.Pi)
	if g.phase < 0 {
		g.phase += 2 * math.Pi
	}
}

// fillSweep implements a logarithmic sweep with f(t) = f0*(f1/f0)^(t/T),
// phase accumulated per sample so frequency changes never introduce a
// discontinuity. When current_time wraps past the sweep duration the sweep
// restarts and sweep-phase resets to zero at the same sample index,
// matching spec.md §4.2's wrap/reset atomicity requirement.
func (g *Generator) fillSweep(out []float64) {
	f0, duration := g.cfg.StartFreq, g.cfg.SweepDuration
	t := g.currentTime
	phase := g.sweepPhase

	for n := range out {
		out[n] = math.Sin(phase)

		freq := f0 * math.Exp(g.sweepK*t)
		phase += 2 * math.Pi * freq / g.fs

		t += 1 / g.fs
		if t >= duration {
			t = 0
			phase = 0
		}
	}

	g.currentTime = t
	g.sweepPhase = math.Mod(phase, 2*math.Pi)
}

// fillNoise reads from the precomputed table with a crossfaded loop seam;
// no randomness or table (re)generation happens here.
func (g *Generator) fillNoise(out []float64) {
	n := len(g.table)
	L := g.xfadeLen
	p := g.tablePos
	frames := len(out)

	if p+frames <= n {
		copy(out, g.table[p:p+frames])
		p += frames
		if p == n {
			p = 0
		}
	} else {
		n1 := n - p
		n2 := frames - n1
		copy(out[:n1], g.table[p:])
		copy(out[n1:], g.table[:n2])

		if n1 >= L && n2 >= L {
			for i := 0; i < L; i++ {
				crossfaded := g.table[n-L+i]*g.xfadeOut[i] + g.table[i]*g.xfadeIn[i]
				out[n1-L+i] = crossfaded
			}
		}
		p = n2
	}
	g.tablePos = p
}

// Route scatters a mono signal across the configured output channel set
// into a (frames x channels) destination, zeroing channels that are not
// targeted. dst must already be sized frames*channels.
func (g *Generator) Route(signal []float64, dst []float32, channels int) {
	frames := len(signal)
	for i := 0; i < frames*channels; i++ {
		dst[i] = 0
	}
	targets := g.cfg.Channels
	if len(targets) == 0 {
		for ch := 0; ch < channels; ch++ {
			for f := 0; f < frames; f++ {
				dst[f*channels+ch] = float32(signal[f])
			}
		}
		return
	}
	for _, ch1 := range targets {
		ch := ch1 - 1
		if ch < 0 || ch >= channels {
			continue
		}
		for f := 0; f < frames; f++ {
			dst[f*channels+ch] = float32(signal[f])
		}
	}
}

// SetAmplitude updates the output amplitude scale applied by GenerateInto,
// per spec.md §6's update_generator message. Called from the session's
// cooperative goroutine while the audio callback concurrently reads the
// same value via GenerateInto, so the update goes through an atomic store
// rather than a plain field write.
func (g *Generator) SetAmplitude(a float64) {
	g.amplitude.Store(math.Float64bits(a))
}

// SetFrequency updates the sine frequency for subsequent fillSine calls.
// No effect on sweep or noise generators. Safe for the same concurrent-
// caller reason as SetAmplitude.
func (g *Generator) SetFrequency(f float64) {
	if g.cfg.Type == Sine && f > 0 {
		g.sineFreq.Store(math.Float64bits(f))
	}
}

// Reset returns all phases and cursors to zero, per spec.md §4.2.
func (g *Generator) Reset() {
	g.phase = 0
	g.sweepPhase = 0
	g.currentTime = 0
	g.tablePos = 0
}

// buildNoiseTable precomputes a >=60s colored-noise table at construction
// time, normalizes it once to unit-RMS*0.5, and prepares the Hann
// crossfade windows used at the loop seam. Brown noise uses a leaky
// integrator (alpha=0.9995) as spec.md §4.2 requires; the other colors use
// an FFT-shaped power-law spectrum.
func (g *Generator) buildNoiseTable() {
	n := int(g.fs * noiseTableSeconds)
	beta := noiseBeta(g.cfg.Type)

	var table []float64
	if g.cfg.Type == BrownNoise {
		table = g.leakyIntegrate(n)
	} else {
		table = powerLawNoise(n, beta, g.cfg.randSource)
	}

	rms := rms(table)
	if rms > 1e-12 {
		scale := 0.5 / rms
		for i := range table {
			table[i] *= scale
		}
	}

	L := crossfadeLen
	if half := n / 2; L > half {
		L = half
	}
	if L < 1 {
		L = 1
	}
	xfadeIn := make([]float64, L)
	xfadeOut := make([]float64, L)
	for i := 0; i < L; i++ {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(2*L-1))
		xfadeOut[i] = w
	}
	for i := 0; i < L; i++ {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(L+i)/float64(2*L-1))
		xfadeIn[i] = w
	}

	g.table = table
	g.xfadeIn = xfadeIn
	g.xfadeOut = xfadeOut
	g.xfadeLen = L
}

func (g *Generator) leakyIntegrate(n int) []float64 {
	white := defaultRand(n, g.cfg.randSource)
	const alpha = 0.9995
	out := make([]float64, n)
	acc := 0.0
	for i, w := range white {
		acc = alpha*acc + (1-alpha)*w
		out[i] = acc
	}
	return out
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}
