package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/soundlab/captureagent/internal/analyzer"
	"github.com/soundlab/captureagent/internal/delay"
	"github.com/soundlab/captureagent/internal/device"
	"github.com/soundlab/captureagent/internal/dsp"
	"github.com/soundlab/captureagent/internal/engine"
	"github.com/soundlab/captureagent/internal/generator"
	"github.com/soundlab/captureagent/internal/logging"
	"github.com/soundlab/captureagent/internal/ring"
)

// frameInterval is spec.md §4.4's UI frame-rate cap: target_fps = 20.
const frameInterval = 50 * time.Millisecond

// Conn is the minimal surface Session needs from a network connection;
// *websocket.Conn's method set satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// state is the C7 Idle/Configured/Capturing state machine (spec.md §4.7).
// Configured is occupied only while a start message is being validated and
// the engine spun up; success moves straight to Capturing, failure falls
// back to Idle.
type state int

const (
	stateIdle state = iota
	stateConfigured
	stateCapturing
)

// CaptureLock enforces spec.md §4.7's "at most one Capturing session
// system-wide" invariant across every connected Session. Per spec.md §9's
// "Global mutable DSP state" guidance this is explicit state the caller
// constructs and shares, not a package-level singleton.
type CaptureLock struct {
	mu     sync.Mutex
	holder *Session
}

// NewCaptureLock creates an unheld lock.
func NewCaptureLock() *CaptureLock { return &CaptureLock{} }

func (l *CaptureLock) tryAcquire(s *Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil && l.holder != s {
		return false
	}
	l.holder = s
	return true
}

func (l *CaptureLock) release(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == s {
		l.holder = nil
	}
}

// Deps bundles the collaborators a Session needs that outlive any single
// connection: the version string reported by hello_ack/version, the
// system-wide capture lock, and a reusable malgo context for device
// enumeration.
type Deps struct {
	Version      string
	Lock         *CaptureLock
	AudioContext *malgo.AllocatedContext
}

// Session owns one WebSocket connection's protocol state machine and, at
// most, one active capture. It is not safe for concurrent use by more than
// the single Run goroutine plus whatever calls Close.
type Session struct {
	id            string
	conn          Conn
	log           *log.Logger
	originAllowed bool
	deps          Deps

	mu      sync.Mutex
	st      state
	helloed bool
	cap     *captureRuntime
}

// New creates a Session for a freshly accepted connection. originAllowed
// reflects the transport layer's same-origin allow-list decision (spec.md
// §6); it is reported verbatim in hello_ack and does not by itself refuse
// the connection (absence of an Origin header is a permitted local
// connection, also surfaced via this flag).
func New(conn Conn, originAllowed bool, deps Deps) *Session {
	id := uuid.NewString()
	return &Session{
		id:            id,
		conn:          conn,
		log:           logging.For("session").With("session", id),
		originAllowed: originAllowed,
		deps:          deps,
		st:            stateIdle,
	}
}

// Run drives the read pump until the connection closes or ctx is
// cancelled, per spec.md §5's cancellation model: "client disconnect...
// cancel the capture task... cleanup path must stop and close both
// streams... emit stopped only if the channel is still writable."
func (s *Session) Run(ctx context.Context) error {
	defer s.stopCapture(false)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.conn.Close()
		close(done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("malformed JSON", "protocol_error")
			continue
		}

		if env.Type != "hello" && !s.helloed {
			s.sendError("hello must precede any other message", "protocol_error")
			continue
		}

		s.dispatch(env.Type, data)

		select {
		case <-done:
			return nil
		default:
		}
	}
}

func (s *Session) dispatch(msgType string, raw []byte) {
	switch msgType {
	case "hello":
		s.handleHello(raw)
	case "get_version":
		s.handleGetVersion()
	case "list_devices":
		s.handleListDevices()
	case "start":
		s.handleStart(raw)
	case "stop":
		s.handleStop()
	case "delay_freeze":
		s.handleDelayFreeze(raw)
	case "set_manual_delay":
		s.handleSetManualDelay(raw)
	case "update_generator":
		s.handleUpdateGenerator(raw)
	case "calibrate":
		s.handleCalibrate(raw)
	default:
		s.sendError(fmt.Sprintf("unknown message type %q", msgType), "protocol_error")
	}
}

func (s *Session) handleHello(raw []byte) {
	var in helloIn
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError("malformed hello", "protocol_error")
		return
	}
	s.helloed = true
	s.send(helloAckOut{
		Type:          "hello_ack",
		Agent:         "captureagent",
		Version:       s.deps.Version,
		OriginAllowed: s.originAllowed,
	})
	_ = in.Nonce // parsed but not echoed: hello_ack carries no nonce field (spec.md §6)
}

func (s *Session) handleGetVersion() {
	s.send(versionOut{Type: "version", Version: s.deps.Version})
}

func (s *Session) handleListDevices() {
	items, err := s.listDevices()
	if err != nil {
		s.log.Error("list devices failed", "err", err)
		s.sendError(err.Error(), "device_error")
		return
	}
	s.send(devicesOut{Type: "devices", Items: items})
}

func (s *Session) listDevices() ([]deviceItem, error) {
	descs, err := device.List(s.deps.AudioContext)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	out := make([]deviceItem, len(descs))
	for i, d := range descs {
		out[i] = deviceItem{ID: d.ID, Name: d.Name, InputChannels: d.InputChannels, OutputChannels: d.OutputChannels}
	}
	return out, nil
}

func (s *Session) handleStart(raw []byte) {
	s.mu.Lock()
	if s.st != stateIdle {
		s.mu.Unlock()
		s.sendError("start while not idle", "state_error")
		return
	}
	s.st = stateConfigured
	s.mu.Unlock()

	var in startIn
	if err := json.Unmarshal(raw, &in); err != nil {
		s.backToIdle()
		s.sendError("malformed start", "protocol_error")
		return
	}

	if !s.deps.Lock.tryAcquire(s) {
		s.backToIdle()
		s.sendError("another capture is already running", "state_error")
		return
	}

	cap, err := newCaptureRuntime(s.log, in)
	if err != nil {
		s.deps.Lock.release(s)
		s.backToIdle()
		s.sendError(err.Error(), "device_error")
		return
	}

	if err := cap.start(); err != nil {
		s.deps.Lock.release(s)
		s.backToIdle()
		s.sendError(err.Error(), "device_error")
		return
	}

	s.mu.Lock()
	s.cap = cap
	s.st = stateCapturing
	s.mu.Unlock()

	cap.run(func(f frameOut) { s.send(f) }, func() { s.onCaptureFatal() })
}

func (s *Session) backToIdle() {
	s.mu.Lock()
	s.st = stateIdle
	s.mu.Unlock()
}

// onCaptureFatal handles a runtime DSP/device error severe enough that the
// capture task exited on its own (spec.md §7's device-error path: "error +
// transition to Idle; stopped emitted").
func (s *Session) onCaptureFatal() {
	s.sendError("capture stopped after an unrecoverable error", "device_error")
	s.stopCapture(true)
}

func (s *Session) handleStop() {
	s.mu.Lock()
	capturing := s.st == stateCapturing
	s.mu.Unlock()
	if !capturing {
		s.sendError("stop while idle", "state_error")
		return
	}
	s.stopCapture(true)
}

// stopCapture tears down the active capture, if any, and emits `stopped`
// when requested and the connection is presumably still writable (spec.md
// §5). Safe to call when no capture is running.
func (s *Session) stopCapture(emitStopped bool) {
	s.mu.Lock()
	cap := s.cap
	s.cap = nil
	wasCapturing := s.st == stateCapturing
	s.st = stateIdle
	s.mu.Unlock()

	if cap == nil {
		return
	}
	cap.stop()
	s.deps.Lock.release(s)

	if emitStopped && wasCapturing {
		s.send(stoppedOut{Type: "stopped"})
	}
}

func (s *Session) handleDelayFreeze(raw []byte) {
	cap := s.activeCapture()
	if cap == nil {
		s.sendError("delay_freeze while idle", "state_error")
		return
	}
	var in delayFreezeIn
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError("malformed delay_freeze", "protocol_error")
		return
	}
	if in.Enable {
		cap.delayCtrl.Freeze(in.AppliedMS)
	} else {
		cap.delayCtrl.SetAuto()
	}
	s.sendDelayStatus(cap)
}

func (s *Session) handleSetManualDelay(raw []byte) {
	cap := s.activeCapture()
	if cap == nil {
		s.sendError("set_manual_delay while idle", "state_error")
		return
	}
	var in setManualDelayIn
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError("malformed set_manual_delay", "protocol_error")
		return
	}
	cap.delayCtrl.SetManual(in.DelayMS)
	s.sendDelayStatus(cap)
}

func (s *Session) sendDelayStatus(cap *captureRuntime) {
	st := cap.delayCtrl.Status()
	s.send(delayStatusOut{Type: "delay_status", Mode: st.Mode.String(), AppliedMS: st.AppliedMS, RawMS: st.RawMS})
}

func (s *Session) handleUpdateGenerator(raw []byte) {
	cap := s.activeCapture()
	if cap == nil {
		s.sendError("update_generator while idle", "state_error")
		return
	}
	var in updateGeneratorIn
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError("malformed update_generator", "protocol_error")
		return
	}
	if err := cap.updateGenerator(in.Config); err != nil {
		s.sendError(err.Error(), "protocol_error")
	}
}

// handleCalibrate resolves spec.md's Open Question 1 per SPEC_FULL.md §3:
// the prototype never implements calibrate/calibration_done, so this
// applies the documented identity mapping and always replies.
func (s *Session) handleCalibrate(raw []byte) {
	var in calibrateIn
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError("malformed calibrate", "protocol_error")
		return
	}
	slope := 1.0
	offset := in.SplRefDB - in.RmsDbfs
	s.send(calibrationDoneOut{Type: "calibration_done", Slope: slope, Offset: offset})
}

func (s *Session) activeCapture() *captureRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap
}

func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal outbound message failed", "err", err)
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("write failed, connection likely closed", "err", err)
	}
}

func (s *Session) sendError(message, code string) {
	s.send(errorOut{Type: "error", Message: message, Code: code})
}

// captureRuntime owns everything created for the lifetime of one
// Capturing session: the pool/ring (C1), optional generator (C2), engine
// (C3), analyzer window (C4), DSP context (C5), and delay controller (C6).
type captureRuntime struct {
	log *log.Logger
	cfg startIn

	pool      *ring.Pool
	rb        *ring.Ring
	gen       *generator.Generator
	genType   generator.Type
	eng       *engine.Engine
	window    *analyzer.Window
	dspCtx    *dsp.Context
	delayCtrl *delay.Controller

	refBuf  []float64
	measBuf []float64

	mu          sync.Mutex
	latestFrame *frameOut

	cancel context.CancelFunc
	group  *errgroup.Group
}

func parseWindow(s string) dsp.Window {
	switch s {
	case "kaiser":
		return dsp.Kaiser
	case "blackman":
		return dsp.Blackman
	default:
		return dsp.Hann
	}
}

func parseGeneratorType(s string) (generator.Type, error) {
	switch s {
	case "sine":
		return generator.Sine, nil
	case "sine_sweep":
		return generator.SineSweep, nil
	case "white":
		return generator.WhiteNoise, nil
	case "pink":
		return generator.PinkNoise, nil
	case "brown":
		return generator.BrownNoise, nil
	case "blue":
		return generator.BlueNoise, nil
	case "violet":
		return generator.VioletNoise, nil
	default:
		return 0, fmt.Errorf("unknown generator type %q", s)
	}
}

func buildGenerator(fs int, gc *GeneratorConfig) (*generator.Generator, error) {
	if gc == nil {
		return nil, nil
	}
	t, err := parseGeneratorType(gc.Type)
	if err != nil {
		return nil, err
	}
	return generator.New(generator.Config{
		Type:          t,
		SampleRate:    fs,
		Amplitude:     gc.Amplitude,
		Channels:      gc.Channels,
		Frequency:     gc.Frequency,
		StartFreq:     gc.StartFreq,
		EndFreq:       gc.EndFreq,
		SweepDuration: gc.SweepDuration,
	})
}

func newCaptureRuntime(log *log.Logger, cfg startIn) (*captureRuntime, error) {
	if cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("sample_rate and block_size must be positive")
	}
	if cfg.RefChan < 1 || cfg.MeasChan < 1 {
		return nil, fmt.Errorf("ref_chan and meas_chan must be 1-based channel indices")
	}
	if cfg.NFFT <= 0 {
		return nil, fmt.Errorf("nfft must be positive")
	}
	if cfg.MaxDelayMS < 0 {
		return nil, fmt.Errorf("max_delay_ms must not be negative")
	}
	channels := cfg.RefChan
	if cfg.MeasChan > channels {
		channels = cfg.MeasChan
	}

	gen, err := buildGenerator(cfg.SampleRate, cfg.Generator)
	if err != nil {
		return nil, fmt.Errorf("generator config: %w", err)
	}
	var genType generator.Type
	if cfg.Generator != nil {
		genType, _ = parseGeneratorType(cfg.Generator.Type)
	}

	pool := ring.NewPool(cfg.BlockSize, channels)
	rb := ring.NewRing()

	eng := engine.New(engine.Config{
		DeviceID:    cfg.DeviceID,
		SampleRate:  cfg.SampleRate,
		BlockSize:   cfg.BlockSize,
		Channels:    channels,
		UseLoopback: cfg.UseLoopback,
		RefChan:     cfg.RefChan,
	}, pool, rb, gen)

	bufLen := analyzer.BufferLen(cfg.NFFT, cfg.MaxDelayMS, cfg.SampleRate)
	hop := analyzer.Hop(cfg.NFFT)

	return &captureRuntime{
		log:       log,
		cfg:       cfg,
		pool:      pool,
		rb:        rb,
		gen:       gen,
		genType:   genType,
		eng:       eng,
		window:    analyzer.New(bufLen, hop),
		dspCtx:    dsp.NewContext(dsp.Config{SampleRate: cfg.SampleRate, NFFT: cfg.NFFT, Window: parseWindow(cfg.Window), MaxDelayMS: cfg.MaxDelayMS}),
		delayCtrl: delay.New(delay.DefaultAlpha),
		refBuf:    make([]float64, cfg.BlockSize),
		measBuf:   make([]float64, cfg.BlockSize),
	}, nil
}

func (c *captureRuntime) start() error {
	return c.eng.Start()
}

// run spins up the cooperative-context goroutines: the analyzer/DSP loop
// that drains the ring (the "processor" of spec.md §4.1/§5) and the
// 20 Hz-capped frame-emission loop. onFrame is called with each frame the
// rate limiter allows through; onFatal is called once if the capture loop
// exits due to an unrecoverable error, per spec.md §7's device-error path.
func (c *captureRuntime) run(onFrame func(frameOut), onFatal func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error { return c.processLoop(gctx) })
	g.Go(func() error { return c.emitLoop(gctx, onFrame) })

	go func() {
		if err := g.Wait(); err != nil {
			c.log.Error("capture loop exited", "err", err)
			onFatal()
		}
	}()
}

// processLoop is the cooperative-context consumer of spec.md §4.1: it
// drains the ring, deinterleaves each block into the analyzer's reference
// and measurement channels, and runs the DSP kernel at every hop
// boundary, mirroring the teacher's processLoop poll-with-backoff pattern
// (internal/audio/capture.go) generalized to two channels.
func (c *captureRuntime) processLoop(ctx context.Context) error {
	refChan := c.cfg.RefChan - 1
	measChan := c.cfg.MeasChan - 1

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		blk := c.rb.Pop()
		if blk == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Microsecond):
			}
			continue
		}

		n := blk.Frames
		if n > cap(c.refBuf) {
			n = cap(c.refBuf)
		}
		ref := c.refBuf[:n]
		meas := c.measBuf[:n]
		for f := 0; f < n; f++ {
			base := f * blk.Channels
			ref[f] = float64(blk.Samples[base+refChan])
			meas[f] = float64(blk.Samples[base+measChan])
		}
		c.pool.Put(blk)

		if c.window.Feed(ref, meas) {
			c.runKernel()
		}
	}
}

func (c *captureRuntime) runKernel() {
	x, y := c.window.Channels()

	var appliedMS, rawMS float64
	status := c.delayCtrl.Status()
	if status.Mode == delay.Auto {
		rawMS = dsp.EstimateDelayMS(x, y, c.cfg.SampleRate, c.cfg.MaxDelayMS)
	}
	appliedMS = c.delayCtrl.Update(rawMS)

	tf, spl := c.dspCtx.Compute(x, y, appliedMS)

	st := c.delayCtrl.Status()
	// malgo does not surface the backend's live device latency, so LatencyMS
	// reports one block's worth of buffering delay rather than a measured
	// round-trip figure.
	f := frameOut{
		Type: "frame",
		TF: tfPayload{
			Freqs:       tf.Freqs,
			MagDB:       tf.MagDB,
			PhaseDeg:    tf.PhaseDeg,
			Coh:         tf.Coh,
			CohSmoothed: tf.CohSmoothed,
			IR:          tf.IR,
		},
		SPL:            splPayload{Leq: spl.Leq, LZ: spl.LZ},
		DelayMS:        rawMS,
		AppliedDelayMS: st.AppliedMS,
		DelayMode:      st.Mode.String(),
		LatencyMS:      1000 * float64(c.cfg.BlockSize) / float64(c.cfg.SampleRate),
		SampleRate:     c.cfg.SampleRate,
		Ts:             time.Now().UnixMilli(),
	}

	c.mu.Lock()
	c.latestFrame = &f
	c.mu.Unlock()
}

// emitLoop sends the most recently computed frame at spec.md §4.4's fixed
// UI rate (target_fps = 20), independent of how fast the analyzer itself
// runs. A hop that produced no new frame since the last tick is simply not
// sent twice.
func (c *captureRuntime) emitLoop(ctx context.Context, onFrame func(frameOut)) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var lastSent *frameOut
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			f := c.latestFrame
			c.mu.Unlock()
			if f == nil || f == lastSent {
				continue
			}
			lastSent = f
			onFrame(*f)
		}
	}
}

func (c *captureRuntime) updateGenerator(gc GeneratorConfig) error {
	if c.gen == nil {
		return fmt.Errorf("capture was not started with a generator")
	}
	t, err := parseGeneratorType(gc.Type)
	if err != nil {
		return err
	}
	if t != c.genType {
		return fmt.Errorf("changing generator family mid-capture is not supported")
	}
	c.gen.SetAmplitude(gc.Amplitude)
	c.gen.SetFrequency(gc.Frequency)
	return nil
}

func (c *captureRuntime) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
	c.eng.Stop()
}
