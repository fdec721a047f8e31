// Package engine implements the audio engine (spec.md C3): it opens a
// malgo input stream, or a synchronized full-duplex stream when a
// generator targets the output device, and feeds every consumed block
// through the C1 ring/pool. Generalizes the teacher's independent
// audio.Capturer/audio.Player device-lifecycle code (one malgo context,
// one device, one atomic running flag, one lock-free ring) into a single
// duplex device whose callback both writes generator output and captures
// input, per spec.md §4.3.
package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/soundlab/captureagent/internal/generator"
	"github.com/soundlab/captureagent/internal/logging"
	"github.com/soundlab/captureagent/internal/ring"
)

// Config is the subset of the capture configuration (spec.md §3) the
// engine needs to open a stream.
type Config struct {
	DeviceID    string
	SampleRate  int
	BlockSize   int
	Channels    int // input channel count requested from the device
	UseLoopback bool
	RefChan     int // 1-based; overwritten with the generator signal when UseLoopback
}

// Engine owns the malgo context/device and publishes consumed blocks into
// the shared ring, per spec.md §4.1/§4.3.
type Engine struct {
	cfg Config
	log *log.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	pool *ring.Pool
	rb   *ring.Ring
	gen  *generator.Generator

	// genScratch and outScratch are pre-sized once in Start and reused by
	// every callback invocation so the duplex write path never allocates,
	// per spec.md §4.3/§5.
	genScratch []float64
	outScratch []float32

	running atomic.Bool
	drops   atomic.Uint64
}

// New creates an Engine bound to the given pool/ring. gen may be nil when
// no generator is configured; UseLoopback then has no effect.
func New(cfg Config, pool *ring.Pool, rb *ring.Ring, gen *generator.Generator) *Engine {
	return &Engine{
		cfg:  cfg,
		log:  logging.For("engine"),
		pool: pool,
		rb:   rb,
		gen:  gen,
	}
}

// Drops reports how many input blocks were dropped because the pool was
// exhausted or the ring was full, per spec.md §7's "counters not errors".
func (e *Engine) Drops() uint64 { return e.drops.Load() }

// Start opens and starts the stream: full-duplex when a generator targets
// the output device, input-only otherwise.
func (e *Engine) Start() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("engine: init audio context: %w", err)
	}

	deviceType := malgo.Capture
	if e.gen != nil {
		deviceType = malgo.Duplex
	}

	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(e.cfg.Channels)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(e.cfg.Channels)
	deviceConfig.SampleRate = uint32(e.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(e.cfg.BlockSize)

	if e.cfg.DeviceID != "" {
		if id, ok := findDeviceID(ctx, malgo.Capture, e.cfg.DeviceID); ok {
			deviceConfig.Capture.DeviceID = id.Pointer()
		} else {
			e.log.Warn("requested device not found, using default", "device_id", e.cfg.DeviceID)
		}
		if deviceType == malgo.Duplex {
			if id, ok := findDeviceID(ctx, malgo.Playback, e.cfg.DeviceID); ok {
				deviceConfig.Playback.DeviceID = id.Pointer()
			}
		}
	}

	refChan := e.cfg.RefChan
	useLoopback := e.cfg.UseLoopback && e.gen != nil
	channels := e.cfg.Channels

	maxFrames := e.cfg.BlockSize * 2
	if maxFrames < 1 {
		maxFrames = 1
	}
	e.genScratch = make([]float64, maxFrames)
	e.outScratch = make([]float32, maxFrames*channels)

	onData := func(outBytes, inBytes []byte, framecount uint32) {
		if !e.running.Load() {
			return
		}

		n := int(framecount)
		var genSignal []float64
		if e.gen != nil {
			if n > len(e.genScratch) {
				n = len(e.genScratch)
			}
			genSignal = e.genScratch[:n]
			e.gen.GenerateInto(genSignal)
			if outBytes != nil {
				outDst := e.outScratch[:n*channels]
				e.gen.Route(genSignal, outDst, channels)
				writeF32LE(outBytes, outDst)
			}
		}

		blk := e.pool.Get(int(framecount), channels)
		if blk == nil {
			e.drops.Add(1)
			return
		}

		readF32LE(inBytes, blk.Samples[:int(framecount)*channels])

		if useLoopback && refChan >= 1 && refChan <= channels {
			for f := 0; f < int(framecount); f++ {
				var v float32
				if f < len(genSignal) {
					v = float32(genSignal[f])
				}
				blk.Samples[f*channels+(refChan-1)] = v
			}
		}

		if !e.rb.Push(blk) {
			e.drops.Add(1)
			e.pool.Put(blk)
		}
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("engine: init device: %w", err)
	}

	e.ctx = ctx
	e.device = device
	e.running.Store(true)

	if err := device.Start(); err != nil {
		e.running.Store(false)
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("engine: start device: %w", err)
	}

	e.log.Info("stream started", "duplex", e.gen != nil, "deviceID", e.cfg.DeviceID, "sampleRate", e.cfg.SampleRate, "blockSize", e.cfg.BlockSize)
	return nil
}

// Stop halts the device and releases the malgo context, per spec.md §5's
// "cleanup path must stop and close both streams".
func (e *Engine) Stop() {
	e.running.Store(false)
	if e.device != nil {
		e.device.Uninit()
		e.device = nil
	}
	if e.ctx != nil {
		e.ctx.Uninit()
		e.ctx.Free()
		e.ctx = nil
	}
	e.log.Info("stream stopped", "drops", e.drops.Load())
}

// findDeviceID looks up the raw malgo.DeviceID behind the stable string ID
// spec.md §3 exposes over the wire (device.List stringifies it the same
// way), grounded on the selectedDeviceID/.Pointer() pattern from the other
// malgo-based capture examples in the pack.
func findDeviceID(ctx *malgo.AllocatedContext, deviceType malgo.DeviceType, id string) (malgo.DeviceID, bool) {
	infos, err := ctx.Devices(deviceType)
	if err != nil {
		return malgo.DeviceID{}, false
	}
	for _, info := range infos {
		if fmt.Sprintf("%v", info.ID) == id {
			return info.ID, true
		}
	}
	return malgo.DeviceID{}, false
}

func readF32LE(data []byte, dst []float32) {
	n := len(data) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		dst[i] = math.Float32frombits(bits)
	}
}

func writeF32LE(dst []byte, src []float32) {
	n := len(dst) / 4
	if n > len(src) {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		bits := math.Float32bits(src[i])
		binary.LittleEndian.PutUint32(dst[i*4:], bits)
	}
}
