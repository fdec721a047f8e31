// Package session implements the session controller (spec.md C7): message
// parsing, the Idle/Configured/Capturing capture lifecycle, and UI-rate
// frame emission. Message shapes below are spec.md §6's tagged variant
// sets, modeled the way spec.md §9 asks ("Dynamic message dispatch by
// string tag... model as tagged variants; parsing is a single discriminated
// decode") rather than the prototype's ad-hoc `if msg["type"] == ...` chain
// in server.py.
package session

// GeneratorConfig is the generator sub-object carried by `start` and
// `update_generator`, mirroring the prototype's signal_generator config
// dict (capture_agent/signal_generator.py).
type GeneratorConfig struct {
	Type          string  `json:"type"`
	Amplitude     float64 `json:"amplitude"`
	Frequency     float64 `json:"frequency,omitempty"`
	StartFreq     float64 `json:"start_freq,omitempty"`
	EndFreq       float64 `json:"end_freq,omitempty"`
	SweepDuration float64 `json:"sweep_duration,omitempty"`
	Channels      []int   `json:"channels,omitempty"`
}

// envelope is peeked first to discover which concrete type to decode the
// raw message into.
type envelope struct {
	Type string `json:"type"`
}

type helloIn struct {
	Client string `json:"client"`
	Nonce  string `json:"nonce"`
}

type startIn struct {
	DeviceID    string           `json:"device_id"`
	SampleRate  int              `json:"sample_rate"`
	BlockSize   int              `json:"block_size"`
	RefChan     int              `json:"ref_chan"`
	MeasChan    int              `json:"meas_chan"`
	NFFT        int              `json:"nfft"`
	Window      string           `json:"window"`
	MaxDelayMS  float64          `json:"max_delay_ms"`
	UseLoopback bool             `json:"use_loopback"`
	Generator   *GeneratorConfig `json:"generator"`
}

type delayFreezeIn struct {
	Enable    bool     `json:"enable"`
	AppliedMS *float64 `json:"applied_ms"`
}

type setManualDelayIn struct {
	DelayMS *float64 `json:"delay_ms"`
}

type updateGeneratorIn struct {
	Config GeneratorConfig `json:"config"`
}

type calibrateIn struct {
	SplRefDB float64 `json:"spl_ref_db"`
	RmsDbfs  float64 `json:"rms_dbfs"`
}

type helloAckOut struct {
	Type          string `json:"type"`
	Agent         string `json:"agent"`
	Version       string `json:"version"`
	OriginAllowed bool   `json:"originAllowed"`
}

type versionOut struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Build   string `json:"build,omitempty"`
}

type devicesOut struct {
	Type  string       `json:"type"`
	Items []deviceItem `json:"items"`
}

// deviceItem mirrors device.Descriptor with JSON field names matching
// spec.md §3's device descriptor, decoupling the wire shape from the
// device package's Go-idiomatic exported names.
type deviceItem struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	InputChannels  int    `json:"input_channels"`
	OutputChannels int    `json:"output_channels"`
}

type tfPayload struct {
	Freqs       []float64 `json:"freqs"`
	MagDB       []float64 `json:"mag_db"`
	PhaseDeg    []float64 `json:"phase_deg"`
	Coh         []float64 `json:"coh"`
	CohSmoothed []float64 `json:"coh_smoothed,omitempty"`
	IR          []float64 `json:"ir"`
}

type splPayload struct {
	Leq float64 `json:"Leq"`
	LZ  float64 `json:"LZ"`
}

type frameOut struct {
	Type           string     `json:"type"`
	TF             tfPayload  `json:"tf"`
	SPL            splPayload `json:"spl"`
	DelayMS        float64    `json:"delay_ms"`
	AppliedDelayMS float64    `json:"applied_delay_ms"`
	DelayMode      string     `json:"delay_mode"`
	LatencyMS      float64    `json:"latency_ms"`
	SampleRate     int        `json:"sampleRate"`
	Ts             int64      `json:"ts"`
}

type delayStatusOut struct {
	Type      string   `json:"type"`
	Mode      string   `json:"mode"`
	AppliedMS float64  `json:"applied_ms"`
	RawMS     *float64 `json:"raw_ms,omitempty"`
}

type stoppedOut struct {
	Type string `json:"type"`
}

type errorOut struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type calibrationDoneOut struct {
	Type   string  `json:"type"`
	Slope  float64 `json:"slope"`
	Offset float64 `json:"offset"`
}
