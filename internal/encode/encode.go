// Package encode defines Encoder, the polymorphic low-latency video
// encoder contract every hardware/software backend implements, plus
// the shared EncoderConfig/EncodedFrame types and the seq/key-frame
// bookkeeping every backend reuses (spec §4.2).
package encode

import (
	"sync"
	"sync/atomic"
	"time"

	"relaycast/internal/corerr"
	"relaycast/internal/frame"
	"relaycast/internal/wire"
)

// Codec identifies the compression format an Encoder produces.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// WireCodec maps an encode.Codec to its wire.Codec byte. AV1 and HEVC
// share the same mapping as their wire.Codec counterparts; VP9 has no
// encode.Codec equivalent (spec §3's EncoderConfig codec set has no
// VP9 member) and is never produced by this package.
func (c Codec) WireCodec() wire.Codec {
	switch c {
	case CodecH264:
		return wire.CodecH264
	case CodecHEVC:
		return wire.CodecH265
	case CodecAV1:
		return wire.CodecAV1
	default:
		return wire.CodecH264
	}
}

// RateControl selects the encoder's bitrate strategy.
type RateControl int

const (
	RateControlCBR RateControl = iota
	RateControlVBR
	RateControlCQP
)

// Preset trades encode speed for compression efficiency. P1 is
// fastest (lowest latency), P7 slowest (best quality per bit).
type Preset int

const (
	PresetP1 Preset = iota + 1
	PresetP2
	PresetP3
	PresetP4
	PresetP5
	PresetP6
	PresetP7
)

// Tuning selects the encoder's overall objective.
type Tuning int

const (
	TuningLowLatency Tuning = iota
	TuningQuality
	TuningBalanced
)

// Numeric envelopes from spec §4.2.
const (
	MinFPS = 15
	MaxFPS = 144

	MinQP = 10
	MaxQP = 51

	DefaultMinBitrateBPS = 2_000_000
	DefaultMaxBitrateBPS = 100_000_000
)

// Config is the encoder's tunable, re-appliable configuration
// (spec §3's EncoderConfig). Init is called exactly once with a
// Config; every later change goes through an Encoder's setters
// (SetBitrate and friends), never a second Init.
type Config struct {
	Codec           Codec
	Width, Height   int
	FPS             int
	TargetBitrate   uint32
	MinBitrate      uint32 // clamp floor; defaults to DefaultMinBitrateBPS if zero
	MaxBitrate      uint32 // clamp ceiling; defaults to DefaultMaxBitrateBPS if zero
	GOPLength       int    // 0 = low-latency default: a key frame every FPS*1000 frames (see keyintOf) plus forced IDRs
	BFrames         int    // zeroed by Clamp unless Tuning == TuningQuality; no backend here configures B-frames, whatever the tuning
	RateControl     RateControl
	Preset          Preset
	Tuning          Tuning
}

// LowLatencyDefaults returns the default low-latency tuning profile
// from spec §4.2 item 2: GOPLength 0 (see keyintOf), zero B-frames, effectively one
// reference frame and no lookahead (both encoded into how each
// backend configures its native encoder, not represented here as
// separate fields since they are not independently observable from
// outside the encoder).
func LowLatencyDefaults(codec Codec, width, height, fps int, bitrate uint32) Config {
	return Config{
		Codec:         codec,
		Width:         width,
		Height:        height,
		FPS:           fps,
		TargetBitrate: bitrate,
		MinBitrate:    DefaultMinBitrateBPS,
		MaxBitrate:    DefaultMaxBitrateBPS,
		GOPLength:     0,
		BFrames:       0,
		RateControl:   RateControlCBR,
		Preset:        PresetP1,
		Tuning:        TuningLowLatency,
	}
}

// Clamp enforces spec §4.2's numeric envelopes in place.
func (c *Config) Clamp() {
	if c.MinBitrate == 0 {
		c.MinBitrate = DefaultMinBitrateBPS
	}
	if c.MaxBitrate == 0 {
		c.MaxBitrate = DefaultMaxBitrateBPS
	}
	if c.TargetBitrate < c.MinBitrate {
		c.TargetBitrate = c.MinBitrate
	}
	if c.TargetBitrate > c.MaxBitrate {
		c.TargetBitrate = c.MaxBitrate
	}
	if c.FPS < MinFPS {
		c.FPS = MinFPS
	}
	if c.FPS > MaxFPS {
		c.FPS = MaxFPS
	}
	if c.Tuning != TuningQuality && c.BFrames != 0 {
		c.BFrames = 0
	}
}

// EncodedFrame is the reference-counted compressed payload an Encoder
// emits (spec §3). Data is treated as immutable once returned.
type EncodedFrame struct {
	Seq       uint32
	PTS       uint64 // microseconds, producer (capture) clock
	DTS       uint64
	Codec     Codec
	KeyFrame  bool
	Width     int
	Height    int
	Data      []byte
}

// Encoder is the capability set every backend implements: init,
// encode, flush, set_bitrate, name, config (spec §4.2).
type Encoder interface {
	// Init applies cfg exactly once. A second call returns
	// InvalidConfig (spec §4.2 item 1).
	Init(cfg Config) error

	// Encode maps ref's surface kind to the encoder's native input
	// (GPU pointer / DMA-BUF / host buffer) and emits exactly one
	// EncodedFrame per call in low-latency mode.
	Encode(ref *frame.Ref) (*EncodedFrame, error)

	// Flush returns any frames the encoder is still holding, in output
	// order. Every backend in this package configures zero B-frames
	// and returns an empty slice; none drains its native encoder here.
	Flush() ([]*EncodedFrame, error)

	// SetBitrate atomically reconfigures the rate controller in
	// place; no frame is dropped across the call (spec §4.2 item 5).
	SetBitrate(bps uint32) error

	// ForceIDR requests that the next emitted frame be a key frame.
	ForceIDR()

	Name() string
	Config() Config

	Close() error
}

// Sequencer is held by every backend to provide the shared
// seq/key-frame bookkeeping spec §3's EncodedFrame invariant
// requires: seq strictly increases, the first frame is a key frame,
// and the frame immediately following a ForceIDR request is a key
// frame.
type Sequencer struct {
	seq       uint32
	first     atomic.Bool
	firstDone atomic.Bool
	forceIDR  atomic.Bool
}

// NewSequencer returns a Sequencer ready for a session's first frame.
func NewSequencer() *Sequencer { return &Sequencer{} }

// Next returns the seq for the next frame and whether it must be a
// key frame (either because it is the session's first frame or
// because ForceIDR was requested since the last call).
func (s *Sequencer) Next() (seq uint32, mustBeKey bool) {
	seq = s.seq
	s.seq++
	mustBeKey = !s.firstDone.Swap(true) || s.forceIDR.Swap(false)
	return seq, mustBeKey
}

func (s *Sequencer) RequestIDR() { s.forceIDR.Store(true) }

// ConfigGuard enforces the "Init exactly once" contract shared by
// every backend.
type ConfigGuard struct {
	mu          sync.Mutex
	initialized bool
	cfg         Config
}

func (g *ConfigGuard) SetOnce(op string, cfg Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initialized {
		return corerr.New(corerr.InvalidConfig, op, "Init called more than once")
	}
	cfg.Clamp()
	g.cfg = cfg
	g.initialized = true
	return nil
}

func (g *ConfigGuard) Get() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

func (g *ConfigGuard) SetBitrate(bps uint32) Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bps < g.cfg.MinBitrate {
		bps = g.cfg.MinBitrate
	}
	if bps > g.cfg.MaxBitrate {
		bps = g.cfg.MaxBitrate
	}
	g.cfg.TargetBitrate = bps
	return g.cfg
}

func (g *ConfigGuard) Initialized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initialized
}

// CaptureTimestampMicros converts a monotonic capture instant to the
// microsecond producer-clock value EncodedFrame.PTS carries.
func CaptureTimestampMicros(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}
