// Package pipeline assembles one streaming session: it probes for a
// capture backend and a paired encoder (spec §4.1/§4.5's "first whose
// init succeeds wins, paired by zero-copy surface" selection), then
// runs the capture→encode→send loop and the 2 Hz stats→quality loop
// as a cooperative task group over a shared cancellation context
// (spec §5). Generalized off the teacher's single hardcoded
// WebRTC+ffmpeg `startPipeline` onto the capture.Backend/encode.Encoder/
// transport.Transport interfaces.
package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"relaycast/internal/capture"
	"relaycast/internal/encode"
	"relaycast/internal/input"
	"relaycast/internal/metrics"
	"relaycast/internal/quality"
	"relaycast/internal/transport"
	"relaycast/internal/wire"
)

// statsInterval is the quality controller's feed rate (spec §4.4:
// "call at >=1 Hz"; the assembler wires it at the documented 2 Hz).
const statsInterval = 500 * time.Millisecond

// Config seeds backend selection and the quality controller's
// starting envelope. Fields not consumed directly by this package
// (Display, GPU index, render node) are passed through to the
// per-platform candidate lists in backends_<os>.go.
type Config struct {
	Display    string // capture target (X11 display, or "main" on macOS)
	GPU        int    // preferred GPU ordinal, when more than one is present
	RenderNode string // Linux VA-API render node override, e.g. "/dev/dri/renderD128"

	Codec   encode.Codec
	Width   int
	Height  int
	FPS     int
	Bitrate uint32

	Quality quality.Config

	// Input is nil for viewer-only sessions (no local injection).
	Input input.EventInjector
}

// Assembler owns one session's capture backend, encoder, quality
// controller, and input injector, and drives them against a Transport
// supplied to Run.
type Assembler struct {
	cfg Config

	cap  capture.Backend
	enc  encode.Encoder
	qc   *quality.Controller
	inj  input.EventInjector

	ticker *time.Ticker
}

// New probes for a capture backend and a paired encoder and
// constructs the quality controller. The returned Assembler owns both
// backends; call Close when the session ends.
func New(cfg Config) (*Assembler, error) {
	const op = "pipeline.New"

	capBackend, err := capture.Select(captureCandidates(cfg))
	if err != nil {
		return nil, errors.Wrap(err, op+": select capture backend")
	}

	w, h := capBackend.Resolution()
	if cfg.Width == 0 {
		cfg.Width = w
	}
	if cfg.Height == 0 {
		cfg.Height = h
	}

	encCfg := encode.LowLatencyDefaults(cfg.Codec, cfg.Width, cfg.Height, cfg.FPS, cfg.Bitrate)
	enc, err := selectEncoder(cfg, capBackend, encCfg)
	if err != nil {
		capBackend.Close()
		return nil, errors.Wrap(err, op+": select encoder")
	}

	log.Info().
		Str("capture_backend", capBackend.Name()).
		Str("encoder", enc.Name()).
		Bool("zero_copy", capBackend.IsZeroCopy()).
		Int("width", cfg.Width).Int("height", cfg.Height).
		Msg("pipeline backends selected")

	a := &Assembler{cfg: cfg, cap: capBackend, enc: enc, inj: cfg.Input}

	qcfg := cfg.Quality
	if qcfg.InitialBitrate == 0 {
		qcfg.InitialBitrate = cfg.Bitrate
	}
	if qcfg.InitialFPS == 0 {
		qcfg.InitialFPS = cfg.FPS
	}
	if qcfg.InitialWidth == 0 {
		qcfg.InitialWidth, qcfg.InitialHeight = cfg.Width, cfg.Height
	}
	qcfg.Codec = cfg.Codec
	a.qc = quality.New(qcfg, a.applySettings)

	return a, nil
}

// applySettings is the quality controller's OnChange callback: it
// reconfigures the encoder's bitrate in place and, on a resolution
// change, requests a hot capture resize plus a forced key frame so
// the decoder never sees a mid-stream size change on a delta frame.
func (a *Assembler) applySettings(s quality.Settings) {
	metrics.CurrentBitrateBPS.Set(float64(s.Bitrate))
	metrics.CurrentQP.Set(float64(s.QP))
	metrics.QualityStateTransitions.WithLabelValues(a.qc.State().String()).Inc()

	if err := a.enc.SetBitrate(s.Bitrate); err != nil {
		log.Warn().Err(err).Msg("pipeline: SetBitrate failed")
	}

	cur := a.enc.Config()
	if s.Width != cur.Width || s.Height != cur.Height {
		if err := a.cap.SetTargetResolution(s.Width, s.Height); err != nil {
			log.Warn().Err(err).Int("width", s.Width).Int("height", s.Height).Msg("pipeline: SetTargetResolution failed")
		} else {
			a.enc.ForceIDR()
		}
	}

	if s.FPS > 0 && a.ticker != nil {
		a.ticker.Reset(time.Second / time.Duration(s.FPS))
	}
}

// Run drives the capture→encode→send loop, the 2 Hz stats→quality
// loop, and (when cfg.Input is set) the input-replay loop as an
// errgroup, all observing ctx's cancellation. Run returns once every
// loop has exited — normally only on ctx cancellation or a fatal
// transport/capture error.
func (a *Assembler) Run(ctx context.Context, tr transport.Transport) error {
	fps := a.cfg.FPS
	if fps <= 0 {
		fps = encode.MinFPS
	}
	a.ticker = time.NewTicker(time.Second / time.Duration(fps))
	defer a.ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.captureEncodeSendLoop(gctx, tr) })
	g.Go(func() error { return a.statsQualityLoop(gctx, tr) })
	g.Go(func() error { return a.controlLoop(gctx, tr) })
	if a.inj != nil {
		g.Go(func() error { return a.inputLoop(gctx, tr) })
	}

	return g.Wait()
}

func (a *Assembler) captureEncodeSendLoop(ctx context.Context, tr transport.Transport) error {
	const op = "pipeline.captureEncodeSendLoop"
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.ticker.C:
		}

		ref, err := a.cap.CaptureOne()
		if err != nil {
			metrics.FramesCapturedDropped.WithLabelValues(a.cap.Name()).Inc()
			log.Warn().Err(err).Msg("pipeline: capture frame dropped")
			continue
		}
		metrics.FramesCaptured.WithLabelValues(a.cap.Name()).Inc()

		ef, err := a.enc.Encode(ref)
		ref.Release()
		if err != nil {
			metrics.FramesEncodeDropped.WithLabelValues(a.enc.Name()).Inc()
			log.Warn().Err(err).Msg("pipeline: encode frame dropped")
			continue
		}
		if ef == nil {
			// The native encoder produced no output for this frame;
			// nothing to send yet.
			continue
		}
		metrics.FramesEncoded.WithLabelValues(a.enc.Name(), strconv.FormatBool(ef.KeyFrame)).Inc()

		pkt := &wire.VideoPacket{
			Seq:       ef.Seq,
			Timestamp: ef.PTS,
			KeyFrame:  ef.KeyFrame,
			Width:     uint32(ef.Width),
			Height:    uint32(ef.Height),
			Codec:     ef.Codec.WireCodec(),
			Data:      ef.Data,
		}
		if err := tr.SendVideo(pkt); err != nil {
			return errors.Wrap(err, op+": send video")
		}
	}
}

func (a *Assembler) statsQualityLoop(ctx context.Context, tr transport.Transport) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		stats := tr.Stats()
		metrics.ObserveNetworkStats(stats)
		a.qc.Feed(stats)
	}
}

// controlLoop drains the transport's control channel. quictransport
// answers Pings and folds Pong round trips into its own stats tracker
// before RecvControl ever returns them, but it can only do that once
// something actually calls RecvControl — with no drain loop, Pongs sit
// unread on the stream and Stats().RTTMillis never leaves zero, so the
// quality controller would degrade on loss alone. A Disconnect packet
// ends the session cleanly instead of waiting for the transport to
// notice the peer is gone.
func (a *Assembler) controlLoop(ctx context.Context, tr transport.Transport) error {
	const op = "pipeline.controlLoop"
	for {
		pkt, err := tr.RecvControl(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, op+": receive control packet")
		}
		if pkt.Type == wire.ControlDisconnect {
			log.Info().Str("reason", pkt.Reason).Msg("pipeline: viewer disconnected")
			return nil
		}
	}
}

func (a *Assembler) inputLoop(ctx context.Context, tr transport.Transport) error {
	const op = "pipeline.inputLoop"
	for {
		framed, err := tr.RecvInputAck(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, op+": receive input event")
		}
		a.inj.Inject(framed.Event)
	}
}

// Close releases the capture backend, encoder, and input injector.
func (a *Assembler) Close() {
	if a.inj != nil {
		a.inj.Close()
	}
	if a.enc != nil {
		if err := a.enc.Close(); err != nil {
			log.Warn().Err(err).Msg("pipeline: encoder close failed")
		}
	}
	if a.cap != nil {
		if err := a.cap.Close(); err != nil {
			log.Warn().Err(err).Msg("pipeline: capture backend close failed")
		}
	}
}
