package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relaycast/internal/config"
	"relaycast/internal/pipeline"
	"relaycast/internal/quality"
	"relaycast/internal/transport"
	"relaycast/internal/transport/quictransport"
	"relaycast/internal/transport/tcptunneltransport"
	"relaycast/internal/transport/webrtctransport"
)

// runServe wires together config, transport, pipeline, and (when
// enabled) the metrics HTTP surface, then blocks until SIGINT/SIGTERM,
// draining the session within transport.DrainBudget before returning
// (spec §5's shutdown sequence).
func runServe() error {
	const op = "main.runServe"

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return errors.Wrap(err, op+": load config")
	}
	initLogging(cfg)

	tr, err := newTransport(cfg)
	if err != nil {
		return errors.Wrap(err, op+": select transport")
	}

	inj, err := newInputInjector(cfg)
	if err != nil {
		return errors.Wrap(err, op+": open input injector")
	}

	asm, err := pipeline.New(pipeline.Config{
		Display:    cfg.Display,
		GPU:        cfg.GPU,
		RenderNode: cfg.RenderNode,
		Codec:      cfg.EncodeCodec(),
		Width:      cfg.Width,
		Height:     cfg.Height,
		FPS:        cfg.FPS,
		Bitrate:    cfg.VideoBitrate,
		Quality: quality.Config{
			InitialBitrate: cfg.VideoBitrate,
			MinBitrate:     cfg.MinBitrate,
			MaxBitrate:     cfg.MaxBitrate,
			InitialFPS:     cfg.FPS,
			InitialWidth:   cfg.Width,
			InitialHeight:  cfg.Height,
		},
		Input: inj,
	})
	if err != nil {
		return errors.Wrap(err, op+": assemble pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		metricsSrv = newMetricsServer(cfg)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
	}

	if err := tr.Connect(ctx, cfg.TransportConfig()); err != nil {
		return errors.Wrap(err, op+": connect transport")
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- asm.Run(ctx, tr) }()

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received, draining session")
	case err := <-runErrCh:
		if err != nil {
			log.Error().Err(err).Msg("pipeline run exited with error")
		}
	}

	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), transport.DrainBudget)
	defer drainCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(drainCtx)
	}
	if err := tr.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("transport disconnect failed")
	}
	asm.Close()

	return nil
}

func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch transport.Mode(cfg.Mode) {
	case transport.ModeBrowserSecure:
		return webrtctransport.New(), nil
	case transport.ModeTCPTunnel:
		return tcptunneltransport.New(), nil
	default:
		return quictransport.New(), nil
	}
}

// newMetricsServer exposes /metrics and /healthz behind an
// IP-keyed sliding-window rate limit, following the teacher pack's
// httprate-based RateLimit middleware (ManuGH-xg2g's ratelimit.go).
func newMetricsServer(cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(httprate.Limit(
		cfg.RateLimitPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: cfg.MetricsAddr, Handler: r}
}

// initLogging configures the global zerolog logger per cfg.LogFormat
// and cfg.LogLevel, following ManuGH-xg2g's log.Configure pattern
// (parsed level, RFC3339 timestamps, console vs. JSON writer).
func initLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var w = os.Stderr
	if cfg.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}
