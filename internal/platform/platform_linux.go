//go:build linux

package platform

import (
	"fmt"
	"os"

	"relaycast/internal/xserver"

	"github.com/rs/zerolog/log"
)

// Init brings up whatever display this host needs before capture and
// input can attach to it. If cfg.Display is already set and StartX
// wasn't requested, an existing X server (or Wayland compositor with
// an XWayland bridge) is assumed to be running already — this
// package never provisions a desktop environment, only a capturable
// display (spec §1 treats the desktop session as an external
// collaborator).
func Init(cfg *Config) (func(), error) {
	if !cfg.StartX && cfg.Display != "" {
		return func() {}, nil
	}

	if cfg.Display == "" {
		cfg.Display = os.Getenv("DISPLAY")
	}
	if cfg.Display != "" && !cfg.StartX {
		return func() {}, nil
	}

	xs, err := xserver.StartXServer(cfg.Resolution, cfg.GPU)
	if err != nil {
		return nil, fmt.Errorf("failed to start X server: %w", err)
	}
	cfg.Display = xs.Display
	os.Setenv("DISPLAY", cfg.Display)
	os.Setenv("XAUTHORITY", xs.Xauthority)
	log.Info().Str("display", cfg.Display).Msg("platform: headless X server ready, waiting for a desktop session to attach")

	return func() { xs.Stop() }, nil
}
