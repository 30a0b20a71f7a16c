//go:build darwin

package pipeline

import (
	"relaycast/internal/capture"
	"relaycast/internal/encode"
)

// captureCandidates on macOS has a single entry: ScreenCaptureKit
// against the host display (spec §4.1's third variant — no GPU-native
// or kernel-mode-set surface exists on this platform).
func captureCandidates(cfg Config) []capture.Candidate {
	return []capture.Candidate{
		{Name: "screencapturekit", New: func() (capture.Backend, error) {
			return capture.NewScreenCaptureKitBackend(cfg.FPS)
		}},
	}
}

// selectEncoder always pairs the host-buffer capture backend with
// VideoToolbox (falling back to libx264/libx265 internally when
// hardware encode is unavailable, e.g. under a VM).
func selectEncoder(cfg Config, cap capture.Backend, encCfg encode.Config) (encode.Encoder, error) {
	enc := encode.NewVTBEncoder()
	if err := enc.Init(encCfg); err != nil {
		return nil, err
	}
	return enc, nil
}
