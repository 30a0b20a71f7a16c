//go:build linux

package pipeline

import (
	"unsafe"

	"github.com/rs/zerolog/log"

	"relaycast/internal/capture"
	"relaycast/internal/encode"
)

// captureCandidates orders the Linux capture backends by preference
// (spec §4.1: GPU-native, then kernel-mode-set, then the generic
// window-server fallback; "first whose init succeeds wins").
func captureCandidates(cfg Config) []capture.Candidate {
	return []capture.Candidate{
		{Name: "nvfbc", New: func() (capture.Backend, error) {
			return capture.NewNVFBCBackend(cfg.Display, cfg.FPS, "")
		}},
		{Name: "kms", New: func() (capture.Backend, error) {
			return capture.NewKMSBackend("")
		}},
		{Name: "xshm", New: func() (capture.Backend, error) {
			return capture.NewXShmBackend(cfg.Display)
		}},
	}
}

// selectEncoder pairs cap's zero-copy surface with the matching
// vendor encoder (spec §4.5): NVENC for a GPU pointer, VA-API for a
// DMA-BUF import. Any hardware encoder's Init failure falls through
// to AMF (host buffer, AMD) and finally the software encoder, the
// universal last resort for whatever pixel format the capture
// backend's host buffer carries.
func selectEncoder(cfg Config, cap capture.Backend, encCfg encode.Config) (encode.Encoder, error) {
	switch cap.Name() {
	case "nvfbc":
		var cudaCtx, cuMemcpy2D unsafe.Pointer
		if cs, ok := cap.(interface {
			CUDAContext() unsafe.Pointer
			CuMemcpy2D() unsafe.Pointer
		}); ok {
			cudaCtx, cuMemcpy2D = cs.CUDAContext(), cs.CuMemcpy2D()
		}
		enc := encode.NewNVENCEncoder(cfg.GPU, cudaCtx, cuMemcpy2D)
		if err := enc.Init(encCfg); err == nil {
			return enc, nil
		}
		log.Warn().Str("backend", cap.Name()).Msg("pipeline: nvenc init failed, falling back")

	case "kms":
		node := cfg.RenderNode
		if node == "" {
			node = "/dev/dri/renderD128"
		}
		enc := encode.NewVAAPIEncoder(node)
		if err := enc.Init(encCfg); err == nil {
			return enc, nil
		}
		log.Warn().Str("backend", cap.Name()).Msg("pipeline: vaapi init failed, falling back")
	}

	amf := encode.NewAMFEncoder()
	if err := amf.Init(encCfg); err == nil {
		return amf, nil
	}

	sw := encode.NewSoftwareEncoder(cap.Format())
	if err := sw.Init(encCfg); err != nil {
		return nil, err
	}
	return sw, nil
}
