// Package capture defines Backend, the polymorphic interface every
// zero-copy (or best-effort zero-copy) screen capture variant
// implements, and the shared construction/selection helpers the
// pipeline assembler uses to pick one.
package capture

import (
	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// PixelFormat identifies the pixel layout a Backend's frames carry.
// Spec §3 enumerates BGRA/RGBA/NV12/YUV420/P010; capture backends only
// ever produce the subset their hardware surface natively exposes.
type PixelFormat int

const (
	FormatBGRA PixelFormat = iota
	FormatRGBA
	FormatNV12
	FormatYUV420
	FormatP010
)

func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA:
		return "bgra"
	case FormatRGBA:
		return "rgba"
	case FormatNV12:
		return "nv12"
	case FormatYUV420:
		return "yuv420"
	case FormatP010:
		return "p010"
	default:
		return "unknown"
	}
}

// Backend is the capability set every capture variant implements:
// init, capture_one, set_target_resolution, cleanup (folded into
// Close, per REDESIGN FLAGS — no separate cleanup entry point),
// is_zero_copy, name, resolution.
type Backend interface {
	// Init opens the underlying hardware surface. Idempotent: a
	// second call on an already-initialized backend is a no-op that
	// returns nil.
	Init() error

	// CaptureOne produces exactly one FrameRef, or an error. Calling
	// CaptureOne before a successful Init returns InvalidCall.
	// Errors from CaptureOne never advance any downstream sequence
	// number.
	CaptureOne() (*frame.Ref, error)

	// SetTargetResolution requests a hot resolution change. The next
	// CaptureOne after this call observes the new mode.
	SetTargetResolution(width, height int) error

	// Close releases the backend's hardware surface. Safe to call
	// more than once.
	Close() error

	// IsZeroCopy reports whether CaptureOne avoids a host-memory copy.
	IsZeroCopy() bool

	// Name identifies the backend for logs and the pipeline's pairing
	// decision ("nvfbc", "kms", "xshm", "screencapturekit").
	Name() string

	// Resolution returns the backend's current width/height.
	Resolution() (width, height int)

	// Format reports the pixel format CaptureOne's frames carry.
	Format() PixelFormat
}

// Candidate pairs a constructor with the name reported on success, so
// the assembler's probe loop (spec §4.5, "first whose init succeeds
// wins") can iterate over platform-specific backend lists without
// build-tag branching at the call site.
type Candidate struct {
	Name string
	New  func() (Backend, error)
}

// Select runs each candidate's constructor in order and returns the
// first one that succeeds. A candidate's own InitFailed/
// ResourceUnavailable is non-fatal and just advances to the next
// candidate, matching spec §4.1's selection-order contract.
func Select(candidates []Candidate) (Backend, error) {
	var lastErr error
	for _, c := range candidates {
		b, err := c.New()
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = corerr.New(corerr.ResourceUnavailable, "capture.Select", "no capture backend available")
	}
	return nil, lastErr
}
