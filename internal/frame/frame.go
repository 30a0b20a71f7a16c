// Package frame defines Ref, the capture pipeline's move-only handle
// to a single video frame. A Ref is exactly one of a GPU pointer, a
// DMA-BUF file descriptor, or a host buffer — never more than one —
// and owns exactly one release path.
package frame

import (
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"relaycast/internal/corerr"
)

// Kind discriminates the union held by a Ref.
type Kind int

const (
	KindGPU Kind = iota
	KindDMABUF
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindGPU:
		return "gpu"
	case KindDMABUF:
		return "dmabuf"
	case KindHost:
		return "host"
	default:
		return "unknown"
	}
}

// GPUPointer describes a frame resident in device memory, referenced
// by an opaque backend-specific pointer and its row pitch in bytes.
type GPUPointer struct {
	Ptr   unsafe.Pointer
	Pitch int
}

// Ref is a tagged-union, single-owner reference to one captured frame.
// The zero value is not valid; build one with FromGPU, FromDMABUF, or
// FromHost. Release must be called exactly once.
type Ref struct {
	kind   Kind
	width  int
	height int

	gpu    GPUPointer
	fd     int
	host   []byte
	zeroCp bool

	capturedAt time.Time

	released atomic.Bool
	release  func()
}

// FromGPU builds a Ref over device memory. release is invoked exactly
// once from Release and should unmap/unregister the backend handle.
func FromGPU(width, height int, ptr GPUPointer, release func()) *Ref {
	return &Ref{kind: KindGPU, width: width, height: height, gpu: ptr, zeroCp: true, release: release, capturedAt: time.Now()}
}

// FromDMABUF builds a Ref over a DMA-BUF file descriptor. The Ref owns
// fd and closes it on Release.
func FromDMABUF(width, height, fd int) *Ref {
	return &Ref{
		kind: KindDMABUF, width: width, height: height, fd: fd, zeroCp: true,
		release:    func() { _ = os.NewFile(uintptr(fd), "dmabuf").Close() },
		capturedAt: time.Now(),
	}
}

// FromHost builds a Ref over an owned host-memory copy. Host-backed
// frames are never zero-copy: the caller already paid for the copy by
// constructing one.
func FromHost(width, height int, data []byte) *Ref {
	return &Ref{kind: KindHost, width: width, height: height, host: data, zeroCp: false, capturedAt: time.Now()}
}

func (r *Ref) Kind() Kind       { return r.kind }
func (r *Ref) Width() int       { return r.width }
func (r *Ref) Height() int     { return r.height }
func (r *Ref) IsZeroCopy() bool { return r.zeroCp }

// CapturedAt is the monotonic-ish capture instant recorded when the
// Ref was constructed; the encoder copies it into EncodedFrame.PTS.
func (r *Ref) CapturedAt() time.Time { return r.capturedAt }

// GPU returns the GPU pointer payload. Valid only when Kind() == KindGPU.
func (r *Ref) GPU() (GPUPointer, error) {
	if r.kind != KindGPU {
		return GPUPointer{}, corerr.New(corerr.InvalidCall, "frame.Ref.GPU", "not a GPU-backed frame")
	}
	return r.gpu, nil
}

// DMABUF returns the owned fd. Valid only when Kind() == KindDMABUF.
func (r *Ref) DMABUF() (int, error) {
	if r.kind != KindDMABUF {
		return -1, corerr.New(corerr.InvalidCall, "frame.Ref.DMABUF", "not a dmabuf-backed frame")
	}
	return r.fd, nil
}

// Host returns the owned buffer. Valid only when Kind() == KindHost.
func (r *Ref) Host() ([]byte, error) {
	if r.kind != KindHost {
		return nil, corerr.New(corerr.InvalidCall, "frame.Ref.Host", "not a host-backed frame")
	}
	return r.host, nil
}

// Release drops the frame's backing resource. Safe to call more than
// once; only the first call does anything.
func (r *Ref) Release() {
	if r.released.Swap(true) {
		return
	}
	if r.release != nil {
		r.release()
	}
}
