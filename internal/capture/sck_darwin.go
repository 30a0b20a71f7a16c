//go:build darwin

package capture

/*
#cgo CFLAGS: -mmacosx-version-min=14.0
#cgo LDFLAGS: -framework ScreenCaptureKit -framework CoreMedia -framework CoreVideo -framework Cocoa

#include <stdint.h>

typedef struct {
	void *stream;
	void *delegate;
	void *filter;
	int width;
	int height;
} SCKCaptureHandle;

int  sck_capture_start_display(int fps, SCKCaptureHandle *out);
int  sck_capture_grab(SCKCaptureHandle *h, uint8_t **buf, int *stride, int *w, int *h_out);
void sck_capture_stop(SCKCaptureHandle *h);
*/
import "C"
import (
	"sync"
	"unsafe"

	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// sckBackend is the macOS generic window-server fallback: it copies
// each ScreenCaptureKit-delivered frame into a host buffer, so it is
// never zero-copy (spec §4.1's third variant).
type sckBackend struct {
	mu     sync.Mutex
	handle C.SCKCaptureHandle
	fps    int
	ready  bool
}

// NewScreenCaptureKitBackend constructs the Darwin fallback backend.
func NewScreenCaptureKitBackend(fps int) (Backend, error) {
	b := &sckBackend{fps: fps}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *sckBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	if ret := C.sck_capture_start_display(C.int(b.fps), &b.handle); ret != 0 {
		return corerr.New(corerr.InitFailed, "capture.sck.Init", "ScreenCaptureKit display capture failed")
	}
	b.ready = true
	return nil
}

func (b *sckBackend) CaptureOne() (*frame.Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "capture.sck.CaptureOne"
	if !b.ready {
		return nil, corerr.New(corerr.InvalidCall, op, "CaptureOne before Init")
	}

	var buf *C.uint8_t
	var stride, w, h C.int
	if ret := C.sck_capture_grab(&b.handle, &buf, &stride, &w, &h); ret != 0 {
		return nil, corerr.New(corerr.CaptureFailed, op, "no frame available")
	}

	size := int(stride) * int(h)
	owned := make([]byte, size)
	copy(owned, unsafe.Slice((*byte)(unsafe.Pointer(buf)), size))

	return frame.FromHost(int(w), int(h), owned), nil
}

func (b *sckBackend) SetTargetResolution(width, height int) error { return nil }

func (b *sckBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil
	}
	C.sck_capture_stop(&b.handle)
	b.ready = false
	return nil
}

func (b *sckBackend) IsZeroCopy() bool    { return false }
func (b *sckBackend) Name() string        { return "screencapturekit" }
func (b *sckBackend) Format() PixelFormat { return FormatBGRA }

func (b *sckBackend) Resolution() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.handle.width), int(b.handle.height)
}
