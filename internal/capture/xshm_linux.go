//go:build linux

package capture

/*
#cgo pkg-config: x11 xext xfixes
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

// ---------------------------------------------------------------------------
// XShm capturer (generic window-server fallback, spec §4.1 third variant)
// ---------------------------------------------------------------------------

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int width;
	int height;
} XShmCapturer;

static XShmCapturer* xshm_init(const char *display_name) {
	XShmCapturer *c = (XShmCapturer*)calloc(1, sizeof(XShmCapturer));
	if (!c) return NULL;

	c->display = XOpenDisplay(display_name);
	if (!c->display) { free(c); return NULL; }

	int screen = DefaultScreen(c->display);
	c->root = RootWindow(c->display, screen);
	c->width = DisplayWidth(c->display, screen);
	c->height = DisplayHeight(c->display, screen);

	c->image = XShmCreateImage(c->display,
		DefaultVisual(c->display, screen),
		DefaultDepth(c->display, screen),
		ZPixmap, NULL, &c->shminfo,
		c->width, c->height);
	if (!c->image) {
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmid = shmget(IPC_PRIVATE,
		c->image->bytes_per_line * c->image->height,
		IPC_CREAT | 0600);
	if (c->shminfo.shmid < 0) {
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmaddr = c->image->data = (char*)shmat(c->shminfo.shmid, NULL, 0);
	c->shminfo.readOnly = False;

	if (!XShmAttach(c->display, &c->shminfo)) {
		shmdt(c->shminfo.shmaddr);
		shmctl(c->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	// Mark for removal so it's cleaned up when we detach
	shmctl(c->shminfo.shmid, IPC_RMID, NULL);

	return c;
}

static int xshm_grab(XShmCapturer *c) {
	if (!XShmGetImage(c->display, c->root, c->image, 0, 0, AllPlanes)) {
		return -1;
	}
	XSync(c->display, False);
	return 0;
}

static void xshm_composite_cursor(XShmCapturer *c) {
	XFixesCursorImage *cursor = XFixesGetCursorImage(c->display);
	if (!cursor) return;

	int cx = cursor->x - cursor->xhot;
	int cy = cursor->y - cursor->yhot;

	for (int y = 0; y < (int)cursor->height; y++) {
		int dy = cy + y;
		if (dy < 0 || dy >= c->height) continue;
		for (int x = 0; x < (int)cursor->width; x++) {
			int dx = cx + x;
			if (dx < 0 || dx >= c->width) continue;

			unsigned long pixel = cursor->pixels[y * cursor->width + x];
			unsigned char a = (pixel >> 24) & 0xFF;
			if (a == 0) continue;

			unsigned char cr = (pixel >> 0) & 0xFF;
			unsigned char cg = (pixel >> 8) & 0xFF;
			unsigned char cb = (pixel >> 16) & 0xFF;

			int offset = dy * c->image->bytes_per_line + dx * 4;
			unsigned char *dst = (unsigned char*)c->image->data + offset;

			if (a == 255) {
				dst[0] = cb;
				dst[1] = cg;
				dst[2] = cr;
			} else {
				dst[0] = (cb * a + dst[0] * (255 - a)) / 255;
				dst[1] = (cg * a + dst[1] * (255 - a)) / 255;
				dst[2] = (cr * a + dst[2] * (255 - a)) / 255;
			}
		}
	}
	XFree(cursor);
}

static void xshm_destroy(XShmCapturer *c) {
	if (!c) return;
	XShmDetach(c->display, &c->shminfo);
	shmdt(c->shminfo.shmaddr);
	XDestroyImage(c->image);
	XCloseDisplay(c->display);
	free(c);
}
*/
import "C"
import (
	"sync"
	"unsafe"

	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// xshmBackend captures the root window via X11 shared memory. It
// never achieves zero-copy: every CaptureOne copies the SHM segment
// into a fresh owned host buffer, per Open Question decision #6 in
// DESIGN.md — the teacher's internal pointer-into-SHM shortcut stays
// inside the backend, but callers never see SHM-backed aliasing they
// didn't ask for.
type xshmBackend struct {
	mu      sync.Mutex
	display string
	c       *C.XShmCapturer
}

// NewXShmBackend constructs the generic window-server fallback.
func NewXShmBackend(display string) (Backend, error) {
	b := &xshmBackend{display: display}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *xshmBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.c != nil {
		return nil
	}

	var cDisplay *C.char
	if b.display != "" {
		cDisplay = C.CString(b.display)
		defer C.free(unsafe.Pointer(cDisplay))
	}

	c := C.xshm_init(cDisplay)
	if c == nil {
		return corerr.New(corerr.InitFailed, "capture.xshm.Init", "XOpenDisplay/XShmCreateImage failed")
	}
	b.c = c
	return nil
}

func (b *xshmBackend) CaptureOne() (*frame.Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "capture.xshm.CaptureOne"
	if b.c == nil {
		return nil, corerr.New(corerr.InvalidCall, op, "CaptureOne before Init")
	}

	if C.xshm_grab(b.c) != 0 {
		return nil, corerr.New(corerr.CaptureFailed, op, "XShmGetImage failed")
	}
	C.xshm_composite_cursor(b.c)

	width := int(b.c.width)
	height := int(b.c.height)
	stride := int(b.c.image.bytes_per_line)
	size := stride * height

	owned := make([]byte, size)
	copy(owned, unsafe.Slice((*byte)(unsafe.Pointer(b.c.image.data)), size))

	return frame.FromHost(width, height, owned), nil
}

// SetTargetResolution is a no-op: the fallback's surface is the X
// server's current root window, which only xrandr (out of scope for
// the capture backend) can resize.
func (b *xshmBackend) SetTargetResolution(width, height int) error { return nil }

func (b *xshmBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.c == nil {
		return nil
	}
	C.xshm_destroy(b.c)
	b.c = nil
	return nil
}

func (b *xshmBackend) IsZeroCopy() bool { return false }
func (b *xshmBackend) Name() string     { return "xshm" }
func (b *xshmBackend) Format() PixelFormat { return FormatBGRA }

func (b *xshmBackend) Resolution() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.c == nil {
		return 0, 0
	}
	return int(b.c.width), int(b.c.height)
}
