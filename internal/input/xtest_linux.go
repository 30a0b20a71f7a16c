//go:build linux

package input

/*
#cgo pkg-config: x11 xtst
#include <X11/Xlib.h>
#include <X11/keysym.h>
#include <X11/extensions/XTest.h>
#include <X11/XKBlib.h>
#include <stdlib.h>
#include <string.h>

static Display* input_display = NULL;

static int input_init(const char *display_name) {
	input_display = XOpenDisplay(display_name);
	if (!input_display) return -1;
	return 0;
}

static void input_mouse_move_abs(int x, int y) {
	if (!input_display) return;
	XTestFakeMotionEvent(input_display, DefaultScreen(input_display), x, y, 0);
	XFlush(input_display);
}

static void input_mouse_move_rel(int dx, int dy) {
	if (!input_display) return;
	XWarpPointer(input_display, None, None, 0, 0, 0, 0, dx, dy);
	XFlush(input_display);
}

static void input_mouse_button(int button, int press) {
	if (!input_display) return;
	XTestFakeButtonEvent(input_display, button, press, 0);
	XFlush(input_display);
}

// Accumulate sub-step scroll deltas so small per-event deltas still
// eventually cross the X11 button-4/5/6/7 click threshold.
static double scroll_accum_x = 0, scroll_accum_y = 0;

static void input_mouse_scroll(double dx, double dy) {
	if (!input_display) return;

	scroll_accum_y += dy;
	scroll_accum_x += dx;

	while (scroll_accum_y <= -40) {
		XTestFakeButtonEvent(input_display, 4, True, 0);
		XTestFakeButtonEvent(input_display, 4, False, 0);
		scroll_accum_y += 40;
	}
	while (scroll_accum_y >= 40) {
		XTestFakeButtonEvent(input_display, 5, True, 0);
		XTestFakeButtonEvent(input_display, 5, False, 0);
		scroll_accum_y -= 40;
	}
	while (scroll_accum_x <= -40) {
		XTestFakeButtonEvent(input_display, 6, True, 0);
		XTestFakeButtonEvent(input_display, 6, False, 0);
		scroll_accum_x += 40;
	}
	while (scroll_accum_x >= 40) {
		XTestFakeButtonEvent(input_display, 7, True, 0);
		XTestFakeButtonEvent(input_display, 7, False, 0);
		scroll_accum_x -= 40;
	}
	XFlush(input_display);
}

// input_keycode fires a raw X11 KeyCode directly (the wire keycode is
// already an X11 keycode, not a keysym).
static void input_keycode(unsigned int keycode, int press) {
	if (!input_display) return;
	XTestFakeKeyEvent(input_display, (KeyCode)keycode, press, 0);
	XFlush(input_display);
}

// input_char maps a single rune to a keysym (an ASCII code point is
// used as its own keysym, any other rune becomes the Unicode keysym
// 0x01000000 + code point), looks up a keycode for it with
// XKeysymToKeycode, and fires a press+release pair. A rune with no
// keycode in the current keymap is dropped. Used for CharInput, where
// the client sends text rather than a physical key position.
static void input_char(unsigned int rune_val) {
	if (!input_display) return;
	KeySym ks = (KeySym)rune_val;
	if (rune_val > 0x7f) {
		// Best-effort: treat as a Unicode keysym per the X11 convention
		// (0x01000000 + code point), matches XStringToKeysym's own
		// fallback for non-Latin1 characters.
		ks = 0x01000000 + rune_val;
	}
	KeyCode kc = XKeysymToKeycode(input_display, ks);
	if (kc == 0) return;
	XTestFakeKeyEvent(input_display, kc, True, 0);
	XTestFakeKeyEvent(input_display, kc, False, 0);
	XFlush(input_display);
}

static void input_destroy() {
	if (input_display) {
		XCloseDisplay(input_display);
		input_display = NULL;
	}
}
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"

	"relaycast/internal/wire"
)

// XTestInjector replays input over an X11 display via the XTest
// extension. The synthetic XTestFakeKeyEvent/XTestFakeButtonEvent
// calls require no client grab and match the real keyboard/pointer
// device, which is what makes this the desktop-environment-agnostic
// injection path (works under any window manager).
type XTestInjector struct{}

// NewXTestInjector opens displayName for input injection.
func NewXTestInjector(displayName string) (*XTestInjector, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	if C.input_init(cDisplay) != 0 {
		return nil, fmt.Errorf("failed to open display for input: %s", displayName)
	}
	return &XTestInjector{}, nil
}

// Inject dispatches one wire.InputEvent to its matching XTest call.
func (x *XTestInjector) Inject(evt wire.InputEvent) {
	switch evt.Type {
	case wire.EventMouseMove:
		C.input_mouse_move_abs(C.int(evt.X), C.int(evt.Y))
	case wire.EventMouseDown:
		C.input_mouse_button(C.int(jsButtonToX11(evt.Button)), 1)
	case wire.EventMouseUp:
		C.input_mouse_button(C.int(jsButtonToX11(evt.Button)), 0)
	case wire.EventMouseWheel:
		C.input_mouse_scroll(C.double(evt.DX), C.double(evt.DY))
	case wire.EventKeyDown:
		if evt.Keycode != 0 {
			C.input_keycode(C.uint(evt.Keycode), 1)
		}
	case wire.EventKeyUp:
		if evt.Keycode != 0 {
			C.input_keycode(C.uint(evt.Keycode), 0)
		}
	case wire.EventCharInput:
		for _, r := range evt.Text {
			C.input_char(C.uint(r))
		}
	default:
		log.Warn().Str("type", string(evt.Type)).Msg("input: unhandled event type")
	}
}

// Close releases the injector's X11 display connection.
func (x *XTestInjector) Close() {
	C.input_destroy()
}

func jsButtonToX11(button int) int {
	switch button {
	case 0:
		return 1 // Left
	case 1:
		return 2 // Middle
	case 2:
		return 3 // Right
	default:
		return 1
	}
}
