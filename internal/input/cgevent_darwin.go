//go:build darwin

package input

/*
#cgo LDFLAGS: -framework CoreGraphics
#include <CoreGraphics/CoreGraphics.h>

static int cgevent_buttons_down = 0;

static void cgevent_mouse_move_abs(int x, int y) {
	CGEventType evtype;
	CGMouseButton button;

	if (cgevent_buttons_down & 1) {
		evtype = kCGEventLeftMouseDragged;
		button = kCGMouseButtonLeft;
	} else if (cgevent_buttons_down & 4) {
		evtype = kCGEventRightMouseDragged;
		button = kCGMouseButtonRight;
	} else if (cgevent_buttons_down & 2) {
		evtype = kCGEventOtherMouseDragged;
		button = kCGMouseButtonCenter;
	} else {
		evtype = kCGEventMouseMoved;
		button = kCGMouseButtonLeft;
	}

	CGEventRef ev = CGEventCreateMouseEvent(NULL, evtype, CGPointMake(x, y), button);
	CGEventPost(kCGHIDEventTap, ev);
	CFRelease(ev);
}

static void cgevent_mouse_button(int button, int press, int x, int y) {
	CGEventType evtype;
	CGMouseButton cgbutton;
	int mask;

	if (button == 0) {
		cgbutton = kCGMouseButtonLeft;
		evtype = press ? kCGEventLeftMouseDown : kCGEventLeftMouseUp;
		mask = 1;
	} else if (button == 2) {
		cgbutton = kCGMouseButtonRight;
		evtype = press ? kCGEventRightMouseDown : kCGEventRightMouseUp;
		mask = 4;
	} else {
		cgbutton = kCGMouseButtonCenter;
		evtype = press ? kCGEventOtherMouseDown : kCGEventOtherMouseUp;
		mask = 2;
	}

	if (press) {
		cgevent_buttons_down |= mask;
	} else {
		cgevent_buttons_down &= ~mask;
	}

	CGEventRef ev = CGEventCreateMouseEvent(NULL, evtype, CGPointMake(x, y), cgbutton);
	CGEventPost(kCGHIDEventTap, ev);
	CFRelease(ev);
}

static void cgevent_mouse_scroll(int dx, int dy) {
	// Wire deltaY follows the web convention (positive = scroll down);
	// CGEventCreateScrollWheelEvent expects the opposite sign.
	CGEventRef ev = CGEventCreateScrollWheelEvent(NULL, kCGScrollEventUnitPixel, 2, -dy, -dx);
	CGEventPost(kCGHIDEventTap, ev);
	CFRelease(ev);
}

static void cgevent_key(unsigned int keycode, int press) {
	CGEventRef ev = CGEventCreateKeyboardEvent(NULL, (CGKeyCode)keycode, press);
	CGEventPost(kCGHIDEventTap, ev);
	CFRelease(ev);
}

static void cgevent_char(UniChar ch) {
	CGEventRef down = CGEventCreateKeyboardEvent(NULL, 0, true);
	CGEventKeyboardSetUnicodeString(down, 1, &ch);
	CGEventPost(kCGHIDEventTap, down);
	CFRelease(down);

	CGEventRef up = CGEventCreateKeyboardEvent(NULL, 0, false);
	CGEventKeyboardSetUnicodeString(up, 1, &ch);
	CGEventPost(kCGHIDEventTap, up);
	CFRelease(up);
}
*/
import "C"

import (
	"github.com/rs/zerolog/log"

	"relaycast/internal/wire"
)

// CGEventInjector replays input via CoreGraphics' HID event tap
// (CGEventPost), the macOS equivalent of XTestInjector. evt.Keycode
// is used directly as a CGKeyCode (HIToolbox virtual keycode space),
// matching the wire protocol's platform-keycode contract.
type CGEventInjector struct{}

// NewCGEventInjector constructs the CoreGraphics injector. There is
// no handle to open: CGEventPost targets the HID event tap globally.
func NewCGEventInjector() (*CGEventInjector, error) {
	return &CGEventInjector{}, nil
}

func (c *CGEventInjector) Inject(evt wire.InputEvent) {
	switch evt.Type {
	case wire.EventMouseMove:
		C.cgevent_mouse_move_abs(C.int(evt.X), C.int(evt.Y))
	case wire.EventMouseDown:
		C.cgevent_mouse_button(C.int(evt.Button), 1, C.int(evt.X), C.int(evt.Y))
	case wire.EventMouseUp:
		C.cgevent_mouse_button(C.int(evt.Button), 0, C.int(evt.X), C.int(evt.Y))
	case wire.EventMouseWheel:
		C.cgevent_mouse_scroll(C.int(evt.DX), C.int(evt.DY))
	case wire.EventKeyDown:
		C.cgevent_key(C.uint(evt.Keycode), 1)
	case wire.EventKeyUp:
		C.cgevent_key(C.uint(evt.Keycode), 0)
	case wire.EventCharInput:
		for _, r := range evt.Text {
			C.cgevent_char(C.ushort(r))
		}
	default:
		log.Warn().Str("type", string(evt.Type)).Msg("input: unhandled event type")
	}
}

// Close is a no-op: CGEventPost holds no injector-owned handle.
func (c *CGEventInjector) Close() {}
