// Package input defines EventInjector, the polymorphic contract for
// replaying a client's wire.InputEvent stream against the captured
// desktop (spec §4's input-injection responsibility of the pipeline
// assembler).
package input

import "relaycast/internal/wire"

// EventInjector is implemented by each platform's input backend.
type EventInjector interface {
	// Inject replays one decoded input event against the desktop.
	// Events it cannot replay are dropped, never returned as an
	// error: one bad event must not stall the loop. Unknown event
	// types are logged; a character with no keycode in the keymap is
	// dropped without a log line.
	Inject(evt wire.InputEvent)

	// Close releases the backend's handle to the input subsystem.
	Close()
}
