// Package transport defines the Transport interface shared by the
// three wire backends (datagram-capable secure, browser-compatible
// secure, reliable-TCP-tunnel fallback) plus the connection state
// machine and sliding-window network statistics all three share.
package transport

import (
	"context"
	"time"

	"relaycast/internal/corerr"
	"relaycast/internal/wire"
)

// Mode identifies which wire variant a Transport implements.
type Mode string

const (
	ModeDatagramSecure Mode = "datagram-secure"
	ModeBrowserSecure  Mode = "browser-secure"
	ModeTCPTunnel      Mode = "tcp-tunnel"
)

// State is the connection lifecycle state shared by every backend.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is the external connection configuration (spec §6).
type Config struct {
	Addr          string
	Mode          Mode
	CertPath      string
	TimeoutSecs   int
	VideoBitrate  uint32
	FPS           uint8
	Width, Height uint32
}

// DefaultConfig matches the documented external-interface defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8080",
		Mode:         ModeDatagramSecure,
		TimeoutSecs:  10,
		VideoBitrate: 10_000_000,
		FPS:          60,
		Width:        1920,
		Height:       1080,
	}
}

// DrainBudget is the time allotted to flush queued sends on
// cancellation before resources are closed.
const DrainBudget = 100 * time.Millisecond

// Transport is the polymorphic contract every wire backend satisfies.
type Transport interface {
	Connect(ctx context.Context, cfg Config) error
	SendVideo(pkt *wire.VideoPacket) error
	SendInput(evt *wire.InputEvent) error
	RecvVideo(ctx context.Context) (*wire.VideoPacket, error)
	RecvInputAck(ctx context.Context) (*wire.FramedInputPacket, error)
	SendControl(pkt *wire.ControlPacket) error
	RecvControl(ctx context.Context) (*wire.ControlPacket, error)
	Stats() NetworkStats
	Disconnect() error
	Mode() Mode
	State() State
}

// guardSend is the shared "must be connected" check every backend's
// Send* methods perform before touching the wire.
func guardSend(op string, state State) error {
	if state != StateConnected {
		return corerr.New(corerr.NotConnected, op, "transport is not connected")
	}
	return nil
}
