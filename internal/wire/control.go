package wire

import (
	"encoding/json"

	"relaycast/internal/corerr"
)

// ControlPacketType discriminates ControlPacket's JSON tagged union.
type ControlPacketType string

const (
	ControlConnect         ControlPacketType = "connect"
	ControlConnectResponse ControlPacketType = "connect_response"
	ControlPing            ControlPacketType = "ping"
	ControlPong            ControlPacketType = "pong"
	ControlDisconnect      ControlPacketType = "disconnect"
	ControlBandwidthProbe  ControlPacketType = "bandwidth_probe"
	ControlBandwidthAck    ControlPacketType = "bandwidth_ack"
	ControlVideoParams     ControlPacketType = "video_params"
)

// ControlPacket is the JSON tagged union carried on the reliable
// control channel. Every variant's fields live on one struct with
// omitempty, matching InputEvent's encoding style.
type ControlPacket struct {
	Type ControlPacketType `json:"type"`

	// Connect
	ClientVersion string   `json:"client_version,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`

	// ConnectResponse
	Success     bool   `json:"success,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	SessionID   string `json:"session_id,omitempty"`

	// Ping / Pong
	Timestamp uint64 `json:"timestamp,omitempty"`

	// Disconnect
	Reason string `json:"reason,omitempty"`

	// BandwidthProbe / BandwidthAck
	ProbeSeq    uint32 `json:"seq,omitempty"`
	Size        uint32 `json:"size,omitempty"`
	ReceivedAt  uint64 `json:"received_at,omitempty"`

	// VideoParams
	Bitrate    uint32 `json:"bitrate,omitempty"`
	FPS        uint8  `json:"fps,omitempty"`
	Width      uint32 `json:"width,omitempty"`
	Height     uint32 `json:"height,omitempty"`
}

// Encode marshals p to its JSON wire form.
func (p *ControlPacket) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, corerr.Wrap(corerr.InvalidPacket, "wire.ControlPacket.Encode", "marshal control packet", err)
	}
	return b, nil
}

// DecodeControlPacket parses a ControlPacket from its JSON wire form.
func DecodeControlPacket(buf []byte) (*ControlPacket, error) {
	var p ControlPacket
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, corerr.Wrap(corerr.InvalidPacket, "wire.DecodeControlPacket", "unmarshal control packet", err)
	}
	switch p.Type {
	case ControlConnect, ControlConnectResponse, ControlPing, ControlPong,
		ControlDisconnect, ControlBandwidthProbe, ControlBandwidthAck, ControlVideoParams:
	default:
		return nil, corerr.New(corerr.InvalidPacket, "wire.DecodeControlPacket", "unknown control packet type: "+string(p.Type))
	}
	return &p, nil
}
