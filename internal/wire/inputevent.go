package wire

import (
	"encoding/binary"
	"encoding/json"

	"relaycast/internal/corerr"
)

// InputEventType discriminates InputEvent's JSON tagged union.
type InputEventType string

const (
	EventMouseMove  InputEventType = "mouse_move"
	EventMouseDown  InputEventType = "mouse_down"
	EventMouseUp    InputEventType = "mouse_up"
	EventMouseWheel InputEventType = "mouse_wheel"
	EventKeyDown    InputEventType = "key_down"
	EventKeyUp      InputEventType = "key_up"
	EventCharInput  InputEventType = "char_input"
)

// InputEvent is the normative JSON shape for every input variant.
// Unused fields are omitted on the wire via omitempty; field names are
// part of the stable serialization and must not be renamed.
type InputEvent struct {
	Type InputEventType `json:"type"`

	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	DX float64 `json:"dx,omitempty"`
	DY float64 `json:"dy,omitempty"`

	Button int `json:"button,omitempty"`

	Keycode   uint32 `json:"keycode,omitempty"`
	Modifiers uint8  `json:"modifiers,omitempty"`

	Text string `json:"text,omitempty"`
}

// FramedInputPacket is one "seq:u64 | len:u32 | json(InputEvent)" unit
// on the reliable input channel.
type FramedInputPacket struct {
	Seq   uint64
	Event InputEvent
}

// Encode appends the framed wire representation to buf.
func (f *FramedInputPacket) Encode(buf []byte) ([]byte, error) {
	body, err := json.Marshal(f.Event)
	if err != nil {
		return nil, corerr.Wrap(corerr.InvalidPacket, "wire.FramedInputPacket.Encode", "marshal input event", err)
	}

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint64(hdr[0:8], f.Seq)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))

	buf = append(buf, hdr...)
	buf = append(buf, body...)
	return buf, nil
}

// DecodeFramedInputPacket parses exactly one framed unit from the
// front of buf and returns it along with the number of bytes consumed.
func DecodeFramedInputPacket(buf []byte) (*FramedInputPacket, int, error) {
	const op = "wire.DecodeFramedInputPacket"
	if len(buf) < 12 {
		return nil, 0, corerr.New(corerr.InvalidPacket, op, "buffer shorter than frame header")
	}
	seq := binary.BigEndian.Uint64(buf[0:8])
	length := binary.BigEndian.Uint32(buf[8:12])
	total := 12 + int(length)
	if len(buf) < total {
		return nil, 0, corerr.New(corerr.InvalidPacket, op, "truncated input event body")
	}

	var evt InputEvent
	if err := json.Unmarshal(buf[12:total], &evt); err != nil {
		return nil, 0, corerr.Wrap(corerr.InvalidPacket, op, "unmarshal input event", err)
	}

	return &FramedInputPacket{Seq: seq, Event: evt}, total, nil
}
