// Package wire implements the bit-exact wire formats shared by every
// Transport backend: the binary VideoPacket header, JSON-framed
// InputEvent, and the ControlPacket tagged union.
package wire

import (
	"encoding/binary"
	"fmt"

	"relaycast/internal/corerr"
)

// Codec is the wire-level video codec identifier. Values are fixed by
// the header format and must never be renumbered.
type Codec uint8

const (
	CodecH264 Codec = 0
	CodecH265 Codec = 1
	CodecVP9  Codec = 2
	CodecAV1  Codec = 3
)

func (c Codec) valid() bool {
	return c <= CodecAV1
}

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecVP9:
		return "vp9"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed size in bytes of a VideoPacket header,
// preceding the variable-length payload.
const HeaderSize = 4 + 8 + 4 + 1 + 4 + 4 + 1 // seq, timestamp, data_len, key_frame, width, height, codec

// VideoPacket is the wire representation of one encoded video frame.
// Field order and widths are normative; see HeaderSize.
type VideoPacket struct {
	Seq       uint32
	Timestamp uint64 // microseconds, producer clock
	KeyFrame  bool
	Width     uint32
	Height    uint32
	Codec     Codec
	Data      []byte
}

// Encode appends the wire representation of p to buf and returns the
// extended slice.
func (p *VideoPacket) Encode(buf []byte) []byte {
	hdr := make([]byte, HeaderSize)
	off := 0
	binary.BigEndian.PutUint32(hdr[off:], p.Seq)
	off += 4
	binary.BigEndian.PutUint64(hdr[off:], p.Timestamp)
	off += 8
	binary.BigEndian.PutUint32(hdr[off:], uint32(len(p.Data)))
	off += 4
	if p.KeyFrame {
		hdr[off] = 1
	} else {
		hdr[off] = 0
	}
	off++
	binary.BigEndian.PutUint32(hdr[off:], p.Width)
	off += 4
	binary.BigEndian.PutUint32(hdr[off:], p.Height)
	off += 4
	hdr[off] = byte(p.Codec)

	buf = append(buf, hdr...)
	buf = append(buf, p.Data...)
	return buf
}

// DecodeVideoPacket parses a VideoPacket from buf. buf must contain
// at least one packet's worth of bytes (header + data_len payload
// bytes); trailing bytes are not an error, truncation is.
func DecodeVideoPacket(buf []byte) (*VideoPacket, error) {
	const op = "wire.DecodeVideoPacket"
	if len(buf) < HeaderSize {
		return nil, corerr.New(corerr.InvalidPacket, op, "buffer shorter than header")
	}

	off := 0
	seq := binary.BigEndian.Uint32(buf[off:])
	off += 4
	ts := binary.BigEndian.Uint64(buf[off:])
	off += 8
	dataLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	keyByte := buf[off]
	off++
	width := binary.BigEndian.Uint32(buf[off:])
	off += 4
	height := binary.BigEndian.Uint32(buf[off:])
	off += 4
	codecByte := buf[off]
	off++

	if uint32(len(buf)-off) < dataLen {
		return nil, corerr.New(corerr.InvalidPacket, op, "truncated payload")
	}
	codec := Codec(codecByte)
	if !codec.valid() {
		return nil, corerr.New(corerr.InvalidPacket, op, fmt.Sprintf("unknown codec byte %d", codecByte))
	}
	if keyByte > 1 {
		return nil, corerr.New(corerr.InvalidPacket, op, "key_frame byte not 0 or 1")
	}

	data := make([]byte, dataLen)
	copy(data, buf[off:off+int(dataLen)])

	return &VideoPacket{
		Seq:       seq,
		Timestamp: ts,
		KeyFrame:  keyByte == 1,
		Width:     width,
		Height:    height,
		Codec:     codec,
		Data:      data,
	}, nil
}
