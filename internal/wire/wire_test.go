package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramedInputPacketRoundTrip(t *testing.T) {
	f := &FramedInputPacket{Seq: 7, Event: InputEvent{Type: EventMouseMove, X: 100.5, Y: 200.0}}

	buf, err := f.Encode(nil)
	require.NoError(t, err)

	got, n, err := DecodeFramedInputPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, f.Seq, got.Seq)
	assert.Equal(t, f.Event, got.Event)
}

func TestControlPacketRoundTrip(t *testing.T) {
	p := &ControlPacket{
		Type:          ControlConnect,
		ClientVersion: "1.4.0",
		Capabilities:  []string{"h264", "hevc"},
	}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeControlPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, p.ClientVersion, got.ClientVersion)
	assert.Equal(t, p.Capabilities, got.Capabilities)
}

func TestControlPacketUnknownTypeIsInvalidPacket(t *testing.T) {
	_, err := DecodeControlPacket([]byte(`{"type":"not_a_real_type"}`))
	require.Error(t, err)
}

func TestControlPacketVideoParams(t *testing.T) {
	p := &ControlPacket{Type: ControlVideoParams, Bitrate: 8_000_000, FPS: 60, Width: 1920, Height: 1080}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeControlPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(8_000_000), got.Bitrate)
	assert.Equal(t, uint8(60), got.FPS)
}
