package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoPacketRoundTrip(t *testing.T) {
	p := &VideoPacket{
		Seq:       42,
		Timestamp: 12345678,
		KeyFrame:  true,
		Width:     1920,
		Height:    1080,
		Codec:     CodecH264,
		Data:      []byte{1, 2, 3, 4, 5},
	}

	buf := p.Encode(nil)
	got, err := DecodeVideoPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestVideoPacketDecodeExactBytes(t *testing.T) {
	// S5 scenario bytes from the streaming-pipeline wire contract.
	buf := []byte{
		0x00, 0x00, 0x00, 0x2A, // seq = 42
		0x00, 0x00, 0x00, 0x00, 0x00, 0xBC, 0x61, 0x4E, // timestamp = 12345678
		0x00, 0x00, 0x00, 0x05, // data_len = 5
		0x01,                   // key_frame = true
		0x00, 0x00, 0x07, 0x80, // width = 1920
		0x00, 0x00, 0x04, 0x38, // height = 1080
		0x00,                         // codec = H264
		0x01, 0x02, 0x03, 0x04, 0x05, // data
	}

	got, err := DecodeVideoPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.Seq)
	assert.Equal(t, uint64(12345678), got.Timestamp)
	assert.True(t, got.KeyFrame)
	assert.Equal(t, uint32(1920), got.Width)
	assert.Equal(t, uint32(1080), got.Height)
	assert.Equal(t, CodecH264, got.Codec)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got.Data)

	reencoded := got.Encode(nil)
	assert.Equal(t, buf, reencoded)
}

func TestVideoPacketUnknownCodecIsInvalidPacketNotCrash(t *testing.T) {
	buf := []byte{
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x01,
		0xFF, // unknown codec byte
	}

	_, err := DecodeVideoPacket(buf)
	require.Error(t, err)
}

func TestVideoPacketTruncatedPayloadIsInvalidPacket(t *testing.T) {
	p := &VideoPacket{Seq: 1, Codec: CodecH264, Data: []byte{1, 2, 3}}
	buf := p.Encode(nil)
	_, err := DecodeVideoPacket(buf[:len(buf)-2])
	require.Error(t, err)
}
