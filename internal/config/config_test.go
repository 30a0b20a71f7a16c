package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relaycast/internal/encode"
	"relaycast/internal/transport"
)

func TestDefaultMatchesTransportDefaults(t *testing.T) {
	cfg := Default()
	dc := transport.DefaultConfig()

	assert.Equal(t, dc.Addr, cfg.Addr)
	assert.Equal(t, string(dc.Mode), cfg.Mode)
	assert.Equal(t, dc.VideoBitrate, cfg.VideoBitrate)
	assert.Equal(t, int(dc.FPS), cfg.FPS)
	assert.Equal(t, int(dc.Width), cfg.Width)
	assert.Equal(t, int(dc.Height), cfg.Height)
}

func TestTransportConfigRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Addr = "0.0.0.0:9999"
	cfg.Mode = string(transport.ModeTCPTunnel)

	tc := cfg.TransportConfig()

	assert.Equal(t, "0.0.0.0:9999", tc.Addr)
	assert.Equal(t, transport.ModeTCPTunnel, tc.Mode)
	assert.Equal(t, uint8(cfg.FPS), tc.FPS)
}

func TestEncodeCodecMapping(t *testing.T) {
	cases := map[string]encode.Codec{
		"h264":  encode.CodecH264,
		"hevc":  encode.CodecHEVC,
		"av1":   encode.CodecAV1,
		"":      encode.CodecH264,
		"bogus": encode.CodecH264,
	}
	for name, want := range cases {
		cfg := Default()
		cfg.Codec = name
		assert.Equal(t, want, cfg.EncodeCodec(), "codec %q", name)
	}
}
