package corerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := Wrap(Timeout, "transport.Connect", "dial timed out", errors.New("i/o timeout"))

	assert.True(t, errors.Is(err, Sentinel(Timeout)))
	assert.False(t, errors.Is(err, Sentinel(InvalidPacket)))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(Io, "capture.Grab", "shm read failed", cause)

	require.ErrorIs(t, err, cause)
}

func TestKindStringIsStable(t *testing.T) {
	cases := map[Kind]string{
		ResourceUnavailable: "resource_unavailable",
		InvalidPacket:       "invalid_packet",
		NotConnected:        "not_connected",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
