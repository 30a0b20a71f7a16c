package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycast/internal/capture"
	"relaycast/internal/encode"
	"relaycast/internal/frame"
	"relaycast/internal/quality"
)

type fakeCapture struct {
	width, height int
	resizeTo      [2]int
	resizeErr     error
}

func (f *fakeCapture) Init() error                  { return nil }
func (f *fakeCapture) CaptureOne() (*frame.Ref, error) { return nil, nil }
func (f *fakeCapture) SetTargetResolution(w, h int) error {
	if f.resizeErr != nil {
		return f.resizeErr
	}
	f.resizeTo = [2]int{w, h}
	return nil
}
func (f *fakeCapture) Close() error           { return nil }
func (f *fakeCapture) IsZeroCopy() bool       { return false }
func (f *fakeCapture) Name() string           { return "fake" }
func (f *fakeCapture) Resolution() (int, int) { return f.width, f.height }
func (f *fakeCapture) Format() capture.PixelFormat { return capture.FormatNV12 }

type fakeEncoder struct {
	cfg         encode.Config
	bitrate     uint32
	forcedIDR   bool
	setBitrateN int
}

func (f *fakeEncoder) Init(cfg encode.Config) error { f.cfg = cfg; return nil }
func (f *fakeEncoder) Encode(ref *frame.Ref) (*encode.EncodedFrame, error) {
	return nil, nil
}
func (f *fakeEncoder) Flush() ([]*encode.EncodedFrame, error) { return nil, nil }
func (f *fakeEncoder) SetBitrate(bps uint32) error {
	f.bitrate = bps
	f.setBitrateN++
	return nil
}
func (f *fakeEncoder) ForceIDR()          { f.forcedIDR = true }
func (f *fakeEncoder) Name() string       { return "fake" }
func (f *fakeEncoder) Config() encode.Config { return f.cfg }
func (f *fakeEncoder) Close() error       { return nil }

func newTestAssembler(capBackend *fakeCapture, enc *fakeEncoder) *Assembler {
	a := &Assembler{cfg: Config{}, cap: capBackend, enc: enc}
	a.qc = quality.New(quality.Config{
		InitialBitrate: 8_000_000,
		MinBitrate:     1_000_000,
		MaxBitrate:     50_000_000,
		InitialWidth:   1920,
		InitialHeight:  1080,
		Codec:          encode.CodecH264,
	}, a.applySettings)
	return a
}

func TestApplySettingsUpdatesBitrateWithoutResize(t *testing.T) {
	capBackend := &fakeCapture{width: 1920, height: 1080}
	enc := &fakeEncoder{cfg: encode.Config{Width: 1920, Height: 1080}}
	a := newTestAssembler(capBackend, enc)

	a.applySettings(quality.Settings{Bitrate: 4_000_000, Width: 1920, Height: 1080})

	assert.Equal(t, uint32(4_000_000), enc.bitrate)
	assert.False(t, enc.forcedIDR)
	assert.Equal(t, [2]int{0, 0}, capBackend.resizeTo)
}

func TestApplySettingsForcesIDROnResolutionChange(t *testing.T) {
	capBackend := &fakeCapture{width: 1920, height: 1080}
	enc := &fakeEncoder{cfg: encode.Config{Width: 1920, Height: 1080}}
	a := newTestAssembler(capBackend, enc)

	a.applySettings(quality.Settings{Bitrate: 2_000_000, Width: 1280, Height: 720})

	assert.True(t, enc.forcedIDR)
	assert.Equal(t, [2]int{1280, 720}, capBackend.resizeTo)
}

func TestApplySettingsSkipsForceIDRWhenResizeFails(t *testing.T) {
	capBackend := &fakeCapture{width: 1920, height: 1080, resizeErr: assert.AnError}
	enc := &fakeEncoder{cfg: encode.Config{Width: 1920, Height: 1080}}
	a := newTestAssembler(capBackend, enc)

	a.applySettings(quality.Settings{Bitrate: 2_000_000, Width: 1280, Height: 720})

	require.False(t, enc.forcedIDR)
}
