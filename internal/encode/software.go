package encode

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/y9o/go-openh264/openh264"

	"relaycast/internal/capture"
	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// SoftwareEncoder is the software fallback backend (spec §4.2): it
// color-converts whatever pixel format the paired fallback capture
// backend produced into I420 and feeds go-openh264, the pure-software
// H.264 path used when no vendor GPU encoder is available. It logs a
// warning whenever a frame's encode time exceeds the nominal budget
// implied by the configured fps.
type SoftwareEncoder struct {
	guard ConfigGuard
	seq   *Sequencer

	srcFormat capture.PixelFormat
	enc       *openh264.Encoder
}

// NewSoftwareEncoder constructs an uninitialized software encoder.
// srcFormat is the pixel format the paired capture backend's frames
// carry, so Encode knows which conversion to apply.
func NewSoftwareEncoder(srcFormat capture.PixelFormat) *SoftwareEncoder {
	return &SoftwareEncoder{srcFormat: srcFormat, seq: NewSequencer()}
}

func (e *SoftwareEncoder) Init(cfg Config) error {
	if cfg.Codec != CodecH264 {
		return corerr.New(corerr.InvalidConfig, "encode.software.Init", "software fallback only supports H264")
	}
	if err := e.guard.SetOnce("encode.software.Init", cfg); err != nil {
		return err
	}
	cfg = e.guard.Get()
	enc, err := openh264.NewEncoder(openh264.Config{
		Width:        cfg.Width,
		Height:       cfg.Height,
		BitrateBPS:   int(cfg.TargetBitrate),
		MaxFPS:       float32(cfg.FPS),
		RateControl:  openh264.RateControlBitrate,
		UsageType:    openh264.CameraVideoRealTime,
	})
	if err != nil {
		return corerr.Wrap(corerr.InitFailed, "encode.software.Init", "go-openh264 init", err)
	}
	e.enc = enc
	return nil
}

func (e *SoftwareEncoder) Encode(ref *frame.Ref) (*EncodedFrame, error) {
	const op = "encode.software.Encode"
	if e.enc == nil {
		return nil, corerr.New(corerr.InvalidCall, op, "Encode before Init")
	}
	cfg := e.guard.Get()
	start := time.Now()

	host, err := hostBytesAny(ref)
	if err != nil {
		return nil, corerr.Wrap(corerr.EncodeFailed, op, "read source bytes", err)
	}

	i420, err := convertToI420(host, ref.Width(), ref.Height(), e.srcFormat)
	if err != nil {
		return nil, corerr.Wrap(corerr.EncodeFailed, op, "color convert", err)
	}

	seq, mustBeKey := e.seq.Next()
	if mustBeKey {
		e.enc.ForceIntraFrame()
	}

	out, err := e.enc.EncodeFrame(i420)
	if err != nil {
		return nil, corerr.Wrap(corerr.EncodeFailed, op, "openh264 encode", err)
	}

	elapsed := time.Since(start)
	budget := time.Second / time.Duration(maxInt(cfg.FPS, 1))
	if elapsed > budget {
		log.Warn().
			Dur("elapsed", elapsed).
			Dur("budget", budget).
			Msg("software encoder exceeded per-frame budget")
	}

	if len(out.Data) == 0 {
		// openh264 in realtime mode with ForceIntraFrame on the first
		// frame practically never returns an empty payload; this guards
		// against a silently dropped frame rather than a real case we've
		// observed, so it stays a warning instead of an error.
		log.Warn().Uint32("seq", seq).Msg("software encoder produced empty output for input frame")
		return nil, nil
	}

	pts := CaptureTimestampMicros(ref.CapturedAt())
	return &EncodedFrame{
		Seq:      seq,
		PTS:      pts,
		DTS:      pts,
		Codec:    CodecH264,
		KeyFrame: mustBeKey || out.KeyFrame,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Data:     out.Data,
	}, nil
}

func (e *SoftwareEncoder) Flush() ([]*EncodedFrame, error) { return nil, nil }

func (e *SoftwareEncoder) SetBitrate(bps uint32) error {
	if e.enc == nil {
		return corerr.New(corerr.InvalidCall, "encode.software.SetBitrate", "SetBitrate before Init")
	}
	cfg := e.guard.SetBitrate(bps)
	return e.enc.SetBitrate(int(cfg.TargetBitrate))
}

func (e *SoftwareEncoder) ForceIDR() { e.seq.RequestIDR() }

func (e *SoftwareEncoder) Name() string   { return "software" }
func (e *SoftwareEncoder) Config() Config { return e.guard.Get() }

func (e *SoftwareEncoder) Close() error {
	if e.enc == nil {
		return nil
	}
	e.enc.Close()
	e.enc = nil
	return nil
}

func hostBytesAny(ref *frame.Ref) ([]byte, error) {
	switch ref.Kind() {
	case frame.KindHost:
		return ref.Host()
	default:
		return nil, corerr.New(corerr.InvalidCall, "encode.software.hostBytesAny", "software encoder requires a host-backed frame")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// convertToI420 color-converts src (in the given format) to planar
// I420 (the format go-openh264 consumes). NV12 and YUV420 share I420's
// chroma subsampling and differ only in plane interleaving; BGRA/RGBA
// require a full RGB-to-YUV conversion; P010 (10-bit) is downsampled
// to 8-bit before the same YUV conversion as NV12.
func convertToI420(src []byte, width, height int, format capture.PixelFormat) ([]byte, error) {
	switch format {
	case capture.FormatNV12:
		return nv12ToI420(src, width, height), nil
	case capture.FormatYUV420:
		return src, nil
	case capture.FormatBGRA:
		return rgbaToI420(src, width, height, true), nil
	case capture.FormatRGBA:
		return rgbaToI420(src, width, height, false), nil
	case capture.FormatP010:
		return nv12ToI420(downsampleP010(src, width, height), width, height), nil
	default:
		return nil, corerr.New(corerr.InvalidConfig, "encode.software.convertToI420", "unsupported source pixel format")
	}
}

func nv12ToI420(nv12 []byte, width, height int) []byte {
	ySize := width * height
	out := make([]byte, ySize+ySize/2)
	copy(out[:ySize], nv12[:ySize])

	uvPlane := nv12[ySize:]
	uPlane := out[ySize : ySize+ySize/4]
	vPlane := out[ySize+ySize/4:]
	for i := 0; i < ySize/4; i++ {
		uPlane[i] = uvPlane[i*2]
		vPlane[i] = uvPlane[i*2+1]
	}
	return out
}

func downsampleP010(p010 []byte, width, height int) []byte {
	// P010 stores each 10-bit sample left-justified in 16 bits;
	// dropping the low byte gives an 8-bit NV12-shaped buffer.
	samples := len(p010) / 2
	out := make([]byte, samples)
	for i := 0; i < samples; i++ {
		out[i] = p010[i*2+1]
	}
	return out
}

func rgbaToI420(src []byte, width, height int, bgraOrder bool) []byte {
	ySize := width * height
	out := make([]byte, ySize+ySize/2)
	yPlane := out[:ySize]
	uPlane := out[ySize : ySize+ySize/4]
	vPlane := out[ySize+ySize/4:]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := (y*width + x) * 4
			var r, g, b int
			if bgraOrder {
				b, g, r = int(src[off]), int(src[off+1]), int(src[off+2])
			} else {
				r, g, b = int(src[off]), int(src[off+1]), int(src[off+2])
			}
			yPlane[y*width+x] = clampByte((66*r + 129*g + 25*b + 128) >> 8 + 16)

			if y%2 == 0 && x%2 == 0 {
				cu := clampByte((-38*r - 74*g + 112*b + 128) >> 8 + 128)
				cv := clampByte((112*r - 94*g - 18*b + 128) >> 8 + 128)
				idx := (y/2)*(width/2) + x/2
				uPlane[idx] = cu
				vPlane[idx] = cv
			}
		}
	}
	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
