//go:build linux

package encode

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/opt.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>

// AMFEncoder wraps AMD's AMF encoder through libavcodec's h264_amf/
// hevc_amf. AMF has no DMA-BUF import path in the libavcodec build
// used here, so this backend takes a host BGRA buffer and sws_scales
// it to NV12 itself, the same as the CPU/libx264 fallback pairing
// (spec §4.5's fallback-capture pairing).
typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int width;
	int height;
	int64_t pts;
} AMFEncoder;

static AMFEncoder* amf_encoder_init(int width, int height, int fps,
                                     int bitrate_kbps, int keyint,
                                     const char *codec_name) {
	AMFEncoder *e = (AMFEncoder*)calloc(1, sizeof(AMFEncoder));
	if (!e) return NULL;
	e->width = width;
	e->height = height;

	int is_hevc = (strcmp(codec_name, "h265") == 0);
	const AVCodec *codec = avcodec_find_encoder_by_name(is_hevc ? "hevc_amf" : "h264_amf");
	if (!codec) { free(e); return NULL; }

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) { free(e); return NULL; }

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_NV12;
	e->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	av_opt_set(e->ctx->priv_data, "usage", "ultralowlatency", 0);
	av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
	av_opt_set(e->ctx->priv_data, "quality", "speed", 0);

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	e->frame->format = AV_PIX_FMT_NV12;
	e->frame->width = width;
	e->frame->height = height;
	av_frame_get_buffer(e->frame, 0);

	e->pkt = av_packet_alloc();
	e->sws = sws_getContext(width, height, AV_PIX_FMT_BGRA,
	                         width, height, AV_PIX_FMT_NV12,
	                         SWS_FAST_BILINEAR, NULL, NULL, NULL);
	if (!e->sws) {
		av_packet_free(&e->pkt);
		av_frame_free(&e->frame);
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}
	return e;
}

static void amf_encoder_set_bitrate(AMFEncoder *e, int64_t bps) {
	e->ctx->bit_rate = bps;
}

static int amf_encoder_encode(AMFEncoder *e, const uint8_t *bgra, int stride,
                               int force_key,
                               uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;
	const uint8_t *src_data[1] = { bgra };
	int src_linesize[1] = { stride };

	av_frame_make_writable(e->frame);
	sws_scale(e->sws, src_data, src_linesize, 0, e->height, e->frame->data, e->frame->linesize);

	e->frame->pts = e->pts++;
	e->frame->pict_type = force_key ? AV_PICTURE_TYPE_I : AV_PICTURE_TYPE_NONE;
	if (force_key) e->frame->flags |= AV_FRAME_FLAG_KEY;

	int ret = avcodec_send_frame(e->ctx, e->frame);
	if (ret < 0) return -1;

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static void amf_encoder_unref(AMFEncoder *e) { av_packet_unref(e->pkt); }

static void amf_encoder_destroy(AMFEncoder *e) {
	if (!e) return;
	if (e->sws) sws_freeContext(e->sws);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	free(e);
}
*/
import "C"
import (
	"unsafe"

	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// AMFEncoder is the AMD backend (spec §4.2/§4.5): host BGRA input,
// sws_scale to NV12, AMF encode through libavcodec's h264_amf/hevc_amf.
type AMFEncoder struct {
	guard ConfigGuard
	seq   *Sequencer

	e *C.AMFEncoder
}

func NewAMFEncoder() *AMFEncoder { return &AMFEncoder{seq: NewSequencer()} }

func (e *AMFEncoder) Init(cfg Config) error {
	const op = "encode.amf.Init"
	if err := e.guard.SetOnce(op, cfg); err != nil {
		return err
	}
	cfg = e.guard.Get()
	cCodec := C.CString(codecCName(cfg.Codec))
	defer C.free(unsafe.Pointer(cCodec))

	handle := C.amf_encoder_init(
		C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS),
		C.int(cfg.TargetBitrate/1000), C.int(keyintOf(cfg)), cCodec)
	if handle == nil {
		return corerr.New(corerr.InitFailed, op, "amf init failed")
	}
	e.e = handle
	return nil
}

func (e *AMFEncoder) Encode(ref *frame.Ref) (*EncodedFrame, error) {
	const op = "encode.amf.Encode"
	if e.e == nil {
		return nil, corerr.New(corerr.InvalidCall, op, "Encode before Init")
	}
	host, err := hostBytes(ref)
	if err != nil {
		return nil, corerr.Wrap(corerr.EncodeFailed, op, "read host bytes", err)
	}
	cfg := e.guard.Get()
	stride := len(host) / ref.Height()

	seq, mustBeKey := e.seq.Next()
	forceKey := C.int(0)
	if mustBeKey {
		forceKey = 1
	}

	var outBuf *C.uint8_t
	var outSize, isKey C.int
	ret := C.amf_encoder_encode(e.e, (*C.uint8_t)(unsafe.Pointer(&host[0])), C.int(stride), forceKey, &outBuf, &outSize, &isKey)
	if ret != 0 {
		return nil, corerr.New(corerr.EncodeFailed, op, "amf encode failed")
	}
	if outSize == 0 {
		return nil, nil
	}
	defer C.amf_encoder_unref(e.e)

	pts := CaptureTimestampMicros(ref.CapturedAt())
	return &EncodedFrame{
		Seq:      seq,
		PTS:      pts,
		DTS:      pts,
		Codec:    cfg.Codec,
		KeyFrame: mustBeKey || isKey != 0,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Data:     C.GoBytes(unsafe.Pointer(outBuf), outSize),
	}, nil
}

func (e *AMFEncoder) Flush() ([]*EncodedFrame, error) { return nil, nil }

func (e *AMFEncoder) SetBitrate(bps uint32) error {
	if e.e == nil {
		return corerr.New(corerr.InvalidCall, "encode.amf.SetBitrate", "SetBitrate before Init")
	}
	cfg := e.guard.SetBitrate(bps)
	C.amf_encoder_set_bitrate(e.e, C.int64_t(cfg.TargetBitrate))
	return nil
}

func (e *AMFEncoder) ForceIDR() { e.seq.RequestIDR() }

func (e *AMFEncoder) Name() string   { return "amf" }
func (e *AMFEncoder) Config() Config { return e.guard.Get() }

func (e *AMFEncoder) Close() error {
	if e.e == nil {
		return nil
	}
	C.amf_encoder_destroy(e.e)
	e.e = nil
	return nil
}
