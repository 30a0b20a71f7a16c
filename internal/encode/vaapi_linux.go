//go:build linux

package encode

/*
#cgo pkg-config: libavcodec libavutil libavfilter
#include <libavcodec/avcodec.h>
#include <libavutil/opt.h>
#include <libavutil/hwcontext.h>
#include <libavutil/hwcontext_drm.h>
#include <libavutil/hwcontext_vaapi.h>
#include <stdlib.h>
#include <string.h>

// VAAPIEncoder imports a DMA-BUF (exported by the kernel-mode-set
// capture backend) as an AV_PIX_FMT_DRM_PRIME frame, maps it onto the
// VAAPI device's frame pool via av_hwframe_map, and encodes through
// h264_vaapi/hevc_vaapi. This is the DMA-BUF-importing pairing spec
// §4.5 calls for: the compressed bitstream never touches a host copy
// of the pixel data.
typedef struct {
	AVBufferRef *drm_device_ctx;
	AVBufferRef *vaapi_device_ctx;
	AVBufferRef *drm_frames_ctx;
	AVBufferRef *vaapi_frames_ctx;
	AVCodecContext *ctx;
	AVFrame *drm_frame;
	AVFrame *hw_frame;
	AVPacket *pkt;
	int width;
	int height;
	int64_t pts;
} VAAPIEncoder;

static VAAPIEncoder* vaapi_encoder_init(const char *render_node,
                                         int width, int height, int fps,
                                         int bitrate_kbps, int keyint,
                                         const char *codec_name) {
	VAAPIEncoder *e = (VAAPIEncoder*)calloc(1, sizeof(VAAPIEncoder));
	if (!e) return NULL;
	e->width = width;
	e->height = height;

	if (av_hwdevice_ctx_create(&e->vaapi_device_ctx, AV_HWDEVICE_TYPE_VAAPI, render_node, NULL, 0) < 0) {
		free(e);
		return NULL;
	}

	e->vaapi_frames_ctx = av_hwframe_ctx_alloc(e->vaapi_device_ctx);
	if (!e->vaapi_frames_ctx) {
		av_buffer_unref(&e->vaapi_device_ctx);
		free(e);
		return NULL;
	}
	AVHWFramesContext *frames = (AVHWFramesContext*)e->vaapi_frames_ctx->data;
	frames->format = AV_PIX_FMT_VAAPI;
	frames->sw_format = AV_PIX_FMT_NV12;
	frames->width = width;
	frames->height = height;
	frames->initial_pool_size = 4;
	if (av_hwframe_ctx_init(e->vaapi_frames_ctx) < 0) {
		av_buffer_unref(&e->vaapi_frames_ctx);
		av_buffer_unref(&e->vaapi_device_ctx);
		free(e);
		return NULL;
	}

	int is_hevc = (strcmp(codec_name, "h265") == 0);
	const AVCodec *codec = avcodec_find_encoder_by_name(is_hevc ? "hevc_vaapi" : "h264_vaapi");
	if (!codec) {
		av_buffer_unref(&e->vaapi_frames_ctx);
		av_buffer_unref(&e->vaapi_device_ctx);
		free(e);
		return NULL;
	}

	e->ctx = avcodec_alloc_context3(codec);
	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_VAAPI;
	e->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;
	e->ctx->hw_frames_ctx = av_buffer_ref(e->vaapi_frames_ctx);
	av_opt_set(e->ctx->priv_data, "rc_mode", "CBR", 0);

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		av_buffer_unref(&e->vaapi_frames_ctx);
		av_buffer_unref(&e->vaapi_device_ctx);
		free(e);
		return NULL;
	}

	e->drm_frame = av_frame_alloc();
	e->hw_frame = av_frame_alloc();
	e->pkt = av_packet_alloc();
	return e;
}

static void vaapi_encoder_set_bitrate(VAAPIEncoder *e, int64_t bps) {
	e->ctx->bit_rate = bps;
}

// Import dmabuf_fd as a single-object, two-plane NV12 DRM-PRIME frame and encode it.
static int vaapi_encoder_encode(VAAPIEncoder *e, int dmabuf_fd, int stride,
                                 int force_key,
                                 uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	AVDRMFrameDescriptor *desc = (AVDRMFrameDescriptor*)av_mallocz(sizeof(AVDRMFrameDescriptor));
	if (!desc) return -1;
	desc->nb_objects = 1;
	desc->objects[0].fd = dmabuf_fd;
	desc->objects[0].size = (size_t)stride * e->height * 3 / 2;
	desc->objects[0].format_modifier = DRM_FORMAT_MOD_INVALID;
	desc->nb_layers = 1;
	desc->layers[0].format = DRM_FORMAT_NV12;
	desc->layers[0].nb_planes = 2;
	desc->layers[0].planes[0].object_index = 0;
	desc->layers[0].planes[0].offset = 0;
	desc->layers[0].planes[0].pitch = stride;
	desc->layers[0].planes[1].object_index = 0;
	desc->layers[0].planes[1].offset = (size_t)stride * e->height;
	desc->layers[0].planes[1].pitch = stride;

	av_frame_unref(e->drm_frame);
	e->drm_frame->format = AV_PIX_FMT_DRM_PRIME;
	e->drm_frame->width = e->width;
	e->drm_frame->height = e->height;
	e->drm_frame->data[0] = (uint8_t*)desc;
	e->drm_frame->buf[0] = av_buffer_create((uint8_t*)desc, sizeof(*desc), av_buffer_default_free, NULL, 0);

	av_frame_unref(e->hw_frame);
	e->hw_frame->format = AV_PIX_FMT_VAAPI;
	if (av_hwframe_get_buffer(e->ctx->hw_frames_ctx, e->hw_frame, 0) < 0) return -1;
	if (av_hwframe_map(e->hw_frame, e->drm_frame, AV_HWFRAME_MAP_READ) < 0) return -1;

	e->hw_frame->pts = e->pts++;
	e->hw_frame->pict_type = force_key ? AV_PICTURE_TYPE_I : AV_PICTURE_TYPE_NONE;
	if (force_key) e->hw_frame->flags |= AV_FRAME_FLAG_KEY;

	int ret = avcodec_send_frame(e->ctx, e->hw_frame);
	if (ret < 0) return -1;

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static void vaapi_encoder_unref(VAAPIEncoder *e) { av_packet_unref(e->pkt); }

static void vaapi_encoder_destroy(VAAPIEncoder *e) {
	if (!e) return;
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->hw_frame) av_frame_free(&e->hw_frame);
	if (e->drm_frame) av_frame_free(&e->drm_frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	if (e->vaapi_frames_ctx) av_buffer_unref(&e->vaapi_frames_ctx);
	if (e->vaapi_device_ctx) av_buffer_unref(&e->vaapi_device_ctx);
	free(e);
}
*/
import "C"
import (
	"unsafe"

	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// VAAPIEncoder is the Intel/AMD VA-API backend: it pairs with the
// kernel-mode-set capture backend (spec §4.5) by importing the
// exported DMA-BUF directly as a VAAPI surface, never copying pixels
// through the host.
type VAAPIEncoder struct {
	guard ConfigGuard
	seq   *Sequencer

	renderNode string
	e          *C.VAAPIEncoder
}

// NewVAAPIEncoder constructs an uninitialized VA-API encoder bound to
// the given DRM render node (e.g. "/dev/dri/renderD128").
func NewVAAPIEncoder(renderNode string) *VAAPIEncoder {
	return &VAAPIEncoder{renderNode: renderNode, seq: NewSequencer()}
}

func (e *VAAPIEncoder) Init(cfg Config) error {
	const op = "encode.vaapi.Init"
	if err := e.guard.SetOnce(op, cfg); err != nil {
		return err
	}
	cfg = e.guard.Get()
	cNode := C.CString(e.renderNode)
	defer C.free(unsafe.Pointer(cNode))
	cCodec := C.CString(codecCName(cfg.Codec))
	defer C.free(unsafe.Pointer(cCodec))

	handle := C.vaapi_encoder_init(cNode,
		C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS),
		C.int(cfg.TargetBitrate/1000), C.int(keyintOf(cfg)), cCodec)
	if handle == nil {
		return corerr.New(corerr.InitFailed, op, "vaapi init failed on "+e.renderNode)
	}
	e.e = handle
	return nil
}

func (e *VAAPIEncoder) Encode(ref *frame.Ref) (*EncodedFrame, error) {
	const op = "encode.vaapi.Encode"
	if e.e == nil {
		return nil, corerr.New(corerr.InvalidCall, op, "Encode before Init")
	}
	fd, err := ref.DMABUF()
	if err != nil {
		return nil, corerr.Wrap(corerr.EncodeFailed, op, "vaapi encoder requires a dmabuf-backed frame", err)
	}
	cfg := e.guard.Get()
	stride := cfg.Width

	seq, mustBeKey := e.seq.Next()
	forceKey := C.int(0)
	if mustBeKey {
		forceKey = 1
	}

	var outBuf *C.uint8_t
	var outSize, isKey C.int
	ret := C.vaapi_encoder_encode(e.e, C.int(fd), C.int(stride), forceKey, &outBuf, &outSize, &isKey)
	if ret != 0 {
		return nil, corerr.New(corerr.EncodeFailed, op, "vaapi import/encode failed")
	}
	if outSize == 0 {
		return nil, nil
	}
	defer C.vaapi_encoder_unref(e.e)

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

func (e *VAAPIEncoder) Flush() ([]*EncodedFrame, error) { return nil, nil }

func (e *VAAPIEncoder) SetBitrate(bps uint32) error {
	if e.e == nil {
		return corerr.New(corerr.InvalidCall, "encode.vaapi.SetBitrate", "SetBitrate before Init")
	}
	cfg := e.guard.SetBitrate(bps)
	C.vaapi_encoder_set_bitrate(e.e, C.int64_t(cfg.TargetBitrate))
	return nil
}

func (e *VAAPIEncoder) ForceIDR() { e.seq.RequestIDR() }

func (e *VAAPIEncoder) Name() string   { return "vaapi" }
func (e *VAAPIEncoder) Config() Config { return e.guard.Get() }

func (e *VAAPIEncoder) Close() error {
	if e.e == nil {
		return nil
	}
	C.vaapi_encoder_destroy(e.e)
	e.e = nil
	return nil
}
