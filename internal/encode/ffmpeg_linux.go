//go:build linux

package encode

/*
#cgo pkg-config: libavcodec libavutil libswscale
#cgo CFLAGS: -I${SRCDIR}/../../cvendor
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <libavutil/hwcontext.h>
#include <libavutil/hwcontext_cuda.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>
#include "cuda_defs.h"

// ---------------------------------------------------------------------------
// CPU encoder — sws_scale BGRA→NV12/YUV420P, then avcodec_send_frame.
// Used when XShm fallback is active (no CUDA context).
// ---------------------------------------------------------------------------

typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int width;
	int height;
	int64_t pts;
} CPUEncoder;

static CPUEncoder* cpu_encoder_init(int width, int height, int fps,
                                     int bitrate_kbps, int keyint,
                                     int gpu_index, const char *codec_name) {
	CPUEncoder *e = (CPUEncoder*)calloc(1, sizeof(CPUEncoder));
	if (!e) return NULL;

	e->width = width;
	e->height = height;
	e->pts = 0;

	const AVCodec *codec = NULL;
	int is_hevc = (strcmp(codec_name, "h265") == 0);

	if (is_hevc) {
		codec = avcodec_find_encoder_by_name("hevc_nvenc");
		if (!codec) codec = avcodec_find_encoder_by_name("libx265");
	} else {
		codec = avcodec_find_encoder_by_name("h264_nvenc");
		if (!codec) codec = avcodec_find_encoder_by_name("libx264");
	}
	if (!codec) return NULL;

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

	if (strcmp(codec->name, "h264_nvenc") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
		av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
		av_opt_set_int(e->ctx->priv_data, "gpu", gpu_index, 0);
	} else if (strcmp(codec->name, "hevc_nvenc") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "profile", "main", 0);
		av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
		av_opt_set_int(e->ctx->priv_data, "gpu", gpu_index, 0);
	} else if (strcmp(codec->name, "libx265") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "ultrafast", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
	} else {
		// libx264 fallback
		av_opt_set(e->ctx->priv_data, "preset", "ultrafast", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
		e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
	}

	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	e->frame->format = e->ctx->pix_fmt;
	e->frame->width = width;
	e->frame->height = height;
	av_frame_get_buffer(e->frame, 0);

	e->pkt = av_packet_alloc();

	e->sws = sws_getContext(
		width, height, AV_PIX_FMT_BGRA,
		width, height, e->ctx->pix_fmt,
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

static void cpu_encoder_set_bitrate(CPUEncoder *e, int64_t bps) {
	e->ctx->bit_rate = bps;
	av_opt_set_int(e->ctx->priv_data, "rc-lookahead", 0, 0);
}

static int cpu_encoder_encode(CPUEncoder *e, const uint8_t *bgra, int stride,
                               int force_key,
                               uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	const uint8_t *src_data[1] = { bgra };
	int src_linesize[1] = { stride };

	av_frame_make_writable(e->frame);
	sws_scale(e->sws, src_data, src_linesize, 0, e->height,
	          e->frame->data, e->frame->linesize);

	e->frame->pts = e->pts++;
	e->frame->pict_type = force_key ? AV_PICTURE_TYPE_I : AV_PICTURE_TYPE_NONE;
	if (force_key) {
		e->frame->flags |= AV_FRAME_FLAG_KEY;
	}

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

static void cpu_encoder_unref(CPUEncoder *e) { av_packet_unref(e->pkt); }

static const char* cpu_encoder_name(CPUEncoder *e) { return e->ctx->codec->name; }

static void cpu_encoder_destroy(CPUEncoder *e) {
	if (!e) return;
	if (e->sws) sws_freeContext(e->sws);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	free(e);
}

// ---------------------------------------------------------------------------
// CUDA encoder — receives NV12 CUDA device pointer from NvFBC,
// wraps it in an AVFrame with AV_PIX_FMT_CUDA, encodes via NVENC.
// Zero CPU involvement in the video path.
// ---------------------------------------------------------------------------

typedef struct {
	AVCodecContext *ctx;
	AVBufferRef *hw_device_ctx;
	AVBufferRef *hw_frames_ctx;
	AVFrame *frame;
	AVPacket *pkt;
	int width;
	int height;
	int64_t pts;
	void *cuMemcpy2D_fn; // cuMemcpy2D function pointer (passed from capturer via Go)
} CUDAEncoder;

static CUDAEncoder* cuda_encoder_init(int width, int height, int fps,
                                       int bitrate_kbps, int keyint,
                                       int gpu_index, const char *codec_name,
                                       void *cuda_ctx_ptr, void *cuMemcpy2D_fn) {
	CUcontext cuda_ctx = (CUcontext)cuda_ctx_ptr;
	CUDAEncoder *e = (CUDAEncoder*)calloc(1, sizeof(CUDAEncoder));
	if (!e) return NULL;

	e->width = width;
	e->height = height;
	e->pts = 0;
	e->cuMemcpy2D_fn = cuMemcpy2D_fn;

	// Create hw device context from existing CUDA context
	e->hw_device_ctx = av_hwdevice_ctx_alloc(AV_HWDEVICE_TYPE_CUDA);
	if (!e->hw_device_ctx) { free(e); return NULL; }

	AVHWDeviceContext *device_ctx = (AVHWDeviceContext*)e->hw_device_ctx->data;
	AVCUDADeviceContext *cuda_device_ctx = (AVCUDADeviceContext*)device_ctx->hwctx;
	cuda_device_ctx->cuda_ctx = cuda_ctx;
	// Let FFmpeg manage the internal CUDA state
	cuda_device_ctx->internal = NULL;

	int ret = av_hwdevice_ctx_init(e->hw_device_ctx);
	if (ret < 0) {
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	// Create hw frames context
	e->hw_frames_ctx = av_hwframe_ctx_alloc(e->hw_device_ctx);
	if (!e->hw_frames_ctx) {
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	AVHWFramesContext *frames_ctx = (AVHWFramesContext*)e->hw_frames_ctx->data;
	frames_ctx->format = AV_PIX_FMT_CUDA;
	frames_ctx->sw_format = AV_PIX_FMT_NV12;
	frames_ctx->width = width;
	frames_ctx->height = height;
	frames_ctx->initial_pool_size = 1;

	ret = av_hwframe_ctx_init(e->hw_frames_ctx);
	if (ret < 0) {
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	// Find NVENC codec
	const AVCodec *codec = NULL;
	int is_hevc = (strcmp(codec_name, "h265") == 0);

	if (is_hevc) {
		codec = avcodec_find_encoder_by_name("hevc_nvenc");
	} else {
		codec = avcodec_find_encoder_by_name("h264_nvenc");
	}
	if (!codec) {
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) {
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_CUDA;
	e->ctx->sw_pix_fmt = AV_PIX_FMT_NV12;
	e->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;
	e->ctx->hw_frames_ctx = av_buffer_ref(e->hw_frames_ctx);

	if (strcmp(codec->name, "h264_nvenc") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
		av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
		av_opt_set_int(e->ctx->priv_data, "gpu", gpu_index, 0);
	} else {
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "profile", "main", 0);
		av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
		av_opt_set_int(e->ctx->priv_data, "gpu", gpu_index, 0);
	}

	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	ret = avcodec_open2(e->ctx, codec, NULL);
	if (ret < 0) {
		avcodec_free_context(&e->ctx);
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	// Allocate a CUDA AVFrame from the hw_frames_ctx
	e->frame = av_frame_alloc();
	if (!e->frame) {
		avcodec_free_context(&e->ctx);
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	e->pkt = av_packet_alloc();

	return e;
}

static void cuda_encoder_set_bitrate(CUDAEncoder *e, int64_t bps) {
	e->ctx->bit_rate = bps;
}

// Encode an NV12 frame from a CUDA device pointer.
// cuda_ptr is the device pointer to the NV12 frame, stride is the row pitch.
static int cuda_encoder_encode(CUDAEncoder *e, unsigned long long cuda_ptr,
                                int stride, int force_key,
                                uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	// Get a fresh frame from the hw_frames_ctx
	av_frame_unref(e->frame);
	int ret = av_hwframe_get_buffer(e->hw_frames_ctx, e->frame, 0);
	if (ret < 0) return -1;

	// Copy NvFBC's CUDA buffer into the AVFrame's CUDA buffer.
	// Both are on the same GPU so this is a fast device-to-device copy.
	// NV12 layout: Y plane = stride * height, UV plane = stride * height/2

	size_t y_size = (size_t)stride * e->height;

	CUdeviceptr src_y = (CUdeviceptr)cuda_ptr;
	CUdeviceptr src_uv = src_y + y_size;

	CUdeviceptr dst_y = (CUdeviceptr)e->frame->data[0];
	CUdeviceptr dst_uv = (CUdeviceptr)e->frame->data[1];
	int dst_stride_y = e->frame->linesize[0];
	int dst_stride_uv = e->frame->linesize[1];

	if (!e->cuMemcpy2D_fn) {
		fprintf(stderr, "cuda_enc: cuMemcpy2D_fn not set\n");
		return -1;
	}

	typedef struct {
		size_t srcXInBytes, srcY;
		int srcMemoryType; // CU_MEMORYTYPE_DEVICE = 2
		const void *srcHost;
		CUdeviceptr srcDevice;
		void *srcArray;
		size_t srcPitch;
		size_t dstXInBytes, dstY;
		int dstMemoryType;
		void *dstHost;
		CUdeviceptr dstDevice;
		void *dstArray;
		size_t dstPitch;
		size_t WidthInBytes, Height;
	} MY_CUDA_MEMCPY2D;

	typedef CUresult (*PFN_cuMemcpy2D)(const MY_CUDA_MEMCPY2D *);
	PFN_cuMemcpy2D fn_memcpy2d = (PFN_cuMemcpy2D)e->cuMemcpy2D_fn;

	// Copy Y plane
	MY_CUDA_MEMCPY2D cp_y = {0};
	cp_y.srcMemoryType = 2;
	cp_y.srcDevice = src_y;
	cp_y.srcPitch = stride;
	cp_y.dstMemoryType = 2;
	cp_y.dstDevice = dst_y;
	cp_y.dstPitch = dst_stride_y;
	cp_y.WidthInBytes = e->width;
	cp_y.Height = e->height;
	CUresult r = fn_memcpy2d(&cp_y);
	if (r != CUDA_SUCCESS) {
		fprintf(stderr, "cuda_enc: Y plane copy failed: %d\n", r);
		return -1;
	}

	// Copy UV plane
	MY_CUDA_MEMCPY2D cp_uv = {0};
	cp_uv.srcMemoryType = 2;
	cp_uv.srcDevice = src_uv;
	cp_uv.srcPitch = stride;
	cp_uv.dstMemoryType = 2;
	cp_uv.dstDevice = dst_uv;
	cp_uv.dstPitch = dst_stride_uv;
	cp_uv.WidthInBytes = e->width;
	cp_uv.Height = e->height / 2;
	r = fn_memcpy2d(&cp_uv);
	if (r != CUDA_SUCCESS) {
		fprintf(stderr, "cuda_enc: UV plane copy failed: %d\n", r);
		return -1;
	}

	e->frame->pts = e->pts++;
	e->frame->pict_type = force_key ? AV_PICTURE_TYPE_I : AV_PICTURE_TYPE_NONE;
	if (force_key) {
		e->frame->flags |= AV_FRAME_FLAG_KEY;
	}

	ret = avcodec_send_frame(e->ctx, e->frame);
	if (ret < 0) {
		fprintf(stderr, "cuda_enc: avcodec_send_frame failed: %d\n", ret);
		return -1;
	}

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) {
		fprintf(stderr, "cuda_enc: avcodec_receive_packet failed: %d\n", ret);
		return -1;
	}

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static void cuda_encoder_unref(CUDAEncoder *e) { av_packet_unref(e->pkt); }

static const char* cuda_encoder_name(CUDAEncoder *e) { return e->ctx->codec->name; }

static void cuda_encoder_destroy(CUDAEncoder *e) {
	if (!e) return;
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	if (e->hw_frames_ctx) av_buffer_unref(&e->hw_frames_ctx);
	if (e->hw_device_ctx) av_buffer_unref(&e->hw_device_ctx);
	free(e);
}
*/
import "C"
import (
	"unsafe"

	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// NVENCEncoder is the GPU-native encoder backend (spec §4.2): a CUDA
// device pointer from the matching GPU-native capture backend is
// registered with NVENC with no host copy; a host buffer falls back
// to the sws_scale CPU path feeding the same hardware encoder, or
// libx264/libx265 if NVENC itself is unavailable. A DMA-BUF frame is
// rejected with an error.
type NVENCEncoder struct {
	guard ConfigGuard
	seq   *Sequencer

	gpuIndex   int
	cudaCtx    unsafe.Pointer // set when paired with the nvfbc capture backend
	cuMemcpy2D unsafe.Pointer

	cuda *C.CUDAEncoder // non-nil once a CUDA-backed frame has been seen
	cpu  *C.CPUEncoder  // non-nil once a host-backed frame has been seen
}

// NewNVENCEncoder constructs an uninitialized GPU-native encoder.
// gpuIndex selects the NVENC device ordinal; cudaCtx/cuMemcpy2D, if
// non-nil, are shared with the pairing nvfbc capture backend so the
// CUDA device-to-device copy avoids a host round trip.
func NewNVENCEncoder(gpuIndex int, cudaCtx, cuMemcpy2D unsafe.Pointer) *NVENCEncoder {
	return &NVENCEncoder{gpuIndex: gpuIndex, cudaCtx: cudaCtx, cuMemcpy2D: cuMemcpy2D, seq: NewSequencer()}
}

func (e *NVENCEncoder) Init(cfg Config) error {
	return e.guard.SetOnce("encode.nvenc.Init", cfg)
}

func (e *NVENCEncoder) Encode(ref *frame.Ref) (*EncodedFrame, error) {
	const op = "encode.nvenc.Encode"
	if !e.guard.Initialized() {
		return nil, corerr.New(corerr.InvalidCall, op, "Encode before Init")
	}
	cfg := e.guard.Get()
	seq, mustBeKey := e.seq.Next()
	forceKey := C.int(0)
	if mustBeKey {
		forceKey = 1
	}

	switch ref.Kind() {
	case frame.KindGPU:
		gpu, err := ref.GPU()
		if err != nil {
			return nil, corerr.Wrap(corerr.EncodeFailed, op, "frame.Ref.GPU", err)
		}
		if e.cuda == nil {
			cCodec := C.CString(codecCName(cfg.Codec))
			defer C.free(unsafe.Pointer(cCodec))
			e.cuda = C.cuda_encoder_init(
				C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS),
				C.int(cfg.TargetBitrate/1000), C.int(keyintOf(cfg)), C.int(e.gpuIndex),
				cCodec, e.cudaCtx, e.cuMemcpy2D)
			if e.cuda == nil {
				return nil, corerr.New(corerr.EncodeFailed, op, "CUDA NVENC init failed")
			}
		}

		var outBuf *C.uint8_t
		var outSize, isKey C.int
		ret := C.cuda_encoder_encode(e.cuda, C.ulonglong(uintptr(gpu.Ptr)), C.int(gpu.Pitch), forceKey, &outBuf, &outSize, &isKey)
		if ret != 0 {
			return nil, corerr.New(corerr.EncodeFailed, op, "NVENC CUDA encode failed")
		}
		if outSize == 0 {
			return nil, nil
		}
		data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
		C.cuda_encoder_unref(e.cuda)
		return e.emit(seq, mustBeKey, isKey != 0, ref, cfg, data), nil

	case frame.KindHost, frame.KindDMABUF:
		host, err := hostBytes(ref)
		if err != nil {
			return nil, corerr.Wrap(corerr.EncodeFailed, op, "read host bytes", err)
		}
		if e.cpu == nil {
			cCodec := C.CString(codecCName(cfg.Codec))
			defer C.free(unsafe.Pointer(cCodec))
			e.cpu = C.cpu_encoder_init(
				C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS),
				C.int(cfg.TargetBitrate/1000), C.int(keyintOf(cfg)), C.int(e.gpuIndex), cCodec)
			if e.cpu == nil {
				return nil, corerr.New(corerr.EncodeFailed, op, "CPU/libx264 init failed")
			}
		}
		stride := len(host) / ref.Height()
		var outBuf *C.uint8_t
		var outSize, isKey C.int
		ret := C.cpu_encoder_encode(e.cpu, (*C.uint8_t)(unsafe.Pointer(&host[0])), C.int(stride), forceKey, &outBuf, &outSize, &isKey)
		if ret != 0 {
			return nil, corerr.New(corerr.EncodeFailed, op, "CPU path encode failed")
		}
		if outSize == 0 {
			return nil, nil
		}
		data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
		C.cpu_encoder_unref(e.cpu)
		return e.emit(seq, mustBeKey, isKey != 0, ref, cfg, data), nil
	}

	return nil, corerr.New(corerr.EncodeFailed, op, "unknown frame surface kind")
}

func (e *NVENCEncoder) emit(seq uint32, mustBeKey, encoderKey bool, ref *frame.Ref, cfg Config, data []byte) *EncodedFrame {
	pts := CaptureTimestampMicros(ref.CapturedAt())
	return &EncodedFrame{
		Seq:      seq,
		PTS:      pts,
		DTS:      pts,
		Codec:    cfg.Codec,
		KeyFrame: mustBeKey || encoderKey,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Data:     data,
	}
}

func hostBytes(ref *frame.Ref) ([]byte, error) {
	if ref.Kind() == frame.KindHost {
		return ref.Host()
	}
	// DMA-BUF import path: a real deployment mmaps the fd into the
	// encoder's memory domain; this backend has no DMA-BUF importer
	// of its own (the kernel-mode-set capture backend is paired with
	// the VA-API encoder instead), so it is not reachable in the
	// assembler's pairing (spec §4.5).
	return nil, corerr.New(corerr.InvalidCall, "encode.nvenc.hostBytes", "DMA-BUF import requires the VA-API backend")
}

func (e *NVENCEncoder) Flush() ([]*EncodedFrame, error) { return nil, nil }

func (e *NVENCEncoder) SetBitrate(bps uint32) error {
	if !e.guard.Initialized() {
		return corerr.New(corerr.InvalidCall, "encode.nvenc.SetBitrate", "SetBitrate before Init")
	}
	cfg := e.guard.SetBitrate(bps)
	if e.cuda != nil {
		C.cuda_encoder_set_bitrate(e.cuda, C.int64_t(cfg.TargetBitrate))
	}
	if e.cpu != nil {
		C.cpu_encoder_set_bitrate(e.cpu, C.int64_t(cfg.TargetBitrate))
	}
	return nil
}

func (e *NVENCEncoder) ForceIDR() { e.seq.RequestIDR() }

func (e *NVENCEncoder) Name() string   { return "nvenc" }
func (e *NVENCEncoder) Config() Config { return e.guard.Get() }

func (e *NVENCEncoder) Close() error {
	if e.cuda != nil {
		C.cuda_encoder_destroy(e.cuda)
		e.cuda = nil
	}
	if e.cpu != nil {
		C.cpu_encoder_destroy(e.cpu)
		e.cpu = nil
	}
	return nil
}
