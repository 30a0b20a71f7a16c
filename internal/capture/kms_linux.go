//go:build linux

package capture

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"relaycast/internal/corerr"
	"relaycast/internal/frame"
)

// kmsBackend is the kernel-mode-set capture variant: it opens the
// kernel DRM device directly, reads the active CRTC's framebuffer
// handle, and exports it as a DMA-BUF file descriptor (spec §4.1,
// second variant). Connector/CRTC IDs are cached after the first
// successful Init, matching the original's kms.rs behavior.
type kmsBackend struct {
	mu sync.Mutex

	path string
	fd   int

	connectorID uint32
	crtcID      uint32
	fbID        uint32

	width, height int
}

// NewKMSBackend opens path (typically /dev/dri/card0 or card1) and
// probes for a connected connector with an active CRTC.
func NewKMSBackend(path string) (Backend, error) {
	if path == "" {
		path = "/dev/dri/card0"
	}
	b := &kmsBackend{path: path, fd: -1}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}

const (
	drmIoctlModeGetResources = 0xc04064a0
	drmIoctlModeGetConnector = 0xc0686441
	drmIoctlModeGetCrtc      = 0xc06864a1
	drmIoctlModeGetFB2       = 0xc07864ce
	drmIoctlPrimeHandleToFD  = 0xc01064ed
)

// drmModeGetConnector mirrors struct drm_mode_get_connector (uapi
// drm_mode.h) closely enough to drive the GET_CONNECTOR ioctl for the
// fields this backend needs (connection state, encoder, modes count).
type drmModeGetConnector struct {
	EncodersPtr       uint64
	ModesPtr          uint64
	PropsPtr          uint64
	PropValuesPtr     uint64
	CountModes        uint32
	CountProps        uint32
	CountEncoders     uint32
	EncoderID         uint32
	ConnectorID       uint32
	ConnectorType     uint32
	ConnectorTypeID   uint32
	Connection        uint32
	MMWidth, MMHeight uint32
	Subpixel          uint32
	Pad               uint32
}

type drmModeGetCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X, Y             uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             [68]byte // struct drm_mode_modeinfo, opaque here
}

type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	FD     int32
}

const drmModeConnected = 1

// Init enumerates connectors, picks the first connected one, reads
// its CRTC's framebuffer, and caches the IDs for subsequent captures.
func (b *kmsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "capture.kms.Init"
	if b.fd >= 0 {
		return nil
	}

	fd, err := unix.Open(b.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return corerr.Wrap(corerr.ResourceUnavailable, op, fmt.Sprintf("open %s", b.path), err)
	}

	connectorIDs, err := drmConnectorIDs(fd)
	if err != nil {
		unix.Close(fd)
		return corerr.Wrap(corerr.InitFailed, op, "GETRESOURCES failed", err)
	}

	for _, id := range connectorIDs {
		conn, err := drmGetConnector(fd, id)
		if err != nil || conn.Connection != drmModeConnected || conn.EncoderID == 0 {
			continue
		}
		crtcID, fbID, w, h, err := drmGetCrtcForEncoder(fd, conn.EncoderID)
		if err != nil || fbID == 0 {
			continue
		}
		b.fd = fd
		b.connectorID = id
		b.crtcID = crtcID
		b.fbID = fbID
		b.width = w
		b.height = h
		return nil
	}

	unix.Close(fd)
	return corerr.New(corerr.InitFailed, op, "no connected connector with an active CRTC")
}

// CaptureOne re-reads the active CRTC's framebuffer handle (picking up
// a hot resolution change before exporting) and exports it as a
// DMA-BUF fd. Ownership of the fd transfers to the returned frame.Ref.
func (b *kmsBackend) CaptureOne() (*frame.Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "capture.kms.CaptureOne"
	if b.fd < 0 {
		return nil, corerr.New(corerr.InvalidCall, op, "CaptureOne before Init")
	}

	fbID, w, h, err := drmGetCrtcFB(b.fd, b.crtcID)
	if err != nil {
		return nil, corerr.Wrap(corerr.CaptureFailed, op, "GETCRTC failed", err)
	}
	b.fbID = fbID
	b.width, b.height = w, h

	handle, err := drmGetFBHandle(b.fd, fbID)
	if err != nil {
		return nil, corerr.Wrap(corerr.CaptureFailed, op, "GETFB2 failed", err)
	}

	dmaFD, err := drmPrimeExport(b.fd, handle)
	if err != nil {
		return nil, corerr.Wrap(corerr.CaptureFailed, op, "PRIME_HANDLE_TO_FD failed", err)
	}

	return frame.FromDMABUF(w, h, dmaFD), nil
}

// SetTargetResolution is a no-op: the CRTC's mode is driven by the
// host's display configuration, which this backend only observes.
func (b *kmsBackend) SetTargetResolution(width, height int) error { return nil }

func (b *kmsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	if err != nil {
		return corerr.Wrap(corerr.Io, "capture.kms.Close", "close DRM fd", err)
	}
	return nil
}

func (b *kmsBackend) IsZeroCopy() bool    { return true }
func (b *kmsBackend) Name() string        { return "kms" }
func (b *kmsBackend) Format() PixelFormat { return FormatBGRA }

func (b *kmsBackend) Resolution() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width, b.height
}

// --- raw ioctl plumbing -----------------------------------------------
//
// These helpers talk to the DRM uAPI directly via unix.Syscall(SYS_IOCTL,
// ...) rather than linking libdrm, matching the "compile-time
// polymorphic interface with a runtime probe" redesign (spec §9): no
// dlopen, no optional shared library, just the kernel device node.

func drmIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func drmConnectorIDs(fd int) ([]uint32, error) {
	type drmModeCardRes struct {
		FbIDPtr, CrtcIDPtr, ConnectorIDPtr, EncoderIDPtr          uint64
		CountFbs, CountCrtcs, CountConnectors, CountEncoders      uint32
		MinWidth, MaxWidth, MinHeight, MaxHeight                  uint32
	}
	var res drmModeCardRes
	if err := drmIoctl(fd, drmIoctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, err
	}
	if res.CountConnectors == 0 {
		return nil, nil
	}
	ids := make([]uint32, res.CountConnectors)
	res.ConnectorIDPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
	if err := drmIoctl(fd, drmIoctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, err
	}
	return ids, nil
}

func drmGetConnector(fd int, id uint32) (drmModeGetConnector, error) {
	conn := drmModeGetConnector{ConnectorID: id}
	if err := drmIoctl(fd, drmIoctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return conn, err
	}
	return conn, nil
}

func drmGetCrtcForEncoder(fd int, encoderID uint32) (crtcID, fbID uint32, w, h int, err error) {
	// A full implementation resolves encoder->possible_crtcs via
	// GETENCODER; this backend takes the encoder's currently-bound
	// CRTC, which is already active whenever a connector reports
	// DRM_MODE_CONNECTED.
	type drmModeGetEncoder struct {
		EncoderID               uint32
		EncoderType              uint32
		CrtcID                   uint32
		PossibleCrtcs            uint32
		PossibleClones           uint32
	}
	enc := drmModeGetEncoder{EncoderID: encoderID}
	if ioErr := drmIoctl(fd, 0xc01464a6, unsafe.Pointer(&enc)); ioErr != nil {
		return 0, 0, 0, 0, ioErr
	}
	fbID, w, h, err = drmGetCrtcFB(fd, enc.CrtcID)
	return enc.CrtcID, fbID, w, h, err
}

func drmGetCrtcFB(fd int, crtcID uint32) (fbID uint32, w, h int, err error) {
	crtc := drmModeGetCrtc{CrtcID: crtcID}
	if ioErr := drmIoctl(fd, drmIoctlModeGetCrtc, unsafe.Pointer(&crtc)); ioErr != nil {
		return 0, 0, 0, ioErr
	}
	if crtc.ModeValid != 0 && len(crtc.Mode) >= 8 {
		w = int(binary.LittleEndian.Uint32(crtc.Mode[0:4]))
		h = int(binary.LittleEndian.Uint32(crtc.Mode[4:8]))
	}
	return crtc.FbID, w, h, nil
}

func drmGetFBHandle(fd int, fbID uint32) (uint32, error) {
	type drmModeFB2 struct {
		FbID          uint32
		Width, Height uint32
		PixelFormat   uint32
		Flags         uint32
		Handles       [4]uint32
		Pitches       [4]uint32
		Offsets       [4]uint32
		Modifier      [4]uint64
	}
	fb := drmModeFB2{FbID: fbID}
	if err := drmIoctl(fd, drmIoctlModeGetFB2, unsafe.Pointer(&fb)); err != nil {
		return 0, err
	}
	return fb.Handles[0], nil
}

func drmPrimeExport(fd int, handle uint32) (int, error) {
	req := drmPrimeHandle{Handle: handle, Flags: unix.O_CLOEXEC | unix.O_RDONLY}
	if err := drmIoctl(fd, drmIoctlPrimeHandleToFD, unsafe.Pointer(&req)); err != nil {
		return -1, err
	}
	return int(req.FD), nil
}
