package frame

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestFromHostIsNeverZeroCopy(t *testing.T) {
	r := FromHost(1920, 1080, make([]byte, 64))
	assert.False(t, r.IsZeroCopy())
	assert.Equal(t, KindHost, r.Kind())
}

func TestFromGPUIsZeroCopy(t *testing.T) {
	r := FromGPU(1920, 1080, GPUPointer{Ptr: unsafe.Pointer(nil), Pitch: 7680}, nil)
	assert.True(t, r.IsZeroCopy())
	assert.Equal(t, KindGPU, r.Kind())
}

func TestReleaseIsIdempotent(t *testing.T) {
	calls := 0
	r := FromGPU(1, 1, GPUPointer{}, func() { calls++ })
	r.Release()
	r.Release()
	r.Release()
	assert.Equal(t, 1, calls)
}

func TestAccessorsRejectWrongKind(t *testing.T) {
	r := FromHost(1, 1, []byte{1})
	_, err := r.GPU()
	assert.Error(t, err)
	_, err = r.DMABUF()
	assert.Error(t, err)

	host, err := r.Host()
	assert.NoError(t, err)
	assert.Equal(t, []byte{1}, host)
}
