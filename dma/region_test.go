package dma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocReturnsZeroedAlignedBuffer(t *testing.T) {
	r := NewRegion(0x40000000, 1<<20)

	addr, buf := r.Alloc(256, 64)

	require.Len(t, buf, 256)
	require.Zero(t, addr%64)

	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestFreeAllowsReuse(t *testing.T) {
	r := NewRegion(0x40000000, 4096)

	addr1, _ := r.Alloc(1024, 0)
	r.Free(addr1)

	addr2, _ := r.Alloc(1024, 0)

	require.Equal(t, addr1, addr2)
}

func TestWritesThroughReturnedSliceArePersistent(t *testing.T) {
	r := NewRegion(0x40000000, 4096)

	addr, buf := r.Alloc(16, 0)
	copy(buf, []byte("hello, virtio"))

	_, same := r.Alloc(16, 0)
	_ = same

	view := r.slice(addr, 16)
	require.Equal(t, "hello, virtio", string(view[:13]))
}

func TestAllocPanicsWhenExhausted(t *testing.T) {
	r := NewRegion(0x40000000, 128)

	require.Panics(t, func() {
		r.Alloc(1024, 0)
	})
}
