package queue_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtio-kernel/core/virtio/queue"
)

func newQueue(t *testing.T, n uint16) (*queue.VirtualQueue, []byte) {
	t.Helper()

	mem := make([]byte, queue.Size(int(n)))
	q := &queue.VirtualQueue{}
	require.NoError(t, q.Init(0x1000, mem, n))

	return q, mem
}

func TestInitThreadsFreeList(t *testing.T) {
	q, _ := newQueue(t, 256)

	require.Equal(t, uint16(256), q.NumFree())

	for i := 0; i < 256; i++ {
		idx, ok := q.AllocDesc()
		require.True(t, ok)
		require.Equal(t, uint16(i), idx, "free list must hand out descriptors in thread order")
	}

	_, ok := q.AllocDesc()
	require.False(t, ok, "queue must be exhausted after allocating all descriptors")
}

// TestAllocFreeRoundTrip is property 8: alloc followed by free with
// nothing between restores NumFree exactly.
func TestAllocFreeRoundTrip(t *testing.T) {
	q, _ := newQueue(t, 64)

	idx, ok := q.AllocDesc()
	require.True(t, ok)
	require.Equal(t, uint16(63), q.NumFree())

	q.FreeDesc(idx)
	require.Equal(t, uint16(64), q.NumFree())
}

func TestFreeChainWalksNextFlag(t *testing.T) {
	q, _ := newQueue(t, 64)

	h, _ := q.AllocDesc()
	d, _ := q.AllocDesc()
	s, _ := q.AllocDesc()

	q.SetDesc(h, 0x2000, 16, 0)
	q.LinkDesc(h, d)
	q.SetDesc(d, 0x3000, 512, queue.FlagWrite)
	q.LinkDesc(d, s)
	q.SetDesc(s, 0x4000, 1, queue.FlagWrite)

	require.Equal(t, uint16(61), q.NumFree())

	q.FreeChain(h)

	require.Equal(t, uint16(64), q.NumFree(), "freeing a 3-descriptor chain must restore all three")
}

// TestPublishAdvancesAvailIdx exercises S1: a single descriptor chain is
// published and avail.idx moves from 0 to 1.
func TestPublishAdvancesAvailIdx(t *testing.T) {
	q, mem := newQueue(t, 64)

	var barriers int
	q.Barrier = func() { barriers++ }

	idx, ok := q.AllocDesc()
	require.True(t, ok)

	q.SetDesc(idx, 0x9000, 16, queue.FlagWrite)
	q.Publish(idx)

	desc, avail, _ := q.Addresses()
	availIdx := binary.LittleEndian.Uint16(mem[int(avail-desc)+2:])

	require.Equal(t, uint16(1), availIdx)
	require.Equal(t, 1, barriers, "publish must issue exactly one barrier before advancing avail.idx")
}

// TestGetUsedReapsAndAdvances exercises S1's completion half: a device
// (simulated by writing the used ring directly) reports one completed
// buffer, which GetUsed reaps exactly once.
func TestGetUsedReapsAndAdvances(t *testing.T) {
	q, mem := newQueue(t, 64)

	idx, ok := q.AllocDesc()
	require.True(t, ok)
	q.SetDesc(idx, 0x9000, 16, queue.FlagWrite)
	q.Publish(idx)

	require.False(t, q.HasUsed())

	desc, _, used := q.Addresses()
	usedOff := int(used - desc)
	binary.LittleEndian.PutUint32(mem[usedOff+4:], uint32(idx))
	binary.LittleEndian.PutUint32(mem[usedOff+8:], 16)
	binary.LittleEndian.PutUint16(mem[usedOff+2:], 1)

	require.True(t, q.HasUsed())

	head, length, ok := q.GetUsed()
	require.True(t, ok)
	require.Equal(t, idx, head)
	require.Equal(t, uint32(16), length)
	require.False(t, q.HasUsed())

	q.FreeDesc(head)
	require.Equal(t, uint16(64), q.NumFree())
}

func TestSizeLayoutConstraints(t *testing.T) {
	n := 256
	mem := make([]byte, queue.Size(n))

	q := &queue.VirtualQueue{}
	require.NoError(t, q.Init(0, mem, uint16(n)))

	desc, _, used := q.Addresses()
	require.Equal(t, uint64(0), desc%16, "descriptor table must start at a 16-byte boundary")
	require.Equal(t, uint64(0), used%4096, "used ring must start at a 4KiB boundary")
}

func TestInitRejectsUndersizedBuffer(t *testing.T) {
	q := &queue.VirtualQueue{}
	err := q.Init(0, make([]byte, 4), 256)
	require.Error(t, err)
}

// TestInitIsIdempotentAfterReset is property 7: init -> reset(reinit) ->
// init leaves the queue indistinguishable from the first init.
func TestInitIsIdempotentAfterReset(t *testing.T) {
	n := uint16(32)
	mem := make([]byte, queue.Size(int(n)))

	q := &queue.VirtualQueue{}
	require.NoError(t, q.Init(0x4000, mem, n))

	idx, _ := q.AllocDesc()
	q.SetDesc(idx, 0x5000, 4, queue.FlagWrite)
	q.Publish(idx)

	require.NoError(t, q.Init(0x4000, mem, n))

	require.Equal(t, n, q.NumFree())
	require.False(t, q.HasUsed())
}
