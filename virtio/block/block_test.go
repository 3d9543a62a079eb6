package block

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtio-kernel/core/internal/faketransport"
	"github.com/virtio-kernel/core/virtio/device"
	"github.com/virtio-kernel/core/virtio/queue"
)

func newInitializedDevice(t *testing.T, capacitySectors uint64) (*Device, *faketransport.Transport) {
	t.Helper()

	tr := faketransport.New(DeviceID)
	tr.MaxQueueSize = QueueSize
	tr.ConfigSpaceBytes = make([]byte, 20)
	binary.LittleEndian.PutUint64(tr.ConfigSpaceBytes[0:], capacitySectors)

	d := New(tr)

	headerAddrs := make(map[uint16]uint64)
	d.HeaderAddr = func(idx uint16) uint64 {
		if a, ok := headerAddrs[idx]; ok {
			return a
		}
		a := 0x9000000 + uint64(idx)*64
		headerAddrs[idx] = a
		return a
	}

	mem := make([]byte, queue.Size(QueueSize))
	require.NoError(t, d.Init(0x1000, mem))

	return d, tr
}

func TestInitAppliesDefaultsWhenConfigIsZero(t *testing.T) {
	d, _ := newInitializedDevice(t, 2048)

	require.Equal(t, uint32(512), d.Config.BlockSize)
	require.Equal(t, uint32(1), d.Config.SegMax)
	require.Equal(t, uint64(2048), d.Config.CapacitySectors)
}

func TestCapacityRefetchesOnConfigGenerationChange(t *testing.T) {
	d, tr := newInitializedDevice(t, 2048)
	require.Equal(t, uint64(2048), d.Capacity())

	binary.LittleEndian.PutUint64(tr.ConfigSpaceBytes[0:], 4096)
	tr.Generation++

	require.Equal(t, uint64(4096), d.Capacity(), "generation bump must trigger a re-read of config space")
}

func TestSubmitRejectsUnalignedDataBuffer(t *testing.T) {
	d, _ := newInitializedDevice(t, 2048)

	var result device.Result
	req := device.NewRequest(device.BlockRead)
	req.Addr = 0x1001 // not 4 KiB aligned
	req.Len = 512
	req.Sector = 0
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	d.Submit(req)

	require.Equal(t, device.Invalid, result)
}

func TestReadCompletesOKSetsCompletedSectors(t *testing.T) {
	d, tr := newInitializedDevice(t, 2048)

	var result device.Result
	req := device.NewRequest(device.BlockRead)
	req.Addr = 0x4000
	req.Len = 1024
	req.Sector = 4
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	d.Submit(req)

	head, ok := req.DescHead()
	require.True(t, ok)

	d.headers[head].buf[headerSize] = statusOK
	tr.Queues[0].PushUsed(head, 1)

	d.ProcessIRQ()

	require.Equal(t, device.OK, result)
	require.Equal(t, uint64(2), req.CompletedSectors)
}

func TestFlushUsesTwoDescriptorChain(t *testing.T) {
	d, tr := newInitializedDevice(t, 2048)

	var result device.Result
	req := device.NewRequest(device.BlockFlush)
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	freeBefore := d.queue.NumFree()
	d.Submit(req)
	freeAfter := d.queue.NumFree()

	require.Equal(t, uint16(2), freeBefore-freeAfter)

	head, ok := req.DescHead()
	require.True(t, ok)

	d.headers[head].buf[headerSize] = statusOK
	tr.Queues[0].PushUsed(head, 1)
	d.ProcessIRQ()

	require.Equal(t, device.OK, result)
}

func TestIOErrorStatusCompletesWithIOError(t *testing.T) {
	d, tr := newInitializedDevice(t, 2048)

	var result device.Result
	req := device.NewRequest(device.BlockWrite)
	req.Addr = 0x8000
	req.Len = 512
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	d.Submit(req)

	head, ok := req.DescHead()
	require.True(t, ok)

	d.headers[head].buf[headerSize] = statusIOErr
	tr.Queues[0].PushUsed(head, 1)
	d.ProcessIRQ()

	require.Equal(t, device.IOError, result)
}

func TestUnsuppStatusCompletesWithInvalid(t *testing.T) {
	d, tr := newInitializedDevice(t, 2048)

	var result device.Result
	req := device.NewRequest(device.BlockWrite)
	req.Addr = 0x8000
	req.Len = 512
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	d.Submit(req)

	head, ok := req.DescHead()
	require.True(t, ok)

	d.headers[head].buf[headerSize] = statusUnsupp
	tr.Queues[0].PushUsed(head, 1)
	d.ProcessIRQ()

	require.Equal(t, device.Invalid, result)
}

func TestSubmitCompletesWithNoSpaceWhenQueueFull(t *testing.T) {
	d, _ := newInitializedDevice(t, 2048)

	// Drain the queue down to exactly 2 free descriptors: a 3-descriptor
	// BlockRead chain (header, data, status) needs a third that is not
	// there, so allocation must fail after the first two succeed.
	for d.queue.NumFree() > 2 {
		idx, ok := d.queue.AllocDesc()
		require.True(t, ok)
		_ = idx
	}
	require.Equal(t, uint16(2), d.queue.NumFree())

	var result device.Result
	req := device.NewRequest(device.BlockRead)
	req.Addr = 0x4000
	req.Len = 512
	req.Sector = 0
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	d.Submit(req)

	require.Equal(t, device.NoSpace, result)
	require.Equal(t, uint16(2), d.queue.NumFree())
}

func TestSubmitRejectsUnknownOp(t *testing.T) {
	d, _ := newInitializedDevice(t, 2048)

	var result device.Result
	req := device.NewRequest(device.NetSend)
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	d.Submit(req)

	require.Equal(t, device.Invalid, result)
}
