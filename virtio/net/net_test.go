package net

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtio-kernel/core/internal/faketransport"
	"github.com/virtio-kernel/core/virtio/device"
	"github.com/virtio-kernel/core/virtio/queue"
)

func newInitializedDevice(t *testing.T) (*Device, *faketransport.Transport) {
	t.Helper()

	tr := faketransport.New(DeviceID)
	tr.MaxQueueSize = QueueSize
	tr.ConfigSpaceBytes = make([]byte, 10)
	copy(tr.ConfigSpaceBytes, []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01})

	d := New(tr)
	d.TxHeaderAddr = func(idx uint16) uint64 { return 0x9000000 + uint64(idx)*64 }

	rxMem := make([]byte, queue.Size(QueueSize))
	txMem := make([]byte, queue.Size(QueueSize))

	require.NoError(t, d.Init(0x1000, rxMem, 0x2000, txMem))

	return d, tr
}

func TestInitReadsMACFromConfig(t *testing.T) {
	d, _ := newInitializedDevice(t)

	require.Equal(t, [MACSize]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}, d.Config.MAC)
}

func TestLinkUpReadsStatusBit(t *testing.T) {
	d, _ := newInitializedDevice(t)

	require.False(t, d.LinkUp(), "status word's low byte is 0 at init")
}

func TestLinkUpRefetchesOnConfigGenerationChange(t *testing.T) {
	d, tr := newInitializedDevice(t)
	require.False(t, d.LinkUp())

	tr.ConfigSpaceBytes[6] = 1 // VIRTIO_NET_S_LINK_UP
	tr.Generation++

	require.True(t, d.LinkUp(), "generation bump must trigger a re-read of config space")
}

func TestLinkUpDoesNotRefetchWithoutGenerationChange(t *testing.T) {
	d, tr := newInitializedDevice(t)
	require.False(t, d.LinkUp())

	tr.ConfigSpaceBytes[6] = 1 // device mutates config without bumping generation

	require.False(t, d.LinkUp(), "cached status must stick until the generation counter advances")
}

func TestSubmitRecvArmsAllBuffers(t *testing.T) {
	d, tr := newInitializedDevice(t)

	req := device.NewRequest(device.NetRecv)
	req.NumBuffers = 4
	for i := range req.Buffers[:4] {
		req.Buffers[i].Addr = uint64(0x3000 + i*2048)
		req.Buffers[i].Len = 2048
	}

	d.Submit(req)

	require.Equal(t, 1, tr.NotifyCount[rxQueue], "arming a buffer set notifies once, not per buffer")
	for i := 0; i < 4; i++ {
		_, ok := req.Buffers[i].DescHead()
		require.True(t, ok)
	}
}

func TestReceiveCompletionHandsBufferToKernelWithoutRearming(t *testing.T) {
	d, tr := newInitializedDevice(t)

	req := device.NewRequest(device.NetRecv)
	req.NumBuffers = 1
	req.Buffers[0].Addr = 0x3000
	req.Buffers[0].Len = 2048

	var deliveries int
	req.Callback = func(_ *device.Request, result device.Result) {
		deliveries++
		require.Equal(t, device.OK, result)
	}

	d.Submit(req)

	head, _ := req.Buffers[0].DescHead()
	tr.Queues[rxQueue].PushUsed(head, 128)

	d.ProcessIRQ()

	require.Equal(t, 1, deliveries)
	require.Equal(t, uint32(128), req.Buffers[0].Len)

	notifyBefore := tr.NotifyCount[rxQueue]
	d.ProcessIRQ()
	require.Equal(t, notifyBefore, tr.NotifyCount[rxQueue], "process_irq must not re-arm on its own")
}

func TestBufferReleaseRearmsPinnedDescriptor(t *testing.T) {
	d, tr := newInitializedDevice(t)

	req := device.NewRequest(device.NetRecv)
	req.NumBuffers = 1
	req.Buffers[0].Addr = 0x3000
	req.Buffers[0].Len = 2048

	d.Submit(req)

	headBefore, _ := req.Buffers[0].DescHead()
	tr.Queues[rxQueue].PushUsed(headBefore, 64)
	d.ProcessIRQ()

	d.BufferRelease(req, 0)

	headAfter, ok := req.Buffers[0].DescHead()
	require.True(t, ok)
	require.Equal(t, headBefore, headAfter, "descriptor index must stay pinned to the buffer slot")
	require.Equal(t, 2, tr.NotifyCount[rxQueue])
}

func TestCancelStopsFurtherDeliveries(t *testing.T) {
	d, tr := newInitializedDevice(t)

	req := device.NewRequest(device.NetRecv)
	req.NumBuffers = 1
	req.Buffers[0].Addr = 0x3000
	req.Buffers[0].Len = 2048

	var deliveries int
	req.Callback = func(_ *device.Request, _ device.Result) { deliveries++ }

	d.Submit(req)
	d.Cancel(req)

	head, _ := req.Buffers[0].DescHead()
	tr.Queues[rxQueue].PushUsed(head, 64)
	d.ProcessIRQ()

	require.Equal(t, 0, deliveries)
	require.Equal(t, device.Completed, req.State())
}

func TestSendPublishesTwoDescriptorChainAndCompletesOK(t *testing.T) {
	d, tr := newInitializedDevice(t)

	var result device.Result
	req := device.NewRequest(device.NetSend)
	req.Addr = 0x5000
	req.Len = 512
	req.Callback = func(_ *device.Request, r device.Result) { result = r }

	freeBefore := d.tx.NumFree()
	d.Submit(req)
	freeAfter := d.tx.NumFree()

	require.Equal(t, uint16(2), freeBefore-freeAfter)

	head, ok := req.DescHead()
	require.True(t, ok)
	tr.Queues[txQueue].PushUsed(head, 0)

	d.ProcessIRQ()

	require.Equal(t, device.OK, result)
}
