package pcitransport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtio-kernel/core/pci"
	"github.com/virtio-kernel/core/virtio/queue"
	"github.com/virtio-kernel/core/virtio/transport"
	"github.com/virtio-kernel/core/virtio/transport/pcitransport"
)

// fakeConfigSpace is an in-memory PCI configuration space backing a single
// device whose capability list is laid out by newDeviceWithCapabilities.
type fakeConfigSpace struct {
	space [256]byte
	bars  [6]uint32
}

func (f *fakeConfigSpace) Read8(_, _, _ uint8, off uint16) uint8  { return f.space[off] }
func (f *fakeConfigSpace) Read16(_, _, _ uint8, off uint16) uint16 {
	return uint16(f.space[off]) | uint16(f.space[off+1])<<8
}
func (f *fakeConfigSpace) Read32(_, _, _ uint8, off uint16) uint32 {
	return uint32(f.Read16(0, 0, 0, off)) | uint32(f.Read16(0, 0, 0, off+2))<<16
}
func (f *fakeConfigSpace) Write8(_, _, _ uint8, off uint16, v uint8) { f.space[off] = v }
func (f *fakeConfigSpace) Write16(_, _, _ uint8, off uint16, v uint16) {
	f.space[off] = byte(v)
	f.space[off+1] = byte(v >> 8)
}
func (f *fakeConfigSpace) Write32(_, _, _ uint8, off uint16, v uint32) {
	f.Write16(0, 0, 0, off, uint16(v))
	f.Write16(0, 0, 0, off+2, uint16(v>>16))
}
func (f *fakeConfigSpace) ReadBAR(_, _, _ uint8, n int) uint32  { return f.bars[n] }
func (f *fakeConfigSpace) WriteBAR(_, _, _ uint8, n int, v uint32) { f.bars[n] = v }

// fakeMemory is a byte-addressed memory window standing in for a BAR-mapped
// capability region.
type fakeMemory struct {
	mem [4096]byte
}

func (m *fakeMemory) Read8(addr uint64) uint8   { return m.mem[addr] }
func (m *fakeMemory) Read16(addr uint64) uint16 { return uint16(m.mem[addr]) | uint16(m.mem[addr+1])<<8 }
func (m *fakeMemory) Read32(addr uint64) uint32 {
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}
func (m *fakeMemory) Write8(addr uint64, v uint8) { m.mem[addr] = v }
func (m *fakeMemory) Write16(addr uint64, v uint16) {
	m.mem[addr] = byte(v)
	m.mem[addr+1] = byte(v >> 8)
}
func (m *fakeMemory) Write32(addr uint64, v uint32) {
	m.Write16(addr, uint16(v))
	m.Write16(addr+2, uint16(v>>16))
}

// newDeviceWithCapabilities wires a capability list with one entry each for
// COMMON_CFG, NOTIFY_CFG and ISR_CFG, all pointing at BAR 0 of a fake memory
// window with non-overlapping offsets.
func newDeviceWithCapabilities(t *testing.T) (*pci.Device, *fakeMemory) {
	t.Helper()

	cfg := &fakeConfigSpace{}
	cfg.bars[0] = 0 // BAR 0 base address, memory space, 32-bit, non-prefetchable

	cfg.Write16(0, 0, 0, pci.VendorID, 0x1af4)
	cfg.Write16(0, 0, 0, pci.DeviceIDOffset, 0x1042) // virtio device ID 2 (block)
	cfg.Write8(0, 0, 0, pci.CapabilitiesOffset, 0x40)

	const (
		capCommon = 0x40
		capNotify = 0x50
		capISR    = 0x60
	)

	writeCap := func(off uint16, next uint8, cfgType uint8, barOffset uint32, extra uint32) {
		cfg.Write8(0, 0, 0, off, pci.CapVendorSpecific)
		cfg.Write8(0, 0, 0, off+1, next)
		cfg.Write8(0, 0, 0, off+2, 16) // cap length
		cfg.Write8(0, 0, 0, off+3, cfgType)
		cfg.Write8(0, 0, 0, off+4, 0) // BAR index 0
		cfg.Write32(0, 0, 0, off+8, barOffset)
		cfg.Write32(0, 0, 0, off+16, extra)
	}

	writeCap(capCommon, capNotify, 1, 0x000, 0)
	writeCap(capNotify, capISR, 2, 0x100, 4) // notify_off_multiplier = 4
	writeCap(capISR, 0, 3, 0x200, 0)

	return mustProbe(cfg), &fakeMemory{}
}

func mustProbe(cfg pci.ConfigSpace) *pci.Device {
	d, _ := pci.Probe(cfg, 0, 0x1af4, 0x1042)
	return d
}

func TestInitLocatesRequiredCapabilities(t *testing.T) {
	dev, mem := newDeviceWithCapabilities(t)

	tr := &pcitransport.Transport{Device: dev, Mem: mem}
	require.NoError(t, tr.Init())
}

func TestInitFailsWithoutCapabilities(t *testing.T) {
	cfg := &fakeConfigSpace{}
	cfg.Write16(0, 0, 0, pci.VendorID, 0x1af4)
	cfg.Write16(0, 0, 0, pci.DeviceIDOffset, 0x1042)
	cfg.Write8(0, 0, 0, pci.CapabilitiesOffset, 0)

	dev := mustProbe(cfg)
	tr := &pcitransport.Transport{Device: dev, Mem: &fakeMemory{}}

	require.Error(t, tr.Init())
}

func TestStatusRoundTrip(t *testing.T) {
	dev, mem := newDeviceWithCapabilities(t)
	tr := &pcitransport.Transport{Device: dev, Mem: mem}
	require.NoError(t, tr.Init())

	tr.SetStatus(transport.Acknowledge | transport.Driver)
	require.Equal(t, uint32(transport.Acknowledge|transport.Driver), tr.Status())

	tr.Reset()
	require.Equal(t, uint32(0), tr.Status())
}

func TestDeviceIDDerivedFromPCIID(t *testing.T) {
	dev, mem := newDeviceWithCapabilities(t)
	tr := &pcitransport.Transport{Device: dev, Mem: mem}
	require.NoError(t, tr.Init())

	require.Equal(t, uint32(2), tr.DeviceID())
}

func TestSetupQueueWritesAddressesAndEnables(t *testing.T) {
	dev, mem := newDeviceWithCapabilities(t)
	tr := &pcitransport.Transport{Device: dev, Mem: mem}
	require.NoError(t, tr.Init())

	vq := &queue.VirtualQueue{}
	buf := make([]byte, queue.Size(16))
	require.NoError(t, vq.Init(0x1000, buf, 16))

	require.NoError(t, tr.SetupQueue(0, vq, 16))
	require.Error(t, tr.SetupQueue(0, vq, 16))
}

func TestInitDisablesGlobalMSIXConfig(t *testing.T) {
	dev, mem := newDeviceWithCapabilities(t)
	tr := &pcitransport.Transport{Device: dev, Mem: mem}
	require.NoError(t, tr.Init())

	require.Equal(t, uint16(0xFFFF), mem.Read16(0x010))
}

func TestNotifyUsesComputedOffset(t *testing.T) {
	dev, mem := newDeviceWithCapabilities(t)
	tr := &pcitransport.Transport{Device: dev, Mem: mem}
	require.NoError(t, tr.Init())

	vq := &queue.VirtualQueue{}
	buf := make([]byte, queue.Size(16))
	require.NoError(t, vq.Init(0x1000, buf, 16))
	require.NoError(t, tr.SetupQueue(0, vq, 16))

	tr.Notify(0)

	// notify_base (BAR0 + 0x100) + queue_notify_off(0) * multiplier(4) = BAR0 + 0x100
	require.Equal(t, uint16(0), mem.Read16(0x100))
}
