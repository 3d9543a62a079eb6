// Package fakepci implements a multi-device PCI configuration space and a
// BAR-mapped memory window purely in Go maps, for kernel-level PCI
// discovery tests (SPEC_FULL.md §8).
//
// Grounded on virtio/transport/pcitransport/pcitransport_test.go's
// fakeConfigSpace/fakeMemory doubles, generalized from a single
// hand-wired device to a Bus capable of hosting several devices across
// bus/slot/function, the way kernel.Platform.DiscoverPCI expects to
// enumerate more than one.
package fakepci

import "github.com/virtio-kernel/core/pci"

type deviceState struct {
	space   [256]byte
	barSize [6]uint32
}

func key(bus, slot, fn uint8) uint32 {
	return uint32(bus)<<16 | uint32(slot)<<8 | uint32(fn)
}

// barSlot reports which of the 6 BAR slots configuration offset off
// falls in, if any.
func barSlot(off uint16) (int, bool) {
	if off < pci.Bar0 || off >= pci.Bar0+24 || (off-pci.Bar0)%4 != 0 {
		return 0, false
	}
	return int((off - pci.Bar0) / 4), true
}

// Bus is an in-memory PCI configuration space hosting any number of
// synthetic devices. A Write32 of 0xffffffff to a configured memory BAR
// slot is answered with that BAR's size mask, emulating the real
// hardware all-ones size-discovery probe pci.Allocator.AssignBARs relies
// on; any other write stores the value verbatim, as a real BAR register
// does once assigned.
type Bus struct {
	devices map[uint32]*deviceState
}

// NewBus returns an empty bus with every slot reporting vendor ID 0xffff
// (no device present).
func NewBus() *Bus {
	return &Bus{devices: make(map[uint32]*deviceState)}
}

func (b *Bus) entry(bus, slot, fn uint8) *deviceState {
	k := key(bus, slot, fn)

	d, ok := b.devices[k]
	if !ok {
		d = &deviceState{}
		d.space[pci.VendorID] = 0xff
		d.space[pci.VendorID+1] = 0xff
		b.devices[k] = d
	}

	return d
}

// AddDevice installs a device at bus/slot/function 0, writing its
// vendor/device ID at the standard configuration-space offsets, and
// returns a handle for further configuration (capabilities, BAR sizes).
func (b *Bus) AddDevice(bus, slot uint8, vendor, deviceID uint16) *Device {
	b.Write16(bus, slot, 0, pci.VendorID, vendor)
	b.Write16(bus, slot, 0, pci.DeviceIDOffset, deviceID)
	b.Write8(bus, slot, 0, pci.CapabilitiesOffset, 0)

	return &Device{bus: b, busID: bus, slot: slot}
}

func (b *Bus) Read8(bus, slot, fn uint8, off uint16) uint8 {
	return b.entry(bus, slot, fn).space[off]
}

func (b *Bus) Read16(bus, slot, fn uint8, off uint16) uint16 {
	s := b.entry(bus, slot, fn).space[:]
	return uint16(s[off]) | uint16(s[off+1])<<8
}

func (b *Bus) Read32(bus, slot, fn uint8, off uint16) uint32 {
	return uint32(b.Read16(bus, slot, fn, off)) | uint32(b.Read16(bus, slot, fn, off+2))<<16
}

func (b *Bus) Write8(bus, slot, fn uint8, off uint16, v uint8) {
	b.entry(bus, slot, fn).space[off] = v
}

func (b *Bus) Write16(bus, slot, fn uint8, off uint16, v uint16) {
	s := b.entry(bus, slot, fn).space[:]
	s[off] = byte(v)
	s[off+1] = byte(v >> 8)
}

func (b *Bus) Write32(bus, slot, fn uint8, off uint16, v uint32) {
	d := b.entry(bus, slot, fn)

	if n, ok := barSlot(off); ok && v == 0xffffffff && d.barSize[n] != 0 {
		v = ^(d.barSize[n] - 1)
	}

	b.Write16(bus, slot, fn, off, uint16(v))
	b.Write16(bus, slot, fn, off+2, uint16(v>>16))
}

var _ pci.ConfigSpace = (*Bus)(nil)

// Device is a handle returned by Bus.AddDevice, used to lay out
// capabilities and BAR sizes before a test runs discovery against the
// owning bus.
type Device struct {
	bus   *Bus
	busID uint8
	slot  uint8
}

// VirtIO PCI capability configuration types (VirtIO 1.x §4.1.4), mirrored
// here rather than imported since pcitransport keeps them unexported.
const (
	cfgTypeCommon = 1
	cfgTypeNotify = 2
	cfgTypeISR    = 3
)

// Fixed capability-list layout, matching the offsets
// pcitransport_test.go's newDeviceWithCapabilities uses.
const (
	capCommonOffset = 0x40
	capNotifyOffset = 0x50
	capISROffset    = 0x60
)

// SetBARSize marks BAR slot n as a memory BAR of the given power-of-two
// size, so pci.Allocator.AssignBARs's size-discovery probe succeeds
// against it.
func (d *Device) SetBARSize(n int, size uint32) {
	d.bus.entry(d.busID, d.slot, 0).barSize[n] = size
}

// ConfigureModernVirtIO lays out the three required capability windows
// (COMMON_CFG, NOTIFY_CFG with the given notify_off_multiplier, ISR_CFG),
// all pointing at BAR slot bar at distinct offsets within it, following
// the VirtIO 1.x PCI capability layout pcitransport.Transport.Init
// expects.
func (d *Device) ConfigureModernVirtIO(bar int, notifyOffMultiplier uint32) {
	d.bus.Write8(d.busID, d.slot, 0, pci.CapabilitiesOffset, capCommonOffset)

	d.writeCap(capCommonOffset, capNotifyOffset, cfgTypeCommon, bar, 0)
	d.writeCap(capNotifyOffset, capISROffset, cfgTypeNotify, bar, 0x1000)
	d.bus.Write32(d.busID, d.slot, 0, capNotifyOffset+16, notifyOffMultiplier)
	d.writeCap(capISROffset, 0, cfgTypeISR, bar, 0x2000)
}

func (d *Device) writeCap(at, next uint16, cfgType uint8, bar int, capOffset uint32) {
	d.bus.Write8(d.busID, d.slot, 0, at, pci.CapVendorSpecific)
	d.bus.Write8(d.busID, d.slot, 0, at+1, uint8(next))
	d.bus.Write8(d.busID, d.slot, 0, at+3, cfgType)
	d.bus.Write8(d.busID, d.slot, 0, at+4, uint8(bar))
	d.bus.Write32(d.busID, d.slot, 0, at+8, capOffset)
}

// Memory is a sparse, byte-addressed BAR-mapped memory window implementing
// pcitransport.MemoryAccess, shared by every device on a Bus the way a
// single physical address space would be.
type Memory struct {
	mem map[uint64]byte
}

// NewMemory returns an empty memory window reading zero everywhere until
// written.
func NewMemory() *Memory {
	return &Memory{mem: make(map[uint64]byte)}
}

func (m *Memory) Read8(addr uint64) uint8 { return m.mem[addr] }

func (m *Memory) Read16(addr uint64) uint16 {
	return uint16(m.Read8(addr)) | uint16(m.Read8(addr+1))<<8
}

func (m *Memory) Read32(addr uint64) uint32 {
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}

func (m *Memory) Write8(addr uint64, v uint8) { m.mem[addr] = v }

func (m *Memory) Write16(addr uint64, v uint16) {
	m.Write8(addr, byte(v))
	m.Write8(addr+1, byte(v>>8))
}

func (m *Memory) Write32(addr uint64, v uint32) {
	m.Write16(addr, uint16(v))
	m.Write16(addr+2, uint16(v>>16))
}
