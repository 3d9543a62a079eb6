// Package pci implements the generic, bus-level PCI support the VirtIO
// over PCI transport builds on: device enumeration, capability-list
// walking, and bare-metal BAR allocation.
//
// This generalizes the teacher's soc/intel/pci package (which assumes a
// single fixed CONFIG_ADDRESS/CONFIG_DATA I/O-port pair and that firmware
// has already programmed BAR addresses) behind a ConfigSpace interface the
// platform provides, the same way virtio/transport/mmio generalizes
// register access: this package never issues raw port or MMIO accesses
// itself.
package pci

import "fmt"

// Header type 0x0 configuration space offsets (PCI Local Bus
// Specification revision 3.0).
const (
	VendorID           = 0x00
	DeviceIDOffset     = 0x02
	Command            = 0x04
	RevisionID         = 0x08
	Bar0               = 0x10
	CapabilitiesOffset = 0x34
	InterruptPin       = 0x3d
)

// Command register bits.
const (
	CommandIO         = 1 << 0
	CommandMemorySpace = 1 << 1
	CommandBusMaster  = 1 << 2
	CommandInterruptDisable = 1 << 10
)

const (
	maxBuses   = 4
	maxSlots   = 32
	invalidVendor = 0xffff
)

// ConfigSpace is the platform-provided accessor for PCI configuration
// space at the three supported widths (spec.md §6: "PCI configuration-
// space read/write at widths 8/16/32").
type ConfigSpace interface {
	Read8(bus, slot, fn uint8, off uint16) uint8
	Read16(bus, slot, fn uint8, off uint16) uint16
	Read32(bus, slot, fn uint8, off uint16) uint32
	Write8(bus, slot, fn uint8, off uint16, v uint8)
	Write16(bus, slot, fn uint8, off uint16, v uint16)
	Write32(bus, slot, fn uint8, off uint16, v uint32)
}

// Device represents one discovered PCI function.
type Device struct {
	cfg ConfigSpace

	Bus    uint8
	Slot   uint8
	Func   uint8
	Vendor uint16
	Device uint16
}

// Read8/Read16/Read32/Write8/Write16/Write32 forward to the device's
// configuration space at the given register offset.
func (d *Device) Read8(off uint16) uint8    { return d.cfg.Read8(d.Bus, d.Slot, d.Func, off) }
func (d *Device) Read16(off uint16) uint16  { return d.cfg.Read16(d.Bus, d.Slot, d.Func, off) }
func (d *Device) Read32(off uint16) uint32  { return d.cfg.Read32(d.Bus, d.Slot, d.Func, off) }
func (d *Device) Write8(off uint16, v uint8)   { d.cfg.Write8(d.Bus, d.Slot, d.Func, off, v) }
func (d *Device) Write16(off uint16, v uint16) { d.cfg.Write16(d.Bus, d.Slot, d.Func, off, v) }
func (d *Device) Write32(off uint16, v uint32) { d.cfg.Write32(d.Bus, d.Slot, d.Func, off, v) }

// EnableBusMastering sets the memory-space and bus-master command bits
// and clears interrupt-disable, as required before a VirtIO PCI device's
// capability windows or interrupts can be used (spec.md §4.8 step 2).
func (d *Device) EnableBusMastering() {
	cmd := d.Read16(Command)
	cmd |= CommandMemorySpace | CommandBusMaster
	cmd &^= CommandInterruptDisable
	d.Write16(Command, cmd)
}

// InterruptPinValue returns the device's INTx pin (1=INTA .. 4=INTD, 0 if
// the function uses no legacy interrupt pin).
func (d *Device) InterruptPinValue() uint8 {
	return d.Read8(InterruptPin)
}

// BARAddress decodes BAR slot n into its base address, combining the high
// dword for a 64-bit BAR and masking off the low flag bits.
func (d *Device) BARAddress(n int) uint64 {
	low := d.Read32(Bar0 + uint16(n)*4)

	if low&barIOSpace != 0 {
		return uint64(low &^ 0x3)
	}

	addr := uint64(low &^ barFlagsMask)

	if low&barTypeMask == barType64 {
		high := d.Read32(Bar0 + uint16(n+1)*4)
		addr |= uint64(high) << 32
	}

	return addr
}

func probe(cfg ConfigSpace, bus, slot uint8) (Device, bool) {
	vendor := cfg.Read16(bus, slot, 0, VendorID)
	if vendor == invalidVendor {
		return Device{}, false
	}

	return Device{
		cfg:    cfg,
		Bus:    bus,
		Slot:   slot,
		Func:   0,
		Vendor: vendor,
		Device: cfg.Read16(bus, slot, 0, DeviceIDOffset),
	}, true
}

// Probe looks up a single device by vendor/device ID on the given bus.
func Probe(cfg ConfigSpace, bus uint8, vendor, device uint16) (*Device, bool) {
	for slot := uint8(0); slot < maxSlots; slot++ {
		d, ok := probe(cfg, bus, slot)
		if ok && d.Vendor == vendor && d.Device == device {
			return &d, true
		}
	}

	return nil, false
}

// Scan enumerates all live devices on buses 0..3 slots 0..31 function 0
// (spec.md §4.8 "PCI scan").
func Scan(cfg ConfigSpace) []Device {
	return ScanRange(cfg, 0, maxBuses-1)
}

// ScanRange enumerates all live devices on buses busLo..busHi inclusive,
// slots 0..31, function 0. It generalizes Scan to a caller-chosen bus
// range (kernel.WithPCIBusRange), since not every platform wants to probe
// all 4 buses Scan fixes.
func ScanRange(cfg ConfigSpace, busLo, busHi uint8) []Device {
	var devices []Device

	for bus := busLo; bus <= busHi; bus++ {
		for slot := uint8(0); slot < maxSlots; slot++ {
			if d, ok := probe(cfg, bus, slot); ok {
				devices = append(devices, d)
			}
		}

		if bus == 255 {
			break
		}
	}

	return devices
}

// Swizzle computes the legacy INTx-swizzled interrupt vector for a device
// at the given slot with the given pin (1-4), per spec.md §4.8.
func Swizzle(base int, slot uint8, pin uint8) int {
	return base + int((uint32(slot)+uint32(pin)-1)%4)
}

func (d *Device) String() string {
	return fmt.Sprintf("%02x:%02x.%x [%04x:%04x]", d.Bus, d.Slot, d.Func, d.Vendor, d.Device)
}
