// Package pcitransport implements the VirtIO over PCI transport
// (spec.md §4.4): a capability-walk step locating four register windows
// inside the device's PCI configuration space, followed by the same
// status/feature/queue contract every transport.Transport exposes.
//
// Grounded on kvm/virtio/pci.go's capability walk and common-config field
// layout, adapted from tamago's board-local DMA-buffer-backed config
// space to a platform-provided MemoryAccess window so the same code
// drives either real BAR-mapped memory or a fake window in tests.
package pcitransport

import (
	"errors"
	"fmt"

	"github.com/virtio-kernel/core/pci"
	"github.com/virtio-kernel/core/virtio/queue"
	"github.com/virtio-kernel/core/virtio/transport"
)

// VirtIO PCI common configuration structure offsets (VirtIO 1.x §4.1.4.3).
const (
	offDeviceFeatureSel = 0x00
	offDeviceFeature    = 0x04
	offDriverFeatureSel = 0x08
	offDriverFeature    = 0x0c
	offMSIXConfig       = 0x10
	offNumQueues        = 0x12
	offDeviceStatus     = 0x14
	offConfigGeneration = 0x15
	offQueueSel         = 0x16
	offQueueSize        = 0x18
	offQueueMSIXVector  = 0x1a
	offQueueEnable      = 0x1c
	offQueueNotifyOff   = 0x1e
	offQueueDesc        = 0x20
	offQueueDriver      = 0x28
	offQueueDevice      = 0x30
)

// VirtIO PCI capability configuration types (spec.md §4.4 table).
const (
	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4
)

const noVector = 0xFFFF

// MemoryAccess is the platform-provided accessor for a BAR-mapped memory
// window, at byte granularity, addressed by absolute physical address.
type MemoryAccess interface {
	Read8(addr uint64) uint8
	Read16(addr uint64) uint16
	Read32(addr uint64) uint32
	Write8(addr uint64, v uint8)
	Write16(addr uint64, v uint16)
	Write32(addr uint64, v uint32)
}

// Transport drives one VirtIO device over PCI capability-addressed
// register windows.
type Transport struct {
	Device *pci.Device
	Mem    MemoryAccess

	// Barrier, if set, is invoked after register writes and before
	// reads that must observe the device's latest state.
	Barrier func()

	common uint64
	isr    uint64
	config uint64
	hasConfig bool

	notifyBase       uint64
	notifyMultiplier uint32
	queueNotifyOff   [maxQueues]uint16
}

const maxQueues = 8

func (t *Transport) barrier() {
	if t.Barrier != nil {
		t.Barrier()
	}
}

// Init walks the device's PCI capability list and locates the COMMON_CFG,
// NOTIFY_CFG, and ISR_CFG windows (DEVICE_CFG is optional — the entropy
// device has none).
func (t *Transport) Init() error {
	if t.Device == nil || t.Mem == nil {
		return errors.New("pcitransport: nil device or memory accessor")
	}

	var haveCommon, haveNotify, haveISR bool

	t.Device.Capabilities(func(off uint16, hdr pci.CapabilityHeader) bool {
		if hdr.ID != pci.CapVendorSpecific {
			return true
		}

		bar := int(t.Device.Read8(off + 4))
		capOffset := t.Device.Read32(off + 8)
		base := t.Device.BARAddress(bar) + uint64(capOffset)
		cfgType := t.Device.Read8(off + 3)

		switch cfgType {
		case capCommonCfg:
			t.common = base
			haveCommon = true
		case capNotifyCfg:
			t.notifyBase = base
			t.notifyMultiplier = t.Device.Read32(off + 16)
			haveNotify = true
		case capISRCfg:
			t.isr = base
			haveISR = true
		case capDeviceCfg:
			t.config = base
			t.hasConfig = true
		}

		return true
	})

	if !haveCommon || !haveNotify || !haveISR {
		return errors.New("pcitransport: missing required VirtIO capability (common/notify/isr)")
	}

	// Legacy (INTx) interrupt routing at the global level: no MSI-X vector
	// configured, distinct from the per-queue vector SetupQueue/EnableMSIX
	// write (spec.md §4.6 legacy-transport quirk).
	t.Mem.Write16(t.common+offMSIXConfig, noVector)

	return nil
}

// Reset writes 0 to the common configuration's device status field.
func (t *Transport) Reset() {
	t.Mem.Write8(t.common+offDeviceStatus, 0)
	t.barrier()
}

// Status returns the device status field.
func (t *Transport) Status() uint32 {
	t.barrier()
	return uint32(t.Mem.Read8(t.common + offDeviceStatus))
}

// SetStatus writes the device status field.
func (t *Transport) SetStatus(v uint32) {
	t.Mem.Write8(t.common+offDeviceStatus, uint8(v))
	t.barrier()
}

// DeviceID derives the VirtIO subsystem device ID from the PCI device ID
// (VirtIO 1.x §4.1.2: PCI device ID = 0x1040 + VirtIO device ID).
func (t *Transport) DeviceID() uint32 {
	return uint32(t.Device.Device) - 0x1040
}

// Features selects and reads one half of the device feature vector.
func (t *Transport) Features(sel transport.FeatureSelect) uint32 {
	t.Mem.Write32(t.common+offDeviceFeatureSel, uint32(sel))
	t.barrier()
	return t.Mem.Read32(t.common + offDeviceFeature)
}

// SetFeatures selects and writes one half of the driver feature vector.
func (t *Transport) SetFeatures(sel transport.FeatureSelect, v uint32) {
	t.Mem.Write32(t.common+offDriverFeatureSel, uint32(sel))
	t.Mem.Write32(t.common+offDriverFeature, v)
	t.barrier()
}

// QueueMaxSize selects the indexed queue and reads its maximum size.
func (t *Transport) QueueMaxSize(index int) uint32 {
	t.Mem.Write16(t.common+offQueueSel, uint16(index))
	t.barrier()
	return uint32(t.Mem.Read16(t.common + offQueueSize))
}

// SetupQueue selects the indexed queue, writes its size and split-ring
// addresses, stores the queue's notify offset for later use by Notify,
// and enables the queue.
func (t *Transport) SetupQueue(index int, vq *queue.VirtualQueue, size uint16) error {
	if index >= maxQueues {
		return fmt.Errorf("pcitransport: queue index %d exceeds supported maximum %d", index, maxQueues)
	}

	t.Mem.Write16(t.common+offQueueSel, uint16(index))

	if t.Mem.Read16(t.common+offQueueEnable) != 0 {
		return fmt.Errorf("pcitransport: queue %d already enabled", index)
	}

	t.Mem.Write16(t.common+offQueueSize, size)

	desc, avail, used := vq.Addresses()

	t.Mem.Write32(t.common+offQueueDesc, uint32(desc))
	t.Mem.Write32(t.common+offQueueDesc+4, uint32(desc>>32))
	t.Mem.Write32(t.common+offQueueDriver, uint32(avail))
	t.Mem.Write32(t.common+offQueueDriver+4, uint32(avail>>32))
	t.Mem.Write32(t.common+offQueueDevice, uint32(used))
	t.Mem.Write32(t.common+offQueueDevice+4, uint32(used>>32))

	t.queueNotifyOff[index] = t.Mem.Read16(t.common + offQueueNotifyOff)

	// Legacy (INTx) interrupt routing: no MSI-X vector assigned.
	t.Mem.Write16(t.common+offQueueMSIXVector, noVector)

	t.barrier()

	t.Mem.Write16(t.common+offQueueEnable, 1)

	return nil
}

// Notify writes the queue index to the per-queue notification address,
// computed as notify_base + multiplier * queue_notify_off.
func (t *Transport) Notify(index int) {
	addr := t.notifyBase + uint64(t.queueNotifyOff[index])*uint64(t.notifyMultiplier)
	t.Mem.Write16(addr, uint16(index))
}

// ReadISR reads the single-byte ISR status register, which also
// acknowledges it on real hardware (read-to-clear), per VirtIO 1.x.
func (t *Transport) ReadISR() uint32 {
	return uint32(t.Mem.Read8(t.isr))
}

// AckISR is a no-op on PCI: the ISR register is cleared by ReadISR.
func (t *Transport) AckISR(uint32) {}

// Config copies size bytes from the device-specific configuration window,
// or a zeroed slice if the device has none.
func (t *Transport) Config(size int) []byte {
	buf := make([]byte, size)

	if !t.hasConfig {
		return buf
	}

	for i := 0; i < size; i++ {
		buf[i] = t.Mem.Read8(t.config + uint64(i))
	}

	return buf
}

// EnableMSIX assigns MSI-X vector to the indexed queue's vector register
// (spec.md §4.4 "optional extension"). It is exercised only by platforms
// that configured an MSI-X capability; platforms relying on legacy INTx
// interrupts never call it, leaving queueMSIXVector at noVector.
func (t *Transport) EnableMSIX(index int, vector uint16) {
	t.Mem.Write16(t.common+offQueueSel, uint16(index))
	t.Mem.Write16(t.common+offQueueMSIXVector, vector)
}

// ConfigVersion returns the device configuration generation counter,
// letting a device driver detect configuration-space changes mid-session
// (SPEC_FULL.md §9 supplement).
func (t *Transport) ConfigVersion() uint32 {
	return uint32(t.Mem.Read8(t.common + offConfigGeneration))
}

var _ transport.Transport = (*Transport)(nil)
