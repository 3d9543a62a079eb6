// Package mmio implements the VirtIO over MMIO transport (spec.md §4.3):
// a register window beginning with a magic value and version byte,
// addressed by 32-bit register offsets. Both the legacy (version 1,
// guest-page-size/queue-align/queue-PFN) and modern (version 2, split
// desc/driver/device address registers) queue setup protocols are
// implemented, since spec.md §4.3/§4.6 place legacy framing on this
// transport, not on PCI.
//
// Register access itself is delegated to a RegisterWindow the platform
// provides — this module never assumes it can dereference a raw pointer,
// generalizing the teacher's arch-specific internal/reg package (which
// wraps unsafe.Pointer register access behind Read/Write/Get/Set) behind
// an interface so the same transport code runs identically against real
// hardware and against a fake window in tests.
package mmio

import (
	"errors"
	"fmt"

	"github.com/virtio-kernel/core/virtio/queue"
	"github.com/virtio-kernel/core/virtio/transport"
)

// Magic is the fixed magic value ("virt" in ASCII, little-endian) every
// VirtIO MMIO device presents at offset 0.
const Magic = 0x74726976

// legacyVersion and modernVersion are the two device-register layout
// versions this transport negotiates (spec.md §4.3: "fail if magic
// mismatch or version ∉ {1, 2}").
const (
	legacyVersion = 1
	modernVersion = 2
)

// legacyGuestPageSize is the fixed guest page size this driver advertises
// to a version-1 device (spec.md §4.6 "legacy-transport quirk": "before
// queue setup on MMIO v1, write guest page size = 4096"). It matches the
// 4 KiB alignment queue.Size already pads the used ring to, so a legacy
// queue's PFN is simply its descriptor table address shifted by 12 bits.
const legacyGuestPageSize = 4096

// Register offsets (VirtIO 1.x MMIO register layout). regGuestPageSize,
// regQueueAlign, and regQueuePFN exist only in the legacy (version 1)
// layout; regQueueReady and the split desc/driver/device address
// registers exist only in the modern (version 2) layout.
const (
	regMagic             = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regGuestPageSize     = 0x028
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueAlign        = 0x03c
	regQueuePFN          = 0x040
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100
)

// RegisterWindow is the platform-provided accessor for one device's MMIO
// register window, with 32-bit register granularity (spec.md §4.3).
type RegisterWindow interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Transport drives one VirtIO device over its MMIO register window.
type Transport struct {
	// Regs provides raw register access for this device's window.
	Regs RegisterWindow

	// Barrier, if set, is invoked after register writes and before
	// reads that must observe the device's latest state. It defaults to
	// a no-op; real platforms inject the architecture's fence.
	Barrier func()

	version uint32
}

func (t *Transport) barrier() {
	if t.Barrier != nil {
		t.Barrier()
	}
}

// Init validates the magic value and version registers.
func (t *Transport) Init() error {
	if t.Regs == nil {
		return errors.New("mmio: nil register window")
	}

	if magic := t.Regs.Read32(regMagic); magic != Magic {
		return fmt.Errorf("mmio: bad magic %#x", magic)
	}

	t.version = t.Regs.Read32(regVersion)

	if t.version != legacyVersion && t.version != modernVersion {
		return fmt.Errorf("mmio: unsupported version %d", t.version)
	}

	return nil
}

// legacy reports whether the device negotiated the version-1 register
// layout, read back by Init.
func (t *Transport) legacy() bool { return t.version == legacyVersion }

// Reset writes 0 to the status register.
func (t *Transport) Reset() {
	t.Regs.Write32(regStatus, 0)
	t.barrier()
}

// Status returns the device status register.
func (t *Transport) Status() uint32 {
	t.barrier()
	return t.Regs.Read32(regStatus)
}

// SetStatus writes the device status register.
func (t *Transport) SetStatus(v uint32) {
	t.Regs.Write32(regStatus, v)
	t.barrier()
}

// DeviceID returns the device-ID register.
func (t *Transport) DeviceID() uint32 {
	return t.Regs.Read32(regDeviceID)
}

// Features selects and reads one half of the device feature vector.
func (t *Transport) Features(sel transport.FeatureSelect) uint32 {
	t.Regs.Write32(regDeviceFeaturesSel, uint32(sel))
	t.barrier()
	return t.Regs.Read32(regDeviceFeatures)
}

// SetFeatures selects and writes one half of the driver feature vector.
func (t *Transport) SetFeatures(sel transport.FeatureSelect, v uint32) {
	t.Regs.Write32(regDriverFeaturesSel, uint32(sel))
	t.Regs.Write32(regDriverFeatures, v)
	t.barrier()
}

// QueueMaxSize selects the indexed queue and reads its maximum size.
func (t *Transport) QueueMaxSize(index int) uint32 {
	t.Regs.Write32(regQueueSel, uint32(index))
	t.barrier()
	return t.Regs.Read32(regQueueNumMax)
}

// SetupQueue selects the indexed queue and writes its negotiated size and
// address, following whichever register protocol the negotiated version
// requires (spec.md §4.3 setup_queue).
func (t *Transport) SetupQueue(index int, vq *queue.VirtualQueue, size uint16) error {
	t.Regs.Write32(regQueueSel, uint32(index))

	if t.legacy() {
		return t.setupQueueLegacy(vq, size)
	}
	return t.setupQueueModern(index, vq, size)
}

// setupQueueLegacy implements the version-1 protocol: guest page size,
// queue num, queue align, then queue PFN = desc_phys >> guest page shift
// (spec.md §4.6 legacy-transport quirk). The legacy layout has no
// per-queue ready register — writing a non-zero PFN activates the queue.
func (t *Transport) setupQueueLegacy(vq *queue.VirtualQueue, size uint16) error {
	t.Regs.Write32(regGuestPageSize, legacyGuestPageSize)
	t.Regs.Write32(regQueueNum, uint32(size))
	t.Regs.Write32(regQueueAlign, legacyGuestPageSize)

	desc, _, _ := vq.Addresses()

	t.barrier()

	t.Regs.Write32(regQueuePFN, uint32(desc/legacyGuestPageSize))

	return nil
}

// setupQueueModern implements the version-2 protocol: QUEUE_READY==0
// check, queue num, split desc/driver/device low/high addresses, then
// QUEUE_READY=1.
func (t *Transport) setupQueueModern(index int, vq *queue.VirtualQueue, size uint16) error {
	if ready := t.Regs.Read32(regQueueReady); ready != 0 {
		return fmt.Errorf("mmio: queue %d already ready", index)
	}

	t.Regs.Write32(regQueueNum, uint32(size))

	desc, avail, used := vq.Addresses()

	t.Regs.Write32(regQueueDescLow, uint32(desc))
	t.Regs.Write32(regQueueDescHigh, uint32(desc>>32))
	t.Regs.Write32(regQueueDriverLow, uint32(avail))
	t.Regs.Write32(regQueueDriverHigh, uint32(avail>>32))
	t.Regs.Write32(regQueueDeviceLow, uint32(used))
	t.Regs.Write32(regQueueDeviceHigh, uint32(used>>32))

	t.barrier()

	t.Regs.Write32(regQueueReady, 1)

	return nil
}

// Notify writes the queue index to the notify register.
func (t *Transport) Notify(index int) {
	t.Regs.Write32(regQueueNotify, uint32(index))
}

// ReadISR reads the interrupt status register.
func (t *Transport) ReadISR() uint32 {
	t.barrier()
	return t.Regs.Read32(regInterruptStatus)
}

// AckISR acknowledges the interrupt by writing it back.
func (t *Transport) AckISR(v uint32) {
	t.Regs.Write32(regInterruptACK, v)
}

// Config reads size bytes from device configuration space starting at
// register offset 0x100.
func (t *Transport) Config(size int) []byte {
	buf := make([]byte, size)

	for i := 0; i < size; i += 4 {
		v := t.Regs.Read32(uint32(regConfig + i))

		n := 4
		if i+4 > size {
			n = size - i
		}

		for b := 0; b < n; b++ {
			buf[i+b] = byte(v >> (8 * b))
		}
	}

	return buf
}

// ConfigVersion reads the configuration generation register. The legacy
// (version 1) layout has no such register; it always reports 0, so a
// caller comparing successive values never observes a change and simply
// trusts the config it read at init.
func (t *Transport) ConfigVersion() uint32 {
	if t.legacy() {
		return 0
	}
	t.barrier()
	return t.Regs.Read32(regConfigGeneration)
}

var _ transport.Transport = (*Transport)(nil)
