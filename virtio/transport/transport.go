// Package transport defines the contract every VirtIO transport (MMIO,
// PCI) implements, so device code never touches register layout directly
// (spec.md §4.3/§4.4). This generalizes the teacher's kvm/virtio.VirtIO
// interface, renamed to the spec's vocabulary, and is the Go equivalent of
// the REDESIGN FLAGS guidance to replace an untyped (pointer, tag) pair
// with a proper variant: callers hold a Transport interface value, never a
// concrete Mmio/Pci struct plus a kind tag.
package transport

import "github.com/virtio-kernel/core/virtio/queue"

// Status bits (VirtIO 1.x device status register, low byte).
const (
	Acknowledge      = 1 << 0
	Driver           = 1 << 1
	DriverOK         = 1 << 2
	FeaturesOK       = 1 << 3
	DeviceNeedsReset = 1 << 6
	Failed           = 1 << 7
)

// FeatureSelect distinguishes the low and high 32-bit halves of the
// 64-bit feature vector exchanged through the two-phase
// select-then-read/write register protocol (spec.md §4.3).
type FeatureSelect uint32

const (
	FeaturesLow  FeatureSelect = 0
	FeaturesHigh FeatureSelect = 1
)

// Transport is the uniform contract a device driver uses to speak to its
// device, independent of whether the device sits behind an MMIO register
// window or a PCI capability-addressed one.
type Transport interface {
	// Init validates the transport is present and usable (magic/version
	// for MMIO, capability walk for PCI) but does not yet touch device
	// status.
	Init() error

	// Reset writes 0 to the status register.
	Reset()

	// Status returns the current device status.
	Status() uint32

	// SetStatus writes the device status register.
	SetStatus(v uint32)

	// DeviceID returns the VirtIO subsystem device ID; 0 means an empty
	// slot.
	DeviceID() uint32

	// Features reads one 32-bit half of the device feature vector.
	Features(sel FeatureSelect) uint32

	// SetFeatures writes one 32-bit half of the driver feature vector.
	SetFeatures(sel FeatureSelect, v uint32)

	// QueueMaxSize returns the maximum size the device supports for the
	// selected queue.
	QueueMaxSize(index int) uint32

	// SetupQueue registers the given virtqueue as the indexed queue,
	// following whatever register sequence the concrete transport
	// requires (legacy guest-page-size + PFN, or modern split
	// desc/driver/device addresses plus QUEUE_READY).
	SetupQueue(index int, vq *queue.VirtualQueue, size uint16) error

	// Notify informs the device that the indexed queue has new buffers
	// available.
	Notify(index int)

	// ReadISR returns the interrupt status register's current value.
	ReadISR() uint32

	// AckISR acknowledges the interrupt by writing v back to the
	// interrupt-acknowledge register. On a transport whose ISR register
	// is cleared by reading it (PCI), it does nothing.
	AckISR(v uint32)

	// Config copies size bytes of device-specific configuration space
	// into a freshly allocated slice.
	Config(size int) []byte

	// ConfigVersion returns the device configuration generation counter.
	// It increments whenever the device changes configuration space
	// (e.g. net link status, block capacity) out from under the driver;
	// a caller compares successive values to decide whether cached
	// config fields need re-fetching via Config.
	ConfigVersion() uint32
}

// NegotiateNone returns the feature vector halves to use when a driver
// negotiates no optional features beyond the baseline — every leaf
// driver in this module (spec.md §4.9 step 5: "this core negotiates the
// empty set beyond baselines").
func NegotiateNone() (low, high uint32) {
	return 0, 0
}
