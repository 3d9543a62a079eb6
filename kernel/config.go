// Package kernel implements the device multiplexer (spec.md §4.8): the
// single point of contact between a bare-metal kernel and the VirtIO core.
// It owns one storage slot per device kind, runs PCI/MMIO discovery and
// bring-up, partitions submissions by device, drains the interrupt ring on
// tick, and routes cancellations and buffer releases.
//
// Grounded on the teacher's board/qemu/microvm.go peripheral table (a
// package of named, pre-wired peripheral instances plus a single Init
// entry point) and soc/intel/pci/pci.go's Probe/Devices enumeration,
// generalized from a package of global vars fixed at compile time to a
// Config-constructed Platform value, since this module must support more
// than one concurrently configured platform (tests run many).
package kernel

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/virtio-kernel/core/pci"
	"github.com/virtio-kernel/core/virtio/transport/mmio"
	"github.com/virtio-kernel/core/virtio/transport/pcitransport"
)

// defaultRingCapacity matches spec.md's reference implementation (§4.1).
const defaultRingCapacity = 64

// defaultDMASize is large enough to hold a handful of 256-entry virtqueues
// plus their per-descriptor header scratch space.
const defaultDMASize = 4 << 20

// pciConfig bundles the platform collaborators PCI discovery needs.
type pciConfig struct {
	configSpace ConfigSpace
	memory      func(*pci.Device) pcitransport.MemoryAccess
	barStart    uint64
	busLo       uint8
	busHi       uint8
	irqBase     int
	registerIRQ func(vector int, dev *pci.Device)
}

// ConfigSpace is re-exported so callers configuring a Platform do not need
// to import the pci package directly for this one type.
type ConfigSpace = pci.ConfigSpace

// mmioConfig bundles the platform collaborators MMIO discovery needs.
type mmioConfig struct {
	bases  []uint64
	window func(base uint64) mmio.RegisterWindow
}

// Config collects every tunable and platform collaborator the multiplexer
// needs, built up with functional options (SPEC_FULL.md's ambient
// configuration section) rather than the teacher's package-level var
// peripheral table, since a library (unlike a single board's hwinit) must
// support more than one configured instance.
type Config struct {
	ringCapacity uint32
	dmaStart     uint64
	dmaSize      int
	barrier      func()
	eoi          func()
	logger       logrus.FieldLogger
	pci          *pciConfig
	mmio         *mmioConfig
}

// Option configures a Platform at construction time.
type Option func(*Config)

// WithInterruptRingCapacity overrides the interrupt ring's capacity, which
// must be a power of two (spec.md §4.1). Default 64.
func WithInterruptRingCapacity(n uint32) Option {
	return func(c *Config) { c.ringCapacity = n }
}

// WithDMA overrides the identity-mapped DMA arena used for virtqueue
// memory and per-descriptor header scratch space. Default is a 4 MiB
// arena starting at address 0, suitable for tests; a real platform
// supplies the base of a physical range carved out for driver use.
func WithDMA(start uint64, size int) Option {
	return func(c *Config) {
		c.dmaStart = start
		c.dmaSize = size
	}
}

// WithBarrier installs the architecture's memory barrier, invoked by every
// transport after register writes that must be observed by the device
// before a subsequent read (spec.md §5 "Shared resources"). Nil (the
// default) is correct for the fake transports used in tests.
func WithBarrier(fn func()) Option {
	return func(c *Config) { c.barrier = fn }
}

// WithEOI installs the platform's end-of-interrupt signal, the third of
// the exactly three actions interrupt context may perform (spec.md §5:
// ack_isr, enqueue, EOI). Nil (the default) is correct for platforms
// without a separate EOI step (e.g. legacy INTx on some chipsets).
func WithEOI(fn func()) Option {
	return func(c *Config) { c.eoi = fn }
}

// WithPCIInterruptBase sets the base vector pci.Swizzle adds the
// slot/pin-derived offset to (spec.md §4.8 step 5). Default 0.
func WithPCIInterruptBase(base int) Option {
	return func(c *Config) {
		if c.pci == nil {
			c.pci = &pciConfig{busHi: 3}
		}
		c.pci.irqBase = base
	}
}

// WithLogger installs a structured logger for bring-up diagnostics and the
// interrupt-ring overflow warning (spec.md §4.8 step 1, §7). The default
// is a logrus logger with output discarded, so the library imposes no
// forced console behavior on an embedder that has not asked for logs.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) { c.logger = l }
}

// WithPCI enables PCI discovery (spec.md §4.8 "PCI scan"). configSpace
// gives the multiplexer raw configuration-space access; memory resolves a
// discovered device's BAR-mapped capability windows to a MemoryAccess
// implementation (spec.md §4.4); barStart is the first address the BAR
// allocator assigns from (should be 4 KiB aligned).
func WithPCI(configSpace ConfigSpace, memory func(*pci.Device) pcitransport.MemoryAccess, barStart uint64) Option {
	return func(c *Config) {
		if c.pci == nil {
			c.pci = &pciConfig{busHi: 3}
		}
		c.pci.configSpace = configSpace
		c.pci.memory = memory
		c.pci.barStart = barStart
	}
}

// WithPCIBusRange restricts the PCI scan to buses lo..hi inclusive
// (default 0..3, spec.md §4.8 "Walk buses 0..3"). Must be called after
// WithPCI.
func WithPCIBusRange(lo, hi uint8) Option {
	return func(c *Config) {
		if c.pci == nil {
			c.pci = &pciConfig{}
		}
		c.pci.busLo = lo
		c.pci.busHi = hi
	}
}

// WithPCIInterruptRegistration installs the platform hook that arms the
// INTx-swizzled vector this multiplexer derives for each bound PCI device
// (spec.md §4.8 step 5). The vector itself is computed internally via
// pci.Swizzle; register receives the device so the platform can look up
// which handle to re-dispatch to when that vector fires.
func WithPCIInterruptRegistration(register func(vector int, dev *pci.Device)) Option {
	return func(c *Config) {
		if c.pci == nil {
			c.pci = &pciConfig{busHi: 3}
		}
		c.pci.registerIRQ = register
	}
}

// WithMMIO enables MMIO discovery (spec.md §4.8 "MMIO scan") against an
// explicit table of candidate base addresses, per SPEC_FULL.md's Open
// Question decision to gate MMIO probing behind a caller-supplied
// discovery table rather than blindly scanning a stride range on real
// hardware. window resolves a candidate base address to register access.
func WithMMIO(bases []uint64, window func(base uint64) mmio.RegisterWindow) Option {
	return func(c *Config) {
		c.mmio = &mmioConfig{bases: bases, window: window}
	}
}

// WithMMIOScan is a convenience constructor for emulated platforms that
// want the stride-scan behavior spec.md §4.8 describes ("stride 0x200 on
// ARM/x86, 0x1000 on RISC-V; up to 8-32 slots"): it builds the candidate
// table WithMMIO expects from a base/stride/slot count instead of an
// explicit list.
func WithMMIOScan(base uint64, stride uint64, slots int, window func(base uint64) mmio.RegisterWindow) Option {
	bases := make([]uint64, slots)
	for i := range bases {
		bases[i] = base + uint64(i)*stride
	}

	return WithMMIO(bases, window)
}

func newConfig(opts ...Option) Config {
	c := Config{
		ringCapacity: defaultRingCapacity,
		dmaStart:     0,
		dmaSize:      defaultDMASize,
		logger:       discardLogger(),
	}

	for _, opt := range opts {
		opt(&c)
	}

	return c
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
