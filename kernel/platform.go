package kernel

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/virtio-kernel/core/dma"
	"github.com/virtio-kernel/core/intring"
	"github.com/virtio-kernel/core/pci"
	"github.com/virtio-kernel/core/virtio/block"
	"github.com/virtio-kernel/core/virtio/device"
	"github.com/virtio-kernel/core/virtio/net"
	"github.com/virtio-kernel/core/virtio/queue"
	"github.com/virtio-kernel/core/virtio/rng"
	"github.com/virtio-kernel/core/virtio/transport"
	"github.com/virtio-kernel/core/virtio/transport/mmio"
	"github.com/virtio-kernel/core/virtio/transport/pcitransport"
)

// overflowWarnEvery is the interrupt-ring overflow logging threshold
// (spec.md §4.8 step 1: "log a warning every 100 new overflows").
const overflowWarnEvery = 100

// headerSlotSize is the per-descriptor header scratch-space stride
// reserved for block request headers and net transmit headers. It is
// sized to the larger of the two (block's 17-byte header+status) rounded
// up to a convenient alignment; the actual header bytes live in the
// driver's own storage (block.Device.headers, net.Device.txHeaders) — the
// address handed out here is a stable, non-colliding per-descriptor
// identifier, not a second copy of the data (see DESIGN.md).
const headerSlotSize = 32

// Platform is the device multiplexer (spec.md §4.8): one storage slot per
// device kind, interrupt-ring plumbing, and the submit/tick entry points a
// kernel drives it through.
//
// Grounded on the teacher's board/qemu/microvm.go peripheral table,
// generalized from compile-time global peripheral vars to a value
// constructed per Config, and on soc/intel/pci/pci.go's Probe/Devices
// enumeration for PCI discovery.
type Platform struct {
	cfg Config

	dma     *dma.Region
	ring    *intring.Ring[device.Device]
	barAlloc *pci.Allocator

	rng   *rng.Device
	block *block.Device
	net   *net.Device

	headerCursor uint64
	lastOverflow uint32
}

// New constructs a Platform from the given options. It allocates the
// interrupt ring and DMA arena but performs no device discovery — call
// DiscoverPCI and/or DiscoverMMIO afterward.
func New(opts ...Option) *Platform {
	cfg := newConfig(opts...)

	p := &Platform{
		cfg:  cfg,
		dma:  dma.NewRegion(cfg.dmaStart, cfg.dmaSize),
		ring: intring.New[device.Device](cfg.ringCapacity),
	}

	if cfg.pci != nil {
		p.barAlloc = pci.NewAllocator(cfg.pci.barStart)
	}

	return p
}

// RNG returns the bound entropy device, or nil if none has been
// discovered and brought up.
func (p *Platform) RNG() *rng.Device { return p.rng }

// Block returns the bound block device, or nil.
func (p *Platform) Block() *block.Device { return p.block }

// Net returns the bound network device, or nil.
func (p *Platform) Net() *net.Device { return p.net }

// Overflow returns the interrupt ring's current saturating drop counter.
func (p *Platform) Overflow() uint32 { return p.ring.Overflow() }

func (p *Platform) boundKind(kind device.Kind) bool {
	switch kind {
	case device.Entropy:
		return p.rng != nil
	case device.Block:
		return p.block != nil
	case device.Net:
		return p.net != nil
	default:
		return false
	}
}

// classifyPCI identifies a device kind from its raw PCI device ID, legacy
// or modern encoding (spec.md §4.8 "by legacy or modern device ID").
func classifyPCI(id uint16) (device.Kind, bool) {
	switch id {
	case 0x1000, 0x1041:
		return device.Net, true
	case 0x1001, 0x1042:
		return device.Block, true
	case 0x1004, 0x1044:
		return device.Entropy, true
	default:
		return 0, false
	}
}

// classifyMMIO identifies a device kind from the VirtIO subsystem device
// ID read from an MMIO device's own device-ID register.
func classifyMMIO(id uint32) (device.Kind, bool) {
	switch id {
	case uint32(net.DeviceID):
		return device.Net, true
	case uint32(block.DeviceID):
		return device.Block, true
	case uint32(rng.DeviceID):
		return device.Entropy, true
	default:
		return 0, false
	}
}

// DiscoverPCI walks the configured PCI bus range, binding the first
// unbound device of each recognized kind (spec.md §4.8 "PCI scan").
// Devices of a kind already bound, or not in the VirtIO vendor/device-ID
// range this core recognizes, are skipped.
func (p *Platform) DiscoverPCI() error {
	pc := p.cfg.pci
	if pc == nil {
		return errors.New("kernel: PCI discovery not configured (use WithPCI)")
	}

	devices := pci.ScanRange(pc.configSpace, pc.busLo, pc.busHi)

	for i := range devices {
		dev := &devices[i]

		kind, ok := classifyPCI(dev.Device)
		if !ok || p.boundKind(kind) {
			continue
		}

		p.barAlloc.AssignBARs(dev)
		dev.EnableBusMastering()

		tr := &pcitransport.Transport{
			Device:  dev,
			Mem:     pc.memory(dev),
			Barrier: p.cfg.barrier,
		}

		log := p.cfg.logger.WithFields(logrus.Fields{"device": dev.String(), "kind": kind.String()})

		if err := tr.Init(); err != nil {
			log.WithError(err).Warn("pci: capability walk failed, device left unbound")
			continue
		}

		if err := p.bind(kind, tr); err != nil {
			log.WithError(err).Warn("pci: device bring-up failed, device left unbound")
			continue
		}

		vector := pci.Swizzle(pc.irqBase, dev.Slot, dev.InterruptPinValue())
		if pc.registerIRQ != nil {
			pc.registerIRQ(vector, dev)
		}

		log.WithField("vector", vector).Debug("pci: device bound")
	}

	return nil
}

// DiscoverMMIO probes each configured candidate base address, binding the
// first unbound device of each recognized kind (spec.md §4.8 "MMIO scan").
func (p *Platform) DiscoverMMIO() error {
	mc := p.cfg.mmio
	if mc == nil {
		return errors.New("kernel: MMIO discovery not configured (use WithMMIO)")
	}

	for _, base := range mc.bases {
		tr := &mmio.Transport{
			Regs:    mc.window(base),
			Barrier: p.cfg.barrier,
		}

		if err := tr.Init(); err != nil {
			// Bad magic or unsupported version: no device at this
			// candidate address, not a bring-up failure worth logging.
			continue
		}

		kind, ok := classifyMMIO(tr.DeviceID())
		if !ok || p.boundKind(kind) {
			continue
		}

		log := p.cfg.logger.WithFields(logrus.Fields{"base": base, "kind": kind.String()})

		if err := p.bind(kind, tr); err != nil {
			log.WithError(err).Warn("mmio: device bring-up failed, device left unbound")
			continue
		}

		log.Debug("mmio: device bound")
	}

	return nil
}

func (p *Platform) bind(kind device.Kind, tr transport.Transport) error {
	switch kind {
	case device.Entropy:
		return p.bindRNG(tr)
	case device.Block:
		return p.bindBlock(tr)
	case device.Net:
		return p.bindNet(tr)
	default:
		return errors.New("kernel: unknown device kind")
	}
}

func (p *Platform) allocQueue(size int) (uint64, []byte) {
	return p.dma.Alloc(queue.Size(size), 4096)
}

// nextHeaderRegion reserves a contiguous, non-overlapping block of
// synthetic per-descriptor header addresses. Real header bytes live in
// the driver's own storage; this address is only ever used as an opaque
// descriptor-table entry, never dereferenced by this core, so it is drawn
// from a simple bump cursor rather than the DMA arena itself.
func (p *Platform) nextHeaderRegion(slots int) uint64 {
	base := p.headerCursor
	p.headerCursor += uint64(slots) * headerSlotSize
	return base
}

func (p *Platform) bindRNG(tr transport.Transport) error {
	d := rng.New(tr)

	addr, mem := p.allocQueue(rng.QueueSize)
	if err := d.Init(addr, mem); err != nil {
		return err
	}

	p.rng = d
	return nil
}

func (p *Platform) bindBlock(tr transport.Transport) error {
	d := block.New(tr)

	headerBase := p.nextHeaderRegion(block.QueueSize)
	d.HeaderAddr = func(idx uint16) uint64 { return headerBase + uint64(idx)*headerSlotSize }

	addr, mem := p.allocQueue(block.QueueSize)
	if err := d.Init(addr, mem); err != nil {
		return err
	}

	p.block = d
	return nil
}

func (p *Platform) bindNet(tr transport.Transport) error {
	d := net.New(tr)

	headerBase := p.nextHeaderRegion(net.QueueSize)
	d.TxHeaderAddr = func(idx uint16) uint64 { return headerBase + uint64(idx)*headerSlotSize }

	rxAddr, rxMem := p.allocQueue(net.QueueSize)
	txAddr, txMem := p.allocQueue(net.QueueSize)

	if err := d.Init(rxAddr, rxMem, txAddr, txMem); err != nil {
		return err
	}

	p.net = d
	return nil
}

// OnInterrupt is the platform-facing IRQ handler (spec.md §5 "What the
// interrupt context may do"): it performs exactly the three permitted
// actions — acknowledge the interrupt at the transport, enqueue the
// device handle for the next tick, and signal EOI — and nothing else. It
// must never be called from the cooperative tick context.
func (p *Platform) OnInterrupt(d device.Device) {
	d.AckISR()
	p.ring.Enqueue(d)

	if p.cfg.eoi != nil {
		p.cfg.eoi()
	}
}

// Tick drains the interrupt ring and reaps completions (spec.md §4.8
// "Tick pump"). It must only be called from the cooperative base context.
func (p *Platform) Tick() {
	overflow := p.ring.Overflow()

	if overflow/overflowWarnEvery > p.lastOverflow/overflowWarnEvery {
		p.cfg.logger.WithFields(logrus.Fields{
			"overflow_total": overflow,
			"since_last_tick": overflow - p.lastOverflow,
		}).Warn("kernel: interrupt ring overflow")
	}
	p.lastOverflow = overflow

	end := p.ring.Snapshot()

	for {
		d, ok := p.ring.DequeueBounded(end)
		if !ok {
			return
		}

		d.ProcessIRQ()
	}
}

// NetBufferRelease re-arms one buffer of the standing network receive
// request (spec.md §6 "net_buffer_release"). It is a no-op if no network
// device is bound.
func (p *Platform) NetBufferRelease(req *device.Request, bufferIndex int) {
	if p.net == nil {
		return
	}

	p.net.BufferRelease(req, bufferIndex)
}
