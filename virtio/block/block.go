// Package block implements the VirtIO block device driver (spec.md
// §4.6): one virtqueue, a 3-descriptor read/write chain (header, data,
// status) or 2-descriptor flush chain (header, status).
//
// Grounded on the wire-level conventions of kvm/virtio/descriptor.go
// (explicit little-endian field encoding into a DMA-backed byte buffer)
// and generalized to the request-header/status layout the VirtIO block
// ABI defines, which the teacher's driver set never implements.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/virtio-kernel/core/virtio/device"
	"github.com/virtio-kernel/core/virtio/queue"
	"github.com/virtio-kernel/core/virtio/transport"
)

// QueueSize is the fixed virtqueue capacity (spec.md §3).
const QueueSize = 256

// DeviceID is the VirtIO subsystem device ID for a block device.
const DeviceID = 2

// VirtIO block request types (VirtIO 1.x §5.2.6).
const (
	reqIn    = 0
	reqOut   = 1
	reqFlush = 4
)

// Status byte values the device writes back.
const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2

	statusPending = 0xFF
)

const (
	headerSize = 16 // type(4) + reserved(4) + sector(8)
	sectorSize = 512
)

// requestHeader is a statically-allocated per-descriptor buffer holding
// the 16-byte request header the device reads, and trailing the single
// status byte the device writes (spec.md §5 "per-descriptor static
// request-header buffers... owned exclusively by the driver while a
// descriptor is in flight").
type requestHeader struct {
	buf [headerSize + 1]byte
}

func (h *requestHeader) setHeader(reqType uint32, sector uint64) {
	binary.LittleEndian.PutUint32(h.buf[0:], reqType)
	binary.LittleEndian.PutUint32(h.buf[4:], 0)
	binary.LittleEndian.PutUint64(h.buf[8:], sector)
	h.buf[headerSize] = statusPending
}

func (h *requestHeader) status() byte { return h.buf[headerSize] }

// Config mirrors the device-specific configuration fields this driver
// reads (spec.md §4.6: "capacity in 512-B units, block size, and
// segment max").
type Config struct {
	CapacitySectors uint64
	BlockSize       uint32
	SegMax          uint32
}

// Device drives one VirtIO block device.
type Device struct {
	Transport transport.Transport
	Config    Config

	queue   queue.VirtualQueue
	active  [QueueSize]*device.Request
	headers [QueueSize]requestHeader

	// HeaderAddr resolves a header descriptor index to the address placed
	// in the descriptor table for that request header; the status
	// descriptor uses that address plus headerSize. The platform sets it
	// before Init.
	HeaderAddr func(idx uint16) uint64

	// configGen is the transport's config-generation counter as of the
	// last Capacity/BlockSize/SegMax re-fetch.
	configGen uint32
}

// blockConfigSize is the byte length of the device-specific configuration
// fields this driver reads (capacity, block size, seg max).
const blockConfigSize = 20

// New returns an uninitialized block device driver bound to t.
func New(t transport.Transport) *Device {
	return &Device{Transport: t}
}

func (*Device) Kind() device.Kind { return device.Block }

// Init runs the generic bring-up sequence (spec.md §4.9), reading the
// device's capacity/block-size/seg-max configuration before negotiating
// the empty feature set, applying sane defaults when the device reports
// zero (spec.md §4.6: "block size defaults to 512, seg_max to 1").
func (d *Device) Init(addr uint64, mem []byte) error {
	tr := d.Transport

	tr.Reset()
	tr.SetStatus(transport.Acknowledge)
	tr.SetStatus(transport.Acknowledge | transport.Driver)

	d.readConfig()
	d.configGen = tr.ConfigVersion()

	low, high := transport.NegotiateNone()
	tr.SetFeatures(transport.FeaturesLow, low)
	tr.SetFeatures(transport.FeaturesHigh, high)

	tr.SetStatus(transport.Acknowledge | transport.Driver | transport.FeaturesOK)
	if tr.Status()&transport.FeaturesOK == 0 {
		return fmt.Errorf("block: device did not accept feature negotiation")
	}

	if err := d.queue.Init(addr, mem, QueueSize); err != nil {
		return fmt.Errorf("block: queue init: %w", err)
	}
	if err := tr.SetupQueue(0, &d.queue, QueueSize); err != nil {
		return fmt.Errorf("block: setup queue: %w", err)
	}

	tr.SetStatus(transport.Acknowledge | transport.Driver | transport.FeaturesOK | transport.DriverOK)
	if tr.Status()&transport.Failed != 0 {
		return fmt.Errorf("block: device set FAILED during bring-up")
	}

	return nil
}

func reqType(op device.Op) (uint32, bool) {
	switch op {
	case device.BlockRead:
		return reqIn, true
	case device.BlockWrite:
		return reqOut, true
	case device.BlockFlush:
		return reqFlush, true
	default:
		return 0, false
	}
}

// Submit validates and allocates a descriptor chain for req, then
// publishes it (spec.md §4.6 "Validation" / "Allocation").
func (d *Device) Submit(req *device.Request) {
	typ, ok := reqType(req.Op)
	if !ok {
		req.Complete(device.Invalid)
		return
	}

	needsData := req.Op != device.BlockFlush

	if needsData && req.Addr%4096 != 0 {
		req.Complete(device.Invalid)
		return
	}

	headerIdx, ok := d.queue.AllocDesc()
	if !ok {
		req.Complete(device.NoSpace)
		return
	}

	var dataIdx uint16
	if needsData {
		dataIdx, ok = d.queue.AllocDesc()
		if !ok {
			d.queue.FreeDesc(headerIdx)
			req.Complete(device.NoSpace)
			return
		}
	}

	statusIdx, ok := d.queue.AllocDesc()
	if !ok {
		if needsData {
			d.queue.FreeDesc(dataIdx)
		}
		d.queue.FreeDesc(headerIdx)
		req.Complete(device.NoSpace)
		return
	}

	hdr := &d.headers[headerIdx]
	hdr.setHeader(typ, req.Sector)

	headerAddr := d.HeaderAddr(headerIdx)
	d.queue.SetDesc(headerIdx, headerAddr, headerSize, queue.FlagNext)

	if needsData {
		dataFlags := uint16(queue.FlagNext)
		if req.Op == device.BlockRead {
			dataFlags |= queue.FlagWrite
		}
		d.queue.SetDesc(dataIdx, req.Addr, req.Len, dataFlags)
		d.queue.LinkDesc(headerIdx, dataIdx)
		d.queue.SetDesc(statusIdx, headerAddr+headerSize, 1, queue.FlagWrite)
		d.queue.LinkDesc(dataIdx, statusIdx)
	} else {
		d.queue.SetDesc(statusIdx, headerAddr+headerSize, 1, queue.FlagWrite)
		d.queue.LinkDesc(headerIdx, statusIdx)
	}

	req.SetState(device.Live)
	req.Reserve(headerIdx)
	d.active[headerIdx] = req
	d.queue.Publish(headerIdx)
}

// Notify informs the device that queue 0 has new buffers available. A
// caller submitting a batch of requests notifies once after the batch,
// not per request.
func (d *Device) Notify() {
	d.Transport.Notify(0)
}

// ProcessIRQ reaps the used ring, inspecting each request's in-memory
// status byte (spec.md §4.6 "Completion": the length field is not
// trustworthy here, only the status byte is).
func (d *Device) ProcessIRQ() {
	for {
		head, _, ok := d.queue.GetUsed()
		if !ok {
			return
		}

		req := d.active[head]
		d.active[head] = nil

		hdr := &d.headers[head]
		status := hdr.status()

		d.queue.FreeChain(head)

		if req == nil {
			continue
		}

		req.ClearReservation()

		switch status {
		case statusOK:
			if req.Op != device.BlockFlush {
				req.CompletedSectors = uint64(req.Len) / sectorSize
			}
			req.Complete(device.OK)
		case statusUnsupp:
			req.Complete(device.Invalid)
		default:
			req.Complete(device.IOError)
		}
	}
}

// AckISR acknowledges the device's interrupt at the transport level.
func (d *Device) AckISR() {
	d.Transport.AckISR(d.Transport.ReadISR())
}

func (d *Device) readConfig() {
	cfg := d.Transport.Config(blockConfigSize)
	d.Config.CapacitySectors = binary.LittleEndian.Uint64(cfg[0:])
	d.Config.BlockSize = binary.LittleEndian.Uint32(cfg[12:])
	d.Config.SegMax = binary.LittleEndian.Uint32(cfg[16:])

	if d.Config.BlockSize == 0 {
		d.Config.BlockSize = sectorSize
	}
	if d.Config.SegMax == 0 {
		d.Config.SegMax = 1
	}
}

// Capacity returns the device's capacity in 512-byte sectors, re-reading
// configuration space first if the transport's generation counter has
// advanced since the last fetch (spec.md §4.6 "capacity in 512-B
// units"), rather than trusting the one-shot read taken at Init.
func (d *Device) Capacity() uint64 {
	if gen := d.Transport.ConfigVersion(); gen != d.configGen {
		d.readConfig()
		d.configGen = gen
	}
	return d.Config.CapacitySectors
}

var _ device.Device = (*Device)(nil)
