// Package rng implements the VirtIO entropy device driver (spec.md §4.5):
// one virtqueue, each request a single device-writable buffer.
//
// Grounded on the teacher's own virtio/rng/rng.go (PCI legacy register
// bring-up and a single descriptor per read), generalized from the
// teacher's package-global vq and PCI-only addressing onto the shared
// transport.Transport and queue.VirtualQueue abstractions so the same
// driver runs over either MMIO or PCI.
package rng

import (
	"fmt"

	"github.com/virtio-kernel/core/virtio/device"
	"github.com/virtio-kernel/core/virtio/queue"
	"github.com/virtio-kernel/core/virtio/transport"
)

// QueueSize is the fixed virtqueue capacity every device in this module
// negotiates, independent of the device's advertised maximum (spec.md §3:
// "Queue capacity is fixed at the build-time maximum (N = 256)").
const QueueSize = 256

// DeviceID is the VirtIO subsystem device ID for an entropy device.
const DeviceID = 4

// Device drives one VirtIO entropy device.
type Device struct {
	Transport transport.Transport

	queue  queue.VirtualQueue
	active [QueueSize]*device.Request
}

// New returns an uninitialized entropy device driver bound to t.
func New(t transport.Transport) *Device {
	return &Device{Transport: t}
}

func (*Device) Kind() device.Kind { return device.Entropy }

// Init runs the generic VirtIO bring-up sequence (spec.md §4.9): reset,
// acknowledge, negotiate the empty feature set, set up the single
// virtqueue at addr/mem, and mark the driver ready.
func (d *Device) Init(addr uint64, mem []byte) error {
	tr := d.Transport

	tr.Reset()
	tr.SetStatus(transport.Acknowledge)
	tr.SetStatus(transport.Acknowledge | transport.Driver)

	low, high := transport.NegotiateNone()
	tr.SetFeatures(transport.FeaturesLow, low)
	tr.SetFeatures(transport.FeaturesHigh, high)

	tr.SetStatus(transport.Acknowledge | transport.Driver | transport.FeaturesOK)
	if tr.Status()&transport.FeaturesOK == 0 {
		return fmt.Errorf("rng: device did not accept feature negotiation")
	}

	if err := d.queue.Init(addr, mem, QueueSize); err != nil {
		return fmt.Errorf("rng: queue init: %w", err)
	}
	if err := tr.SetupQueue(0, &d.queue, QueueSize); err != nil {
		return fmt.Errorf("rng: setup queue: %w", err)
	}

	tr.SetStatus(transport.Acknowledge | transport.Driver | transport.FeaturesOK | transport.DriverOK)
	if tr.Status()&transport.Failed != 0 {
		return fmt.Errorf("rng: device set FAILED during bring-up")
	}

	return nil
}

// Submit allocates one device-writable descriptor for req's output
// buffer and publishes it. If no descriptor is free, req completes
// immediately with NoSpace (spec.md §4.5 "Backpressure"). It does not
// notify the device — callers bulk-notify once after a whole submission
// batch via Notify (spec.md §4.5 step 4).
func (d *Device) Submit(req *device.Request) {
	idx, ok := d.queue.AllocDesc()
	if !ok {
		req.Complete(device.NoSpace)
		return
	}

	d.queue.SetDesc(idx, req.Addr, req.Len, queue.FlagWrite)
	req.SetState(device.Live)
	req.Reserve(idx)
	d.active[idx] = req
	d.queue.Publish(idx)
}

// Notify informs the device that queue 0 has new buffers available.
func (d *Device) Notify() {
	d.Transport.Notify(0)
}

// ProcessIRQ reaps the used ring, delivering each request's actual byte
// count to the kernel with OK and freeing its descriptor (spec.md §4.5
// "Completion").
func (d *Device) ProcessIRQ() {
	for {
		head, length, ok := d.queue.GetUsed()
		if !ok {
			return
		}

		req := d.active[head]
		d.active[head] = nil
		d.queue.FreeDesc(head)

		if req == nil {
			continue
		}

		req.Len = length
		req.ClearReservation()
		req.Complete(device.OK)
	}
}

// AckISR acknowledges the device's interrupt at the transport level.
func (d *Device) AckISR() {
	d.Transport.AckISR(d.Transport.ReadISR())
}

var _ device.Device = (*Device)(nil)
