// Package faketransport implements transport.Transport entirely in Go
// slices, for deterministic unit tests of device drivers without a real
// MMIO window or PCI bus (SPEC_FULL.md §8, grounded on the teacher's own
// table-driven register tests in arm/gic_test.go).
package faketransport

import (
	"github.com/virtio-kernel/core/virtio/queue"
	"github.com/virtio-kernel/core/virtio/transport"
)

// Transport is an in-memory stand-in for a real VirtIO transport. Tests
// configure DeviceFeatures/ConfigSpace/MaxQueueSize up front and then
// inspect Queues/NotifyCount/StatusHistory after exercising a driver.
type Transport struct {
	DeviceIDValue    uint32
	DeviceFeatures   [2]uint32
	MaxQueueSize     uint32
	ConfigSpaceBytes []byte

	// FailFeaturesOK, if set, makes SetStatus silently refuse to latch
	// FeaturesOK, simulating a device that rejects negotiation.
	FailFeaturesOK bool

	// Generation is returned by ConfigVersion. Tests bump it and update
	// ConfigSpaceBytes together to simulate a device changing
	// configuration space mid-session.
	Generation uint32

	status       uint32
	driverFeat   [2]uint32
	isr          uint32
	Queues       map[int]*queue.VirtualQueue
	NotifyCount  map[int]int
	StatusHistory []uint32
}

// New returns a ready-to-use fake transport.
func New(deviceID uint32) *Transport {
	return &Transport{
		DeviceIDValue: deviceID,
		Queues:        make(map[int]*queue.VirtualQueue),
		NotifyCount:   make(map[int]int),
	}
}

func (t *Transport) Init() error { return nil }

func (t *Transport) Reset() {
	t.status = 0
	t.StatusHistory = append(t.StatusHistory, 0)
}

func (t *Transport) Status() uint32 { return t.status }

func (t *Transport) SetStatus(v uint32) {
	if t.FailFeaturesOK {
		v &^= transport.FeaturesOK
	}
	t.status = v
	t.StatusHistory = append(t.StatusHistory, v)
}

func (t *Transport) DeviceID() uint32 { return t.DeviceIDValue }

func (t *Transport) Features(sel transport.FeatureSelect) uint32 {
	return t.DeviceFeatures[sel]
}

func (t *Transport) SetFeatures(sel transport.FeatureSelect, v uint32) {
	t.driverFeat[sel] = v
}

func (t *Transport) QueueMaxSize(int) uint32 { return t.MaxQueueSize }

func (t *Transport) SetupQueue(index int, vq *queue.VirtualQueue, _ uint16) error {
	t.Queues[index] = vq
	return nil
}

func (t *Transport) Notify(index int) { t.NotifyCount[index]++ }

func (t *Transport) ReadISR() uint32 { return t.isr }

func (t *Transport) AckISR(v uint32) { t.isr &^= v }

// RaiseISR sets the ISR status bit, simulating a device interrupt.
func (t *Transport) RaiseISR() { t.isr |= 1 }

func (t *Transport) Config(size int) []byte {
	buf := make([]byte, size)
	copy(buf, t.ConfigSpaceBytes)
	return buf
}

func (t *Transport) ConfigVersion() uint32 { return t.Generation }

var _ transport.Transport = (*Transport)(nil)
