// Package queue implements the VirtIO split virtqueue: a descriptor table
// plus an available ring (driver to device) and a used ring (device to
// driver), bit-exact with the VirtIO 1.x specification's split-ring
// layout.
//
// Wire fields are read and written directly against a caller-supplied
// byte-addressable DMA region, following the style of
// kvm/virtio/descriptor.go: a cached Go value is convenient to pass
// around, but the field that the device actually observes lives in the
// shared buffer and is mutated through explicit little-endian encode/decode
// calls, never through a Go struct laid directly over the memory.
package queue

import (
	"encoding/binary"
	"fmt"
)

// Descriptor flags (spec.md §3). Only Next and Write are ever set by this
// driver; Indirect is reserved and never negotiated (spec.md §1 Non-goals).
const (
	FlagNext     = 1
	FlagWrite    = 2
	FlagIndirect = 4
)

// DescriptorSize is the wire size, in bytes, of one descriptor table entry.
const DescriptorSize = 16

// none is the free-list sentinel ("no next descriptor").
const none = 0xFFFF

// alignUp rounds n up to the next multiple of align, align must be a power
// of two.
func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// descTableSize is the byte size of the descriptor table for n entries.
func descTableSize(n int) int { return n * DescriptorSize }

// availRingSize is the byte size of the available ring for n entries:
// flags(2) + idx(2) + n*2 + used_event(2).
func availRingSize(n int) int { return 4 + 2*n + 2 }

// usedRingSize is the byte size of the used ring for n entries:
// flags(2) + idx(2) + n*8 + avail_event(2).
func usedRingSize(n int) int { return 4 + 8*n + 2 }

// Size returns the total byte length of the contiguous memory block
// required to hold a split virtqueue of capacity n: descriptor table,
// available ring, padding up to a 4 KiB boundary, and used ring.
func Size(n int) int {
	descEnd := descTableSize(n)
	availEnd := descEnd + availRingSize(n)
	usedStart := alignUp(availEnd, 4096)

	return usedStart + usedRingSize(n)
}

// VirtualQueue is a driver-side handle onto one split virtqueue backed by
// a contiguous DMA memory block (spec.md §3 "Virtqueue memory block").
//
// A VirtualQueue is single-owner: it is driven exclusively from the base
// (cooperative) execution context, never from interrupt context
// (spec.md §5).
type VirtualQueue struct {
	mem  []byte
	addr uint64
	num  uint16

	availOff int
	usedOff  int

	numFree     uint16
	freeHead    uint16
	lastUsedIdx uint16

	// Barrier is invoked after writing descriptor contents and before
	// publishing avail.idx, and must resolve to a full memory barrier on
	// the target architecture. It defaults to a no-op; real platforms
	// inject the architecture's fence instruction.
	Barrier func()
}

// Init carves mem (a physical-address-backed, identity-mapped buffer of at
// least Size(n) bytes, starting at a 16-byte boundary) into the three
// virtqueue sub-regions and threads all n descriptors onto the free list.
func (q *VirtualQueue) Init(addr uint64, mem []byte, n uint16) error {
	if len(mem) < Size(int(n)) {
		return fmt.Errorf("queue: memory block too small: have %d, need %d", len(mem), Size(int(n)))
	}

	q.mem = mem
	q.addr = addr
	q.num = n
	q.availOff = descTableSize(int(n))
	q.usedOff = alignUp(q.availOff+availRingSize(int(n)), 4096)
	q.numFree = n
	q.freeHead = 0
	q.lastUsedIdx = 0

	if q.Barrier == nil {
		q.Barrier = func() {}
	}

	for i := uint16(0); i < n; i++ {
		next := i + 1
		if i == n-1 {
			next = none
		}

		q.writeDesc(i, 0, 0, 0, next)
	}

	// zero both ring headers and clear avail flags (interrupts requested).
	binary.LittleEndian.PutUint16(q.mem[q.availOff:], 0)
	binary.LittleEndian.PutUint16(q.mem[q.availOff+2:], 0)
	binary.LittleEndian.PutUint16(q.mem[q.usedOff:], 0)
	binary.LittleEndian.PutUint16(q.mem[q.usedOff+2:], 0)

	return nil
}

// Num returns the queue's fixed capacity.
func (q *VirtualQueue) Num() uint16 { return q.num }

// NumFree returns the number of descriptors currently on the free list.
func (q *VirtualQueue) NumFree() uint16 { return q.numFree }

// Addresses returns the physical addresses of the descriptor table, the
// available ring, and the used ring, for use by a transport's SetupQueue.
func (q *VirtualQueue) Addresses() (desc, avail, used uint64) {
	return q.addr, q.addr + uint64(q.availOff), q.addr + uint64(q.usedOff)
}

func (q *VirtualQueue) descOff(i uint16) int { return int(i) * DescriptorSize }

func (q *VirtualQueue) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descOff(i)
	binary.LittleEndian.PutUint64(q.mem[off:], addr)
	binary.LittleEndian.PutUint32(q.mem[off+8:], length)
	binary.LittleEndian.PutUint16(q.mem[off+12:], flags)
	binary.LittleEndian.PutUint16(q.mem[off+14:], next)
}

func (q *VirtualQueue) readDescNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.descOff(i)+14:])
}

func (q *VirtualQueue) readDescFlags(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.descOff(i)+12:])
}

// AllocDesc pops one descriptor off the free list. ok is false if the
// queue has no free descriptors (backpressure: callers complete the
// pending request with NoSpace).
func (q *VirtualQueue) AllocDesc() (idx uint16, ok bool) {
	if q.numFree == 0 {
		return 0, false
	}

	idx = q.freeHead
	q.freeHead = q.readDescNext(idx)
	q.numFree--

	return idx, true
}

// FreeDesc pushes a single descriptor back onto the free list. Callers
// freeing a whole chain should use FreeChain instead.
func (q *VirtualQueue) FreeDesc(idx uint16) {
	q.writeDesc(idx, 0, 0, 0, q.freeHead)
	q.freeHead = idx
	q.numFree++
}

// FreeChain walks a published or reaped chain starting at head, following
// Next while FlagNext is set, freeing every descriptor in it.
func (q *VirtualQueue) FreeChain(head uint16) {
	idx := head

	for {
		flags := q.readDescFlags(idx)
		next := q.readDescNext(idx)

		q.FreeDesc(idx)

		if flags&FlagNext == 0 {
			return
		}

		idx = next
	}
}

// SetDesc writes the four descriptor fields at idx.
func (q *VirtualQueue) SetDesc(idx uint16, addr uint64, length uint32, flags uint16) {
	q.writeDesc(idx, addr, length, flags, none)
}

// LinkDesc chains descriptor a to descriptor b: sets a.Next = b and sets
// FlagNext on a's flags.
func (q *VirtualQueue) LinkDesc(a, b uint16) {
	off := q.descOff(a)
	flags := binary.LittleEndian.Uint16(q.mem[off+12:])
	binary.LittleEndian.PutUint16(q.mem[off+12:], flags|FlagNext)
	binary.LittleEndian.PutUint16(q.mem[off+14:], b)
}

func (q *VirtualQueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.availOff+2:])
}

func (q *VirtualQueue) setAvailIdx(v uint16) {
	binary.LittleEndian.PutUint16(q.mem[q.availOff+2:], v)
}

// Publish makes the descriptor chain headed by head visible to the
// device: it stores the chain head in the next available-ring slot, issues
// a full memory barrier so the chain contents are globally visible before
// the device can observe the advanced index, then advances avail.idx.
func (q *VirtualQueue) Publish(head uint16) {
	idx := q.availIdx()
	slot := q.availOff + 4 + int(idx%q.num)*2

	binary.LittleEndian.PutUint16(q.mem[slot:], head)

	q.Barrier()

	q.setAvailIdx(idx + 1)
}

func (q *VirtualQueue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.usedOff+2:])
}

// HasUsed reports whether the device has placed an entry on the used ring
// that has not yet been reaped.
func (q *VirtualQueue) HasUsed() bool {
	return q.lastUsedIdx != q.usedIdx()
}

// GetUsed reaps the next used-ring entry, returning the chain-head index
// and the number of bytes the device wrote. ok is false if there is
// nothing to reap.
func (q *VirtualQueue) GetUsed() (head uint16, length uint32, ok bool) {
	if !q.HasUsed() {
		return 0, 0, false
	}

	off := q.usedOff + 4 + int(q.lastUsedIdx%q.num)*8
	head = uint16(binary.LittleEndian.Uint32(q.mem[off:]))
	length = binary.LittleEndian.Uint32(q.mem[off+4:])

	q.lastUsedIdx++

	return head, length, true
}

// PushUsed writes one used-ring entry and advances used.idx, playing the
// role of the device side of the ring. It exists for tests and loopback
// transports that emulate a device in-process, mirroring the way
// kvm/virtio/descriptor.go's host-side emulation populates the used ring
// on the driver's behalf.
func (q *VirtualQueue) PushUsed(head uint16, length uint32) {
	idx := q.usedIdx()
	off := q.usedOff + 4 + int(idx%q.num)*8

	binary.LittleEndian.PutUint32(q.mem[off:], uint32(head))
	binary.LittleEndian.PutUint32(q.mem[off+4:], length)

	binary.LittleEndian.PutUint16(q.mem[q.usedOff+2:], idx+1)
}
