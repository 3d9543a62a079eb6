package device

import "sync/atomic"

// Op identifies the kind of work a Request carries (spec.md §3 "Request
// object", operation tag).
type Op int

const (
	RNGRead Op = iota
	BlockRead
	BlockWrite
	BlockFlush
	NetRecv
	NetSend
)

func (o Op) String() string {
	switch o {
	case RNGRead:
		return "rng-read"
	case BlockRead:
		return "block-read"
	case BlockWrite:
		return "block-write"
	case BlockFlush:
		return "block-flush"
	case NetRecv:
		return "net-recv"
	case NetSend:
		return "net-send"
	default:
		return "unknown-op"
	}
}

// State is a Request's position in its QUEUED -> LIVE -> COMPLETED
// lifecycle.
type State int32

const (
	Queued State = iota
	Live
	Completed
)

// MaxNetBuffers bounds a standing receive request's buffer array
// (spec.md §4.7: "up to 32").
const MaxNetBuffers = 32

// NetBuffer is one persistent receive buffer slot within a standing
// NetRecv request. Its descriptor reservation is pinned to its slot
// index for the lifetime of the request (spec.md §4.7 "desc_heads
// mapping does not change after allocation").
type NetBuffer struct {
	// Addr/Len describe the caller's DMA-capable receive buffer.
	Addr uint64
	Len  uint32

	descHead  uint16
	allocated bool
}

// DescHead reports the descriptor chain head reserved for this buffer,
// if any.
func (b *NetBuffer) DescHead() (uint16, bool) { return b.descHead, b.allocated }

// Reserve pins this buffer to a descriptor chain head.
func (b *NetBuffer) Reserve(head uint16) {
	b.descHead = head
	b.allocated = true
}

// Release clears this buffer's reservation, e.g. on request teardown.
func (b *NetBuffer) Release() {
	b.descHead = 0
	b.allocated = false
}

// Request is the kernel-owned unit of work handed to the core between
// submission and completion (spec.md §3 "Request object (kernel-side)").
// The core only borrows it: fields are populated by the kernel before
// submission and read back after the Callback fires.
type Request struct {
	Op   Op
	Next *Request

	// Callback is invoked exactly once, with the final result, when an
	// RNG, block or net-send request reaches COMPLETED. For a standing
	// net-recv request it is invoked with OK once per filled buffer;
	// cancelling a net-recv request does not invoke it.
	Callback func(*Request, Result)

	// Addr/Len describe the single DMA buffer used by an RNG read, a
	// block read/write data segment, or a net-send payload.
	Addr uint64
	Len  uint32

	// Block-specific fields.
	Sector           uint64
	CompletedSectors uint64

	// Net-send specific: HeaderAddr/HeaderLen locate the prepended
	// VirtIO net header buffer; Addr/Len carry the payload.
	HeaderAddr uint64
	HeaderLen  uint32

	// Net-recv specific: a standing request's persistent buffer set.
	Buffers    [MaxNetBuffers]NetBuffer
	NumBuffers int

	state     atomic.Int32
	cancelled atomic.Bool

	// descHead is the single-chain reservation used by RNG and block
	// requests.
	descHead  uint16
	allocated bool
}

// NewRequest returns a Request in the QUEUED state.
func NewRequest(op Op) *Request {
	r := &Request{Op: op}
	r.state.Store(int32(Queued))
	return r
}

// State returns the request's current lifecycle state.
func (r *Request) State() State { return State(r.state.Load()) }

// SetState transitions the request's lifecycle state. Drivers call this
// when they hand a request to the device (Live) and when they complete
// it (Completed).
func (r *Request) SetState(s State) { r.state.Store(int32(s)) }

// Cancelled reports whether Cancel has been called on this request.
func (r *Request) Cancelled() bool { return r.cancelled.Load() }

// Cancel marks the request cancelled. Only meaningful for a standing
// NetRecv request; other operation kinds silently ignore it (spec.md §5
// "Cancellation semantics").
func (r *Request) Cancel() { r.cancelled.Store(true) }

// DescHead reports the single-chain descriptor reservation used by RNG
// and block requests.
func (r *Request) DescHead() (uint16, bool) { return r.descHead, r.allocated }

// Reserve pins the request to a descriptor chain head.
func (r *Request) Reserve(head uint16) {
	r.descHead = head
	r.allocated = true
}

// ClearReservation releases the request's descriptor chain reservation.
func (r *Request) ClearReservation() {
	r.descHead = 0
	r.allocated = false
}

// Complete transitions the request to COMPLETED and invokes its
// callback, if any, with the given result.
func (r *Request) Complete(result Result) {
	r.SetState(Completed)
	if r.Callback != nil {
		r.Callback(r, result)
	}
}
