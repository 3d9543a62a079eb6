// Package device defines the small, uniform surface every VirtIO device
// personality (entropy, block, net) exposes to the interrupt ring and the
// multiplexer.
//
// The teacher's reference implementation threads this through a C-style
// "base struct at offset zero" carrying function pointers and an untyped
// platform pointer, so that a single generic interrupt path can dispatch
// without knowing the concrete device type. Go has no need for that cast:
// an interface carrying ProcessIRQ and AckISR is the zero-cost equivalent,
// and the interrupt ring (intring.Ring[device.Device]) simply stores
// interface values.
package device

// Kind identifies a device personality.
type Kind int

const (
	Entropy Kind = iota
	Block
	Net
)

func (k Kind) String() string {
	switch k {
	case Entropy:
		return "entropy"
	case Block:
		return "block"
	case Net:
		return "net"
	default:
		return "unknown"
	}
}

// Device is the generic handle the interrupt ring carries and the
// multiplexer's tick pump drives. Every leaf driver (rng.Device,
// block.Device, net.Device) implements it.
type Device interface {
	// Kind reports which device personality this handle belongs to.
	Kind() Kind

	// ProcessIRQ reaps the device's used ring and completes requests. It
	// runs only from the cooperative tick, never from interrupt context.
	// None of the drivers in this module puts itself back on the
	// interrupt ring: a released network receive buffer is re-armed and
	// the device notified, with no ring entry added.
	ProcessIRQ()

	// AckISR acknowledges the device's interrupt at the transport level.
	// It is safe to call from interrupt context: it performs no
	// allocation and does not touch the used ring.
	AckISR()
}

// Result is the minimal taxonomy of outcomes a request can complete with
// (spec.md §7). It is carried as a value to the kernel's completion
// callback, not as a Go error: these are steady-state, expected outcomes
// a kernel branches on, not exceptional control flow.
type Result int

const (
	OK Result = iota
	NoSpace
	Invalid
	IOError
	NoDevice
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case NoSpace:
		return "no-space"
	case Invalid:
		return "invalid"
	case IOError:
		return "io-error"
	case NoDevice:
		return "no-device"
	default:
		return "unknown-result"
	}
}
