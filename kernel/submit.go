package kernel

import "github.com/virtio-kernel/core/virtio/device"

// opKind maps a request's operation to the device kind that serves it.
func opKind(op device.Op) (device.Kind, bool) {
	switch op {
	case device.RNGRead:
		return device.Entropy, true
	case device.BlockRead, device.BlockWrite, device.BlockFlush:
		return device.Block, true
	case device.NetRecv, device.NetSend:
		return device.Net, true
	default:
		return 0, false
	}
}

// completeAll completes every request in a singly-linked list with the
// given result, detaching each from the list as it goes.
func completeAll(list *device.Request, result device.Result) {
	for req := list; req != nil; {
		next := req.Next
		req.Next = nil
		req.Complete(result)
		req = next
	}
}

// Submit first processes cancellations, then partitions submissions by
// device kind and hands each partition to its device (spec.md §4.8
// "Submit path").
// Unknown operations complete immediately with Invalid; operations
// targeting an unbound device complete with NoDevice.
func (p *Platform) Submit(submissions, cancellations *device.Request) {
	for req := cancellations; req != nil; req = req.Next {
		if req.Op == device.NetRecv && p.net != nil {
			p.net.Cancel(req)
		}
	}

	var heads [3]*device.Request
	var tails [3]*device.Request

	for req := submissions; req != nil; {
		next := req.Next
		req.Next = nil

		kind, ok := opKind(req.Op)
		if !ok {
			req.Complete(device.Invalid)
			req = next
			continue
		}

		if tails[kind] == nil {
			heads[kind] = req
		} else {
			tails[kind].Next = req
		}
		tails[kind] = req

		req = next
	}

	p.submitEntropy(heads[device.Entropy])
	p.submitBlock(heads[device.Block])
	p.submitNet(heads[device.Net])
}

func (p *Platform) submitEntropy(list *device.Request) {
	if list == nil {
		return
	}

	if p.rng == nil {
		completeAll(list, device.NoDevice)
		return
	}

	for req := list; req != nil; req = req.Next {
		p.rng.Submit(req)
	}
	p.rng.Notify()
}

func (p *Platform) submitBlock(list *device.Request) {
	if list == nil {
		return
	}

	if p.block == nil {
		completeAll(list, device.NoDevice)
		return
	}

	for req := list; req != nil; req = req.Next {
		p.block.Submit(req)
	}
	p.block.Notify()
}

// submitNet dispatches each request to the network device. NetRecv
// requests batch-notify internally (the standing request's own buffer
// set is the natural batch); NetSend requests are batched once after the
// whole list, following the same bulk-notify-once principle applied to a
// submission list rather than a single request's buffers.
func (p *Platform) submitNet(list *device.Request) {
	if list == nil {
		return
	}

	if p.net == nil {
		completeAll(list, device.NoDevice)
		return
	}

	var sentAny bool

	for req := list; req != nil; req = req.Next {
		p.net.Submit(req)
		if req.Op == device.NetSend {
			sentAny = true
		}
	}

	if sentAny {
		p.net.NotifyTx()
	}
}
