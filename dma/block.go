// Package dma provides the identity-mapped DMA buffer allocator the
// kernel multiplexer uses for virtqueue memory and per-descriptor
// static buffers (spec.md §3 "Physical address": "the core assumes an
// identity map: pointers to kernel memory are directly usable as
// physical addresses").
//
// Grounded on the teacher's own dma package: a first-fit allocator over
// a single contiguous region, tracked with container/list free/used
// blocks. The teacher backs reads and writes with unsafe.Pointer
// arithmetic into memory the GOOS=tamago runtime never touches — not
// something this portable core can assume. Instead, a Region owns a
// real Go-allocated arena and treats offsets into it as the "physical"
// addresses the rest of the core already treats as plain uint64 values.
package dma

type block struct {
	addr uint64
	size uint64
	res  bool
}
