package descriptor

import (
	"sync/atomic"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
)

// Descriptor owns the slot range [Offset, Offset+Count) of one heap. The
// heap pointer is borrowed; the allocator owns the heap.
type Descriptor struct {
	heap     *Heap
	offset   uint32
	count    uint32
	stride   uint32
	released atomic.Bool
}

func (d *Descriptor) Heap() *Heap {
	return d.heap
}

func (d *Descriptor) Offset() uint32 {
	return d.offset
}

func (d *Descriptor) Count() uint32 {
	return d.count
}

// Stride is the backend's increment size between two slots.
func (d *Descriptor) Stride() uint32 {
	return d.stride
}

// CPUHandle returns the CPU address of the i-th slot of the range.
func (d *Descriptor) CPUHandle(i uint32) backend.CPUHandle {
	return d.heap.backend.CPUBase() + backend.CPUHandle(uint64(d.offset+i)*uint64(d.stride))
}

// GPUHandle returns the GPU address of the i-th slot of the range, or zero if
// the heap is not shader visible.
func (d *Descriptor) GPUHandle(i uint32) backend.GPUHandle {
	base := d.heap.backend.GPUBase()
	if base == 0 {
		return 0
	}
	return base + backend.GPUHandle(uint64(d.offset+i)*uint64(d.stride))
}

// Ref names the i-th slot for copies and render-target binding.
func (d *Descriptor) Ref(i uint32) backend.DescriptorRef {
	return backend.DescriptorRef{Heap: d.heap.backend, Index: d.offset + i}
}

// Write writes view into the i-th slot.
func (d *Descriptor) Write(i uint32, view backend.View) {
	d.heap.backend.WriteView(d.offset+i, view)
}

func (d *Descriptor) Released() bool {
	return d.released.Load()
}

// Release hands the range back to its heap. Calling it more than once, or on
// a nil descriptor, does nothing.
func (d *Descriptor) Release() {
	if d == nil || d.released.Swap(true) {
		return
	}
	d.heap.release(d.offset, d.count)
}
