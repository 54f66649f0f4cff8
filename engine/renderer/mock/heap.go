package mock

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// Slot is the content of one descriptor slot.
type Slot struct {
	View backend.View
	// Set by WriteNull; Binding is the type the null descriptor stands in for.
	Null    bool
	Binding metadata.BindingType
	Written bool
}

type Heap struct {
	kind          metadata.HeapKind
	shaderVisible bool
	stride        uint32
	cpuBase       backend.CPUHandle
	gpuBase       backend.GPUHandle

	mu        sync.RWMutex
	slots     []Slot
	destroyed bool
}

var _ backend.Heap = (*Heap)(nil)

func (h *Heap) Kind() metadata.HeapKind    { return h.kind }
func (h *Heap) Capacity() uint32           { return uint32(len(h.slots)) }
func (h *Heap) Stride() uint32             { return h.stride }
func (h *Heap) ShaderVisible() bool        { return h.shaderVisible }
func (h *Heap) CPUBase() backend.CPUHandle { return h.cpuBase }
func (h *Heap) GPUBase() backend.GPUHandle { return h.gpuBase }

func (h *Heap) check(index, count uint32) {
	if h.destroyed {
		panic(fmt.Sprintf("mock: access to destroyed %s heap", h.kind))
	}
	if uint64(index)+uint64(count) > uint64(len(h.slots)) {
		panic(fmt.Sprintf("mock: slots [%d, %d) out of range for %s heap of %d", index, index+count, h.kind, len(h.slots)))
	}
}

func (h *Heap) WriteView(index uint32, view backend.View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.check(index, 1)
	h.slots[index] = Slot{View: view, Written: true}
}

func (h *Heap) WriteNull(index uint32, binding metadata.BindingType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.check(index, 1)
	h.slots[index] = Slot{Null: true, Binding: binding, Written: true}
}

func (h *Heap) Copy(dst uint32, srcs []backend.DescriptorRef) {
	// Read sources first; a source may be this heap.
	copied := make([]Slot, len(srcs))
	for i, src := range srcs {
		sh, ok := src.Heap.(*Heap)
		if !ok {
			panic(fmt.Sprintf("mock: copy source %d is not a mock heap", i))
		}
		if sh.kind != h.kind {
			panic(fmt.Sprintf("mock: copy from %s heap into %s heap", sh.kind, h.kind))
		}
		copied[i] = sh.Slot(src.Index)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.check(dst, uint32(len(srcs)))
	copy(h.slots[dst:], copied)
}

// Slot returns the content of slot i.
func (h *Heap) Slot(i uint32) Slot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.check(i, 1)
	return h.slots[i]
}

func (h *Heap) Destroyed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.destroyed
}

func (h *Heap) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
}
