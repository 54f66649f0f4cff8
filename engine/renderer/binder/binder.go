// Package binder turns per-slot binding calls into the descriptor tables a
// backend consumes. Root constants and root descriptors go straight into the
// command list; table slots are buffered in a CPU-side cache and copied into a
// fresh shader-visible range by FlushDescriptors, once per draw or dispatch.
package binder

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// RangeAllocator hands out contiguous shader-visible descriptor ranges.
type RangeAllocator interface {
	Allocate(count uint32) (*descriptor.Descriptor, error)
}

// Source is what a slot gets bound to. Table slots copy View; root
// descriptors use Buffer and Offset.
type Source struct {
	View   backend.DescriptorRef
	Buffer backend.Buffer
	Offset uint64
}

const (
	cacheResource = iota
	cacheSampler
	cacheCount
)

var cacheHeapKinds = [cacheCount]metadata.HeapKind{metadata.HeapResource, metadata.HeapSampler}

func cacheFor(b metadata.BindingType) int {
	if b.HeapKind() == metadata.HeapSampler {
		return cacheSampler
	}
	return cacheResource
}

type param struct {
	desc        metadata.LayoutParam
	cache       int
	cacheOffset uint32
}

type slotRef struct {
	param   uint32
	element uint32
	binding metadata.BindingType
}

// cache is the CPU-side scratch table of one heap kind.
type cache struct {
	entries []backend.DescriptorRef
	owners  []slotRef
	params  []uint32
	dirty   bool
}

// ResourceBinder belongs to exactly one command context and is not safe for
// concurrent use.
type ResourceBinder struct {
	logger     *core.Logger
	list       backend.CommandList
	allocators [cacheCount]RangeAllocator

	layout   backend.PipelineLayout
	params   []param
	caches   [cacheCount]cache
	bound    [cacheCount]backend.Heap
	warned   map[slotRef]struct{}
	retained []*descriptor.Descriptor
}

func New(list backend.CommandList, resources, samplers RangeAllocator, logger *core.Logger) *ResourceBinder {
	return &ResourceBinder{
		logger:     logger.OrDefault(),
		list:       list,
		allocators: [cacheCount]RangeAllocator{resources, samplers},
		warned:     make(map[slotRef]struct{}),
	}
}

// Begin forgets all bindings and binds the given shader-visible heaps, which
// hold the bindless tables. Either may be nil.
func (b *ResourceBinder) Begin(resourceHeap, samplerHeap backend.Heap) {
	b.Reset()
	b.bound = [cacheCount]backend.Heap{resourceHeap, samplerHeap}
	if resourceHeap != nil || samplerHeap != nil {
		b.list.SetDescriptorHeaps(resourceHeap, samplerHeap)
	}
}

// Reset clears the layout, caches and bound heaps. Retained ranges are kept;
// see TakeRetained and ReleaseRetained.
func (b *ResourceBinder) Reset() {
	b.layout = nil
	b.params = nil
	b.caches = [cacheCount]cache{}
	b.bound = [cacheCount]backend.Heap{}
	clear(b.warned)
}

func (b *ResourceBinder) Layout() backend.PipelineLayout {
	return b.layout
}

// SetPipelineLayout classifies every parameter of layout and sizes the
// scratch caches. Setting the current layout again keeps the bindings.
func (b *ResourceBinder) SetPipelineLayout(layout backend.PipelineLayout) error {
	if layout == nil {
		return core.InvalidUsage("nil pipeline layout")
	}
	if layout == b.layout {
		return nil
	}
	desc := layout.Desc()
	params := make([]param, len(desc.Params))
	var caches [cacheCount]cache
	for i, p := range desc.Params {
		params[i] = param{desc: p}
		switch p.Kind {
		case metadata.ParamRootConstants:
		case metadata.ParamRootDescriptor:
			if !p.Binding.IsBuffer() {
				return core.InvalidUsage("layout %q parameter %d: a %s cannot be a root descriptor", desc.Name, i, p.Binding)
			}
		case metadata.ParamDescriptorTable:
			c := cacheFor(p.Binding)
			params[i].cache = c
			params[i].cacheOffset = uint32(len(caches[c].entries))
			for e := uint32(0); e < p.Slots(); e++ {
				caches[c].entries = append(caches[c].entries, backend.DescriptorRef{})
				caches[c].owners = append(caches[c].owners, slotRef{param: uint32(i), element: e, binding: p.Binding})
			}
			caches[c].params = append(caches[c].params, uint32(i))
			caches[c].dirty = true
		default:
			return core.InvalidUsage("layout %q parameter %d has unknown kind %d", desc.Name, i, p.Kind)
		}
	}

	b.layout = layout
	b.params = params
	b.caches = caches
	clear(b.warned)
	b.list.SetPipelineLayout(layout)
	return nil
}

func (b *ResourceBinder) param(index uint32) (*param, error) {
	if b.layout == nil {
		return nil, core.InvalidState("no pipeline layout set")
	}
	if int(index) >= len(b.params) {
		return nil, core.InvalidUsage("layout %q has no parameter %d", b.layout.Desc().Name, index)
	}
	return &b.params[index], nil
}

// BindConstantBuffer binds a constant buffer to a root descriptor or to
// element 0 of a table parameter.
func (b *ResourceBinder) BindConstantBuffer(index uint32, src Source) error {
	return b.bind(index, 0, src, metadata.BindingConstantBuffer)
}

// BindBuffer binds a read-only or storage buffer.
func (b *ResourceBinder) BindBuffer(index, element uint32, src Source) error {
	return b.bind(index, element, src, metadata.BindingBuffer, metadata.BindingStorageBuffer)
}

// BindTexture binds a sampled or storage texture.
func (b *ResourceBinder) BindTexture(index, element uint32, src Source) error {
	return b.bind(index, element, src, metadata.BindingTexture, metadata.BindingStorageTexture)
}

func (b *ResourceBinder) BindSampler(index, element uint32, src Source) error {
	return b.bind(index, element, src, metadata.BindingSampler)
}

func (b *ResourceBinder) bind(index, element uint32, src Source, allowed ...metadata.BindingType) error {
	p, err := b.param(index)
	if err != nil {
		return err
	}
	if p.desc.Kind == metadata.ParamRootConstants {
		return core.InvalidUsage("parameter %d holds root constants, not a %s", index, allowed[0])
	}
	ok := false
	for _, a := range allowed {
		ok = ok || a == p.desc.Binding
	}
	if !ok {
		return core.InvalidUsage("parameter %d expects a %s, not a %s", index, p.desc.Binding, allowed[0])
	}

	if p.desc.Kind == metadata.ParamRootDescriptor {
		if element != 0 {
			return core.InvalidUsage("root descriptor parameter %d has no element %d", index, element)
		}
		if src.Buffer == nil {
			return core.InvalidUsage("root descriptor parameter %d needs a buffer", index)
		}
		b.list.SetRootDescriptor(index, p.desc.Binding, src.Buffer, src.Offset)
		return nil
	}

	if element >= p.desc.Slots() {
		return core.InvalidUsage("table parameter %d has %d slots, element %d is out of range", index, p.desc.Slots(), element)
	}
	if src.View.IsNil() {
		return core.InvalidUsage("table parameter %d needs a descriptor view", index)
	}
	c := &b.caches[p.cache]
	c.entries[p.cacheOffset+element] = src.View
	c.dirty = true
	return nil
}

// PushConstants writes 32-bit values into a root-constant parameter.
func (b *ResourceBinder) PushConstants(index, offset uint32, values []uint32) error {
	p, err := b.param(index)
	if err != nil {
		return err
	}
	if p.desc.Kind != metadata.ParamRootConstants {
		return core.InvalidUsage("parameter %d is a %s, not root constants", index, p.desc.Kind)
	}
	if uint64(offset)+uint64(len(values)) > uint64(p.desc.Num32BitValues) {
		return core.InvalidUsage("%d constants at offset %d overflow parameter %d (%d values)",
			len(values), offset, index, p.desc.Num32BitValues)
	}
	b.list.SetRootConstants(index, offset, values)
	return nil
}

// PushBindless writes the per-draw bindless index struct into the layout's
// bindless parameter.
func (b *ResourceBinder) PushBindless(indices []uint32) error {
	if b.layout == nil {
		return core.InvalidState("no pipeline layout set")
	}
	index := b.layout.Desc().BindlessParam()
	if index < 0 {
		return core.InvalidUsage("layout %q has no bindless parameter", b.layout.Desc().Name)
	}
	return b.PushConstants(uint32(index), 0, indices)
}

// FlushDescriptors materialises every dirty cache into a fresh shader-visible
// range and binds it to its table parameters. Unbound slots get a null
// descriptor and one warning each per layout. Ranges always come from the
// heaps bound in Begin, which also hold the bindless tables; a range landing
// in another heap is ErrResourceExhaustion.
func (b *ResourceBinder) FlushDescriptors() error {
	var ranges [cacheCount]*descriptor.Descriptor
	adopted := false
	for i := range b.caches {
		c := &b.caches[i]
		if !c.dirty || len(c.entries) == 0 {
			continue
		}
		d, err := b.allocate(i)
		if err != nil {
			b.release(ranges[:])
			return err
		}
		ranges[i] = d
		if b.bound[i] == nil {
			b.bound[i] = d.Heap().Backend()
			adopted = true
		}
	}
	if adopted {
		b.list.SetDescriptorHeaps(b.bound[cacheResource], b.bound[cacheSampler])
	}

	for i, d := range ranges {
		if d == nil {
			continue
		}
		b.materialise(&b.caches[i], d)
		b.retained = append(b.retained, d)
	}
	return nil
}

func (b *ResourceBinder) allocate(cacheIndex int) (*descriptor.Descriptor, error) {
	c := &b.caches[cacheIndex]
	d, err := b.allocators[cacheIndex].Allocate(uint32(len(c.entries)))
	if err != nil {
		return nil, errors.Wrapf(err, "flushing %d %s descriptors", len(c.entries), cacheHeapKinds[cacheIndex])
	}
	if bound := b.bound[cacheIndex]; bound != nil && d.Heap().Backend() != bound {
		d.Release()
		return nil, core.Exhausted("flushing %d %s descriptors: the bound shader-visible heap is full",
			len(c.entries), cacheHeapKinds[cacheIndex])
	}
	return d, nil
}

func (b *ResourceBinder) release(ranges []*descriptor.Descriptor) {
	for _, d := range ranges {
		d.Release()
	}
}

func (b *ResourceBinder) materialise(c *cache, d *descriptor.Descriptor) {
	heap := d.Heap().Backend()
	runStart := 0
	var run []backend.DescriptorRef
	flushRun := func() {
		if len(run) > 0 {
			heap.Copy(d.Offset()+uint32(runStart), run)
			run = run[:0]
		}
	}
	for i, e := range c.entries {
		if e.IsNil() {
			flushRun()
			b.warnUnbound(c.owners[i])
			heap.WriteNull(d.Offset()+uint32(i), c.owners[i].binding)
			continue
		}
		if len(run) == 0 {
			runStart = i
		}
		run = append(run, e)
	}
	flushRun()

	for _, pi := range c.params {
		b.list.SetDescriptorTable(pi, d.GPUHandle(b.params[pi].cacheOffset))
	}
	c.dirty = false
}

func (b *ResourceBinder) warnUnbound(s slotRef) {
	if _, ok := b.warned[s]; ok {
		return
	}
	b.warned[s] = struct{}{}
	name := fmt.Sprintf("slot %d", s.param)
	if b.params[s.param].desc.Slots() > 1 {
		name = fmt.Sprintf("slot %d[%d]", s.param, s.element)
	}
	b.logger.Warnf("descriptor table %s of layout %q has nothing bound; writing a null %s descriptor",
		name, b.layout.Desc().Name, s.binding)
}

// TakeRetained hands over the ranges flushed since the last call. The caller
// releases them once the submission that reads them has completed.
func (b *ResourceBinder) TakeRetained() []*descriptor.Descriptor {
	r := b.retained
	b.retained = nil
	return r
}

// ReleaseRetained releases the flushed ranges right away. Only valid when
// the recorded work was never submitted.
func (b *ResourceBinder) ReleaseRetained() {
	b.release(b.retained)
	b.retained = nil
}
