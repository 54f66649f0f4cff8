//go:build vulkan

package vulkan

import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// Bindings of the shader-visible resource set. Every binding is an array as
// long as the heap so a slot index addresses the same element in each.
const (
	bindingUniformBuffers uint32 = iota
	bindingStorageBuffers
	bindingSampledImages
	bindingStorageImages
	resourceBindingCount
)

// Descriptor set numbers in every pipeline layout.
const (
	setResources uint32 = iota
	setSamplers
	setRoot
)

const heapStride = 32

var resourceTypes = [resourceBindingCount]vk.DescriptorType{
	bindingUniformBuffers: vk.DescriptorTypeUniformBuffer,
	bindingStorageBuffers: vk.DescriptorTypeStorageBuffer,
	bindingSampledImages:  vk.DescriptorTypeSampledImage,
	bindingStorageImages:  vk.DescriptorTypeStorageImage,
}

// heapLayouts holds the set layouts shared by every shader-visible heap.
type heapLayouts struct {
	ctx       *vkContext
	resources vk.DescriptorSetLayout
	samplers  vk.DescriptorSetLayout
	capacity  [2]uint32
}

func newHeapLayouts(ctx *vkContext, limits backend.Limits) (*heapLayouts, error) {
	h := &heapLayouts{ctx: ctx}
	h.capacity[metadata.HeapResource] = limits.MaxHeapSize[metadata.HeapResource]
	h.capacity[metadata.HeapSampler] = limits.MaxHeapSize[metadata.HeapSampler]

	var binds []vk.DescriptorSetLayoutBinding
	for b := uint32(0); b < resourceBindingCount; b++ {
		binds = append(binds, vk.DescriptorSetLayoutBinding{
			Binding:         b,
			DescriptorType:  resourceTypes[b],
			DescriptorCount: h.capacity[metadata.HeapResource],
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageAll),
		})
	}
	var err error
	if h.resources, err = h.create(binds); err != nil {
		return nil, err
	}
	h.samplers, err = h.create([]vk.DescriptorSetLayoutBinding{{
		Binding:         0,
		DescriptorType:  vk.DescriptorTypeSampler,
		DescriptorCount: h.capacity[metadata.HeapSampler],
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageAll),
	}})
	if err != nil {
		h.destroy()
		return nil, err
	}
	return h, nil
}

func (h *heapLayouts) create(binds []vk.DescriptorSetLayoutBinding) (vk.DescriptorSetLayout, error) {
	flags := make([]vk.DescriptorBindingFlags, len(binds))
	for i := range flags {
		flags[i] = vk.DescriptorBindingFlags(vk.DescriptorBindingPartiallyBoundBit | vk.DescriptorBindingUpdateAfterBindBit |
			vk.DescriptorBindingUpdateUnusedWhilePendingBit)
	}
	var layout vk.DescriptorSetLayout
	res := vk.CreateDescriptorSetLayout(h.ctx.device, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		Flags:        vk.DescriptorSetLayoutCreateFlags(vk.DescriptorSetLayoutCreateUpdateAfterBindPoolBit),
		BindingCount: uint32(len(binds)),
		PBindings:    binds,
		PNext: unsafe.Pointer(&vk.DescriptorSetLayoutBindingFlagsCreateInfo{
			SType:         vk.StructureTypeDescriptorSetLayoutBindingFlagsCreateInfo,
			BindingCount:  uint32(len(flags)),
			PBindingFlags: flags,
		}),
	}, h.ctx.allocator, &layout)
	return layout, check(res, "vkCreateDescriptorSetLayout")
}

func (h *heapLayouts) layout(kind metadata.HeapKind) vk.DescriptorSetLayout {
	if kind == metadata.HeapSampler {
		return h.samplers
	}
	return h.resources
}

func (h *heapLayouts) destroy() {
	if h.resources != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(h.ctx.device, h.resources, h.ctx.allocator)
		h.resources = vk.NullDescriptorSetLayout
	}
	if h.samplers != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(h.ctx.device, h.samplers, h.ctx.allocator)
		h.samplers = vk.NullDescriptorSetLayout
	}
}

// Heap keeps the views written into it on the host. Shader-visible heaps
// also own a descriptor set that mirrors every write.
type Heap struct {
	a             *Adapter
	kind          metadata.HeapKind
	capacity      uint32
	shaderVisible bool
	cpuBase       backend.CPUHandle
	gpuBase       backend.GPUHandle

	pool vk.DescriptorPool
	set  vk.DescriptorSet

	mu    sync.RWMutex
	views []backend.View
	// Binding each null slot stands in for.
	nullBindings []metadata.BindingType
	destroyed    bool
}

var _ backend.Heap = (*Heap)(nil)

func (a *Adapter) CreateHeap(kind metadata.HeapKind, capacity uint32, shaderVisible bool) (backend.Heap, error) {
	if kind >= metadata.HeapKindCount {
		return nil, core.InvalidUsage("vulkan: unknown heap kind %d", kind)
	}
	if shaderVisible && !kind.CanBeShaderVisible() {
		return nil, core.InvalidUsage("vulkan: %s heaps cannot be shader visible", kind)
	}
	if limit := a.limits.MaxHeapSize[kind]; capacity > limit {
		return nil, core.Exhausted("vulkan: %s heap of %d descriptors exceeds limit %d", kind, capacity, limit)
	}
	h := &Heap{
		a:             a,
		kind:          kind,
		capacity:      capacity,
		shaderVisible: shaderVisible,
		cpuBase:       backend.CPUHandle(a.reserve(uint64(capacity) * heapStride)),
		views:         make([]backend.View, capacity),
		nullBindings:  make([]metadata.BindingType, capacity),
	}
	if shaderVisible {
		h.gpuBase = backend.GPUHandle(a.reserve(uint64(capacity) * heapStride))
		if err := h.allocateSet(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Heap) allocateSet() error {
	c := h.a.ctx
	count := h.a.sets.capacity[h.kind]
	var sizes []vk.DescriptorPoolSize
	if h.kind == metadata.HeapSampler {
		sizes = []vk.DescriptorPoolSize{{Type: vk.DescriptorTypeSampler, DescriptorCount: count}}
	} else {
		for _, t := range resourceTypes {
			sizes = append(sizes, vk.DescriptorPoolSize{Type: t, DescriptorCount: count})
		}
	}
	res := vk.CreateDescriptorPool(c.device, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateUpdateAfterBindBit),
		MaxSets:       1,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, c.allocator, &h.pool)
	if err := check(res, "vkCreateDescriptorPool(%s, %d)", h.kind, count); err != nil {
		return err
	}
	res = vk.AllocateDescriptorSets(c.device, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     h.pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{h.a.sets.layout(h.kind)},
	}, &h.set)
	if err := check(res, "vkAllocateDescriptorSets(%s)", h.kind); err != nil {
		vk.DestroyDescriptorPool(c.device, h.pool, c.allocator)
		h.pool = vk.NullDescriptorPool
		return err
	}
	return nil
}

func (h *Heap) Kind() metadata.HeapKind    { return h.kind }
func (h *Heap) Capacity() uint32           { return h.capacity }
func (h *Heap) Stride() uint32             { return heapStride }
func (h *Heap) ShaderVisible() bool        { return h.shaderVisible }
func (h *Heap) CPUBase() backend.CPUHandle { return h.cpuBase }
func (h *Heap) GPUBase() backend.GPUHandle { return h.gpuBase }

// indexOf converts a GPU handle of this heap back to a slot index.
func (h *Heap) indexOf(handle backend.GPUHandle) uint32 {
	return uint32((handle - h.gpuBase) / heapStride)
}

func (h *Heap) check(index, count uint32) {
	if h.destroyed {
		panic(fmt.Sprintf("vulkan: access to destroyed %s heap", h.kind))
	}
	if uint64(index)+uint64(count) > uint64(h.capacity) {
		panic(fmt.Sprintf("vulkan: slots [%d, %d) out of range for %s heap of %d", index, index+count, h.kind, h.capacity))
	}
}

func (h *Heap) WriteView(index uint32, view backend.View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.check(index, 1)
	h.views[index] = view
	if h.shaderVisible {
		h.update([]vk.WriteDescriptorSet{h.write(index, view)})
	}
}

func (h *Heap) WriteNull(index uint32, binding metadata.BindingType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.check(index, 1)
	view := h.a.nulls.view(binding)
	h.views[index] = backend.View{Kind: backend.ViewNull}
	h.nullBindings[index] = binding
	if h.shaderVisible {
		h.update([]vk.WriteDescriptorSet{h.write(index, view)})
	}
}

func (h *Heap) Copy(dst uint32, srcs []backend.DescriptorRef) {
	views := make([]backend.View, len(srcs))
	nulls := make([]metadata.BindingType, len(srcs))
	for i, src := range srcs {
		sh, ok := src.Heap.(*Heap)
		if !ok {
			panic(fmt.Sprintf("vulkan: copy source %d is not a vulkan heap", i))
		}
		if sh.kind != h.kind {
			panic(fmt.Sprintf("vulkan: copy from %s heap into %s heap", sh.kind, h.kind))
		}
		views[i], nulls[i] = sh.slot(src.Index)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.check(dst, uint32(len(srcs)))
	copy(h.views[dst:], views)
	copy(h.nullBindings[dst:], nulls)
	if !h.shaderVisible {
		return
	}
	writes := make([]vk.WriteDescriptorSet, 0, len(views))
	for i, v := range h.a.nulls.resolve(views, nulls) {
		writes = append(writes, h.write(dst+uint32(i), v))
	}
	h.update(writes)
}

func (h *Heap) slot(i uint32) (backend.View, metadata.BindingType) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.check(i, 1)
	return h.views[i], h.nullBindings[i]
}

// View returns the view last written to slot i.
func (h *Heap) View(i uint32) backend.View {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.check(i, 1)
	return h.views[i]
}

func (h *Heap) write(index uint32, view backend.View) vk.WriteDescriptorSet {
	w := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.set,
		DstArrayElement: index,
		DescriptorCount: 1,
	}
	switch view.Kind {
	case backend.ViewConstantBuffer, backend.ViewShaderResource, backend.ViewUnorderedAccess:
		if buf, ok := view.Buffer.(*Buffer); ok && buf != nil {
			w.DstBinding = bindingStorageBuffers
			if view.Kind == backend.ViewConstantBuffer {
				w.DstBinding = bindingUniformBuffers
			}
			w.DescriptorType = resourceTypes[w.DstBinding]
			w.PBufferInfo = []vk.DescriptorBufferInfo{buf.info(view.Offset, view.Size)}
			return w
		}
		tex := view.Texture.(*Texture)
		w.DstBinding = bindingSampledImages
		layout := vk.ImageLayoutShaderReadOnlyOptimal
		iv := tex.defaultView
		if view.Kind == backend.ViewUnorderedAccess {
			w.DstBinding = bindingStorageImages
			layout = vk.ImageLayoutGeneral
			iv = tex.viewFor(view.Mip, view.Layer, false)
		}
		w.DescriptorType = resourceTypes[w.DstBinding]
		w.PImageInfo = []vk.DescriptorImageInfo{{ImageView: iv, ImageLayout: layout}}
	case backend.ViewSampler:
		w.DescriptorType = vk.DescriptorTypeSampler
		w.PImageInfo = []vk.DescriptorImageInfo{{Sampler: view.Sampler.(*Sampler).handle}}
	default:
		panic(fmt.Sprintf("vulkan: %s view cannot be written into a shader-visible %s heap", view.Kind, h.kind))
	}
	return w
}

func (h *Heap) update(writes []vk.WriteDescriptorSet) {
	if len(writes) == 0 {
		return
	}
	h.a.ctx.locks.safeCall(descriptorManagement, func() error {
		vk.UpdateDescriptorSets(h.a.ctx.device, uint32(len(writes)), writes, 0, nil)
		return nil
	})
}

func (h *Heap) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	h.destroyed = true
	if h.pool != vk.NullDescriptorPool {
		vk.DestroyDescriptorPool(h.a.ctx.device, h.pool, h.a.ctx.allocator)
		h.pool = vk.NullDescriptorPool
	}
}

// nullResources back the descriptors of unbound table slots.
type nullResources struct {
	buffer  *Buffer
	texture *Texture
	storage *Texture
	sampler *Sampler
}

func newNullResources(a *Adapter) (*nullResources, error) {
	n := &nullResources{}
	var err error
	n.buffer, err = a.newBuffer(&metadata.BufferDesc{
		Name:  "null-buffer",
		Size:  metadata.ConstantBufferAlignment,
		Usage: metadata.BufferUsageConstant | metadata.BufferUsageStorage,
	}, nil)
	if err != nil {
		return nil, err
	}
	n.texture, err = a.newTexture(&metadata.TextureDesc{
		Name: "null-texture", Dimension: metadata.TextureDimension2D,
		Width: 1, Height: 1, Format: metadata.FormatRGBA8Unorm, Usage: metadata.TextureUsageSRV,
	}, []byte{0, 0, 0, 0})
	if err != nil {
		n.destroy()
		return nil, err
	}
	n.storage, err = a.newTexture(&metadata.TextureDesc{
		Name: "null-storage-texture", Dimension: metadata.TextureDimension2D,
		Width: 1, Height: 1, Format: metadata.FormatRGBA8Unorm, Usage: metadata.TextureUsageUAV,
	}, nil)
	if err != nil {
		n.destroy()
		return nil, err
	}
	if err := a.transition(n.storage, metadata.ResourceStateUnorderedAccess); err != nil {
		n.destroy()
		return nil, err
	}
	n.sampler, err = a.newSampler(&metadata.SamplerDesc{Name: "null-sampler"})
	if err != nil {
		n.destroy()
		return nil, err
	}
	return n, nil
}

func (n *nullResources) view(binding metadata.BindingType) backend.View {
	switch binding {
	case metadata.BindingConstantBuffer:
		return backend.View{Kind: backend.ViewConstantBuffer, Buffer: n.buffer}
	case metadata.BindingBuffer:
		return backend.View{Kind: backend.ViewShaderResource, Buffer: n.buffer}
	case metadata.BindingStorageBuffer:
		return backend.View{Kind: backend.ViewUnorderedAccess, Buffer: n.buffer}
	case metadata.BindingStorageTexture:
		return backend.View{Kind: backend.ViewUnorderedAccess, Texture: n.storage}
	case metadata.BindingSampler:
		return backend.View{Kind: backend.ViewSampler, Sampler: n.sampler}
	default:
		return backend.View{Kind: backend.ViewShaderResource, Texture: n.texture}
	}
}

// resolve returns views with every null entry replaced by the null resource
// of its binding, so copies overwrite what the descriptor set held.
func (n *nullResources) resolve(views []backend.View, bindings []metadata.BindingType) []backend.View {
	out := make([]backend.View, len(views))
	for i, v := range views {
		if v.Kind == backend.ViewNull {
			v = n.view(bindings[i])
		}
		out[i] = v
	}
	return out
}

func (n *nullResources) destroy() {
	if n.buffer != nil {
		n.buffer.Destroy()
	}
	if n.texture != nil {
		n.texture.Destroy()
	}
	if n.storage != nil {
		n.storage.Destroy()
	}
	if n.sampler != nil {
		n.sampler.Destroy()
	}
}
