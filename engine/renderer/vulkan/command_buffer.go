//go:build vulkan

package vulkan

import (
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// Root descriptor sets allocated per pool.
const rootSetsPerPool = 64

func (a *Adapter) createCommandPool(family uint32, resettable bool) (vk.CommandPool, error) {
	var flags vk.CommandPoolCreateFlags
	if resettable {
		flags |= vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit)
	}
	var pool vk.CommandPool
	res := vk.CreateCommandPool(a.ctx.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            flags,
		QueueFamilyIndex: family,
	}, a.ctx.allocator, &pool)
	return pool, check(res, "vkCreateCommandPool(family %d)", family)
}

// immediate records a single-use command buffer, submits it to the graphics
// family and blocks until it completed.
func (a *Adapter) immediate(record func(cmd vk.CommandBuffer)) error {
	c := a.ctx
	family := c.families[metadata.WorkClassGraphics]
	return c.locks.safeCall(commandPoolManagement, func() error {
		buffers := make([]vk.CommandBuffer, 1)
		res := vk.AllocateCommandBuffers(c.device, &vk.CommandBufferAllocateInfo{
			SType:              vk.StructureTypeCommandBufferAllocateInfo,
			CommandPool:        a.immediatePool,
			Level:              vk.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		}, buffers)
		if err := check(res, "vkAllocateCommandBuffers(immediate)"); err != nil {
			return err
		}
		cmd := buffers[0]
		defer vk.FreeCommandBuffers(c.device, a.immediatePool, 1, buffers)

		res = vk.BeginCommandBuffer(cmd, &vk.CommandBufferBeginInfo{
			SType: vk.StructureTypeCommandBufferBeginInfo,
			Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
		})
		if err := check(res, "vkBeginCommandBuffer(immediate)"); err != nil {
			return err
		}
		record(cmd)
		if err := check(vk.EndCommandBuffer(cmd), "vkEndCommandBuffer(immediate)"); err != nil {
			return err
		}

		f, err := a.fences.acquire()
		if err != nil {
			return err
		}
		var queue vk.Queue
		vk.GetDeviceQueue(c.device, family, 0, &queue)
		err = c.locks.safeQueueCall(family, func() error {
			return check(vk.QueueSubmit(queue, 1, []vk.SubmitInfo{{
				SType:              vk.StructureTypeSubmitInfo,
				CommandBufferCount: 1,
				PCommandBuffers:    buffers,
			}}, f), "vkQueueSubmit(immediate)")
		})
		if err == nil {
			err = a.fences.wait(f)
		}
		a.fences.release(f)
		return err
	})
}

// attachment is a render target resolved from a descriptor slot.
type attachment struct {
	tex  *Texture
	view vk.ImageView
	mip  uint32
}

// CommandList records into one primary command buffer allocated from its
// own pool. Descriptor sets, push constants and render passes are applied
// lazily by the next draw or dispatch.
type CommandList struct {
	a      *Adapter
	class  metadata.WorkClass
	family uint32
	pool   vk.CommandPool
	cmd    vk.CommandBuffer

	rootPools    []vk.DescriptorPool
	rootPoolUsed int
	framebuffers framebufferSet

	recording bool
	err       error

	heaps     [2]*Heap
	layout    *PipelineLayout
	pipeline  *Pipeline
	bindPoint vk.PipelineBindPoint
	tables    []backend.BindlessTable

	push      []uint32
	rootInfo  []vk.DescriptorBufferInfo
	rootSet   []bool
	setsDirty bool
	pushDirty bool
	rootDirty bool

	colors []attachment
	depth  *attachment
	extent vk.Extent2D
	inPass bool
}

var _ backend.CommandList = (*CommandList)(nil)

func newCommandList(a *Adapter, class metadata.WorkClass) (*CommandList, error) {
	l := &CommandList{
		a:            a,
		class:        class,
		family:       a.ctx.families[class],
		framebuffers: framebufferSet{ctx: a.ctx},
	}
	var err error
	if l.pool, err = a.createCommandPool(l.family, false); err != nil {
		return nil, err
	}
	buffers := make([]vk.CommandBuffer, 1)
	res := vk.AllocateCommandBuffers(a.ctx.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        l.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, buffers)
	if err := check(res, "vkAllocateCommandBuffers(%s)", class); err != nil {
		l.Destroy()
		return nil, err
	}
	l.cmd = buffers[0]
	return l, nil
}

func (l *CommandList) Class() metadata.WorkClass {
	return l.class
}

// Begin resets the pool, so the previous recording must have finished
// executing.
func (l *CommandList) Begin() error {
	if l.recording {
		return core.InvalidState("vulkan: Begin on a command list that is already recording")
	}
	c := l.a.ctx
	if err := check(vk.ResetCommandPool(c.device, l.pool, 0), "vkResetCommandPool"); err != nil {
		return err
	}
	for _, p := range l.rootPools {
		vk.ResetDescriptorPool(c.device, p, 0)
	}
	l.rootPoolUsed = 0
	l.framebuffers.reset()

	res := vk.BeginCommandBuffer(l.cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := check(res, "vkBeginCommandBuffer(%s)", l.class); err != nil {
		return err
	}
	l.recording = true
	l.err = nil
	l.heaps = [2]*Heap{}
	l.layout, l.pipeline, l.tables = nil, nil, nil
	l.bindPoint = vk.PipelineBindPointGraphics
	if l.class == metadata.WorkClassCompute {
		l.bindPoint = vk.PipelineBindPointCompute
	}
	l.colors, l.depth, l.inPass = nil, nil, false
	return nil
}

func (l *CommandList) End() error {
	if !l.recording {
		return core.InvalidState("vulkan: End on a command list that is not recording")
	}
	l.endPass()
	l.recording = false
	if err := check(vk.EndCommandBuffer(l.cmd), "vkEndCommandBuffer(%s)", l.class); err != nil && l.err == nil {
		l.err = err
	}
	return l.err
}

func (l *CommandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *CommandList) active(op string) bool {
	if !l.recording {
		l.fail(core.InvalidState("vulkan: %s recorded outside Begin/End", op))
		return false
	}
	return true
}

func (l *CommandList) SetDescriptorHeaps(resource, sampler backend.Heap) {
	if !l.active("SetDescriptorHeaps") {
		return
	}
	for i, h := range []backend.Heap{resource, sampler} {
		if h == nil {
			l.heaps[i] = nil
			continue
		}
		vh, ok := h.(*Heap)
		if !ok || !vh.shaderVisible {
			l.fail(core.Mismatch("vulkan: SetDescriptorHeaps needs shader-visible vulkan heaps"))
			return
		}
		l.heaps[i] = vh
	}
	l.setsDirty = true
}

func (l *CommandList) SetPipelineLayout(layout backend.PipelineLayout) {
	if !l.active("SetPipelineLayout") {
		return
	}
	vl, ok := layout.(*PipelineLayout)
	if !ok {
		l.fail(core.Mismatch("vulkan: %T is not a vulkan pipeline layout", layout))
		return
	}
	if vl == l.layout {
		return
	}
	l.layout = vl
	l.push = make([]uint32, vl.words)
	l.rootInfo = make([]vk.DescriptorBufferInfo, len(vl.desc.Params))
	l.rootSet = make([]bool, len(vl.desc.Params))
	l.setsDirty, l.pushDirty, l.rootDirty = true, true, vl.hasRoot()
	l.writeTables()
}

func (l *CommandList) SetPipeline(pipeline backend.Pipeline) {
	if !l.active("SetPipeline") {
		return
	}
	p, ok := pipeline.(*Pipeline)
	if !ok {
		l.fail(core.Mismatch("vulkan: %T is not a vulkan pipeline", pipeline))
		return
	}
	if p.bindPoint != l.bindPoint {
		l.bindPoint = p.bindPoint
		l.setsDirty, l.pushDirty, l.rootDirty = true, true, l.layout != nil && l.layout.hasRoot()
	}
	l.pipeline = p
	p.bind(l.cmd)
}

// SetBindlessTables stores the base slot of every table in the words
// reserved after the layout parameters.
func (l *CommandList) SetBindlessTables(tables []backend.BindlessTable) {
	if !l.active("SetBindlessTables") {
		return
	}
	l.tables = append(l.tables[:0], tables...)
	l.writeTables()
}

func (l *CommandList) writeTables() {
	if l.layout == nil || !l.layout.hasBindless {
		return
	}
	for i, t := range l.tables {
		if i >= bindlessWords {
			break
		}
		h, ok := t.Heap.(*Heap)
		if !ok {
			l.fail(core.Mismatch("vulkan: bindless table %d is not backed by a vulkan heap", i))
			return
		}
		l.push[l.layout.bindless+uint32(i)] = h.indexOf(t.Base)
	}
	l.pushDirty = true
}

func (l *CommandList) param(index uint32, kind metadata.ParamKind) (*metadata.LayoutParam, bool) {
	if l.layout == nil {
		l.fail(core.InvalidState("vulkan: no pipeline layout bound"))
		return nil, false
	}
	if int(index) >= len(l.layout.desc.Params) {
		l.fail(core.InvalidUsage("vulkan: layout %q has no parameter %d", l.layout.desc.Name, index))
		return nil, false
	}
	p := &l.layout.desc.Params[index]
	if p.Kind != kind {
		l.fail(core.InvalidUsage("vulkan: parameter %d is a %s, not a %s", index, p.Kind, kind))
		return nil, false
	}
	return p, true
}

func (l *CommandList) SetRootConstants(param uint32, offset uint32, values []uint32) {
	if !l.active("SetRootConstants") {
		return
	}
	p, ok := l.param(param, metadata.ParamRootConstants)
	if !ok {
		return
	}
	if uint64(offset)+uint64(len(values)) > uint64(p.Num32BitValues) {
		l.fail(core.InvalidUsage("vulkan: %d constants at offset %d overflow parameter %d", len(values), offset, param))
		return
	}
	copy(l.push[l.layout.offsets[param]+offset:], values)
	l.pushDirty = true
}

func (l *CommandList) SetRootDescriptor(param uint32, binding metadata.BindingType, buffer backend.Buffer, offset uint64) {
	if !l.active("SetRootDescriptor") {
		return
	}
	if _, ok := l.param(param, metadata.ParamRootDescriptor); !ok {
		return
	}
	buf, ok := buffer.(*Buffer)
	if !ok {
		l.fail(core.Mismatch("vulkan: %T is not a vulkan buffer", buffer))
		return
	}
	if offset >= buf.desc.Size {
		l.fail(core.InvalidUsage("vulkan: root descriptor offset %d is past the end of %q", offset, buf.desc.Name))
		return
	}
	size := uint64(0)
	if binding == metadata.BindingConstantBuffer {
		size = min(buf.desc.Size-offset, uint64(l.a.ctx.properties.Limits.MaxUniformBufferRange))
	}
	l.rootInfo[param] = buf.info(offset, size)
	l.rootSet[param] = true
	l.rootDirty = true
}

func (l *CommandList) SetDescriptorTable(param uint32, base backend.GPUHandle) {
	if !l.active("SetDescriptorTable") {
		return
	}
	p, ok := l.param(param, metadata.ParamDescriptorTable)
	if !ok {
		return
	}
	h := l.heaps[0]
	if p.Binding.HeapKind() == metadata.HeapSampler {
		h = l.heaps[1]
	}
	if h == nil {
		l.fail(core.InvalidState("vulkan: descriptor table %d set without a bound %s heap", param, p.Binding.HeapKind()))
		return
	}
	l.push[l.layout.offsets[param]] = h.indexOf(base)
	l.pushDirty = true
}

// flush applies descriptor sets, root descriptors and push constants.
func (l *CommandList) flush() bool {
	if l.layout == nil {
		l.fail(core.InvalidState("vulkan: draw or dispatch without a pipeline layout"))
		return false
	}
	if l.pipeline == nil {
		l.fail(core.InvalidState("vulkan: draw or dispatch without a pipeline"))
		return false
	}
	handle := l.layout.handle
	if l.setsDirty {
		for i, h := range l.heaps {
			if h == nil {
				continue
			}
			vk.CmdBindDescriptorSets(l.cmd, l.bindPoint, handle, uint32(i), 1, []vk.DescriptorSet{h.set}, 0, nil)
		}
		l.setsDirty = false
	}
	if l.rootDirty && l.layout.hasRoot() {
		set, err := l.allocateRoot()
		if err != nil {
			l.fail(err)
			return false
		}
		var writes []vk.WriteDescriptorSet
		for i, ok := range l.rootSet {
			if !ok {
				continue
			}
			writes = append(writes, vk.WriteDescriptorSet{
				SType:           vk.StructureTypeWriteDescriptorSet,
				DstSet:          set,
				DstBinding:      l.layout.rootBindings[i],
				DescriptorCount: 1,
				DescriptorType:  l.layout.rootTypes[i],
				PBufferInfo:     []vk.DescriptorBufferInfo{l.rootInfo[i]},
			})
		}
		if len(writes) > 0 {
			vk.UpdateDescriptorSets(l.a.ctx.device, uint32(len(writes)), writes, 0, nil)
		}
		vk.CmdBindDescriptorSets(l.cmd, l.bindPoint, handle, setRoot, 1, []vk.DescriptorSet{set}, 0, nil)
		l.rootDirty = false
	}
	if l.pushDirty && len(l.push) > 0 {
		vk.CmdPushConstants(l.cmd, handle, pushStages, 0, uint32(len(l.push)*4), unsafe.Pointer(&l.push[0]))
		l.pushDirty = false
	}
	return true
}

func (l *CommandList) allocateRoot() (vk.DescriptorSet, error) {
	c := l.a.ctx
	for {
		if l.rootPoolUsed == len(l.rootPools) {
			pool, err := l.newRootPool()
			if err != nil {
				return vk.NullDescriptorSet, err
			}
			l.rootPools = append(l.rootPools, pool)
		}
		sets := make([]vk.DescriptorSet, 1)
		res := vk.AllocateDescriptorSets(c.device, &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     l.rootPools[l.rootPoolUsed],
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{l.layout.root},
		}, &sets[0])
		switch res {
		case vk.Success:
			return sets[0], nil
		case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
			l.rootPoolUsed++
		default:
			return vk.NullDescriptorSet, check(res, "vkAllocateDescriptorSets(root)")
		}
	}
}

func (l *CommandList) newRootPool() (vk.DescriptorPool, error) {
	var pool vk.DescriptorPool
	res := vk.CreateDescriptorPool(l.a.ctx.device, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       rootSetsPerPool,
		PoolSizeCount: 2,
		PPoolSizes: []vk.DescriptorPoolSize{
			{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: rootSetsPerPool * 4},
			{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: rootSetsPerPool * 4},
		},
	}, l.a.ctx.allocator, &pool)
	return pool, check(res, "vkCreateDescriptorPool(root)")
}

func (l *CommandList) SetVertexBuffers(start uint32, buffers []backend.Buffer, offsets []uint64) {
	if !l.active("SetVertexBuffers") {
		return
	}
	handles := make([]vk.Buffer, len(buffers))
	offs := make([]vk.DeviceSize, len(buffers))
	for i, b := range buffers {
		vb, ok := b.(*Buffer)
		if !ok {
			l.fail(core.Mismatch("vulkan: vertex buffer %d is not a vulkan buffer", i))
			return
		}
		handles[i] = vb.handle
		if i < len(offsets) {
			offs[i] = vk.DeviceSize(offsets[i])
		}
	}
	if len(handles) > 0 {
		vk.CmdBindVertexBuffers(l.cmd, start, uint32(len(handles)), handles, offs)
	}
}

func (l *CommandList) SetIndexBuffer(buffer backend.Buffer, offset uint64, wide bool) {
	if !l.active("SetIndexBuffer") {
		return
	}
	b, ok := buffer.(*Buffer)
	if !ok {
		l.fail(core.Mismatch("vulkan: %T is not a vulkan buffer", buffer))
		return
	}
	indexType := vk.IndexTypeUint16
	if wide {
		indexType = vk.IndexTypeUint32
	}
	vk.CmdBindIndexBuffer(l.cmd, b.handle, vk.DeviceSize(offset), indexType)
}

func (l *CommandList) SetViewport(viewport metadata.Viewport) {
	if !l.active("SetViewport") {
		return
	}
	vk.CmdSetViewport(l.cmd, 0, 1, []vk.Viewport{{
		X:        viewport.X,
		Y:        viewport.Y,
		Width:    viewport.Width,
		Height:   viewport.Height,
		MinDepth: viewport.MinDepth,
		MaxDepth: viewport.MaxDepth,
	}})
}

func (l *CommandList) SetScissor(rect metadata.Rect) {
	if !l.active("SetScissor") {
		return
	}
	vk.CmdSetScissor(l.cmd, 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: rect.X, Y: rect.Y},
		Extent: vk.Extent2D{Width: rect.Width, Height: rect.Height},
	}})
}

// resolve looks up the texture view written into a render-target or
// depth-stencil slot.
func (l *CommandList) resolve(ref backend.DescriptorRef) (attachment, bool) {
	h, ok := ref.Heap.(*Heap)
	if !ok {
		l.fail(core.Mismatch("vulkan: %T is not a vulkan heap", ref.Heap))
		return attachment{}, false
	}
	v := h.View(ref.Index)
	tex, ok := v.Texture.(*Texture)
	if !ok || (v.Kind != backend.ViewRenderTarget && v.Kind != backend.ViewDepthStencil) {
		l.fail(core.InvalidUsage("vulkan: %s heap slot %d holds no render target view", h.kind, ref.Index))
		return attachment{}, false
	}
	return attachment{tex: tex, view: tex.viewFor(v.Mip, v.Layer, true), mip: v.Mip}, true
}

func (l *CommandList) SetRenderTargets(colors []backend.DescriptorRef, depth backend.DescriptorRef) {
	if !l.active("SetRenderTargets") {
		return
	}
	l.endPass()
	l.colors, l.depth = l.colors[:0], nil
	for _, ref := range colors {
		at, ok := l.resolve(ref)
		if !ok {
			return
		}
		l.colors = append(l.colors, at)
	}
	if !depth.IsNil() {
		at, ok := l.resolve(depth)
		if !ok {
			return
		}
		l.depth = &at
	}
	var first *attachment
	if len(l.colors) > 0 {
		first = &l.colors[0]
	} else {
		first = l.depth
	}
	if first != nil {
		l.extent = vk.Extent2D{
			Width:  max(first.tex.desc.Width>>first.mip, 1),
			Height: max(first.tex.desc.Height>>first.mip, 1),
		}
	}
}

func (l *CommandList) beginPass() bool {
	if l.inPass {
		return true
	}
	if len(l.colors) == 0 && l.depth == nil {
		l.fail(core.InvalidState("vulkan: draw without render targets"))
		return false
	}
	formats := make([]vk.Format, len(l.colors))
	views := make([]vk.ImageView, 0, len(l.colors)+1)
	for i, at := range l.colors {
		at.tex.transitionTo(l.cmd, metadata.ResourceStateRenderTarget)
		formats[i] = toVkFormat(at.tex.desc.Format)
		views = append(views, at.view)
	}
	depthFormat := vk.FormatUndefined
	if l.depth != nil {
		l.depth.tex.transitionTo(l.cmd, metadata.ResourceStateDepthWrite)
		depthFormat = toVkFormat(l.depth.tex.desc.Format)
		views = append(views, l.depth.view)
	}
	pass, err := l.a.passes.get(formats, depthFormat)
	if err != nil {
		l.fail(err)
		return false
	}
	fb, err := l.framebuffers.create(pass, l.extent.Width, l.extent.Height, views)
	if err != nil {
		l.fail(err)
		return false
	}
	vk.CmdBeginRenderPass(l.cmd, &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass,
		Framebuffer: fb,
		RenderArea:  vk.Rect2D{Extent: l.extent},
	}, vk.SubpassContentsInline)
	l.inPass = true
	return true
}

func (l *CommandList) endPass() {
	if l.inPass {
		vk.CmdEndRenderPass(l.cmd)
		l.inPass = false
	}
}

func subresource(t *Texture, mip, layer uint32) vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask:     aspectOf(t.desc.Format),
		BaseMipLevel:   mip,
		LevelCount:     1,
		BaseArrayLayer: layer,
		LayerCount:     1,
	}
}

// clear moves the target into the copy destination state, records fn and
// restores the previous state.
func (l *CommandList) clear(target backend.DescriptorRef, fallback metadata.ResourceState, fn func(at attachment)) {
	l.endPass()
	at, ok := l.resolve(target)
	if !ok {
		return
	}
	prev, initialized := at.tex.transitionTo(l.cmd, metadata.ResourceStateCopyDst)
	fn(at)
	if !initialized {
		prev = fallback
	}
	at.tex.transitionTo(l.cmd, prev)
}

func (l *CommandList) ClearRenderTarget(target backend.DescriptorRef, color [4]float32) {
	if !l.active("ClearRenderTarget") {
		return
	}
	l.clear(target, metadata.ResourceStateRenderTarget, func(at attachment) {
		var value vk.ClearColorValue
		*(*[4]float32)(unsafe.Pointer(&value)) = color
		vk.CmdClearColorImage(l.cmd, at.tex.handle, vk.ImageLayoutTransferDstOptimal, &value, 1,
			[]vk.ImageSubresourceRange{subresource(at.tex, at.mip, 0)})
	})
}

func (l *CommandList) ClearDepthStencil(target backend.DescriptorRef, depth float32, stencil uint8) {
	if !l.active("ClearDepthStencil") {
		return
	}
	l.clear(target, metadata.ResourceStateDepthWrite, func(at attachment) {
		vk.CmdClearDepthStencilImage(l.cmd, at.tex.handle, vk.ImageLayoutTransferDstOptimal,
			&vk.ClearDepthStencilValue{Depth: depth, Stencil: uint32(stencil)}, 1,
			[]vk.ImageSubresourceRange{subresource(at.tex, at.mip, 0)})
	})
}

// Barrier transitions textures from their tracked state; Before is only
// used for buffers.
func (l *CommandList) Barrier(barriers []backend.Barrier) {
	if !l.active("Barrier") {
		return
	}
	l.endPass()
	var (
		buffers  []vk.BufferMemoryBarrier
		src, dst vk.PipelineStageFlags
	)
	for _, b := range barriers {
		if b.Texture != nil {
			t, ok := b.Texture.(*Texture)
			if !ok {
				l.fail(core.Mismatch("vulkan: %T is not a vulkan texture", b.Texture))
				return
			}
			t.transitionTo(l.cmd, b.After)
			continue
		}
		buf, ok := b.Buffer.(*Buffer)
		if !ok {
			l.fail(core.Mismatch("vulkan: %T is not a vulkan buffer", b.Buffer))
			return
		}
		before, after := infoFor(b.Before), infoFor(b.After)
		src |= before.stages
		dst |= after.stages
		buffers = append(buffers, vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       before.access,
			DstAccessMask:       after.access,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              buf.handle,
			Size:                vk.DeviceSize(vk.WholeSize),
		})
	}
	if len(buffers) > 0 {
		vk.CmdPipelineBarrier(l.cmd, src, dst, 0, 0, nil, uint32(len(buffers)), buffers, 0, nil)
	}
}

func (l *CommandList) drawable(op string) bool {
	if !l.active(op) {
		return false
	}
	if l.pipeline != nil && l.pipeline.bindPoint != vk.PipelineBindPointGraphics {
		l.fail(core.InvalidUsage("vulkan: %s with a compute pipeline bound", op))
		return false
	}
	return l.flush() && l.beginPass()
}

func (l *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if l.drawable("Draw") {
		vk.CmdDraw(l.cmd, vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

func (l *CommandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if l.drawable("DrawIndexed") {
		vk.CmdDrawIndexed(l.cmd, indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	}
}

func (l *CommandList) Dispatch(x, y, z uint32) {
	if !l.active("Dispatch") {
		return
	}
	l.endPass()
	if l.pipeline != nil && l.pipeline.bindPoint != vk.PipelineBindPointCompute {
		l.fail(core.InvalidUsage("vulkan: Dispatch with a graphics pipeline bound"))
		return
	}
	if l.flush() {
		vk.CmdDispatch(l.cmd, x, y, z)
	}
}

func (l *CommandList) CopyBuffer(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset uint64, size uint64) {
	if !l.active("CopyBuffer") {
		return
	}
	d, dok := dst.(*Buffer)
	s, sok := src.(*Buffer)
	if !dok || !sok {
		l.fail(core.Mismatch("vulkan: CopyBuffer needs vulkan buffers"))
		return
	}
	l.endPass()
	vk.CmdCopyBuffer(l.cmd, s.handle, d.handle, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}})
}

func (l *CommandList) CopyBufferToTexture(dst backend.Texture, mip, layer uint32, src backend.Buffer, srcOffset uint64) {
	if !l.active("CopyBufferToTexture") {
		return
	}
	t, tok := dst.(*Texture)
	s, sok := src.(*Buffer)
	if !tok || !sok {
		l.fail(core.Mismatch("vulkan: CopyBufferToTexture needs vulkan resources"))
		return
	}
	l.endPass()
	t.transitionTo(l.cmd, metadata.ResourceStateCopyDst)
	t.copyFrom(l.cmd, s.handle, srcOffset, mip, layer, 1)
}

func (l *CommandList) Destroy() {
	c := l.a.ctx
	l.framebuffers.reset()
	for _, p := range l.rootPools {
		vk.DestroyDescriptorPool(c.device, p, c.allocator)
	}
	l.rootPools = nil
	if l.pool != vk.NullCommandPool {
		vk.DestroyCommandPool(c.device, l.pool, c.allocator)
		l.pool = vk.NullCommandPool
	}
}
