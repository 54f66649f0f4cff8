package renderer

import (
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/binder"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/bindless"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type ContextState uint8

const (
	ContextIdle ContextState = iota
	ContextRecording
	ContextClosed
	ContextSubmitted
)

func (s ContextState) String() string {
	switch s {
	case ContextIdle:
		return "idle"
	case ContextRecording:
		return "recording"
	case ContextClosed:
		return "closed"
	case ContextSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Barrier transitions a buffer or a texture between usage states.
type Barrier struct {
	Buffer  *Buffer
	Texture *Texture
	Before  metadata.ResourceState
	After   metadata.ResourceState
}

// CommandContext records work for one queue. It has a single writer: record
// from one goroutine at a time. Idle -> Begin -> Recording -> End -> Closed
// -> Submit -> Submitted -> Reset -> Idle.
type CommandContext struct {
	device *Device
	class  metadata.WorkClass
	name   string
	list   backend.CommandList
	binder *binder.ResourceBinder
	logger *core.Logger

	mu    sync.Mutex
	state ContextState
	queue *CommandQueue
	value uint64

	layout   *PipelineLayout
	pipeline *Pipeline
	once     sync.Once
}

func newCommandContext(d *Device, class metadata.WorkClass, name string, l backend.CommandList) *CommandContext {
	logger := d.logger.With("context", name)
	return &CommandContext{
		device: d,
		class:  class,
		name:   name,
		list:   l,
		binder: binder.New(l, d.resource, d.sampler, logger),
		logger: logger,
	}
}

func (c *CommandContext) Name() string {
	return c.name
}

func (c *CommandContext) Class() metadata.WorkClass {
	return c.class
}

func (c *CommandContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FenceValue is the queue fence value of the last submission, zero before.
func (c *CommandContext) FenceValue() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Backend exposes the command list for backend-specific recording.
func (c *CommandContext) Backend() backend.CommandList {
	return c.list
}

func (c *CommandContext) misuse(op string) error {
	err := core.InvalidState("%s on context %q in state %s", op, c.name, c.state)
	c.logger.Errorf("%v", err)
	return err
}

// recording returns an error unless the context is recording.
func (c *CommandContext) recording(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ContextRecording {
		return c.misuse(op)
	}
	return nil
}

// Begin starts recording and binds the shader-visible heaps.
func (c *CommandContext) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ContextIdle {
		return c.misuse("Begin")
	}
	if err := c.list.Begin(); err != nil {
		return err
	}
	c.state = ContextRecording
	c.layout, c.pipeline = nil, nil
	if c.class != metadata.WorkClassCopy {
		c.binder.Begin(c.device.resource.Heaps()[0].Backend(), c.device.sampler.Heaps()[0].Backend())
	}
	return nil
}

// End closes the context for submission.
func (c *CommandContext) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ContextRecording {
		return c.misuse("End")
	}
	if err := c.list.End(); err != nil {
		return err
	}
	c.state = ContextClosed
	return nil
}

// Reset returns the context to Idle. A submitted context can only be reset
// once its submission completed; a context that was never submitted drops
// what it recorded.
func (c *CommandContext) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ContextSubmitted:
		if !c.queue.IsComplete(c.value) {
			return c.misuse("Reset before the submission completed")
		}
	case ContextRecording:
		if err := c.list.End(); err != nil {
			c.logger.Debugf("discarding recording: %v", err)
		}
		fallthrough
	case ContextClosed:
		c.binder.ReleaseRetained()
	}
	c.binder.Reset()
	c.layout, c.pipeline = nil, nil
	c.state = ContextIdle
	return nil
}

// submitted moves the context to Submitted and hands over its transient
// descriptor ranges.
func (c *CommandContext) submitted(q *CommandQueue, value uint64) []*descriptor.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ContextSubmitted
	c.queue = q
	c.value = value
	return c.binder.TakeRetained()
}

// SetPipelineLayout sets the root signature the following binds refer to.
func (c *CommandContext) SetPipelineLayout(layout *PipelineLayout) error {
	if err := c.recording("SetPipelineLayout"); err != nil {
		return err
	}
	if c.class == metadata.WorkClassCopy {
		return core.InvalidUsage("copy context %q cannot bind pipeline layouts", c.name)
	}
	if layout == nil {
		return core.InvalidUsage("nil pipeline layout")
	}
	if c.layout == layout {
		return nil
	}
	if err := c.binder.SetPipelineLayout(layout.backend); err != nil {
		return err
	}
	c.layout = layout
	if layout.desc.BindlessParam() >= 0 {
		c.list.SetBindlessTables(c.device.bindless.Tables())
	}
	return nil
}

// SetPipeline binds a pipeline and its layout.
func (c *CommandContext) SetPipeline(p *Pipeline) error {
	if err := c.recording("SetPipeline"); err != nil {
		return err
	}
	if p == nil {
		return core.InvalidUsage("nil pipeline")
	}
	switch {
	case c.class == metadata.WorkClassCopy:
		return core.InvalidUsage("copy context %q cannot bind pipelines", c.name)
	case c.class == metadata.WorkClassCompute && p.class != metadata.WorkClassCompute:
		return core.InvalidUsage("compute context %q cannot bind %s pipeline %q", c.name, p.class, p.name)
	}
	if err := c.SetPipelineLayout(p.layout); err != nil {
		return err
	}
	c.list.SetPipeline(p.backend)
	c.pipeline = p
	return nil
}

func (c *CommandContext) paramBinding(index uint32) (metadata.BindingType, error) {
	if c.layout == nil {
		return 0, core.InvalidState("context %q has no pipeline layout", c.name)
	}
	p, ok := c.layout.Param(index)
	if !ok {
		return 0, core.InvalidUsage("layout %q has no parameter %d", c.layout.desc.Name, index)
	}
	return p.Binding, nil
}

// BindConstantBuffer binds buf at offset to a constant-buffer parameter.
func (c *CommandContext) BindConstantBuffer(index uint32, buf *Buffer, offset uint64) error {
	if err := c.recording("BindConstantBuffer"); err != nil {
		return err
	}
	if !buf.desc.Usage.Has(metadata.BufferUsageConstant) {
		return core.InvalidUsage("buffer %q (usage %s) is not a constant buffer", buf.desc.Name, buf.desc.Usage)
	}
	return c.binder.BindConstantBuffer(index, binder.Source{View: buf.cbv.Ref(0), Buffer: buf.backend, Offset: offset})
}

// BindBuffer binds buf to a buffer or storage-buffer parameter.
func (c *CommandContext) BindBuffer(index, element uint32, buf *Buffer) error {
	if err := c.recording("BindBuffer"); err != nil {
		return err
	}
	binding, err := c.paramBinding(index)
	if err != nil {
		return err
	}
	view, err := buf.view(binding)
	if err != nil {
		return err
	}
	return c.binder.BindBuffer(index, element, binder.Source{View: view.Ref(0), Buffer: buf.backend})
}

// BindTexture binds tex to a texture or storage-texture parameter.
func (c *CommandContext) BindTexture(index, element uint32, tex *Texture) error {
	if err := c.recording("BindTexture"); err != nil {
		return err
	}
	binding, err := c.paramBinding(index)
	if err != nil {
		return err
	}
	view, err := tex.view(binding)
	if err != nil {
		return err
	}
	return c.binder.BindTexture(index, element, binder.Source{View: view.Ref(0)})
}

func (c *CommandContext) BindSampler(index, element uint32, s *Sampler) error {
	if err := c.recording("BindSampler"); err != nil {
		return err
	}
	return c.binder.BindSampler(index, element, binder.Source{View: s.view.Ref(0)})
}

// PushConstants writes 32-bit values into a root-constant parameter.
func (c *CommandContext) PushConstants(index, offset uint32, values []uint32) error {
	if err := c.recording("PushConstants"); err != nil {
		return err
	}
	return c.binder.PushConstants(index, offset, values)
}

// PushBindless pushes the shader indices of handles, in order, into the
// layout's bindless parameter. Stale handles are rejected.
func (c *CommandContext) PushBindless(handles ...bindless.Handle) error {
	if err := c.recording("PushBindless"); err != nil {
		return err
	}
	indices := make([]uint32, len(handles))
	for i, h := range handles {
		if h.IsValid() {
			if err := c.device.bindless.Validate(h); err != nil {
				return err
			}
		}
		indices[i] = h.ShaderIndex()
	}
	return c.binder.PushBindless(indices)
}

func (c *CommandContext) SetVertexBuffers(start uint32, buffers ...*Buffer) error {
	if err := c.recording("SetVertexBuffers"); err != nil {
		return err
	}
	bufs := make([]backend.Buffer, len(buffers))
	offsets := make([]uint64, len(buffers))
	for i, b := range buffers {
		if !b.desc.Usage.Has(metadata.BufferUsageVertex) {
			return core.InvalidUsage("buffer %q (usage %s) is not a vertex buffer", b.desc.Name, b.desc.Usage)
		}
		bufs[i] = b.backend
	}
	c.list.SetVertexBuffers(start, bufs, offsets)
	return nil
}

// SetIndexBuffer binds an index buffer of 16-bit, or with wide 32-bit, indices.
func (c *CommandContext) SetIndexBuffer(buf *Buffer, offset uint64, wide bool) error {
	if err := c.recording("SetIndexBuffer"); err != nil {
		return err
	}
	if !buf.desc.Usage.Has(metadata.BufferUsageIndex) {
		return core.InvalidUsage("buffer %q (usage %s) is not an index buffer", buf.desc.Name, buf.desc.Usage)
	}
	c.list.SetIndexBuffer(buf.backend, offset, wide)
	return nil
}

func (c *CommandContext) SetViewport(v metadata.Viewport) error {
	if err := c.recording("SetViewport"); err != nil {
		return err
	}
	c.list.SetViewport(v)
	return nil
}

func (c *CommandContext) SetScissor(r metadata.Rect) error {
	if err := c.recording("SetScissor"); err != nil {
		return err
	}
	c.list.SetScissor(r)
	return nil
}

// SetRenderTargets binds color targets and an optional depth target.
func (c *CommandContext) SetRenderTargets(colors []*Texture, depth *Texture) error {
	if err := c.recording("SetRenderTargets"); err != nil {
		return err
	}
	refs := make([]backend.DescriptorRef, len(colors))
	for i, t := range colors {
		ref, err := t.renderTarget()
		if err != nil {
			return err
		}
		refs[i] = ref
	}
	var depthRef backend.DescriptorRef
	if depth != nil {
		ref, err := depth.depthStencil()
		if err != nil {
			return err
		}
		depthRef = ref
	}
	c.list.SetRenderTargets(refs, depthRef)
	return nil
}

func (c *CommandContext) ClearRenderTarget(tex *Texture, color [4]float32) error {
	if err := c.recording("ClearRenderTarget"); err != nil {
		return err
	}
	ref, err := tex.renderTarget()
	if err != nil {
		return err
	}
	c.list.ClearRenderTarget(ref, color)
	return nil
}

func (c *CommandContext) ClearDepthStencil(tex *Texture, depth float32, stencil uint8) error {
	if err := c.recording("ClearDepthStencil"); err != nil {
		return err
	}
	ref, err := tex.depthStencil()
	if err != nil {
		return err
	}
	c.list.ClearDepthStencil(ref, depth, stencil)
	return nil
}

func (c *CommandContext) Barrier(barriers ...Barrier) error {
	if err := c.recording("Barrier"); err != nil {
		return err
	}
	out := make([]backend.Barrier, len(barriers))
	for i, b := range barriers {
		out[i] = backend.Barrier{Before: b.Before, After: b.After}
		if b.Buffer != nil {
			out[i].Buffer = b.Buffer.backend
		}
		if b.Texture != nil {
			out[i].Texture = b.Texture.backend
		}
		if out[i].Buffer == nil && out[i].Texture == nil {
			return core.InvalidUsage("barrier %d names no resource", i)
		}
	}
	c.list.Barrier(out)
	return nil
}

// prepare checks the bound pipeline and flushes the descriptor tables.
func (c *CommandContext) prepare(op string, class metadata.WorkClass) error {
	if err := c.recording(op); err != nil {
		return err
	}
	if c.pipeline == nil {
		return c.misuse(op + " without a pipeline")
	}
	if c.pipeline.class != class {
		return core.InvalidUsage("%s with %s pipeline %q bound", op, c.pipeline.class, c.pipeline.name)
	}
	return c.binder.FlushDescriptors()
}

func (c *CommandContext) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := c.prepare("Draw", metadata.WorkClassGraphics); err != nil {
		return err
	}
	c.list.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	return nil
}

func (c *CommandContext) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	if err := c.prepare("DrawIndexed", metadata.WorkClassGraphics); err != nil {
		return err
	}
	c.list.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	return nil
}

func (c *CommandContext) Dispatch(x, y, z uint32) error {
	if err := c.prepare("Dispatch", metadata.WorkClassCompute); err != nil {
		return err
	}
	c.list.Dispatch(x, y, z)
	return nil
}

func (c *CommandContext) CopyBuffer(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset, size uint64) error {
	if err := c.recording("CopyBuffer"); err != nil {
		return err
	}
	if !src.desc.Usage.Has(metadata.BufferUsageCopySrc) || !dst.desc.Usage.Has(metadata.BufferUsageCopyDst) {
		return core.InvalidUsage("copy from %q (%s) to %q (%s) needs copy-src and copy-dst usage",
			src.desc.Name, src.desc.Usage, dst.desc.Name, dst.desc.Usage)
	}
	if srcOffset+size > src.desc.Size || dstOffset+size > dst.desc.Size {
		return core.InvalidUsage("copy of %d bytes out of range", size)
	}
	c.list.CopyBuffer(dst.backend, dstOffset, src.backend, srcOffset, size)
	return nil
}

func (c *CommandContext) CopyBufferToTexture(dst *Texture, mip, layer uint32, src *Buffer, srcOffset uint64) error {
	if err := c.recording("CopyBufferToTexture"); err != nil {
		return err
	}
	if !src.desc.Usage.Has(metadata.BufferUsageCopySrc) || !dst.desc.Usage.Has(metadata.TextureUsageCopyDst) {
		return core.InvalidUsage("copy from %q to texture %q needs copy-src and copy-dst usage", src.desc.Name, dst.desc.Name)
	}
	if mip >= dst.desc.Mips() || layer >= dst.desc.Layers() {
		return core.InvalidUsage("texture %q has no subresource mip %d layer %d", dst.desc.Name, mip, layer)
	}
	c.list.CopyBufferToTexture(dst.backend, mip, layer, src.backend, srcOffset)
	return nil
}

func (c *CommandContext) destroy() {
	c.once.Do(func() {
		c.binder.ReleaseRetained()
		c.list.Destroy()
	})
}

// Destroy frees the context. A submitted context must have completed.
func (c *CommandContext) Destroy() {
	c.device.forget(c)
	c.destroy()
}
