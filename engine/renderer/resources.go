package renderer

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/bindless"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// Resource is anything a bindless handle can refer to: *Buffer, *Texture or *Sampler.
type Resource interface {
	Name() string
	createBindless(r *bindless.Registry, writable bool) (bindless.Handle, error)
}

// Fence is a device timeline. Queue fences are owned by their queue.
type Fence struct {
	device  *Device
	backend backend.Fence
	name    string
	once    sync.Once
}

func (f *Fence) Name() string {
	return f.name
}

func (f *Fence) Backend() backend.Fence {
	return f.backend
}

func (f *Fence) Signal(value uint64) {
	f.backend.Signal(value)
}

// Wait blocks until value is reached or timeout elapses; a negative timeout
// waits forever. It reports whether the value was reached.
func (f *Fence) Wait(value uint64, timeout time.Duration) bool {
	return f.backend.Wait(value, timeout)
}

func (f *Fence) CurrentValue() uint64 {
	return f.backend.CurrentValue()
}

// At pairs the fence with a value for Submit.
func (f *Fence) At(value uint64) FenceValue {
	return FenceValue{Fence: f, Value: value}
}

func (f *Fence) destroy() {
	f.once.Do(f.backend.Destroy)
}

func (f *Fence) Destroy() {
	if f.device != nil {
		f.device.forget(f)
	}
	f.destroy()
}

// FenceValue is a wait or signal entry of a submission.
type FenceValue struct {
	Fence *Fence
	Value uint64
}

// Buffer is a GPU buffer with the CPU views and default bindless handles its
// usage allows.
type Buffer struct {
	device  *Device
	backend backend.Buffer
	desc    metadata.BufferDesc

	cbv *descriptor.Descriptor
	srv *descriptor.Descriptor
	uav *descriptor.Descriptor

	handle   bindless.Handle
	handleRW bindless.Handle
	once     sync.Once
}

// CreateBuffer creates a buffer, optionally filled with initial. Constant
// buffers are padded to metadata.ConstantBufferAlignment.
func (d *Device) CreateBuffer(desc metadata.BufferDesc, initial []byte) (*Buffer, error) {
	desc.Name = core.DebugNameOr(desc.Name, "buffer")
	if desc.Size == 0 {
		return nil, core.InvalidUsage("buffer %q has zero size", desc.Name)
	}
	if uint64(len(initial)) > desc.Size {
		return nil, core.InvalidUsage("buffer %q: %d initial bytes exceed its %d bytes", desc.Name, len(initial), desc.Size)
	}
	if desc.Usage.Has(metadata.BufferUsageConstant) {
		desc.Size = metadata.AlignUp(desc.Size, metadata.ConstantBufferAlignment)
	}

	bb, err := d.adapter.CreateBuffer(&desc, initial)
	if err != nil {
		return nil, errors.Wrapf(err, "creating buffer %q", desc.Name)
	}
	b := &Buffer{
		device:   d,
		backend:  bb,
		desc:     desc,
		handle:   bindless.Invalid,
		handleRW: bindless.Invalid,
	}
	if err := b.init(); err != nil {
		b.destroy()
		return nil, err
	}
	if err := d.track(b); err != nil {
		b.destroy()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) init() error {
	views := b.device.views[metadata.HeapResource]
	var err error
	if b.desc.Usage.Has(metadata.BufferUsageConstant) {
		if b.cbv, err = views.Allocate(1); err != nil {
			return err
		}
		b.cbv.Write(0, backend.View{Kind: backend.ViewConstantBuffer, Buffer: b.backend, Size: b.desc.Size})
	}
	if b.desc.Usage.Has(metadata.BufferUsageStorage) {
		if b.srv, err = views.Allocate(1); err != nil {
			return err
		}
		b.srv.Write(0, backend.View{Kind: backend.ViewShaderResource, Buffer: b.backend, Size: b.desc.Size, Stride: b.desc.Stride})
		if b.uav, err = views.Allocate(1); err != nil {
			return err
		}
		b.uav.Write(0, backend.View{Kind: backend.ViewUnorderedAccess, Buffer: b.backend, Size: b.desc.Size, Stride: b.desc.Stride})
	}

	if b.desc.Usage.Has(metadata.BufferUsageStorage) {
		if b.handle, err = b.device.bindless.CreateForBuffer(b.backend, false); err != nil {
			return err
		}
		if b.handleRW, err = b.device.bindless.CreateForBuffer(b.backend, true); err != nil {
			return err
		}
	}
	return nil
}

func (b *Buffer) Name() string                  { return b.desc.Name }
func (b *Buffer) Desc() metadata.BufferDesc     { return b.desc }
func (b *Buffer) Backend() backend.Buffer       { return b.backend }
func (b *Buffer) Usage() metadata.BufferUsage   { return b.desc.Usage }
func (b *Buffer) GPUAddress() backend.GPUHandle { return b.backend.GPUAddress() }

// BindlessHandle returns the default handle created for the buffer, or
// bindless.Invalid when its usage does not allow one.
func (b *Buffer) BindlessHandle(writable bool) bindless.Handle {
	if writable {
		return b.handleRW
	}
	return b.handle
}

func (b *Buffer) createBindless(r *bindless.Registry, writable bool) (bindless.Handle, error) {
	return r.CreateForBuffer(b.backend, writable)
}

// Map returns CPU-visible memory; the buffer needs MapRead or MapWrite usage.
func (b *Buffer) Map() ([]byte, error) {
	return b.backend.Map()
}

func (b *Buffer) Unmap() {
	b.backend.Unmap()
}

func (b *Buffer) view(binding metadata.BindingType) (*descriptor.Descriptor, error) {
	var d *descriptor.Descriptor
	switch binding {
	case metadata.BindingConstantBuffer:
		d = b.cbv
	case metadata.BindingBuffer:
		// Constant-only buffers have no shader-resource view.
		d = b.srv
	case metadata.BindingStorageBuffer:
		d = b.uav
	}
	if d == nil {
		return nil, core.InvalidUsage("buffer %q (usage %s) cannot be bound as %s", b.desc.Name, b.desc.Usage, binding)
	}
	return d, nil
}

func (b *Buffer) destroy() {
	b.once.Do(func() {
		b.device.bindless.DiscardBindlessHandle(b.handle)
		b.device.bindless.DiscardBindlessHandle(b.handleRW)
		b.cbv.Release()
		b.srv.Release()
		b.uav.Release()
		b.backend.Destroy()
	})
}

// Destroy releases the buffer, its views and its default bindless handles.
// The caller makes sure no submitted work still uses it.
func (b *Buffer) Destroy() {
	b.device.forget(b)
	b.destroy()
}

// Texture is a GPU texture with the CPU views and default bindless handles
// its usage allows.
type Texture struct {
	device  *Device
	backend backend.Texture
	desc    metadata.TextureDesc
	owned   bool

	srv *descriptor.Descriptor
	uav *descriptor.Descriptor
	rtv *descriptor.Descriptor
	dsv *descriptor.Descriptor

	handle   bindless.Handle
	handleRW bindless.Handle
	once     sync.Once
}

func validateTexture(desc *metadata.TextureDesc) error {
	if desc.Width == 0 || desc.Height == 0 {
		return core.InvalidUsage("texture %q has zero extent %dx%d", desc.Name, desc.Width, desc.Height)
	}
	if desc.Format == metadata.FormatUnknown {
		return core.InvalidUsage("texture %q has no format", desc.Name)
	}
	if desc.Usage.Has(metadata.TextureUsageDSV) && !desc.Format.IsDepth() {
		return core.InvalidUsage("texture %q: depth-stencil usage needs a depth format", desc.Name)
	}
	if desc.Usage.Has(metadata.TextureUsageRTV) && desc.Format.IsDepth() {
		return core.InvalidUsage("texture %q: render-target usage with a depth format", desc.Name)
	}
	if desc.Usage&(metadata.TextureUsageCube|metadata.TextureUsageCubeArray) != 0 {
		if desc.Dimension != metadata.TextureDimension2D || desc.Layers()%6 != 0 {
			return core.InvalidUsage("texture %q: cube usage needs a 2D texture with a multiple of 6 layers", desc.Name)
		}
	}
	return nil
}

// CreateTexture creates a texture, optionally filled with initial (mip 0 of
// every layer, tightly packed).
func (d *Device) CreateTexture(desc metadata.TextureDesc, initial []byte) (*Texture, error) {
	desc.Name = core.DebugNameOr(desc.Name, "texture")
	if err := validateTexture(&desc); err != nil {
		return nil, err
	}
	bt, err := d.adapter.CreateTexture(&desc, initial)
	if err != nil {
		return nil, errors.Wrapf(err, "creating texture %q", desc.Name)
	}
	t, err := d.wrapTexture(bt, true)
	if err != nil {
		return nil, err
	}
	if err := d.track(t); err != nil {
		t.destroy()
		return nil, err
	}
	return t, nil
}

// wrapTexture builds the views of a backend texture. Unowned textures (swap
// chain back buffers) keep their backend object alive on destroy.
func (d *Device) wrapTexture(bt backend.Texture, owned bool) (*Texture, error) {
	t := &Texture{
		device:   d,
		backend:  bt,
		desc:     *bt.Desc(),
		owned:    owned,
		handle:   bindless.Invalid,
		handleRW: bindless.Invalid,
	}
	if err := t.init(); err != nil {
		t.destroy()
		return nil, err
	}
	return t, nil
}

func (t *Texture) init() error {
	var err error
	write := func(kind metadata.HeapKind, view backend.ViewKind) (*descriptor.Descriptor, error) {
		dd, err := t.device.views[kind].Allocate(1)
		if err != nil {
			return nil, err
		}
		dd.Write(0, backend.View{Kind: view, Texture: t.backend, Format: t.desc.Format})
		return dd, nil
	}
	u := t.desc.Usage
	if u.Has(metadata.TextureUsageSRV) {
		if t.srv, err = write(metadata.HeapResource, backend.ViewShaderResource); err != nil {
			return err
		}
		if t.handle, err = t.device.bindless.CreateForTexture(t.backend, false); err != nil {
			return err
		}
	}
	if u.Has(metadata.TextureUsageUAV) {
		if t.uav, err = write(metadata.HeapResource, backend.ViewUnorderedAccess); err != nil {
			return err
		}
		if t.handleRW, err = t.device.bindless.CreateForTexture(t.backend, true); err != nil {
			return err
		}
	}
	if u.Has(metadata.TextureUsageRTV) {
		if t.rtv, err = write(metadata.HeapRenderTarget, backend.ViewRenderTarget); err != nil {
			return err
		}
	}
	if u.Has(metadata.TextureUsageDSV) {
		if t.dsv, err = write(metadata.HeapDepthStencil, backend.ViewDepthStencil); err != nil {
			return err
		}
	}
	return nil
}

func (t *Texture) Name() string                 { return t.desc.Name }
func (t *Texture) Desc() metadata.TextureDesc   { return t.desc }
func (t *Texture) Backend() backend.Texture     { return t.backend }
func (t *Texture) Usage() metadata.TextureUsage { return t.desc.Usage }
func (t *Texture) Width() uint32                { return t.desc.Width }
func (t *Texture) Height() uint32               { return t.desc.Height }
func (t *Texture) Format() metadata.Format      { return t.desc.Format }

// BindlessHandle returns the default handle created for the texture, or
// bindless.Invalid when its usage does not allow one.
func (t *Texture) BindlessHandle(writable bool) bindless.Handle {
	if writable {
		return t.handleRW
	}
	return t.handle
}

func (t *Texture) createBindless(r *bindless.Registry, writable bool) (bindless.Handle, error) {
	return r.CreateForTexture(t.backend, writable)
}

func (t *Texture) view(binding metadata.BindingType) (*descriptor.Descriptor, error) {
	var d *descriptor.Descriptor
	switch binding {
	case metadata.BindingTexture:
		d = t.srv
	case metadata.BindingStorageTexture:
		d = t.uav
	}
	if d == nil {
		return nil, core.InvalidUsage("texture %q (usage %s) cannot be bound as %s", t.desc.Name, t.desc.Usage, binding)
	}
	return d, nil
}

func (t *Texture) renderTarget() (backend.DescriptorRef, error) {
	if t.rtv == nil {
		return backend.DescriptorRef{}, core.InvalidUsage("texture %q (usage %s) is not a render target", t.desc.Name, t.desc.Usage)
	}
	return t.rtv.Ref(0), nil
}

func (t *Texture) depthStencil() (backend.DescriptorRef, error) {
	if t.dsv == nil {
		return backend.DescriptorRef{}, core.InvalidUsage("texture %q (usage %s) is not a depth-stencil target", t.desc.Name, t.desc.Usage)
	}
	return t.dsv.Ref(0), nil
}

func (t *Texture) destroy() {
	t.once.Do(func() {
		t.device.bindless.DiscardBindlessHandle(t.handle)
		t.device.bindless.DiscardBindlessHandle(t.handleRW)
		t.srv.Release()
		t.uav.Release()
		t.rtv.Release()
		t.dsv.Release()
		if t.owned {
			t.backend.Destroy()
		}
	})
}

// Destroy releases the texture, its views and its default bindless handles.
func (t *Texture) Destroy() {
	t.device.forget(t)
	t.destroy()
}

type Sampler struct {
	device  *Device
	backend backend.Sampler
	desc    metadata.SamplerDesc
	view    *descriptor.Descriptor
	handle  bindless.Handle
	once    sync.Once
}

func (d *Device) CreateSampler(desc metadata.SamplerDesc) (*Sampler, error) {
	desc.Name = core.DebugNameOr(desc.Name, "sampler")
	if desc.MaxAnisotropy > 16 {
		return nil, core.InvalidUsage("sampler %q: anisotropy %d above 16", desc.Name, desc.MaxAnisotropy)
	}
	bs, err := d.adapter.CreateSampler(&desc)
	if err != nil {
		return nil, errors.Wrapf(err, "creating sampler %q", desc.Name)
	}
	s := &Sampler{device: d, backend: bs, desc: desc, handle: bindless.Invalid}
	if s.view, err = d.views[metadata.HeapSampler].Allocate(1); err != nil {
		s.destroy()
		return nil, err
	}
	s.view.Write(0, backend.View{Kind: backend.ViewSampler, Sampler: bs})
	if s.handle, err = d.bindless.CreateForSampler(bs, false); err != nil {
		s.destroy()
		return nil, err
	}
	if err := d.track(s); err != nil {
		s.destroy()
		return nil, err
	}
	return s, nil
}

func (s *Sampler) Name() string                    { return s.desc.Name }
func (s *Sampler) Desc() metadata.SamplerDesc      { return s.desc }
func (s *Sampler) Backend() backend.Sampler        { return s.backend }
func (s *Sampler) BindlessHandle() bindless.Handle { return s.handle }

func (s *Sampler) createBindless(r *bindless.Registry, writable bool) (bindless.Handle, error) {
	return r.CreateForSampler(s.backend, writable)
}

func (s *Sampler) destroy() {
	s.once.Do(func() {
		s.device.bindless.DiscardBindlessHandle(s.handle)
		s.view.Release()
		s.backend.Destroy()
	})
}

func (s *Sampler) Destroy() {
	s.device.forget(s)
	s.destroy()
}
