//go:build vulkan

package vulkan

import (
	"encoding/binary"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type Buffer struct {
	a       *Adapter
	desc    metadata.BufferDesc
	handle  vk.Buffer
	memory  vk.DeviceMemory
	address backend.GPUHandle
	// Persistently mapped for MapRead/MapWrite buffers.
	mapped []byte
	once   sync.Once
}

func bufferUsage(u metadata.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u.Has(metadata.BufferUsageVertex) {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if u.Has(metadata.BufferUsageIndex) {
		flags |= vk.BufferUsageIndexBufferBit
	}
	// A constant buffer may also be viewed as a raw buffer and vice versa.
	if u.HasAny(metadata.BufferUsageConstant | metadata.BufferUsageStorage) {
		flags |= vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit
	}
	if u.Has(metadata.BufferUsageCopySrc) || u.Has(metadata.BufferUsageMapWrite) {
		flags |= vk.BufferUsageTransferSrcBit
	}
	flags |= vk.BufferUsageTransferDstBit
	return vk.BufferUsageFlags(flags)
}

func (a *Adapter) CreateBuffer(desc *metadata.BufferDesc, initial []byte) (backend.Buffer, error) {
	b, err := a.newBuffer(desc, initial)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Adapter) newBuffer(desc *metadata.BufferDesc, initial []byte) (*Buffer, error) {
	if desc.Size == 0 {
		return nil, core.InvalidUsage("vulkan: buffer %q has zero size", desc.Name)
	}
	if uint64(len(initial)) > desc.Size {
		return nil, core.InvalidUsage("vulkan: %d initial bytes do not fit buffer %q of %d bytes", len(initial), desc.Name, desc.Size)
	}
	c := a.ctx
	b := &Buffer{a: a, desc: *desc, address: backend.GPUHandle(a.reserve(desc.Size))}
	res := vk.CreateBuffer(c.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}, c.allocator, &b.handle)
	if err := check(res, "vkCreateBuffer(%s)", desc.Name); err != nil {
		return nil, err
	}

	hostVisible := desc.Usage.HasAny(metadata.BufferUsageMapRead | metadata.BufferUsageMapWrite)
	flags := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if hostVisible {
		flags = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(c.device, b.handle, &reqs)
	var err error
	if b.memory, err = c.allocate(reqs, flags, desc.Name); err != nil {
		b.Destroy()
		return nil, err
	}
	if err := check(vk.BindBufferMemory(c.device, b.handle, b.memory, 0), "vkBindBufferMemory(%s)", desc.Name); err != nil {
		b.Destroy()
		return nil, err
	}
	if hostVisible {
		var ptr unsafe.Pointer
		if err := check(vk.MapMemory(c.device, b.memory, 0, vk.DeviceSize(desc.Size), 0, &ptr), "vkMapMemory(%s)", desc.Name); err != nil {
			b.Destroy()
			return nil, err
		}
		b.mapped = unsafe.Slice((*byte)(ptr), desc.Size)
	}

	if len(initial) > 0 {
		if err := b.upload(initial); err != nil {
			b.Destroy()
			return nil, err
		}
	}
	return b, nil
}

// upload writes data at offset 0, through a staging buffer when the memory
// is not host visible.
func (b *Buffer) upload(data []byte) error {
	if b.mapped != nil {
		copy(b.mapped, data)
		return nil
	}
	staging, err := b.a.newBuffer(&metadata.BufferDesc{
		Name:  b.desc.Name + "-staging",
		Size:  uint64(len(data)),
		Usage: metadata.BufferUsageMapWrite | metadata.BufferUsageCopySrc,
	}, data)
	if err != nil {
		return err
	}
	defer staging.Destroy()
	return b.a.immediate(func(cmd vk.CommandBuffer) {
		vk.CmdCopyBuffer(cmd, staging.handle, b.handle, 1, []vk.BufferCopy{{Size: vk.DeviceSize(len(data))}})
	})
}

func (b *Buffer) Desc() *metadata.BufferDesc    { return &b.desc }
func (b *Buffer) GPUAddress() backend.GPUHandle { return b.address }

func (b *Buffer) Map() ([]byte, error) {
	if b.mapped == nil {
		return nil, core.InvalidUsage("vulkan: buffer %q is not mappable (usage %s)", b.desc.Name, b.desc.Usage)
	}
	return b.mapped, nil
}

// Unmap is a no-op: host-visible buffers stay mapped for their lifetime.
func (b *Buffer) Unmap() {}

func (b *Buffer) info(offset, size uint64) vk.DescriptorBufferInfo {
	r := vk.DeviceSize(vk.WholeSize)
	if size != 0 {
		r = vk.DeviceSize(size)
	}
	return vk.DescriptorBufferInfo{Buffer: b.handle, Offset: vk.DeviceSize(offset), Range: r}
}

func (b *Buffer) Destroy() {
	b.once.Do(func() {
		c := b.a.ctx
		if b.mapped != nil {
			vk.UnmapMemory(c.device, b.memory)
			b.mapped = nil
		}
		if b.handle != vk.NullBuffer {
			vk.DestroyBuffer(c.device, b.handle, c.allocator)
		}
		c.free(b.memory)
	})
}

type viewKey struct {
	mip, layer uint32
	attachment bool
}

type Texture struct {
	a      *Adapter
	desc   metadata.TextureDesc
	handle vk.Image
	memory vk.DeviceMemory
	// False for swap chain images.
	owned       bool
	defaultView vk.ImageView

	mu    sync.Mutex
	views map[viewKey]vk.ImageView
	// State as of the last recorded transition. Contents are undefined
	// until the first one.
	state       metadata.ResourceState
	initialized bool
	once        sync.Once
}

func (a *Adapter) CreateTexture(desc *metadata.TextureDesc, initial []byte) (backend.Texture, error) {
	t, err := a.newTexture(desc, initial)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (a *Adapter) newTexture(desc *metadata.TextureDesc, initial []byte) (*Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, core.InvalidUsage("vulkan: texture %q has zero extent", desc.Name)
	}
	if toVkFormat(desc.Format) == vk.FormatUndefined {
		return nil, core.InvalidUsage("vulkan: texture %q has no format", desc.Name)
	}
	size := uint64(desc.Width) * uint64(desc.Height) * uint64(desc.Layers()) * uint64(desc.Format.BytesPerPixel())
	if uint64(len(initial)) > size {
		return nil, core.InvalidUsage("vulkan: %d initial bytes do not fit texture %q", len(initial), desc.Name)
	}
	image, mem, err := a.ctx.createImage(desc)
	if err != nil {
		return nil, err
	}
	t := &Texture{a: a, desc: *desc, handle: image, memory: mem, owned: true}
	if err := t.init(); err != nil {
		t.Destroy()
		return nil, err
	}
	if len(initial) > 0 {
		if err := t.upload(initial); err != nil {
			t.Destroy()
			return nil, err
		}
	}
	return t, nil
}

func (t *Texture) init() error {
	t.views = make(map[viewKey]vk.ImageView)
	var err error
	t.defaultView, err = t.a.ctx.createImageView(t.handle, &t.desc, 0, t.desc.Mips(), 0, t.arrayLayers())
	return err
}

func (t *Texture) arrayLayers() uint32 {
	if t.desc.Dimension == metadata.TextureDimension3D {
		return 1
	}
	return t.desc.Layers()
}

// upload copies mip 0 of every layer from data and leaves the texture in
// the shader resource layout.
func (t *Texture) upload(data []byte) error {
	staging, err := t.a.newBuffer(&metadata.BufferDesc{
		Name:  t.desc.Name + "-staging",
		Size:  uint64(len(data)),
		Usage: metadata.BufferUsageMapWrite | metadata.BufferUsageCopySrc,
	}, data)
	if err != nil {
		return err
	}
	defer staging.Destroy()
	return t.a.immediate(func(cmd vk.CommandBuffer) {
		t.transitionTo(cmd, metadata.ResourceStateCopyDst)
		t.copyFrom(cmd, staging.handle, 0, 0, 0, t.arrayLayers())
		t.transitionTo(cmd, metadata.ResourceStateShaderResource)
	})
}

func (t *Texture) copyFrom(cmd vk.CommandBuffer, src vk.Buffer, offset uint64, mip, layer, layers uint32) {
	vk.CmdCopyBufferToImage(cmd, src, t.handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{{
		BufferOffset: vk.DeviceSize(offset),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     aspectOf(t.desc.Format),
			MipLevel:       mip,
			BaseArrayLayer: layer,
			LayerCount:     layers,
		},
		ImageExtent: vk.Extent3D{
			Width:  max(t.desc.Width>>mip, 1),
			Height: max(t.desc.Height>>mip, 1),
			Depth:  1,
		},
	}})
}

// transitionTo records a full-subresource barrier from the tracked state
// into after and returns the state it left.
func (t *Texture) transitionTo(cmd vk.CommandBuffer, after metadata.ResourceState) (metadata.ResourceState, bool) {
	t.mu.Lock()
	before, initialized := t.state, t.initialized
	t.state, t.initialized = after, true
	t.mu.Unlock()
	if initialized && before == after && after != metadata.ResourceStateUnorderedAccess {
		return before, initialized
	}

	src, dst := infoFor(before), infoFor(after)
	if !initialized {
		src = stateInfo{vk.ImageLayoutUndefined, 0, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)}
	}
	vk.CmdPipelineBarrier(cmd, src.stages, dst.stages, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       src.access,
		DstAccessMask:       dst.access,
		OldLayout:           src.layout,
		NewLayout:           dst.layout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               t.handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspectOf(t.desc.Format),
			LevelCount: vk.RemainingMipLevels,
			LayerCount: vk.RemainingArrayLayers,
		},
	}})
	return before, initialized
}

func (t *Texture) currentState() (metadata.ResourceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.initialized
}

// viewFor returns a single-mip, single-layer view, creating it on first use.
// Attachment views of depth formats cover depth and stencil.
func (t *Texture) viewFor(mip, layer uint32, attachment bool) vk.ImageView {
	key := viewKey{mip, layer, attachment}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.views[key]; ok {
		return v
	}
	v, err := t.a.ctx.createImageView(t.handle, &t.desc, mip, 1, layer, 1)
	if err != nil {
		t.a.ctx.logger.Errorf("texture %q: %v", t.desc.Name, err)
		return t.defaultView
	}
	t.views[key] = v
	return v
}

func (t *Texture) Desc() *metadata.TextureDesc { return &t.desc }

func (t *Texture) Destroy() {
	t.once.Do(func() {
		c := t.a.ctx
		t.mu.Lock()
		for _, v := range t.views {
			vk.DestroyImageView(c.device, v, c.allocator)
		}
		t.views = nil
		t.mu.Unlock()
		if t.defaultView != vk.NullImageView {
			vk.DestroyImageView(c.device, t.defaultView, c.allocator)
		}
		if t.owned {
			vk.DestroyImage(c.device, t.handle, c.allocator)
			c.free(t.memory)
		}
	})
}

// transition moves t into state with a blocking one-off submission.
func (a *Adapter) transition(t *Texture, state metadata.ResourceState) error {
	return a.immediate(func(cmd vk.CommandBuffer) {
		t.transitionTo(cmd, state)
	})
}

type Sampler struct {
	a      *Adapter
	desc   metadata.SamplerDesc
	handle vk.Sampler
	once   sync.Once
}

var addressModes = map[metadata.AddressMode]vk.SamplerAddressMode{
	metadata.AddressRepeat:         vk.SamplerAddressModeRepeat,
	metadata.AddressMirroredRepeat: vk.SamplerAddressModeMirroredRepeat,
	metadata.AddressClampToEdge:    vk.SamplerAddressModeClampToEdge,
	metadata.AddressClampToBorder:  vk.SamplerAddressModeClampToBorder,
}

func filter(f metadata.FilterMode) vk.Filter {
	if f == metadata.FilterLinear {
		return vk.FilterLinear
	}
	return vk.FilterNearest
}

func (a *Adapter) CreateSampler(desc *metadata.SamplerDesc) (backend.Sampler, error) {
	s, err := a.newSampler(desc)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *Adapter) newSampler(desc *metadata.SamplerDesc) (*Sampler, error) {
	c := a.ctx
	mip := vk.SamplerMipmapModeNearest
	if desc.MipFilter == metadata.FilterLinear {
		mip = vk.SamplerMipmapModeLinear
	}
	maxLOD := desc.MaxLOD
	if maxLOD == 0 {
		maxLOD = vk.LodClampNone
	}
	info := vk.SamplerCreateInfo{
		SType:            vk.StructureTypeSamplerCreateInfo,
		MagFilter:        filter(desc.MagFilter),
		MinFilter:        filter(desc.MinFilter),
		MipmapMode:       mip,
		AddressModeU:     addressModes[desc.AddressU],
		AddressModeV:     addressModes[desc.AddressV],
		AddressModeW:     addressModes[desc.AddressW],
		AnisotropyEnable: vk.False,
		MaxAnisotropy:    1,
		CompareEnable:    vk.False,
		CompareOp:        vk.CompareOpAlways,
		MinLod:           desc.MinLOD,
		MaxLod:           maxLOD,
		BorderColor:      vk.BorderColorFloatTransparentBlack,
	}
	if desc.MaxAnisotropy > 1 {
		info.AnisotropyEnable = vk.True
		info.MaxAnisotropy = min(float32(desc.MaxAnisotropy), c.properties.Limits.MaxSamplerAnisotropy)
	}
	if desc.Comparison {
		info.CompareEnable = vk.True
		info.CompareOp = vk.CompareOp(desc.Compare)
	}
	s := &Sampler{a: a, desc: *desc}
	res := vk.CreateSampler(c.device, &info, c.allocator, &s.handle)
	if err := check(res, "vkCreateSampler(%s)", desc.Name); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sampler) Desc() *metadata.SamplerDesc { return &s.desc }

func (s *Sampler) Destroy() {
	s.once.Do(func() {
		vk.DestroySampler(s.a.ctx.device, s.handle, s.a.ctx.allocator)
	})
}

// Shader is a SPIR-V module.
type Shader struct {
	a      *Adapter
	desc   metadata.ShaderDesc
	module vk.ShaderModule
	once   sync.Once
}

func (a *Adapter) CreateShader(desc *metadata.ShaderDesc, blob []byte) (backend.Shader, error) {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil, core.InvalidUsage("vulkan: shader %q is not SPIR-V (%d bytes)", desc.Name, len(blob))
	}
	code := make([]uint32, len(blob)/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(blob[i*4:])
	}
	s := &Shader{a: a, desc: *desc}
	if s.desc.EntryPoint == "" {
		s.desc.EntryPoint = "main"
	}
	res := vk.CreateShaderModule(a.ctx.device, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(blob)),
		PCode:    code,
	}, a.ctx.allocator, &s.module)
	if err := check(res, "vkCreateShaderModule(%s)", desc.Name); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Shader) Desc() *metadata.ShaderDesc { return &s.desc }

func (s *Shader) stage(flag vk.ShaderStageFlagBits) vk.PipelineShaderStageCreateInfo {
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  flag,
		Module: s.module,
		PName:  safeString(s.desc.EntryPoint),
	}
}

func (s *Shader) Destroy() {
	s.once.Do(func() {
		vk.DestroyShaderModule(s.a.ctx.device, s.module, s.a.ctx.allocator)
	})
}
