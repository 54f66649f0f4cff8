package mock

import (
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type Buffer struct {
	desc    metadata.BufferDesc
	address backend.GPUHandle

	mu        sync.Mutex
	data      []byte
	mapped    bool
	destroyed bool
}

func (b *Buffer) Desc() *metadata.BufferDesc    { return &b.desc }
func (b *Buffer) GPUAddress() backend.GPUHandle { return b.address }

func (b *Buffer) Map() ([]byte, error) {
	if !b.desc.Usage.HasAny(metadata.BufferUsageMapRead | metadata.BufferUsageMapWrite) {
		return nil, core.InvalidUsage("mock: buffer %q is not mappable (usage %s)", b.desc.Name, b.desc.Usage)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mapped = true
	return b.data, nil
}

func (b *Buffer) Unmap() {
	b.mu.Lock()
	b.mapped = false
	b.mu.Unlock()
}

// Bytes returns a copy of the buffer content.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func (b *Buffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *Buffer) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.mu.Unlock()
}

// Texture stores mip 0 of every layer, tightly packed.
type Texture struct {
	desc metadata.TextureDesc

	mu        sync.Mutex
	data      []byte
	destroyed bool
}

func newTexture(desc *metadata.TextureDesc) *Texture {
	size := uint64(desc.Width) * uint64(desc.Height) * uint64(desc.Layers()) * uint64(max(desc.Format.BytesPerPixel(), 1))
	return &Texture{desc: *desc, data: make([]byte, size)}
}

func (t *Texture) Desc() *metadata.TextureDesc { return &t.desc }

func (t *Texture) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.data...)
}

func (t *Texture) layerSize() uint64 {
	return uint64(t.desc.Width) * uint64(t.desc.Height) * uint64(max(t.desc.Format.BytesPerPixel(), 1))
}

func (t *Texture) upload(layer uint32, src []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := uint64(layer) * t.layerSize()
	if start >= uint64(len(t.data)) {
		return
	}
	copy(t.data[start:start+min(t.layerSize(), uint64(len(src)))], src)
}

func (t *Texture) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *Texture) Destroy() {
	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
}

type Sampler struct {
	desc      metadata.SamplerDesc
	destroyed bool
}

func (s *Sampler) Desc() *metadata.SamplerDesc { return &s.desc }
func (s *Sampler) Destroy()                    { s.destroyed = true }

type Shader struct {
	desc metadata.ShaderDesc
	blob []byte
}

func (s *Shader) Desc() *metadata.ShaderDesc { return &s.desc }
func (s *Shader) Blob() []byte               { return s.blob }
func (s *Shader) Destroy()                   {}

type PipelineLayout struct {
	desc metadata.PipelineLayoutDesc
}

func (l *PipelineLayout) Desc() *metadata.PipelineLayoutDesc { return &l.desc }
func (l *PipelineLayout) Destroy()                           {}

type Pipeline struct {
	name   string
	class  metadata.WorkClass
	layout backend.PipelineLayout
}

func (p *Pipeline) Name() string                   { return p.name }
func (p *Pipeline) Class() metadata.WorkClass      { return p.class }
func (p *Pipeline) Layout() backend.PipelineLayout { return p.layout }
func (p *Pipeline) Destroy()                       {}
