package bindless

import (
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// RangeAllocator hands out contiguous shader-visible descriptor ranges.
type RangeAllocator interface {
	Allocate(count uint32) (*descriptor.Descriptor, error)
}

type poolKey struct {
	kind     metadata.ResourceKind
	writable bool
}

// Fixed pool order; Tables reports pools in this order.
var poolKeys = []poolKey{
	{metadata.ResourceBuffer, false},
	{metadata.ResourceBuffer, true},
	{metadata.ResourceTexture, false},
	{metadata.ResourceTexture, true},
	{metadata.ResourceSampler, false},
}

func (k poolKey) binding() metadata.BindingType {
	switch {
	case k.kind == metadata.ResourceBuffer && k.writable:
		return metadata.BindingStorageBuffer
	case k.kind == metadata.ResourceBuffer:
		return metadata.BindingBuffer
	case k.kind == metadata.ResourceTexture && k.writable:
		return metadata.BindingStorageTexture
	case k.kind == metadata.ResourceTexture:
		return metadata.BindingTexture
	default:
		return metadata.BindingSampler
	}
}

type slot struct {
	version uint32
	live    bool
}

type pool struct {
	key   poolKey
	table *descriptor.Descriptor
	slots []slot
	// LIFO stack of free indices.
	free []uint32
}

// Registry owns the free-index bookkeeping of every bindless pool. Handles
// themselves are values owned by the resource they describe.
type Registry struct {
	logger *core.Logger

	mu    sync.Mutex
	pools map[poolKey]*pool
}

func capacityFor(cfg core.BindlessConfig, k poolKey) uint32 {
	switch k {
	case poolKey{metadata.ResourceBuffer, false}:
		return cfg.Buffers
	case poolKey{metadata.ResourceBuffer, true}:
		return cfg.StorageBuffers
	case poolKey{metadata.ResourceTexture, false}:
		return cfg.Textures
	case poolKey{metadata.ResourceTexture, true}:
		return cfg.StorageTextures
	default:
		return cfg.Samplers
	}
}

// NewRegistry reserves one range per pool from the shader-visible allocators.
// Pools configured with zero capacity stay empty and always report exhaustion.
func NewRegistry(resources, samplers RangeAllocator, cfg core.BindlessConfig, logger *core.Logger) (*Registry, error) {
	r := &Registry{
		logger: logger.OrDefault(),
		pools:  make(map[poolKey]*pool, len(poolKeys)),
	}
	for _, k := range poolKeys {
		n := capacityFor(cfg, k)
		if n == 0 {
			continue
		}
		alloc := resources
		if k.kind == metadata.ResourceSampler {
			alloc = samplers
		}
		table, err := alloc.Allocate(n)
		if err != nil {
			r.Destroy()
			return nil, err
		}
		p := &pool{
			key:   k,
			table: table,
			slots: make([]slot, n),
			free:  make([]uint32, n),
		}
		// Index 0 is popped first.
		for i := range p.free {
			p.free[i] = n - 1 - uint32(i)
		}
		for i := uint32(0); i < n; i++ {
			table.Heap().Backend().WriteNull(table.Offset()+i, k.binding())
		}
		r.pools[k] = p
	}
	return r, nil
}

// CreateForBuffer creates a handle to buf. Both pools hold storage-buffer
// views, so either handle needs Storage usage; constant buffers are bound
// through root descriptors or tables instead.
func (r *Registry) CreateForBuffer(buf backend.Buffer, writable bool) (Handle, error) {
	desc := buf.Desc()
	view := backend.View{Buffer: buf, Size: desc.Size, Stride: desc.Stride}
	switch {
	case writable && !desc.Usage.Has(metadata.BufferUsageStorage):
		return Invalid, core.InvalidUsage("buffer %q (usage %s) cannot back a writable bindless handle: needs storage usage", desc.Name, desc.Usage)
	case writable:
		view.Kind = backend.ViewUnorderedAccess
	case !desc.Usage.Has(metadata.BufferUsageStorage):
		return Invalid, core.InvalidUsage("buffer %q (usage %s) cannot back a bindless handle: needs storage usage", desc.Name, desc.Usage)
	default:
		view.Kind = backend.ViewShaderResource
	}
	return r.create(poolKey{metadata.ResourceBuffer, writable}, view)
}

// CreateForTexture creates a handle to tex. A writable handle needs UAV
// usage; a read-only one needs SRV.
func (r *Registry) CreateForTexture(tex backend.Texture, writable bool) (Handle, error) {
	desc := tex.Desc()
	view := backend.View{Texture: tex, Format: desc.Format}
	switch {
	case writable && !desc.Usage.Has(metadata.TextureUsageUAV):
		return Invalid, core.InvalidUsage("texture %q (usage %s) cannot back a writable bindless handle: needs uav usage", desc.Name, desc.Usage)
	case writable:
		view.Kind = backend.ViewUnorderedAccess
	case !desc.Usage.Has(metadata.TextureUsageSRV):
		return Invalid, core.InvalidUsage("texture %q (usage %s) cannot back a bindless handle: needs srv usage", desc.Name, desc.Usage)
	default:
		view.Kind = backend.ViewShaderResource
	}
	return r.create(poolKey{metadata.ResourceTexture, writable}, view)
}

// CreateForSampler creates a handle to s. Samplers are never writable.
func (r *Registry) CreateForSampler(s backend.Sampler, writable bool) (Handle, error) {
	if writable {
		return Invalid, core.InvalidUsage("sampler %q cannot back a writable bindless handle", s.Desc().Name)
	}
	return r.create(poolKey{metadata.ResourceSampler, false}, backend.View{Kind: backend.ViewSampler, Sampler: s})
}

func (r *Registry) create(k poolKey, view backend.View) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pools[k]
	if p == nil || len(p.free) == 0 {
		capacity := 0
		if p != nil {
			capacity = len(p.slots)
		}
		return Invalid, core.Exhausted("bindless %s pool (writable: %t) exhausted at %d handles", k.kind, k.writable, capacity)
	}

	index := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	s := &p.slots[index]
	s.live = true
	p.table.Write(index, view)

	return Handle{Index: index, Kind: k.kind, Writable: k.writable, Version: s.version}, nil
}

// DiscardBindlessHandle returns h's index to its pool and bumps the slot
// version. Invalid and stale handles are ignored. The caller must make sure
// no in-flight GPU work still reads the slot.
func (r *Registry) DiscardBindlessHandle(h Handle) {
	if !h.IsValid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pools[poolKey{h.Kind, h.Writable}]
	if p == nil || h.Index >= uint32(len(p.slots)) {
		r.logger.Warnf("discarding %s: no such slot", h)
		return
	}
	s := &p.slots[h.Index]
	if !s.live || s.version != h.Version {
		r.logger.Debugf("ignoring discard of stale %s (slot at v%d)", h, s.version)
		return
	}
	s.version++
	s.live = false
	p.table.Heap().Backend().WriteNull(p.table.Offset()+h.Index, p.key.binding())
	p.free = append(p.free, h.Index)
}

// IsCurrent reports whether h still refers to a live slot at the same version.
func (r *Registry) IsCurrent(h Handle) bool {
	if !h.IsValid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pools[poolKey{h.Kind, h.Writable}]
	if p == nil || h.Index >= uint32(len(p.slots)) {
		return false
	}
	s := p.slots[h.Index]
	return s.live && s.version == h.Version
}

// Validate returns an ErrStaleHandle error when h is not current.
func (r *Registry) Validate(h Handle) error {
	if !r.IsCurrent(h) {
		return core.Stale("%s is no longer current", h)
	}
	return nil
}

// Live is the number of live handles of the given pool.
func (r *Registry) Live(kind metadata.ResourceKind, writable bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pools[poolKey{kind, writable}]
	if p == nil {
		return 0
	}
	return len(p.slots) - len(p.free)
}

// Tables returns the GPU range of every pool so a command list can expose
// them to shaders.
func (r *Registry) Tables() []backend.BindlessTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	tables := make([]backend.BindlessTable, 0, len(r.pools))
	for _, k := range poolKeys {
		p := r.pools[k]
		if p == nil {
			continue
		}
		tables = append(tables, backend.BindlessTable{
			Kind:     k.kind,
			Writable: k.writable,
			Heap:     p.table.Heap().Backend(),
			Base:     p.table.GPUHandle(0),
			Count:    uint32(len(p.slots)),
		})
	}
	return tables
}

// Destroy releases the pool ranges.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.pools {
		p.table.Release()
		delete(r.pools, k)
	}
}
