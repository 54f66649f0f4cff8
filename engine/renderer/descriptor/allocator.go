// Package descriptor manages pools of fixed-capacity descriptor heaps. Heaps
// are never resized: when no heap has a large enough free block the pool
// appends a new one.
package descriptor

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// HeapCreator creates backend heaps. backend.Adapter satisfies it.
type HeapCreator interface {
	CreateHeap(kind metadata.HeapKind, capacity uint32, shaderVisible bool) (backend.Heap, error)
}

type AllocatorConfig struct {
	Kind          metadata.HeapKind
	ShaderVisible bool
	// Capacity of every heap the pool creates unless a larger range is requested.
	DefaultSize uint32
	// Largest heap the backend supports. Zero means unlimited.
	MaxHeapSize uint32
	// Fixed pools keep their first heap only. Shader-visible pools are fixed
	// so bindless tables and transient tables share the heap bound to a list.
	Fixed  bool
	Logger *core.Logger
}

// Allocator is a pool of heaps of one (kind, visibility).
type Allocator struct {
	creator HeapCreator
	cfg     AllocatorConfig
	logger  *core.Logger

	mu    sync.Mutex
	heaps []*Heap
}

// HeapStats summarises one heap of the pool.
type HeapStats struct {
	Index       int
	Capacity    uint32
	Used        uint32
	FreeBlocks  int
	LargestFree uint32
}

// NewAllocator creates the pool and its first heap.
func NewAllocator(creator HeapCreator, cfg AllocatorConfig) (*Allocator, error) {
	if cfg.ShaderVisible && !cfg.Kind.CanBeShaderVisible() {
		return nil, core.InvalidUsage("%s heaps cannot be shader visible", cfg.Kind)
	}
	if cfg.DefaultSize == 0 {
		return nil, core.InvalidUsage("%s heap pool needs a non-zero default size", cfg.Kind)
	}
	if cfg.MaxHeapSize > 0 && cfg.DefaultSize > cfg.MaxHeapSize {
		cfg.DefaultSize = cfg.MaxHeapSize
	}
	a := &Allocator{
		creator: creator,
		cfg:     cfg,
		logger:  cfg.Logger.OrDefault(),
	}
	if _, err := a.grow(cfg.DefaultSize); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) Kind() metadata.HeapKind {
	return a.cfg.Kind
}

func (a *Allocator) ShaderVisible() bool {
	return a.cfg.ShaderVisible
}

// grow appends a heap of the given capacity. a.mu must not be held.
func (a *Allocator) grow(capacity uint32) (*Heap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.growLocked(capacity)
}

func (a *Allocator) growLocked(capacity uint32) (*Heap, error) {
	b, err := a.creator.CreateHeap(a.cfg.Kind, capacity, a.cfg.ShaderVisible)
	if err != nil {
		if errors.Is(err, core.ErrResourceExhaustion) {
			return nil, errors.Wrapf(err, "creating %s heap of %d descriptors", a.cfg.Kind, capacity)
		}
		return nil, core.Exhausted("creating %s heap of %d descriptors: %v", a.cfg.Kind, capacity, err)
	}
	h := newHeap(b, len(a.heaps))
	a.heaps = append(a.heaps, h)
	a.logger.Debugf("descriptor pool %s (shader visible: %t): added heap %d with %d slots",
		a.cfg.Kind, a.cfg.ShaderVisible, h.index, capacity)
	return h, nil
}

func (a *Allocator) snapshot() []*Heap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Heap(nil), a.heaps...)
}

// Allocate returns an owning range of count contiguous slots. Existing heaps
// are searched first; when none fits a heap of max(default, count) slots is
// appended unless the pool is fixed. The only failure is ErrResourceExhaustion.
func (a *Allocator) Allocate(count uint32) (*Descriptor, error) {
	if count == 0 {
		return nil, core.Exhausted("cannot allocate an empty %s descriptor range", a.cfg.Kind)
	}
	if a.cfg.MaxHeapSize > 0 && count > a.cfg.MaxHeapSize {
		return nil, core.Exhausted("%d %s descriptors exceed the backend heap limit of %d",
			count, a.cfg.Kind, a.cfg.MaxHeapSize)
	}

	for _, h := range a.snapshot() {
		if d, ok := a.tryHeap(h, count); ok {
			return d, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Another goroutine may have grown the pool meanwhile.
	for _, h := range a.heaps {
		if d, ok := a.tryHeap(h, count); ok {
			return d, nil
		}
	}
	if a.cfg.Fixed && len(a.heaps) > 0 {
		return nil, core.Exhausted("fixed %s heap of %d descriptors has no free range of %d",
			a.cfg.Kind, a.cfg.DefaultSize, count)
	}
	h, err := a.growLocked(max(a.cfg.DefaultSize, count))
	if err != nil {
		return nil, err
	}
	d, ok := a.tryHeap(h, count)
	if !ok {
		return nil, core.Exhausted("fresh %s heap could not satisfy %d descriptors", a.cfg.Kind, count)
	}
	return d, nil
}

func (a *Allocator) tryHeap(h *Heap, count uint32) (*Descriptor, bool) {
	offset, ok := h.allocate(count)
	if !ok {
		return nil, false
	}
	return &Descriptor{
		heap:   h,
		offset: offset,
		count:  count,
		stride: h.backend.Stride(),
	}, true
}

// Release returns d to its heap. Same as d.Release().
func (a *Allocator) Release(d *Descriptor) {
	d.Release()
}

// Heaps returns the heaps of the pool in creation order.
func (a *Allocator) Heaps() []*Heap {
	return a.snapshot()
}

// FreeBlocks returns the free blocks of heap i ordered by offset.
func (a *Allocator) FreeBlocks(i int) []Block {
	heaps := a.snapshot()
	if i < 0 || i >= len(heaps) {
		return nil
	}
	return heaps[i].FreeBlocks()
}

func (a *Allocator) Stats() []HeapStats {
	heaps := a.snapshot()
	stats := make([]HeapStats, 0, len(heaps))
	for _, h := range heaps {
		blocks := h.FreeBlocks()
		s := HeapStats{
			Index:      h.index,
			Capacity:   h.capacity,
			FreeBlocks: len(blocks),
		}
		var free uint32
		for _, b := range blocks {
			free += b.Count
			s.LargestFree = max(s.LargestFree, b.Count)
		}
		s.Used = h.capacity - free
		stats = append(stats, s)
	}
	return stats
}

// Destroy destroys every backend heap. Live descriptors must not be used
// afterwards.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range a.heaps {
		h.backend.Destroy()
	}
	a.heaps = nil
}
