package descriptor

import (
	"sync"

	"github.com/google/btree"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
)

// Block is a contiguous run of slots inside a heap.
type Block struct {
	Offset uint32
	Count  uint32
}

func (b Block) End() uint32 {
	return b.Offset + b.Count
}

func bySize(a, b Block) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.Offset < b.Offset
}

func byOffset(a, b Block) bool {
	return a.Offset < b.Offset
}

const btreeDegree = 8

// Heap is one backend heap plus the index of its free blocks. Free blocks are
// kept in two trees: by (size, offset) for best fit and by offset for
// coalescing on release.
type Heap struct {
	backend backend.Heap
	index   int

	mu       sync.Mutex
	sizes    *btree.BTreeG[Block]
	offsets  *btree.BTreeG[Block]
	used     uint32
	capacity uint32
}

func newHeap(b backend.Heap, index int) *Heap {
	h := &Heap{
		backend:  b,
		index:    index,
		sizes:    btree.NewG(btreeDegree, bySize),
		offsets:  btree.NewG(btreeDegree, byOffset),
		capacity: b.Capacity(),
	}
	if h.capacity > 0 {
		h.insert(Block{Offset: 0, Count: h.capacity})
	}
	return h
}

func (h *Heap) Backend() backend.Heap {
	return h.backend
}

// Index is the position of the heap in its allocator.
func (h *Heap) Index() int {
	return h.index
}

func (h *Heap) Capacity() uint32 {
	return h.capacity
}

func (h *Heap) Used() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// FreeBlocks returns the free blocks ordered by offset.
func (h *Heap) FreeBlocks() []Block {
	h.mu.Lock()
	defer h.mu.Unlock()
	blocks := make([]Block, 0, h.offsets.Len())
	h.offsets.Ascend(func(b Block) bool {
		blocks = append(blocks, b)
		return true
	})
	return blocks
}

func (h *Heap) insert(b Block) {
	h.sizes.ReplaceOrInsert(b)
	h.offsets.ReplaceOrInsert(b)
}

func (h *Heap) remove(b Block) {
	h.sizes.Delete(b)
	h.offsets.Delete(b)
}

// allocate takes count slots from the back of the smallest free block that
// fits and returns the offset of the range.
func (h *Heap) allocate(count uint32) (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		best  Block
		found bool
	)
	h.sizes.AscendGreaterOrEqual(Block{Count: count}, func(b Block) bool {
		best, found = b, true
		return false
	})
	if !found {
		return 0, false
	}

	h.remove(best)
	if best.Count > count {
		h.insert(Block{Offset: best.Offset, Count: best.Count - count})
	}
	h.used += count
	return best.End() - count, true
}

// release returns [offset, offset+count) and merges it with its free
// neighbours.
func (h *Heap) release(offset, count uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	merged := Block{Offset: offset, Count: count}

	var (
		prev    Block
		hasPrev bool
	)
	h.offsets.DescendLessOrEqual(Block{Offset: offset}, func(b Block) bool {
		prev, hasPrev = b, true
		return false
	})
	if hasPrev && prev.End() == offset {
		h.remove(prev)
		merged.Offset = prev.Offset
		merged.Count += prev.Count
	}

	if next, ok := h.offsets.Get(Block{Offset: offset + count}); ok {
		h.remove(next)
		merged.Count += next.Count
	}

	h.insert(merged)
	h.used -= count
}
