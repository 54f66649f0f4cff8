package descriptor

import (
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

func newTestAllocator(t *testing.T, size uint32) *Allocator {
	t.Helper()
	a, err := NewAllocator(mock.NewAdapter(mock.Options{}), AllocatorConfig{
		Kind:          metadata.HeapResource,
		ShaderVisible: true,
		DefaultSize:   size,
	})
	require.NoError(t, err)
	return a
}

// checkCoverage asserts that the free blocks and live ranges of every heap
// tile [0, capacity) exactly and that no two free blocks touch.
func checkCoverage(t *testing.T, a *Allocator, live []*Descriptor) {
	t.Helper()
	for _, h := range a.Heaps() {
		var blocks []Block
		free := h.FreeBlocks()
		for i := 1; i < len(free); i++ {
			require.Less(t, free[i-1].End(), free[i].Offset, "adjacent free blocks left unmerged in heap %d", h.Index())
		}
		blocks = append(blocks, free...)
		for _, d := range live {
			if d.Heap() == h {
				blocks = append(blocks, Block{Offset: d.Offset(), Count: d.Count()})
			}
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].Offset < blocks[j].Offset })
		var next uint32
		for _, b := range blocks {
			require.Equal(t, next, b.Offset, "gap or overlap in heap %d", h.Index())
			next = b.End()
		}
		require.Equal(t, h.Capacity(), next)
	}
}

func TestAllocateSplitsFromTheBack(t *testing.T) {
	a := newTestAllocator(t, 16)

	d, err := a.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), d.Offset())
	assert.Equal(t, uint32(4), d.Count())
	assert.Equal(t, []Block{{Offset: 0, Count: 12}}, a.FreeBlocks(0))
	checkCoverage(t, a, []*Descriptor{d})
}

func TestReleaseCoalesces(t *testing.T) {
	a := newTestAllocator(t, 16)

	first, err := a.Allocate(4)
	require.NoError(t, err)
	second, err := a.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, second.Offset()+second.Count(), first.Offset())

	first.Release()
	second.Release()

	assert.Equal(t, []Block{{Offset: 0, Count: 16}}, a.FreeBlocks(0))
}

func TestReleaseMergesBothNeighbours(t *testing.T) {
	a := newTestAllocator(t, 12)

	x, _ := a.Allocate(4)
	y, _ := a.Allocate(4)
	z, _ := a.Allocate(4)

	x.Release()
	z.Release()
	assert.Len(t, a.FreeBlocks(0), 2)

	y.Release()
	assert.Equal(t, []Block{{Offset: 0, Count: 12}}, a.FreeBlocks(0))
}

func TestBestFit(t *testing.T) {
	a := newTestAllocator(t, 16)

	// Carve the heap into [0,10) free, [10,13) live, [13,16) live.
	tail, err := a.Allocate(3)
	require.NoError(t, err)
	mid, err := a.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, uint32(13), tail.Offset())
	require.Equal(t, uint32(10), mid.Offset())

	// Free [13,16): blocks are now {10 at 0, 3 at 13}.
	tail.Release()
	require.Equal(t, []Block{{Offset: 0, Count: 10}, {Offset: 13, Count: 3}}, a.FreeBlocks(0))

	d, err := a.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(13), d.Offset())
	assert.Equal(t, []Block{{Offset: 0, Count: 10}}, a.FreeBlocks(0))
	checkCoverage(t, a, []*Descriptor{mid, d})
}

func TestGrowsWithSecondHeap(t *testing.T) {
	a := newTestAllocator(t, 32)

	d, err := a.Allocate(40)
	require.NoError(t, err)

	heaps := a.Heaps()
	require.Len(t, heaps, 2)
	assert.Same(t, heaps[1], d.Heap())
	assert.Equal(t, uint32(40), heaps[1].Capacity())
	assert.Equal(t, uint32(0), d.Offset())

	d.Release()
	for _, h := range a.Heaps() {
		assert.Equal(t, []Block{{Offset: 0, Count: h.Capacity()}}, h.FreeBlocks())
		assert.Zero(t, h.Used())
	}
}

func TestFortySingleDescriptorsFromThirtyTwoSlotPool(t *testing.T) {
	a := newTestAllocator(t, 32)

	var live []*Descriptor
	for i := 0; i < 40; i++ {
		d, err := a.Allocate(1)
		require.NoError(t, err)
		live = append(live, d)
	}

	heaps := a.Heaps()
	require.Len(t, heaps, 2)
	assert.Equal(t, uint32(32), heaps[0].Used())
	assert.Equal(t, uint32(8), heaps[1].Used())
	checkCoverage(t, a, live)

	for _, d := range live {
		d.Release()
	}
	for _, s := range a.Stats() {
		assert.Zero(t, s.Used)
		assert.Equal(t, 1, s.FreeBlocks)
		assert.Equal(t, s.Capacity, s.LargestFree)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := newTestAllocator(t, 8)

	d, err := a.Allocate(2)
	require.NoError(t, err)
	other, err := a.Allocate(2)
	require.NoError(t, err)

	d.Release()
	d.Release()
	a.Release(d)
	var nilDescriptor *Descriptor
	nilDescriptor.Release()

	assert.True(t, d.Released())
	assert.Equal(t, uint32(2), a.Heaps()[0].Used())
	checkCoverage(t, a, []*Descriptor{other})
}

func TestAllocateFailures(t *testing.T) {
	a := newTestAllocator(t, 8)
	_, err := a.Allocate(0)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)

	adapter := mock.NewAdapter(mock.Options{})
	limited, err := NewAllocator(adapter, AllocatorConfig{
		Kind:        metadata.HeapSampler,
		DefaultSize: 8,
		MaxHeapSize: 16,
	})
	require.NoError(t, err)
	_, err = limited.Allocate(17)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)

	failing := false
	flaky := mock.NewAdapter(mock.Options{
		FailHeap: func(metadata.HeapKind, uint32, bool) bool { return failing },
	})
	pool, err := NewAllocator(flaky, AllocatorConfig{Kind: metadata.HeapResource, DefaultSize: 4})
	require.NoError(t, err)
	failing = true
	_, err = pool.Allocate(5)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)
	assert.Len(t, pool.Heaps(), 1)
}

func TestFixedPoolNeverGrows(t *testing.T) {
	a, err := NewAllocator(mock.NewAdapter(mock.Options{}), AllocatorConfig{
		Kind: metadata.HeapResource, ShaderVisible: true, DefaultSize: 8, Fixed: true,
	})
	require.NoError(t, err)

	first, err := a.Allocate(6)
	require.NoError(t, err)
	_, err = a.Allocate(3)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)
	_, err = a.Allocate(9)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)
	assert.Len(t, a.Heaps(), 1)

	first.Release()
	d, err := a.Allocate(8)
	require.NoError(t, err)
	assert.Same(t, a.Heaps()[0], d.Heap())
}

func TestNewAllocatorValidation(t *testing.T) {
	adapter := mock.NewAdapter(mock.Options{})

	_, err := NewAllocator(adapter, AllocatorConfig{Kind: metadata.HeapDepthStencil, ShaderVisible: true, DefaultSize: 4})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	_, err = NewAllocator(adapter, AllocatorConfig{Kind: metadata.HeapResource})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	_, err = NewAllocator(mock.NewAdapter(mock.Options{
		FailHeap: func(metadata.HeapKind, uint32, bool) bool { return true },
	}), AllocatorConfig{Kind: metadata.HeapResource, DefaultSize: 4})
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)
}

func TestHandles(t *testing.T) {
	a := newTestAllocator(t, 8)
	d, err := a.Allocate(2)
	require.NoError(t, err)

	b := d.Heap().Backend()
	stride := uint64(b.Stride())
	assert.Equal(t, uint64(b.CPUBase())+uint64(d.Offset()+1)*stride, uint64(d.CPUHandle(1)))
	assert.Equal(t, uint64(b.GPUBase())+uint64(d.Offset())*stride, uint64(d.GPUHandle(0)))
	assert.Equal(t, d.Offset()+1, d.Ref(1).Index)
}

func TestRandomChurnKeepsCoverage(t *testing.T) {
	a := newTestAllocator(t, 64)
	rng := rand.New(rand.NewSource(7))

	var live []*Descriptor
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			live[j].Release()
			live = append(live[:j], live[j+1:]...)
		} else {
			d, err := a.Allocate(uint32(1 + rng.Intn(12)))
			require.NoError(t, err)
			live = append(live, d)
		}
		if i%50 == 0 {
			checkCoverage(t, a, live)
		}
	}
	for _, d := range live {
		d.Release()
	}
	checkCoverage(t, a, nil)
}

func TestConcurrentAllocateRelease(t *testing.T) {
	a := newTestAllocator(t, 128)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine []*Descriptor
			for i := 0; i < 500; i++ {
				if len(mine) > 0 && rng.Intn(3) == 0 {
					mine[0].Release()
					mine = mine[1:]
					continue
				}
				d, err := a.Allocate(uint32(1 + rng.Intn(8)))
				if !assert.NoError(t, err) {
					return
				}
				mine = append(mine, d)
			}
			for _, d := range mine {
				d.Release()
			}
		}(int64(w))
	}
	wg.Wait()

	checkCoverage(t, a, nil)
	for _, s := range a.Stats() {
		assert.Zero(t, s.Used)
	}
}
