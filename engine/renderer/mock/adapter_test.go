package mock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

func TestCreateHeap(t *testing.T) {
	a := NewAdapter(Options{})

	h, err := a.CreateHeap(metadata.HeapResource, 16, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), h.Capacity())
	assert.NotZero(t, h.GPUBase())

	cpuOnly, err := a.CreateHeap(metadata.HeapResource, 16, false)
	require.NoError(t, err)
	assert.Zero(t, cpuOnly.GPUBase())
	assert.NotEqual(t, h.CPUBase(), cpuOnly.CPUBase())

	_, err = a.CreateHeap(metadata.HeapRenderTarget, 4, true)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
}

func TestCreateHeapFailureInjection(t *testing.T) {
	a := NewAdapter(Options{
		FailHeap: func(kind metadata.HeapKind, capacity uint32, visible bool) bool {
			return kind == metadata.HeapSampler
		},
	})

	_, err := a.CreateHeap(metadata.HeapSampler, 8, false)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)

	_, err = a.CreateHeap(metadata.HeapResource, 8, false)
	assert.NoError(t, err)
}

func TestHeapCopyAndNull(t *testing.T) {
	a := NewAdapter(Options{})
	src, err := a.CreateHeap(metadata.HeapResource, 4, false)
	require.NoError(t, err)
	dst, err := a.CreateHeap(metadata.HeapResource, 4, true)
	require.NoError(t, err)

	tex, err := a.CreateTexture(&metadata.TextureDesc{Width: 2, Height: 2, Format: metadata.FormatRGBA8Unorm}, nil)
	require.NoError(t, err)

	src.WriteView(1, backend.View{Kind: backend.ViewShaderResource, Texture: tex})
	dst.Copy(2, []backend.DescriptorRef{{Heap: src, Index: 1}})
	dst.WriteNull(3, metadata.BindingTexture)

	got := dst.(*Heap).Slot(2)
	assert.Equal(t, backend.ViewShaderResource, got.View.Kind)
	assert.Same(t, tex, got.View.Texture)
	assert.True(t, dst.(*Heap).Slot(3).Null)
}

func TestQueueExecutesCopiesAndSignals(t *testing.T) {
	a := NewAdapter(Options{})
	defer a.Destroy()

	q, err := a.CreateQueue(metadata.WorkClassCopy)
	require.NoError(t, err)
	f, err := a.CreateFence(0)
	require.NoError(t, err)

	src, err := a.CreateBuffer(&metadata.BufferDesc{Size: 4, Usage: metadata.BufferUsageCopySrc}, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	dst, err := a.CreateBuffer(&metadata.BufferDesc{Size: 8, Usage: metadata.BufferUsageCopyDst}, nil)
	require.NoError(t, err)

	l, err := a.CreateCommandList(metadata.WorkClassCopy)
	require.NoError(t, err)
	require.NoError(t, l.Begin())
	l.CopyBuffer(dst, 2, src, 1, 3)
	require.NoError(t, l.End())

	require.NoError(t, q.Submit([]backend.CommandList{l}, nil, []backend.FenceValue{{Fence: f, Value: 1}}))
	require.True(t, f.Wait(1, time.Second))

	assert.Equal(t, []byte{0, 0, 2, 3, 4, 0, 0, 0}, dst.(*Buffer).Bytes())
	assert.Equal(t, 1, l.(*CommandList).Executions())
}

func TestQueueHonoursWaits(t *testing.T) {
	a := NewAdapter(Options{})
	defer a.Destroy()

	q, err := a.CreateQueue(metadata.WorkClassGraphics)
	require.NoError(t, err)
	gate, _ := a.CreateFence(0)
	done, _ := a.CreateFence(0)

	l, _ := a.CreateCommandList(metadata.WorkClassGraphics)
	require.NoError(t, l.Begin())
	l.Draw(3, 1, 0, 0)
	require.NoError(t, l.End())

	require.NoError(t, q.Submit([]backend.CommandList{l},
		[]backend.FenceValue{{Fence: gate, Value: 1}},
		[]backend.FenceValue{{Fence: done, Value: 1}}))

	assert.False(t, done.Wait(1, 20*time.Millisecond))
	gate.Signal(1)
	assert.True(t, done.Wait(1, time.Second))
}

func TestQueueRejectsForeignClass(t *testing.T) {
	a := NewAdapter(Options{})
	defer a.Destroy()

	q, _ := a.CreateQueue(metadata.WorkClassCompute)
	l, _ := a.CreateCommandList(metadata.WorkClassCopy)
	require.NoError(t, l.Begin())
	require.NoError(t, l.End())

	err := q.Submit([]backend.CommandList{l}, nil, nil)
	assert.ErrorIs(t, err, core.ErrBackendMismatch)
}

func TestCommandListRecordingState(t *testing.T) {
	l := &CommandList{class: metadata.WorkClassGraphics}

	assert.ErrorIs(t, l.End(), core.ErrInvalidState)
	require.NoError(t, l.Begin())
	assert.ErrorIs(t, l.Begin(), core.ErrInvalidState)
	l.Draw(3, 1, 0, 0)
	l.Dispatch(1, 2, 3)
	require.NoError(t, l.End())

	l.Draw(1, 1, 0, 0)
	assert.Len(t, l.Commands(), 2)
	assert.Len(t, l.CommandsOf(OpDraw), 1)
	assert.Equal(t, [4]uint32{1, 2, 3, 0}, l.CommandsOf(OpDispatch)[0].Counts)
}

func TestSwapChainRotates(t *testing.T) {
	a := NewAdapter(Options{})
	sc, err := a.CreateSwapChain(&metadata.SwapChainDesc{
		Width: 64, Height: 32, BackBufferCount: 3, Format: metadata.FormatBGRA8Unorm,
	}, nil)
	require.NoError(t, err)
	require.Len(t, sc.BackBuffers(), 3)

	for want := uint32(0); want < 4; want++ {
		idx, err := sc.Acquire()
		require.NoError(t, err)
		assert.Equal(t, want%3, idx)
		require.NoError(t, sc.Present(idx, nil))
	}

	require.NoError(t, sc.Resize(128, 64))
	assert.Equal(t, uint32(128), sc.BackBuffers()[0].Desc().Width)

	_, err = a.CreateSwapChain(&metadata.SwapChainDesc{BackBufferCount: 1}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
}

func TestBufferMap(t *testing.T) {
	a := NewAdapter(Options{})

	b, err := a.CreateBuffer(&metadata.BufferDesc{Size: 4, Usage: metadata.BufferUsageMapWrite}, nil)
	require.NoError(t, err)
	data, err := b.Map()
	require.NoError(t, err)
	data[0] = 9
	b.Unmap()
	assert.Equal(t, byte(9), b.(*Buffer).Bytes()[0])

	gpuOnly, err := a.CreateBuffer(&metadata.BufferDesc{Size: 4, Usage: metadata.BufferUsageVertex}, nil)
	require.NoError(t, err)
	_, err = gpuOnly.Map()
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
}
