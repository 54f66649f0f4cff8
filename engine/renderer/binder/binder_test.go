package binder

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

type fixture struct {
	adapter   *mock.Adapter
	list      *mock.CommandList
	views     *descriptor.Allocator
	resources *descriptor.Allocator
	samplers  *descriptor.Allocator
	binder    *ResourceBinder
	logs      *bytes.Buffer
}

func newFixture(t *testing.T, visibleSize uint32) *fixture {
	t.Helper()
	f := &fixture{adapter: mock.NewAdapter(mock.Options{}), logs: &bytes.Buffer{}}
	var err error
	f.views, err = descriptor.NewAllocator(f.adapter, descriptor.AllocatorConfig{Kind: metadata.HeapResource, DefaultSize: 64})
	require.NoError(t, err)
	f.resources, err = descriptor.NewAllocator(f.adapter, descriptor.AllocatorConfig{
		Kind: metadata.HeapResource, ShaderVisible: true, DefaultSize: visibleSize,
	})
	require.NoError(t, err)
	f.samplers, err = descriptor.NewAllocator(f.adapter, descriptor.AllocatorConfig{
		Kind: metadata.HeapSampler, ShaderVisible: true, DefaultSize: 16,
	})
	require.NoError(t, err)

	l, err := f.adapter.CreateCommandList(metadata.WorkClassGraphics)
	require.NoError(t, err)
	f.list = l.(*mock.CommandList)
	require.NoError(t, f.list.Begin())

	f.binder = New(f.list, f.resources, f.samplers, core.NewLogger(f.logs, log.DebugLevel))
	f.binder.Begin(f.resources.Heaps()[0].Backend(), f.samplers.Heaps()[0].Backend())
	return f
}

func (f *fixture) layout(t *testing.T, params ...metadata.LayoutParam) backend.PipelineLayout {
	t.Helper()
	l, err := f.adapter.CreatePipelineLayout(&metadata.PipelineLayoutDesc{Name: "test", Params: params})
	require.NoError(t, err)
	return l
}

// textureView writes an SRV of a fresh texture into a CPU-only slot.
func (f *fixture) textureView(t *testing.T) (backend.Texture, Source) {
	t.Helper()
	tex, err := f.adapter.CreateTexture(&metadata.TextureDesc{
		Width: 1, Height: 1, Format: metadata.FormatRGBA8Unorm, Usage: metadata.TextureUsageSRV,
	}, nil)
	require.NoError(t, err)
	d, err := f.views.Allocate(1)
	require.NoError(t, err)
	d.Write(0, backend.View{Kind: backend.ViewShaderResource, Texture: tex})
	return tex, Source{View: d.Ref(0)}
}

func table(binding metadata.BindingType) metadata.LayoutParam {
	return metadata.LayoutParam{Kind: metadata.ParamDescriptorTable, Binding: binding}
}

func countLines(s, substr string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestSkippedSlotWarnsOnceAndDrawProceeds(t *testing.T) {
	f := newFixture(t, 64)
	layout := f.layout(t,
		table(metadata.BindingTexture),
		table(metadata.BindingTexture),
		table(metadata.BindingTexture),
	)
	require.NoError(t, f.binder.SetPipelineLayout(layout))

	tex0, src0 := f.textureView(t)
	tex1, src1 := f.textureView(t)
	require.NoError(t, f.binder.BindTexture(0, 0, src0))
	require.NoError(t, f.binder.BindTexture(1, 0, src1))

	require.NoError(t, f.binder.FlushDescriptors())
	f.list.Draw(3, 1, 0, 0)
	require.NoError(t, f.list.End())

	logs := f.logs.String()
	assert.Equal(t, 1, countLines(logs, "slot 2"), logs)
	assert.Equal(t, 0, countLines(logs, "slot 0"))
	assert.Equal(t, 0, countLines(logs, "slot 1"))
	assert.Len(t, f.list.CommandsOf(mock.OpDraw), 1)

	tables := f.list.CommandsOf(mock.OpSetDescriptorTable)
	require.Len(t, tables, 3)
	retained := f.binder.TakeRetained()
	require.Len(t, retained, 1)
	d := retained[0]
	heap := d.Heap().Backend().(*mock.Heap)
	for i, cmd := range tables {
		assert.Equal(t, uint32(i), cmd.Param)
		assert.Equal(t, d.GPUHandle(uint32(i)), cmd.Handle)
	}
	assert.Same(t, tex0, heap.Slot(d.Offset()).View.Texture)
	assert.Same(t, tex1, heap.Slot(d.Offset()+1).View.Texture)
	null := heap.Slot(d.Offset() + 2)
	assert.True(t, null.Null)
	assert.Equal(t, metadata.BindingTexture, null.Binding)
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	f := newFixture(t, 64)
	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t, table(metadata.BindingTexture))))
	_, src := f.textureView(t)
	require.NoError(t, f.binder.BindTexture(0, 0, src))

	require.NoError(t, f.binder.FlushDescriptors())
	require.NoError(t, f.binder.FlushDescriptors())
	assert.Len(t, f.binder.TakeRetained(), 1)

	require.NoError(t, f.binder.BindTexture(0, 0, src))
	require.NoError(t, f.binder.FlushDescriptors())
	assert.Len(t, f.binder.TakeRetained(), 1)
	assert.Len(t, f.list.CommandsOf(mock.OpSetDescriptorTable), 2)
}

func TestSeparateSamplerTable(t *testing.T) {
	f := newFixture(t, 64)
	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t,
		metadata.LayoutParam{Kind: metadata.ParamDescriptorTable, Binding: metadata.BindingTexture, Count: 2},
		table(metadata.BindingSampler),
	)))

	_, a := f.textureView(t)
	_, b := f.textureView(t)
	require.NoError(t, f.binder.BindTexture(0, 0, a))
	require.NoError(t, f.binder.BindTexture(0, 1, b))

	s, err := f.adapter.CreateSampler(&metadata.SamplerDesc{})
	require.NoError(t, err)
	cpuSamplers, err := descriptor.NewAllocator(f.adapter, descriptor.AllocatorConfig{Kind: metadata.HeapSampler, DefaultSize: 4})
	require.NoError(t, err)
	sd, err := cpuSamplers.Allocate(1)
	require.NoError(t, err)
	sd.Write(0, backend.View{Kind: backend.ViewSampler, Sampler: s})
	require.NoError(t, f.binder.BindSampler(1, 0, Source{View: sd.Ref(0)}))

	require.NoError(t, f.binder.FlushDescriptors())
	retained := f.binder.TakeRetained()
	require.Len(t, retained, 2)
	assert.Equal(t, uint32(2), retained[0].Count())
	assert.Equal(t, metadata.HeapResource, retained[0].Heap().Backend().Kind())
	assert.Equal(t, metadata.HeapSampler, retained[1].Heap().Backend().Kind())
	assert.NotContains(t, f.logs.String(), "nothing bound")
}

func TestRootParameters(t *testing.T) {
	f := newFixture(t, 64)
	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t,
		metadata.LayoutParam{Kind: metadata.ParamRootConstants, Num32BitValues: 4, Bindless: true},
		metadata.LayoutParam{Kind: metadata.ParamRootDescriptor, Binding: metadata.BindingConstantBuffer},
	)))

	buf, err := f.adapter.CreateBuffer(&metadata.BufferDesc{Size: 256, Usage: metadata.BufferUsageConstant}, nil)
	require.NoError(t, err)
	require.NoError(t, f.binder.BindConstantBuffer(1, Source{Buffer: buf, Offset: 64}))
	require.NoError(t, f.binder.PushBindless([]uint32{7, 9}))
	require.NoError(t, f.binder.PushConstants(0, 2, []uint32{1, 2}))

	assert.ErrorIs(t, f.binder.PushConstants(0, 3, []uint32{1, 2}), core.ErrInvalidUsage)
	assert.ErrorIs(t, f.binder.PushBindless(make([]uint32, 5)), core.ErrInvalidUsage)
	assert.ErrorIs(t, f.binder.BindConstantBuffer(0, Source{Buffer: buf}), core.ErrInvalidUsage)

	root := f.list.CommandsOf(mock.OpSetRootDescriptor)
	require.Len(t, root, 1)
	assert.Equal(t, buf.GPUAddress()+64, root[0].Handle)

	constants := f.list.CommandsOf(mock.OpSetRootConstants)
	require.Len(t, constants, 2)
	assert.Equal(t, []uint32{7, 9}, constants[0].Values)
	assert.Equal(t, uint64(2), constants[1].Offset)

	require.NoError(t, f.binder.FlushDescriptors())
	assert.Empty(t, f.binder.TakeRetained())
}

func TestBindValidation(t *testing.T) {
	f := newFixture(t, 64)
	_, src := f.textureView(t)

	assert.ErrorIs(t, f.binder.BindTexture(0, 0, src), core.ErrInvalidState)
	assert.ErrorIs(t, f.binder.PushBindless([]uint32{1}), core.ErrInvalidState)

	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t, table(metadata.BindingSampler))))
	assert.ErrorIs(t, f.binder.BindTexture(0, 0, src), core.ErrInvalidUsage)
	assert.ErrorIs(t, f.binder.BindSampler(0, 1, src), core.ErrInvalidUsage)
	assert.ErrorIs(t, f.binder.BindSampler(0, 0, Source{}), core.ErrInvalidUsage)
	assert.ErrorIs(t, f.binder.BindSampler(4, 0, src), core.ErrInvalidUsage)
	assert.ErrorIs(t, f.binder.PushBindless([]uint32{1}), core.ErrInvalidUsage)

	bad := f.layout(t, metadata.LayoutParam{Kind: metadata.ParamRootDescriptor, Binding: metadata.BindingTexture})
	assert.ErrorIs(t, f.binder.SetPipelineLayout(bad), core.ErrInvalidUsage)
}

func TestFlushStaysInTheBoundHeap(t *testing.T) {
	// The bound heap only has room for one flush of three slots.
	f := newFixture(t, 4)
	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t,
		table(metadata.BindingTexture), table(metadata.BindingTexture), table(metadata.BindingTexture),
	)))
	_, src := f.textureView(t)
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, f.binder.BindTexture(i, 0, src))
	}
	require.NoError(t, f.binder.FlushDescriptors())
	require.NoError(t, f.binder.BindTexture(0, 0, src))
	err := f.binder.FlushDescriptors()
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)

	bound := f.resources.Heaps()[0].Backend()
	heaps := f.list.CommandsOf(mock.OpSetDescriptorHeaps)
	require.Len(t, heaps, 1, "the heaps bound in Begin are never switched")
	assert.Same(t, bound, heaps[0].Heaps[0])
	end := uint64(bound.GPUBase()) + uint64(bound.Capacity())*uint64(bound.Stride())
	for _, c := range f.list.CommandsOf(mock.OpSetDescriptorTable) {
		assert.GreaterOrEqual(t, uint64(c.Handle), uint64(bound.GPUBase()))
		assert.Less(t, uint64(c.Handle), end)
	}

	retained := f.binder.TakeRetained()
	require.Len(t, retained, 1)
	assert.Same(t, f.resources.Heaps()[0], retained[0].Heap())
	for _, h := range f.resources.Heaps()[1:] {
		assert.Zero(t, h.Used(), "foreign range is handed back")
	}

	retained[0].Release()
	require.NoError(t, f.binder.FlushDescriptors())
}

func TestFlushAdoptsHeapsWhenNoneBound(t *testing.T) {
	f := newFixture(t, 8)
	f.binder.Begin(nil, nil)
	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t, table(metadata.BindingTexture))))
	_, src := f.textureView(t)
	require.NoError(t, f.binder.BindTexture(0, 0, src))
	require.NoError(t, f.binder.FlushDescriptors())

	heaps := f.list.CommandsOf(mock.OpSetDescriptorHeaps)
	require.Len(t, heaps, 2)
	assert.Same(t, f.resources.Heaps()[0].Backend(), heaps[1].Heaps[0])
}

func TestReleaseRetained(t *testing.T) {
	f := newFixture(t, 8)
	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t, table(metadata.BindingTexture))))
	_, src := f.textureView(t)
	require.NoError(t, f.binder.BindTexture(0, 0, src))
	require.NoError(t, f.binder.FlushDescriptors())

	assert.Equal(t, uint32(1), f.resources.Heaps()[0].Used())
	f.binder.ReleaseRetained()
	assert.Zero(t, f.resources.Heaps()[0].Used())
	assert.Empty(t, f.binder.TakeRetained())
}

func TestFlushExhaustion(t *testing.T) {
	f := newFixture(t, 4)
	require.NoError(t, f.binder.SetPipelineLayout(f.layout(t,
		metadata.LayoutParam{Kind: metadata.ParamDescriptorTable, Binding: metadata.BindingTexture, Count: 2_000_000},
	)))
	err := f.binder.FlushDescriptors()
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)
}
