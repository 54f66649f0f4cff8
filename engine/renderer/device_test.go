package renderer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

type testDevice struct {
	*Device
	adapter *mock.Adapter
	logs    *bytes.Buffer
}

func testConfig() core.DeviceConfig {
	cfg := core.DefaultConfig().Device
	cfg.Heaps = core.HeapConfig{
		Resource: 64, Sampler: 16, RenderTarget: 8, DepthStencil: 4,
		ShaderVisible: 256, ShaderVisibleSample: 32,
	}
	cfg.Bindless = core.BindlessConfig{Buffers: 16, StorageBuffers: 16, Textures: 16, StorageTextures: 8, Samplers: 8}
	return cfg
}

func newTestDevice(t *testing.T) *testDevice {
	t.Helper()
	var logs bytes.Buffer
	logger := core.NewLogger(&logs, log.DebugLevel)
	adapter := mock.NewAdapter(mock.Options{Logger: logger})
	d, err := NewDevice(adapter, testConfig(), WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(d.Destroy)
	return &testDevice{Device: d, adapter: adapter, logs: &logs}
}

func (d *testDevice) mockQueue(class metadata.WorkClass) *mock.Queue {
	return d.Queue(class).backend.(*mock.Queue)
}

func TestNewDevice(t *testing.T) {
	d := newTestDevice(t)

	for class := metadata.WorkClass(0); class < metadata.WorkClassCount; class++ {
		q := d.Queue(class)
		require.NotNil(t, q)
		assert.Equal(t, class, q.Class())
		assert.Zero(t, q.CompletedValue())
	}
	assert.Nil(t, d.Queue(metadata.WorkClassCount))

	for kind := metadata.HeapKind(0); kind < metadata.HeapKindCount; kind++ {
		require.NotNil(t, d.ViewAllocator(kind))
		assert.False(t, d.ViewAllocator(kind).ShaderVisible())
	}
	assert.True(t, d.ShaderVisibleAllocator(metadata.HeapResource).ShaderVisible())
	assert.Nil(t, d.ShaderVisibleAllocator(metadata.HeapRenderTarget))

	// 16+16+16+8 resource handles and 8 samplers are reserved up front.
	stats := d.Stats()
	assert.Equal(t, uint32(56), stats.ShaderVisible[0][0].Used)
	assert.Equal(t, uint32(8), stats.ShaderVisible[1][0].Used)
}

func TestNewDeviceFailsOnHeapExhaustion(t *testing.T) {
	adapter := mock.NewAdapter(mock.Options{
		FailHeap: func(kind metadata.HeapKind, _ uint32, visible bool) bool { return visible },
	})
	_, err := NewDevice(adapter, testConfig())
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)
}

func TestNewDeviceValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Bindless.Textures = cfg.Heaps.ShaderVisible
	_, err := NewDevice(mock.NewAdapter(mock.Options{}), cfg)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	cfg = testConfig()
	cfg.Heaps.Sampler = 0
	_, err = NewDevice(mock.NewAdapter(mock.Options{}), cfg)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
}

func TestCreateBuffer(t *testing.T) {
	d := newTestDevice(t)

	cb, err := d.CreateBuffer(metadata.BufferDesc{Size: 100, Usage: metadata.BufferUsageConstant}, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(256), cb.Desc().Size)
	assert.True(t, strings.HasPrefix(cb.Name(), "buffer-"))
	assert.False(t, cb.BindlessHandle(false).IsValid(), "constant buffers stay out of the storage-buffer pools")
	assert.False(t, cb.BindlessHandle(true).IsValid())
	_, err = d.CreateBindlessHandle(cb, false)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
	assert.Equal(t, []byte{1, 2, 3}, cb.Backend().(*mock.Buffer).Bytes()[:3])

	sb, err := d.CreateBuffer(metadata.BufferDesc{Name: "particles", Size: 64, Stride: 16, Usage: metadata.BufferUsageStorage}, nil)
	require.NoError(t, err)
	ro, rw := sb.BindlessHandle(false), sb.BindlessHandle(true)
	assert.True(t, d.Bindless().IsCurrent(ro))
	assert.True(t, d.Bindless().IsCurrent(rw))

	used := d.ViewAllocator(metadata.HeapResource).Heaps()[0].Used()
	sb.Destroy()
	assert.False(t, d.Bindless().IsCurrent(ro))
	assert.False(t, d.Bindless().IsCurrent(rw))
	assert.Equal(t, used-2, d.ViewAllocator(metadata.HeapResource).Heaps()[0].Used())
	assert.True(t, sb.Backend().(*mock.Buffer).Destroyed())

	_, err = d.CreateBuffer(metadata.BufferDesc{Size: 0}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
	_, err = d.CreateBuffer(metadata.BufferDesc{Size: 2}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
}

func TestCreateTextureValidation(t *testing.T) {
	d := newTestDevice(t)

	cases := []metadata.TextureDesc{
		{Width: 0, Height: 4, Format: metadata.FormatRGBA8Unorm},
		{Width: 4, Height: 4},
		{Width: 4, Height: 4, Format: metadata.FormatRGBA8Unorm, Usage: metadata.TextureUsageDSV},
		{Width: 4, Height: 4, Format: metadata.FormatD32Float, Usage: metadata.TextureUsageRTV},
		{Width: 4, Height: 4, Format: metadata.FormatRGBA8Unorm, Usage: metadata.TextureUsageCube, DepthOrLayers: 4},
	}
	for _, desc := range cases {
		_, err := d.CreateTexture(desc, nil)
		assert.ErrorIs(t, err, core.ErrInvalidUsage, "%+v", desc)
	}

	cube, err := d.CreateTexture(metadata.TextureDesc{
		Dimension: metadata.TextureDimension2D, Width: 4, Height: 4, DepthOrLayers: 6, Format: metadata.FormatRGBA8Unorm,
		Usage: metadata.TextureUsageCube | metadata.TextureUsageSRV,
	}, nil)
	require.NoError(t, err)
	assert.True(t, cube.BindlessHandle(false).IsValid())
	assert.False(t, cube.BindlessHandle(true).IsValid())
}

func TestBindlessRoundTripThroughDevice(t *testing.T) {
	d := newTestDevice(t)
	tex, err := d.CreateTexture(metadata.TextureDesc{
		Width: 2, Height: 2, Format: metadata.FormatRGBA8Unorm, Usage: metadata.TextureUsageSRV,
	}, nil)
	require.NoError(t, err)

	h, err := d.CreateBindlessHandle(tex, false)
	require.NoError(t, err)
	d.DiscardBindlessHandle(h)
	again, err := d.CreateBindlessHandle(tex, false)
	require.NoError(t, err)

	assert.Equal(t, h.Index, again.Index)
	assert.Equal(t, h.Version+1, again.Version)
	assert.False(t, d.Bindless().IsCurrent(h))

	_, err = d.CreateBindlessHandle(tex, true)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	s, err := d.CreateSampler(metadata.SamplerDesc{MinFilter: metadata.FilterLinear})
	require.NoError(t, err)
	_, err = d.CreateBindlessHandle(s, true)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
}

func TestCreateShaderAndPipelines(t *testing.T) {
	d := newTestDevice(t)

	_, err := d.CreateShader(metadata.ShaderDesc{Stage: metadata.ShaderStageVertex}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
	_, err = d.CreateShader(metadata.ShaderDesc{Stage: metadata.ShaderStageAll}, []byte{1})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	vs, err := d.CreateShader(metadata.ShaderDesc{Stage: metadata.ShaderStageVertex}, []byte{0x03, 0x02, 0x23, 0x07})
	require.NoError(t, err)
	assert.Equal(t, "main", vs.Desc().EntryPoint)
	cs, err := d.CreateShader(metadata.ShaderDesc{Stage: metadata.ShaderStageCompute, EntryPoint: "cs_main"}, []byte{1})
	require.NoError(t, err)

	_, err = d.CreatePipelineLayout(metadata.PipelineLayoutDesc{Params: []metadata.LayoutParam{
		{Kind: metadata.ParamRootDescriptor, Binding: metadata.BindingTexture},
	}})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
	_, err = d.CreatePipelineLayout(metadata.PipelineLayoutDesc{Params: []metadata.LayoutParam{
		{Kind: metadata.ParamRootConstants, Num32BitValues: 65},
	}})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
	_, err = d.CreatePipelineLayout(metadata.PipelineLayoutDesc{Params: []metadata.LayoutParam{
		{Kind: metadata.ParamRootConstants, Num32BitValues: 4, Bindless: true},
		{Kind: metadata.ParamRootConstants, Num32BitValues: 4, Bindless: true},
	}})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	layout, err := d.CreatePipelineLayout(metadata.PipelineLayoutDesc{Params: []metadata.LayoutParam{
		{Kind: metadata.ParamRootConstants, Num32BitValues: 8, Bindless: true},
	}})
	require.NoError(t, err)

	_, err = d.CreateGraphicsPipeline(GraphicsPipelineDesc{Layout: layout, Vertex: cs, ColorFormats: []metadata.Format{metadata.FormatBGRA8Unorm}})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)
	_, err = d.CreateGraphicsPipeline(GraphicsPipelineDesc{Layout: layout, Vertex: vs})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	gp, err := d.CreateGraphicsPipeline(GraphicsPipelineDesc{Layout: layout, Vertex: vs, ColorFormats: []metadata.Format{metadata.FormatBGRA8Unorm}})
	require.NoError(t, err)
	assert.Equal(t, metadata.WorkClassGraphics, gp.Class())

	cp, err := d.CreateComputePipeline(ComputePipelineDesc{Layout: layout, Compute: cs})
	require.NoError(t, err)
	assert.Equal(t, metadata.WorkClassCompute, cp.Class())
	assert.Same(t, layout, cp.Layout())
}

func TestDestroyReleasesLiveObjects(t *testing.T) {
	var logs bytes.Buffer
	logger := core.NewLogger(&logs, log.DebugLevel)
	adapter := mock.NewAdapter(mock.Options{Logger: logger})
	d, err := NewDevice(adapter, testConfig(), WithLogger(logger))
	require.NoError(t, err)

	buf, err := d.CreateBuffer(metadata.BufferDesc{Size: 16, Usage: metadata.BufferUsageStorage}, nil)
	require.NoError(t, err)
	ctx, err := d.CreateCommandContext(metadata.WorkClassGraphics, "frame")
	require.NoError(t, err)
	require.NoError(t, ctx.Begin())
	require.NoError(t, ctx.End())
	_, err = d.Queue(metadata.WorkClassGraphics).Submit([]*CommandContext{ctx}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, d.Stats().LiveObjects)
	d.Destroy()
	d.Destroy()

	assert.True(t, buf.Backend().(*mock.Buffer).Destroyed())
	for _, h := range adapter.Heaps() {
		assert.True(t, h.Destroyed())
	}
	assert.Contains(t, logs.String(), "destroying 2 objects")

	_, err = d.CreateFence("late", 0)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestOpenAdapter(t *testing.T) {
	cfg := testConfig()
	cfg.Backend = "does-not-exist"
	_, err := OpenAdapter(cfg, metadata.WindowHandle{}, nil)
	assert.ErrorIs(t, err, core.ErrBackendMismatch)

	RegisterBackend("test-mock", func(core.DeviceConfig, metadata.WindowHandle, *core.Logger) (backend.Adapter, error) {
		return mock.NewAdapter(mock.Options{}), nil
	})
	assert.Contains(t, Backends(), "test-mock")
	cfg.Backend = "test-mock"
	a, err := OpenAdapter(cfg, metadata.WindowHandle{}, nil)
	require.NoError(t, err)
	assert.Equal(t, metadata.BackendMock, a.Kind())
}

func TestCreateFence(t *testing.T) {
	d := newTestDevice(t)
	f, err := d.CreateFence("upload", 3)
	require.NoError(t, err)
	assert.Equal(t, "upload", f.Name())
	assert.True(t, f.Wait(3, 0))
	assert.False(t, f.Wait(4, 0))
	f.Signal(4)
	assert.True(t, f.Wait(4, time.Second))
	assert.Equal(t, uint64(4), f.CurrentValue())
	assert.Equal(t, FenceValue{Fence: f, Value: 9}, f.At(9))
}

var (
	_ Resource = (*Buffer)(nil)
	_ Resource = (*Texture)(nil)
	_ Resource = (*Sampler)(nil)
)
