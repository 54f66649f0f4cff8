package bindless

import (
	"bytes"
	"sync"
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
	adapter *mock.Adapter
	reg     *Registry
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, cfg core.BindlessConfig) *fixture {
	t.Helper()
	adapter := mock.NewAdapter(mock.Options{})
	resources, err := descriptor.NewAllocator(adapter, descriptor.AllocatorConfig{
		Kind: metadata.HeapResource, ShaderVisible: true, DefaultSize: 256,
	})
	require.NoError(t, err)
	samplers, err := descriptor.NewAllocator(adapter, descriptor.AllocatorConfig{
		Kind: metadata.HeapSampler, ShaderVisible: true, DefaultSize: 32,
	})
	require.NoError(t, err)

	var logs bytes.Buffer
	reg, err := NewRegistry(resources, samplers, cfg, core.NewLogger(&logs, log.DebugLevel))
	require.NoError(t, err)
	return &fixture{adapter: adapter, reg: reg, logs: &logs}
}

func smallConfig() core.BindlessConfig {
	return core.BindlessConfig{Buffers: 8, StorageBuffers: 8, Textures: 8, StorageTextures: 8, Samplers: 4}
}

func (f *fixture) texture(t *testing.T, usage metadata.TextureUsage) backend.Texture {
	t.Helper()
	tex, err := f.adapter.CreateTexture(&metadata.TextureDesc{
		Name: "albedo", Width: 4, Height: 4, Format: metadata.FormatRGBA8Unorm, Usage: usage,
	}, nil)
	require.NoError(t, err)
	return tex
}

func (f *fixture) buffer(t *testing.T, usage metadata.BufferUsage) backend.Buffer {
	t.Helper()
	buf, err := f.adapter.CreateBuffer(&metadata.BufferDesc{Name: "data", Size: 100, Usage: usage}, nil)
	require.NoError(t, err)
	return buf
}

func TestHandleRoundTrip(t *testing.T) {
	f := newFixture(t, smallConfig())
	tex := f.texture(t, metadata.TextureUsageSRV)

	first, err := f.reg.CreateForTexture(tex, false)
	require.NoError(t, err)
	assert.True(t, f.reg.IsCurrent(first))

	f.reg.DiscardBindlessHandle(first)
	assert.False(t, f.reg.IsCurrent(first))

	second, err := f.reg.CreateForTexture(tex, false)
	require.NoError(t, err)
	assert.Equal(t, first.Index, second.Index)
	assert.Equal(t, first.Version+1, second.Version)
	assert.False(t, f.reg.IsCurrent(first))
	assert.True(t, f.reg.IsCurrent(second))
	assert.ErrorIs(t, f.reg.Validate(first), core.ErrStaleHandle)
	assert.NoError(t, f.reg.Validate(second))
}

func TestStaleDiscardIsIgnored(t *testing.T) {
	f := newFixture(t, smallConfig())
	tex := f.texture(t, metadata.TextureUsageSRV)

	old, err := f.reg.CreateForTexture(tex, false)
	require.NoError(t, err)
	f.reg.DiscardBindlessHandle(old)
	current, err := f.reg.CreateForTexture(tex, false)
	require.NoError(t, err)

	f.reg.DiscardBindlessHandle(old)
	f.reg.DiscardBindlessHandle(Invalid)
	f.reg.DiscardBindlessHandle(Handle{})

	assert.True(t, f.reg.IsCurrent(current))
	assert.Equal(t, 1, f.reg.Live(metadata.ResourceTexture, false))
	assert.Contains(t, f.logs.String(), "ignoring discard of stale")
}

func TestSlotContent(t *testing.T) {
	f := newFixture(t, smallConfig())
	tex := f.texture(t, metadata.TextureUsageSRV|metadata.TextureUsageUAV)

	h, err := f.reg.CreateForTexture(tex, true)
	require.NoError(t, err)

	var table backend.BindlessTable
	for _, tb := range f.reg.Tables() {
		if tb.Kind == metadata.ResourceTexture && tb.Writable {
			table = tb
		}
	}
	require.NotNil(t, table.Heap)
	assert.Equal(t, uint32(8), table.Count)
	assert.NotZero(t, table.Base)

	heap := table.Heap.(*mock.Heap)
	offset := uint32((uint64(table.Base) - uint64(heap.GPUBase())) / uint64(heap.Stride()))
	slot := heap.Slot(offset + h.Index)
	assert.Equal(t, backend.ViewUnorderedAccess, slot.View.Kind)
	assert.Same(t, tex, slot.View.Texture)

	f.reg.DiscardBindlessHandle(h)
	slot = heap.Slot(offset + h.Index)
	assert.True(t, slot.Null)
	assert.Equal(t, metadata.BindingStorageTexture, slot.Binding)
}

func TestUsageValidation(t *testing.T) {
	f := newFixture(t, smallConfig())

	cases := []struct {
		name     string
		create   func() (Handle, error)
		expectOK bool
	}{
		{"storage buffer writable", func() (Handle, error) {
			return f.reg.CreateForBuffer(f.buffer(t, metadata.BufferUsageStorage), true)
		}, true},
		{"constant buffer writable", func() (Handle, error) {
			return f.reg.CreateForBuffer(f.buffer(t, metadata.BufferUsageConstant), true)
		}, false},
		{"constant buffer read-only", func() (Handle, error) {
			return f.reg.CreateForBuffer(f.buffer(t, metadata.BufferUsageConstant), false)
		}, false},
		{"storage buffer read-only", func() (Handle, error) {
			return f.reg.CreateForBuffer(f.buffer(t, metadata.BufferUsageStorage), false)
		}, true},
		{"vertex buffer read-only", func() (Handle, error) {
			return f.reg.CreateForBuffer(f.buffer(t, metadata.BufferUsageVertex), false)
		}, false},
		{"uav texture writable", func() (Handle, error) {
			return f.reg.CreateForTexture(f.texture(t, metadata.TextureUsageUAV), true)
		}, true},
		{"srv texture writable", func() (Handle, error) {
			return f.reg.CreateForTexture(f.texture(t, metadata.TextureUsageSRV), true)
		}, false},
		{"rtv texture read-only", func() (Handle, error) {
			return f.reg.CreateForTexture(f.texture(t, metadata.TextureUsageRTV), false)
		}, false},
		{"sampler writable", func() (Handle, error) {
			s, err := f.adapter.CreateSampler(&metadata.SamplerDesc{Name: "linear"})
			require.NoError(t, err)
			return f.reg.CreateForSampler(s, true)
		}, false},
		{"sampler read-only", func() (Handle, error) {
			s, err := f.adapter.CreateSampler(&metadata.SamplerDesc{Name: "linear"})
			require.NoError(t, err)
			return f.reg.CreateForSampler(s, false)
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := tc.create()
			if tc.expectOK {
				require.NoError(t, err)
				assert.True(t, h.IsValid())
				return
			}
			assert.ErrorIs(t, err, core.ErrInvalidUsage)
			assert.False(t, h.IsValid())
			assert.Equal(t, InvalidIndex, h.ShaderIndex())
		})
	}
}

func TestPoolExhaustion(t *testing.T) {
	cfg := smallConfig()
	cfg.Samplers = 2
	cfg.StorageTextures = 0
	f := newFixture(t, cfg)

	s, err := f.adapter.CreateSampler(&metadata.SamplerDesc{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.reg.CreateForSampler(s, false)
		require.NoError(t, err)
	}
	_, err = f.reg.CreateForSampler(s, false)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)

	_, err = f.reg.CreateForTexture(f.texture(t, metadata.TextureUsageUAV), true)
	assert.ErrorIs(t, err, core.ErrResourceExhaustion)
}

func TestConcurrentCreateDiscard(t *testing.T) {
	cfg := smallConfig()
	cfg.Textures = 64
	f := newFixture(t, cfg)
	tex := f.texture(t, metadata.TextureUsageSRV)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h, err := f.reg.CreateForTexture(tex, false)
				if !assert.NoError(t, err) {
					return
				}
				f.reg.DiscardBindlessHandle(h)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, f.reg.Live(metadata.ResourceTexture, false))
}

func TestHandleString(t *testing.T) {
	assert.Equal(t, "bindless(invalid)", Invalid.String())
	h := Handle{Index: 3, Kind: metadata.ResourceBuffer, Writable: true, Version: 2}
	assert.Equal(t, "bindless(buffer/rw #3 v2)", h.String())
}
