package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

func TestSwapChainRotatesBackBuffers(t *testing.T) {
	d := newTestDevice(t)

	_, err := d.CreateSwapChain(metadata.SwapChainDesc{Width: 0, Height: 480})
	assert.ErrorIs(t, err, core.ErrInvalidUsage)

	sc, err := d.CreateSwapChain(metadata.SwapChainDesc{Name: "main", Width: 640, Height: 480, BackBufferCount: 2})
	require.NoError(t, err)
	assert.Equal(t, metadata.FormatBGRA8Unorm, sc.Desc().Format)
	assert.ErrorIs(t, sc.Present(), core.ErrInvalidState)

	first, err := sc.AcquireTextureForRendering()
	require.NoError(t, err)
	assert.Equal(t, uint32(640), first.Width())

	ctx := d.context(t, metadata.WorkClassGraphics)
	require.NoError(t, ctx.Begin())
	require.NoError(t, ctx.SetRenderTargets([]*Texture{first}, nil))
	require.NoError(t, ctx.ClearRenderTarget(first, [4]float32{0, 0, 0, 1}))
	assert.ErrorIs(t, ctx.ClearDepthStencil(first, 1, 0), core.ErrInvalidUsage)
	require.NoError(t, ctx.End())
	_, err = d.Queue(metadata.WorkClassGraphics).Submit([]*CommandContext{ctx}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sc.Present())

	second, err := sc.AcquireTextureForRendering()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	require.NoError(t, sc.Present())

	third, err := sc.AcquireTextureForRendering()
	require.NoError(t, err)
	assert.Same(t, first, third)
	require.NoError(t, sc.Present())

	assert.Equal(t, 3, sc.backend.(*mock.SwapChain).Presented())
	assert.Len(t, ctx.Backend().(*mock.CommandList).CommandsOf(mock.OpClearRenderTarget), 1)
}

func TestSwapChainResize(t *testing.T) {
	d := newTestDevice(t)
	sc, err := d.CreateSwapChain(metadata.SwapChainDesc{Width: 320, Height: 240})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sc.Desc().BackBufferCount)

	rtvBefore := d.Stats().Views[metadata.HeapRenderTarget][0].Used
	assert.Equal(t, uint32(3), rtvBefore)

	assert.ErrorIs(t, sc.Resize(0, 10), core.ErrInvalidUsage)
	require.NoError(t, sc.Resize(1280, 720))
	assert.Equal(t, rtvBefore, d.Stats().Views[metadata.HeapRenderTarget][0].Used)

	bb, err := sc.AcquireTextureForRendering()
	require.NoError(t, err)
	assert.Equal(t, uint32(1280), bb.Width())
	assert.Equal(t, uint32(720), bb.Height())
	assert.Equal(t, uint32(1280), sc.Desc().Width)

	sc.Destroy()
	assert.Zero(t, d.Stats().Views[metadata.HeapRenderTarget][0].Used)
}
