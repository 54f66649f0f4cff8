package testbed

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

func TestMipChain(t *testing.T) {
	white := color.RGBA{255, 255, 255, 255}
	black := color.RGBA{0, 0, 0, 255}
	chain := mipChain(checkerboard(16, 2, white, black))
	require.Len(t, chain, 5)
	for i, m := range chain {
		assert.Equal(t, 16>>i, m.Bounds().Dx())
		assert.Equal(t, 16>>i, m.Bounds().Dy())
	}
	// The 1x1 level averages the two colours.
	last := chain[4].RGBAAt(0, 0)
	assert.InDelta(t, 127, int(last.R), 8)

	data, offsets := packMips(chain)
	assert.Equal(t, []uint64{0, 1024, 1280, 1344, 1360}, offsets)
	assert.Len(t, data, 1364)
}

func TestCheckerboard(t *testing.T) {
	a := color.RGBA{R: 1, A: 255}
	b := color.RGBA{B: 1, A: 255}
	img := checkerboard(8, 4, a, b)
	assert.Equal(t, a, img.RGBAAt(0, 0))
	assert.Equal(t, b, img.RGBAAt(2, 0))
	assert.Equal(t, a, img.RGBAAt(2, 2))
}

func TestTestbedRunsHeadless(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fullscreen.vert.spv"), []byte("vert"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "textured.frag.spv"), []byte("frag"), 0o644))

	tb := NewTestGame("")
	tb.ApplicationConfig.Configure = func(cfg *core.Config) {
		cfg.Engine.Headless = true
		cfg.Engine.MaxFrames = 3
		cfg.Engine.ShaderDir = dir
		cfg.Log.Level = "error"
	}
	e, err := engine.New(tb.Game)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	state := tb.State.(*gameState)
	require.NotNil(t, state.pipeline)
	assert.Equal(t, uint32(9), state.texture.Desc().Mips())

	require.NoError(t, e.Run())
	assert.GreaterOrEqual(t, state.upload.Fence.CurrentValue(), state.upload.Value)
	graphics := e.Device().Queue(metadata.WorkClassGraphics)
	assert.Equal(t, graphics.LastSubmitted(), graphics.CompletedValue())

	// Re-record one frame by hand to inspect what the testbed emits.
	ctx, err := e.Device().CreateCommandContext(metadata.WorkClassGraphics, "inspect")
	require.NoError(t, err)
	require.NoError(t, ctx.Begin())
	back, err := e.SwapChain().AcquireTextureForRendering()
	require.NoError(t, err)
	require.NoError(t, tb.Render(&engine.Frame{Number: 99, Context: ctx, BackBuffer: back}))
	draws := 0
	for _, c := range ctx.Backend().(*mock.CommandList).Commands() {
		if c.Op == mock.OpDraw {
			draws++
			assert.Equal(t, [4]uint32{3, 1, 0, 0}, c.Counts)
		}
	}
	assert.Equal(t, 1, draws)
	require.NoError(t, ctx.Reset())

	require.NoError(t, e.Shutdown())
}
