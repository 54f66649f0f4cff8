package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

func headless(t *testing.T, frames uint64) *ApplicationConfig {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clear.vert.spv"), []byte("vert"), 0o644))
	return &ApplicationConfig{
		Configure: func(cfg *core.Config) {
			cfg.Engine.Headless = true
			cfg.Engine.MaxFrames = frames
			cfg.Engine.ShaderDir = dir
			cfg.Engine.StartWidth = 320
			cfg.Engine.StartHeight = 240
			cfg.Log.Level = "error"
		},
	}
}

func TestApplicationConfig(t *testing.T) {
	cfg, err := (*ApplicationConfig)(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultConfig(), cfg)

	_, err = (&ApplicationConfig{Configure: func(cfg *core.Config) { cfg.Device.FramesInFlight = 0 }}).Load()
	assert.Error(t, err)

	_, err = (&ApplicationConfig{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}).Load()
	assert.Error(t, err)
}

func TestRunHeadless(t *testing.T) {
	var (
		initialized bool
		rendered    []uint64
		slots       = map[uint32]int{}
		resizes     [][2]uint32
	)
	g := &Game{ApplicationConfig: headless(t, 6)}
	g.FnInitialize = func(e *Engine) error {
		initialized = true
		_, ok := e.Shaders().Get("clear.vert")
		assert.True(t, ok)
		return nil
	}
	g.FnRender = func(f *Frame) error {
		rendered = append(rendered, f.Number)
		slots[f.Slot]++
		return f.Context.ClearRenderTarget(f.BackBuffer, [4]float32{0, 0, 0, 1})
	}
	g.FnOnResize = func(w, h uint32) error {
		resizes = append(resizes, [2]uint32{w, h})
		return nil
	}

	e, err := New(g)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Run())

	assert.True(t, initialized)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, rendered)
	assert.Equal(t, map[uint32]int{0: 3, 1: 3}, slots)
	assert.Equal(t, [][2]uint32{{320, 240}}, resizes)
	assert.Equal(t, uint64(6), e.FrameNumber())
	assert.True(t, e.inFlight.Len() <= int(e.Config().Device.FramesInFlight))

	graphics := e.Device().Queue(metadata.WorkClassGraphics)
	assert.Equal(t, graphics.LastSubmitted(), graphics.CompletedValue())

	for _, ctx := range e.contexts {
		list := ctx.Backend().(*mock.CommandList)
		assert.Len(t, list.CommandsOf(mock.OpClearRenderTarget), 1)
	}

	require.NoError(t, e.Shutdown())
	assert.Nil(t, e.Device())
}

func TestQuitEventStopsTheLoop(t *testing.T) {
	g := &Game{ApplicationConfig: headless(t, 0)}
	e, err := New(g)
	require.NoError(t, err)

	g.FnUpdate = func(delta float64) error {
		if e.FrameNumber() == 3 {
			e.Events().Fire(core.EVENT_CODE_APPLICATION_QUIT, t, core.EventContext{})
		}
		return nil
	}
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Run())
	assert.Equal(t, uint64(4), e.FrameNumber())
	require.NoError(t, e.Shutdown())
}

func TestResizeRecreatesTheSwapChain(t *testing.T) {
	g := &Game{ApplicationConfig: headless(t, 4)}
	e, err := New(g)
	require.NoError(t, err)

	var recreated core.EventContext
	g.FnInitialize = func(e *Engine) error {
		e.Events().Register(core.EVENT_CODE_SWAPCHAIN_RECREATED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
			recreated = data
			return true
		})
		return nil
	}
	g.FnUpdate = func(delta float64) error {
		if e.FrameNumber() == 1 {
			var ctx core.EventContext
			ctx.Data.U32[0], ctx.Data.U32[1] = 640, 480
			e.Events().Fire(core.EVENT_CODE_RESIZED, t, ctx)
		}
		return nil
	}
	var sizes [][2]uint32
	g.FnRender = func(f *Frame) error {
		sizes = append(sizes, [2]uint32{f.BackBuffer.Width(), f.BackBuffer.Height()})
		return nil
	}

	require.NoError(t, e.Initialize())
	require.NoError(t, e.Run())
	require.NoError(t, e.Shutdown())

	assert.Equal(t, [][2]uint32{{320, 240}, {320, 240}, {640, 480}, {640, 480}}, sizes)
	assert.Equal(t, uint32(640), recreated.Data.U32[0])
	assert.Equal(t, uint32(480), recreated.Data.U32[1])
	assert.Equal(t, uint32(3), recreated.Data.U32[2])
}

func TestRunBeforeInitialize(t *testing.T) {
	e, err := New(&Game{ApplicationConfig: headless(t, 1)})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Run(), core.ErrInvalidState)
}

func TestRenderErrorStopsTheEngine(t *testing.T) {
	g := &Game{ApplicationConfig: headless(t, 0)}
	g.FnRender = func(f *Frame) error {
		return f.Context.SetPipeline((*renderer.Pipeline)(nil))
	}
	e, err := New(g)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	assert.ErrorIs(t, e.Run(), core.ErrInvalidUsage)
	for _, ctx := range e.contexts {
		assert.Equal(t, renderer.ContextIdle, ctx.State())
	}
	require.NoError(t, e.Shutdown())
}

func TestRenderErrorKeepsTheResetFailure(t *testing.T) {
	g := &Game{ApplicationConfig: headless(t, 0)}
	e, err := New(g)
	require.NoError(t, err)

	var gate *renderer.Fence
	g.FnRender = func(f *Frame) error {
		// Submit the frame behind a fence nobody signals, so it cannot be reset.
		require.NoError(t, f.Context.End())
		q := e.Device().Queue(metadata.WorkClassGraphics)
		_, err := q.Submit([]*renderer.CommandContext{f.Context}, []renderer.FenceValue{gate.At(1)}, nil)
		require.NoError(t, err)
		return errors.New("scene failed")
	}
	require.NoError(t, e.Initialize())
	gate, err = e.Device().CreateFence("gate", 0)
	require.NoError(t, err)

	err = e.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene failed")
	assert.Contains(t, fmt.Sprintf("%+v", err), "before the submission completed")

	gate.Signal(1)
	require.NoError(t, e.Shutdown())
}
