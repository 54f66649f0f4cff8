package testbed

import (
	"image/color"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine"
	"github.com/spaghettifunk/anima-rhi/engine/assets"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

const (
	textureSize    = 256
	vertexShader   = "fullscreen.vert"
	fragmentShader = "textured.frag"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	engine *engine.Engine
	logger *core.Logger

	elapsed float64
	width   uint32
	height  uint32

	texture *renderer.Texture
	sampler *renderer.Sampler

	// Upload of the texture mips on the copy queue. The first frame waits
	// for it; staging and uploadCtx are destroyed once it completed.
	staging   *renderer.Buffer
	uploadCtx *renderer.CommandContext
	upload    renderer.FenceValue
	waited    bool

	layout   *renderer.PipelineLayout
	pipeline *renderer.Pipeline
	reloads  <-chan assets.ShaderEvent
}

func NewTestGame(configPath string) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				ConfigPath: configPath,
				Configure: func(cfg *core.Config) {
					if cfg.Engine.Name == core.DefaultConfig().Engine.Name {
						cfg.Engine.Name = "Anima RHI Testbed"
					}
				},
			},
			State: &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(e *engine.Engine) error {
	state := g.state()
	state.engine = e
	state.logger = e.Logger().With("game", "testbed")
	state.logger.Debug("TestGame Initialize fn....")

	if err := g.createTexture(); err != nil {
		return err
	}

	var err error
	state.sampler, err = e.Device().CreateSampler(metadata.SamplerDesc{
		Name:          "testbed-linear",
		MinFilter:     metadata.FilterLinear,
		MagFilter:     metadata.FilterLinear,
		MipFilter:     metadata.FilterLinear,
		MaxAnisotropy: 4,
		MaxLOD:        16,
	})
	if err != nil {
		return err
	}

	state.layout, err = e.Device().CreatePipelineLayout(metadata.PipelineLayoutDesc{
		Name: "testbed-textured",
		Params: []metadata.LayoutParam{
			{Kind: metadata.ParamRootConstants, Num32BitValues: 2, Bindless: true, Visibility: metadata.ShaderStagePixel},
		},
	})
	if err != nil {
		return err
	}

	if lib := e.Shaders(); lib != nil {
		state.reloads = lib.Subscribe(16)
	}
	return g.buildPipeline()
}

// createTexture uploads a checkerboard and its mip chain through the copy queue.
func (g *TestGame) createTexture() error {
	state := g.state()
	dev := state.engine.Device()

	chain := mipChain(checkerboard(textureSize, 8,
		color.RGBA{R: 0xe0, G: 0x6c, B: 0x1f, A: 0xff},
		color.RGBA{R: 0x1f, G: 0x2a, B: 0x44, A: 0xff}))
	data, offsets := packMips(chain)

	var err error
	state.texture, err = dev.CreateTexture(metadata.TextureDesc{
		Name:      "testbed-checkerboard",
		Dimension: metadata.TextureDimension2D,
		Width:     textureSize,
		Height:    textureSize,
		MipLevels: uint32(len(chain)),
		Format:    metadata.FormatRGBA8Unorm,
		Usage:     metadata.TextureUsageSRV | metadata.TextureUsageCopyDst,
	}, nil)
	if err != nil {
		return err
	}
	state.staging, err = dev.CreateBuffer(metadata.BufferDesc{
		Name:  "testbed-staging",
		Size:  uint64(len(data)),
		Usage: metadata.BufferUsageCopySrc | metadata.BufferUsageMapWrite,
	}, data)
	if err != nil {
		return err
	}

	state.uploadCtx, err = dev.CreateCommandContext(metadata.WorkClassCopy, "testbed-upload")
	if err != nil {
		return err
	}
	ctx := state.uploadCtx
	if err := ctx.Begin(); err != nil {
		return err
	}
	for mip, offset := range offsets {
		if err := ctx.CopyBufferToTexture(state.texture, uint32(mip), 0, state.staging, offset); err != nil {
			return err
		}
	}
	if err := ctx.End(); err != nil {
		return err
	}
	q := dev.Queue(metadata.WorkClassCopy)
	value, err := q.Submit([]*renderer.CommandContext{ctx}, nil, nil)
	if err != nil {
		return err
	}
	state.upload = q.Fence().At(value)
	state.logger.Infof("uploading %d mips (%d bytes) at copy fence value %d", len(chain), len(data), value)
	return nil
}

// buildPipeline (re)creates the textured pipeline when both shaders are loaded.
func (g *TestGame) buildPipeline() error {
	state := g.state()
	lib := state.engine.Shaders()
	if lib == nil {
		return nil
	}
	vs, okVS := lib.Get(vertexShader)
	fs, okFS := lib.Get(fragmentShader)
	if !okVS || !okFS {
		state.logger.Warnf("%s or %s missing, clearing only", vertexShader, fragmentShader)
		return nil
	}

	p, err := state.engine.Device().CreateGraphicsPipeline(renderer.GraphicsPipelineDesc{
		Name:         "testbed-textured",
		Layout:       state.layout,
		Vertex:       vs,
		Pixel:        fs,
		ColorFormats: []metadata.Format{state.engine.SwapChain().Desc().Format},
	})
	if err != nil {
		return err
	}
	if state.pipeline != nil {
		// In-flight frames may still use the old pipeline.
		if err := state.engine.Device().WaitIdle(); err != nil {
			return err
		}
		state.pipeline.Destroy()
	}
	state.pipeline = p
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.elapsed += deltaTime

	if state.uploadCtx != nil && state.upload.Fence.CurrentValue() >= state.upload.Value {
		state.uploadCtx.Destroy()
		state.staging.Destroy()
		state.uploadCtx, state.staging = nil, nil
		state.logger.Debug("texture upload complete")
	}

	for {
		select {
		case e, ok := <-state.reloads:
			if !ok {
				state.reloads = nil
				return nil
			}
			if e.Name != vertexShader && e.Name != fragmentShader {
				continue
			}
			state.logger.Infof("%s changed, rebuilding pipeline", e.Name)
			if err := g.buildPipeline(); err != nil {
				state.logger.Errorf("rebuilding pipeline: %v", err)
			}
		default:
			return nil
		}
	}
}

func (g *TestGame) Render(f *engine.Frame) error {
	state := g.state()
	if !state.waited {
		f.WaitFor(state.upload)
		state.waited = true
	}

	ctx := f.Context
	pulse := float32(0.5 + 0.5*math.Sin(state.elapsed))
	if err := ctx.ClearRenderTarget(f.BackBuffer, [4]float32{0.05, 0.05 + 0.1*pulse, 0.1, 1}); err != nil {
		return err
	}
	if state.pipeline == nil {
		return nil
	}

	w, h := f.BackBuffer.Width(), f.BackBuffer.Height()
	if err := ctx.SetRenderTargets([]*renderer.Texture{f.BackBuffer}, nil); err != nil {
		return err
	}
	if err := ctx.SetViewport(metadata.Viewport{Width: float32(w), Height: float32(h), MaxDepth: 1}); err != nil {
		return err
	}
	if err := ctx.SetScissor(metadata.Rect{Width: w, Height: h}); err != nil {
		return err
	}
	if err := ctx.SetPipeline(state.pipeline); err != nil {
		return err
	}
	if err := ctx.PushBindless(state.texture.BindlessHandle(false), state.sampler.BindlessHandle()); err != nil {
		return err
	}
	return ctx.Draw(3, 1, 0, 0)
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.state()
	state.width, state.height = width, height
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	if state.engine == nil || state.engine.Device() == nil {
		return nil
	}
	if err := state.engine.Device().WaitIdle(); err != nil {
		return errors.Wrap(err, "waiting for the device before shutdown")
	}
	if state.pipeline != nil {
		state.pipeline.Destroy()
	}
	if state.uploadCtx != nil {
		state.uploadCtx.Destroy()
		state.staging.Destroy()
	}
	if state.layout != nil {
		state.layout.Destroy()
	}
	if state.sampler != nil {
		state.sampler.Destroy()
	}
	if state.texture != nil {
		state.texture.Destroy()
	}
	return nil
}
