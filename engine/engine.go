package engine

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/assets"
	"github.com/spaghettifunk/anima-rhi/engine/containers"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/platform"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// How long the CPU waits for an in-flight frame before the device is
// considered lost.
const frameTimeout = 10 * time.Second

type inFlightFrame struct {
	slot  uint32
	value uint64
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	cfg          *core.Config
	logger       *core.Logger
	events       *core.EventBus

	platform  *platform.Platform
	device    *renderer.Device
	swapchain *renderer.SwapChain
	shaders   *assets.ShaderLibrary

	// One graphics context per frame in flight; inFlight holds the fence
	// value each slot was last submitted with, oldest first.
	contexts []*renderer.CommandContext
	inFlight *containers.RingQueue[inFlightFrame]

	clock       *core.Clock
	metrics     *core.FrameMetrics
	lastTime    time.Duration
	frameNumber uint64

	isRunning   atomic.Bool
	isSuspended bool
	width       uint32
	height      uint32
	resized     bool
}

func New(g *Game) (*Engine, error) {
	cfg, err := g.ApplicationConfig.Load()
	if err != nil {
		return nil, err
	}
	logger := core.NewLogger(os.Stderr, cfg.Log.ParsedLevel())
	events := core.NewEventBus()

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		cfg:          cfg,
		logger:       logger,
		events:       events,
		platform:     platform.New(events, logger),
		clock:        core.NewClock(),
		metrics:      core.NewFrameMetrics(),
		width:        cfg.Engine.StartWidth,
		height:       cfg.Engine.StartHeight,
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)

	if err := e.platform.Startup(e.cfg.Engine); err != nil {
		return err
	}
	if w, h := e.platform.FramebufferSize(); w != 0 && h != 0 {
		e.width, e.height = w, h
	}

	adapter, err := renderer.OpenAdapter(e.cfg.Device, e.platform.WindowHandle(), e.logger)
	if err != nil {
		return errors.Wrap(err, "opening adapter")
	}
	e.device, err = renderer.NewDevice(adapter, e.cfg.Device, renderer.WithLogger(e.logger))
	if err != nil {
		return errors.Wrap(err, "creating device")
	}

	e.swapchain, err = e.device.CreateSwapChain(metadata.SwapChainDesc{
		Name:            e.cfg.Engine.Name,
		Window:          e.platform.WindowHandle(),
		Width:           e.width,
		Height:          e.height,
		BackBufferCount: e.cfg.Device.BackBufferCount,
	})
	if err != nil {
		return err
	}

	frames := int(e.cfg.Device.FramesInFlight)
	e.inFlight = containers.NewRingQueue[inFlightFrame](frames)
	for i := 0; i < frames; i++ {
		ctx, err := e.device.CreateCommandContext(metadata.WorkClassGraphics, fmt.Sprintf("frame-%d", i))
		if err != nil {
			return err
		}
		e.contexts = append(e.contexts, ctx)
	}

	if err := e.loadShaders(); err != nil {
		return err
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e); err != nil {
			return err
		}
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	e.logger.Infof("engine initialized: %s backend, %d frames in flight, %dx%d", e.cfg.Device.Backend, frames, e.width, e.height)
	return nil
}

func (e *Engine) loadShaders() error {
	dir := e.cfg.Engine.ShaderDir
	if dir == "" {
		return nil
	}
	if s, err := os.Stat(dir); err != nil || !s.IsDir() {
		e.logger.Warnf("shader directory %s not found, no shaders loaded", dir)
		return nil
	}
	e.shaders = assets.NewShaderLibrary(dir, e.device, assets.WithLogger(e.logger), assets.WithEventBus(e.events))
	if err := e.shaders.Load(); err != nil {
		e.logger.Errorf("loading shaders: %v", err)
	}
	if e.cfg.Engine.HotReload {
		return e.shaders.Watch()
	}
	return nil
}

func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return core.InvalidState("engine run before initialization")
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for e.isRunning.Load() {
		e.platform.PumpMessages()

		if e.resized {
			if err := e.applyResize(); err != nil {
				return err
			}
		}
		if e.isSuspended {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := (currentTime - e.lastTime).Seconds()
		frameStart := time.Now()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				return errors.Wrap(err, "game update failed")
			}
		}
		if err := e.drawFrame(delta); err != nil {
			return errors.Wrap(err, "drawing frame")
		}

		e.metrics.Update(time.Since(frameStart).Seconds())
		e.lastTime = currentTime

		if limit := e.cfg.Engine.MaxFrames; limit != 0 && e.frameNumber >= limit {
			e.logger.Infof("reached %d frames, stopping", limit)
			e.Stop()
		}
	}

	return e.device.WaitIdle()
}

// drawFrame records and submits one frame, then presents it.
func (e *Engine) drawFrame(delta float64) error {
	if e.inFlight.IsFull() {
		oldest, err := e.inFlight.Dequeue()
		if err != nil {
			return err
		}
		if err := e.waitFrame(oldest); err != nil {
			return err
		}
	}

	slot := uint32(e.frameNumber % uint64(len(e.contexts)))
	ctx := e.contexts[slot]
	if ctx.State() == renderer.ContextSubmitted {
		if err := e.waitFrame(inFlightFrame{slot: slot, value: ctx.FenceValue()}); err != nil {
			return err
		}
	}
	if err := ctx.Reset(); err != nil {
		return err
	}

	back, err := e.swapchain.AcquireTextureForRendering()
	if errors.Is(err, core.ErrInvalidState) {
		e.logger.Warnf("%v", err)
		e.resized = true
		return nil
	}
	if err != nil {
		return err
	}

	if err := ctx.Begin(); err != nil {
		return err
	}
	if err := ctx.Barrier(renderer.Barrier{Texture: back, Before: metadata.ResourceStatePresent, After: metadata.ResourceStateRenderTarget}); err != nil {
		return err
	}
	frame := &Frame{
		Number:     e.frameNumber + 1,
		Slot:       slot,
		DeltaTime:  delta,
		Context:    ctx,
		BackBuffer: back,
	}
	if e.gameInstance.FnRender != nil {
		if err := e.gameInstance.FnRender(frame); err != nil {
			return errors.CombineErrors(errors.Wrap(err, "game render failed"), ctx.Reset())
		}
	}
	if err := ctx.Barrier(renderer.Barrier{Texture: back, Before: metadata.ResourceStateRenderTarget, After: metadata.ResourceStatePresent}); err != nil {
		return err
	}
	if err := ctx.End(); err != nil {
		return err
	}

	value, err := e.device.Queue(metadata.WorkClassGraphics).Submit([]*renderer.CommandContext{ctx}, frame.waits, nil)
	if err != nil {
		return err
	}
	if err := e.inFlight.Enqueue(inFlightFrame{slot: slot, value: value}); err != nil {
		return err
	}
	e.frameNumber++
	return e.swapchain.Present()
}

// waitFrame blocks until the submission of an in-flight frame completed.
func (e *Engine) waitFrame(f inFlightFrame) error {
	q := e.device.Queue(metadata.WorkClassGraphics)
	if q.IsComplete(f.value) {
		q.Retire()
		return nil
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := q.WaitContext(ctx, f.value); err != nil {
		return errors.Mark(errors.Wrapf(err, "frame slot %d never reached fence value %d", f.slot, f.value), core.ErrDeviceLost)
	}
	e.metrics.AddFenceStall(time.Since(start).Seconds())
	return nil
}

func (e *Engine) applyResize() error {
	e.resized = false
	if e.width == 0 || e.height == 0 {
		return nil
	}
	if err := e.swapchain.Resize(e.width, e.height); err != nil {
		return err
	}
	var ctx core.EventContext
	ctx.Data.U32[0] = e.width
	ctx.Data.U32[1] = e.height
	ctx.Data.U32[2] = e.swapchain.Desc().BackBufferCount
	e.events.Fire(core.EVENT_CODE_SWAPCHAIN_RECREATED, e, ctx)

	if e.gameInstance.FnOnResize != nil {
		return e.gameInstance.FnOnResize(e.width, e.height)
	}
	return nil
}

// Stop makes Run return after the current frame. It is safe to call from
// another goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	var errs error
	if e.gameInstance.FnShutdown != nil {
		errs = errors.CombineErrors(errs, e.gameInstance.FnShutdown())
	}
	if e.shaders != nil {
		errs = errors.CombineErrors(errs, e.shaders.Close())
	}
	if e.device != nil {
		fps, frameMS := e.metrics.Frame()
		e.logger.Infof("%d frames, %.1f fps, %.2f ms/frame, %.2f ms stalled on fences", e.frameNumber, fps, frameMS, e.metrics.FenceStallMS())
		e.device.LogStats()
		e.device.Destroy()
		e.device = nil
	}
	e.events.Shutdown()
	errs = errors.CombineErrors(errs, e.platform.Shutdown())
	e.currentStage = EngineStageUninitialized
	return errs
}

func (e *Engine) Config() *core.Config {
	return e.cfg
}

func (e *Engine) Logger() *core.Logger {
	return e.logger
}

func (e *Engine) Events() *core.EventBus {
	return e.events
}

func (e *Engine) Device() *renderer.Device {
	return e.device
}

func (e *Engine) SwapChain() *renderer.SwapChain {
	return e.swapchain
}

// Shaders returns the shader library, nil when no shader directory exists.
func (e *Engine) Shaders() *assets.ShaderLibrary {
	return e.shaders
}

func (e *Engine) Metrics() *core.FrameMetrics {
	return e.metrics
}

func (e *Engine) FrameNumber() uint64 {
	return e.frameNumber
}

func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onEvent(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
	if code == core.EVENT_CODE_APPLICATION_QUIT {
		e.logger.Info("EVENT_CODE_APPLICATION_QUIT received, shutting down")
		e.Stop()
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
	width, height := data.Data.U32[0], data.Data.U32[1]
	if width == e.width && height == e.height {
		return false
	}
	e.width, e.height = width, height
	e.logger.Debugf("window resize: %d, %d", width, height)

	if width == 0 || height == 0 {
		e.logger.Info("window minimized, suspending application")
		e.isSuspended = true
		return true
	}
	if e.isSuspended {
		e.logger.Info("window restored, resuming application")
		e.isSuspended = false
	}
	e.resized = true
	return true
}
