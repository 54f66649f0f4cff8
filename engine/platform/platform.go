package platform

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

// Platform owns the application window. A headless platform has no window
// and hands out a headless WindowHandle.
type Platform struct {
	Window   *glfw.Window
	headless bool
	events   *core.EventBus
	logger   *core.Logger
}

func New(events *core.EventBus, logger *core.Logger) *Platform {
	return &Platform{
		events: events,
		logger: logger.OrDefault().With("system", "platform"),
	}
}

// Startup opens the window described by cfg, or nothing when cfg.Headless is set.
func (p *Platform) Startup(cfg core.EngineConfig) error {
	if cfg.Headless {
		p.headless = true
		p.logger.Info("running headless")
		return nil
	}
	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "initializing glfw")
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(cfg.StartWidth), int(cfg.StartHeight), cfg.Name, nil, nil)
	if err != nil {
		glfw.Terminate()
		return errors.Wrap(err, "creating window")
	}
	p.Window = window

	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetCloseCallback(p.closeCallback)
	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetPos(int(cfg.StartPosX), int(cfg.StartPosY))
	p.Window.Show()

	p.logger.Infof("window %q opened at %dx%d", cfg.Name, cfg.StartWidth, cfg.StartHeight)
	return nil
}

// WindowHandle returns the handle a swap chain is created from.
func (p *Platform) WindowHandle() metadata.WindowHandle {
	if p.headless || p.Window == nil {
		return metadata.WindowHandle{Platform: metadata.PlatformHeadless}
	}
	return metadata.WindowHandle{
		Pointer:  unsafe.Pointer(p.Window),
		Platform: metadata.PlatformGLFW,
	}
}

// FramebufferSize returns the drawable size in pixels.
func (p *Platform) FramebufferSize() (uint32, uint32) {
	if p.Window == nil {
		return 0, 0
	}
	w, h := p.Window.GetFramebufferSize()
	return uint32(w), uint32(h)
}

func (p *Platform) Headless() bool {
	return p.headless
}

// PumpMessages processes pending window events.
func (p *Platform) PumpMessages() {
	if p.Window != nil {
		glfw.PollEvents()
	}
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
		glfw.Terminate()
	}
	return nil
}

func (p *Platform) closeCallback(w *glfw.Window) {
	p.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, p, core.EventContext{})
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		p.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, p, core.EventContext{})
	}
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	var ctx core.EventContext
	ctx.Data.U32[0] = uint32(width)
	ctx.Data.U32[1] = uint32(height)
	p.events.Fire(core.EVENT_CODE_RESIZED, p, ctx)
}
