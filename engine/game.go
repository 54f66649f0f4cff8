package engine

import "github.com/spaghettifunk/anima-rhi/engine/renderer"

type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	FnUpdate          Update
	FnRender          Render
	FnOnResize        OnResize
	FnShutdown        Shutdown
}

// Frame is handed to Render. Context is a graphics context already
// recording; the back buffer is in the render target state.
type Frame struct {
	// Monotonic frame number, starting at 1.
	Number uint64
	// Index of the frame-in-flight slot the frame records into.
	Slot       uint32
	DeltaTime  float64
	Context    *renderer.CommandContext
	BackBuffer *renderer.Texture

	waits []renderer.FenceValue
}

// WaitFor makes the frame's submission wait until v is reached, typically
// an upload on the copy queue.
func (f *Frame) WaitFor(v renderer.FenceValue) {
	f.waits = append(f.waits, v)
}

type Initialize func(e *Engine) error
type Update func(deltaTime float64) error
type Render func(frame *Frame) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
