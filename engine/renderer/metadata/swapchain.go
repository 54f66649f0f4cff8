package metadata

import "unsafe"

// PlatformKind tags the native window system behind a WindowHandle.
type PlatformKind uint8

const (
	PlatformHeadless PlatformKind = iota
	PlatformWin32
	PlatformX11
	PlatformWayland
	PlatformCocoa
	// PlatformGLFW marks a *glfw.Window; the backend asks GLFW for a surface.
	PlatformGLFW
)

func (p PlatformKind) String() string {
	switch p {
	case PlatformHeadless:
		return "headless"
	case PlatformWin32:
		return "win32"
	case PlatformX11:
		return "x11"
	case PlatformWayland:
		return "wayland"
	case PlatformCocoa:
		return "cocoa"
	case PlatformGLFW:
		return "glfw"
	default:
		return "unknown"
	}
}

// WindowHandle is an opaque native window handed over by the platform layer.
type WindowHandle struct {
	Pointer  unsafe.Pointer
	Platform PlatformKind
}

// SwapChainDesc describes a swap chain to create.
type SwapChainDesc struct {
	Name            string
	Window          WindowHandle
	Width           uint32
	Height          uint32
	BackBufferCount uint32
	Format          Format
	VSync           bool
}

type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

type Rect struct {
	X, Y          int32
	Width, Height uint32
}
