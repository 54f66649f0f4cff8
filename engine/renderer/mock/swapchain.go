package mock

import (
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/fence"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// SwapChain rotates through N in-memory back buffers.
type SwapChain struct {
	desc metadata.SwapChainDesc

	mu        sync.Mutex
	buffers   []*Texture
	current   uint32
	acquired  bool
	presented int
}

func newSwapChain(desc *metadata.SwapChainDesc) (*SwapChain, error) {
	if desc.BackBufferCount < 2 {
		return nil, core.InvalidUsage("mock: swap chain needs at least 2 back buffers, got %d", desc.BackBufferCount)
	}
	s := &SwapChain{desc: *desc}
	s.createBuffers()
	return s, nil
}

func (s *SwapChain) createBuffers() {
	s.buffers = make([]*Texture, s.desc.BackBufferCount)
	for i := range s.buffers {
		s.buffers[i] = newTexture(&metadata.TextureDesc{
			Name:      s.desc.Name,
			Dimension: metadata.TextureDimension2D,
			Width:     s.desc.Width,
			Height:    s.desc.Height,
			Format:    s.desc.Format,
			Usage:     metadata.TextureUsageRTV | metadata.TextureUsageCopyDst,
		})
	}
}

func (s *SwapChain) BackBuffers() []backend.Texture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Texture, len(s.buffers))
	for i, b := range s.buffers {
		out[i] = b
	}
	return out
}

func (s *SwapChain) Acquire() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = true
	return s.current, nil
}

func (s *SwapChain) Present(index uint32, waits []backend.FenceValue) error {
	for _, w := range waits {
		w.Fence.Wait(w.Value, fence.Infinite)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired || index != s.current {
		return core.InvalidState("mock: presenting back buffer %d, acquired %d", index, s.current)
	}
	s.acquired = false
	s.current = (s.current + 1) % uint32(len(s.buffers))
	s.presented++
	return nil
}

// Presented is the number of successful presents.
func (s *SwapChain) Presented() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}

func (s *SwapChain) Resize(width, height uint32) error {
	if width == 0 || height == 0 {
		return core.InvalidUsage("mock: cannot resize swap chain to %dx%d", width, height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc.Width, s.desc.Height = width, height
	s.current = 0
	s.acquired = false
	s.createBuffers()
	return nil
}

func (s *SwapChain) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buffers {
		b.Destroy()
	}
}
