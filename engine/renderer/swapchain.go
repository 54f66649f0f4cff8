package renderer

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// SwapChain presents back buffers to a window. Back buffers are render
// targets; they are recreated on Resize.
type SwapChain struct {
	device  *Device
	backend backend.SwapChain
	queue   *CommandQueue

	mu       sync.Mutex
	desc     metadata.SwapChainDesc
	buffers  []*Texture
	current  uint32
	acquired bool
	once     sync.Once
}

// CreateSwapChain creates a swap chain presenting through the graphics queue.
// BackBufferCount defaults to the device configuration.
func (d *Device) CreateSwapChain(desc metadata.SwapChainDesc) (*SwapChain, error) {
	desc.Name = core.DebugNameOr(desc.Name, "swapchain")
	if desc.BackBufferCount == 0 {
		desc.BackBufferCount = d.cfg.BackBufferCount
	}
	if desc.Format == metadata.FormatUnknown {
		desc.Format = metadata.FormatBGRA8Unorm
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, core.InvalidUsage("swap chain %q has zero extent %dx%d", desc.Name, desc.Width, desc.Height)
	}
	q := d.queues[metadata.WorkClassGraphics]
	bs, err := d.adapter.CreateSwapChain(&desc, q.backend)
	if err != nil {
		return nil, errors.Wrapf(err, "creating swap chain %q", desc.Name)
	}
	s := &SwapChain{device: d, backend: bs, queue: q, desc: desc}
	if err := s.wrapBuffers(); err != nil {
		s.destroy()
		return nil, err
	}
	if err := d.track(s); err != nil {
		s.destroy()
		return nil, err
	}
	return s, nil
}

func (s *SwapChain) wrapBuffers() error {
	for _, bt := range s.backend.BackBuffers() {
		t, err := s.device.wrapTexture(bt, false)
		if err != nil {
			return err
		}
		s.buffers = append(s.buffers, t)
	}
	return nil
}

func (s *SwapChain) releaseBuffers() {
	for _, t := range s.buffers {
		t.destroy()
	}
	s.buffers = nil
}

func (s *SwapChain) Desc() metadata.SwapChainDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// AcquireTextureForRendering returns the back buffer to render the next
// frame into.
func (s *SwapChain) AcquireTextureForRendering() (*Texture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.backend.Acquire()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring back buffer")
	}
	if int(idx) >= len(s.buffers) {
		return nil, core.InvalidState("backend returned back buffer %d of %d", idx, len(s.buffers))
	}
	s.current = idx
	s.acquired = true
	return s.buffers[idx], nil
}

// Present shows the acquired back buffer once the graphics work submitted so
// far has completed.
func (s *SwapChain) Present() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return core.InvalidState("present without an acquired back buffer")
	}
	waits := []backend.FenceValue{{Fence: s.queue.fence.backend, Value: s.queue.LastSubmitted()}}
	if err := s.backend.Present(s.current, waits); err != nil {
		return errors.Wrap(err, "presenting")
	}
	s.acquired = false
	return nil
}

// Resize waits for the graphics queue, then recreates the back buffers.
func (s *SwapChain) Resize(width, height uint32) error {
	if width == 0 || height == 0 {
		return core.InvalidUsage("cannot resize swap chain to %dx%d", width, height)
	}
	if err := s.queue.WaitIdle(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseBuffers()
	if err := s.backend.Resize(width, height); err != nil {
		return errors.Wrapf(err, "resizing swap chain to %dx%d", width, height)
	}
	s.desc.Width, s.desc.Height = width, height
	s.acquired = false
	return s.wrapBuffers()
}

func (s *SwapChain) destroy() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.releaseBuffers()
		s.backend.Destroy()
	})
}

func (s *SwapChain) Destroy() {
	s.device.forget(s)
	s.destroy()
}
