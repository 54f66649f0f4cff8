//go:build vulkan

package vulkan

import (
	"fmt"
	"math"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/fence"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// SwapChain presents through the adapter surface. Presentation is queued
// behind the submissions of the queue it was created with.
type SwapChain struct {
	a     *Adapter
	queue *Queue
	// Present queue; may belong to another family than queue.
	present vk.Queue

	mu      sync.Mutex
	desc    metadata.SwapChainDesc
	handle  vk.Swapchain
	format  vk.SurfaceFormat
	extent  vk.Extent2D
	buffers []*Texture
	acquire vk.Fence
	once    sync.Once
}

var _ backend.SwapChain = (*SwapChain)(nil)

func newSwapChain(a *Adapter, desc *metadata.SwapChainDesc, q *Queue) (*SwapChain, error) {
	c := a.ctx
	if c.surface == vk.NullSurface || !c.hasPresent {
		return nil, core.InvalidUsage("vulkan: swap chain %q needs an adapter opened with a window", desc.Name)
	}
	s := &SwapChain{a: a, queue: q, desc: *desc}
	vk.GetDeviceQueue(c.device, c.presentFamily, 0, &s.present)

	res := vk.CreateFence(c.device, &vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}, c.allocator, &s.acquire)
	if err := check(res, "vkCreateFence(%s acquire)", desc.Name); err != nil {
		return nil, err
	}
	if err := s.create(desc.Width, desc.Height); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

func (s *SwapChain) chooseFormat(support *swapchainSupport) vk.SurfaceFormat {
	want := toVkFormat(s.desc.Format)
	for _, f := range support.formats {
		if f.Format == want && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	for _, f := range support.formats {
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	return support.formats[0]
}

func (s *SwapChain) choosePresentMode(support *swapchainSupport) vk.PresentMode {
	if s.desc.VSync {
		return vk.PresentModeFifo
	}
	for _, m := range support.presentModes {
		if m == vk.PresentModeMailbox {
			return m
		}
	}
	for _, m := range support.presentModes {
		if m == vk.PresentModeImmediate {
			return m
		}
	}
	return vk.PresentModeFifo
}

// create builds the swapchain and wraps its images, retiring the previous
// swapchain if there is one.
func (s *SwapChain) create(width, height uint32) error {
	c := s.a.ctx
	support, err := c.querySwapchainSupport(c.physical)
	if err != nil {
		return err
	}
	if len(support.formats) == 0 {
		return core.Mismatch("vulkan: surface reports no formats")
	}
	caps := &support.capabilities
	s.format = s.chooseFormat(&support)

	extent := vk.Extent2D{Width: width, Height: height}
	if caps.CurrentExtent.Width != math.MaxUint32 {
		extent = caps.CurrentExtent
	}
	extent.Width = clamp(extent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	extent.Height = clamp(extent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)

	count := max(s.desc.BackBufferCount, caps.MinImageCount)
	if caps.MaxImageCount > 0 {
		count = min(count, caps.MaxImageCount)
	}

	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          c.surface,
		MinImageCount:    count,
		ImageFormat:      s.format.Format,
		ImageColorSpace:  s.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      s.choosePresentMode(&support),
		Clipped:          vk.True,
		OldSwapchain:     s.handle,
	}
	if graphics := s.queue.family; graphics != c.presentFamily {
		info.ImageSharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = 2
		info.PQueueFamilyIndices = []uint32{graphics, c.presentFamily}
	}

	var handle vk.Swapchain
	err = c.locks.safeCall(swapchainManagement, func() error {
		return check(vk.CreateSwapchain(c.device, &info, c.allocator, &handle), "vkCreateSwapchain(%s)", s.desc.Name)
	})
	if err != nil {
		return err
	}
	s.release()
	s.handle = handle
	s.extent = extent

	var n uint32
	if err := check(vk.GetSwapchainImages(c.device, handle, &n, nil), "vkGetSwapchainImages"); err != nil {
		return err
	}
	images := make([]vk.Image, n)
	if err := check(vk.GetSwapchainImages(c.device, handle, &n, images), "vkGetSwapchainImages"); err != nil {
		return err
	}
	for i, img := range images {
		t := &Texture{
			a: s.a,
			desc: metadata.TextureDesc{
				Name:      fmt.Sprintf("%s[%d]", s.desc.Name, i),
				Dimension: metadata.TextureDimension2D,
				Width:     extent.Width,
				Height:    extent.Height,
				Format:    fromVkFormat(s.format.Format),
				Usage:     metadata.TextureUsageRTV | metadata.TextureUsageCopyDst,
			},
			handle: img,
		}
		if err := t.init(); err != nil {
			return err
		}
		s.buffers = append(s.buffers, t)
	}
	s.desc.Width, s.desc.Height = extent.Width, extent.Height
	c.logger.Info("swap chain created", "name", s.desc.Name, "images", n, "extent", fmt.Sprintf("%dx%d", extent.Width, extent.Height))
	return nil
}

// release destroys the image views and the current swapchain handle.
func (s *SwapChain) release() {
	c := s.a.ctx
	for _, t := range s.buffers {
		t.Destroy()
	}
	s.buffers = nil
	if s.handle != vk.NullSwapchain {
		vk.DestroySwapchain(c.device, s.handle, c.allocator)
		s.handle = vk.NullSwapchain
	}
}

func (s *SwapChain) BackBuffers() []backend.Texture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Texture, len(s.buffers))
	for i, t := range s.buffers {
		out[i] = t
	}
	return out
}

// Acquire blocks until the next image is available.
func (s *SwapChain) Acquire() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.a.ctx
	var index uint32
	res := vk.AcquireNextImage(c.device, s.handle, vk.MaxUint64, vk.NullSemaphore, s.acquire, &index)
	switch res {
	case vk.Success, vk.Suboptimal:
	case vk.ErrorOutOfDate:
		return 0, core.InvalidState("vulkan: swap chain %q is out of date, resize it", s.desc.Name)
	default:
		return 0, check(res, "vkAcquireNextImage(%s)", s.desc.Name)
	}
	if err := s.a.fences.wait(s.acquire); err != nil {
		return 0, err
	}
	if err := check(vk.ResetFences(c.device, 1, []vk.Fence{s.acquire}), "vkResetFences"); err != nil {
		return 0, err
	}
	return index, nil
}

// Present queues image index for display once every wait is reached. Images
// that were not transitioned to the present state are moved there first.
func (s *SwapChain) Present(index uint32, waits []backend.FenceValue) error {
	s.mu.Lock()
	if int(index) >= len(s.buffers) {
		s.mu.Unlock()
		return core.InvalidUsage("vulkan: back buffer %d of %d", index, len(s.buffers))
	}
	handle, tex := s.handle, s.buffers[index]
	s.mu.Unlock()

	waits = append([]backend.FenceValue(nil), waits...)
	return s.queue.run(s.desc.Name+" present", func() error {
		for _, w := range waits {
			w.Fence.Wait(w.Value, fence.Infinite)
		}
		if state, ok := tex.currentState(); !ok || state != metadata.ResourceStatePresent {
			if err := s.a.transition(tex, metadata.ResourceStatePresent); err != nil {
				return err
			}
		}
		var res vk.Result
		s.a.ctx.locks.safeQueueCall(s.a.ctx.presentFamily, func() error {
			res = vk.QueuePresent(s.present, &vk.PresentInfo{
				SType:          vk.StructureTypePresentInfo,
				SwapchainCount: 1,
				PSwapchains:    []vk.Swapchain{handle},
				PImageIndices:  []uint32{index},
			})
			return nil
		})
		switch res {
		case vk.Success:
			return nil
		case vk.Suboptimal, vk.ErrorOutOfDate:
			s.a.ctx.logger.Warn("swap chain needs a resize", "name", s.desc.Name, "result", resultString(res))
			return nil
		default:
			return check(res, "vkQueuePresent(%s)", s.desc.Name)
		}
	})
}

// Resize waits for queued presents and recreates the swapchain.
func (s *SwapChain) Resize(width, height uint32) error {
	s.queue.drain()
	if err := check(vk.DeviceWaitIdle(s.a.ctx.device), "vkDeviceWaitIdle"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(width, height)
}

func (s *SwapChain) Destroy() {
	s.once.Do(func() {
		s.queue.drain()
		vk.DeviceWaitIdle(s.a.ctx.device)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.release()
		if s.acquire != vk.NullFence {
			vk.DestroyFence(s.a.ctx.device, s.acquire, s.a.ctx.allocator)
		}
	})
}
