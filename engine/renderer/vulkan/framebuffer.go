//go:build vulkan

package vulkan

import (
	vk "github.com/goki/vulkan"
)

// framebufferSet owns the framebuffers one command list created while
// recording. They are destroyed when the list is reset, after the GPU is
// done with the previous recording.
type framebufferSet struct {
	ctx     *vkContext
	handles []vk.Framebuffer
}

func (f *framebufferSet) create(pass vk.RenderPass, width, height uint32, attachments []vk.ImageView) (vk.Framebuffer, error) {
	var fb vk.Framebuffer
	res := vk.CreateFramebuffer(f.ctx.device, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    append([]vk.ImageView(nil), attachments...),
		Width:           width,
		Height:          height,
		Layers:          1,
	}, f.ctx.allocator, &fb)
	if err := check(res, "vkCreateFramebuffer(%dx%d)", width, height); err != nil {
		return vk.NullFramebuffer, err
	}
	f.handles = append(f.handles, fb)
	return fb, nil
}

func (f *framebufferSet) reset() {
	for _, fb := range f.handles {
		vk.DestroyFramebuffer(f.ctx.device, fb, f.ctx.allocator)
	}
	f.handles = f.handles[:0]
}
