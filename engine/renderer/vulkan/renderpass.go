//go:build vulkan

package vulkan

import (
	"fmt"
	"strings"
	"sync"

	vk "github.com/goki/vulkan"
)

// passKey identifies a render pass by its attachment formats. Pipelines and
// framebuffers built against passes with equal keys are compatible.
type passKey string

func newPassKey(colors []vk.Format, depth vk.Format) passKey {
	var b strings.Builder
	for _, c := range colors {
		fmt.Fprintf(&b, "%d,", c)
	}
	fmt.Fprintf(&b, "d%d", depth)
	return passKey(b.String())
}

// renderPassCache creates one single-subpass render pass per attachment
// format combination. Attachments are loaded and stored, so a pass can be
// interrupted for a clear or a copy and resumed without losing contents.
type renderPassCache struct {
	ctx *vkContext

	mu     sync.Mutex
	passes map[passKey]vk.RenderPass
}

func newRenderPassCache(ctx *vkContext) *renderPassCache {
	return &renderPassCache{ctx: ctx, passes: make(map[passKey]vk.RenderPass)}
}

// get returns the pass for colors and depth. depth is vk.FormatUndefined when
// there is no depth attachment.
func (r *renderPassCache) get(colors []vk.Format, depth vk.Format) (vk.RenderPass, error) {
	key := newPassKey(colors, depth)
	r.mu.Lock()
	defer r.mu.Unlock()
	if pass, ok := r.passes[key]; ok {
		return pass, nil
	}

	attachments := make([]vk.AttachmentDescription, 0, len(colors)+1)
	refs := make([]vk.AttachmentReference, len(colors))
	for i, f := range colors {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         f,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpLoad,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
		})
		refs[i] = vk.AttachmentReference{Attachment: uint32(i), Layout: vk.ImageLayoutColorAttachmentOptimal}
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(refs)),
		PColorAttachments:    refs,
	}
	if depth != vk.FormatUndefined {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         depth,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpLoad,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpLoad,
			StencilStoreOp: vk.AttachmentStoreOpStore,
			InitialLayout:  vk.ImageLayoutDepthStencilAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(len(colors)),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageLateFragmentTestsBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
		SrcAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit |
			vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit),
	}

	var pass vk.RenderPass
	res := vk.CreateRenderPass(r.ctx.device, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}, r.ctx.allocator, &pass)
	if err := check(res, "vkCreateRenderPass(%s)", key); err != nil {
		return vk.NullRenderPass, err
	}
	r.ctx.logger.Debug("render pass created", "formats", string(key))
	r.passes[key] = pass
	return pass, nil
}

func (r *renderPassCache) destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, pass := range r.passes {
		vk.DestroyRenderPass(r.ctx.device, pass, r.ctx.allocator)
		delete(r.passes, key)
	}
}
