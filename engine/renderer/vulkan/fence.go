//go:build vulkan

package vulkan

import (
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
)

// fencePool recycles the binary fences a queue worker waits on before it
// advances a timeline.
type fencePool struct {
	ctx *vkContext

	mu   sync.Mutex
	free []vk.Fence
	all  []vk.Fence
}

func newFencePool(ctx *vkContext) *fencePool {
	return &fencePool{ctx: ctx}
}

// acquire returns an unsignaled fence.
func (p *fencePool) acquire() (vk.Fence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		return f, nil
	}
	var f vk.Fence
	res := vk.CreateFence(p.ctx.device, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, p.ctx.allocator, &f)
	if err := check(res, "vkCreateFence"); err != nil {
		return vk.NullFence, err
	}
	p.all = append(p.all, f)
	return f, nil
}

// wait blocks until f is signaled.
func (p *fencePool) wait(f vk.Fence) error {
	for {
		res := vk.WaitForFences(p.ctx.device, 1, []vk.Fence{f}, vk.True, vk.MaxUint64)
		switch res {
		case vk.Success:
			return nil
		case vk.Timeout:
			continue
		case vk.ErrorDeviceLost:
			return core.ErrDeviceLost
		default:
			return check(res, "vkWaitForFences")
		}
	}
}

// release resets f and returns it to the pool.
func (p *fencePool) release(f vk.Fence) {
	if err := check(vk.ResetFences(p.ctx.device, 1, []vk.Fence{f}), "vkResetFences"); err != nil {
		p.ctx.logger.Errorf("dropping fence: %v", err)
		return
	}
	p.mu.Lock()
	p.free = append(p.free, f)
	p.mu.Unlock()
}

func (p *fencePool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.all {
		vk.DestroyFence(p.ctx.device, f, p.ctx.allocator)
	}
	p.all, p.free = nil, nil
}
