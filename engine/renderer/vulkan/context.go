//go:build vulkan

package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// vkContext is the state every Vulkan object of one adapter shares.
type vkContext struct {
	instance  vk.Instance
	allocator *vk.AllocationCallbacks
	// Null when the adapter was opened headless.
	surface vk.Surface

	debugCallback vk.DebugReportCallback

	physical   vk.PhysicalDevice
	device     vk.Device
	properties vk.PhysicalDeviceProperties
	memory     vk.PhysicalDeviceMemoryProperties
	support    swapchainSupport

	// Queue family per work class; classes may share a family.
	families      [metadata.WorkClassCount]uint32
	presentFamily uint32
	hasPresent    bool

	depthFormat vk.Format

	locks  *lockPool
	logger *core.Logger
}

// findMemoryIndex returns the first memory type allowed by typeFilter that
// has every flag in propertyFlags, or -1.
func (c *vkContext) findMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlags) int32 {
	for i := uint32(0); i < c.memory.MemoryTypeCount; i++ {
		c.memory.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && c.memory.MemoryTypes[i].PropertyFlags&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	c.logger.Warnf("vulkan: no memory type matches filter %#x with flags %#x", typeFilter, propertyFlags)
	return -1
}

// allocate binds fresh device memory matching reqs and flags.
func (c *vkContext) allocate(reqs vk.MemoryRequirements, flags vk.MemoryPropertyFlags, what string) (vk.DeviceMemory, error) {
	reqs.Deref()
	index := c.findMemoryIndex(reqs.MemoryTypeBits, flags)
	if index < 0 {
		return vk.NullDeviceMemory, core.Exhausted("vulkan: no memory type for %s", what)
	}
	var mem vk.DeviceMemory
	err := c.locks.safeCall(memoryManagement, func() error {
		return check(vk.AllocateMemory(c.device, &vk.MemoryAllocateInfo{
			SType:           vk.StructureTypeMemoryAllocateInfo,
			AllocationSize:  reqs.Size,
			MemoryTypeIndex: uint32(index),
		}, c.allocator, &mem), "vkAllocateMemory(%s, %d bytes)", what, reqs.Size)
	})
	return mem, err
}

func (c *vkContext) free(mem vk.DeviceMemory) {
	if mem == vk.NullDeviceMemory {
		return
	}
	c.locks.safeCall(memoryManagement, func() error {
		vk.FreeMemory(c.device, mem, c.allocator)
		return nil
	})
}
