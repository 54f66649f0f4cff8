//go:build vulkan

package vulkan

import (
	"runtime"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

type deviceRequirements struct {
	present           bool
	samplerAnisotropy bool
	discreteGPU       bool
	extensions        []string
}

type queueFamilies struct {
	graphics, compute, transfer, present int32
}

func (c *vkContext) selectPhysicalDevice() error {
	var count uint32
	if err := check(vk.EnumeratePhysicalDevices(c.instance, &count, nil), "vkEnumeratePhysicalDevices"); err != nil {
		return err
	}
	if count == 0 {
		return core.Mismatch("vulkan: no device supports Vulkan")
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := check(vk.EnumeratePhysicalDevices(c.instance, &count, devices), "vkEnumeratePhysicalDevices"); err != nil {
		return err
	}

	req := deviceRequirements{
		present:           c.surface != vk.NullSurface,
		samplerAnisotropy: true,
		discreteGPU:       runtime.GOOS != "darwin",
	}
	if req.present {
		req.extensions = []string{vk.KhrSwapchainExtensionName}
	}

	// Prefer a discrete GPU, then take anything that meets the rest.
	for _, discrete := range []bool{req.discreteGPU, false} {
		req.discreteGPU = discrete
		for _, pd := range devices {
			families, ok := c.meetsRequirements(pd, &req)
			if !ok {
				continue
			}
			c.physical = pd
			c.families[metadata.WorkClassGraphics] = uint32(families.graphics)
			c.families[metadata.WorkClassCompute] = uint32(families.compute)
			c.families[metadata.WorkClassCopy] = uint32(families.transfer)
			if families.present >= 0 {
				c.presentFamily = uint32(families.present)
				c.hasPresent = true
			}
			vk.GetPhysicalDeviceProperties(pd, &c.properties)
			c.properties.Deref()
			c.properties.Limits.Deref()
			vk.GetPhysicalDeviceMemoryProperties(pd, &c.memory)
			c.memory.Deref()
			c.logDevice()
			return nil
		}
	}
	return core.Mismatch("vulkan: no physical device meets the requirements")
}

func (c *vkContext) logDevice() {
	p := &c.properties
	kind := "unknown"
	switch p.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		kind = "integrated"
	case vk.PhysicalDeviceTypeDiscreteGpu:
		kind = "discrete"
	case vk.PhysicalDeviceTypeVirtualGpu:
		kind = "virtual"
	case vk.PhysicalDeviceTypeCpu:
		kind = "cpu"
	}
	api := vk.Version(p.ApiVersion)
	c.logger.Infof("selected device %q (%s), Vulkan %d.%d.%d", cString(p.DeviceName[:]), kind, api.Major(), api.Minor(), api.Patch())
	for i := uint32(0); i < c.memory.MemoryHeapCount; i++ {
		h := c.memory.MemoryHeaps[i]
		h.Deref()
		gib := float64(h.Size) / (1 << 30)
		if vk.MemoryHeapFlagBits(h.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			c.logger.Debugf("local GPU memory: %.2f GiB", gib)
		} else {
			c.logger.Debugf("shared system memory: %.2f GiB", gib)
		}
	}
	c.logger.Debug("queue families", "graphics", c.families[metadata.WorkClassGraphics],
		"compute", c.families[metadata.WorkClassCompute], "copy", c.families[metadata.WorkClassCopy],
		"present", c.presentFamily)
}

func (c *vkContext) meetsRequirements(pd vk.PhysicalDevice, req *deviceRequirements) (queueFamilies, bool) {
	out := queueFamilies{-1, -1, -1, -1}

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &props)
	props.Deref()
	name := cString(props.DeviceName[:])
	if req.discreteGPU && props.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		c.logger.Debugf("%s is not a discrete GPU, skipping", name)
		return out, false
	}
	if vk.Version(props.ApiVersion).Minor() < 2 && vk.Version(props.ApiVersion).Major() == 1 {
		c.logger.Debugf("%s does not support Vulkan 1.2, skipping", name)
		return out, false
	}

	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, families)

	// The transfer family with the fewest other capabilities is most likely
	// a dedicated DMA engine. Same for compute.
	minTransfer, minCompute := 255, 255
	for i := range families {
		families[i].Deref()
		flags := vk.QueueFlagBits(families[i].QueueFlags)
		score := 0
		if flags&vk.QueueGraphicsBit != 0 {
			if out.graphics < 0 {
				out.graphics = int32(i)
			}
			score++
		}
		if flags&vk.QueueComputeBit != 0 {
			if score <= minCompute {
				minCompute = score
				out.compute = int32(i)
			}
			score++
		}
		if flags&vk.QueueTransferBit != 0 && score <= minTransfer {
			minTransfer = score
			out.transfer = int32(i)
		}
		if req.present {
			var supported vk.Bool32
			if res := vk.GetPhysicalDeviceSurfaceSupport(pd, uint32(i), c.surface, &supported); res == vk.Success && supported == vk.True {
				if out.present < 0 || int32(i) == out.graphics {
					out.present = int32(i)
				}
			}
		}
	}
	// Graphics and compute families always accept transfer work.
	if out.transfer < 0 {
		out.transfer = out.graphics
	}
	if out.compute < 0 {
		out.compute = out.graphics
	}
	if out.graphics < 0 || (req.present && out.present < 0) {
		c.logger.Debugf("%s lacks a graphics or present queue, skipping", name)
		return out, false
	}

	if req.present {
		support, err := c.querySwapchainSupport(pd)
		if err != nil || len(support.formats) == 0 || len(support.presentModes) == 0 {
			c.logger.Debugf("%s has no usable swapchain support, skipping", name)
			return out, false
		}
		c.support = support
	}

	if len(req.extensions) > 0 {
		available, err := deviceExtensions(pd)
		if err != nil {
			return out, false
		}
		for _, ext := range req.extensions {
			if _, ok := available[ext]; !ok {
				c.logger.Debugf("%s lacks extension %s, skipping", name, ext)
				return out, false
			}
		}
	}

	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(pd, &features)
	features.Deref()
	if req.samplerAnisotropy && features.SamplerAnisotropy == vk.False {
		c.logger.Debugf("%s does not support sampler anisotropy, skipping", name)
		return out, false
	}
	return out, true
}

func deviceExtensions(pd vk.PhysicalDevice) (map[string]struct{}, error) {
	var count uint32
	if err := check(vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	props := make([]vk.ExtensionProperties, count)
	if err := check(vk.EnumerateDeviceExtensionProperties(pd, "", &count, props), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, count)
	for i := range props {
		props[i].Deref()
		out[cString(props[i].ExtensionName[:])] = struct{}{}
	}
	return out, nil
}

func (c *vkContext) querySwapchainSupport(pd vk.PhysicalDevice) (swapchainSupport, error) {
	var s swapchainSupport
	if err := check(vk.GetPhysicalDeviceSurfaceCapabilities(pd, c.surface, &s.capabilities), "vkGetPhysicalDeviceSurfaceCapabilities"); err != nil {
		return s, err
	}
	s.capabilities.Deref()
	s.capabilities.CurrentExtent.Deref()
	s.capabilities.MinImageExtent.Deref()
	s.capabilities.MaxImageExtent.Deref()

	var count uint32
	if err := check(vk.GetPhysicalDeviceSurfaceFormats(pd, c.surface, &count, nil), "vkGetPhysicalDeviceSurfaceFormats"); err != nil {
		return s, err
	}
	if count > 0 {
		s.formats = make([]vk.SurfaceFormat, count)
		if err := check(vk.GetPhysicalDeviceSurfaceFormats(pd, c.surface, &count, s.formats), "vkGetPhysicalDeviceSurfaceFormats"); err != nil {
			return s, err
		}
		for i := range s.formats {
			s.formats[i].Deref()
		}
	}

	count = 0
	if err := check(vk.GetPhysicalDeviceSurfacePresentModes(pd, c.surface, &count, nil), "vkGetPhysicalDeviceSurfacePresentModes"); err != nil {
		return s, err
	}
	if count > 0 {
		s.presentModes = make([]vk.PresentMode, count)
		if err := check(vk.GetPhysicalDeviceSurfacePresentModes(pd, c.surface, &count, s.presentModes), "vkGetPhysicalDeviceSurfacePresentModes"); err != nil {
			return s, err
		}
	}
	return s, nil
}

// createLogicalDevice creates the device with descriptor indexing enabled,
// one queue per distinct family.
func (c *vkContext) createLogicalDevice() error {
	unique := map[uint32]struct{}{}
	for _, f := range c.families {
		unique[f] = struct{}{}
	}
	if c.hasPresent {
		unique[c.presentFamily] = struct{}{}
	}
	infos := make([]vk.DeviceQueueCreateInfo, 0, len(unique))
	for f := range unique {
		infos = append(infos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: f,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}

	extensions := []string{}
	if c.hasPresent {
		extensions = append(extensions, vk.KhrSwapchainExtensionName)
	}
	available, err := deviceExtensions(c.physical)
	if err != nil {
		return err
	}
	if _, ok := available["VK_KHR_portability_subset"]; ok {
		c.logger.Debug("enabling VK_KHR_portability_subset")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	var device vk.Device
	res := vk.CreateDevice(c.physical, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(infos)),
		PQueueCreateInfos:       infos,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
		PEnabledFeatures: []vk.PhysicalDeviceFeatures{{
			SamplerAnisotropy:                       vk.True,
			ShaderSampledImageArrayDynamicIndexing:  vk.True,
			ShaderStorageImageArrayDynamicIndexing:  vk.True,
			ShaderUniformBufferArrayDynamicIndexing: vk.True,
			ShaderStorageBufferArrayDynamicIndexing: vk.True,
			FragmentStoresAndAtomics:                vk.True,
			VertexPipelineStoresAndAtomics:          vk.True,
			ShaderStorageImageWriteWithoutFormat:    vk.True,
			ShaderStorageImageReadWithoutFormat:     vk.True,
			IndependentBlend:                        vk.True,
			ImageCubeArray:                          vk.True,
		}},
		PNext: unsafe.Pointer(&vk.PhysicalDeviceVulkan12Features{
			SType:                                         vk.StructureTypePhysicalDeviceVulkan12Features,
			DescriptorIndexing:                            vk.True,
			ShaderSampledImageArrayNonUniformIndexing:     vk.True,
			ShaderStorageImageArrayNonUniformIndexing:     vk.True,
			ShaderStorageBufferArrayNonUniformIndexing:    vk.True,
			ShaderUniformBufferArrayNonUniformIndexing:    vk.True,
			DescriptorBindingSampledImageUpdateAfterBind:  vk.True,
			DescriptorBindingStorageImageUpdateAfterBind:  vk.True,
			DescriptorBindingStorageBufferUpdateAfterBind: vk.True,
			DescriptorBindingUniformBufferUpdateAfterBind: vk.True,
			DescriptorBindingUpdateUnusedWhilePending:     vk.True,
			DescriptorBindingPartiallyBound:               vk.True,
			RuntimeDescriptorArray:                        vk.True,
		}),
	}, c.allocator, &device)
	if err := check(res, "vkCreateDevice"); err != nil {
		return err
	}
	c.device = device
	c.logger.Debug("logical device created", "queues", len(infos))

	if !c.detectDepthFormat() {
		c.logger.Warn("no depth format supports depth attachments")
	}
	return nil
}

// detectDepthFormat picks the first depth format usable as an attachment.
func (c *vkContext) detectDepthFormat() bool {
	candidates := []vk.Format{vk.FormatD32Sfloat, vk.FormatD32SfloatS8Uint, vk.FormatD24UnormS8Uint}
	flags := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, f := range candidates {
		var props vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(c.physical, f, &props)
		props.Deref()
		if props.OptimalTilingFeatures&flags == flags || props.LinearTilingFeatures&flags == flags {
			c.depthFormat = f
			return true
		}
	}
	c.depthFormat = vk.FormatUndefined
	return false
}

func (c *vkContext) destroyDevice() {
	if c.device == nil {
		return
	}
	vk.DeviceWaitIdle(c.device)
	vk.DestroyDevice(c.device, c.allocator)
	c.device = nil
	c.physical = nil
}
