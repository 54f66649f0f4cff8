//go:build vulkan

package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

func imageUsage(desc *metadata.TextureDesc) vk.ImageUsageFlags {
	var flags vk.ImageUsageFlagBits
	u := desc.Usage
	if u.Has(metadata.TextureUsageRTV) {
		flags |= vk.ImageUsageColorAttachmentBit
	}
	if u.Has(metadata.TextureUsageDSV) {
		flags |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if u.Has(metadata.TextureUsageSRV) {
		flags |= vk.ImageUsageSampledBit
	}
	if u.Has(metadata.TextureUsageUAV) {
		flags |= vk.ImageUsageStorageBit
	}
	if u.Has(metadata.TextureUsageCopySrc) {
		flags |= vk.ImageUsageTransferSrcBit
	}
	// Uploads and clears both go through transfer writes.
	flags |= vk.ImageUsageTransferDstBit
	return vk.ImageUsageFlags(flags)
}

func imageType(d metadata.TextureDimension) vk.ImageType {
	switch d {
	case metadata.TextureDimension1D:
		return vk.ImageType1d
	case metadata.TextureDimension3D:
		return vk.ImageType3d
	default:
		return vk.ImageType2d
	}
}

// createImage creates an optimally tiled image and binds device-local memory to it.
func (c *vkContext) createImage(desc *metadata.TextureDesc) (vk.Image, vk.DeviceMemory, error) {
	depth, layers := uint32(1), desc.Layers()
	if desc.Dimension == metadata.TextureDimension3D {
		depth, layers = desc.Layers(), 1
	}
	var flags vk.ImageCreateFlags
	if desc.Usage.Has(metadata.TextureUsageCube) || desc.Usage.Has(metadata.TextureUsageCubeArray) {
		flags |= vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
	}
	samples := vk.SampleCount1Bit
	if desc.SampleCount > 1 {
		samples = vk.SampleCountFlagBits(desc.SampleCount)
	}

	var image vk.Image
	res := vk.CreateImage(c.device, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		Flags:     flags,
		ImageType: imageType(desc.Dimension),
		Format:    toVkFormat(desc.Format),
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: max(desc.Height, 1),
			Depth:  depth,
		},
		MipLevels:     desc.Mips(),
		ArrayLayers:   layers,
		Samples:       samples,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         imageUsage(desc),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, c.allocator, &image)
	if err := check(res, "vkCreateImage(%s)", desc.Name); err != nil {
		return vk.NullImage, vk.NullDeviceMemory, err
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(c.device, image, &reqs)
	mem, err := c.allocate(reqs, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit), desc.Name)
	if err != nil {
		vk.DestroyImage(c.device, image, c.allocator)
		return vk.NullImage, vk.NullDeviceMemory, err
	}
	if err := check(vk.BindImageMemory(c.device, image, mem, 0), "vkBindImageMemory(%s)", desc.Name); err != nil {
		c.free(mem)
		vk.DestroyImage(c.device, image, c.allocator)
		return vk.NullImage, vk.NullDeviceMemory, err
	}
	return image, mem, nil
}

// createImageView creates a view of mips [mip, mip+mips) and layers
// [layer, layer+layers).
func (c *vkContext) createImageView(image vk.Image, desc *metadata.TextureDesc, mip, mips, layer, layers uint32) (vk.ImageView, error) {
	viewType := vk.ImageViewType2d
	switch {
	case desc.Dimension == metadata.TextureDimension3D:
		viewType = vk.ImageViewType3d
	case desc.Usage.Has(metadata.TextureUsageCubeArray) && layers > 6:
		viewType = vk.ImageViewTypeCubeArray
	case desc.Usage.Has(metadata.TextureUsageCube) && layers == 6:
		viewType = vk.ImageViewTypeCube
	case desc.Dimension == metadata.TextureDimension1D && layers > 1:
		viewType = vk.ImageViewType1dArray
	case desc.Dimension == metadata.TextureDimension1D:
		viewType = vk.ImageViewType1d
	case layers > 1:
		viewType = vk.ImageViewType2dArray
	}
	var view vk.ImageView
	res := vk.CreateImageView(c.device, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: viewType,
		Format:   toVkFormat(desc.Format),
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspectOf(desc.Format),
			BaseMipLevel:   mip,
			LevelCount:     mips,
			BaseArrayLayer: layer,
			LayerCount:     layers,
		},
	}, c.allocator, &view)
	return view, check(res, "vkCreateImageView(%s)", desc.Name)
}
