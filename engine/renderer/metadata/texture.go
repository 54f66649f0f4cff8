package metadata

import "strings"

type TextureUsage uint32

const (
	TextureUsageRTV TextureUsage = 1 << iota
	TextureUsageDSV
	TextureUsageSRV
	TextureUsageUAV
	TextureUsageCube
	TextureUsageCubeArray
	TextureUsageCopySrc
	TextureUsageCopyDst
)

func (u TextureUsage) Has(flags TextureUsage) bool {
	return u&flags == flags
}

func (u TextureUsage) String() string {
	names := []string{"rtv", "dsv", "srv", "uav", "cube", "cube-array", "copy-src", "copy-dst"}
	var parts []string
	for i, n := range names {
		if u&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

/**
 * @brief Represents various dimensions of textures.
 */
type TextureDimension uint8

const (
	TextureDimension1D TextureDimension = iota
	TextureDimension2D
	TextureDimension3D
)

type Format uint16

const (
	FormatUnknown Format = iota
	FormatR8Unorm
	FormatRGBA8Unorm
	FormatRGBA8UnormSRGB
	FormatBGRA8Unorm
	FormatBGRA8UnormSRGB
	FormatRGBA16Float
	FormatRGBA32Float
	FormatR32Float
	FormatR32Uint
	FormatD32Float
	FormatD24UnormS8Uint
)

// BytesPerPixel returns the texel size of f, or 0 for FormatUnknown.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatR8Unorm:
		return 1
	case FormatRGBA8Unorm, FormatRGBA8UnormSRGB, FormatBGRA8Unorm, FormatBGRA8UnormSRGB,
		FormatR32Float, FormatR32Uint, FormatD32Float, FormatD24UnormS8Uint:
		return 4
	case FormatRGBA16Float:
		return 8
	case FormatRGBA32Float:
		return 16
	default:
		return 0
	}
}

// IsDepth reports whether f is a depth(/stencil) format.
func (f Format) IsDepth() bool {
	return f == FormatD32Float || f == FormatD24UnormS8Uint
}

/**
 * @brief Describes a texture to create.
 */
type TextureDesc struct {
	Name      string
	Dimension TextureDimension
	Width     uint32
	Height    uint32
	/** @brief Depth for 3D textures, array layers otherwise. Zero means 1. */
	DepthOrLayers uint32
	/** @brief Zero means 1. */
	MipLevels   uint32
	SampleCount uint32
	Format      Format
	Usage       TextureUsage
}

// Layers returns DepthOrLayers, treating zero as one.
func (d *TextureDesc) Layers() uint32 {
	if d.DepthOrLayers == 0 {
		return 1
	}
	return d.DepthOrLayers
}

// Mips returns MipLevels, treating zero as one.
func (d *TextureDesc) Mips() uint32 {
	if d.MipLevels == 0 {
		return 1
	}
	return d.MipLevels
}
