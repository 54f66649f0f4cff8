//go:build vulkan

package vulkan

import (
	"fmt"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

var resultNames = map[vk.Result]string{
	vk.Success:                          "VK_SUCCESS",
	vk.NotReady:                         "VK_NOT_READY",
	vk.Timeout:                          "VK_TIMEOUT",
	vk.EventSet:                         "VK_EVENT_SET",
	vk.EventReset:                       "VK_EVENT_RESET",
	vk.Incomplete:                       "VK_INCOMPLETE",
	vk.Suboptimal:                       "VK_SUBOPTIMAL_KHR",
	vk.ErrorOutOfHostMemory:             "VK_ERROR_OUT_OF_HOST_MEMORY",
	vk.ErrorOutOfDeviceMemory:           "VK_ERROR_OUT_OF_DEVICE_MEMORY",
	vk.ErrorInitializationFailed:        "VK_ERROR_INITIALIZATION_FAILED",
	vk.ErrorDeviceLost:                  "VK_ERROR_DEVICE_LOST",
	vk.ErrorMemoryMapFailed:             "VK_ERROR_MEMORY_MAP_FAILED",
	vk.ErrorLayerNotPresent:             "VK_ERROR_LAYER_NOT_PRESENT",
	vk.ErrorExtensionNotPresent:         "VK_ERROR_EXTENSION_NOT_PRESENT",
	vk.ErrorFeatureNotPresent:           "VK_ERROR_FEATURE_NOT_PRESENT",
	vk.ErrorIncompatibleDriver:          "VK_ERROR_INCOMPATIBLE_DRIVER",
	vk.ErrorTooManyObjects:              "VK_ERROR_TOO_MANY_OBJECTS",
	vk.ErrorFormatNotSupported:          "VK_ERROR_FORMAT_NOT_SUPPORTED",
	vk.ErrorFragmentedPool:              "VK_ERROR_FRAGMENTED_POOL",
	vk.ErrorSurfaceLost:                 "VK_ERROR_SURFACE_LOST_KHR",
	vk.ErrorNativeWindowInUse:           "VK_ERROR_NATIVE_WINDOW_IN_USE_KHR",
	vk.ErrorOutOfDate:                   "VK_ERROR_OUT_OF_DATE_KHR",
	vk.ErrorIncompatibleDisplay:         "VK_ERROR_INCOMPATIBLE_DISPLAY_KHR",
	vk.ErrorOutOfPoolMemory:             "VK_ERROR_OUT_OF_POOL_MEMORY",
	vk.ErrorInvalidExternalHandle:       "VK_ERROR_INVALID_EXTERNAL_HANDLE",
	vk.ErrorFragmentation:               "VK_ERROR_FRAGMENTATION",
	vk.ErrorInvalidDeviceAddress:        "VK_ERROR_INVALID_OPAQUE_CAPTURE_ADDRESS",
	vk.ErrorFullScreenExclusiveModeLost: "VK_ERROR_FULL_SCREEN_EXCLUSIVE_MODE_LOST_EXT",
	vk.ErrorUnknown:                     "VK_ERROR_UNKNOWN",
}

func resultString(res vk.Result) string {
	if name, ok := resultNames[res]; ok {
		return name
	}
	return "VK_RESULT_UNKNOWN"
}

// check turns a failed vk.Result into an error matching the core sentinel
// for its class. Success codes return nil.
func check(res vk.Result, format string, args ...interface{}) error {
	if res >= vk.Success {
		return nil
	}
	var sentinel error
	switch res {
	case vk.ErrorOutOfHostMemory, vk.ErrorOutOfDeviceMemory, vk.ErrorOutOfPoolMemory,
		vk.ErrorFragmentedPool, vk.ErrorFragmentation, vk.ErrorTooManyObjects:
		sentinel = core.ErrResourceExhaustion
	case vk.ErrorDeviceLost, vk.ErrorSurfaceLost:
		sentinel = core.ErrDeviceLost
	case vk.ErrorFormatNotSupported, vk.ErrorFeatureNotPresent, vk.ErrorExtensionNotPresent,
		vk.ErrorLayerNotPresent, vk.ErrorIncompatibleDriver:
		sentinel = core.ErrBackendMismatch
	default:
		sentinel = core.ErrUnknown
	}
	return errors.Wrapf(sentinel, "%s failed with %s", fmt.Sprintf(format, args...), resultString(res))
}

const nul = "\x00"

func safeString(s string) string {
	if len(s) == 0 || s[len(s)-1] != 0 {
		return s + nul
	}
	return s
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = safeString(list[i])
	}
	return out
}

// cString returns the Go string stored in a fixed, NUL-terminated array.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

var formats = map[metadata.Format]vk.Format{
	metadata.FormatUnknown:        vk.FormatUndefined,
	metadata.FormatR8Unorm:        vk.FormatR8Unorm,
	metadata.FormatRGBA8Unorm:     vk.FormatR8g8b8a8Unorm,
	metadata.FormatRGBA8UnormSRGB: vk.FormatR8g8b8a8Srgb,
	metadata.FormatBGRA8Unorm:     vk.FormatB8g8r8a8Unorm,
	metadata.FormatBGRA8UnormSRGB: vk.FormatB8g8r8a8Srgb,
	metadata.FormatRGBA16Float:    vk.FormatR16g16b16a16Sfloat,
	metadata.FormatRGBA32Float:    vk.FormatR32g32b32a32Sfloat,
	metadata.FormatR32Float:       vk.FormatR32Sfloat,
	metadata.FormatR32Uint:        vk.FormatR32Uint,
	metadata.FormatD32Float:       vk.FormatD32Sfloat,
	metadata.FormatD24UnormS8Uint: vk.FormatD24UnormS8Uint,
}

func toVkFormat(f metadata.Format) vk.Format {
	return formats[f]
}

func fromVkFormat(f vk.Format) metadata.Format {
	for m, v := range formats {
		if v == f {
			return m
		}
	}
	return metadata.FormatUnknown
}

func aspectOf(f metadata.Format) vk.ImageAspectFlags {
	switch f {
	case metadata.FormatD32Float:
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	case metadata.FormatD24UnormS8Uint:
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit | vk.ImageAspectStencilBit)
	default:
		return vk.ImageAspectFlags(vk.ImageAspectColorBit)
	}
}

// stateInfo is what a resource state means to a Vulkan barrier.
type stateInfo struct {
	layout vk.ImageLayout
	access vk.AccessFlags
	stages vk.PipelineStageFlags
}

func infoFor(state metadata.ResourceState) stateInfo {
	shaders := vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit)
	switch state {
	case metadata.ResourceStateVertexAndConstant:
		return stateInfo{vk.ImageLayoutUndefined, vk.AccessFlags(vk.AccessVertexAttributeReadBit | vk.AccessUniformReadBit),
			vk.PipelineStageFlags(vk.PipelineStageVertexInputBit) | shaders}
	case metadata.ResourceStateIndex:
		return stateInfo{vk.ImageLayoutUndefined, vk.AccessFlags(vk.AccessIndexReadBit), vk.PipelineStageFlags(vk.PipelineStageVertexInputBit)}
	case metadata.ResourceStateRenderTarget:
		return stateInfo{vk.ImageLayoutColorAttachmentOptimal, vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit),
			vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)}
	case metadata.ResourceStateUnorderedAccess:
		return stateInfo{vk.ImageLayoutGeneral, vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit), shaders}
	case metadata.ResourceStateDepthWrite:
		return stateInfo{vk.ImageLayoutDepthStencilAttachmentOptimal,
			vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit),
			vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit)}
	case metadata.ResourceStateDepthRead:
		return stateInfo{vk.ImageLayoutDepthStencilReadOnlyOptimal, vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit),
			vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit)}
	case metadata.ResourceStateShaderResource:
		return stateInfo{vk.ImageLayoutShaderReadOnlyOptimal, vk.AccessFlags(vk.AccessShaderReadBit), shaders}
	case metadata.ResourceStateCopySrc:
		return stateInfo{vk.ImageLayoutTransferSrcOptimal, vk.AccessFlags(vk.AccessTransferReadBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit)}
	case metadata.ResourceStateCopyDst:
		return stateInfo{vk.ImageLayoutTransferDstOptimal, vk.AccessFlags(vk.AccessTransferWriteBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit)}
	case metadata.ResourceStatePresent:
		return stateInfo{vk.ImageLayoutPresentSrc, 0, vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)}
	default:
		return stateInfo{vk.ImageLayoutGeneral, vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
			vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)}
	}
}

func stageFlags(s metadata.ShaderStage) vk.ShaderStageFlags {
	var flags vk.ShaderStageFlagBits
	if s&metadata.ShaderStageVertex != 0 {
		flags |= vk.ShaderStageVertexBit
	}
	if s&metadata.ShaderStagePixel != 0 {
		flags |= vk.ShaderStageFragmentBit
	}
	if s&metadata.ShaderStageCompute != 0 {
		flags |= vk.ShaderStageComputeBit
	}
	if flags == 0 {
		flags = vk.ShaderStageAll
	}
	return vk.ShaderStageFlags(flags)
}

func clamp(v, lo, hi uint32) uint32 {
	return max(lo, min(v, hi))
}
