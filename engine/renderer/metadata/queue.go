package metadata

// WorkClass is the kind of work a queue executes and a command context records.
type WorkClass uint8

const (
	WorkClassGraphics WorkClass = iota
	WorkClassCompute
	WorkClassCopy
	WorkClassCount
)

func (w WorkClass) String() string {
	switch w {
	case WorkClassGraphics:
		return "graphics"
	case WorkClassCompute:
		return "compute"
	case WorkClassCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// BackendKind identifies the driver API behind a backend adapter.
type BackendKind uint8

const (
	BackendMock BackendKind = iota
	BackendVulkan
	BackendDirectX12
)

func (b BackendKind) String() string {
	switch b {
	case BackendMock:
		return "mock"
	case BackendVulkan:
		return "vulkan"
	case BackendDirectX12:
		return "directx12"
	default:
		return "unknown"
	}
}

// ResourceState is the usage state a resource is transitioned into by a barrier.
type ResourceState uint16

const (
	ResourceStateCommon ResourceState = iota
	ResourceStateVertexAndConstant
	ResourceStateIndex
	ResourceStateRenderTarget
	ResourceStateUnorderedAccess
	ResourceStateDepthWrite
	ResourceStateDepthRead
	ResourceStateShaderResource
	ResourceStateCopySrc
	ResourceStateCopyDst
	ResourceStatePresent
)
