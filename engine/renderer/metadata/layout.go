package metadata

// ParamKind is how a pipeline-layout parameter is delivered to shaders.
type ParamKind uint8

const (
	/** @brief Inline 32-bit values written straight into the command stream. */
	ParamRootConstants ParamKind = iota
	/** @brief A single buffer bound by address, no table. */
	ParamRootDescriptor
	/** @brief One or more descriptors read from a GPU-visible table. */
	ParamDescriptorTable
)

func (k ParamKind) String() string {
	switch k {
	case ParamRootConstants:
		return "root-constants"
	case ParamRootDescriptor:
		return "root-descriptor"
	case ParamDescriptorTable:
		return "descriptor-table"
	default:
		return "unknown"
	}
}

// BindingType is the kind of view a root descriptor or table slot expects.
type BindingType uint8

const (
	BindingConstantBuffer BindingType = iota
	BindingBuffer
	BindingStorageBuffer
	BindingTexture
	BindingStorageTexture
	BindingSampler
)

func (b BindingType) String() string {
	switch b {
	case BindingConstantBuffer:
		return "constant-buffer"
	case BindingBuffer:
		return "buffer"
	case BindingStorageBuffer:
		return "storage-buffer"
	case BindingTexture:
		return "texture"
	case BindingStorageTexture:
		return "storage-texture"
	case BindingSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// HeapKind returns the heap a view of this binding type lives in.
func (b BindingType) HeapKind() HeapKind {
	if b == BindingSampler {
		return HeapSampler
	}
	return HeapResource
}

// IsBuffer reports whether the binding takes a buffer view.
func (b BindingType) IsBuffer() bool {
	return b == BindingConstantBuffer || b == BindingBuffer || b == BindingStorageBuffer
}

// LayoutParam is one parameter of a pipeline layout.
type LayoutParam struct {
	Kind ParamKind
	// Binding is ignored for root constants.
	Binding  BindingType
	Register uint32
	Space    uint32
	// Number of consecutive table slots. Zero means 1. Only for tables.
	Count uint32
	// Number of 32-bit values. Only for root constants.
	Num32BitValues uint32
	// Marks the root-constant parameter that receives the bindless index struct.
	Bindless   bool
	Visibility ShaderStage
}

// Slots returns the number of descriptor slots the parameter consumes.
func (p *LayoutParam) Slots() uint32 {
	if p.Kind != ParamDescriptorTable {
		return 0
	}
	if p.Count == 0 {
		return 1
	}
	return p.Count
}

// PipelineLayoutDesc describes the parameters a pipeline reads.
type PipelineLayoutDesc struct {
	Name   string
	Params []LayoutParam
}

// BindlessParam returns the index of the bindless root-constant parameter, or -1.
func (d *PipelineLayoutDesc) BindlessParam() int {
	for i := range d.Params {
		if d.Params[i].Kind == ParamRootConstants && d.Params[i].Bindless {
			return i
		}
	}
	return -1
}

// MaxRootConstants is the largest number of 32-bit values a single
// root-constant parameter may declare.
const MaxRootConstants = 64
