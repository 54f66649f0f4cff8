package metadata

// HeapKind is the kind of descriptor a heap stores.
type HeapKind uint8

const (
	/** @brief Buffer and texture views (CBV/SRV/UAV). */
	HeapResource HeapKind = iota
	/** @brief Samplers. */
	HeapSampler
	/** @brief Render target views. Never shader-visible. */
	HeapRenderTarget
	/** @brief Depth/stencil views. Never shader-visible. */
	HeapDepthStencil
	HeapKindCount
)

func (k HeapKind) String() string {
	switch k {
	case HeapResource:
		return "resource"
	case HeapSampler:
		return "sampler"
	case HeapRenderTarget:
		return "render-target"
	case HeapDepthStencil:
		return "depth-stencil"
	default:
		return "unknown"
	}
}

// CanBeShaderVisible reports whether heaps of this kind may be bound for shader access.
func (k HeapKind) CanBeShaderVisible() bool {
	return k == HeapResource || k == HeapSampler
}

// ResourceKind tags what a bindless handle refers to.
type ResourceKind uint8

const (
	ResourceInvalid ResourceKind = iota
	ResourceBuffer
	ResourceTexture
	ResourceSampler
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceBuffer:
		return "buffer"
	case ResourceTexture:
		return "texture"
	case ResourceSampler:
		return "sampler"
	default:
		return "invalid"
	}
}

// HeapKind returns the heap kind that stores views of this resource kind.
func (k ResourceKind) HeapKind() HeapKind {
	if k == ResourceSampler {
		return HeapSampler
	}
	return HeapResource
}
