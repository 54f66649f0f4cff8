package metadata

type FilterMode uint8

const (
	FilterNearest FilterMode = iota
	FilterLinear
)

type AddressMode uint8

const (
	AddressRepeat AddressMode = iota
	AddressMirroredRepeat
	AddressClampToEdge
	AddressClampToBorder
)

type CompareFunc uint8

const (
	CompareNever CompareFunc = iota
	CompareLess
	CompareEqual
	CompareLessEqual
	CompareGreater
	CompareNotEqual
	CompareGreaterEqual
	CompareAlways
)

// SamplerDesc describes a sampler to create. Compare is only used when
// Comparison is set.
type SamplerDesc struct {
	Name          string
	MinFilter     FilterMode
	MagFilter     FilterMode
	MipFilter     FilterMode
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	MaxAnisotropy uint32
	Comparison    bool
	Compare       CompareFunc
	MinLOD        float32
	MaxLOD        float32
}
