package metadata

import "strings"

type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageConstant
	BufferUsageStorage
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageMapRead
	BufferUsageMapWrite
)

// ConstantBufferAlignment is the size granularity of constant buffers.
const ConstantBufferAlignment uint64 = 256

func (u BufferUsage) Has(flags BufferUsage) bool {
	return u&flags == flags
}

func (u BufferUsage) HasAny(flags BufferUsage) bool {
	return u&flags != 0
}

func (u BufferUsage) String() string {
	names := []string{"vertex", "index", "constant", "storage", "copy-src", "copy-dst", "map-read", "map-write"}
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

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Name string
	Size uint64
	// Element stride for structured (storage) views. Zero means a raw byte view.
	Stride uint32
	Usage  BufferUsage
}
