// Package bindless hands out stable integer handles into global,
// shader-visible resource tables.
package bindless

import (
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// InvalidIndex is the index shaders receive for an absent resource.
const InvalidIndex = ^uint32(0)

// Handle is a value-type reference to one slot of a bindless table. A handle
// is current while its (Index, Version, Kind, Writable) matches the registry;
// a copy kept past DiscardBindlessHandle is stale.
type Handle struct {
	Index    uint32
	Kind     metadata.ResourceKind
	Writable bool
	Version  uint32
}

// Invalid is the zero handle.
var Invalid = Handle{Index: InvalidIndex}

func (h Handle) IsValid() bool {
	return h.Kind != metadata.ResourceInvalid && h.Index != InvalidIndex
}

// ShaderIndex is the value pushed to shaders: the slot index, or
// InvalidIndex for an invalid handle.
func (h Handle) ShaderIndex() uint32 {
	if !h.IsValid() {
		return InvalidIndex
	}
	return h.Index
}

func (h Handle) String() string {
	if !h.IsValid() {
		return "bindless(invalid)"
	}
	access := "ro"
	if h.Writable {
		access = "rw"
	}
	return fmt.Sprintf("bindless(%s/%s #%d v%d)", h.Kind, access, h.Index, h.Version)
}
