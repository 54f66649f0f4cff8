package core

import "github.com/google/uuid"

// NewDebugName returns a unique "<prefix>-<uuid>" name for GPU objects
// created without one. Backends forward it to their debug-marker APIs.
func NewDebugName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// DebugNameOr returns name when set, otherwise a fresh debug name.
func DebugNameOr(name, prefix string) string {
	if name != "" {
		return name
	}
	return NewDebugName(prefix)
}
