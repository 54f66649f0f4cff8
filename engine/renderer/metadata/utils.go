package metadata

import "golang.org/x/exp/constraints"

// AlignUp rounds operand up to a multiple of granularity, which must be a power of two.
func AlignUp[T constraints.Unsigned](operand, granularity T) T {
	return (operand + (granularity - 1)) &^ (granularity - 1)
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}
