package host

import "golang.org/x/exp/constraints"

// alignUp rounds v up to a multiple of align, which must be a power of 2.
func alignUp[T constraints.Integer](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// isAligned reports whether v is a multiple of align, a power of 2.
func isAligned[T constraints.Integer](v, align T) bool {
	return v&(align-1) == 0
}
