package pe

import "golang.org/x/exp/constraints"

// AlignUp rounds value up to a multiple of align. An align of zero leaves
// value unchanged.
func AlignUp[T constraints.Integer](value, align T) T {
	if align == 0 {
		return value
	}
	rem := value % align
	if rem == 0 {
		return value
	}
	return value + (align - rem)
}

// AlignDown rounds value down to a multiple of align.
func AlignDown[T constraints.Integer](value, align T) T {
	if align == 0 {
		return value
	}
	return value - value%align
}

// IsPowerOfTwo reports whether v is a nonzero power of two.
func IsPowerOfTwo[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}
