package memutils

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns PowerOfTwoError, annotated with the provided name, if number is not
// a power of two. Zero is treated as a power of two.
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest value with none of the bits in alignMask set.
// alignMask is an alignment minus one, so an alignment of 16 is expressed as 15. The
// second return value is false if rounding up overflows T.
func AlignUp[T constraints.Unsigned](alignMask T, value T) (T, bool) {
	padded := value + alignMask
	if padded < value {
		return 0, false
	}
	return padded &^ alignMask, true
}

// AlignDown rounds value down to the nearest value with none of the bits in alignMask set.
func AlignDown[T constraints.Unsigned](alignMask T, value T) T {
	return value &^ alignMask
}

// AlignMask converts an alignment in bytes to the mask form accepted by AlignUp and AlignDown.
func AlignMask(alignment uint64) uint64 {
	if alignment == 0 {
		return 0
	}
	return alignment - 1
}

// NextPow2 returns the smallest power of two greater than or equal to value. It returns 1 for 0.
func NextPow2(value uint64) uint64 {
	if value <= 1 {
		return 1
	}
	return 1 << bits.Len64(value-1)
}
