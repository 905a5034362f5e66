package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// IsPow2 returns true if value is a positive power of two
func IsPow2[T Number](value T) bool {
	return value > 0 && value&(value-1) == 0
}

func AlignUp(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return value & int(^(alignment - 1))
}

// AlignArbitrary rounds value up to the next multiple of alignment, which does not
// need to be a power of two
func AlignArbitrary(value int, alignment int) int {
	if alignment <= 1 {
		return value
	}
	return ((value + alignment - 1) / alignment) * alignment
}

// DivideAndRoundUp returns ceil(value / divisor) for non-negative operands
func DivideAndRoundUp[T Number](value, divisor T) T {
	return (value + divisor - 1) / divisor
}

// Log2Ceil returns ceil(log2(value)). Values of 0 and 1 both return 0.
func Log2Ceil(value uint64) int {
	if value <= 1 {
		return 0
	}
	return 64 - bits.LeadingZeros64(value-1)
}

// Log2Floor returns floor(log2(value)). A value of 0 returns 0.
func Log2Floor(value uint64) int {
	if value == 0 {
		return 0
	}
	return 63 - bits.LeadingZeros64(value)
}

// NextPow2 rounds value up to the nearest power of two. Values of 0 and 1 both return 1.
func NextPow2(value uint64) uint64 {
	return 1 << Log2Ceil(value)
}
