package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

// CheckPow2 returns PowerOfTwoError if number is not a power of two. Zero passes, since
// a zero alignment means "no alignment requested" everywhere in this module.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignPadding returns the number of bytes that must be skipped from address to reach
// the next multiple of alignment. An alignment of 0 never requires padding.
func AlignPadding(address uintptr, alignment uint) int {
	if alignment == 0 {
		return 0
	}
	mask := uintptr(alignment) - 1
	return int(((address + mask) &^ mask) - address)
}
