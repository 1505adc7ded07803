package hostmem

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// SizeOf returns the size in bytes of a T
func SizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// AlignOf returns the alignment in bytes that a T requires
func AlignOf[T any]() int {
	var zero T
	return int(unsafe.Alignof(zero))
}

// ReadElement reads the T at index in a packed array of T starting at src
func ReadElement[T any](src unsafe.Pointer, index int) T {
	return *(*T)(unsafe.Add(src, index*SizeOf[T]()))
}

// ReadElementWithStride reads the T at index in an array starting at src whose elements
// are stride bytes apart
func ReadElementWithStride[T any](src unsafe.Pointer, index int, stride int) T {
	return *(*T)(unsafe.Add(src, index*stride))
}

// WriteElement writes value at index in a packed array of T starting at dst
func WriteElement[T any](dst unsafe.Pointer, index int, value T) {
	*(*T)(unsafe.Add(dst, index*SizeOf[T]())) = value
}

// WriteElementWithStride writes value at index in an array starting at dst whose elements
// are stride bytes apart
func WriteElementWithStride[T any](dst unsafe.Pointer, index int, stride int, value T) {
	*(*T)(unsafe.Add(dst, index*stride)) = value
}

// AllocateSlice allocates room for count values of T from m and returns it as a slice.
// The memory is not initialized and follows the lifetime rules of kind. T must not
// contain Go pointers: the garbage collector does not scan this memory.
func AllocateSlice[T any](m *Memory, count int, kind AllocatorKind) ([]T, error) {
	if count < 0 {
		return nil, errors.Newf("attempted to allocate a slice of %d elements", count)
	}
	elementSize := SizeOf[T]()
	if elementSize > 0 && count > math.MaxInt/elementSize {
		return nil, errors.Newf("a slice of %d elements of %d bytes overflows", count, elementSize)
	}

	ptr, err := m.Allocate(int64(count*elementSize), AlignOf[T](), kind)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*T)(ptr), count), nil
}
