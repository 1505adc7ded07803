package hostmem

import (
	"bytes"
	"unsafe"
)

func byteView(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

// Clear zeroes size bytes starting at dst
func Clear(dst unsafe.Pointer, size int64) {
	if size <= 0 {
		return
	}

	clear(byteView(dst, int(size)))
}

// Copy copies count bytes from src to dst. The ranges may overlap.
func Copy(dst, src unsafe.Pointer, count int64) {
	if count <= 0 {
		return
	}

	copy(byteView(dst, int(count)), byteView(src, int(count)))
}

// Move copies size bytes from src to dst, handling overlapping ranges
func Move(dst, src unsafe.Pointer, size int64) {
	Copy(dst, src, size)
}

// CopyStrided copies count elements of elementSize bytes from src to dst, stepping
// srcStride bytes between source elements and dstStride bytes between destination
// elements. When both strides equal elementSize this is a single flat copy.
func CopyStrided(dst unsafe.Pointer, dstStride int, src unsafe.Pointer, srcStride int, elementSize int, count int64) {
	if count <= 0 || elementSize <= 0 {
		return
	}

	if dstStride == elementSize && srcStride == elementSize {
		Copy(dst, src, count*int64(elementSize))
		return
	}

	for i := int64(0); i < count; i++ {
		copy(byteView(dst, elementSize), byteView(src, elementSize))
		dst = unsafe.Add(dst, dstStride)
		src = unsafe.Add(src, srcStride)
	}
}

// Compare compares size bytes at p1 and p2 in memcmp order, returning -1, 0 or +1
func Compare(p1, p2 unsafe.Pointer, size int64) int {
	if size <= 0 {
		return 0
	}

	return bytes.Compare(byteView(p1, int(size)), byteView(p2, int(size)))
}

// Replicate fills dst with count back-to-back copies of the elementSize bytes at src.
// src must not overlap dst.
func Replicate(dst, src unsafe.Pointer, elementSize int, count int) {
	if elementSize <= 0 || count <= 0 {
		return
	}

	total := elementSize * count
	out := byteView(dst, total)

	// Each pass doubles the filled prefix
	filled := copy(out, byteView(src, elementSize))
	for filled < total {
		filled += copy(out[filled:], out[:filled])
	}
}
