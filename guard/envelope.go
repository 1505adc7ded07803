// Package guard wraps heap allocations in sentinel envelopes so that out-of-bounds writes
// are caught when the allocation is freed.
//
// A guarded allocation is laid out as
//
//	[slack][header][user data][footer][slack]
//
// The slack in front is whatever it takes to align the user data, which is never less
// aligned than ExtraAlign.
//
// where each envelope holds a front sentinel run, a metadata run recording the requested
// size and the block's base address, and a back sentinel run. The header and footer use
// different fill values, and so do the front and back runs of each, so a report names
// where the overwrite landed.
package guard

import (
	"encoding/binary"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/memutils"
)

const (
	sentinelSize = 64

	// EnvelopeSize is the size in bytes of both the header and the footer
	EnvelopeSize int = 3 * sentinelSize
	// ExtraAlign is the minimum alignment of the header, and so of the user data that
	// follows it. The alignment is requested on top of the envelopes so the header can
	// always be aligned within the block.
	ExtraAlign uint = 64

	// blockFill is written across the whole block before the envelopes
	blockFill byte = 0xbc

	metadataOffset = sentinelSize
	backOffset     = 2 * sentinelSize
)

type envelopeFill struct {
	front    byte
	metadata byte
	back     byte
}

var (
	headerFill = envelopeFill{front: 0xf1, metadata: 0xf3, back: 0xf2}
	footerFill = envelopeFill{front: 0xa1, metadata: 0xa3, back: 0xa2}
)

// WrappedSize returns the number of bytes that must be requested from the platform to
// hold a guarded allocation of size bytes
func WrappedSize(size int) int {
	return WrappedSizeAligned(size, ExtraAlign)
}

// WrappedSizeAligned returns the number of bytes that must be requested from the platform
// to hold a guarded allocation of size bytes whose user data is aligned to alignment.
// Alignments below ExtraAlign are raised to it.
func WrappedSizeAligned(size int, alignment uint) int {
	return size + 2*EnvelopeSize + int(max(alignment, ExtraAlign))
}

// userOffset returns the offset within a block starting at base of user data aligned to
// alignment, leaving room for a header in front of it
func userOffset(base uintptr, alignment uint) int {
	return EnvelopeSize + memutils.AlignPadding(base+uintptr(EnvelopeSize), max(alignment, ExtraAlign))
}

func blockAddress(block []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(block)))
}

func fill(region []byte, value byte) {
	for i := range region {
		region[i] = value
	}
}

func writeEnvelope(envelope []byte, pattern envelopeFill, size int, base uintptr) {
	fill(envelope[:metadataOffset], pattern.front)
	fill(envelope[metadataOffset:backOffset], pattern.metadata)
	fill(envelope[backOffset:], pattern.back)

	binary.LittleEndian.PutUint64(envelope[metadataOffset:], uint64(int64(size)))
	binary.LittleEndian.PutUint64(envelope[metadataOffset+8:], uint64(base))
}

func readEnvelope(envelope []byte) (size int64, base uintptr) {
	size = int64(binary.LittleEndian.Uint64(envelope[metadataOffset:]))
	base = uintptr(binary.LittleEndian.Uint64(envelope[metadataOffset+8:]))
	return size, base
}

// Wrap lays out a guarded allocation of size bytes inside block and returns a pointer to
// the first byte of user data. block must be at least WrappedSize(size) bytes and must
// not move for as long as the allocation is live.
func Wrap(block []byte, size int) (unsafe.Pointer, error) {
	return WrapAligned(block, size, ExtraAlign)
}

// WrapAligned is Wrap for user data aligned to alignment, which must be 0 or a power of
// two. block must be at least WrappedSizeAligned(size, alignment) bytes.
func WrapAligned(block []byte, size int, alignment uint) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("attempted to wrap an allocation of negative size %d", size)
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	if len(block) < WrappedSizeAligned(size, alignment) {
		return nil, errors.Newf("a guarded allocation of %d bytes requires a %d byte block, but the block is %d bytes",
			size, WrappedSizeAligned(size, alignment), len(block))
	}

	fill(block, blockFill)

	base := blockAddress(block)
	offset := userOffset(base, alignment)

	writeEnvelope(block[offset-EnvelopeSize:offset], headerFill, size, base)
	writeEnvelope(block[offset+size:offset+size+EnvelopeSize], footerFill, size, base)

	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(block)), offset), nil
}

func checkSentinel(region []byte, value byte, which Region) error {
	for i, b := range region {
		if b != value {
			return &CorruptionError{
				Region:   which,
				Offset:   i,
				Expected: value,
				Actual:   b,
			}
		}
	}

	return nil
}

// UnwrapAndValidate locates the header and footer around user, which must have been
// returned by Wrap for block, and checks that both envelopes are intact. It returns the
// base address recorded in the envelopes and the size originally requested.
//
// Every read is bounded by block, so a corrupted size can never lead outside the
// allocation. Any violation is reported as a *CorruptionError.
func UnwrapAndValidate(user unsafe.Pointer, block []byte) (base uintptr, size int, err error) {
	if uintptr(user)%uintptr(ExtraAlign) != 0 {
		return 0, 0, &CorruptionError{
			Region: RegionAlignment,
			Detail: errors.Newf("user pointer %p is not aligned to %d bytes", user, ExtraAlign).Error(),
		}
	}

	blockBase := blockAddress(block)
	if uintptr(user) < blockBase+uintptr(EnvelopeSize) || uintptr(user) > blockBase+uintptr(len(block)) {
		return 0, 0, &CorruptionError{
			Region: RegionBounds,
			Detail: errors.Newf("user pointer %p does not follow a header inside the %d byte block at %#x", user, len(block), blockBase).Error(),
		}
	}

	offset := int(uintptr(user) - blockBase)
	header := block[offset-EnvelopeSize : offset]
	headerSize, headerBase := readEnvelope(header)

	if headerSize < 0 || headerSize > int64(len(block)-offset-EnvelopeSize) {
		return 0, 0, &CorruptionError{
			Region: RegionBounds,
			Detail: errors.Newf("header records size %d, which places the footer outside the %d byte block", headerSize, len(block)).Error(),
		}
	}

	footerOffset := offset + int(headerSize)
	footer := block[footerOffset : footerOffset+EnvelopeSize]
	footerSize, footerBase := readEnvelope(footer)

	if headerSize != footerSize {
		return 0, 0, &CorruptionError{
			Region: RegionMetadata,
			Detail: errors.Newf("header records size %d but footer records size %d", headerSize, footerSize).Error(),
		}
	}
	if headerBase != footerBase {
		return 0, 0, &CorruptionError{
			Region: RegionMetadata,
			Detail: errors.Newf("header records base %#x but footer records base %#x", headerBase, footerBase).Error(),
		}
	}
	if headerBase != blockBase {
		return 0, 0, &CorruptionError{
			Region: RegionMetadata,
			Detail: errors.Newf("envelopes record base %#x but the block starts at %#x", headerBase, blockBase).Error(),
		}
	}

	err = checkSentinel(header[:metadataOffset], headerFill.front, RegionHeaderFront)
	if err != nil {
		return 0, 0, err
	}
	err = checkSentinel(header[backOffset:], headerFill.back, RegionHeaderBack)
	if err != nil {
		return 0, 0, err
	}
	err = checkSentinel(footer[:metadataOffset], footerFill.front, RegionFooterFront)
	if err != nil {
		return 0, 0, err
	}
	err = checkSentinel(footer[backOffset:], footerFill.back, RegionFooterBack)
	if err != nil {
		return 0, 0, err
	}

	return headerBase, int(headerSize), nil
}
