package guard

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrUnknownPointer is returned when freeing a pointer the guarded allocator did not
// hand out, or has already freed
var ErrUnknownPointer = errors.New("pointer was not allocated by this guarded allocator")

// Region identifies which part of a guarded allocation failed validation
type Region uint32

const (
	// RegionAlignment indicates that the user pointer was not on an ExtraAlign boundary,
	// so it cannot have come from Wrap
	RegionAlignment Region = iota
	// RegionBounds indicates that the user pointer, or the size recorded in the header,
	// places an envelope outside the allocation
	RegionBounds
	// RegionMetadata indicates that the size or base address recorded in the header and
	// footer disagree with each other or with the allocation
	RegionMetadata
	// RegionHeaderFront is the sentinel run at the very start of the header
	RegionHeaderFront
	// RegionHeaderBack is the sentinel run immediately before the user data
	RegionHeaderBack
	// RegionFooterFront is the sentinel run immediately after the user data
	RegionFooterFront
	// RegionFooterBack is the sentinel run at the very end of the footer
	RegionFooterBack
)

var regionMapping = map[Region]string{
	RegionAlignment:   "Alignment",
	RegionBounds:      "Bounds",
	RegionMetadata:    "Metadata",
	RegionHeaderFront: "HeaderFront",
	RegionHeaderBack:  "HeaderBack",
	RegionFooterFront: "FooterFront",
	RegionFooterBack:  "FooterBack",
}

func (r Region) String() string {
	return regionMapping[r]
}

// CorruptionError describes the first guard violation found in a guarded allocation.
// For sentinel regions, Offset is the index of the first bad byte within the region and
// Expected/Actual are that byte's fill value and current value.
type CorruptionError struct {
	Region   Region
	Offset   int
	Expected byte
	Actual   byte
	Detail   string
}

func (e *CorruptionError) Error() string {
	switch e.Region {
	case RegionHeaderFront, RegionHeaderBack, RegionFooterFront, RegionFooterBack:
		return fmt.Sprintf("memory corruption detected in %s sentinel at byte %d: expected %#02x, found %#02x",
			e.Region, e.Offset, e.Expected, e.Actual)
	}

	return fmt.Sprintf("memory corruption detected (%s): %s", e.Region, e.Detail)
}
