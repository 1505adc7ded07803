package platform

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when an allocation would exceed the heap size limit
	ErrOutOfMemory = errors.New("out of host memory")
	// ErrUnknownBlock is returned when freeing a block this allocator did not hand out,
	// or has already freed
	ErrUnknownBlock = errors.New("block was not allocated by this allocator")
)
