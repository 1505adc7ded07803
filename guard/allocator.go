package guard

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/platform"
)

type allocation struct {
	block  []byte
	size   int
	offset int
}

func (a allocation) user() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(a.block)), a.offset)
}

// Allocator hands out guarded allocations drawn from a platform allocator. Every live
// allocation is wrapped in a header and footer that are validated when it is freed.
//
// Allocator is not synchronized.
type Allocator struct {
	source platform.Allocator
	live   *swiss.Map[uintptr, allocation]

	allocationBytes int
}

// NewAllocator creates an Allocator that requests its blocks from source
func NewAllocator(source platform.Allocator) *Allocator {
	return &Allocator{
		source: source,
		live:   swiss.NewMap[uintptr, allocation](42),
	}
}

// Allocate returns a pointer to size bytes of uninitialized memory aligned to alignment,
// or to ExtraAlign if that is larger
func (a *Allocator) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("attempted to allocate a guarded allocation of negative size %d", size)
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	block, err := a.source.Allocate(WrappedSizeAligned(size, alignment))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a guarded allocation of %d bytes", size)
	}

	user, err := WrapAligned(block, size, alignment)
	if err != nil {
		return nil, errors.CombineErrors(err, a.source.Free(block))
	}

	a.live.Put(uintptr(user), allocation{
		block:  block,
		size:   size,
		offset: int(uintptr(user) - blockAddress(block)),
	})
	a.allocationBytes += size

	return user, nil
}

// Free validates the envelopes around ptr and, if they are intact, returns the block to
// the platform allocator. A damaged envelope is reported as a *CorruptionError and the
// block is left allocated.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if uintptr(ptr)%uintptr(ExtraAlign) != 0 {
		return &CorruptionError{
			Region: RegionAlignment,
			Detail: errors.Newf("freed pointer %p is not aligned to %d bytes", ptr, ExtraAlign).Error(),
		}
	}

	address := uintptr(ptr)
	alloc, ok := a.live.Get(address)
	if !ok {
		return errors.Wrapf(ErrUnknownPointer, "freeing pointer %p", ptr)
	}

	_, size, err := UnwrapAndValidate(ptr, alloc.block)
	if err != nil {
		return err
	}
	if size != alloc.size {
		return &CorruptionError{
			Region: RegionMetadata,
			Detail: errors.Newf("envelopes record size %d but %d bytes were allocated", size, alloc.size).Error(),
		}
	}

	a.live.Delete(address)
	a.allocationBytes -= size

	return a.source.Free(alloc.block)
}

// Find returns the user size of the live allocation at ptr
func (a *Allocator) Find(ptr unsafe.Pointer) (int, bool) {
	alloc, ok := a.live.Get(uintptr(ptr))
	if !ok {
		return 0, false
	}

	return alloc.size, true
}

// CheckCorruption validates the envelopes of every live allocation and returns the
// first violation found
func (a *Allocator) CheckCorruption() error {
	var err error
	a.live.Iter(func(address uintptr, alloc allocation) bool {
		var size int
		_, size, err = UnwrapAndValidate(alloc.user(), alloc.block)
		if err == nil && size != alloc.size {
			err = &CorruptionError{
				Region: RegionMetadata,
				Detail: errors.Newf("envelopes around %#x record size %d but %d bytes were allocated", address, size, alloc.size).Error(),
			}
		}
		return err != nil
	})

	return err
}

// AllocationCount returns the number of live allocations
func (a *Allocator) AllocationCount() int {
	return a.live.Count()
}

// AllocationBytes returns the sum of the user sizes of all live allocations
func (a *Allocator) AllocationBytes() int {
	return a.allocationBytes
}

// VisitAllocations calls visit once for every live allocation with the user address, the
// user size and the size of the platform block backing it. visit must not allocate or
// free through this allocator.
func (a *Allocator) VisitAllocations(visit func(address uintptr, size int, blockSize int)) {
	a.live.Iter(func(address uintptr, alloc allocation) bool {
		visit(address, alloc.size, len(alloc.block))
		return false
	})
}

// AddDetailedStatistics sums the live allocations into stats. Every platform block is
// counted as a block, and the envelopes and alignment slack around each allocation are
// counted as an unused range.
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.VisitAllocations(func(address uintptr, size int, blockSize int) {
		stats.AddBlock(blockSize)
		stats.AddAllocation(size)
		stats.AddUnusedRange(blockSize - size)
	})
}

// Validate checks the running byte total against the live allocations
func (a *Allocator) Validate() error {
	var bytes int
	a.VisitAllocations(func(address uintptr, size int, blockSize int) {
		bytes += size
	})

	if bytes != a.allocationBytes {
		return errors.Newf("the guarded allocator lists %d live bytes, but %d are registered", a.allocationBytes, bytes)
	}

	return nil
}
