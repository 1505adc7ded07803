package hostmem

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostmem/guard"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/platform"
	"golang.org/x/exp/slog"
)

// persistentStrategy serves every kind that is not temp. It is chosen once when the
// Memory is created.
type persistentStrategy interface {
	Allocate(size int, alignment uint) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer) error
	CheckCorruption() error
	Validate() error
	AllocationCount() int
	VisitAllocations(visit func(address uintptr, size int, blockSize int))
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
}

// heapStrategy hands platform blocks straight to the consumer. It keeps its own registry
// so that temp arena chunks, which come from the same heap, are never mistaken for
// persistent allocations.
type heapStrategy struct {
	heap *platform.HeapAllocator
	live *swiss.Map[uintptr, []byte]

	allocationBytes int
}

var _ persistentStrategy = &heapStrategy{}
var _ persistentStrategy = &guard.Allocator{}

func newHeapStrategy(heap *platform.HeapAllocator) *heapStrategy {
	return &heapStrategy{
		heap: heap,
		live: swiss.NewMap[uintptr, []byte](42),
	}
}

func (s *heapStrategy) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	block, err := s.heap.AllocateAligned(size, alignment)
	if err != nil {
		return nil, err
	}

	memory := unsafe.Pointer(unsafe.SliceData(block))
	s.live.Put(uintptr(memory), block)
	s.allocationBytes += size

	return memory, nil
}

func (s *heapStrategy) Free(ptr unsafe.Pointer) error {
	registered, ok := s.live.Get(uintptr(ptr))
	if !ok {
		return errors.Wrapf(platform.ErrUnknownBlock, "freeing persistent pointer %p", ptr)
	}

	block, ok := s.heap.Find(ptr)
	if !ok {
		return errors.AssertionFailedf("persistent pointer %p is registered but its heap block is gone", ptr)
	}

	err := s.heap.Free(block)
	if err != nil {
		return err
	}

	s.live.Delete(uintptr(ptr))
	s.allocationBytes -= len(registered)

	return nil
}

func (s *heapStrategy) CheckCorruption() error {
	return nil
}

func (s *heapStrategy) Validate() error {
	var bytes int
	var err error
	s.live.Iter(func(address uintptr, registered []byte) bool {
		bytes += len(registered)

		block, ok := s.heap.Find(unsafe.Pointer(unsafe.SliceData(registered)))
		if !ok {
			err = errors.Newf("persistent allocation at %#x has no heap block", address)
			return true
		}
		if len(block) != len(registered) {
			err = errors.Newf("persistent allocation at %#x lists %d bytes, but its heap block holds %d", address, len(registered), len(block))
			return true
		}

		return false
	})
	if err != nil {
		return err
	}

	if bytes != s.allocationBytes {
		return errors.Newf("the persistent heap lists %d live bytes, but %d are registered", s.allocationBytes, bytes)
	}

	return nil
}

func (s *heapStrategy) AllocationCount() int {
	return s.live.Count()
}

func (s *heapStrategy) VisitAllocations(visit func(address uintptr, size int, blockSize int)) {
	s.live.Iter(func(address uintptr, block []byte) bool {
		visit(address, len(block), len(block))
		return false
	})
}

func (s *heapStrategy) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	s.VisitAllocations(func(address uintptr, size int, blockSize int) {
		stats.AddBlock(blockSize)
		stats.AddAllocation(size)
	})
}

func logUnreleasedAllocations(logger *slog.Logger, strategy persistentStrategy) int {
	var count int
	strategy.VisitAllocations(func(address uintptr, size int, blockSize int) {
		count++
		logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed persistent allocation",
			slog.String("address", fmt.Sprintf("%#x", address)),
			slog.Int("size", size),
			slog.Int("blockSize", blockSize),
		)
	})

	return count
}
