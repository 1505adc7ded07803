package guard_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/guard"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/platform"
	mock_platform "github.com/vkngwrapper/hostmem/platform/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newGuarded(t *testing.T) (*guard.Allocator, *platform.HeapAllocator) {
	heap, err := platform.NewHeapAllocator(slog.Default(), platform.CreateOptions{})
	require.NoError(t, err)
	return guard.NewAllocator(heap), heap
}

func TestAllocatorRoundTrip(t *testing.T) {
	allocator, heap := newGuarded(t)

	ptr, err := allocator.Allocate(100, 0)
	require.NoError(t, err)
	require.Zero(t, uintptr(ptr)%uintptr(guard.ExtraAlign))
	require.Equal(t, 1, allocator.AllocationCount())
	require.Equal(t, 100, allocator.AllocationBytes())
	require.Equal(t, guard.WrappedSize(100), heap.BlockBytes())

	size, ok := allocator.Find(ptr)
	require.True(t, ok)
	require.Equal(t, 100, size)

	data := unsafe.Slice((*byte)(ptr), 100)
	for i := range data {
		data[i] = 0xff
	}
	require.NoError(t, allocator.CheckCorruption())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Free(ptr))
	require.Zero(t, allocator.AllocationCount())
	require.Zero(t, heap.BlockCount())

	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, guard.ErrUnknownPointer))
}

func TestAllocatorLargeAlignment(t *testing.T) {
	allocator, heap := newGuarded(t)

	var ptrs []unsafe.Pointer
	for _, alignment := range []uint{128, 256, 1024} {
		ptr, err := allocator.Allocate(40, alignment)
		require.NoError(t, err)
		require.Zero(t, uintptr(ptr)%uintptr(alignment), "alignment %d", alignment)

		data := unsafe.Slice((*byte)(ptr), 40)
		for i := range data {
			data[i] = byte(i)
		}
		ptrs = append(ptrs, ptr)
	}

	require.Equal(t, guard.WrappedSizeAligned(40, 128)+guard.WrappedSizeAligned(40, 256)+guard.WrappedSizeAligned(40, 1024), heap.BlockBytes())
	require.NoError(t, allocator.CheckCorruption())
	require.NoError(t, allocator.Validate())

	for _, ptr := range ptrs {
		require.NoError(t, allocator.Free(ptr))
	}
	require.Zero(t, heap.BlockCount())

	_, err := allocator.Allocate(40, 48)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Zero(t, heap.BlockCount())
}

func TestAllocatorCorruptionKeepsBlock(t *testing.T) {
	allocator, heap := newGuarded(t)

	ptr, err := allocator.Allocate(16, 0)
	require.NoError(t, err)

	data := unsafe.Slice((*byte)(ptr), 17)
	data[16] = 0

	err = allocator.CheckCorruption()
	var corruption *guard.CorruptionError
	require.True(t, errors.As(err, &corruption))
	require.Equal(t, guard.RegionFooterFront, corruption.Region)

	err = allocator.Free(ptr)
	require.True(t, errors.As(err, &corruption))
	require.Equal(t, 1, allocator.AllocationCount())
	require.Equal(t, 1, heap.BlockCount())
}

func TestAllocatorMisalignedFree(t *testing.T) {
	allocator, _ := newGuarded(t)

	ptr, err := allocator.Allocate(16, 0)
	require.NoError(t, err)

	err = allocator.Free(unsafe.Add(ptr, 8))
	var corruption *guard.CorruptionError
	require.True(t, errors.As(err, &corruption))
	require.Equal(t, guard.RegionAlignment, corruption.Region)
	require.Equal(t, 1, allocator.AllocationCount())
}

func TestAllocatorSourceFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_platform.NewMockAllocator(ctrl)
	source.EXPECT().Allocate(guard.WrappedSize(32)).Return(nil, platform.ErrOutOfMemory)

	allocator := guard.NewAllocator(source)
	ptr, err := allocator.Allocate(32, 0)
	require.True(t, ptr == nil)
	require.True(t, errors.Is(err, platform.ErrOutOfMemory))
	require.Zero(t, allocator.AllocationCount())

	_, err = allocator.Allocate(-1, 0)
	require.Error(t, err)
}

func TestAllocatorReturnsBlockToSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_platform.NewMockAllocator(ctrl)

	var block []byte
	source.EXPECT().Allocate(guard.WrappedSize(8)).DoAndReturn(func(size int) ([]byte, error) {
		block = make([]byte, size)
		return block, nil
	})

	allocator := guard.NewAllocator(source)
	ptr, err := allocator.Allocate(8, 0)
	require.NoError(t, err)

	source.EXPECT().Free(gomock.Any()).DoAndReturn(func(freed []byte) error {
		require.Same(t, &block[0], &freed[0])
		return nil
	})
	require.NoError(t, allocator.Free(ptr))
}

func TestAllocatorStatistics(t *testing.T) {
	allocator, _ := newGuarded(t)

	_, err := allocator.Allocate(10, 0)
	require.NoError(t, err)
	_, err = allocator.Allocate(30, 0)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	allocator.AddDetailedStatistics(&stats)

	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, guard.WrappedSize(10)+guard.WrappedSize(30), stats.BlockBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 40, stats.AllocationBytes)
	require.Equal(t, 10, stats.AllocationSizeMin)
	require.Equal(t, 30, stats.AllocationSizeMax)
	require.Equal(t, 2, stats.UnusedRangeCount)

	var visited int
	allocator.VisitAllocations(func(address uintptr, size int, blockSize int) {
		visited++
		require.Equal(t, guard.WrappedSize(size), blockSize)
	})
	require.Equal(t, 2, visited)
}
