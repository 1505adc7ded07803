package arena_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/arena"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/platform"
	mock_platform "github.com/vkngwrapper/hostmem/platform/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newHeap(t *testing.T) *platform.HeapAllocator {
	heap, err := platform.NewHeapAllocator(slog.Default(), platform.CreateOptions{})
	require.NoError(t, err)
	return heap
}

func TestArenaDefaults(t *testing.T) {
	heap := newHeap(t)

	a := arena.New(nil, heap, 0)
	require.Equal(t, arena.DefaultChunkSize, a.ChunkSize())
	require.Zero(t, a.ChunkCount())
	require.Zero(t, heap.BlockCount())
	require.NoError(t, a.Validate())

	// Resetting an arena that never allocated does nothing
	require.NoError(t, a.Reset())
	require.Zero(t, a.ChunkCount())
	require.Zero(t, a.ResetCount())
}

func TestArenaMonotonicNonOverlapping(t *testing.T) {
	a := arena.New(slog.Default(), newHeap(t), 4096)

	sizes := []int{1, 16, 3, 100, 7, 64, 250, 9}
	var prevEnd uintptr
	for i, size := range sizes {
		ptr, err := a.Allocate(size, 0)
		require.NoError(t, err)

		address := uintptr(ptr)
		if i > 0 {
			require.GreaterOrEqual(t, address, prevEnd)
		}
		prevEnd = address + uintptr(size)
	}

	require.Equal(t, 1, a.ChunkCount())
	require.NoError(t, a.Validate())
}

func TestArenaUnalignedIsContiguous(t *testing.T) {
	a := arena.New(slog.Default(), newHeap(t), 1024)

	first, err := a.Allocate(3, 0)
	require.NoError(t, err)
	second, err := a.Allocate(5, 0)
	require.NoError(t, err)

	require.Equal(t, uintptr(first)+3, uintptr(second))
	require.Equal(t, 1024-8-3-5, a.Remaining())
}

func TestArenaAlignment(t *testing.T) {
	a := arena.New(slog.Default(), newHeap(t), 1024)

	for _, alignment := range []uint{1, 2, 4, 8, 16, 32, 64, 128, 256} {
		// Knock the cursor off alignment first
		_, err := a.Allocate(3, 0)
		require.NoError(t, err)

		ptr, err := a.Allocate(24, alignment)
		require.NoError(t, err)
		require.Zero(t, uintptr(ptr)%uintptr(alignment), "alignment %d", alignment)
		require.NoError(t, a.Validate())
	}
}

func TestArenaResetReusesFirstChunk(t *testing.T) {
	heap := newHeap(t)
	a := arena.New(slog.Default(), heap, 256)

	first, err := a.Allocate(32, 16)
	require.NoError(t, err)

	// Spill into several more chunks
	for i := 0; i < 10; i++ {
		_, err = a.Allocate(200, 8)
		require.NoError(t, err)
	}
	require.Greater(t, a.ChunkCount(), 1)
	require.Equal(t, a.ChunkCount(), heap.BlockCount())

	require.NoError(t, a.Reset())
	require.Equal(t, 1, a.ChunkCount())
	require.Equal(t, 1, heap.BlockCount())
	require.Equal(t, 1, a.ResetCount())
	require.Equal(t, 256-8, a.Remaining())
	require.NoError(t, a.Validate())

	again, err := a.Allocate(32, 16)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestArenaOversizedAllocationGrowsDedicatedChunk(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_platform.NewMockAllocator(ctrl)

	var blocks [][]byte
	source.EXPECT().Allocate(gomock.Any()).DoAndReturn(func(size int) ([]byte, error) {
		block := make([]byte, size)
		blocks = append(blocks, block)
		return block, nil
	}).Times(2)

	a := arena.New(slog.Default(), source, 128)

	small, err := a.Allocate(16, 0)
	require.NoError(t, err)
	remainingBefore := a.Remaining()

	big, err := a.Allocate(1000, 8)
	require.NoError(t, err)

	require.Len(t, blocks, 2)
	require.Len(t, blocks[0], 128)
	require.GreaterOrEqual(t, len(blocks[1]), 1000+8+32)

	// The big allocation lives entirely inside the second chunk
	secondStart := uintptr(unsafe.Pointer(&blocks[1][0]))
	secondEnd := secondStart + uintptr(len(blocks[1]))
	require.GreaterOrEqual(t, uintptr(big), secondStart)
	require.LessOrEqual(t, uintptr(big)+1000, secondEnd)

	// and the first chunk is untouched
	firstStart := uintptr(unsafe.Pointer(&blocks[0][0]))
	require.Equal(t, firstStart+8, uintptr(small))
	require.Greater(t, remainingBefore, 0)
	require.Equal(t, 2, a.ChunkCount())
	require.NoError(t, a.Validate())
}

func TestArenaGrowthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_platform.NewMockAllocator(ctrl)
	source.EXPECT().Allocate(arena.DefaultChunkSize).Return(nil, platform.ErrOutOfMemory)

	a := arena.New(slog.Default(), source, 0)

	ptr, err := a.Allocate(64, 0)
	require.True(t, ptr == nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, platform.ErrOutOfMemory))

	require.Zero(t, a.ChunkCount())
	require.NoError(t, a.Validate())
}

func TestArenaGrowthFailureKeepsCurrentChunk(t *testing.T) {
	heap, err := platform.NewHeapAllocator(slog.Default(), platform.CreateOptions{
		HeapSizeLimit: 512,
	})
	require.NoError(t, err)

	a := arena.New(slog.Default(), heap, 256)
	first, err := a.Allocate(100, 0)
	require.NoError(t, err)

	_, err = a.Allocate(1000, 0)
	require.True(t, errors.Is(err, platform.ErrOutOfMemory))
	require.Equal(t, 1, a.ChunkCount())
	require.NoError(t, a.Validate())

	second, err := a.Allocate(100, 0)
	require.NoError(t, err)
	require.Equal(t, uintptr(first)+100, uintptr(second))
}

func TestArenaResetFreesNewestFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_platform.NewMockAllocator(ctrl)

	var blocks [][]byte
	source.EXPECT().Allocate(gomock.Any()).DoAndReturn(func(size int) ([]byte, error) {
		block := make([]byte, size)
		blocks = append(blocks, block)
		return block, nil
	}).Times(3)

	a := arena.New(slog.Default(), source, 64)
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(50, 0)
		require.NoError(t, err)
	}

	var freed [][]byte
	source.EXPECT().Free(gomock.Any()).DoAndReturn(func(block []byte) error {
		freed = append(freed, block)
		return nil
	}).Times(2)

	require.NoError(t, a.Reset())
	require.Len(t, freed, 2)
	require.Same(t, &blocks[2][0], &freed[0][0])
	require.Same(t, &blocks[1][0], &freed[1][0])

	source.EXPECT().Free(gomock.Any()).Return(nil)
	require.NoError(t, a.Release())
	require.Zero(t, a.ChunkCount())
	require.NoError(t, a.Validate())
}

func TestArenaRelease(t *testing.T) {
	heap := newHeap(t)
	a := arena.New(slog.Default(), heap, 128)

	for i := 0; i < 5; i++ {
		_, err := a.Allocate(100, 0)
		require.NoError(t, err)
	}

	require.NoError(t, a.Release())
	require.Zero(t, heap.BlockCount())
	require.Zero(t, a.ChunkCount())

	_, err := a.Allocate(10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, heap.BlockCount())
	require.NoError(t, a.Validate())
}

func TestArenaZeroSize(t *testing.T) {
	a := arena.New(slog.Default(), newHeap(t), 64)

	first, err := a.Allocate(0, 0)
	require.NoError(t, err)
	require.True(t, first != nil)

	second, err := a.Allocate(0, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = a.Allocate(-1, 0)
	require.Error(t, err)
}

func TestArenaStatistics(t *testing.T) {
	a := arena.New(slog.Default(), newHeap(t), 1000)

	_, err := a.Allocate(100, 0)
	require.NoError(t, err)
	_, err = a.Allocate(50, 0)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 150,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  50,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 1000 - 8 - 150,
		UnusedRangeSizeMax: 1000 - 8 - 150,
	}, stats)

	require.NoError(t, a.Reset())

	var basic memutils.Statistics
	a.AddStatistics(&basic)
	require.Equal(t, memutils.Statistics{
		BlockCount: 1,
		BlockBytes: 1000,
	}, basic)
}

func TestArenaPrintDetailedMap(t *testing.T) {
	a := arena.New(slog.Default(), newHeap(t), 64)
	_, err := a.Allocate(40, 0)
	require.NoError(t, err)
	_, err = a.Allocate(40, 0)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	a.PrintDetailedMap(obj)
	obj.End()

	json := string(writer.Bytes())
	require.Contains(t, json, `"ChunkSize":64`)
	require.Contains(t, json, `"Allocations":2`)
	require.Contains(t, json, `"Ordinal":1`)
	require.Contains(t, json, `"Ordinal":0`)
}
