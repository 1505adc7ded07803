package platform

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostmem/internal/utils"
	"github.com/vkngwrapper/hostmem/memutils"
	"golang.org/x/exp/slog"
)

const (
	// Alignment is the minimum alignment of every block handed out by HeapAllocator
	Alignment uint = 64
)

// Allocator is the general-purpose allocator that every other allocator in this module
// draws its memory from. Blocks are never moved, and remain valid until passed to Free.
type Allocator interface {
	// Allocate returns a block of exactly size bytes, aligned to Alignment
	Allocate(size int) ([]byte, error)
	// Free returns a block previously returned from Allocate
	Free(block []byte) error
}

// CreateOptions contains optional settings when creating a HeapAllocator
type CreateOptions struct {
	// HeapSizeLimit is the maximum number of bytes that may be live at once. Allocations
	// beyond the limit fail with ErrOutOfMemory. 0 means no limit.
	HeapSizeLimit int
	// ExternallySynchronized indicates that the consumer guarantees the allocator is only
	// used from one goroutine at a time, so no mutex is needed around the block registry
	ExternallySynchronized bool
	// MemoryCallbackOptions is an optional set of callbacks executed on every block
	// allocation and free
	MemoryCallbackOptions *MemoryCallbackOptions
}

// HeapAllocator is an Allocator over the Go heap. Every live block is registered by its
// address, which keeps the backing array reachable while the consumer only holds a raw
// pointer and lets a raw pointer be turned back into its block.
type HeapAllocator struct {
	// Number of live blocks
	blockCount int32
	// Sum of the requested sizes of live blocks
	blockBytes int64

	logger    *slog.Logger
	limit     int
	callbacks memoryCallbacks

	mutex utils.OptionalMutex
	live  *swiss.Map[uintptr, []byte]
}

var _ Allocator = &HeapAllocator{}

// NewHeapAllocator creates a new HeapAllocator
func NewHeapAllocator(logger *slog.Logger, options CreateOptions) (*HeapAllocator, error) {
	if options.HeapSizeLimit < 0 {
		return nil, errors.Newf("platform.CreateOptions.HeapSizeLimit was %d, but must not be negative", options.HeapSizeLimit)
	}

	if logger == nil {
		logger = slog.Default()
	}

	heap := &HeapAllocator{
		logger: logger,
		limit:  options.HeapSizeLimit,
		mutex:  utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
		live:   swiss.NewMap[uintptr, []byte](42),
	}
	heap.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: heap,
	}

	return heap, nil
}

func addressOf(block []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(block)))
}

func (h *HeapAllocator) addBlock(size int) {
	atomic.AddInt64(&h.blockBytes, int64(size))
	atomic.AddInt32(&h.blockCount, 1)
}

func (h *HeapAllocator) addBlockWithBudget(size int) error {
	for {
		currentVal := atomic.LoadInt64(&h.blockBytes)
		targetVal := currentVal + int64(size)

		if targetVal > int64(h.limit) {
			return errors.Wrapf(ErrOutOfMemory, "allocating %d bytes with %d of %d bytes in use", size, currentVal, h.limit)
		}

		if atomic.CompareAndSwapInt64(&h.blockBytes, currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&h.blockCount, 1)
	return nil
}

func (h *HeapAllocator) removeBlock(size int) {
	newVal := atomic.AddInt64(&h.blockBytes, int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("heap block bytes went negative: %d", newVal))
	}

	newCountVal := atomic.AddInt32(&h.blockCount, -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("heap block count went negative: %d", newCountVal))
	}
}

// Allocate returns a block of exactly size bytes whose first byte is aligned to Alignment.
// The block is registered until it is passed to Free.
func (h *HeapAllocator) Allocate(size int) ([]byte, error) {
	return h.AllocateAligned(size, Alignment)
}

// AllocateAligned returns a block of exactly size bytes whose first byte is aligned to
// alignment, which must be 0 or a power of two. Alignments below Alignment are raised to it.
func (h *HeapAllocator) AllocateAligned(size int, alignment uint) (block []byte, err error) {
	if size < 0 {
		return nil, errors.Newf("attempted to allocate a block of negative size %d", size)
	}
	err = memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	alignment = max(alignment, Alignment)

	if h.limit == 0 {
		h.addBlock(size)
	} else {
		err = h.addBlockWithBudget(size)
		if err != nil {
			return nil, err
		}
	}

	// Over-allocate and shift forward so the block starts on an alignment boundary. The
	// slack past the end keeps cap(block) nonzero, so even an empty block has an address.
	buf := make([]byte, size+int(alignment))
	shift := memutils.AlignPadding(addressOf(buf), alignment)
	block = buf[shift : shift+size]

	memory := unsafe.Pointer(unsafe.SliceData(block))
	h.mutex.Lock()
	h.live.Put(uintptr(memory), block)
	h.mutex.Unlock()

	h.callbacks.Allocate(memory, size)

	return block, nil
}

// Free unregisters a block returned from Allocate, allowing the Go runtime to reclaim it
func (h *HeapAllocator) Free(block []byte) error {
	memory := unsafe.Pointer(unsafe.SliceData(block))
	address := uintptr(memory)

	h.mutex.Lock()
	registered, ok := h.live.Get(address)
	if ok {
		h.live.Delete(address)
	}
	h.mutex.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownBlock, "freeing block at %#x", address)
	}

	h.callbacks.Free(memory, len(registered))
	h.removeBlock(len(registered))

	return nil
}

// Find retrieves the live block that begins at ptr
func (h *HeapAllocator) Find(ptr unsafe.Pointer) ([]byte, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.live.Get(uintptr(ptr))
}

// BlockCount returns the number of live blocks
func (h *HeapAllocator) BlockCount() int {
	return int(atomic.LoadInt32(&h.blockCount))
}

// BlockBytes returns the sum of the sizes of all live blocks
func (h *HeapAllocator) BlockBytes() int {
	return int(atomic.LoadInt64(&h.blockBytes))
}

// VisitBlocks calls visit once for every live block. The registry is locked for the duration,
// so visit must not allocate or free through this allocator.
func (h *HeapAllocator) VisitBlocks(visit func(address uintptr, size int)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.live.Iter(func(address uintptr, block []byte) bool {
		visit(address, len(block))
		return false
	})
}

// AddStatistics sums every live block into stats, counting each as both a block and
// an allocation
func (h *HeapAllocator) AddStatistics(stats *memutils.Statistics) {
	count := h.BlockCount()
	bytes := h.BlockBytes()

	stats.BlockCount += count
	stats.BlockBytes += bytes
	stats.AllocationCount += count
	stats.AllocationBytes += bytes
}

// Validate checks the atomic counters against the block registry
func (h *HeapAllocator) Validate() error {
	var count, bytes int
	h.VisitBlocks(func(address uintptr, size int) {
		count++
		bytes += size
	})

	if count != h.BlockCount() {
		return errors.Newf("the heap lists %d live blocks, but %d are registered", h.BlockCount(), count)
	}
	if bytes != h.BlockBytes() {
		return errors.Newf("the heap lists %d live bytes, but %d are registered", h.BlockBytes(), bytes)
	}

	return nil
}

// LogUnreleasedBlocks writes an error-level log line for every live block and returns
// how many there were
func (h *HeapAllocator) LogUnreleasedBlocks() int {
	var count int
	h.VisitBlocks(func(address uintptr, size int) {
		count++
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed heap block",
			slog.String("address", fmt.Sprintf("%#x", address)),
			slog.Int("size", size),
		)
	})

	return count
}
