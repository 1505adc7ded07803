// Package arena implements a chunked bump allocator for short-lived allocations.
//
// Memory is carved out of chunks by advancing a cursor. Allocations are never freed
// individually: Reset reclaims everything at once, releasing every chunk except the
// first, which is kept for the next cycle. An Arena is not synchronized; each instance
// must be used from one goroutine at a time.
package arena

import (
	"context"
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/platform"
	"golang.org/x/exp/slog"
)

const (
	// DefaultChunkSize is the chunk size used when none is provided. It is sized to hold
	// a typical frame's worth of temporary allocations in the first chunk.
	DefaultChunkSize int = 16 * 1024

	// chunkHeaderSize is the 64-bit word reserved at the start of every chunk. It holds the
	// chunk's ordinal, which Validate uses to check the chunk list.
	chunkHeaderSize int = 8
	// growthSlack is added to every oversized growth request on top of the size and alignment
	growthSlack int = 32
)

type chunk struct {
	previous *chunk
	data     []byte
	base     uintptr
	ordinal  int
}

func (c *chunk) pointer(offset int) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(c.data)), offset)
}

func (c *chunk) storedOrdinal() int {
	return int(binary.LittleEndian.Uint64(c.data[:chunkHeaderSize]))
}

// Arena is a chunked bump allocator
type Arena struct {
	logger    *slog.Logger
	source    platform.Allocator
	chunkSize int

	current   *chunk
	cursor    int
	remaining int

	chunkCount int
	chunkBytes int
	resetCount int

	// Allocations made since the last reset
	allocationCount   int
	allocationBytes   int
	allocationSizeMin int
	allocationSizeMax int
}

// New creates an Arena that draws chunks from source. No memory is requested until
// the first allocation. A chunkSize of 0 or less selects DefaultChunkSize.
func New(logger *slog.Logger, source platform.Allocator, chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Arena{
		logger:    logger,
		source:    source,
		chunkSize: chunkSize,
	}
	a.clearAllocations()

	return a
}

// ChunkSize returns the default size of new chunks
func (a *Arena) ChunkSize() int { return a.chunkSize }

// ChunkCount returns the number of chunks currently held
func (a *Arena) ChunkCount() int { return a.chunkCount }

// ResetCount returns the number of times Reset has rewound the arena
func (a *Arena) ResetCount() int { return a.resetCount }

// Remaining returns the number of unused bytes at the end of the current chunk
func (a *Arena) Remaining() int { return a.remaining }

func (a *Arena) grow(neededSize int) error {
	size := max(a.chunkSize, neededSize+growthSlack)

	data, err := a.source.Allocate(size)
	if err != nil {
		return errors.Wrapf(err, "failed to grow arena by a %d byte chunk", size)
	}

	ordinal := 0
	if a.current != nil {
		ordinal = a.current.ordinal + 1
	}

	newChunk := &chunk{
		previous: a.current,
		data:     data,
		base:     uintptr(unsafe.Pointer(unsafe.SliceData(data))),
		ordinal:  ordinal,
	}
	binary.LittleEndian.PutUint64(data[:chunkHeaderSize], uint64(ordinal))

	a.current = newChunk
	a.cursor = chunkHeaderSize
	a.remaining = size - chunkHeaderSize
	a.chunkCount++
	a.chunkBytes += size

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena grew",
		slog.Int("chunkSize", size),
		slog.Int("chunkCount", a.chunkCount),
	)

	return nil
}

// Allocate returns a pointer to size bytes of uninitialized memory. If alignment is nonzero
// the returned address is a multiple of it. alignment must be 0 or a power of two.
//
// The memory remains valid until the next call to Reset or Release.
func (a *Arena) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	memutils.DebugCheckPow2(alignment, "alignment")
	if size < 0 {
		return nil, errors.Newf("attempted to allocate %d bytes from an arena", size)
	}

	// Worst case, aligning the cursor costs alignment-1 bytes
	if a.current == nil || a.remaining < size+int(alignment) {
		err := a.grow(size + int(alignment))
		if err != nil {
			return nil, err
		}
	}

	offset := a.cursor + memutils.AlignPadding(a.current.base+uintptr(a.cursor), alignment)
	consumed := offset - a.cursor + size
	if consumed > a.remaining {
		return nil, errors.AssertionFailedf("allocation of %d bytes at offset %d overruns chunk with %d bytes remaining", size, offset, a.remaining)
	}

	a.remaining -= consumed
	a.cursor = offset + size

	a.allocationCount++
	a.allocationBytes += size
	a.allocationSizeMin = min(a.allocationSizeMin, size)
	a.allocationSizeMax = max(a.allocationSizeMax, size)

	return a.current.pointer(offset), nil
}

func (a *Arena) clearAllocations() {
	a.allocationCount = 0
	a.allocationBytes = 0
	a.allocationSizeMin = math.MaxInt
	a.allocationSizeMax = 0
}

// Reset invalidates every pointer handed out by Allocate. Every chunk except the first
// is returned to the platform allocator, and the cursor is rewound to the start of the
// first chunk. Reset does nothing if no chunk was ever allocated.
func (a *Arena) Reset() error {
	if a.current == nil {
		return nil
	}

	var err error
	for a.current.previous != nil {
		released := a.current
		a.current = released.previous

		a.chunkCount--
		a.chunkBytes -= len(released.data)
		err = errors.CombineErrors(err, a.source.Free(released.data))
	}

	a.cursor = chunkHeaderSize
	a.remaining = len(a.current.data) - chunkHeaderSize
	a.resetCount++
	a.clearAllocations()

	return err
}

// Release returns every chunk, including the first, to the platform allocator. The arena
// remains usable and will grow again on the next allocation.
func (a *Arena) Release() error {
	var err error
	for a.current != nil {
		released := a.current
		a.current = released.previous
		err = errors.CombineErrors(err, a.source.Free(released.data))
	}

	a.cursor = 0
	a.remaining = 0
	a.chunkCount = 0
	a.chunkBytes = 0
	a.clearAllocations()

	return err
}

// Validate performs internal consistency checks on the chunk list and cursor
func (a *Arena) Validate() error {
	if a.current == nil {
		if a.chunkCount != 0 || a.remaining != 0 {
			return errors.Newf("arena has no chunks but lists %d chunks and %d remaining bytes", a.chunkCount, a.remaining)
		}
		return nil
	}

	if a.cursor < chunkHeaderSize || a.cursor > len(a.current.data) {
		return errors.Newf("cursor %d lies outside the usable range [%d, %d] of the current chunk", a.cursor, chunkHeaderSize, len(a.current.data))
	}

	if a.remaining != len(a.current.data)-a.cursor {
		return errors.Newf("arena lists %d remaining bytes, but the cursor at %d of %d leaves %d", a.remaining, a.cursor, len(a.current.data), len(a.current.data)-a.cursor)
	}

	var count, bytes int
	for c := a.current; c != nil; c = c.previous {
		count++
		bytes += len(c.data)

		if c.storedOrdinal() != c.ordinal {
			return errors.Newf("chunk %d has ordinal %d written in its header", c.ordinal, c.storedOrdinal())
		}
		if c.previous != nil && c.previous.ordinal != c.ordinal-1 {
			return errors.Newf("chunk %d links to chunk %d", c.ordinal, c.previous.ordinal)
		}
		if c.previous == nil && c.ordinal != 0 {
			return errors.Newf("the oldest chunk has ordinal %d", c.ordinal)
		}
	}

	if count != a.chunkCount {
		return errors.Newf("arena lists %d chunks, but %d are linked", a.chunkCount, count)
	}
	if bytes != a.chunkBytes {
		return errors.Newf("arena lists %d chunk bytes, but linked chunks hold %d", a.chunkBytes, bytes)
	}

	return nil
}

// AddStatistics sums this arena's chunks and allocations into stats
func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount += a.chunkCount
	stats.BlockBytes += a.chunkBytes
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.allocationBytes
}

// AddDetailedStatistics sums this arena's chunks and allocations into stats. The free tail
// of the current chunk is the arena's only unused range.
func (a *Arena) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.AddStatistics(&stats.Statistics)

	if a.allocationCount > 0 {
		stats.AllocationSizeMin = min(stats.AllocationSizeMin, a.allocationSizeMin)
		stats.AllocationSizeMax = max(stats.AllocationSizeMax, a.allocationSizeMax)
	}

	if a.current != nil && a.remaining > 0 {
		stats.AddUnusedRange(a.remaining)
	}
}

// PrintDetailedMap populates a json object with information about this arena
func (a *Arena) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("ChunkSize").Int(a.chunkSize)
	json.Name("TotalBytes").Int(a.chunkBytes)
	json.Name("Allocations").Int(a.allocationCount)
	json.Name("AllocatedBytes").Int(a.allocationBytes)
	json.Name("Resets").Int(a.resetCount)

	chunks := json.Name("Chunks").Array()
	defer chunks.End()

	for c := a.current; c != nil; c = c.previous {
		obj := chunks.Object()
		obj.Name("Ordinal").Int(c.ordinal)
		obj.Name("Size").Int(len(c.data))
		if c == a.current {
			obj.Name("Cursor").Int(a.cursor)
			obj.Name("UnusedBytes").Int(a.remaining)
		}
		obj.End()
	}
}
