// Package hostmem serves raw host memory to callers that manage object lifetimes
// themselves. Short-lived allocations are carved from a chunked bump arena and reclaimed
// in bulk by ReleaseTemp. Everything else comes from the Go heap, optionally wrapped in
// guard envelopes that catch out-of-bounds writes when the allocation is freed.
package hostmem

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/arena"
	"github.com/vkngwrapper/hostmem/guard"
	"github.com/vkngwrapper/hostmem/internal/utils"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/platform"
	"golang.org/x/exp/slog"
)

// Memory routes allocations to the temp arena or the persistent strategy according to
// their AllocatorKind
type Memory struct {
	logger      *slog.Logger
	createFlags CreateFlags
	mutex       utils.OptionalMutex

	heap       *platform.HeapAllocator
	temp       *arena.Arena
	persistent persistentStrategy
}

// Stats is a snapshot of the memory held by a Memory
type Stats struct {
	Temp       memutils.DetailedStatistics
	Persistent memutils.DetailedStatistics
	Total      memutils.DetailedStatistics
}

// Guarded returns true if persistent allocations are wrapped in guard envelopes
func (m *Memory) Guarded() bool {
	_, guarded := m.persistent.(*guard.Allocator)
	return guarded
}

// Allocate returns a pointer to size bytes of uninitialized memory.
//
// alignment must be 0 or a power of two. Temp and TempJob allocations are aligned to
// alignment and remain valid until the next ReleaseTemp. All other kinds are aligned to
// alignment or 64 bytes, whichever is larger, and remain valid until passed to Free.
func (m *Memory) Allocate(size int64, alignment int, kind AllocatorKind) (unsafe.Pointer, error) {
	m.logger.Debug("Memory::Allocate")

	if alignment < 0 {
		return nil, errors.Newf("attempted to allocate with negative alignment %d", alignment)
	}
	if size < 0 {
		return nil, errors.Newf("attempted to allocate %d bytes", size)
	}
	memutils.DebugCheckPow2(alignment, "alignment")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if kind.IsTemp() {
		return m.temp.Allocate(int(size), uint(alignment))
	}

	ptr, err := m.persistent.Allocate(int(size), uint(alignment))
	if err != nil {
		return nil, err
	}

	memutils.DebugValidate(m.persistent)
	return ptr, nil
}

// Free releases a pointer returned from Allocate. Freeing nil or a Temp or TempJob
// allocation does nothing: that memory is only reclaimed by ReleaseTemp.
//
// If the pointer's guard envelopes have been overwritten, Free logs the damage and panics
// with the *guard.CorruptionError, since the heap can no longer be trusted.
func (m *Memory) Free(ptr unsafe.Pointer, kind AllocatorKind) error {
	m.logger.Debug("Memory::Free")

	if ptr == nil || kind.IsTemp() {
		return nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.persistent.Free(ptr)
	m.panicOnCorruption(err)

	return err
}

func (m *Memory) panicOnCorruption(err error) {
	var corruption *guard.CorruptionError
	if !errors.As(err, &corruption) {
		return
	}

	m.logger.LogAttrs(context.Background(), slog.LevelError, "[CORRUPTION] guard envelope damaged",
		slog.String("region", corruption.Region.String()),
		slog.Int("offset", corruption.Offset),
		slog.Any("error", err),
	)
	panic(err)
}

// ReleaseTemp invalidates every temp allocation at once. The arena keeps its first chunk
// so the next cycle can allocate without going back to the heap.
func (m *Memory) ReleaseTemp() error {
	m.logger.Debug("Memory::ReleaseTemp")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.temp.Reset()
	memutils.DebugValidate(m.temp)

	return err
}

// CheckCorruption validates the guard envelopes of every live persistent allocation. It
// returns nil if the persistent strategy is not guarded.
func (m *Memory) CheckCorruption() error {
	m.logger.Debug("Memory::CheckCorruption")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.persistent.CheckCorruption()
}

// Validate performs internal consistency checks on everything this Memory holds
func (m *Memory) Validate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.temp.Validate()
	if err != nil {
		return errors.Wrap(err, "temp arena")
	}

	err = m.persistent.Validate()
	if err != nil {
		return errors.Wrap(err, "persistent allocations")
	}

	err = m.heap.Validate()
	if err != nil {
		return errors.Wrap(err, "heap")
	}

	var stats memutils.Statistics
	m.temp.AddStatistics(&stats)
	if m.heap.BlockCount() != stats.BlockCount+m.persistent.AllocationCount() {
		return errors.Newf("the heap holds %d blocks, but the arena accounts for %d and persistent allocations for %d",
			m.heap.BlockCount(), stats.BlockCount, m.persistent.AllocationCount())
	}

	return nil
}

// Statistics retrieves the memory currently held, broken down by arena and persistent
// strategy
func (m *Memory) Statistics() Stats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.calculateStatistics()
}

func (m *Memory) calculateStatistics() Stats {
	var stats Stats
	stats.Temp.Clear()
	stats.Persistent.Clear()
	stats.Total.Clear()

	m.temp.AddDetailedStatistics(&stats.Temp)
	m.persistent.AddDetailedStatistics(&stats.Persistent)

	stats.Total.AddDetailedStatistics(&stats.Temp)
	stats.Total.AddDetailedStatistics(&stats.Persistent)

	return stats
}

// BuildStatsString returns a JSON document describing the memory currently held. If
// detailed is true, the arena's chunks and every live persistent allocation are listed.
func (m *Memory) BuildStatsString(detailed bool) string {
	m.logger.Debug("Memory::BuildStatsString")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats := m.calculateStatistics()

	writer := jwriter.NewWriter()
	root := writer.Object()

	root.Name("Flags").String(m.createFlags.String())
	root.Name("Guarded").Bool(m.Guarded())

	total := root.Name("Total").Object()
	stats.Total.PrintJson(total)
	total.End()

	temp := root.Name("Temp").Object()
	stats.Temp.PrintJson(temp)
	temp.End()

	persistent := root.Name("Persistent").Object()
	stats.Persistent.PrintJson(persistent)
	persistent.End()

	if detailed {
		tempMap := root.Name("TempArena").Object()
		m.temp.PrintDetailedMap(tempMap)
		tempMap.End()

		m.printPersistentAllocations(root)
	}

	root.End()

	return string(writer.Bytes())
}

func (m *Memory) printPersistentAllocations(json jwriter.ObjectState) {
	allocations := json.Name("PersistentAllocations").Array()
	defer allocations.End()

	m.persistent.VisitAllocations(func(address uintptr, size int, blockSize int) {
		obj := allocations.Object()
		defer obj.End()

		obj.Name("Size").Int(size)
		obj.Name("BlockSize").Int(blockSize)
	})
}

// Destroy logs every persistent allocation that was never freed and returns every temp
// chunk to the heap. It returns an error if any persistent allocation leaked.
func (m *Memory) Destroy() error {
	m.logger.Debug("Memory::Destroy")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var err error
	leaked := logUnreleasedAllocations(m.logger, m.persistent)
	if leaked > 0 {
		err = errors.Newf("%d persistent allocations were not freed before the destruction of this memory", leaked)
	}

	return errors.CombineErrors(err, m.temp.Release())
}
