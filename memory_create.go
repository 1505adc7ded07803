package hostmem

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/arena"
	"github.com/vkngwrapper/hostmem/guard"
	"github.com/vkngwrapper/hostmem/internal/utils"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/platform"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific Memory behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the Memory and the heap beneath it are not
	// synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateGuardHeap wraps every persistent allocation in guard envelopes that are checked
	// when the allocation is freed. It is always on in builds with the debug_mem_utils tag.
	CreateGuardHeap
)

var createFlagsMapping = []struct {
	flag CreateFlags
	name string
}{
	{CreateExternallySynchronized, "CreateExternallySynchronized"},
	{CreateGuardHeap, "CreateGuardHeap"},
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, mapping := range createFlagsMapping {
		if f&mapping.flag != 0 {
			names = append(names, mapping.name)
			f &^= mapping.flag
		}
	}
	if f != 0 {
		names = append(names, "Unknown")
	}

	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating a Memory
type CreateOptions struct {
	// Flags indicates specific Memory behaviors to activate or deactivate
	Flags CreateFlags
	// TempChunkSize is the size of each chunk the temp arena requests from the heap. 0 selects
	// arena.DefaultChunkSize.
	TempChunkSize int
	// HeapSizeLimit is the maximum number of bytes, across both temp chunks and persistent
	// allocations, that may be held from the heap at once. 0 means no limit.
	HeapSizeLimit int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever a
	// block is requested from or returned to the heap. Temp chunks and guard envelopes mean
	// these do not map 1:1 with calls to Memory.Allocate and Memory.Free.
	MemoryCallbackOptions *platform.MemoryCallbackOptions
}

// New creates a new Memory
//
// logger - The logger that receives trace, leak and corruption messages. If nil, slog.Default is used.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Memory, error) {
	if options.TempChunkSize < 0 {
		return nil, errors.Newf("hostmem.CreateOptions.TempChunkSize was %d, but must not be negative", options.TempChunkSize)
	}

	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	heap, err := platform.NewHeapAllocator(logger, platform.CreateOptions{
		HeapSizeLimit:          options.HeapSizeLimit,
		ExternallySynchronized: !useMutex,
		MemoryCallbackOptions:  options.MemoryCallbackOptions,
	})
	if err != nil {
		return nil, err
	}

	memory := &Memory{
		logger:      logger,
		createFlags: options.Flags,
		mutex:       utils.OptionalMutex{UseMutex: useMutex},
		heap:        heap,
		temp:        arena.New(logger, heap, options.TempChunkSize),
	}

	if memutils.GuardHeapDefault || options.Flags&CreateGuardHeap != 0 {
		memory.persistent = guard.NewAllocator(heap)
	} else {
		memory.persistent = newHeapStrategy(heap)
	}

	return memory, nil
}
