package platform

import "unsafe"

type AllocateHostMemoryCallback func(
	allocator *HeapAllocator,
	memory unsafe.Pointer,
	size int,
	userData interface{},
)

type FreeHostMemoryCallback func(
	allocator *HeapAllocator,
	memory unsafe.Pointer,
	size int,
	userData interface{},
)

// MemoryCallbackOptions is an optional set of callbacks that are executed whenever a
// HeapAllocator hands out or takes back a block
type MemoryCallbackOptions struct {
	Allocate AllocateHostMemoryCallback
	Free     FreeHostMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *HeapAllocator
}

func (c *memoryCallbacks) Allocate(memory unsafe.Pointer, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(memory unsafe.Pointer, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memory, size, c.Callbacks.UserData)
	}
}
