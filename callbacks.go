package tvma

import "github.com/vkngwrapper/tvma/native"

type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory native.Memory,
	size uint64,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory native.Memory,
	size uint64,
	userData interface{},
)

// MemoryCallbackOptions are called whenever the allocator creates or releases a native memory
// object. Native objects do not map 1:1 to blocks: a single object may back many blocks.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	memory native.Memory,
	size uint64,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	memory native.Memory,
	size uint64,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}
