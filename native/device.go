package native

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mock_native

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
)

// Memory identifies a single native device memory object. NullMemory never
// identifies a live object.
type Memory uint64

const NullMemory Memory = 0

// MappedRange is a byte range within a native memory object
type MappedRange struct {
	Memory Memory
	Offset uint64
	Size   uint64
}

// Device is the narrow slice of a graphics device that the allocator drives. Each
// call to AllocateMemory produces one heavyweight native memory object, which must
// eventually be released with FreeMemory.
//
// Errors are reported Vulkan-style: a result code accompanied by a Go error. A
// result of core1_0.VKErrorOutOfDeviceMemory is treated as a recoverable failure,
// while core1_0.VKErrorOutOfHostMemory is fatal.
type Device interface {
	// AllocateMemory creates a native memory object of size bytes from the memory type
	// at memoryTypeIndex
	AllocateMemory(memoryTypeIndex int, size uint64) (Memory, common.VkResult, error)
	// FreeMemory releases a native memory object. The object must not be mapped.
	FreeMemory(memory Memory)
	// MapMemory maps a range of a native memory object into host address space
	MapMemory(memory Memory, offset, size uint64) (unsafe.Pointer, common.VkResult, error)
	// UnmapMemory unmaps a native memory object previously mapped with MapMemory
	UnmapMemory(memory Memory)
	// FlushMappedMemory makes host writes to non-coherent memory visible to the device
	FlushMappedMemory(ranges []MappedRange) (common.VkResult, error)
	// InvalidateMappedMemory makes device writes to non-coherent memory visible to the host
	InvalidateMappedMemory(ranges []MappedRange) (common.VkResult, error)
}
