package tvma

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tvma/internal/vulkan"
)

var (
	// ErrNoCompatibleMemory is returned from Allocator.Alloc when no memory type satisfies both the
	// requested usage and the memory type bits. It is accompanied by core1_0.VKErrorFeatureNotPresent.
	ErrNoCompatibleMemory = errors.New("no memory type is compatible with the requested usage")
	// ErrOutOfMemory is returned from Allocator.Alloc when every candidate memory type was tried and
	// none could satisfy the request. It is accompanied by core1_0.VKErrorOutOfDeviceMemory.
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrOutOfHostMemory marks the value the allocator panics with when the native layer reports that
	// host memory is exhausted
	ErrOutOfHostMemory = vulkan.ErrOutOfHostMemory

	// ErrInvalidBlock is returned when a zero or already-released Block is passed to the allocator
	ErrInvalidBlock = errors.New("block is not a live allocation")
	// ErrDoubleFree is returned when a Block's memory has already been returned to the allocator
	ErrDoubleFree = errors.New("block was already deallocated")
	// ErrForeignBlock is returned when a Block does not belong to the allocator it was passed to
	ErrForeignBlock = errors.New("block was not allocated by this allocator")

	// ErrNonHostVisible is returned when attempting to access the host mapping of a block whose
	// memory type is not host-visible
	ErrNonHostVisible = errors.New("block memory is not host-visible")
	// ErrOutOfBounds is returned when a byte range falls outside of a block
	ErrOutOfBounds = errors.New("range is outside of the block")
)
