package tvma

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/internal/vulkan"
	"github.com/vkngwrapper/tvma/memutils"
	"github.com/vkngwrapper/tvma/native"
	"golang.org/x/exp/slog"
)

// WholeSize may be passed as the size to FlushBlock and InvalidateBlock to cover the rest of the block
const WholeSize uint64 = math.MaxUint64

// Allocator is the entry point for device memory. Each request is resolved to an ordered list of
// candidate memory types, then served by one of three strategies within the first memory type
// that can hold it:
//
// Dedicated - The request receives its own native memory object. Used for large requests and
// resources that require it.
//
// Linear - The request is bump-allocated from a shared native memory object that is released once
// all of its blocks are released. Used by default.
//
// Chunked - The request receives a reusable power-of-two slot. Used for requests without
// UsageUpload or UsageDownload when the allocator is created with AllocatorCreateChunkedStrategy.
//
// All methods are safe to call from multiple goroutines unless the allocator was created with
// AllocatorCreateExternallySynchronized.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags

	dedicatedThresholdLow  uint64
	dedicatedThresholdHigh uint64
	nonCoherentAtomMask    uint64

	deviceMemory   *vulkan.DeviceMemoryProperties
	memoryForUsage [usageCombinations]memoryForUsage

	dedicated []*dedicatedAllocator
	linear    []*linearAllocator
	chunked   []*chunkedAllocator

	heaps []*heap
}

func (a *Allocator) chooseStrategy(size uint64, usage UsageFlags, dedicated Dedicated) strategy {
	switch {
	case dedicated == DedicatedRequired:
		return strategyDedicated
	case dedicated == DedicatedPreferred && size >= a.dedicatedThresholdLow:
		return strategyDedicated
	case size >= a.dedicatedThresholdHigh:
		return strategyDedicated
	case a.createFlags&AllocatorCreateChunkedStrategy != 0 && usage&(UsageUpload|UsageDownload) == 0:
		return strategyChunked
	}

	return strategyLinear
}

// memoryTypeAlignMask is the alignment every block of a memory type must honor
func (a *Allocator) memoryTypeAlignMask(memoryTypeIndex int) uint64 {
	if a.deviceMemory.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		return a.nonCoherentAtomMask
	}
	return 0
}

func (a *Allocator) allocOfType(strat strategy, memoryTypeIndex int, size, alignMask uint64) (Block, bool) {
	switch strat {
	case strategyLinear:
		linear := a.linear[memoryTypeIndex]
		if linear.CanAllocate(size, alignMask) {
			return linear.Alloc(size, alignMask)
		}
	case strategyChunked:
		chunked := a.chunked[memoryTypeIndex]
		if chunked.CanAllocate(size, alignMask) {
			return chunked.Alloc(size, alignMask)
		}
	}

	return a.dedicated[memoryTypeIndex].Alloc(size)
}

// Alloc allocates a block of memory
//
// size - The number of bytes required. The block's size is this value rounded up to the alignment.
//
// alignMask - The required alignment minus one, so 255 requests 256-byte alignment
//
// memoryTypeBits - A mask of acceptable memory type indices, as reported by the memory requirements
// of a buffer or image
//
// usage - How the memory will be used
//
// dedicated - Whether the block should receive its own native memory object
//
// If no memory type satisfies both usage and memoryTypeBits, ErrNoCompatibleMemory is returned with
// core1_0.VKErrorFeatureNotPresent. If every compatible memory type is out of memory, ErrOutOfMemory is
// returned with core1_0.VKErrorOutOfDeviceMemory. Exhaustion of host memory panics.
func (a *Allocator) Alloc(size, alignMask uint64, memoryTypeBits uint32, usage UsageFlags, dedicated Dedicated) (Block, common.VkResult, error) {
	a.logger.Debug("Allocator::Alloc",
		slog.String("Size", humanize.IBytes(size)),
		slog.Uint64("AlignMask", alignMask),
		slog.Any("Usage", usage),
		slog.Any("Dedicated", dedicated),
	)

	if usage < 0 || usage >= usageCombinations {
		return Block{}, core1_0.VKErrorUnknown, errors.Newf("unrecognized usage flags %#x", int32(usage))
	}

	forUsage := a.memoryForUsage[usage]
	if !forUsage.compatible(memoryTypeBits) {
		return Block{}, core1_0.VKErrorFeatureNotPresent, errors.Wrapf(ErrNoCompatibleMemory, "usage %s with memory type bits %#b", usage, memoryTypeBits)
	}

	strat := a.chooseStrategy(size, usage, dedicated)

	for _, memoryTypeIndex := range forUsage.types {
		if memoryTypeBits&(1<<uint(memoryTypeIndex)) == 0 {
			continue
		}

		typeAlignMask := alignMask | a.memoryTypeAlignMask(memoryTypeIndex)
		paddedSize, ok := memutils.AlignUp(typeAlignMask, size)
		if !ok {
			continue
		}

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
		h := a.heaps[heapIndex]
		if !h.canAllocate(paddedSize) {
			a.logger.Debug("    Heap budget exhausted", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("HeapIndex", heapIndex))
			continue
		}

		block, ok := a.allocOfType(strat, memoryTypeIndex, paddedSize, typeAlignMask)
		if !ok {
			continue
		}

		h.markAllocated(paddedSize)
		a.deviceMemory.AddAllocation(heapIndex, block.size)

		a.logger.Debug("    Allocated",
			slog.String("Strategy", strat.String()),
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
			slog.Uint64("Offset", block.offset),
		)
		return block, core1_0.VKSuccess, nil
	}

	a.logger.Debug("  Alloc FAILED")
	return Block{}, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrOutOfMemory, "%s requested with usage %s", humanize.IBytes(size), usage)
}

// Dealloc returns a block to the allocator. The block is zeroed, so a second Dealloc of the same
// variable returns ErrInvalidBlock. Memory must not be accessed through the block's host mapping
// afterward.
//
// Blocks that were not produced by this allocator, or whose memory was already returned, produce
// an error and are otherwise ignored.
func (a *Allocator) Dealloc(block *Block) error {
	if block == nil || !block.IsValid() {
		return ErrInvalidBlock
	}

	a.logger.Debug("Allocator::Dealloc",
		slog.Any("Kind", block.kind),
		slog.Int("MemoryTypeIndex", block.memoryTypeIndex),
		slog.Uint64("Offset", block.offset),
		slog.String("Size", humanize.IBytes(block.size)),
	)

	if block.memoryTypeIndex < 0 || block.memoryTypeIndex >= len(a.dedicated) ||
		block.flags != a.deviceMemory.MemoryTypeProperties(block.memoryTypeIndex).PropertyFlags {
		return a.deallocFailed(block, errors.Wrapf(ErrForeignBlock, "memory type %d", block.memoryTypeIndex))
	}

	var err error
	switch block.kind {
	case BlockKindDedicated:
		err = a.dedicated[block.memoryTypeIndex].Dealloc(block)
	case BlockKindLinear:
		err = a.linear[block.memoryTypeIndex].Dealloc(block)
	case BlockKindChunked:
		err = a.chunked[block.memoryTypeIndex].Dealloc(block)
	default:
		err = errors.Wrapf(ErrInvalidBlock, "unknown block kind %d", block.kind)
	}
	if err != nil {
		return a.deallocFailed(block, err)
	}

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(block.memoryTypeIndex)
	a.deviceMemory.RemoveAllocation(heapIndex, block.size)

	*block = Block{}
	return nil
}

func (a *Allocator) deallocFailed(block *Block, err error) error {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to deallocate block",
		slog.Any("Kind", block.kind),
		slog.Int("MemoryTypeIndex", block.memoryTypeIndex),
		slog.Uint64("Offset", block.offset),
		slog.Uint64("Size", block.size),
		slog.Any("error", err),
	)
	return err
}

func (a *Allocator) flushOrInvalidate(block *Block, offset, size uint64, operation vulkan.CacheOperation) (common.VkResult, error) {
	if block == nil || !block.IsValid() {
		return core1_0.VKErrorUnknown, ErrInvalidBlock
	}

	if !block.IsHostVisible() {
		return core1_0.VKErrorUnknown, errors.Wrapf(ErrNonHostVisible, "memory type %d", block.memoryTypeIndex)
	}

	if size == WholeSize {
		if offset > block.size {
			return core1_0.VKErrorUnknown, errors.Wrapf(ErrOutOfBounds, "offset %d exceeds block size %d", offset, block.size)
		}
		size = block.size - offset
	}

	end := offset + size
	if end < offset || end > block.size {
		return core1_0.VKErrorUnknown, errors.Wrapf(ErrOutOfBounds, "range [%d, %d+%d) exceeds block size %d", offset, offset, size, block.size)
	}

	if size == 0 || block.IsHostCoherent() {
		return core1_0.VKSuccess, nil
	}

	// Ranges must cover whole atoms of the native object, but may not run off its end
	start := memutils.AlignDown(a.nonCoherentAtomMask, block.offset+offset)
	rangeEnd, ok := memutils.AlignUp(a.nonCoherentAtomMask, block.offset+end)
	if !ok || rangeEnd > block.memorySize {
		rangeEnd = block.memorySize
	}

	return a.deviceMemory.FlushOrInvalidateRanges([]native.MappedRange{
		{
			Memory: block.memory,
			Offset: start,
			Size:   rangeEnd - start,
		},
	}, operation)
}

// FlushBlock makes host writes to a range of the block visible to the device. Blocks in
// host-coherent memory do not need to be flushed, and flushing them does nothing.
//
// offset and size are relative to the start of the block. size may be WholeSize.
func (a *Allocator) FlushBlock(block *Block, offset, size uint64) (common.VkResult, error) {
	a.logger.Debug("Allocator::FlushBlock")

	return a.flushOrInvalidate(block, offset, size, vulkan.CacheOperationFlush)
}

// InvalidateBlock makes device writes to a range of the block visible to the host. Blocks in
// host-coherent memory do not need to be invalidated, and invalidating them does nothing.
//
// offset and size are relative to the start of the block. size may be WholeSize.
func (a *Allocator) InvalidateBlock(block *Block, offset, size uint64) (common.VkResult, error) {
	a.logger.Debug("Allocator::InvalidateBlock")

	return a.flushOrInvalidate(block, offset, size, vulkan.CacheOperationInvalidate)
}

// MemoryTypeCount is the number of memory types the allocator manages
func (a *Allocator) MemoryTypeCount() int {
	return a.deviceMemory.MemoryTypeCount()
}

// MemoryHeapCount is the number of memory heaps the allocator manages
func (a *Allocator) MemoryHeapCount() int {
	return a.deviceMemory.MemoryHeapCount()
}

// MemoryTypesForUsage returns the memory type indices eligible for a usage, most preferred first
func (a *Allocator) MemoryTypesForUsage(usage UsageFlags) []int {
	if usage < 0 || usage >= usageCombinations {
		return nil
	}

	types := a.memoryForUsage[usage].types
	return append([]int(nil), types...)
}

// Validate checks the bookkeeping of every linear and chunked allocator and returns an error
// describing each inconsistency found. It is intended for tests and debugging.
func (a *Allocator) Validate() error {
	var err error
	for typeIndex := range a.linear {
		linear := a.linear[typeIndex]
		if linearErr := memutils.LockedValidate(&linear.mutex, linear); linearErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(linearErr, "linear allocator for memory type %d", typeIndex))
		}

		dedicated := a.dedicated[typeIndex]
		if dedicatedErr := memutils.LockedValidate(&dedicated.mutex, dedicated); dedicatedErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(dedicatedErr, "dedicated allocator for memory type %d", typeIndex))
		}

		chunked := a.chunked[typeIndex]
		if chunkedErr := memutils.LockedValidate(&chunked.mutex, chunked); chunkedErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(chunkedErr, "chunked allocator for memory type %d", typeIndex))
		}
	}
	return err
}

// Destroy frees every linear and chunked native memory object the allocator still holds. Blocks
// that were not deallocated are logged, and an error is returned if there were any. Dedicated
// blocks own their native memory object outright, so a leaked dedicated block is reported but
// not freed. The allocator and any outstanding blocks must not be used afterward.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	var leaked int
	for typeIndex := range a.linear {
		leaked += a.linear[typeIndex].Destroy()
		leaked += a.chunked[typeIndex].Destroy()

		dedicatedCount := a.dedicated[typeIndex].Count()
		if dedicatedCount > 0 {
			leaked += dedicatedCount
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] dedicated blocks were never deallocated",
				slog.Int("MemoryTypeIndex", typeIndex),
				slog.Int("Blocks", dedicatedCount),
				slog.String("Allocated", humanize.IBytes(a.dedicated[typeIndex].Allocated())),
			)
		}
	}

	if leaked > 0 {
		return errors.Newf("allocator destroyed with %d blocks still allocated", leaked)
	}
	return nil
}
