package tvma

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/internal/vulkan"
	"github.com/vkngwrapper/tvma/memutils"
	"github.com/vkngwrapper/tvma/native"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateChunkedStrategy routes requests that are neither dedicated nor flagged
	// UsageUpload or UsageDownload to the chunked allocator instead of the linear allocator.
	// Chunked memory is reused as blocks are freed, so it suits long-lived resources, while
	// linear memory suits short-lived staging data.
	AllocatorCreateChunkedStrategy
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateChunkedStrategy.Register("AllocatorCreateChunkedStrategy")
}

const (
	// Linear chunks and chunked native memory objects are capped to this fraction of their heap
	heapSizeDivisor uint64 = 32
)

// Config controls the size thresholds that choose between allocation strategies
type Config struct {
	// DedicatedThresholdLow is the size at which a request that prefers dedicated memory receives
	// a dedicated native memory object
	DedicatedThresholdLow uint64
	// DedicatedThresholdHigh is the size at which every request receives a dedicated native memory object
	DedicatedThresholdHigh uint64
	// LineSize is the size of the native memory objects the linear allocator bump-allocates from
	LineSize uint64
	// MinChunkBlock is the smallest slot the chunked allocator hands out: smaller requests are
	// rounded up to it
	MinChunkBlock uint64
}

func (c Config) validate() error {
	if c.DedicatedThresholdLow > c.DedicatedThresholdHigh {
		return errors.Newf("DedicatedThresholdLow (%d) must not exceed DedicatedThresholdHigh (%d)", c.DedicatedThresholdLow, c.DedicatedThresholdHigh)
	}
	if c.DedicatedThresholdHigh > c.LineSize {
		return errors.Newf("DedicatedThresholdHigh (%d) must not exceed LineSize (%d)", c.DedicatedThresholdHigh, c.LineSize)
	}
	if c.MinChunkBlock >= c.DedicatedThresholdHigh {
		return errors.Newf("MinChunkBlock (%d) must be less than DedicatedThresholdHigh (%d)", c.MinChunkBlock, c.DedicatedThresholdHigh)
	}
	return nil
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// NonCoherentAtomSize is the device's nonCoherentAtomSize limit. Blocks in host-visible memory
	// types that are not host-coherent are aligned to it, so that they can be flushed and invalidated
	// without touching their neighbors. It must be a power of two and defaults to 1.
	NonCoherentAtomSize uint64

	// MaxMemoryAllocationCount is the device's maxMemoryAllocationCount limit. When it is nonzero,
	// the allocator will not create more native memory objects than this.
	MaxMemoryAllocationCount int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when native memory
	// is allocated or freed by this allocator
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator
//
// device - The native device that memory will be allocated from
//
// memoryProperties - The memory types and heaps the device reports
//
// config - Strategy thresholds
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(
	logger *slog.Logger,
	device native.Device,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	config Config,
	options CreateOptions,
) (*Allocator, error) {
	err := config.validate()
	if err != nil {
		return nil, err
	}

	err = memutils.CheckPow2(options.NonCoherentAtomSize, "NonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:                 logger,
		createFlags:            options.Flags,
		dedicatedThresholdLow:  config.DedicatedThresholdLow,
		dedicatedThresholdHigh: config.DedicatedThresholdHigh,
		nonCoherentAtomMask:    memutils.AlignMask(options.NonCoherentAtomSize),
	}

	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		logger,
		device,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		memoryProperties,
		options.MaxMemoryAllocationCount,
	)
	if err != nil {
		return nil, err
	}

	allocator.memoryForUsage = buildMemoryForUsage(memoryProperties.MemoryTypes)

	heapCount := allocator.deviceMemory.MemoryHeapCount()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		heapSize := allocator.deviceMemory.MemoryHeapProperties(heapIndex).Size
		allocator.heaps = append(allocator.heaps, newHeap(uint64(heapSize)))
	}

	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := allocator.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		heapShare := allocator.heaps[heapIndex].size / heapSizeDivisor

		lineSize := config.LineSize
		if heapShare < lineSize {
			lineSize = heapShare
		}

		chunkThreshold := config.DedicatedThresholdHigh
		if heapShare < chunkThreshold {
			chunkThreshold = heapShare
		}

		allocator.dedicated = append(allocator.dedicated, newDedicatedAllocator(useMutex, logger, allocator.deviceMemory, typeIndex))
		allocator.linear = append(allocator.linear, newLinearAllocator(useMutex, logger, allocator.deviceMemory, typeIndex, lineSize))
		allocator.chunked = append(allocator.chunked, newChunkedAllocator(useMutex, logger, allocator.deviceMemory, typeIndex, chunkThreshold, config.MinChunkBlock))
	}

	return allocator, nil
}
