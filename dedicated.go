package tvma

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/internal/utils"
	"github.com/vkngwrapper/tvma/internal/vulkan"
	"github.com/vkngwrapper/tvma/memutils"
	"github.com/vkngwrapper/tvma/native"
	"golang.org/x/exp/slog"
)

// dedicatedAllocator gives every request its own native memory object and remembers which
// objects are still live, so a block is only ever handed back to the device once.
type dedicatedAllocator struct {
	mutex           utils.OptionalMutex
	logger          *slog.Logger
	deviceMemory    *vulkan.DeviceMemoryProperties
	memoryTypeIndex int
	flags           core1_0.MemoryPropertyFlags

	// memory handle -> size
	live      *swiss.Map[native.Memory, uint64]
	allocated uint64
}

func newDedicatedAllocator(useMutex bool, logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties, memoryTypeIndex int) *dedicatedAllocator {
	return &dedicatedAllocator{
		mutex:           utils.OptionalMutex{UseMutex: useMutex},
		logger:          logger,
		deviceMemory:    deviceMemory,
		memoryTypeIndex: memoryTypeIndex,
		flags:           deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags,
		live:            swiss.NewMap[native.Memory, uint64](8),
	}
}

// Alloc creates a native memory object of exactly size bytes. The boolean return value is false
// if the device could not provide the memory.
func (a *dedicatedAllocator) Alloc(size uint64) (Block, bool) {
	memory, res, err := a.deviceMemory.AllocateDeviceMemory(a.memoryTypeIndex, size)
	if err != nil {
		a.logger.Debug("    dedicatedAllocator::Alloc FAILED",
			slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
			slog.String("Size", humanize.IBytes(size)),
			slog.Any("Result", res),
		)
		return Block{}, false
	}

	a.mutex.Lock()
	a.live.Put(memory.Memory, size)
	a.allocated += size
	a.mutex.Unlock()

	return Block{
		memory:          memory.Memory,
		memorySize:      memory.Size,
		size:            size,
		ptr:             memory.MappedData,
		flags:           a.flags,
		memoryTypeIndex: a.memoryTypeIndex,
		kind:            BlockKindDedicated,
	}, true
}

// Dealloc releases the native memory object owned by a dedicated block
func (a *dedicatedAllocator) Dealloc(block *Block) error {
	if block.offset != 0 || block.size != block.memorySize {
		return errors.Wrapf(ErrForeignBlock, "dedicated block covers [%d, %d) of a %d byte memory object", block.offset, block.End(), block.memorySize)
	}

	a.mutex.Lock()
	size, ok := a.live.Get(block.memory)
	switch {
	case !ok:
		a.mutex.Unlock()
		return errors.Wrapf(ErrDoubleFree, "memory %d is not a live dedicated block of memory type %d", block.memory, a.memoryTypeIndex)
	case size != block.size:
		a.mutex.Unlock()
		return errors.Wrapf(ErrForeignBlock, "dedicated memory %d holds %d bytes, not %d", block.memory, size, block.size)
	}
	a.live.Delete(block.memory)
	a.allocated -= size
	memutils.DebugValidate(a)
	a.mutex.Unlock()

	a.deviceMemory.FreeDeviceMemory(a.memoryTypeIndex, &vulkan.DeviceMemory{
		Memory:     block.memory,
		Size:       block.memorySize,
		MappedData: block.ptr,
	})

	return nil
}

// Allocated returns the number of bytes held by live dedicated blocks
func (a *dedicatedAllocator) Allocated() uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocated
}

// Count returns the number of live dedicated blocks
func (a *dedicatedAllocator) Count() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.live.Count()
}

func (a *dedicatedAllocator) Validate() error {
	var sum uint64
	a.live.Iter(func(_ native.Memory, size uint64) bool {
		sum += size
		return false
	})

	if sum != a.allocated {
		return errors.Newf("live dedicated blocks hold %d bytes but %d are counted", sum, a.allocated)
	}
	return nil
}

func (a *dedicatedAllocator) printDetailedStats(obj *jwriter.ObjectState) {
	obj.Name("Count").Int(a.Count())
	obj.Name("Bytes").String(humanize.IBytes(a.Allocated()))
}
