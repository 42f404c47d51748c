package vulkan

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/memutils"
	"github.com/vkngwrapper/tvma/native"
	"golang.org/x/exp/slog"
)

// ErrOutOfHostMemory is the panic value raised when the native layer reports that host memory
// is exhausted. Host memory exhaustion is never recoverable.
var ErrOutOfHostMemory = errors.New("host memory exhausted")

type MemoryCallbacks interface {
	Allocate(memoryType int, memory native.Memory, size uint64)
	Free(memoryType int, memory native.Memory, size uint64)
}

// DeviceMemory is a live native memory object. MappedData is the host address of the
// start of the object, or nil if the object's memory type is not host-visible.
type DeviceMemory struct {
	Memory     native.Memory
	Size       uint64
	MappedData unsafe.Pointer
}

type DeviceMemoryProperties struct {
	// Number of native memory objects that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of user allocations that have been doled out- this includes dedicated
	// allocations and suballocations
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of native memory objects that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of user allocations that have been doled out
	allocationBytes [common.MaxMemoryHeaps]int64

	memoryCount              uint32
	maxMemoryAllocationCount int

	logger           *slog.Logger
	device           native.Device
	memoryCallbacks  MemoryCallbacks
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewDeviceMemoryProperties(
	logger *slog.Logger,
	device native.Device,
	memoryCallbacks MemoryCallbacks,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	maxMemoryAllocationCount int,
) (*DeviceMemoryProperties, error) {
	if memoryProperties == nil {
		return nil, errors.New("memory properties must be provided")
	}

	typeCount := len(memoryProperties.MemoryTypes)
	heapCount := len(memoryProperties.MemoryHeaps)
	if typeCount > common.MaxMemoryTypes {
		return nil, errors.Newf("device reported %d memory types, but at most %d are supported", typeCount, common.MaxMemoryTypes)
	}
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("device reported %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}

	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but only %d heaps are present", typeIndex, memoryType.HeapIndex, heapCount)
		}
	}

	return &DeviceMemoryProperties{
		logger:                   logger,
		device:                   device,
		memoryCallbacks:          memoryCallbacks,
		memoryProperties:         memoryProperties,
		maxMemoryAllocationCount: maxMemoryAllocationCount,
	}, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize uint64) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex int, allocationSize uint64) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], -int64(allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heapIndex %d went negative", heapIndex))
	}
}

func (m *DeviceMemoryProperties) fatalHostMemory(memoryTypeIndex int, size uint64, res common.VkResult, err error) {
	m.logger.LogAttrs(context.Background(), slog.LevelError, "native memory operation exhausted host memory",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Uint64("Size", size),
		slog.Any("Result", res),
	)

	if err == nil {
		err = res.ToError()
	}
	panic(errors.Mark(errors.Wrapf(err, "allocating %d bytes from memory type %d", size, memoryTypeIndex), ErrOutOfHostMemory))
}

// AllocateDeviceMemory creates a native memory object of the requested size from a memory type.
// If the memory type is host-visible, the whole object is mapped before it is returned.
//
// A returned error is a recoverable failure: the device is out of memory, the device
// object limit has been reached, or the native layer failed in some unexpected way. When
// the native layer reports that host memory is exhausted, this method panics with an error
// marked as ErrOutOfHostMemory.
func (m *DeviceMemoryProperties) AllocateDeviceMemory(
	memoryTypeIndex int,
	size uint64,
) (mem *DeviceMemory, res common.VkResult, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if mem == nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if m.maxMemoryAllocationCount > 0 && int(newDeviceCount) > m.maxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	memory, res, err := m.device.AllocateMemory(memoryTypeIndex, size)
	switch {
	case res == core1_0.VKErrorOutOfHostMemory:
		m.fatalHostMemory(memoryTypeIndex, size, res, err)
	case err != nil:
		if res != core1_0.VKErrorOutOfDeviceMemory {
			m.logger.LogAttrs(context.Background(), slog.LevelError, "unexpected failure allocating native memory",
				slog.Int("MemoryTypeIndex", memoryTypeIndex),
				slog.Uint64("Size", size),
				slog.Any("Result", res),
				slog.Any("error", err),
			)
		}
		return nil, res, err
	case memory == native.NullMemory:
		return nil, core1_0.VKErrorUnknown, errors.AssertionFailedf("native layer returned a null memory object for a successful allocation")
	}

	mem = &DeviceMemory{
		Memory: memory,
		Size:   size,
	}

	if m.IsMemoryTypeHostVisible(memoryTypeIndex) {
		mem.MappedData, res, err = m.device.MapMemory(memory, 0, size)
		if err != nil {
			m.device.FreeMemory(memory)

			if res == core1_0.VKErrorOutOfHostMemory || res == core1_0.VKErrorMemoryMapFailed {
				m.fatalHostMemory(memoryTypeIndex, size, res, err)
			}
			return nil, res, err
		}
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.addBlockAllocation(heapIndex, size)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	}

	return mem, core1_0.VKSuccess, nil
}

// FreeDeviceMemory unmaps, if necessary, and releases a native memory object created
// by AllocateDeviceMemory
func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryType int, memory *DeviceMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryType, memory.Memory, memory.Size)
	}

	if memory.MappedData != nil {
		m.device.UnmapMemory(memory.Memory)
		memory.MappedData = nil
	}
	m.device.FreeMemory(memory.Memory)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, memory.Size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size uint64) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size uint64) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], -int64(size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

// HeapStatistics reports the native objects and user allocations currently live in a heap
func (m *DeviceMemoryProperties) HeapStatistics(heapIndex int) memutils.Statistics {
	return memutils.Statistics{
		BlockCount:      int(atomic.LoadInt32(&m.blockCount[heapIndex])),
		AllocationCount: int(atomic.LoadInt32(&m.allocationCount[heapIndex])),
		BlockBytes:      uint64(atomic.LoadInt64(&m.blockBytes[heapIndex])),
		AllocationBytes: uint64(atomic.LoadInt64(&m.allocationBytes[heapIndex])),
	}
}

type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationMapping = make(map[CacheOperation]string)

func (o CacheOperation) String() string {
	return cacheOperationMapping[o]
}

func init() {
	cacheOperationMapping[CacheOperationFlush] = "CacheOperationFlush"
	cacheOperationMapping[CacheOperationInvalidate] = "CacheOperationInvalidate"
}

func (m *DeviceMemoryProperties) FlushOrInvalidateRanges(memRanges []native.MappedRange, operation CacheOperation) (common.VkResult, error) {
	if len(memRanges) == 0 {
		return core1_0.VKSuccess, nil
	}

	switch operation {
	case CacheOperationFlush:
		return m.device.FlushMappedMemory(memRanges)
	case CacheOperationInvalidate:
		return m.device.InvalidateMappedMemory(memRanges)
	}

	return core1_0.VKErrorUnknown, errors.Newf("attempted to carry out invalid cache operation %s", operation.String())
}

// MemoryObjectCount returns the number of live native memory objects across all heaps
func (m *DeviceMemoryProperties) MemoryObjectCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
