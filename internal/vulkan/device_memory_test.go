package vulkan

import (
	"io"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/memutils"
	"github.com/vkngwrapper/tvma/native"
	mock_native "github.com/vkngwrapper/tvma/native/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type recordedCallback struct {
	memoryType int
	memory     native.Memory
	size       uint64
}

type recordingCallbacks struct {
	allocated []recordedCallback
	freed     []recordedCallback
}

func (c *recordingCallbacks) Allocate(memoryType int, memory native.Memory, size uint64) {
	c.allocated = append(c.allocated, recordedCallback{memoryType: memoryType, memory: memory, size: size})
}

func (c *recordingCallbacks) Free(memoryType int, memory native.Memory, size uint64) {
	c.freed = append(c.freed, recordedCallback{memoryType: memoryType, memory: memory, size: size})
}

func testProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1 << 30, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1 << 28},
		},
	}
}

func readyProperties(t *testing.T, ctrl *gomock.Controller, maxCount int) (*mock_native.MockDevice, *recordingCallbacks, *DeviceMemoryProperties) {
	device := mock_native.NewMockDevice(ctrl)
	callbacks := &recordingCallbacks{}
	logger := slog.New(slog.NewTextHandler(io.Discard))

	props, err := NewDeviceMemoryProperties(logger, device, callbacks, testProperties(), maxCount)
	require.NoError(t, err)

	return device, callbacks, props
}

func recoverPanic(f func()) (value any) {
	defer func() {
		value = recover()
	}()

	f()
	return nil
}

func TestNewDeviceMemoryProperties_BadHeapIndex(t *testing.T) {
	props := testProperties()
	props.MemoryTypes[2].HeapIndex = 2

	_, err := NewDeviceMemoryProperties(slog.New(slog.NewTextHandler(io.Discard)), nil, nil, props, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "memory type 2 refers to heap 2")
}

func TestDeviceMemoryProperties_Classification(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, props := readyProperties(t, ctrl, 0)

	require.Equal(t, 3, props.MemoryTypeCount())
	require.Equal(t, 2, props.MemoryHeapCount())
	require.Equal(t, 1, props.MemoryTypeIndexToHeapIndex(2))

	require.False(t, props.IsMemoryTypeHostVisible(0))
	require.True(t, props.IsMemoryTypeHostVisible(1))
	require.False(t, props.IsMemoryTypeHostNonCoherent(1))
	require.True(t, props.IsMemoryTypeHostNonCoherent(2))
}

func TestAllocateDeviceMemory_DeviceLocal(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, callbacks, props := readyProperties(t, ctrl, 0)

	device.EXPECT().AllocateMemory(0, uint64(4096)).Return(native.Memory(7), core1_0.VKSuccess, nil)

	mem, res, err := props.AllocateDeviceMemory(0, 4096)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, native.Memory(7), mem.Memory)
	require.Equal(t, uint64(4096), mem.Size)
	require.Nil(t, mem.MappedData)

	require.Equal(t, []recordedCallback{{memoryType: 0, memory: 7, size: 4096}}, callbacks.allocated)
	require.Equal(t, memutils.Statistics{BlockCount: 1, BlockBytes: 4096}, props.HeapStatistics(0))
	require.Equal(t, uint32(1), props.MemoryObjectCount())

	device.EXPECT().FreeMemory(native.Memory(7))
	props.FreeDeviceMemory(0, mem)

	require.Equal(t, []recordedCallback{{memoryType: 0, memory: 7, size: 4096}}, callbacks.freed)
	require.Equal(t, memutils.Statistics{}, props.HeapStatistics(0))
	require.Equal(t, uint32(0), props.MemoryObjectCount())
}

func TestAllocateDeviceMemory_HostVisibleIsMapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, _, props := readyProperties(t, ctrl, 0)

	backing := make([]byte, 256)
	pointer := unsafe.Pointer(&backing[0])

	gomock.InOrder(
		device.EXPECT().AllocateMemory(1, uint64(256)).Return(native.Memory(3), core1_0.VKSuccess, nil),
		device.EXPECT().MapMemory(native.Memory(3), uint64(0), uint64(256)).Return(pointer, core1_0.VKSuccess, nil),
	)

	mem, _, err := props.AllocateDeviceMemory(1, 256)
	require.NoError(t, err)
	require.Equal(t, pointer, mem.MappedData)
	require.Equal(t, memutils.Statistics{BlockCount: 1, BlockBytes: 256}, props.HeapStatistics(1))

	gomock.InOrder(
		device.EXPECT().UnmapMemory(native.Memory(3)),
		device.EXPECT().FreeMemory(native.Memory(3)),
	)
	props.FreeDeviceMemory(1, mem)
	require.Nil(t, mem.MappedData)
}

func TestAllocateDeviceMemory_OutOfDeviceMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, callbacks, props := readyProperties(t, ctrl, 0)

	device.EXPECT().AllocateMemory(0, uint64(1<<20)).Return(native.NullMemory, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	mem, res, err := props.AllocateDeviceMemory(0, 1<<20)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Nil(t, mem)
	require.Empty(t, callbacks.allocated)
	require.Equal(t, uint32(0), props.MemoryObjectCount())
	require.Equal(t, memutils.Statistics{}, props.HeapStatistics(0))
}

func TestAllocateDeviceMemory_UnknownFailureIsRecoverable(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, _, props := readyProperties(t, ctrl, 0)

	device.EXPECT().AllocateMemory(0, uint64(64)).Return(native.NullMemory, core1_0.VKErrorUnknown, core1_0.VKErrorUnknown.ToError())

	_, res, err := props.AllocateDeviceMemory(0, 64)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)
}

func TestAllocateDeviceMemory_OutOfHostMemoryPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, _, props := readyProperties(t, ctrl, 0)

	device.EXPECT().AllocateMemory(0, uint64(64)).Return(native.NullMemory, core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorOutOfHostMemory.ToError())

	value := recoverPanic(func() {
		_, _, _ = props.AllocateDeviceMemory(0, 64)
	})
	err, isErr := value.(error)
	require.True(t, isErr)
	require.True(t, errors.Is(err, ErrOutOfHostMemory))
	require.Equal(t, uint32(0), props.MemoryObjectCount())
}

func TestAllocateDeviceMemory_MapFailureFreesThenPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, callbacks, props := readyProperties(t, ctrl, 0)

	gomock.InOrder(
		device.EXPECT().AllocateMemory(1, uint64(128)).Return(native.Memory(9), core1_0.VKSuccess, nil),
		device.EXPECT().MapMemory(native.Memory(9), uint64(0), uint64(128)).Return(unsafe.Pointer(nil), core1_0.VKErrorMemoryMapFailed, core1_0.VKErrorMemoryMapFailed.ToError()),
		device.EXPECT().FreeMemory(native.Memory(9)),
	)

	value := recoverPanic(func() {
		_, _, _ = props.AllocateDeviceMemory(1, 128)
	})
	err, isErr := value.(error)
	require.True(t, isErr)
	require.True(t, errors.Is(err, ErrOutOfHostMemory))
	require.Empty(t, callbacks.allocated)
	require.Equal(t, memutils.Statistics{}, props.HeapStatistics(1))
}

func TestAllocateDeviceMemory_TooManyObjects(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, _, props := readyProperties(t, ctrl, 1)

	device.EXPECT().AllocateMemory(0, uint64(64)).Return(native.Memory(1), core1_0.VKSuccess, nil)

	first, _, err := props.AllocateDeviceMemory(0, 64)
	require.NoError(t, err)

	_, res, err := props.AllocateDeviceMemory(0, 64)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorTooManyObjects, res)
	require.Equal(t, uint32(1), props.MemoryObjectCount())

	device.EXPECT().FreeMemory(native.Memory(1))
	props.FreeDeviceMemory(0, first)

	device.EXPECT().AllocateMemory(0, uint64(64)).Return(native.Memory(2), core1_0.VKSuccess, nil)
	_, _, err = props.AllocateDeviceMemory(0, 64)
	require.NoError(t, err)
}

func TestDeviceMemoryProperties_AllocationCounters(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, props := readyProperties(t, ctrl, 0)

	props.AddAllocation(1, 100)
	props.AddAllocation(1, 50)
	require.Equal(t, memutils.Statistics{AllocationCount: 2, AllocationBytes: 150}, props.HeapStatistics(1))

	props.RemoveAllocation(1, 100)
	require.Equal(t, memutils.Statistics{AllocationCount: 1, AllocationBytes: 50}, props.HeapStatistics(1))

	props.RemoveAllocation(1, 50)
	require.Panics(t, func() {
		props.RemoveAllocation(1, 1)
	})
}

func TestFlushOrInvalidateRanges(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, _, props := readyProperties(t, ctrl, 0)

	ranges := []native.MappedRange{{Memory: 4, Offset: 64, Size: 128}}
	device.EXPECT().FlushMappedMemory(ranges).Return(core1_0.VKSuccess, nil)
	device.EXPECT().InvalidateMappedMemory(ranges).Return(core1_0.VKSuccess, nil)

	_, err := props.FlushOrInvalidateRanges(ranges, CacheOperationFlush)
	require.NoError(t, err)
	_, err = props.FlushOrInvalidateRanges(ranges, CacheOperationInvalidate)
	require.NoError(t, err)

	res, err := props.FlushOrInvalidateRanges(nil, CacheOperationFlush)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
}
