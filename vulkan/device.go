package vulkan

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"github.com/vkngwrapper/tvma/native"
)

// DeviceOptions contains optional settings for a Device
type DeviceOptions struct {
	// AllocationCallbacks are passed to the driver whenever device memory is allocated or freed
	AllocationCallbacks *driver.AllocationCallbacks
	// BufferDeviceAddress causes every native memory object to be allocated with
	// MemoryAllocateDeviceAddress, so that buffers bound to it can be addressed from shaders.
	// The device must have Vulkan 1.2 or khr_buffer_device_address active.
	BufferDeviceAddress bool
}

// Device is a native.Device backed by a core1_0.Device. It hands out opaque native.Memory
// handles and keeps track of the core1_0.DeviceMemory each one refers to.
type Device struct {
	device  core1_0.Device
	options DeviceOptions

	lock       sync.RWMutex
	nextHandle native.Memory
	memory     *swiss.Map[native.Memory, core1_0.DeviceMemory]
}

var _ native.Device = &Device{}

func supportsBufferDeviceAddress(device core1_0.Device) bool {
	if core1_2.PromoteDevice(device) != nil {
		return true
	}

	return device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName)
}

// NewDevice wraps a core1_0.Device so the allocator can allocate from it
func NewDevice(device core1_0.Device, options DeviceOptions) (*Device, error) {
	if options.BufferDeviceAddress && !supportsBufferDeviceAddress(device) {
		return nil, errors.Newf("BufferDeviceAddress was requested, but the device does not have Vulkan 1.2 or %s active", khr_buffer_device_address.ExtensionName)
	}

	return &Device{
		device:  device,
		options: options,
		memory:  swiss.NewMap[native.Memory, core1_0.DeviceMemory](64),
	}, nil
}

// DeviceMemory retrieves the core1_0.DeviceMemory that a native.Memory handle refers to, so
// that resources can be bound to a block. It returns nil for handles that are not live.
func (d *Device) DeviceMemory(memory native.Memory) core1_0.DeviceMemory {
	d.lock.RLock()
	defer d.lock.RUnlock()

	deviceMemory, ok := d.memory.Get(memory)
	if !ok {
		return nil
	}
	return deviceMemory
}

func (d *Device) lookup(memory native.Memory) core1_0.DeviceMemory {
	deviceMemory := d.DeviceMemory(memory)
	if deviceMemory == nil {
		panic(errors.Newf("native memory handle %d is not live", memory))
	}
	return deviceMemory
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size uint64) (native.Memory, common.VkResult, error) {
	allocInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  int(size),
		MemoryTypeIndex: memoryTypeIndex,
	}

	if d.options.BufferDeviceAddress {
		allocFlagsInfo := core1_1.MemoryAllocateFlagsInfo{
			Flags: khr_buffer_device_address.MemoryAllocateDeviceAddress,
		}
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	deviceMemory, res, err := d.device.AllocateMemory(d.options.AllocationCallbacks, allocInfo)
	if err != nil {
		return native.NullMemory, res, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.nextHandle++
	handle := d.nextHandle
	d.memory.Put(handle, deviceMemory)

	return handle, res, nil
}

func (d *Device) FreeMemory(memory native.Memory) {
	d.lock.Lock()
	deviceMemory, ok := d.memory.Get(memory)
	if ok {
		d.memory.Delete(memory)
	}
	d.lock.Unlock()

	if !ok {
		panic(errors.Newf("attempted to free native memory handle %d, which is not live", memory))
	}

	deviceMemory.Free(d.options.AllocationCallbacks)
}

func (d *Device) MapMemory(memory native.Memory, offset, size uint64) (unsafe.Pointer, common.VkResult, error) {
	return d.lookup(memory).Map(int(offset), int(size), 0)
}

func (d *Device) UnmapMemory(memory native.Memory) {
	d.lookup(memory).Unmap()
}

func (d *Device) mappedMemoryRanges(ranges []native.MappedRange) []core1_0.MappedMemoryRange {
	memRanges := make([]core1_0.MappedMemoryRange, 0, len(ranges))
	for _, memRange := range ranges {
		memRanges = append(memRanges, core1_0.MappedMemoryRange{
			Memory: d.lookup(memRange.Memory),
			Offset: int(memRange.Offset),
			Size:   int(memRange.Size),
		})
	}
	return memRanges
}

func (d *Device) FlushMappedMemory(ranges []native.MappedRange) (common.VkResult, error) {
	return d.device.FlushMappedMemoryRanges(d.mappedMemoryRanges(ranges))
}

func (d *Device) InvalidateMappedMemory(ranges []native.MappedRange) (common.VkResult, error) {
	return d.device.InvalidateMappedMemoryRanges(d.mappedMemoryRanges(ranges))
}
