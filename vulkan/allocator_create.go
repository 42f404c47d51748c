package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma"
	"golang.org/x/exp/slog"
)

// New creates a tvma.Allocator that allocates from a core1_0.Device. The memory types, heaps,
// nonCoherentAtomSize and maxMemoryAllocationCount are read from physicalDevice. If options
// already carries a NonCoherentAtomSize or MaxMemoryAllocationCount, those values are kept.
//
// The returned Device resolves the native.Memory of each tvma.Block back to the
// core1_0.DeviceMemory that resources should be bound to.
func New(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	config tvma.Config,
	options tvma.CreateOptions,
	deviceOptions DeviceOptions,
) (*tvma.Allocator, *Device, error) {
	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, nil, err
	}

	if deviceProperties.Limits != nil {
		if options.NonCoherentAtomSize == 0 {
			options.NonCoherentAtomSize = uint64(deviceProperties.Limits.NonCoherentAtomSize)
		}
		if options.MaxMemoryAllocationCount == 0 {
			options.MaxMemoryAllocationCount = deviceProperties.Limits.MaxMemoryAllocationCount
		}
	}

	nativeDevice, err := NewDevice(device, deviceOptions)
	if err != nil {
		return nil, nil, err
	}

	allocator, err := tvma.New(logger, nativeDevice, physicalDevice.MemoryProperties(), config, options)
	if err != nil {
		return nil, nil, err
	}

	return allocator, nativeDevice, nil
}
