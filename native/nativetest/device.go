// Package nativetest provides an in-memory native.Device for exercising the
// allocator without a graphics driver.
package nativetest

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/native"
)

type object struct {
	memoryTypeIndex int
	size            uint64
	data            []byte
	mapped          bool
}

// Device is a native.Device whose memory objects are Go byte slices. It counts
// every call so tests can verify that native objects are balanced, and it can be
// told to fail allocations the way a real driver would.
//
// Misuse of the native API, such as freeing an unknown object or mapping an object
// twice, panics.
type Device struct {
	mutex      sync.Mutex
	nextMemory native.Memory
	objects    *swiss.Map[native.Memory, *object]

	limits          map[int]uint64
	liveBytes       map[int]uint64
	hostOutOfMemory bool
	mapFailure      bool

	allocationSizes []uint64
	frees           int
	maps            int
	unmaps          int
	flushed         []native.MappedRange
	invalidated     []native.MappedRange
}

var _ native.Device = &Device{}

func NewDevice() *Device {
	return &Device{
		objects:   swiss.NewMap[native.Memory, *object](16),
		limits:    make(map[int]uint64),
		liveBytes: make(map[int]uint64),
	}
}

// SetLimit causes AllocateMemory to report core1_0.VKErrorOutOfDeviceMemory once the
// live bytes of memoryTypeIndex would exceed bytes
func (d *Device) SetLimit(memoryTypeIndex int, bytes uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.limits[memoryTypeIndex] = bytes
}

// FailHostAllocations causes AllocateMemory to report core1_0.VKErrorOutOfHostMemory
func (d *Device) FailHostAllocations(fail bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.hostOutOfMemory = fail
}

// FailMapping causes MapMemory to report core1_0.VKErrorMemoryMapFailed
func (d *Device) FailMapping(fail bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.mapFailure = fail
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size uint64) (native.Memory, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.hostOutOfMemory {
		return native.NullMemory, core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorOutOfHostMemory.ToError()
	}

	limit, hasLimit := d.limits[memoryTypeIndex]
	if hasLimit && d.liveBytes[memoryTypeIndex]+size > limit {
		return native.NullMemory, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	d.nextMemory++
	memory := d.nextMemory
	d.objects.Put(memory, &object{memoryTypeIndex: memoryTypeIndex, size: size})
	d.liveBytes[memoryTypeIndex] += size
	d.allocationSizes = append(d.allocationSizes, size)

	return memory, core1_0.VKSuccess, nil
}

func (d *Device) FreeMemory(memory native.Memory) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, ok := d.objects.Get(memory)
	if !ok {
		panic(errors.AssertionFailedf("freed unknown native memory %d", memory))
	}
	if obj.mapped {
		panic(errors.AssertionFailedf("freed native memory %d while it was still mapped", memory))
	}

	d.objects.Delete(memory)
	d.liveBytes[obj.memoryTypeIndex] -= obj.size
	d.frees++
}

func (d *Device) MapMemory(memory native.Memory, offset, size uint64) (unsafe.Pointer, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, ok := d.objects.Get(memory)
	if !ok {
		panic(errors.AssertionFailedf("mapped unknown native memory %d", memory))
	}
	if obj.mapped {
		panic(errors.AssertionFailedf("mapped native memory %d twice", memory))
	}
	if offset+size > obj.size {
		panic(errors.AssertionFailedf("mapped range [%d, %d) of native memory %d with size %d", offset, offset+size, memory, obj.size))
	}

	if d.mapFailure {
		return nil, core1_0.VKErrorMemoryMapFailed, core1_0.VKErrorMemoryMapFailed.ToError()
	}

	if obj.data == nil {
		obj.data = make([]byte, obj.size)
	}
	obj.mapped = true
	d.maps++

	return unsafe.Pointer(unsafe.SliceData(obj.data[offset:])), core1_0.VKSuccess, nil
}

func (d *Device) UnmapMemory(memory native.Memory) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, ok := d.objects.Get(memory)
	if !ok || !obj.mapped {
		panic(errors.AssertionFailedf("unmapped native memory %d that was not mapped", memory))
	}

	obj.mapped = false
	d.unmaps++
}

func (d *Device) checkRanges(ranges []native.MappedRange) {
	for _, r := range ranges {
		obj, ok := d.objects.Get(r.Memory)
		if !ok || !obj.mapped {
			panic(errors.AssertionFailedf("flushed or invalidated native memory %d that was not mapped", r.Memory))
		}
		if r.Offset+r.Size > obj.size {
			panic(errors.AssertionFailedf("range [%d, %d) exceeds native memory %d with size %d", r.Offset, r.Offset+r.Size, r.Memory, obj.size))
		}
	}
}

func (d *Device) FlushMappedMemory(ranges []native.MappedRange) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.checkRanges(ranges)
	d.flushed = append(d.flushed, ranges...)
	return core1_0.VKSuccess, nil
}

func (d *Device) InvalidateMappedMemory(ranges []native.MappedRange) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.checkRanges(ranges)
	d.invalidated = append(d.invalidated, ranges...)
	return core1_0.VKSuccess, nil
}

// Allocations returns the number of successful AllocateMemory calls
func (d *Device) Allocations() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.allocationSizes)
}

// AllocationSizes returns the size of every successful AllocateMemory call, in call order
func (d *Device) AllocationSizes() []uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sizes := make([]uint64, len(d.allocationSizes))
	copy(sizes, d.allocationSizes)
	return sizes
}

// Frees returns the number of FreeMemory calls
func (d *Device) Frees() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.frees
}

// Live returns the number of native memory objects that have not been freed
func (d *Device) Live() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.objects.Count()
}

// LiveBytes returns the total size of unfreed native memory objects of a memory type
func (d *Device) LiveBytes(memoryTypeIndex int) uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.liveBytes[memoryTypeIndex]
}

// Mapped returns the number of native memory objects that are currently mapped
func (d *Device) Mapped() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.maps - d.unmaps
}

// Flushed returns every range passed to FlushMappedMemory, in call order
func (d *Device) Flushed() []native.MappedRange {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]native.MappedRange(nil), d.flushed...)
}

// Invalidated returns every range passed to InvalidateMappedMemory, in call order
func (d *Device) Invalidated() []native.MappedRange {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]native.MappedRange(nil), d.invalidated...)
}
