package tvma

import (
	"sort"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// memoryPropertyProtected is VK_MEMORY_PROPERTY_PROTECTED_BIT, which only exists in core 1.1
const memoryPropertyProtected core1_0.MemoryPropertyFlags = 0x00000020

// memoryForUsage is the set of memory types eligible for one combination of UsageFlags, ordered
// from most to least preferred
type memoryForUsage struct {
	mask  uint32
	types []int
}

func (m memoryForUsage) compatible(memoryTypeBits uint32) bool {
	return m.mask&memoryTypeBits != 0
}

func usageRequiresHostVisible(usage UsageFlags) bool {
	return usage&(UsageHostAccess|UsageUpload|UsageDownload) != 0
}

func memoryTypeCompatible(usage UsageFlags, flags core1_0.MemoryPropertyFlags) bool {
	if flags&(core1_0.MemoryPropertyLazilyAllocated|memoryPropertyProtected) != 0 {
		return false
	}

	if usageRequiresHostVisible(usage) && flags&core1_0.MemoryPropertyHostVisible == 0 {
		return false
	}

	return true
}

func boolWeight(b bool, weight int) int {
	if b {
		return weight
	}
	return 0
}

// usagePriority scores a memory type for a usage. Lower scores are tried first. Each property
// that matches what the usage wants is subtracted from 15, with device locality weighted
// highest, then unwanted host visibility, then caching, then coherency. A type that matches on
// every property scores 0.
func usagePriority(usage UsageFlags, flags core1_0.MemoryPropertyFlags) int {
	hostAccess := usageRequiresHostVisible(usage)

	wantDeviceLocal := usage == 0 || usage&UsageFastDeviceAccess != 0
	isDeviceLocal := flags&core1_0.MemoryPropertyDeviceLocal != 0

	isHostVisible := flags&core1_0.MemoryPropertyHostVisible != 0

	wantCached := usage&UsageDownload != 0
	isCached := flags&core1_0.MemoryPropertyHostCached != 0

	wantCoherent := usage&(UsageUpload|UsageDownload) != 0
	isCoherent := flags&core1_0.MemoryPropertyHostCoherent != 0

	return 15 -
		boolWeight(wantDeviceLocal == isDeviceLocal, 8) -
		boolWeight(hostAccess || !isHostVisible, 4) -
		boolWeight(wantCached == isCached, 2) -
		boolWeight(wantCoherent == isCoherent, 1)
}

func memoryForUsageFlags(usage UsageFlags, memoryTypes []core1_0.MemoryType) memoryForUsage {
	var result memoryForUsage

	for typeIndex, memoryType := range memoryTypes {
		if memoryTypeCompatible(usage, memoryType.PropertyFlags) {
			result.types = append(result.types, typeIndex)
			result.mask |= 1 << uint(typeIndex)
		}
	}

	sort.SliceStable(result.types, func(i, j int) bool {
		left := usagePriority(usage, memoryTypes[result.types[i]].PropertyFlags)
		right := usagePriority(usage, memoryTypes[result.types[j]].PropertyFlags)
		return left < right
	})

	return result
}

// buildMemoryForUsage resolves every combination of UsageFlags against the device's memory types
func buildMemoryForUsage(memoryTypes []core1_0.MemoryType) [usageCombinations]memoryForUsage {
	var table [usageCombinations]memoryForUsage

	for usage := UsageFlags(0); usage < usageCombinations; usage++ {
		table[usage] = memoryForUsageFlags(usage, memoryTypes)
	}

	return table
}
