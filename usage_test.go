package tvma

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func discreteMemoryTypes() []core1_0.MemoryType {
	return []core1_0.MemoryType{
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
	}
}

func TestUsagePriority(t *testing.T) {
	types := discreteMemoryTypes()

	priorities := func(usage UsageFlags) []int {
		var result []int
		for _, memoryType := range types {
			result = append(result, usagePriority(usage, memoryType.PropertyFlags))
		}
		return result
	}

	require.Equal(t, []int{0, 13, 5, 15}, priorities(UsageFastDeviceAccess))
	require.Equal(t, []int{0, 13, 5, 15}, priorities(0))
	require.Equal(t, []int{9, 0, 8, 2}, priorities(UsageUpload))
	require.Equal(t, []int{11, 2, 10, 0}, priorities(UsageDownload))
}

func TestUsagePriority_MatchingPropertiesWin(t *testing.T) {
	deviceLocal := core1_0.MemoryPropertyDeviceLocal
	hostCached := core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached

	// A type that matches every wanted property scores best
	require.Equal(t, 0, usagePriority(UsageFastDeviceAccess, deviceLocal))
	require.Equal(t, 15, usagePriority(UsageFastDeviceAccess, hostCached))
	require.Less(t, usagePriority(UsageFastDeviceAccess, deviceLocal), usagePriority(UsageFastDeviceAccess, hostCached))

	require.Equal(t, 0, usagePriority(UsageDownload, hostCached))
	require.Less(t, usagePriority(UsageDownload, hostCached), usagePriority(UsageDownload, deviceLocal|core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent))
}

func TestMemoryForUsage_Ordering(t *testing.T) {
	types := discreteMemoryTypes()

	device := memoryForUsageFlags(UsageFastDeviceAccess, types)
	require.Equal(t, []int{0, 2, 1, 3}, device.types)
	require.Equal(t, uint32(0b1111), device.mask)

	upload := memoryForUsageFlags(UsageUpload, types)
	require.Equal(t, []int{1, 3, 2}, upload.types)
	require.Equal(t, uint32(0b1110), upload.mask)

	download := memoryForUsageFlags(UsageDownload, types)
	require.Equal(t, []int{3, 1, 2}, download.types)

	hostAccess := memoryForUsageFlags(UsageHostAccess|UsageFastDeviceAccess, types)
	require.Equal(t, []int{2, 1, 3}, hostAccess.types)
}

func TestMemoryForUsage_ExcludesLazyAndProtected(t *testing.T) {
	types := []core1_0.MemoryType{
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyLazilyAllocated, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | memoryPropertyProtected, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
	}

	result := memoryForUsageFlags(UsageFastDeviceAccess, types)
	require.Equal(t, []int{2}, result.types)
	require.Equal(t, uint32(0b100), result.mask)

	require.False(t, memoryForUsageFlags(UsageUpload, types).compatible(0b111))
}

func TestMemoryForUsage_StableForEqualPriorities(t *testing.T) {
	types := []core1_0.MemoryType{
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
	}

	result := memoryForUsageFlags(UsageUpload, types)
	require.Equal(t, []int{0, 2}, result.types)
}

func TestBuildMemoryForUsage(t *testing.T) {
	table := buildMemoryForUsage(discreteMemoryTypes())

	for usage := UsageFlags(0); usage < usageCombinations; usage++ {
		entry := table[usage]
		require.NotEmpty(t, entry.types, "usage %s", usage)

		var mask uint32
		for _, typeIndex := range entry.types {
			mask |= 1 << uint(typeIndex)
		}
		require.Equal(t, entry.mask, mask, "usage %s", usage)

		if usageRequiresHostVisible(usage) {
			require.NotContains(t, entry.types, 0, "usage %s", usage)
		}
	}
}

func TestUsageFlags_String(t *testing.T) {
	require.Contains(t, (UsageUpload | UsageDeviceAddress).String(), "UsageUpload")
	require.Contains(t, (UsageUpload | UsageDeviceAddress).String(), "UsageDeviceAddress")
	require.Equal(t, "DedicatedRequired", DedicatedRequired.String())
}
