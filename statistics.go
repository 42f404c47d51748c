package tvma

import (
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tvma/memutils"
)

// HeapStatistics describes the memory the allocator has drawn from one device heap
type HeapStatistics struct {
	// Size is the size of the heap as reported by the device
	Size uint64
	// Used is the admission counter: the total size of every block ever granted from the heap
	Used uint64
	// Statistics counts the native memory objects and blocks currently live in the heap
	Statistics memutils.Statistics
}

// HeapStatistics retrieves statistics for a single device heap
func (a *Allocator) HeapStatistics(heapIndex int) HeapStatistics {
	h := a.heaps[heapIndex]

	return HeapStatistics{
		Size:       h.size,
		Used:       h.Used(),
		Statistics: a.deviceMemory.HeapStatistics(heapIndex),
	}
}

// TotalStatistics sums the live native memory objects and blocks across every heap
func (a *Allocator) TotalStatistics() memutils.Statistics {
	var total memutils.Statistics
	for heapIndex := range a.heaps {
		stats := a.deviceMemory.HeapStatistics(heapIndex)
		total.AddStatistics(&stats)
	}
	return total
}

func printStatistics(obj *jwriter.ObjectState, stats memutils.Statistics) {
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("BlockBytes").String(humanize.IBytes(stats.BlockBytes))
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").String(humanize.IBytes(stats.AllocationBytes))
}

// BuildStatsString returns a JSON document describing the allocator's heaps and memory types.
// When detailed is true, the state of each memory type's sub-allocators is included.
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	a.printStats(&writer, detailed)
	return string(writer.Bytes())
}

func (a *Allocator) printStats(writer *jwriter.Writer, detailed bool) {
	root := writer.Object()
	defer root.End()

	total := root.Name("Total").Object()
	printStatistics(&total, a.TotalStatistics())
	total.End()

	heaps := root.Name("Heaps").Array()
	for heapIndex := range a.heaps {
		stats := a.HeapStatistics(heapIndex)
		heapProperties := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := heaps.Object()
		heapObj.Name("Index").Int(heapIndex)
		heapObj.Name("Flags").String(heapProperties.Flags.String())
		heapObj.Name("Size").String(humanize.IBytes(stats.Size))
		heapObj.Name("Used").String(humanize.IBytes(stats.Used))

		statsObj := heapObj.Name("Stats").Object()
		printStatistics(&statsObj, stats.Statistics)
		statsObj.End()

		heapObj.End()
	}
	heaps.End()

	types := root.Name("MemoryTypes").Array()
	defer types.End()

	for typeIndex := range a.dedicated {
		memoryType := a.deviceMemory.MemoryTypeProperties(typeIndex)

		typeObj := types.Object()
		typeObj.Name("Index").Int(typeIndex)
		typeObj.Name("HeapIndex").Int(memoryType.HeapIndex)
		typeObj.Name("Flags").String(memoryType.PropertyFlags.String())

		if detailed {
			dedicatedObj := typeObj.Name("Dedicated").Object()
			a.dedicated[typeIndex].printDetailedStats(&dedicatedObj)
			dedicatedObj.End()

			linearObj := typeObj.Name("Linear").Object()
			a.linear[typeIndex].printDetailedStats(&linearObj)
			linearObj.End()

			chunkedObj := typeObj.Name("Chunked").Object()
			a.chunked[typeIndex].printDetailedStats(&chunkedObj)
			chunkedObj.End()
		}

		typeObj.End()
	}
}
