package tvma

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/native/nativetest"
)

var dataDrivenUsages = map[string]UsageFlags{
	"none":     0,
	"device":   UsageFastDeviceAccess,
	"host":     UsageHostAccess,
	"upload":   UsageUpload,
	"download": UsageDownload,
	"address":  UsageDeviceAddress,
}

var dataDrivenDedicated = map[string]Dedicated{
	"indifferent": DedicatedIndifferent,
	"preferred":   DedicatedPreferred,
	"required":    DedicatedRequired,
}

func argValue(d *datadriven.TestData, key string) (string, bool) {
	for _, arg := range d.CmdArgs {
		if arg.Key == key {
			if len(arg.Vals) == 0 {
				return "", true
			}
			return arg.Vals[0], true
		}
	}
	return "", false
}

func uintArg(t *testing.T, d *datadriven.TestData, key string, defaultValue uint64) uint64 {
	str, ok := argValue(d, key)
	if !ok {
		return defaultValue
	}

	value, err := strconv.ParseUint(str, 0, 64)
	require.NoError(t, err)
	return value
}

func describeError(err error) string {
	switch {
	case errors.Is(err, ErrNoCompatibleMemory):
		return "no compatible memory"
	case errors.Is(err, ErrOutOfMemory):
		return "out of memory"
	case errors.Is(err, ErrInvalidBlock):
		return "invalid block"
	case errors.Is(err, ErrDoubleFree):
		return "double free"
	case errors.Is(err, ErrForeignBlock):
		return "foreign block"
	}
	return err.Error()
}

// TestAllocator_DataDriven runs the scripts in testdata against an allocator backed by
// an in-memory device. Each script starts with "new", which uses 4KiB and 64KiB
// dedicated thresholds, 64KiB lines and a 256 byte minimum chunk block.
//
//	new [chunked]
//	alloc name=<block> size=<bytes> [align=<mask>] [usage=<usage>] [dedicated=<hint>] [types=<bits>]
//	dealloc name=<block>
//	copy name=<block> from=<block>
//	limit type=<memory type> bytes=<bytes>
//	native
//	destroy
func TestAllocator_DataDriven(t *testing.T) {
	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		var device *nativetest.Device
		var allocator *Allocator
		blocks := make(map[string]*Block)

		datadriven.RunTest(t, path, func(t *testing.T, d *datadriven.TestData) string {
			switch d.Cmd {
			case "new":
				var options CreateOptions
				if _, chunked := argValue(d, "chunked"); chunked {
					options.Flags |= AllocatorCreateChunkedStrategy
				}

				device = nativetest.NewDevice()
				var err error
				allocator, err = New(discardLogger(), device, &core1_0.PhysicalDeviceMemoryProperties{
					MemoryTypes: discreteMemoryTypes(),
					MemoryHeaps: []core1_0.MemoryHeap{
						{Size: 1 << 32, Flags: core1_0.MemoryHeapDeviceLocal},
						{Size: 1 << 32},
					},
				}, Config{
					DedicatedThresholdLow:  4096,
					DedicatedThresholdHigh: 65536,
					LineSize:               65536,
					MinChunkBlock:          256,
				}, options)
				require.NoError(t, err)
				return "ok"

			case "alloc":
				var name string
				d.ScanArgs(t, "name", &name)

				size := uintArg(t, d, "size", 0)
				alignMask := uintArg(t, d, "align", 0)
				memoryTypeBits := uint32(uintArg(t, d, "types", uint64(allMemoryTypes)))

				usage := UsageFlags(0)
				if str, ok := argValue(d, "usage"); ok {
					var known bool
					usage, known = dataDrivenUsages[str]
					require.True(t, known, "unknown usage %q", str)
				}

				dedicated := DedicatedIndifferent
				if str, ok := argValue(d, "dedicated"); ok {
					var known bool
					dedicated, known = dataDrivenDedicated[str]
					require.True(t, known, "unknown dedicated hint %q", str)
				}

				block, _, err := allocator.Alloc(size, alignMask, memoryTypeBits, usage, dedicated)
				if err != nil {
					return fmt.Sprintf("%s: error: %s", name, describeError(err))
				}
				blocks[name] = &block

				return fmt.Sprintf("%s: %s type=%d memory=%d offset=%d size=%d",
					name, block.Kind(), block.MemoryTypeIndex(), block.Memory(), block.Offset(), block.Size())

			case "dealloc":
				var name string
				d.ScanArgs(t, "name", &name)

				block, ok := blocks[name]
				require.True(t, ok, "unknown block %q", name)

				err := allocator.Dealloc(block)
				if err != nil {
					return "error: " + describeError(err)
				}
				return "ok"

			case "copy":
				var name, from string
				d.ScanArgs(t, "name", &name)
				d.ScanArgs(t, "from", &from)

				block, ok := blocks[from]
				require.True(t, ok, "unknown block %q", from)

				copied := *block
				blocks[name] = &copied
				return "ok"

			case "limit":
				device.SetLimit(int(uintArg(t, d, "type", 0)), uintArg(t, d, "bytes", 0))
				return "ok"

			case "native":
				require.NoError(t, allocator.Validate())
				return fmt.Sprintf("live=%d frees=%d allocations=%v", device.Live(), device.Frees(), device.AllocationSizes())

			case "destroy":
				err := allocator.Destroy()
				if err != nil {
					return "error: " + err.Error()
				}
				return "ok"
			}

			return fmt.Sprintf("unknown command %q", d.Cmd)
		})
	})
}
