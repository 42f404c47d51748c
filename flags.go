package tvma

import (
	"github.com/vkngwrapper/core/v2/common"
)

// UsageFlags describe how a block of memory will be used. They drive which memory types are
// eligible for an allocation and in which order they are tried.
type UsageFlags int32

var usageFlagsMapping = common.NewFlagStringMapping[UsageFlags]()

func (f UsageFlags) Register(str string) {
	usageFlagsMapping.Register(f, str)
}
func (f UsageFlags) String() string {
	return usageFlagsMapping.FlagsToString(f)
}

const (
	// UsageFastDeviceAccess indicates the memory will be accessed frequently by the device, so
	// device-local memory is preferred
	UsageFastDeviceAccess UsageFlags = 1 << iota
	// UsageHostAccess indicates the memory must be mapped and accessed by the host
	UsageHostAccess
	// UsageUpload indicates the memory will be written by the host and read by the device. Host-visible
	// coherent memory is required or preferred.
	//
	// Upload memory is short-lived, so it is placed in the linear allocator.
	UsageUpload
	// UsageDownload indicates the memory will be written by the device and read by the host. Host-cached
	// memory is preferred.
	UsageDownload
	// UsageDeviceAddress indicates the memory may be bound to buffers whose device address is queried
	UsageDeviceAddress

	usageCombinations = 1 << 5
)

func init() {
	UsageFastDeviceAccess.Register("UsageFastDeviceAccess")
	UsageHostAccess.Register("UsageHostAccess")
	UsageUpload.Register("UsageUpload")
	UsageDownload.Register("UsageDownload")
	UsageDeviceAddress.Register("UsageDeviceAddress")
}

// Dedicated is a hint to the allocator about whether a request should receive its own native
// memory object
type Dedicated int32

const (
	// DedicatedIndifferent leaves the decision to the allocator, based on the request size
	DedicatedIndifferent Dedicated = iota
	// DedicatedPreferred requests a dedicated native memory object if the request is at least the
	// allocator's low dedicated threshold
	DedicatedPreferred
	// DedicatedRequired always uses a dedicated native memory object
	DedicatedRequired
)

var dedicatedMapping = make(map[Dedicated]string)

func (d Dedicated) String() string {
	return dedicatedMapping[d]
}

func init() {
	dedicatedMapping[DedicatedIndifferent] = "DedicatedIndifferent"
	dedicatedMapping[DedicatedPreferred] = "DedicatedPreferred"
	dedicatedMapping[DedicatedRequired] = "DedicatedRequired"
}

type strategy uint8

const (
	strategyLinear strategy = iota
	strategyChunked
	strategyDedicated
)

var strategyMapping = make(map[strategy]string)

func (s strategy) String() string {
	return strategyMapping[s]
}

func init() {
	strategyMapping[strategyLinear] = "Linear"
	strategyMapping[strategyChunked] = "Chunked"
	strategyMapping[strategyDedicated] = "Dedicated"
}
