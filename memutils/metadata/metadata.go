package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
)

// Metadata is implemented by the offset bookkeeping types in this package. Each one manages a
// fixed range of a backing heap or resource without any knowledge of the device memory behind
// it: the allocators in gpumem own the device objects and consult a Metadata to decide which
// sub-range to hand out.
type Metadata interface {
	// Validate performs internal consistency checks on the metadata. These checks may be expensive,
	// depending on the implementation. When the implementation is functioning correctly, it should not
	// be possible for this method to return an error.
	Validate() error
	// Size returns the number of bytes managed by this metadata
	Size() int
	// IsEmpty returns true if this metadata has no live suballocations
	IsEmpty() bool
	// AllocationCount returns the number of suballocations currently live
	AllocationCount() int
	// SumFreeSize returns the number of free bytes in the managed range
	SumFreeSize() int

	// AddStatistics sums this metadata's statistics into the provided object. A metadata always
	// reports itself as a single block.
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this metadata's detailed statistics into the provided object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// PrintDetailedMap writes a description of every live and free region to the provided json object
	PrintDetailedMap(json *jwriter.ObjectState)
}

// blockJsonData populates a json object with summary information about a managed range
func blockJsonData(json *jwriter.ObjectState, totalBytes, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(totalBytes)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
