package vulkan

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/device"
)

// ErrNoMemoryType is returned when the physical device exposes no memory type that can serve a heap type
var ErrNoMemoryType = errors.New("no memory type satisfies the heap type")

func memoryPreferences(heapType device.HeapType) (required, preferred, notPreferred core1_0.MemoryPropertyFlags) {
	switch heapType {
	case device.HeapTypeUpload:
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, 0, core1_0.MemoryPropertyHostCached
	case device.HeapTypeReadback:
		return core1_0.MemoryPropertyHostVisible, core1_0.MemoryPropertyHostCached | core1_0.MemoryPropertyHostCoherent, core1_0.MemoryPropertyDeviceLocal
	default:
		return 0, core1_0.MemoryPropertyDeviceLocal, core1_0.MemoryPropertyHostVisible
	}
}

// FindMemoryTypeIndex picks the memory type that best serves a heap type. A type missing a required
// property is never chosen; among the rest, the type with the fewest missing preferred properties and
// present unwanted properties wins, with ties going to the lower index.
func FindMemoryTypeIndex(properties *core1_0.PhysicalDeviceMemoryProperties, heapType device.HeapType) (int, error) {
	requiredFlags, preferredFlags, notPreferredFlags := memoryPreferences(heapType)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex, memType := range properties.MemoryTypes {
		flags := memType.PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrNoMemoryType, "heap type %s", heapType)
	}

	return bestMemoryTypeIndex, nil
}
