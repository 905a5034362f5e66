package gpumem

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
)

// MemoryStats is the coarse summary of a device's memory use
type MemoryStats struct {
	// TotalAllocated is the number of bytes of heaps and resources held from the device
	TotalAllocated int
	// TotalUnused is the portion of TotalAllocated that no live allocation occupies
	TotalUnused int
}

func (d *Device) GetMemoryStats() MemoryStats {
	var stats memutils.DetailedStatistics
	d.CalculateStatistics(&stats)

	return MemoryStats{
		TotalAllocated: stats.BlockBytes,
		TotalUnused:    stats.UnusedBytes(),
	}
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("RetiredCount").Int(stats.RetiredCount)
	json.Name("RetiredBytes").Int(stats.RetiredBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 && stats.UnusedRangeSizeMin != math.MaxInt {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a json document describing the device's memory use. When detailedMap is true
// the document includes every allocator's backing blocks and every stand-alone resource.
func (d *Device) BuildStatsString(detailedMap bool) string {
	var total memutils.DetailedStatistics
	d.CalculateStatistics(&total)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	totalObj := obj.Name("Total").Object()
	printStatistics(&totalObj, &total)
	totalObj.End()

	budgetsObj := obj.Name("Budgets").Object()
	for heapType, budget := range d.HeapBudgets() {
		budgetObj := budgetsObj.Name(device.HeapType(heapType).String()).Object()
		budgetObj.Name("BlockCount").Int(budget.Statistics.BlockCount)
		budgetObj.Name("BlockBytes").Int(budget.Statistics.BlockBytes)
		budgetObj.Name("AllocationCount").Int(budget.Statistics.AllocationCount)
		budgetObj.Name("AllocationBytes").Int(budget.Statistics.AllocationBytes)
		budgetObj.Name("Usage").Int(budget.Usage)
		budgetObj.Name("Budget").Int(budget.Budget)
		budgetObj.End()
	}
	budgetsObj.End()

	allocatorsObj := obj.Name("Allocators").Object()
	for _, allocator := range d.registeredAllocators() {
		var stats memutils.DetailedStatistics
		stats.Clear()
		allocator.AddDetailedStatistics(&stats)

		allocatorObj := allocatorsObj.Name(allocator.Name()).Object()
		printStatistics(&allocatorObj, &stats)
		if detailedMap {
			allocator.BuildStatsString(allocatorObj.Name("Blocks"))
		}
		allocatorObj.End()
	}
	allocatorsObj.End()

	if detailedMap {
		d.standAlone.BuildStatsString(obj.Name("StandAlone"))
	}

	obj.End()
	return string(writer.Bytes())
}
