package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/gpumem"
	"github.com/vkngwrapper/suballoc/memutils"
)

const (
	descHeapBlockCount = iota
	descHeapBlockBytes
	descHeapAllocationCount
	descHeapAllocationBytes
	descHeapUsage
	descHeapBudget
	descAllocatorBlockBytes
	descAllocatorAllocationCount
	descAllocatorAllocationBytes
	descAllocatorUnusedBytes
	descAllocatorRetiredBytes
	descStandAloneResources
	descPendingReleases
)

var (
	descriptors = []*prometheus.Desc{
		descHeapBlockCount: prometheus.NewDesc(
			"gpumem_heap_block_count",
			"Number of heaps and committed resources created on the device.",
			[]string{"heap_type"},
			nil,
		),
		descHeapBlockBytes: prometheus.NewDesc(
			"gpumem_heap_block_bytes",
			"Bytes of heaps and committed resources created on the device.",
			[]string{"heap_type"},
			nil,
		),
		descHeapAllocationCount: prometheus.NewDesc(
			"gpumem_heap_allocation_count",
			"Number of allocations handed out from a heap type.",
			[]string{"heap_type"},
			nil,
		),
		descHeapAllocationBytes: prometheus.NewDesc(
			"gpumem_heap_allocation_bytes",
			"Bytes of allocations handed out from a heap type.",
			[]string{"heap_type"},
			nil,
		),
		descHeapUsage: prometheus.NewDesc(
			"gpumem_heap_usage_bytes",
			"Bytes currently allocated from the device in a heap type.",
			[]string{"heap_type"},
			nil,
		),
		descHeapBudget: prometheus.NewDesc(
			"gpumem_heap_budget_bytes",
			"Configured size limit of a heap type, 0 if unlimited.",
			[]string{"heap_type"},
			nil,
		),
		descAllocatorBlockBytes: prometheus.NewDesc(
			"gpumem_allocator_block_bytes",
			"Bytes of backing memory held by an allocator.",
			[]string{"allocator"},
			nil,
		),
		descAllocatorAllocationCount: prometheus.NewDesc(
			"gpumem_allocator_allocation_count",
			"Number of live allocations in an allocator.",
			[]string{"allocator"},
			nil,
		),
		descAllocatorAllocationBytes: prometheus.NewDesc(
			"gpumem_allocator_allocation_bytes",
			"Bytes of live allocations in an allocator.",
			[]string{"allocator"},
			nil,
		),
		descAllocatorUnusedBytes: prometheus.NewDesc(
			"gpumem_allocator_unused_bytes",
			"Bytes of backing memory in an allocator that no live allocation occupies.",
			[]string{"allocator"},
			nil,
		),
		descAllocatorRetiredBytes: prometheus.NewDesc(
			"gpumem_allocator_retired_bytes",
			"Bytes freed by the consumer that are waiting for the GPU to finish with them.",
			[]string{"allocator"},
			nil,
		),
		descStandAloneResources: prometheus.NewDesc(
			"gpumem_standalone_resources",
			"Number of stand-alone resources held by the device.",
			nil,
			nil,
		),
		descPendingReleases: prometheus.NewDesc(
			"gpumem_pending_releases",
			"Number of committed resources waiting in the deferred release queue.",
			nil,
			nil,
		),
	}
)

// Collector exports the budgets and allocator statistics of a gpumem.Device. Statistics are gathered
// on every scrape, so a Collector costs nothing between scrapes.
type Collector struct {
	dev *gpumem.Device
}

var _ prometheus.Collector = &Collector{}

func NewCollector(dev *gpumem.Device) *Collector {
	return &Collector{dev: dev}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for heapType, budget := range c.dev.HeapBudgets() {
		label := device.HeapType(heapType).String()

		ch <- gauge(descHeapBlockCount, budget.Statistics.BlockCount, label)
		ch <- gauge(descHeapBlockBytes, budget.Statistics.BlockBytes, label)
		ch <- gauge(descHeapAllocationCount, budget.Statistics.AllocationCount, label)
		ch <- gauge(descHeapAllocationBytes, budget.Statistics.AllocationBytes, label)
		ch <- gauge(descHeapUsage, budget.Usage, label)
		ch <- gauge(descHeapBudget, budget.Budget, label)
	}

	// Allocators may share a name, so their statistics are summed per label
	byName := map[string]*memutils.DetailedStatistics{}
	var names []string
	for _, allocator := range c.dev.Allocators() {
		stats, ok := byName[allocator.Name()]
		if !ok {
			stats = &memutils.DetailedStatistics{}
			stats.Clear()
			byName[allocator.Name()] = stats
			names = append(names, allocator.Name())
		}
		allocator.AddDetailedStatistics(stats)
	}

	for _, name := range names {
		stats := byName[name]
		ch <- gauge(descAllocatorBlockBytes, stats.BlockBytes, name)
		ch <- gauge(descAllocatorAllocationCount, stats.AllocationCount, name)
		ch <- gauge(descAllocatorAllocationBytes, stats.AllocationBytes, name)
		ch <- gauge(descAllocatorUnusedBytes, stats.UnusedBytes(), name)
		ch <- gauge(descAllocatorRetiredBytes, stats.RetiredBytes, name)
	}

	ch <- gauge(descStandAloneResources, c.dev.StandAloneCount())
	ch <- gauge(descPendingReleases, c.dev.PendingReleaseCount())
}

func gauge(desc int, value int, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, float64(value), labels...)
}
