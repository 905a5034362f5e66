package metrics

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/device/hostmem"
	"github.com/vkngwrapper/suballoc/fence"
	"github.com/vkngwrapper/suballoc/gpumem"
)

const (
	kb = 1024
	mb = 1024 * kb
)

func readyDevice(t *testing.T) *gpumem.Device {
	limits := make([]int, device.HeapTypeCount)
	limits[device.HeapTypeUpload] = 4 * mb

	dev, err := gpumem.New(
		slog.New(slog.NewJSONHandler(io.Discard, nil)),
		hostmem.New(hostmem.Options{}),
		fence.NewTimeline(),
		gpumem.CreateOptions{HeapSizeLimits: limits},
	)
	require.NoError(t, err)
	return dev
}

func TestCollectorDescribesEveryMetric(t *testing.T) {
	dev := readyDevice(t)
	defer func() { require.NoError(t, dev.Destroy()) }()

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(NewCollector(dev)))

	// Three heap types, no allocators and the two device gauges
	require.Equal(t, 6*device.HeapTypeCount+2, testutil.CollectAndCount(NewCollector(dev)))

	_, err := registry.Gather()
	require.NoError(t, err)
}

func TestCollectorReportsBudgetsAndAllocators(t *testing.T) {
	dev := readyDevice(t)

	first, err := gpumem.NewBuddyAllocator(dev, gpumem.BuddyOptions{
		Name:         "Uploads",
		HeapType:     device.HeapTypeUpload,
		MaxBlockSize: mb,
	})
	require.NoError(t, err)
	second, err := gpumem.NewBuddyAllocator(dev, gpumem.BuddyOptions{
		Name:         "Uploads",
		HeapType:     device.HeapTypeUpload,
		MaxBlockSize: mb,
	})
	require.NoError(t, err)

	var live, retired, standAlone gpumem.ResourceLocation
	_, err = first.TryAllocate(4*kb, 0, &live)
	require.NoError(t, err)
	_, err = second.TryAllocate(4*kb, 0, &retired)
	require.NoError(t, err)
	retired.Clear()
	require.NoError(t, dev.CreateStandAlone(device.ResourceDesc{Size: kb, HeapType: device.HeapTypeUpload}, &standAlone))

	collector := NewCollector(dev)
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))

	require.Equal(t, 6*device.HeapTypeCount+5+2, testutil.CollectAndCount(collector))

	expected := `
# HELP gpumem_heap_block_bytes Bytes of heaps and committed resources created on the device.
# TYPE gpumem_heap_block_bytes gauge
gpumem_heap_block_bytes{heap_type="HeapTypeDefault"} 0
gpumem_heap_block_bytes{heap_type="HeapTypeReadback"} 0
gpumem_heap_block_bytes{heap_type="HeapTypeUpload"} 2.098176e+06
# HELP gpumem_heap_budget_bytes Configured size limit of a heap type, 0 if unlimited.
# TYPE gpumem_heap_budget_bytes gauge
gpumem_heap_budget_bytes{heap_type="HeapTypeDefault"} 0
gpumem_heap_budget_bytes{heap_type="HeapTypeReadback"} 0
gpumem_heap_budget_bytes{heap_type="HeapTypeUpload"} 4.194304e+06
# HELP gpumem_allocator_block_bytes Bytes of backing memory held by an allocator.
# TYPE gpumem_allocator_block_bytes gauge
gpumem_allocator_block_bytes{allocator="Uploads"} 2.097152e+06
# HELP gpumem_allocator_retired_bytes Bytes freed by the consumer that are waiting for the GPU to finish with them.
# TYPE gpumem_allocator_retired_bytes gauge
gpumem_allocator_retired_bytes{allocator="Uploads"} 4096
# HELP gpumem_standalone_resources Number of stand-alone resources held by the device.
# TYPE gpumem_standalone_resources gauge
gpumem_standalone_resources 1
# HELP gpumem_pending_releases Number of committed resources waiting in the deferred release queue.
# TYPE gpumem_pending_releases gauge
gpumem_pending_releases 0
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"gpumem_heap_block_bytes",
		"gpumem_heap_budget_bytes",
		"gpumem_allocator_block_bytes",
		"gpumem_allocator_retired_bytes",
		"gpumem_standalone_resources",
		"gpumem_pending_releases",
	))

	live.Clear()
	standAlone.Clear()
	require.NoError(t, dev.Destroy())

	// Destroyed allocators are unregistered and drop out of the next scrape
	require.Equal(t, 6*device.HeapTypeCount+2, testutil.CollectAndCount(collector))
}
