package gpumem

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/device/hostmem"
	"github.com/vkngwrapper/suballoc/fence"
)

func TestNewValidatesArguments(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	backend := hostmem.New(hostmem.Options{})
	timeline := fence.NewTimeline()

	_, err := New(nil, backend, timeline, CreateOptions{})
	require.Error(t, err)

	_, err = New(logger, nil, timeline, CreateOptions{})
	require.Error(t, err)

	_, err = New(logger, backend, nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(logger, backend, timeline, CreateOptions{HeapSizeLimits: []int{1}})
	require.Error(t, err)

	dev, err := New(logger, backend, timeline, CreateOptions{Flags: CreateExternallySynchronized})
	require.NoError(t, err)
	require.True(t, dev.IsExternallySynchronized())
	require.Same(t, logger, dev.Logger())
	require.NoError(t, dev.Destroy())
}

func TestHeapSizeLimits(t *testing.T) {
	limits := make([]int, device.HeapTypeCount)
	limits[device.HeapTypeUpload] = mb
	d := readyQuietDevice(t, CreateOptions{HeapSizeLimits: limits})

	allocator, err := NewBuddyAllocator(d.dev, BuddyOptions{
		HeapType:     device.HeapTypeUpload,
		MaxBlockSize: 2 * mb,
	})
	require.NoError(t, err)

	var location ResourceLocation
	success, err := allocator.TryAllocate(kb, 0, &location)
	require.ErrorIs(t, err, device.ErrOutOfMemory)
	require.False(t, success)
	require.False(t, location.IsValid())

	budget := d.dev.HeapBudget(device.HeapTypeUpload)
	require.Equal(t, mb, budget.Budget)
	require.Equal(t, 0, budget.Usage)

	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: 768 * kb, HeapType: device.HeapTypeUpload}, &location))
	require.Equal(t, 768*kb, d.dev.HeapBudget(device.HeapTypeUpload).Usage)

	var second ResourceLocation
	err = d.dev.CreateStandAlone(device.ResourceDesc{Size: 512 * kb, HeapType: device.HeapTypeUpload}, &second)
	require.ErrorIs(t, err, device.ErrOutOfMemory)

	// Limits only apply to the heap type they were configured for
	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: 4 * mb, HeapType: device.HeapTypeDefault}, &second))

	location.Clear()
	second.Clear()
	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}

func TestBackendOutOfMemoryRollsBackBudget(t *testing.T) {
	backend := hostmem.New(hostmem.Options{MaxBytes: mb})
	dev, err := New(slog.New(slog.NewJSONHandler(io.Discard, nil)), backend, fence.NewTimeline(), CreateOptions{})
	require.NoError(t, err)

	var location ResourceLocation
	err = dev.CreateStandAlone(device.ResourceDesc{Size: 2 * mb, HeapType: device.HeapTypeUpload}, &location)
	require.ErrorIs(t, err, device.ErrOutOfMemory)

	budget := dev.HeapBudget(device.HeapTypeUpload)
	require.Equal(t, 0, budget.Statistics.BlockCount)
	require.Equal(t, 0, budget.Statistics.BlockBytes)
	require.Equal(t, 0, budget.Statistics.AllocationCount)

	require.NoError(t, dev.Destroy())
}

func TestMemoryCallbacks(t *testing.T) {
	type event struct {
		heapType device.HeapType
		size     int
	}
	var allocated, freed []event
	userData := "user data"

	d := readyQuietDevice(t, CreateOptions{
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(dev *Device, heapType device.HeapType, memory DeviceMemory, size int, data interface{}) {
				require.Equal(t, userData, data)
				require.Equal(t, size, memory.Size())
				allocated = append(allocated, event{heapType, size})
			},
			Free: func(dev *Device, heapType device.HeapType, memory DeviceMemory, size int, data interface{}) {
				require.Equal(t, userData, data)
				freed = append(freed, event{heapType, size})
			},
			UserData: userData,
		},
	})

	allocator, err := NewBuddyAllocator(d.dev, BuddyOptions{
		Strategy:     PlacedResourceStrategy,
		HeapType:     device.HeapTypeDefault,
		MaxBlockSize: mb,
		MinBlockSize: 64 * kb,
	})
	require.NoError(t, err)

	var placed, standAlone ResourceLocation
	success, err := allocator.TryAllocate(64*kb, 0, &placed)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: 4 * kb, HeapType: device.HeapTypeUpload}, &standAlone))

	// The placed resource is inside a heap that was already reported
	require.Equal(t, []event{
		{device.HeapTypeDefault, mb},
		{device.HeapTypeUpload, 4 * kb},
	}, allocated)
	require.Empty(t, freed)

	placed.Clear()
	standAlone.Clear()
	require.NoError(t, d.dev.Destroy())

	require.ElementsMatch(t, allocated, freed)
	d.requireEmpty(t)
}

func TestDeviceCleanUpAndDestroyReachEveryAllocator(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	buddy, err := NewBuddyAllocator(d.dev, BuddyOptions{HeapType: device.HeapTypeUpload})
	require.NoError(t, err)
	bucket, err := NewBucketAllocator(d.dev, BucketOptions{HeapType: device.HeapTypeUpload})
	require.NoError(t, err)
	require.Len(t, d.dev.registeredAllocators(), 2)

	var a, b ResourceLocation
	_, err = buddy.TryAllocate(kb, 0, &a)
	require.NoError(t, err)
	_, err = bucket.TryAllocate(kb, 0, &b)
	require.NoError(t, err)

	a.Clear()
	b.Clear()
	d.finishFrame()
	require.NoError(t, d.dev.CleanUpAllocations())
	require.True(t, buddy.IsEmpty())
	require.Equal(t, 0, d.dev.HeapBudget(device.HeapTypeUpload).Statistics.AllocationCount)

	require.NoError(t, d.dev.Destroy())
	require.Empty(t, d.dev.registeredAllocators())
	d.requireEmpty(t)
}

func TestDeviceDestroyReportsUnreleasedStandAlone(t *testing.T) {
	d := readyDevice(t, CreateOptions{})

	var leaked ResourceLocation
	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: kb, HeapType: device.HeapTypeUpload}, &leaked))

	require.NoError(t, d.dev.Destroy())
	require.Contains(t, d.logs.String(), "[UNRELEASED MEMORY] stand-alone resource was never cleared")
	require.Equal(t, 0, d.dev.StandAloneCount())
	require.Equal(t, 0, d.dev.HeapBudget(device.HeapTypeUpload).Statistics.AllocationCount)
	d.requireEmpty(t)
}

func TestClearAfterDestroyDoesNotReleaseTwice(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	var first, second ResourceLocation
	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: kb, HeapType: device.HeapTypeUpload}, &first))
	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: 2 * kb, HeapType: device.HeapTypeUpload}, &second))

	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)

	second.Clear()
	first.Clear()
	require.False(t, first.IsValid())
	require.Equal(t, 0, d.dev.StandAloneCount())
	require.Equal(t, 0, d.dev.PendingReleaseCount())
	require.NoError(t, d.dev.standAlone.Validate())
	require.Equal(t, Budget{}, d.dev.HeapBudget(device.HeapTypeUpload))
}

func TestDeviceStatistics(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{})

	allocator, err := NewBuddyAllocator(d.dev, BuddyOptions{
		Name:         "Placed",
		Strategy:     PlacedResourceStrategy,
		HeapType:     device.HeapTypeDefault,
		MaxBlockSize: mb,
		MinBlockSize: 64 * kb,
	})
	require.NoError(t, err)

	var placed, standAlone ResourceLocation
	_, err = allocator.TryAllocate(64*kb, 0, &placed)
	require.NoError(t, err)
	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: 4 * kb, HeapType: device.HeapTypeUpload}, &standAlone))

	stats := d.dev.GetMemoryStats()
	require.Equal(t, mb+4*kb, stats.TotalAllocated)
	require.Equal(t, mb-64*kb, stats.TotalUnused)

	summary := d.dev.BuildStatsString(false)
	require.True(t, json.Valid([]byte(summary)), summary)
	require.Contains(t, summary, `"Placed"`)
	require.NotContains(t, summary, `"StandAlone"`)

	detailed := d.dev.BuildStatsString(true)
	require.True(t, json.Valid([]byte(detailed)), detailed)
	require.Contains(t, detailed, `"StandAlone"`)
	require.Contains(t, detailed, `"Suballocations"`)

	var document struct {
		Total struct {
			BlockCount      int
			AllocationCount int
		}
		Budgets map[string]struct {
			BlockCount int
			Usage      int
		}
	}
	require.NoError(t, json.Unmarshal([]byte(detailed), &document))
	require.Equal(t, 2, document.Total.BlockCount)
	require.Equal(t, 2, document.Total.AllocationCount)
	require.Equal(t, mb, document.Budgets["HeapTypeDefault"].Usage)
	require.Equal(t, 4*kb, document.Budgets["HeapTypeUpload"].Usage)

	placed.Clear()
	standAlone.Clear()
	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}

func TestDeviceWarningsAreRateLimited(t *testing.T) {
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	d := readyDeviceWithLogger(t, logger, logs, CreateOptions{WarningInterval: time.Hour})

	d.dev.warn("stand-alone fallback")
	d.dev.warn("stand-alone fallback")
	d.dev.warn("stand-alone fallback")

	require.Equal(t, 1, strings.Count(logs.String(), "stand-alone fallback"))
	require.NoError(t, d.dev.Destroy())
}

func TestAsyncReleaseDestroysOnBackgroundGoroutine(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{Flags: CreateAsyncRelease, ReleaseQueueDepth: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.dev.Start(ctx)

	locations := make([]ResourceLocation, 8)
	for i := range locations {
		require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: kb, HeapType: device.HeapTypeUpload}, &locations[i]))
	}
	for i := range locations {
		locations[i].Clear()
	}
	require.Equal(t, 8, d.dev.PendingReleaseCount())

	d.finishFrame()
	require.NoError(t, d.dev.CleanUpAllocations())
	require.Equal(t, 0, d.dev.PendingReleaseCount())

	require.Eventually(t, func() bool {
		return d.backend.LiveResourceCount() == 0
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, d.dev.Destroy())
	d.requireEmpty(t)
}

func TestAsyncReleaseWithoutStartReleasesInline(t *testing.T) {
	d := readyQuietDevice(t, CreateOptions{Flags: CreateAsyncRelease})

	var location ResourceLocation
	require.NoError(t, d.dev.CreateStandAlone(device.ResourceDesc{Size: kb, HeapType: device.HeapTypeUpload}, &location))
	location.Clear()

	d.finishFrame()
	require.NoError(t, d.dev.CleanUpAllocations())
	d.requireEmpty(t)

	require.NoError(t, d.dev.Destroy())
}
