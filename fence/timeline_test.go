package fence_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/fence"
)

func TestTimelineSignalAndComplete(t *testing.T) {
	timeline := fence.NewTimeline()
	require.Equal(t, uint64(1), timeline.CurrentValue())
	require.Equal(t, uint64(0), timeline.LastCompletedValue())
	require.True(t, timeline.IsCompleteUpTo(0))
	require.False(t, timeline.IsCompleteUpTo(1))

	require.Equal(t, uint64(1), timeline.Signal())
	require.Equal(t, uint64(2), timeline.Signal())
	require.Equal(t, uint64(3), timeline.CurrentValue())

	timeline.Complete(1)
	require.True(t, timeline.IsCompleteUpTo(1))
	require.False(t, timeline.IsCompleteUpTo(2))

	// Completion never goes backwards
	timeline.Complete(0)
	require.Equal(t, uint64(1), timeline.LastCompletedValue())

	require.Panics(t, func() {
		timeline.Complete(3)
	})

	timeline.CompleteAll()
	require.Equal(t, uint64(2), timeline.LastCompletedValue())
}

func TestTimelineConcurrentComplete(t *testing.T) {
	timeline := fence.NewTimeline()
	for i := 0; i < 100; i++ {
		timeline.Signal()
	}

	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		wg.Add(1)
		go func(value uint64) {
			defer wg.Done()
			timeline.Complete(value)
		}(i)
	}
	wg.Wait()

	require.Equal(t, uint64(100), timeline.LastCompletedValue())
}
