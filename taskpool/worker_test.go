package taskpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerRunsSubmittedTasks(t *testing.T) {
	w := NewWorker(8, nil)
	defer w.Shutdown()

	var n atomic.Int64
	for i := 0; i < 5; i++ {
		require.True(t, w.Submit(func() { n.Add(1) }))
	}
	require.Eventually(t, func() bool { return n.Load() == 5 }, time.Second, time.Millisecond)
}

func TestWorkerRejectsWhenQueueFull(t *testing.T) {
	w := NewWorker(2, nil)
	block := make(chan struct{})
	defer func() {
		close(block)
		w.Shutdown()
	}()

	started := make(chan struct{})
	require.True(t, w.Submit(func() { close(started); <-block }))
	<-started // the worker goroutine is now blocked inside runTask, not polling.

	// Capacity rounds up to a power of two (2 -> 2); one slot is reserved to
	// distinguish full from empty, so exactly one more Submit can queue.
	require.True(t, w.Submit(func() {}))
	require.False(t, w.Submit(func() {}))
}

func TestWorkerDrainsOnShutdown(t *testing.T) {
	w := NewWorker(8, nil)
	var n atomic.Int64
	for i := 0; i < 3; i++ {
		w.Submit(func() { n.Add(1) })
	}
	w.Shutdown()
	require.Equal(t, int64(3), n.Load())
}

func TestWorkerShutdownForMigrationLeavesTasksQueued(t *testing.T) {
	w := NewWorker(8, nil)
	var n atomic.Int64
	for i := 0; i < 3; i++ {
		w.Submit(func() { n.Add(1) })
	}
	w.ShutdownForMigration()

	require.Equal(t, int64(0), n.Load(), "migrated tasks must not run on the retired worker")
	taken := w.TakeAll()
	require.Len(t, taken, 3)
	for _, fn := range taken {
		fn()
	}
	require.Equal(t, int64(3), n.Load())
}
