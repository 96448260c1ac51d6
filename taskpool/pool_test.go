package taskpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticPoolRoundRobinsSubmit(t *testing.T) {
	p := New(Config{Mode: Static, Count: 3, QueueSize: 8})
	defer p.Shutdown()

	var n atomic.Int64
	for i := 0; i < 30; i++ {
		require.True(t, p.Submit(func() { n.Add(1) }))
	}
	require.Eventually(t, func() bool { return n.Load() == 30 }, time.Second, time.Millisecond)
}

func TestDynamicPoolStartsConfiguredWorkerCount(t *testing.T) {
	p := New(Config{Mode: Dynamic, Count: 2, QueueSize: 8})
	defer p.Shutdown()
	require.Equal(t, 2, p.Size())
}

func TestShutdownDrainsAllWorkers(t *testing.T) {
	p := New(Config{Mode: Static, Count: 2, QueueSize: 8})
	var n atomic.Int64
	for i := 0; i < 10; i++ {
		p.Submit(func() { n.Add(1) })
	}
	p.Shutdown()
	require.Equal(t, int64(10), n.Load())
}

// TestRetireHighestLoadedMigratesQueuedTasks pins worker 0 inside a blocking
// task so its 3 queued follow-up tasks can only ever run if retirement
// migrates them to the surviving worker rather than executing them in place
// (which Worker.Shutdown's drain would have done before ShutdownForMigration
// existed).
func TestRetireHighestLoadedMigratesQueuedTasks(t *testing.T) {
	p := New(Config{Mode: Static, Count: 2, QueueSize: 8})
	defer p.Shutdown()

	blockStarted := make(chan struct{})
	unblock := make(chan struct{})
	require.True(t, p.workers[0].Submit(func() {
		close(blockStarted)
		<-unblock
	}))
	<-blockStarted

	var ran atomic.Int64
	for i := 0; i < 3; i++ {
		require.True(t, p.workers[0].Submit(func() { ran.Add(1) }))
	}

	retireDone := make(chan struct{})
	go func() {
		p.retireHighestLoaded()
		close(retireDone)
	}()

	// Give retireHighestLoaded a moment to pick worker 0 (the only loaded
	// one) and call ShutdownForMigration on it before releasing the task
	// that's blocking it — ShutdownForMigration blocks until that goroutine
	// returns, so retirement can't complete until we do.
	time.Sleep(20 * time.Millisecond)
	close(unblock)

	select {
	case <-retireDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retireHighestLoaded")
	}

	require.Equal(t, 1, p.Size())
	require.Eventually(t, func() bool { return ran.Load() == 3 }, time.Second, time.Millisecond)
}
