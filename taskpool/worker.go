// Package taskpool is a lock-free thread-task pool for CPU-bound work that
// must not run on an I/O reactor's own goroutine (spec §3 "thread-task
// pool"). It is grounded on moonnet's original lfthread/lfthreadpool (see
// original_source/src/lfthread.cpp, include/moonnet/lfthreadpool.h): each
// Worker owns one goroutine and one SPSC ring buffer of queued tasks, with
// exponential-backoff polling standing in for the C original's
// condition-variable-free busy/backoff loop.
package taskpool

import (
	"time"

	"go.uber.org/zap"

	"github.com/MoonforDream/MoonNet/ringbuffer"
)

// Task is one unit of work submitted to a Worker.
type Task func()

const (
	minBackoff = time.Millisecond
	maxBackoff = 100 * time.Millisecond
)

// defaultQueueSize matches the original's default ring buffer size (1024).
const defaultQueueSize = 1024

// Worker owns one goroutine draining a fixed-capacity SPSC ring buffer of
// Tasks, using the same doubling backoff (1ms -> 100ms cap) as the original
// lfthread::t_task.
type Worker struct {
	queue    *ringbuffer.RingBuffer[Task]
	shutdown chan struct{}
	done     chan struct{}
	log      *zap.Logger

	// skipDrain is set (before shutdown is closed, so run observes it via
	// the channel-close happens-before edge) when the worker is being
	// retired for migration rather than torn down for good: its remaining
	// queued tasks must survive for TakeAll, not run in place.
	skipDrain bool
}

// NewWorker starts the worker's goroutine immediately.
func NewWorker(queueSize int, log *zap.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		queue:    ringbuffer.New[Task](queueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
	}
	go w.run()
	return w
}

// Submit enqueues fn without blocking. Returns false if the queue is full,
// matching spec §4's QueueFull error taxonomy; TaskPool.Submit passes that
// result on to its caller without retrying another worker.
//
// Submit is a producer call on the worker's SPSC ring buffer: it must not be
// called concurrently by more than one goroutine at a time for a given
// Worker (the invariant ringbuffer.RingBuffer documents). A TaskPool used
// from multiple goroutines must serialize its own Submit calls, exactly as
// the original lfthreadpool expects a single submitting thread per pool.
func (w *Worker) Submit(fn Task) bool {
	return w.queue.Push(fn)
}

// Load returns the number of tasks currently queued.
func (w *Worker) Load() int { return w.queue.Size() }

func (w *Worker) run() {
	defer close(w.done)
	backoff := minBackoff
	for {
		select {
		case <-w.shutdown:
			w.finish()
			return
		default:
		}
		if fn, ok := w.queue.Pop(); ok {
			w.runTask(fn)
			backoff = minBackoff
			continue
		}
		select {
		case <-w.shutdown:
			w.finish()
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// finish runs once, right before run returns: it executes every task still
// queued at shutdown (matching the original's "execute task before
// shutdown" final pass), unless this worker is being retired for migration,
// in which case the queue is left untouched for TakeAll to extract.
func (w *Worker) finish() {
	if w.skipDrain {
		return
	}
	w.drain()
}

// drain executes every task still queued at shutdown.
func (w *Worker) drain() {
	for {
		fn, ok := w.queue.Pop()
		if !ok {
			return
		}
		w.runTask(fn)
	}
}

func (w *Worker) runTask(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("moonnet/taskpool: task panicked", zap.Any("recover", r))
		}
	}()
	fn()
}

// Shutdown signals the worker to stop accepting new iterations, executes any
// remaining queued tasks in place, and blocks until its goroutine exits.
func (w *Worker) Shutdown() {
	w.stop(false)
}

// ShutdownForMigration signals the worker to stop WITHOUT executing its
// remaining queued tasks, so the caller can extract them with TakeAll and
// redispatch them to a surviving worker (spec's migration primitives: "let
// the TaskPool move an about-to-be-retired worker's tasks to other
// workers"). It blocks until the goroutine exits, same as Shutdown.
func (w *Worker) ShutdownForMigration() {
	w.stop(true)
}

func (w *Worker) stop(skipDrain bool) {
	select {
	case <-w.shutdown:
	default:
		w.skipDrain = skipDrain
		close(w.shutdown)
	}
	<-w.done
}

// TakeAll drains every still-queued task without executing them, for
// TaskPool.retireHighestLoaded's redispatch after ShutdownForMigration.
func (w *Worker) TakeAll() []Task {
	return w.queue.DrainSlice()
}
