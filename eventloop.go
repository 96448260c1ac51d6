package moonnet

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MoonforDream/MoonNet/internal/poller"
)

// loopState is the EventLoop's one-way state machine (spec §4.4):
// Running -> StopRequested -> Stopped.
type loopState int32

const (
	loopRunning loopState = iota
	loopStopRequested
	loopStopped
)

// MaxEpollTimeoutMsec is the cap on how long a loop may idle in one
// multiplexer wait, matching the teacher's MAX_EPOLL_TIMEOUT_MSEC
// (35 minutes) so a loop with no timer events still periodically checks
// shutdown state rather than blocking forever on a misbehaving platform.
const MaxEpollTimeoutMsec = 35 * 60 * 1000

// EventLoop is one thread's readiness multiplexer, registry, wake descriptor
// and deferred-free queue (spec §3, §4.4). Only the goroutine running Run may
// mutate the registry or the scratch vector; load, state and the wake
// descriptor are the only cross-goroutine-visible fields.
type EventLoop struct {
	poll      *poller.Poller
	timeoutMs int
	log       *zap.Logger

	// registry and pendingFree are owned exclusively by the goroutine
	// inside Run; every other field below them is safe for any goroutine.
	registry    map[int]Handle
	pendingFree []Handle

	load  atomic.Int64
	state atomic.Int32

	base *LoopThread // nil for a loop that doesn't own a LoopThread yet
}

// NewEventLoop constructs an EventLoop with its own epoll instance and wake
// descriptor. timeoutMs of -1 means no timeout of its own; Run caps it, like
// any value above MaxEpollTimeoutMsec, at MaxEpollTimeoutMsec.
func NewEventLoop(timeoutMs int, log *zap.Logger) (*EventLoop, error) {
	if log == nil {
		log = nopLogger()
	}
	p, err := poller.Open()
	if err != nil {
		return nil, fmt.Errorf("moonnet: new event loop: %w", err)
	}
	return &EventLoop{
		poll:      p,
		timeoutMs: timeoutMs,
		log:       log,
		registry:  make(map[int]Handle),
	}, nil
}

// Load returns the current registry size (handles excluding the wake
// descriptor), as an atomic snapshot used by LoopPool's min-load dispatch.
func (l *EventLoop) Load() int { return int(l.load.Load()) }

// Register adds h to the multiplexer with interest, appends it to the
// registry and increments load. Must be called from the loop's own thread.
func (l *EventLoop) Register(h Handle, interest ReadinessMask) error {
	if err := l.poll.Add(h.Descriptor(), poller.ReadinessMask(interest)); err != nil {
		return err
	}
	l.registry[h.Descriptor()] = h
	l.load.Add(1)
	return nil
}

// Modify updates the interest set of an already-registered handle.
func (l *EventLoop) Modify(h Handle, interest ReadinessMask) error {
	return l.poll.Modify(h.Descriptor(), poller.ReadinessMask(interest))
}

// Deregister removes h from the multiplexer and registry and decrements
// load. Does not free h; callers must either retain ownership elsewhere or
// call DeferFree.
func (l *EventLoop) Deregister(h Handle) error {
	fd := h.Descriptor()
	if err := l.poll.Delete(fd); err != nil {
		return err
	}
	delete(l.registry, fd)
	l.load.Add(-1)
	return nil
}

// DeferFree queues h for destruction after the current readiness batch.
// Only the loop's own thread may call this; cross-thread teardown uses Wake.
func (l *EventLoop) DeferFree(h Handle) {
	l.pendingFree = append(l.pendingFree, h)
}

// Wake unblocks a loop parked in the multiplexer; safe from any goroutine.
func (l *EventLoop) Wake() error { return l.poll.Wake() }

// RequestStop marks the loop for shutdown and wakes it; the loop actually
// exits after finishing its current readiness batch.
func (l *EventLoop) RequestStop() error {
	l.state.CompareAndSwap(int32(loopRunning), int32(loopStopRequested))
	return l.Wake()
}

// Stopped reports whether the loop has fully exited Run.
func (l *EventLoop) Stopped() bool { return loopState(l.state.Load()) == loopStopped }

// TakeAllHandles moves the entire registry out (for LoopPool retirement) and
// clears it. The loop must not be running when this is called.
func (l *EventLoop) TakeAllHandles() []Handle {
	out := make([]Handle, 0, len(l.registry))
	for _, h := range l.registry {
		out = append(out, h)
	}
	l.registry = make(map[int]Handle)
	l.load.Store(0)
	return out
}

// Run is the turn loop (spec §4.4): wait, dispatch, grow scratch on
// saturation, drain deferred frees, repeat until stop is requested.
func (l *EventLoop) Run() {
	defer l.state.Store(int32(loopStopped))

	timeout := l.timeoutMs
	if timeout < 0 || timeout > MaxEpollTimeoutMsec {
		timeout = MaxEpollTimeoutMsec
	}

	for loopState(l.state.Load()) != loopStopRequested {
		n, full, err := l.poll.Wait(timeout, l.dispatch)
		if err != nil {
			l.log.Error("moonnet: poll wait failed", zap.Error(err))
			return
		}
		_ = n
		if full {
			l.poll.Grow()
		}
		l.drainPendingFree()
	}
	l.drainPendingFree()
}

func (l *EventLoop) dispatch(ev poller.Event) {
	if ev.Fd == l.poll.WakeFD() {
		_ = l.poll.DrainWake()
		return
	}
	h, ok := l.registry[ev.Fd]
	if !ok {
		// Deregistered between epoll_wait returning and this callback
		// running (its close happened earlier in the same batch); drop
		// the stale event.
		return
	}
	h.HandleReadiness(ReadinessMask(ev.Readiness))
}

func (l *EventLoop) drainPendingFree() {
	if len(l.pendingFree) == 0 {
		return
	}
	for _, h := range l.pendingFree {
		if err := h.Close(); err != nil {
			l.log.Warn("moonnet: error closing deferred handle", zap.Error(err))
		}
	}
	l.pendingFree = l.pendingFree[:0]
}

// closeMultiplexer releases the loop's own epoll/wake descriptors; called
// once Run has returned.
func (l *EventLoop) closeMultiplexer() error { return l.poll.Close() }
