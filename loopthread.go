package moonnet

import (
	"sync"

	"go.uber.org/zap"
)

// LoopThread owns one goroutine and, once initialized, the EventLoop it
// runs (spec §4.5). The construction handshake (mutex + condition variable
// in the original; a closed channel here, the idiomatic Go equivalent) lets
// callers of Loop() made from other goroutines observe the fully-constructed
// EventLoop before using it.
type LoopThread struct {
	ready chan struct{}
	done  chan struct{}
	loop  *EventLoop
	err   error
}

// NewLoopThread starts the loop's goroutine and blocks until its EventLoop
// has been constructed (but not until Run has started — Run is started by
// the same goroutine immediately after construction).
func NewLoopThread(timeoutMs int, log *zap.Logger) *LoopThread {
	lt := &LoopThread{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go lt.runloop(timeoutMs, log)
	<-lt.ready
	return lt
}

func (lt *LoopThread) runloop(timeoutMs int, log *zap.Logger) {
	defer close(lt.done)

	loop, err := NewEventLoop(timeoutMs, log)
	if err != nil {
		lt.err = err
		close(lt.ready)
		return
	}
	loop.base = lt
	lt.loop = loop
	close(lt.ready)

	loop.Run()
	_ = loop.closeMultiplexer()
}

// Loop returns the EventLoop this thread owns, blocking until construction
// has completed. Returns nil if construction failed (see Err).
func (lt *LoopThread) Loop() *EventLoop {
	<-lt.ready
	return lt.loop
}

// Err returns the error from a failed EventLoop construction, if any.
func (lt *LoopThread) Err() error {
	<-lt.ready
	return lt.err
}

// Join blocks the calling goroutine until the loop's goroutine has exited.
func (lt *LoopThread) Join() {
	<-lt.done
}

// joinAll waits for every thread in threads to exit, concurrently.
func joinAll(threads []*LoopThread) {
	var wg sync.WaitGroup
	wg.Add(len(threads))
	for _, t := range threads {
		t := t
		go func() {
			defer wg.Done()
			t.Join()
		}()
	}
	wg.Wait()
}
