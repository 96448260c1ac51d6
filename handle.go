// Package moonnet is a reusable TCP/UDP network server runtime built on the
// multi-reactor (one-acceptor, many-worker) pattern: an edge-triggered event
// loop, a dynamically load-balanced pool of loops, a buffered stream handle,
// and a lock-free SPSC task pool for CPU-bound work off the I/O threads.
//
// It is a Go port of MoonforDream/MoonNet (see original_source/ in the
// retrieval pack), grounded in jursonmo-evio's epoll-reactor idiom: a flat
// root package exposing the public reactor types, with epoll and eventfd
// plumbing isolated under internal/poller; TimerHandle and SignalHandle
// call timerfd and signalfd directly.
package moonnet

import "golang.org/x/sys/unix"

// ReadinessMask is a bitset over {READ, WRITE, EDGE_TRIGGERED, PEER_HUP,
// ERROR, PRIORITY} (spec §3). It doubles as both the interest set a Handle
// registers and, transiently, the returned readiness set after a poll.
type ReadinessMask uint32

const (
	Read          ReadinessMask = unix.EPOLLIN
	Write         ReadinessMask = unix.EPOLLOUT
	EdgeTriggered ReadinessMask = unix.EPOLLET
	PeerHup       ReadinessMask = unix.EPOLLRDHUP | unix.EPOLLHUP
	ErrorReady    ReadinessMask = unix.EPOLLERR
	Priority      ReadinessMask = unix.EPOLLPRI
)

// Has reports whether bit is set in the mask.
func (m ReadinessMask) Has(bit ReadinessMask) bool { return m&bit != 0 }

// Handle is the capability every object registered with an EventLoop must
// expose (spec §3/§4.3). The loop only ever talks to this interface: it does
// not know whether the concrete type is a TCP stream, a UDP socket, a timer,
// a signalfd or the loop's own wake descriptor.
//
// Invariant: a Handle is registered with at most one EventLoop at a time;
// its descriptor is registered with that loop's multiplexer iff the Handle
// is armed.
type Handle interface {
	// Descriptor returns the OS-level fd this handle owns.
	Descriptor() int
	// Loop returns the EventLoop this handle is assigned to, or nil if none
	// has been assigned yet. Disarm and Close do not clear it.
	Loop() *EventLoop
	// Arm registers the handle's descriptor with its loop's multiplexer.
	Arm(interest ReadinessMask) error
	// Disarm removes the handle's descriptor from its loop's multiplexer
	// without destroying the handle.
	Disarm() error
	// UpdateInterest changes the armed interest set.
	UpdateInterest(interest ReadinessMask) error
	// HandleReadiness is invoked by the owning loop with the readiness
	// mask returned by the multiplexer for this handle's descriptor.
	HandleReadiness(mask ReadinessMask)
	// MuteCallbacks clears every user callback so that, once called, no
	// further re-entry into user code happens for this handle even if a
	// stale readiness event for it is still in flight.
	MuteCallbacks()
	// Close releases the descriptor and any other OS resources. Close
	// must be idempotent.
	Close() error
	// rebind migrates the handle to dest: disarm on the old loop (already
	// done by the caller via Loop retirement), re-arm on dest with the same
	// interest, and update the handle's owning-loop pointer. Used only by
	// LoopPool retirement's handle-migration step (spec §4.6/§9).
	rebind(dest *EventLoop) error
}
