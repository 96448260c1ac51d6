package moonnet

import (
	"fmt"
	"net"

	"github.com/kavu/go_reuseport"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/MoonforDream/MoonNet/internal/sockopt"
)

// AcceptStrategy selects how an Acceptor hands off a freshly accepted
// connection to a destination loop. Dispatch (the spec's default) asks a
// LoopPool to pick a destination per its own Static/Dynamic policy.
// LeastConnections and RoundRobin are adapted from the teacher's lb field
// (evio_unix.go's reuseport listeners, one per loop) as alternate,
// default-off acceptor-level strategies: the same single acceptor picks the
// destination itself through LoopPool.MinLoad or LoopPool.At instead of
// deferring to the pool's Dispatch policy.
type AcceptStrategy int

const (
	// DispatchToPool hands every accepted fd to pool.Dispatch() (default).
	DispatchToPool AcceptStrategy = iota
	// LeastConnections mirrors the teacher's lb=LeastConnections: the
	// acceptor asks the pool for its minimum-load loop, same as Dynamic
	// dispatch, but is named separately so callers can pick it without
	// switching the whole pool's internal dispatch mode.
	LeastConnections
	// RoundRobin mirrors the teacher's lb=RoundRobin acceptor-level choice.
	RoundRobin
)

// Acceptor listens on one TCP port and feeds freshly accepted connections
// into a sink, grounded on acceptor.h. It uses go_reuseport so a Server can
// run one Acceptor per loop (SO_REUSEPORT fan-out, the teacher's model) or
// a single Acceptor feeding a LoopPool (spec §4's default).
type Acceptor struct {
	fd   int
	loop *EventLoop
	log  *zap.Logger

	pool     *LoopPool
	strategy AcceptStrategy
	cursor   int

	onAccept func(fd int, dest *EventLoop)
	onError  func(err error)

	armed  bool
	closed bool
}

// NewAcceptor creates a listening, non-blocking, SO_REUSEADDR|SO_REUSEPORT
// socket on addr (e.g. ":8080") and wires it to dispatch accepted
// connections through pool per strategy.
func NewAcceptor(addr string, pool *LoopPool, strategy AcceptStrategy, log *zap.Logger, onAccept func(fd int, dest *EventLoop), onError func(err error)) (*Acceptor, error) {
	if log == nil {
		log = nopLogger()
	}
	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("moonnet: acceptor: listen: %w", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("moonnet: acceptor: unexpected listener type %T", ln)
	}
	sysConn, err := tcpLn.SyscallConn()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("moonnet: acceptor: syscallconn: %w", err)
	}
	var fd int
	var dupErr error
	err = sysConn.Control(func(rawFd uintptr) {
		fd, dupErr = unix.Dup(int(rawFd))
	})
	_ = tcpLn.Close()
	if err != nil {
		return nil, fmt.Errorf("moonnet: acceptor: control: %w", err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("moonnet: acceptor: dup: %w", dupErr)
	}
	if err := sockopt.SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("moonnet: acceptor: %w", err)
	}
	return &Acceptor{
		fd:       fd,
		log:      log,
		pool:     pool,
		strategy: strategy,
		onAccept: onAccept,
		onError:  onError,
	}, nil
}

func (a *Acceptor) Descriptor() int  { return a.fd }
func (a *Acceptor) Loop() *EventLoop { return a.loop }
func (a *Acceptor) MuteCallbacks()   { a.onAccept, a.onError = nil, nil }

func (a *Acceptor) Arm(interest ReadinessMask) error {
	if a.loop == nil {
		return fmt.Errorf("moonnet: acceptor: arm before assigned to a loop")
	}
	if err := a.loop.Register(a, Read); err != nil {
		return err
	}
	a.armed = true
	return nil
}

func (a *Acceptor) Disarm() error {
	if !a.armed {
		return nil
	}
	a.armed = false
	return a.loop.Deregister(a)
}

func (a *Acceptor) UpdateInterest(interest ReadinessMask) error {
	return a.loop.Modify(a, Read)
}

func (a *Acceptor) rebind(dest *EventLoop) error {
	a.loop = dest
	a.armed = false
	return a.Arm(Read)
}

// HandleReadiness accepts every pending connection edge-triggered style
// (loopAccept's "for" drain in the teacher), dispatching each to a
// destination loop per strategy.
func (a *Acceptor) HandleReadiness(mask ReadinessMask) {
	if a.closed {
		return
	}
	if mask.Has(ErrorReady) {
		a.fail(fmt.Errorf("moonnet: acceptor: listener socket error"))
		return
	}
	for {
		fd, _, err := unix.Accept(a.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			a.fail(fmt.Errorf("moonnet: acceptor: accept: %w", err))
			return
		}
		if err := sockopt.SetNonblock(fd); err != nil {
			a.log.Warn("moonnet: acceptor: set nonblock failed", zap.Error(err))
			_ = unix.Close(fd)
			continue
		}
		if err := sockopt.SetTCPNoDelay(fd); err != nil {
			a.log.Warn("moonnet: acceptor: set tcp_nodelay failed", zap.Error(err))
			_ = unix.Close(fd)
			continue
		}
		dest := a.dispatch()
		if dest == nil {
			a.log.Error("moonnet: acceptor: no loop available for accepted connection")
			_ = unix.Close(fd)
			continue
		}
		if a.onAccept != nil {
			a.onAccept(fd, dest)
		}
	}
}

func (a *Acceptor) dispatch() *EventLoop {
	switch a.strategy {
	case LeastConnections:
		return a.pool.MinLoad()
	case RoundRobin:
		dest := a.pool.At(a.cursor)
		a.cursor++
		return dest
	default: // DispatchToPool
		return a.pool.Dispatch()
	}
}

func (a *Acceptor) fail(err error) {
	if a.onError != nil {
		a.onError(err)
	}
	_ = a.Close()
}

// Close is idempotent: deregister and close the listening fd.
func (a *Acceptor) Close() error {
	if a.closed {
		return ErrAlreadyClosed
	}
	a.closed = true
	_ = a.Disarm()
	a.MuteCallbacks()
	return unix.Close(a.fd)
}
