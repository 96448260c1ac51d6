// Package sockopt is the thin POSIX socket facade the core treats as an
// external collaborator (spec §1 non-goals: "the socket-option helpers —
// treated as a thin POSIX socket facade"). It is grounded directly on the
// teacher's own syscall.SetNonblock calls in evio_unix.go and on
// golang.org/x/sys/unix's equivalents used throughout the pack's epoll
// examples (ehrlich-b-go-ublk, panlibin/gnet).
package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetNonblock puts fd into O_NONBLOCK mode; every descriptor registered with
// an EventLoop must pass through this first.
func SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("sockopt: set nonblock: %w", err)
	}
	return nil
}

// SetReuse sets SO_REUSEADDR and SO_REUSEPORT so multiple loops/processes can
// bind the same address (the teacher's reuseport.Listen does this under the
// hood for net.Listener; this variant is for raw fds built outside net).
func SetReuse(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("sockopt: reuseaddr: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("sockopt: reuseport: %w", err)
	}
	return nil
}

// SetTCPNoDelay disables Nagle's algorithm on a TCP socket.
func SetTCPNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("sockopt: tcp_nodelay: %w", err)
	}
	return nil
}

// SetKeepAlive enables SO_KEEPALIVE with the given idle interval in seconds.
func SetKeepAlive(fd, seconds int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("sockopt: keepalive: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds); err != nil {
		return fmt.Errorf("sockopt: keepidle: %w", err)
	}
	return nil
}

// ExitOnError matches the teacher's wrap.cpp "either succeed or terminate"
// convention for FatalSetup-class errors (spec §7): it logs and aborts the
// process rather than returning, for call sites that have decided they
// cannot recover (e.g. epoll_create1 failing at startup). Callers that would
// rather propagate an error should not use this helper.
func ExitOnError(op string, err error) {
	if err == nil {
		return
	}
	panic(fmt.Sprintf("moonnet: fatal setup error in %s: %v", op, err))
}
