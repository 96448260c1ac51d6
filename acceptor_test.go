package moonnet

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAcceptorDispatchesAcceptedConnections(t *testing.T) {
	pool, err := NewLoopPool(LoopPoolConfig{Mode: Static, Count: 2, TimeoutMs: 50})
	require.NoError(t, err)
	defer pool.Shutdown()

	acceptedCh := make(chan int, 1)
	acc, err := NewAcceptor("127.0.0.1:0", pool, DispatchToPool, nil,
		func(fd int, dest *EventLoop) { acceptedCh <- fd },
		func(err error) { t.Logf("acceptor error: %v", err) },
	)
	require.NoError(t, err)
	defer acc.Close()

	dest := pool.Dispatch()
	acc.loop = dest
	require.NoError(t, acc.Arm(Read))

	addr := acceptorLocalAddr(t, acc)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case fd := <-acceptedCh:
		require.Greater(t, fd, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

func TestAcceptorSetsTCPNoDelayOnAccept(t *testing.T) {
	pool, err := NewLoopPool(LoopPoolConfig{Mode: Static, Count: 1, TimeoutMs: 50})
	require.NoError(t, err)
	defer pool.Shutdown()

	acceptedCh := make(chan int, 1)
	acc, err := NewAcceptor("127.0.0.1:0", pool, DispatchToPool, nil,
		func(fd int, dest *EventLoop) { acceptedCh <- fd },
		func(err error) { t.Logf("acceptor error: %v", err) },
	)
	require.NoError(t, err)
	defer acc.Close()

	dest := pool.Dispatch()
	acc.loop = dest
	require.NoError(t, acc.Arm(Read))

	addr := acceptorLocalAddr(t, acc)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case fd := <-acceptedCh:
		defer unix.Close(fd)
		v, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
		require.NoError(t, err)
		require.Equal(t, 1, v, "accepted connection should have TCP_NODELAY set")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

// acceptorLocalAddr reads back the address the acceptor's raw listening fd
// is bound to, since Acceptor exposes only the fd, not a net.Addr.
func acceptorLocalAddr(t *testing.T, acc *Acceptor) string {
	t.Helper()
	sa, err := unix.Getsockname(acc.fd)
	require.NoError(t, err)
	inet4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(inet4.Port))
}
