package moonnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MoonforDream/MoonNet/taskpool"
)

func TestServerTCPEcho(t *testing.T) {
	srv, err := New(
		WithTCP(0),
		WithLoopPool(LoopPoolConfig{Mode: Static, Count: 2, TimeoutMs: 50}),
	)
	require.NoError(t, err)

	srv.SetTCPCallbacks(StreamCallbacks{
		OnReadable: func(s *StreamHandle) {
			msg := s.inbound.RemoveAllToString()
			_ = s.Send([]byte(msg))
		},
	})

	// WithTCP(0) lets the kernel choose a port; Start creates and arms the
	// listener, after which the port is discovered the same way
	// acceptor_test.go does.
	require.NoError(t, srv.Start())
	defer srv.Stop()

	addr := acceptorLocalAddr(t, srv.acceptor)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("echo this"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "echo this", string(buf[:n]))
}

func TestServerSubmitTask(t *testing.T) {
	srv, err := New(
		WithLoopPool(LoopPoolConfig{Mode: Static, Count: 1, TimeoutMs: 50}),
		WithTaskPool(taskpool.Config{Mode: taskpool.Static, Count: 2}),
	)
	require.NoError(t, err)
	defer srv.Stop()

	done := make(chan struct{})
	require.NoError(t, srv.SubmitTask(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted task")
	}
}

func TestServerSubmitTaskWithoutPoolFails(t *testing.T) {
	srv, err := New(WithLoopPool(LoopPoolConfig{Mode: Static, Count: 1, TimeoutMs: 50}))
	require.NoError(t, err)
	defer srv.Stop()

	require.ErrorIs(t, srv.SubmitTask(func() {}), ErrShuttingDown)
}

func TestServerAddTimer(t *testing.T) {
	srv, err := New(WithLoopPool(LoopPoolConfig{Mode: Static, Count: 1, TimeoutMs: 50}))
	require.NoError(t, err)
	defer srv.Stop()

	fired := make(chan struct{})
	_, err = srv.AddTimer(10, false, func() { close(fired) })
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server timer")
	}
}
