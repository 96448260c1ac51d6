package moonnet

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUDPHandleReceivesDatagram(t *testing.T) {
	loop := newTestLoop(t)

	u, err := NewUDPHandle(0, nil, UDPCallbacks{})
	require.NoError(t, err)
	defer u.Close()

	// Discover the ephemeral port the kernel assigned.
	sa, err := unix.Getsockname(u.fd)
	require.NoError(t, err)
	inet4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	port := inet4.Port

	received := make(chan string, 1)
	u.cb.OnReceive = func(_ *UDPHandle, _ unix.Sockaddr, data []byte) {
		received <- string(data)
	}
	u.loop = loop
	require.NoError(t, u.Arm(Read))

	conn, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, "ping", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestUDPHandleSendTo(t *testing.T) {
	loop := newTestLoop(t)

	u, err := NewUDPHandle(0, nil, UDPCallbacks{})
	require.NoError(t, err)
	defer u.Close()
	u.loop = loop
	require.NoError(t, u.Arm(Read))

	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	dest := &unix.SockaddrInet4{Port: peerAddr.Port}
	copy(dest.Addr[:], peerAddr.IP.To4())

	require.NoError(t, u.SendTo([]byte("pong"), dest))

	buf := make([]byte, 16)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}
