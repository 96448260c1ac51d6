package moonnet

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSignalHandleDeliversOwnSignal(t *testing.T) {
	loop := newTestLoop(t)

	received := make(chan int, 1)
	sh, err := NewSignalHandle(nil, func(signo int) { received <- signo }, int(unix.SIGUSR1))
	require.NoError(t, err)
	sh.loop = loop
	require.NoError(t, sh.Arm(Read))
	defer sh.Close()

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	select {
	case signo := <-received:
		require.Equal(t, int(unix.SIGUSR1), signo)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}
}
