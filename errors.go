package moonnet

import "errors"

// Sentinel errors for the taxonomy in spec §7. WouldBlock and Interrupted are
// not exposed as sentinels: they are always swallowed/retried internally and
// never escape to user code (see StreamHandle's read/write paths and
// EventLoop.Run's EINTR handling).
var (
	// ErrClosing is returned by StreamHandle.Send and UDPHandle.SendTo on a
	// closed handle, and is the error a StreamHandle passes to OnEvent when
	// the peer closes the connection.
	ErrClosing = errors.New("moonnet: closing")

	// ErrQueueFull is returned by Server.SubmitTask when the target worker's
	// ring buffer is at capacity (spec §7 QueueFull).
	ErrQueueFull = errors.New("moonnet: task queue full")

	// ErrShuttingDown is returned by Server.SubmitTask when the Server has
	// no TaskPool or its TaskPool has been shut down (spec §7 ShuttingDown).
	ErrShuttingDown = errors.New("moonnet: shutting down")

	// ErrAlreadyClosed is returned by operations attempted on a Handle that
	// has already completed its close sequence.
	ErrAlreadyClosed = errors.New("moonnet: handle already closed")
)
