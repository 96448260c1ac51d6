package moonnet

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/MoonforDream/MoonNet/buffer"
)

// StreamCallbacks holds the three optional user hooks a StreamHandle invokes
// (spec §4.7). Any of them may be nil.
type StreamCallbacks struct {
	// OnReadable is invoked after bytes have been appended to inbound.
	OnReadable func(s *StreamHandle)
	// OnWritable is invoked after each successful write of queued outbound
	// bytes, and after a direct Send write that wrote all of its bytes.
	OnWritable func(s *StreamHandle)
	// OnEvent is invoked on peer-close or a fatal I/O error, with the
	// error classified per spec §7 (ErrClosing on graceful peer close).
	OnEvent func(s *StreamHandle, err error)
}

// StreamHandle is a buffered, callback-driven TCP connection (spec §3/§4.7):
// an fd, an inbound and an outbound Buffer, and the three optional
// callbacks above. It implements Handle so an EventLoop can multiplex it
// without knowing it is a TCP stream.
type StreamHandle struct {
	fd   int
	loop *EventLoop
	log  *zap.Logger

	inbound  *buffer.Buffer
	outbound *buffer.Buffer

	cb StreamCallbacks

	armed  bool
	closed bool
}

// NewStreamHandle wraps an already-connected, already-nonblocking fd.
// Callers typically get fd from an Acceptor or from go_reuseport.Dial.
func NewStreamHandle(fd int, log *zap.Logger, cb StreamCallbacks) *StreamHandle {
	if log == nil {
		log = nopLogger()
	}
	return &StreamHandle{
		fd:       fd,
		log:      log,
		inbound:  buffer.New(),
		outbound: buffer.New(),
		cb:       cb,
	}
}

func (s *StreamHandle) Descriptor() int   { return s.fd }
func (s *StreamHandle) Loop() *EventLoop  { return s.loop }
func (s *StreamHandle) MuteCallbacks()    { s.cb = StreamCallbacks{} }
func (s *StreamHandle) writeable() bool   { return s.outbound.Readable() > 0 }

// Arm registers the handle's descriptor on its loop's multiplexer and
// bookkeeping. The loop field must already be set (normally by the caller
// assigning s.loop before calling Arm, e.g. via LoopPool.Dispatch).
func (s *StreamHandle) Arm(interest ReadinessMask) error {
	if s.loop == nil {
		return fmt.Errorf("moonnet: stream: arm before assigned to a loop")
	}
	if err := s.loop.Register(s, interest); err != nil {
		return err
	}
	s.armed = true
	return nil
}

func (s *StreamHandle) Disarm() error {
	if !s.armed {
		return nil
	}
	s.armed = false
	return s.loop.Deregister(s)
}

func (s *StreamHandle) UpdateInterest(interest ReadinessMask) error {
	return s.loop.Modify(s, interest)
}

// rebind implements Handle.rebind for LoopPool retirement: re-registers the
// stream's descriptor, with its current write-pending interest, on dest.
func (s *StreamHandle) rebind(dest *EventLoop) error {
	s.loop = dest
	s.armed = false
	interest := Read
	if s.writeable() {
		interest |= Write
	}
	return s.Arm(interest)
}

// HandleReadiness is the loop's single entry point into this handle (spec
// §4.7). Order matches the teacher's loopRead/loopWrite split: errors first,
// then writable (to drain backlog before reading more), then readable; a
// peer hangup is handled by the read path, which reads until EOF.
func (s *StreamHandle) HandleReadiness(mask ReadinessMask) {
	if s.closed {
		return
	}
	if mask.Has(ErrorReady) {
		s.fail(fmt.Errorf("moonnet: stream: socket error"))
		return
	}
	if mask.Has(Write) {
		s.handleWritable()
		if s.closed {
			return
		}
	}
	if mask.Has(Read) || mask.Has(PeerHup) {
		s.handleReadable()
	}
}

// handleReadable drains the socket edge-triggered style: loop ScatterRead
// until EAGAIN, growing the buffer as needed, per spec §4.7's
// "edge-triggered drain" requirement.
func (s *StreamHandle) handleReadable() {
	for {
		n, err := s.inbound.ScatterRead(s.readv)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			s.fail(fmt.Errorf("moonnet: stream: read: %w", err))
			return
		}
		if n == 0 {
			// Peer performed an orderly shutdown of its write side.
			s.peerClosed()
			return
		}
		if s.cb.OnReadable != nil {
			s.cb.OnReadable(s)
		}
		if s.closed {
			return
		}
	}
}

func (s *StreamHandle) readv(tail, scratch []byte) (int, error) {
	return unix.Readv(s.fd, [][]byte{tail, scratch})
}

// Send implements spec §4.7's write fast path. The condition below is the
// one piece of this codebase that must not be inverted: when the socket is
// not already known to be write-blocked AND nothing is queued ahead of p,
// try a direct write first; only on partial write / EAGAIN does the
// remainder (or all of p, if the direct write never happened) get queued
// and Write interest armed.
func (s *StreamHandle) Send(p []byte) error {
	if s.closed {
		return ErrClosing
	}
	if !s.writeable() && s.outbound.Readable() == 0 {
		n, err := unix.Write(s.fd, p)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.EINTR {
				s.fail(fmt.Errorf("moonnet: stream: write: %w", err))
				return err
			}
			n = 0
		}
		if n == len(p) {
			if s.cb.OnWritable != nil {
				s.cb.OnWritable(s)
			}
			return nil
		}
		p = p[n:]
	}
	s.outbound.Append(p)
	return s.armWrite()
}

func (s *StreamHandle) armWrite() error {
	return s.UpdateInterest(Read | Write)
}

// handleWritable drains outbound until it empties or the socket blocks
// again, firing OnWritable after every successful partial write (spec
// §4.7: "n > 0: drop(n); invoke on_writable()"), and drops Write interest
// only once the buffer has actually emptied.
func (s *StreamHandle) handleWritable() {
	for s.outbound.Readable() > 0 {
		n, err := unix.Write(s.fd, s.outbound.Peek())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			s.fail(fmt.Errorf("moonnet: stream: write: %w", err))
			return
		}
		if n > 0 {
			s.outbound.Drop(n)
			if s.cb.OnWritable != nil {
				s.cb.OnWritable(s)
			}
		}
	}
	if err := s.UpdateInterest(Read); err != nil {
		s.log.Warn("moonnet: stream: drop write interest failed", zap.Error(err))
	}
}

func (s *StreamHandle) peerClosed() {
	if s.cb.OnReadable != nil && s.inbound.Readable() > 0 {
		// Final flush: give the user one last look at whatever arrived in
		// the same burst as the close.
		s.cb.OnReadable(s)
	}
	s.fail(ErrClosing)
}

func (s *StreamHandle) fail(err error) {
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(s, err)
	}
	_ = s.Close()
}

// Close is idempotent: best-effort outbound drain, deregister, close the
// fd, mute callbacks (spec §4.7 teardown).
func (s *StreamHandle) Close() error {
	if s.closed {
		return ErrAlreadyClosed
	}
	s.closed = true
	if s.outbound.Readable() > 0 {
		_, _ = unix.Write(s.fd, s.outbound.Peek())
	}
	_ = s.Disarm()
	s.MuteCallbacks()
	return unix.Close(s.fd)
}

// Detach removes the stream from its loop and hands the raw connection back
// to the caller as a standard net.Conn, for protocols that outgrow the
// reactor model mid-connection (supplemented per SPEC_FULL.md, grounded on
// the teacher's Detach action in evio_unix.go's detachedConn).
func (s *StreamHandle) Detach() (net.Conn, error) {
	if s.closed {
		return nil, ErrAlreadyClosed
	}
	if err := s.Disarm(); err != nil {
		return nil, err
	}
	s.closed = true
	s.MuteCallbacks()
	f := os.NewFile(uintptr(s.fd), "moonnet-detached-conn")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("moonnet: stream: detach: %w", err)
	}
	return conn, nil
}
