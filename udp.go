package moonnet

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/MoonforDream/MoonNet/buffer"
	"github.com/MoonforDream/MoonNet/internal/sockopt"
)

// UDPCallbacks holds the two user hooks a UDPHandle invokes (grounded on
// udpevent.h's RCallback/Callback pair).
type UDPCallbacks struct {
	// OnReceive is invoked once per datagram, with the sender's address.
	OnReceive func(u *UDPHandle, from unix.Sockaddr, data []byte)
	// OnEvent is invoked on a socket error.
	OnEvent func(u *UDPHandle, err error)
}

// UDPHandle is a connectionless datagram socket registered with an
// EventLoop (spec §3 "datagram" Handle variant), grounded on udpevent.h.
// Unlike StreamHandle there is no outbound buffer: sends are one syscall
// per datagram, matching the original's send_to.
type UDPHandle struct {
	fd   int
	loop *EventLoop
	log  *zap.Logger

	inbound *buffer.Buffer
	scratch [65536]byte

	cb UDPCallbacks

	armed  bool
	closed bool
}

// NewUDPHandle binds and listens on port across every address (INADDR_ANY),
// matching udpevent::init_sock.
func NewUDPHandle(port int, log *zap.Logger, cb UDPCallbacks) (*UDPHandle, error) {
	if log == nil {
		log = nopLogger()
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("moonnet: udp: socket: %w", err)
	}
	if err := sockopt.SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("moonnet: udp: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("moonnet: udp: bind: %w", err)
	}
	return &UDPHandle{
		fd:      fd,
		log:     log,
		inbound: buffer.New(),
		cb:      cb,
	}, nil
}

func (u *UDPHandle) Descriptor() int  { return u.fd }
func (u *UDPHandle) Loop() *EventLoop { return u.loop }
func (u *UDPHandle) MuteCallbacks()   { u.cb = UDPCallbacks{} }

// Arm registers the socket for read readiness (start(), in udpevent terms).
func (u *UDPHandle) Arm(interest ReadinessMask) error {
	if u.loop == nil {
		return fmt.Errorf("moonnet: udp: arm before assigned to a loop")
	}
	if err := u.loop.Register(u, interest); err != nil {
		return err
	}
	u.armed = true
	return nil
}

// Disarm stops listening (stop(), in udpevent terms) without closing the fd.
func (u *UDPHandle) Disarm() error {
	if !u.armed {
		return nil
	}
	u.armed = false
	return u.loop.Deregister(u)
}

func (u *UDPHandle) UpdateInterest(interest ReadinessMask) error {
	return u.loop.Modify(u, interest)
}

func (u *UDPHandle) rebind(dest *EventLoop) error {
	u.loop = dest
	u.armed = false
	return u.Arm(Read)
}

// HandleReadiness drains every datagram currently queued on the socket,
// edge-triggered style, exactly as handle_receive does in a level-triggered
// loop with ET explicitly requested (udpevent::enable_ET).
func (u *UDPHandle) HandleReadiness(mask ReadinessMask) {
	if u.closed {
		return
	}
	if mask.Has(ErrorReady) {
		u.fail(fmt.Errorf("moonnet: udp: socket error"))
		return
	}
	for {
		n, from, err := unix.Recvfrom(u.fd, u.scratch[:], 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			u.fail(fmt.Errorf("moonnet: udp: recvfrom: %w", err))
			return
		}
		if u.cb.OnReceive != nil {
			u.cb.OnReceive(u, from, u.scratch[:n])
		}
		if u.closed {
			return
		}
	}
}

// SendTo sends one datagram to addr (send_to in udpevent terms). UDP sends
// never block on the datagram socket's own buffer in the way TCP does, so
// there is no outbound-queue fast path to preserve here.
func (u *UDPHandle) SendTo(data []byte, addr unix.Sockaddr) error {
	if u.closed {
		return ErrClosing
	}
	return unix.Sendto(u.fd, data, 0, addr)
}

func (u *UDPHandle) fail(err error) {
	if u.cb.OnEvent != nil {
		u.cb.OnEvent(u, err)
	}
	_ = u.Close()
}

// Close is idempotent: deregister, close the fd, mute callbacks.
func (u *UDPHandle) Close() error {
	if u.closed {
		return ErrAlreadyClosed
	}
	u.closed = true
	_ = u.Disarm()
	u.MuteCallbacks()
	return unix.Close(u.fd)
}
