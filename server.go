package moonnet

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MoonforDream/MoonNet/taskpool"
)

// Server is the convenience façade tying a LoopPool, an optional TCP
// Acceptor, and any number of UDP/signal/timer handles together (spec §5,
// grounded on server.h). It owns the single mutex guarding the cross-loop
// "all events" list server.h keeps for bulk teardown (events_mutex_ /
// events_ there) — moved here from EventLoop during implementation, since
// it is the orchestrator's bookkeeping, not any one loop's.
type Server struct {
	opts serverOptions
	log  *zap.Logger

	pool     *LoopPool
	acceptor *Acceptor
	tasks    *taskpool.TaskPool

	tcpCallbacks StreamCallbacks

	globalEventsMutex sync.Mutex
	events            []Handle
}

// New constructs a Server and its LoopPool. The TCP acceptor, if enabled via
// WithTCP, is not armed until Start.
func New(opts ...Option) (*Server, error) {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.pool.Logger = o.logger

	pool, err := NewLoopPool(o.pool)
	if err != nil {
		return nil, fmt.Errorf("moonnet: server: new loop pool: %w", err)
	}

	srv := &Server{opts: o, log: o.logger, pool: pool}
	if o.tasks != nil {
		tc := *o.tasks
		tc.Logger = o.logger
		srv.tasks = taskpool.New(tc)
	}
	return srv, nil
}

// SetTCPCallbacks sets the callbacks every accepted TCP connection's
// StreamHandle is constructed with. Call before Start.
func (s *Server) SetTCPCallbacks(cb StreamCallbacks) { s.tcpCallbacks = cb }

// Pool exposes the underlying LoopPool, e.g. to register it with a
// prometheus.Registry.
func (s *Server) Pool() *LoopPool { return s.pool }

// Tasks exposes the underlying TaskPool, or nil if WithTaskPool was not
// given. Useful for registering it with a prometheus.Registry alongside
// Pool.
func (s *Server) Tasks() *taskpool.TaskPool { return s.tasks }

// SubmitTask hands fn to the TaskPool for off-reactor execution (spec §4.9:
// "the TaskPool accepts CPU-bound tasks from any thread and executes them on
// worker threads", independent of the LoopPool). It returns ErrShuttingDown
// if WithTaskPool was never given or the TaskPool has been shut down, and
// ErrQueueFull if the worker the task was dispatched to has a full ring
// buffer.
func (s *Server) SubmitTask(fn taskpool.Task) error {
	if s.tasks == nil {
		return ErrShuttingDown
	}
	if !s.tasks.Submit(fn) {
		if s.tasks.Size() == 0 {
			return ErrShuttingDown
		}
		return ErrQueueFull
	}
	return nil
}

// Start arms the TCP acceptor (if WithTCP was given). Every LoopThread
// in the pool is already running by the time New returns.
func (s *Server) Start() error {
	if s.opts.tcpPort < 0 {
		return nil
	}
	addr := fmt.Sprintf(":%d", s.opts.tcpPort)
	acc, err := NewAcceptor(addr, s.pool, s.opts.acceptorLB, s.log, s.handleAccept, s.handleAcceptError)
	if err != nil {
		return fmt.Errorf("moonnet: server: start: %w", err)
	}
	dest := s.pool.Dispatch()
	if dest == nil {
		_ = acc.Close()
		return fmt.Errorf("moonnet: server: start: loop pool is empty")
	}
	acc.loop = dest
	if err := acc.Arm(Read); err != nil {
		_ = acc.Close()
		return fmt.Errorf("moonnet: server: start: arm acceptor: %w", err)
	}
	s.acceptor = acc
	s.trackEvent(acc)
	return nil
}

func (s *Server) handleAccept(fd int, dest *EventLoop) {
	var stream *StreamHandle
	cb := s.tcpCallbacks
	userEvent := cb.OnEvent
	cb.OnEvent = func(_ *StreamHandle, err error) {
		s.untrackEvent(stream)
		if userEvent != nil {
			userEvent(stream, err)
		}
	}
	stream = NewStreamHandle(fd, s.log, cb)
	stream.loop = dest
	if err := stream.Arm(Read); err != nil {
		s.log.Warn("moonnet: server: arm accepted stream failed", zap.Error(err))
		_ = stream.Close()
		return
	}
	s.trackEvent(stream)
}

func (s *Server) handleAcceptError(err error) {
	s.log.Error("moonnet: server: acceptor failed", zap.Error(err))
}

// AddUDP creates, arms (on the pool's dispatched loop) and tracks a
// UDPHandle listening on port.
func (s *Server) AddUDP(port int, cb UDPCallbacks) (*UDPHandle, error) {
	u, err := NewUDPHandle(port, s.log, cb)
	if err != nil {
		return nil, err
	}
	dest := s.pool.Dispatch()
	if dest == nil {
		_ = u.Close()
		return nil, fmt.Errorf("moonnet: server: add udp: loop pool is empty")
	}
	u.loop = dest
	if err := u.Arm(Read); err != nil {
		_ = u.Close()
		return nil, err
	}
	s.trackEvent(u)
	return u, nil
}

// AddSignal creates, arms and tracks a SignalHandle watching signals.
func (s *Server) AddSignal(cb func(signo int), signals ...int) (*SignalHandle, error) {
	sh, err := NewSignalHandle(s.log, cb, signals...)
	if err != nil {
		return nil, err
	}
	dest := s.pool.Dispatch()
	if dest == nil {
		_ = sh.Close()
		return nil, fmt.Errorf("moonnet: server: add signal: loop pool is empty")
	}
	sh.loop = dest
	if err := sh.Arm(Read); err != nil {
		_ = sh.Close()
		return nil, err
	}
	s.trackEvent(sh)
	return sh, nil
}

// AddTimer creates, arms and tracks a TimerHandle.
func (s *Server) AddTimer(delayMs int, periodic bool, cb func()) (*TimerHandle, error) {
	th, err := NewTimerHandle(time.Duration(delayMs)*time.Millisecond, periodic, s.log, cb)
	if err != nil {
		return nil, err
	}
	dest := s.pool.Dispatch()
	if dest == nil {
		_ = th.Close()
		return nil, fmt.Errorf("moonnet: server: add timer: loop pool is empty")
	}
	th.loop = dest
	if err := th.Arm(Read); err != nil {
		_ = th.Close()
		return nil, err
	}
	s.trackEvent(th)
	return th, nil
}

func (s *Server) trackEvent(h Handle) {
	s.globalEventsMutex.Lock()
	s.events = append(s.events, h)
	s.globalEventsMutex.Unlock()
}

func (s *Server) untrackEvent(h Handle) {
	s.globalEventsMutex.Lock()
	defer s.globalEventsMutex.Unlock()
	for i, e := range s.events {
		if e == h {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return
		}
	}
}

// Stop closes every tracked handle, then shuts down the LoopPool (joins
// every LoopThread and the resizer, per spec §5 Shutdown).
func (s *Server) Stop() {
	s.globalEventsMutex.Lock()
	events := s.events
	s.events = nil
	s.globalEventsMutex.Unlock()

	for _, h := range events {
		h.MuteCallbacks()
		_ = h.Close()
	}
	s.pool.Shutdown()
	if s.tasks != nil {
		s.tasks.Shutdown()
	}
}
