package moonnet

import (
	"go.uber.org/zap"

	"github.com/MoonforDream/MoonNet/taskpool"
)

// Option configures a Server at construction time (no on-disk config file:
// this is an embeddable library, not a standalone process, so the ambient
// config layer other services in the pack load from YAML/env is replaced
// by plain functional options, set directly by the embedding program).
type Option func(*serverOptions)

type serverOptions struct {
	logger     *zap.Logger
	tcpPort    int
	pool       LoopPoolConfig
	acceptorLB AcceptStrategy
	tasks      *taskpool.Config
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		logger:     nopLogger(),
		tcpPort:    -1,
		pool:       LoopPoolConfig{Mode: Static},
		acceptorLB: DispatchToPool,
	}
}

// WithLogger sets the *zap.Logger every component logs through.
func WithLogger(log *zap.Logger) Option {
	return func(o *serverOptions) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithTCP enables the TCP acceptor on port.
func WithTCP(port int) Option {
	return func(o *serverOptions) { o.tcpPort = port }
}

// WithLoopPool overrides the default LoopPoolConfig (Static, auto-sized).
func WithLoopPool(cfg LoopPoolConfig) Option {
	return func(o *serverOptions) { o.pool = cfg }
}

// WithAcceptStrategy selects the acceptor-level load-balance strategy
// (default DispatchToPool; see AcceptStrategy).
func WithAcceptStrategy(s AcceptStrategy) Option {
	return func(o *serverOptions) { o.acceptorLB = s }
}

// WithTaskPool enables the Server's CPU-bound taskpool.TaskPool for
// off-reactor work (spec §4.9), submitted via Server.SubmitTask. Without
// this option, Server.SubmitTask returns ErrShuttingDown, treating "no pool
// configured" as a reported failure rather than a panic.
func WithTaskPool(cfg taskpool.Config) Option {
	return func(o *serverOptions) { o.tasks = &cfg }
}
