package moonnet

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// numCPU reports the detected hardware concurrency, grounded on the
// teacher's std::thread::hardware_concurrency() fallback-to-zero check.
func numCPU() int { return runtime.NumCPU() }

// LoopPoolMode selects the dispatch/sizing policy (spec §4.6). Static is the
// teacher's fixed round-robin pool; Dynamic enables min-load dispatch plus
// the background resizer.
type LoopPoolMode int

const (
	// Static dispatches round-robin over a fixed number of loops.
	Static LoopPoolMode = iota
	// Dynamic dispatches to the minimum-load loop and runs a resizer that
	// grows/shrinks the pool based on sampled load.
	Dynamic
)

// loopPoolDefaults mirror the teacher's looptpool defaults.
const (
	defaultSampleSeconds = 5
	defaultCoolSeconds   = 30
	defaultHighWaterPct  = 80
	defaultLowWaterPct   = 20
	sampleSecondsFloor   = 5
)

// LoopPoolConfig carries the sizing parameters from spec §3's LoopPool data
// model. Zero-value fields are filled in by applyLoopPoolDefaults; in Static
// mode MinLoops and MaxLoops are always set to Count.
type LoopPoolConfig struct {
	Mode          LoopPoolMode
	Count         int // 0 = auto-detect from runtime.NumCPU
	TimeoutMs     int
	MinLoops      int
	MaxLoops      int
	HighWaterPct  int
	LowWaterPct   int
	CoolSeconds   int
	SampleSeconds int
	Logger        *zap.Logger
}

type loopEntry struct {
	thread *LoopThread
	loop   *EventLoop
}

// LoopPool owns an ordered list of (LoopThread, EventLoop) pairs, a
// round-robin cursor, a dispatch mode, and sizing parameters (spec §3/§4.6).
// The entries slice is mutated only by the constructor, the resizer
// goroutine and Shutdown; Dispatch reads it under entriesMu.
type LoopPool struct {
	cfg LoopPoolConfig
	log *zap.Logger

	entriesMu sync.RWMutex
	entries   []*loopEntry
	cursor    int

	resizerStop chan struct{}
	resizerDone chan struct{}

	resizeCount prometheus.Counter
}

// NewLoopPool constructs and starts every loop thread the pool needs, and —
// in Dynamic mode — starts the resizer goroutine.
func NewLoopPool(cfg LoopPoolConfig) (*LoopPool, error) {
	cfg = applyLoopPoolDefaults(cfg)
	p := &LoopPool{
		cfg:         cfg,
		log:         cfg.Logger,
		resizerStop: make(chan struct{}),
		resizerDone: make(chan struct{}),
		resizeCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonnet_looppool_resize_total",
			Help: "Number of times the LoopPool has grown or shrunk.",
		}),
	}
	for i := 0; i < cfg.Count; i++ {
		if err := p.addLoopLocked(); err != nil {
			return nil, err
		}
	}
	if cfg.Mode == Dynamic {
		go p.resizerLoop()
	} else {
		close(p.resizerDone)
	}
	return p, nil
}

func applyLoopPoolDefaults(cfg LoopPoolConfig) LoopPoolConfig {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger()
	}
	if cfg.Count <= 0 {
		cfg.Count = defaultWorkerCount()
	}
	if cfg.Mode == Dynamic {
		if cfg.MinLoops <= 0 {
			cfg.MinLoops = cfg.Count
		}
		if cfg.MaxLoops <= 0 {
			cfg.MaxLoops = 2*cfg.MinLoops - 1
		}
	} else {
		cfg.MinLoops = cfg.Count
		cfg.MaxLoops = cfg.Count
	}
	if cfg.HighWaterPct <= 0 {
		cfg.HighWaterPct = defaultHighWaterPct
	}
	if cfg.LowWaterPct <= 0 {
		cfg.LowWaterPct = defaultLowWaterPct
	}
	if cfg.CoolSeconds <= 0 {
		cfg.CoolSeconds = defaultCoolSeconds
	}
	if cfg.SampleSeconds <= 0 {
		cfg.SampleSeconds = defaultSampleSeconds
	}
	return cfg
}

// defaultWorkerCount implements spec §4.6's sizing rule:
// min_loops = ceil(hw_concurrency/2) + 1, floor 5 if detection fails.
func defaultWorkerCount() int {
	n := numCPU()
	if n <= 0 {
		return 5
	}
	return (n+1)/2 + 1
}

func (p *LoopPool) addLoopLocked() error {
	lt := NewLoopThread(p.cfg.TimeoutMs, p.log)
	if err := lt.Err(); err != nil {
		return err
	}
	p.entriesMu.Lock()
	p.entries = append(p.entries, &loopEntry{thread: lt, loop: lt.Loop()})
	p.entriesMu.Unlock()
	return nil
}

// Dispatch selects a destination loop per the configured mode (spec §4.6):
// fixed round-robin when Static, minimum-load (ties to the lowest index)
// when Dynamic.
func (p *LoopPool) Dispatch() *EventLoop {
	p.entriesMu.Lock()
	defer p.entriesMu.Unlock()

	if len(p.entries) == 0 {
		return nil
	}
	if p.cfg.Mode == Static {
		p.cursor = (p.cursor + 1) % len(p.entries)
		return p.entries[p.cursor].loop
	}
	return p.minLoadLocked()
}

// MinLoad always selects the minimum-load loop regardless of the pool's
// configured Mode. Unlike Dispatch (which honors Static/Dynamic), this is
// the acceptor-level LeastConnections strategy from SPEC_FULL.md's
// load-balance-strategies expansion: a caller can request least-connections
// acceptance even from a Static pool.
func (p *LoopPool) MinLoad() *EventLoop {
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	if len(p.entries) == 0 {
		return nil
	}
	best := p.entries[0]
	bestLoad := best.loop.Load()
	for _, e := range p.entries[1:] {
		if l := e.loop.Load(); l < bestLoad {
			best, bestLoad = e, l
		}
	}
	return best.loop
}

// At returns the loop at position i modulo the current pool size, for the
// acceptor-level RoundRobin strategy to cursor over independently of the
// pool's own Dispatch cursor. Returns nil if the pool is empty.
func (p *LoopPool) At(i int) *EventLoop {
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	if len(p.entries) == 0 {
		return nil
	}
	return p.entries[i%len(p.entries)].loop
}

func (p *LoopPool) minLoadLocked() *EventLoop {
	best := p.entries[0]
	bestLoad := best.loop.Load()
	for _, e := range p.entries[1:] {
		if l := e.loop.Load(); l < bestLoad {
			best, bestLoad = e, l
		}
	}
	return best.loop
}

func (p *LoopPool) maxLoadIndexLocked() int {
	idx := 0
	maxLoad := p.entries[0].loop.Load()
	for i, e := range p.entries[1:] {
		if l := e.loop.Load(); l > maxLoad {
			maxLoad, idx = l, i+1
		}
	}
	return idx
}

// TotalLoad returns the sum of every loop's Load() — spec §8 invariant 9.
func (p *LoopPool) TotalLoad() int {
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	sum := 0
	for _, e := range p.entries {
		sum += e.loop.Load()
	}
	return sum
}

// Size returns the current number of loops in the pool.
func (p *LoopPool) Size() int {
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	return len(p.entries)
}

// scale computes (avg_load*100)/total_load with avg_load = total_load/N in
// integer arithmetic (spec §4.6, §9 Open Question). This is roughly 100/N,
// a function of the loop count rather than of utilization, so it drops
// under the 20 threshold at about six loops and exceeds 80 only with a
// single loop. It returns 0 when the pool is empty or carries no load.
func (p *LoopPool) scale() int {
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	n := len(p.entries)
	if n == 0 {
		return 0
	}
	total := 0
	for _, e := range p.entries {
		total += e.loop.Load()
	}
	if total == 0 {
		return 0
	}
	avg := total / n
	return (avg * 100) / total
}

// resizerLoop runs on its own goroutine in Dynamic mode, sampling load and
// growing/shrinking the pool (spec §4.6 Resizer).
func (p *LoopPool) resizerLoop() {
	defer close(p.resizerDone)
	sampleSecs := p.cfg.SampleSeconds

	timer := time.NewTimer(time.Duration(sampleSecs) * time.Second)
	defer timer.Stop()

	for {
		select {
		case <-p.resizerStop:
			return
		case <-timer.C:
		}

		n := p.Size()
		if n > p.cfg.MinLoops && n < p.cfg.MaxLoops {
			s := p.scale()
			switch {
			case s < p.cfg.LowWaterPct:
				p.retireHighestLoaded()
				sampleSecs += p.cfg.CoolSeconds
				p.resizeCount.Inc()
			case s > p.cfg.HighWaterPct:
				if err := p.addLoopLocked(); err != nil {
					p.log.Warn("moonnet: looppool grow failed", zap.Error(err))
				} else {
					sampleSecs -= p.cfg.CoolSeconds
					p.resizeCount.Inc()
				}
			}
		}
		if sampleSecs < sampleSecondsFloor {
			sampleSecs = sampleSecondsFloor
		}
		timer.Reset(time.Duration(sampleSecs) * time.Second)
	}
}

// retireHighestLoaded implements spec §4.6 Retire(loop): stop the loop,
// join it, drain its registry, and redispatch every handle it held to the
// surviving pool (strictly sequential, per §9's "retirement races" note —
// no attempt to retire a loop that might still be inside its turn).
func (p *LoopPool) retireHighestLoaded() {
	p.entriesMu.Lock()
	if len(p.entries) == 0 {
		p.entriesMu.Unlock()
		return
	}
	idx := p.maxLoadIndexLocked()
	victim := p.entries[idx]
	p.entries[idx] = p.entries[len(p.entries)-1]
	p.entries = p.entries[:len(p.entries)-1]
	p.entriesMu.Unlock()

	if err := victim.loop.RequestStop(); err != nil {
		p.log.Warn("moonnet: retire: request stop failed", zap.Error(err))
	}
	victim.thread.Join()

	handles := victim.loop.TakeAllHandles()
	for _, h := range handles {
		dest := p.Dispatch()
		if dest == nil {
			p.log.Error("moonnet: retire: no surviving loop for migrated handle")
			_ = h.Close()
			continue
		}
		if err := h.rebind(dest); err != nil {
			p.log.Warn("moonnet: retire: rebind failed", zap.Error(err))
		}
	}
}

// Shutdown first stops and joins the resizer goroutine, so it cannot add or
// retire a loop mid-teardown, then signals every loop's wake descriptor and
// joins all LoopThreads.
func (p *LoopPool) Shutdown() {
	close(p.resizerStop)
	<-p.resizerDone

	p.entriesMu.Lock()
	entries := p.entries
	p.entries = nil
	p.entriesMu.Unlock()

	threads := make([]*LoopThread, len(entries))
	for i, e := range entries {
		_ = e.loop.RequestStop()
		threads[i] = e.thread
	}
	joinAll(threads)
}

// Describe and Collect implement prometheus.Collector so a Server can
// register a LoopPool directly with a registry.
func (p *LoopPool) Describe(ch chan<- *prometheus.Desc) {
	ch <- loadDesc
	p.resizeCount.Describe(ch)
}

func (p *LoopPool) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(loadDesc, prometheus.GaugeValue, float64(p.TotalLoad()))
	p.resizeCount.Collect(ch)
}

var loadDesc = prometheus.NewDesc(
	"moonnet_looppool_load",
	"Sum of EventLoop.Load() across every loop in the pool.",
	nil, nil,
)
