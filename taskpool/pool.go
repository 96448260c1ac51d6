package taskpool

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Mode selects the dispatch/sizing policy, mirroring moonnet's PoolMode enum
// (lfthreadpool.h) and the root package's LoopPoolMode.
type Mode int

const (
	// Static dispatches round-robin over a fixed number of workers.
	Static Mode = iota
	// Dynamic dispatches to the minimum-load worker and runs a resizer.
	Dynamic
)

const (
	defaultSampleSeconds = 5
	defaultCoolSeconds   = 30
	defaultHighWaterPct  = 80
	defaultLowWaterPct   = 20
	sampleSecondsFloor   = 5
)

// Config carries the sizing parameters from the original lfthreadpool's
// private fields (timesec_, coolsec_, load_max, load_min, max_tnum, min_tnum).
type Config struct {
	Mode          Mode
	Count         int
	QueueSize     int
	MinWorkers    int
	MaxWorkers    int
	HighWaterPct  int
	LowWaterPct   int
	CoolSeconds   int
	SampleSeconds int
	Logger        *zap.Logger
}

// TaskPool is a fixed-or-dynamic collection of Workers (spec §3/§4 "thread
// task pool"), grounded on moonnet's lfthreadpool.
type TaskPool struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	workers []*Worker
	cursor  int

	resizerStop chan struct{}
	resizerDone chan struct{}

	resizeCount prometheus.Counter
}

// New constructs and starts every worker the pool needs, and — in Dynamic
// mode — starts the resizer goroutine.
func New(cfg Config) *TaskPool {
	cfg = applyDefaults(cfg)
	p := &TaskPool{
		cfg:         cfg,
		log:         cfg.Logger,
		resizerStop: make(chan struct{}),
		resizerDone: make(chan struct{}),
		resizeCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonnet_taskpool_resize_total",
			Help: "Number of times the TaskPool has grown or shrunk.",
		}),
	}
	for i := 0; i < cfg.Count; i++ {
		p.addWorker()
	}
	if cfg.Mode == Dynamic {
		go p.resizerLoop()
	} else {
		close(p.resizerDone)
	}
	return p
}

func applyDefaults(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Count <= 0 {
		n := runtime.NumCPU()
		if n <= 0 {
			cfg.Count = 5
		} else {
			cfg.Count = (n+1)/2 + 1
		}
	}
	if cfg.Mode == Dynamic {
		if cfg.MinWorkers <= 0 {
			cfg.MinWorkers = cfg.Count
		}
		if cfg.MaxWorkers <= 0 {
			cfg.MaxWorkers = 2*cfg.MinWorkers - 1
		}
	} else {
		cfg.MinWorkers = cfg.Count
		cfg.MaxWorkers = cfg.Count
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

func (p *TaskPool) addWorker() {
	w := NewWorker(p.cfg.QueueSize, p.log)
	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()
}

// Submit enqueues fn on the dispatched worker. Returns false when that
// worker's queue was full at the moment of submission (spec's QueueFull),
// or when the pool has no workers, as after Shutdown.
//
// Like the original lfthreadpool, each Worker's queue is single-producer:
// callers must serialize their own Submit calls (e.g. from one EventLoop's
// turn, or behind a caller-owned mutex) rather than call Submit from
// multiple goroutines concurrently.
func (p *TaskPool) Submit(fn Task) bool {
	w := p.dispatch()
	if w == nil {
		return false
	}
	return w.Submit(fn)
}

func (p *TaskPool) dispatch() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return nil
	}
	if p.cfg.Mode == Static {
		p.cursor = (p.cursor + 1) % len(p.workers)
		return p.workers[p.cursor]
	}
	best := p.workers[0]
	bestLoad := best.Load()
	for _, w := range p.workers[1:] {
		if l := w.Load(); l < bestLoad {
			best, bestLoad = w, l
		}
	}
	return best
}

func (p *TaskPool) maxLoadIndexLocked() int {
	idx := 0
	maxLoad := p.workers[0].Load()
	for i, w := range p.workers[1:] {
		if l := w.Load(); l > maxLoad {
			maxLoad, idx = l, i+1
		}
	}
	return idx
}

// TotalLoad is the sum of every worker's queued-task count.
func (p *TaskPool) TotalLoad() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sum := 0
	for _, w := range p.workers {
		sum += w.Load()
	}
	return sum
}

// Size returns the current worker count.
func (p *TaskPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// scale mirrors LoopPool's formula, (avg_load*100)/total_load in integer
// arithmetic — see the root package's LoopPool.scale doc for what that
// value tracks.
func (p *TaskPool) scale() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.workers)
	if n == 0 {
		return 0
	}
	total := 0
	for _, w := range p.workers {
		total += w.Load()
	}
	if total == 0 {
		return 0
	}
	avg := total / n
	return (avg * 100) / total
}

func (p *TaskPool) resizerLoop() {
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
		if n > p.cfg.MinWorkers && n < p.cfg.MaxWorkers {
			s := p.scale()
			switch {
			case s < p.cfg.LowWaterPct:
				p.retireHighestLoaded()
				sampleSecs += p.cfg.CoolSeconds
				p.resizeCount.Inc()
			case s > p.cfg.HighWaterPct:
				p.addWorker()
				sampleSecs -= p.cfg.CoolSeconds
				p.resizeCount.Inc()
			}
		}
		if sampleSecs < sampleSecondsFloor {
			sampleSecs = sampleSecondsFloor
		}
		timer.Reset(time.Duration(sampleSecs) * time.Second)
	}
}

// retireHighestLoaded shuts down the most-loaded worker, then redispatches
// any tasks it had not yet run to the surviving pool (mirrors LoopPool's
// handle migration, applied to queued tasks instead of registered handles).
func (p *TaskPool) retireHighestLoaded() {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return
	}
	idx := p.maxLoadIndexLocked()
	victim := p.workers[idx]
	p.workers[idx] = p.workers[len(p.workers)-1]
	p.workers = p.workers[:len(p.workers)-1]
	p.mu.Unlock()

	victim.ShutdownForMigration()
	for _, fn := range victim.TakeAll() {
		if !p.Submit(fn) {
			p.log.Error("moonnet/taskpool: dropped task during worker retirement")
		}
	}
}

// Shutdown stops the resizer (if any) and every worker, draining their
// remaining queues first.
func (p *TaskPool) Shutdown() {
	close(p.resizerStop)
	<-p.resizerDone

	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(workers))
	for _, w := range workers {
		w := w
		go func() {
			defer wg.Done()
			w.Shutdown()
		}()
	}
	wg.Wait()
}

// Describe and Collect implement prometheus.Collector.
func (p *TaskPool) Describe(ch chan<- *prometheus.Desc) {
	ch <- loadDesc
	p.resizeCount.Describe(ch)
}

func (p *TaskPool) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(loadDesc, prometheus.GaugeValue, float64(p.TotalLoad()))
	p.resizeCount.Collect(ch)
}

var loadDesc = prometheus.NewDesc(
	"moonnet_taskpool_load",
	"Sum of queued tasks across every worker in the pool.",
	nil, nil,
)
