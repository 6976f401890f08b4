package collect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInterval is how often a collection tick runs.
	DefaultInterval = 2 * time.Second

	// DefaultCollectTimeout bounds a single collector's Collect call so one
	// hung source cannot stall the snapshot forever.
	DefaultCollectTimeout = 5 * time.Second
)

// Config holds orchestrator settings. Zero values fall back to defaults.
type Config struct {
	Interval       time.Duration
	CollectTimeout time.Duration
}

// Orchestrator drives the registered collectors: Start hooks, the periodic
// collection tick, health bookkeeping, and the cached merged snapshot.
type Orchestrator struct {
	collectors []Collector
	interval   time.Duration
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.RWMutex
	health     map[string]*Health
	latest     Snapshot
	onSnapshot func(Snapshot)

	runCancel context.CancelFunc
	runDone   chan struct{}
	stopOnce  sync.Once
}

// New creates an orchestrator over the given collectors. Health entries are
// created once here, healthy, and mutated on every tick afterwards.
func New(cfg Config, logger *zap.Logger, collectors ...Collector) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = DefaultCollectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	health := make(map[string]*Health, len(collectors))
	for _, c := range collectors {
		health[c.Name()] = &Health{
			Name:   c.Name(),
			Label:  labelOf(c),
			Status: StatusHealthy,
		}
	}

	return &Orchestrator{
		collectors: collectors,
		interval:   cfg.Interval,
		timeout:    cfg.CollectTimeout,
		logger:     logger,
		now:        time.Now,
		health:     health,
		latest:     Snapshot{},
	}
}

// OnSnapshot registers the snapshot subscriber, replacing any previous one.
// It is invoked synchronously after each tick with the freshly merged
// snapshot; a panicking subscriber is contained and logged, never allowed to
// break collection.
func (o *Orchestrator) OnSnapshot(fn func(Snapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSnapshot = fn
}

// Start runs every collector's Start hook and then launches the periodic
// collection loop. A failing Start hook is isolated: that collector is marked
// errored and the rest start normally.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, c := range o.collectors {
		s, ok := c.(Starter)
		if !ok {
			continue
		}
		if err := o.guard(func() error { return s.Start(ctx) }); err != nil {
			o.markErrored(c.Name(), err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.runCancel = cancel
	o.runDone = make(chan struct{})

	go func() {
		defer close(o.runDone)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				o.Collect(runCtx)
			}
		}
	}()
}

// Collect runs one tick: every collector's Collect concurrently, each under
// the per-collector timeout. Individual failures are caught, their
// contribution omitted, and the collector flipped to errored, logged only
// on the transition, not on every failing tick. A later success silently
// flips it back to healthy. Collect itself never fails.
func (o *Orchestrator) Collect(ctx context.Context) Snapshot {
	type result struct {
		data map[string]any
		err  error
	}
	results := make([]result, len(o.collectors))

	var wg sync.WaitGroup
	for i, c := range o.collectors {
		wg.Add(1)
		go func(i int, c Collector) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()

			var data map[string]any
			err := o.guard(func() error {
				var cerr error
				data, cerr = c.Collect(cctx)
				return cerr
			})
			results[i] = result{data: data, err: err}
		}(i, c)
	}
	wg.Wait()

	snap := Snapshot{}
	for i, c := range o.collectors {
		res := results[i]
		if res.err != nil {
			collectorErrors.WithLabelValues(c.Name()).Inc()
			o.markErrored(c.Name(), res.err)
			continue
		}
		o.markHealthy(c.Name())
		for k, v := range res.data {
			snap[k] = v
		}
	}
	snap["timestamp"] = o.now().UnixMilli()

	o.mu.Lock()
	o.latest = snap
	fn := o.onSnapshot
	o.mu.Unlock()

	collectTicks.Inc()

	if fn != nil {
		// Sink failures never affect collection.
		if err := o.guard(func() error { fn(snap); return nil }); err != nil {
			o.logger.Error("snapshot subscriber failed", zap.Error(err))
		}
	}

	return snap
}

// LatestStats returns the most recently cached merged snapshot. Before the
// first tick it is empty.
func (o *Orchestrator) LatestStats() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := make(Snapshot, len(o.latest))
	for k, v := range o.latest {
		snap[k] = v
	}
	return snap
}

// CollectorHealth returns the health entries in registration order.
func (o *Orchestrator) CollectorHealth() []Health {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Health, 0, len(o.collectors))
	for _, c := range o.collectors {
		out = append(out, *o.health[c.Name()])
	}
	return out
}

// CollectorConfigs returns the configuration of every collector that exposes
// one, keyed by collector name.
func (o *Orchestrator) CollectorConfigs() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, c := range o.collectors {
		if cfg, ok := c.(Configurable); ok {
			out[c.Name()] = cfg.Config()
		}
	}
	return out
}

// Stop halts the collection loop, runs every collector's Stop hook (failures
// isolated), and marks all health entries stopped. Safe to call more than
// once.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() {
		if o.runCancel != nil {
			o.runCancel()
			<-o.runDone
		}

		for _, c := range o.collectors {
			s, ok := c.(Stopper)
			if !ok {
				continue
			}
			if err := o.guard(func() error { return s.Stop(ctx) }); err != nil {
				o.logger.Error("collector stop failed",
					zap.String("collector", c.Name()), zap.Error(err))
			}
		}

		o.mu.Lock()
		for _, h := range o.health {
			h.Status = StatusStopped
		}
		o.mu.Unlock()
	})
}

// guard runs fn, converting a panic into an error so a broken collector or
// sink cannot take the process down.
func (o *Orchestrator) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// markErrored flips a collector to errored, logging only on the transition
// into the errored state to avoid flooding the log on every failing tick.
func (o *Orchestrator) markErrored(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := o.health[name]
	transition := h.Status != StatusErrored
	h.Status = StatusErrored
	h.LastError = err.Error()
	h.LastErrorAt = o.now().UnixMilli()

	if transition {
		o.logger.Error("collector errored",
			zap.String("collector", name), zap.Error(err))
	}
}

// markHealthy silently flips a collector back to healthy.
func (o *Orchestrator) markHealthy(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.health[name].Status = StatusHealthy
}
