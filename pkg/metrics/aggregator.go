package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/events"
	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/provider"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/conductor-sh/conductor/pkg/worker"
	"github.com/rs/zerolog"
)

// QueueDepther reports the scheduler's current queue depth
type QueueDepther interface {
	QueueDepth() int
}

// WorkerStats is the per-worker completion rollup
type WorkerStats struct {
	Completed  uint64
	Failed     uint64
	AvgLatency time.Duration
}

// ProviderStats is the per-provider usage rollup, derived from the
// registry's counters
type ProviderStats struct {
	Requests uint64
	Failures uint64
	Tokens   int64
	Cost     float64
	Breaker  types.BreakerState
}

// DepartmentStats is the per-department throughput rollup
type DepartmentStats struct {
	Completed uint64
	Failed    uint64
}

// Summary is a read-only snapshot of the aggregator's rollups
type Summary struct {
	QueueDepth  int
	Completed   uint64
	Failed      uint64
	Cancelled   uint64
	Retried     uint64
	SuccessRate float64
	AvgWait     time.Duration
	Workers     map[string]WorkerStats
	Providers   map[string]ProviderStats
	Departments map[string]DepartmentStats
}

// Aggregator consumes bus events into rollups and fires threshold alert
// events. It is a pure observer: a failure here never reaches the
// scheduler.
type Aggregator struct {
	cfg      config.AlertConfig
	bus      *events.Bus
	reg      *provider.Registry
	pool     *worker.Pool
	depth    QueueDepther
	interval time.Duration

	mu          sync.Mutex
	workers     map[string]*WorkerStats
	departments map[string]*DepartmentStats
	completed   uint64
	failed      uint64
	cancelled   uint64
	retried     uint64
	readyAt     map[string]time.Time
	totalWait   time.Duration
	waits       uint64
	active      map[string]bool

	sub      *events.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewAggregator wires an aggregator over the bus and the registries it
// polls for gauges and budget alerts
func NewAggregator(cfg config.AlertConfig, bus *events.Bus, reg *provider.Registry, pool *worker.Pool, depth QueueDepther, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Aggregator{
		cfg:         cfg,
		bus:         bus,
		reg:         reg,
		pool:        pool,
		depth:       depth,
		interval:    interval,
		workers:     make(map[string]*WorkerStats),
		departments: make(map[string]*DepartmentStats),
		readyAt:     make(map[string]time.Time),
		active:      make(map[string]bool),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("metrics"),
	}
}

// Start subscribes to the bus and launches the polling loop
func (a *Aggregator) Start() error {
	sub, err := a.bus.Subscribe(events.TopicAll, nil, a.consume, events.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	a.sub = sub

	a.wg.Add(1)
	go a.run()
	return nil
}

// Stop detaches from the bus and terminates the polling loop
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	if a.sub != nil {
		a.bus.Unsubscribe(a.sub)
	}
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.poll()
	for {
		select {
		case <-ticker.C:
			a.poll()
		case <-a.stopCh:
			return
		}
	}
}

// consume folds one event into the rollups
func (a *Aggregator) consume(ev *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("event_type", string(ev.Type)).Msg("aggregator recovered")
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case types.EventTaskSubmitted:
		TasksSubmitted.Inc()
	case types.EventTaskReady:
		a.readyAt[ev.TaskID] = ev.Timestamp
	case types.EventTaskAssigned:
		if ready, ok := a.readyAt[ev.TaskID]; ok {
			wait := ev.Timestamp.Sub(ready)
			if wait > 0 {
				a.totalWait += wait
				a.waits++
				TaskWaitSeconds.Observe(wait.Seconds())
			}
			delete(a.readyAt, ev.TaskID)
		}
	case types.EventTaskCompleted:
		a.completed++
		dept := ev.Body["department"]
		a.departmentStats(dept).Completed++
		TasksCompleted.WithLabelValues(dept).Inc()

		ws := a.workerStats(ev.WorkerID)
		ws.Completed++
		if ms, err := strconv.ParseInt(ev.Body["latency_ms"], 10, 64); err == nil {
			latency := time.Duration(ms) * time.Millisecond
			if ws.AvgLatency == 0 {
				ws.AvgLatency = latency
			} else {
				ws.AvgLatency = time.Duration(float64(ws.AvgLatency)*0.8 + float64(latency)*0.2)
			}
			DispatchLatency.WithLabelValues(ev.ProviderID).Observe(latency.Seconds())
		}
		if tokens, err := strconv.ParseInt(ev.Body["tokens"], 10, 64); err == nil {
			ProviderTokens.WithLabelValues(ev.ProviderID).Add(float64(tokens))
		}
	case types.EventTaskFailed:
		a.failed++
		dept := ev.Body["department"]
		a.departmentStats(dept).Failed++
		if ev.WorkerID != "" {
			a.workerStats(ev.WorkerID).Failed++
		}
		TasksFailed.WithLabelValues(ev.Body["error_kind"]).Inc()
		if ev.ProviderID != "" {
			ProviderFailures.WithLabelValues(ev.ProviderID).Inc()
		}
	case types.EventTaskRetried:
		a.retried++
		TasksRetried.Inc()
		if ev.ProviderID != "" {
			ProviderFailures.WithLabelValues(ev.ProviderID).Inc()
		}
	case types.EventTaskCancelled:
		a.cancelled++
		TasksCancelled.Inc()
		delete(a.readyAt, ev.TaskID)
	case types.EventSubscriberDropped:
		EventsDropped.Inc()
	}
}

func (a *Aggregator) workerStats(id string) *WorkerStats {
	ws, ok := a.workers[id]
	if !ok {
		ws = &WorkerStats{}
		a.workers[id] = ws
	}
	return ws
}

func (a *Aggregator) departmentStats(name string) *DepartmentStats {
	ds, ok := a.departments[name]
	if !ok {
		ds = &DepartmentStats{}
		a.departments[name] = ds
	}
	return ds
}

// poll refreshes gauges from the registries and evaluates alert
// thresholds
func (a *Aggregator) poll() {
	if a.pool != nil {
		WorkersActive.Set(float64(len(a.pool.List())))
	}
	for _, p := range a.reg.List() {
		open := 0.0
		if p.Breaker != types.BreakerClosed {
			open = 1.0
		}
		BreakerOpen.WithLabelValues(p.ID).Set(open)

		if p.DailyTokenBudget > 0 &&
			float64(p.TokensToday) >= a.cfg.CostBudgetRatio*float64(p.DailyTokenBudget) {
			a.fire("provider_budget:"+p.ID, map[string]string{
				"reason":   "provider_budget",
				"provider": p.ID,
				"tokens":   strconv.FormatInt(p.TokensToday, 10),
				"budget":   strconv.FormatInt(p.DailyTokenBudget, 10),
			})
		} else {
			a.clear("provider_budget:" + p.ID)
		}
	}

	if a.depth != nil {
		depth := a.depth.QueueDepth()
		QueueDepth.Set(float64(depth))
		if depth > a.cfg.QueueDepth {
			a.fire("queue_depth", map[string]string{
				"reason":    "queue_depth",
				"depth":     strconv.Itoa(depth),
				"threshold": strconv.Itoa(a.cfg.QueueDepth),
			})
		} else {
			a.clear("queue_depth")
		}
	}

	a.mu.Lock()
	total := a.completed + a.failed
	rate := 1.0
	if total > 0 {
		rate = float64(a.completed) / float64(total)
	}
	a.mu.Unlock()
	if total > 0 && rate < a.cfg.MinSuccessRate {
		a.fire("success_rate", map[string]string{
			"reason":    "success_rate",
			"rate":      strconv.FormatFloat(rate, 'f', 3, 64),
			"threshold": strconv.FormatFloat(a.cfg.MinSuccessRate, 'f', 3, 64),
		})
	} else {
		a.clear("success_rate")
	}
}

// fire publishes an alert event on the rising edge of a condition
func (a *Aggregator) fire(key string, body map[string]string) {
	a.mu.Lock()
	already := a.active[key]
	a.active[key] = true
	a.mu.Unlock()
	if already {
		return
	}

	AlertsFired.WithLabelValues(body["reason"]).Inc()
	a.logger.Warn().Str("alert", key).Msg("threshold alert fired")
	a.bus.Publish(string(types.EventAlert), &types.Event{
		Type:      types.EventAlert,
		Timestamp: time.Now(),
		Body:      body,
	})
}

// clear resets a condition so it can fire again
func (a *Aggregator) clear(key string) {
	a.mu.Lock()
	delete(a.active, key)
	a.mu.Unlock()
}

// Snapshot returns a copy of the current rollups
func (a *Aggregator) Snapshot() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		Completed:   a.completed,
		Failed:      a.failed,
		Cancelled:   a.cancelled,
		Retried:     a.retried,
		SuccessRate: 1.0,
		Workers:     make(map[string]WorkerStats, len(a.workers)),
		Providers:   make(map[string]ProviderStats),
		Departments: make(map[string]DepartmentStats, len(a.departments)),
	}
	if total := a.completed + a.failed; total > 0 {
		s.SuccessRate = float64(a.completed) / float64(total)
	}
	if a.waits > 0 {
		s.AvgWait = a.totalWait / time.Duration(a.waits)
	}
	for id, ws := range a.workers {
		s.Workers[id] = *ws
	}
	for name, ds := range a.departments {
		s.Departments[name] = *ds
	}
	if a.depth != nil {
		s.QueueDepth = a.depth.QueueDepth()
	}
	for _, p := range a.reg.List() {
		s.Providers[p.ID] = ProviderStats{
			Requests: p.Requests,
			Failures: p.Failures,
			Tokens:   p.TokensToday,
			Cost:     float64(p.TokensToday) * p.CostPerToken,
			Breaker:  p.Breaker,
		}
	}
	return s
}
