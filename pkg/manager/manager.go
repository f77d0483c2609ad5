package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/dispatch"
	"github.com/conductor-sh/conductor/pkg/events"
	"github.com/conductor-sh/conductor/pkg/graph"
	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/metrics"
	"github.com/conductor-sh/conductor/pkg/provider"
	"github.com/conductor-sh/conductor/pkg/recovery"
	"github.com/conductor-sh/conductor/pkg/scheduler"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/conductor-sh/conductor/pkg/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRecoveryFailed wraps startup recovery errors so callers can map
// them to a distinct exit code
var ErrRecoveryFailed = errors.New("recovery failed")

// Manager owns the engine's component handles and exposes the
// submission and administration surface
type Manager struct {
	cfg *config.Config

	store store.Store
	bus   *events.Bus
	graph *graph.Graph
	pool  *worker.Pool
	reg   *provider.Registry
	disp  *dispatch.Dispatcher
	sched *scheduler.Scheduler
	rec   *recovery.Manager
	agg   *metrics.Aggregator

	logger zerolog.Logger
}

// SubmitRequest describes a task to schedule. An empty ID is assigned a
// generated one; an empty priority defaults to normal.
type SubmitRequest struct {
	ID                string
	Kind              string
	Department        string
	Priority          types.Priority
	Payload           []byte
	Capabilities      []string
	Prereqs           []string
	CostMode          string
	MaxRetries        int
	EstimatedDuration time.Duration
	Deadline          *time.Time
}

// New builds the full engine from configuration. Components are
// instantiated once here and shared as handles; nothing starts until
// Start.
func New(cfg *config.Config) (*Manager, error) {
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	m := &Manager{
		cfg:    cfg,
		store:  st,
		bus:    events.NewBus(st, cfg.Bus.HighWaterMark, cfg.Bus.HandlerPool),
		graph:  graph.New(),
		pool:   worker.NewPool(),
		reg:    provider.NewRegistry(),
		disp:   dispatch.NewDispatcher(),
		logger: log.WithComponent("manager"),
	}

	for _, pc := range cfg.Providers {
		ep, err := buildEndpoint(pc)
		if err != nil {
			st.Close()
			return nil, err
		}
		m.disp.RegisterEndpoint(pc.ID, ep)

		failures, window, cooldown := cfg.BreakerFor(pc)
		prov := &types.Provider{
			ID:               pc.ID,
			Endpoint:         pc.Endpoint,
			Model:            pc.Model,
			Class:            types.ProviderClass(pc.Class),
			Capabilities:     pc.Capabilities,
			CostPerToken:     pc.CostPerToken,
			DailyTokenBudget: pc.DailyTokenBudget,
			BreakerConfig: types.BreakerConfig{
				ConsecutiveFailures: failures,
				Window:              window,
				Cooldown:            cooldown,
			},
		}
		m.reg.Register(prov)
		if err := m.persistProvider(prov); err != nil {
			st.Close()
			return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
		}
	}
	for _, mode := range cfg.Modes {
		m.reg.SetMode(mode.Name, mode.Providers)
	}

	m.sched = scheduler.New(cfg, m.graph, m.pool, m.reg, m.disp, st, m.bus)
	m.rec = recovery.NewManager(cfg.Recovery, st, m.graph, m.pool, m.reg, m.sched, m.bus)
	m.agg = metrics.NewAggregator(cfg.Alerts, m.bus, m.reg, m.pool, m.sched, 15*time.Second)

	// Breaker transitions surface as bus events and refresh the durable
	// provider record
	m.reg.OnTransition(func(p *types.Provider, state types.BreakerState) {
		typ := types.EventProviderOpened
		if state == types.BreakerClosed {
			typ = types.EventProviderClosed
		}
		if err := m.persistProvider(p); err != nil {
			m.logger.Error().Err(err).Str("provider_id", p.ID).Msg("failed to persist provider record")
		}
		m.record(&types.Event{Type: typ, ProviderID: p.ID, Body: map[string]string{"state": string(state)}})
	})

	return m, nil
}

// persistProvider writes the provider's durable record
func (m *Manager) persistProvider(p *types.Provider) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode provider: %w", err)
	}
	return m.store.Put(store.ProviderKey(p.ID), raw)
}

// buildEndpoint maps a provider config entry to its dispatch endpoint
func buildEndpoint(pc config.ProviderConfig) (dispatch.Endpoint, error) {
	switch pc.Type {
	case "anthropic":
		return dispatch.NewAnthropicEndpoint(pc.Model, pc.APIKeyEnv), nil
	case "openai":
		return dispatch.NewOpenAIEndpoint(pc.Model, pc.APIKeyEnv, pc.Endpoint), nil
	case "mock", "":
		return dispatch.NewMockEndpoint(), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", pc.Type)
	}
}

// Start recovers persisted state and launches the engine loops
func (m *Manager) Start() error {
	res, err := m.rec.Restore()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	m.sched.Requeue(res.ReadyIDs...)

	m.sched.Start()
	m.rec.Start()
	if err := m.agg.Start(); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}

	m.logger.Info().
		Str("snapshot", res.SnapshotName).
		Int("replayed", res.Replayed).
		Int("requeued", len(res.ReadyIDs)).
		Msg("engine started")
	return nil
}

// Stop shuts the engine down, writing a final checkpoint
func (m *Manager) Stop() {
	m.sched.Stop()
	if _, err := m.rec.Checkpoint(); err != nil {
		m.logger.Error().Err(err).Msg("final checkpoint failed")
	}
	m.rec.Stop()
	m.agg.Stop()
	m.bus.Stop()
	if err := m.store.Close(); err != nil {
		m.logger.Error().Err(err).Msg("failed to close store")
	}
	m.logger.Info().Msg("engine stopped")
}

// Submit validates and inserts a task. Returns the task id, or a
// rejection: ErrInvalidPriority, ErrPayloadTooLarge, ErrDuplicate,
// ErrUnknownPrereq, or ErrCycleDetected.
func (m *Manager) Submit(req SubmitRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.Valid() {
		return "", types.ErrInvalidPriority
	}
	if len(req.Payload) > m.cfg.Scheduler.MaxPayloadBytes {
		return "", types.ErrPayloadTooLarge
	}

	task := &types.Task{
		ID:                req.ID,
		Kind:              req.Kind,
		Department:        req.Department,
		Priority:          req.Priority,
		Payload:           req.Payload,
		Capabilities:      req.Capabilities,
		CostMode:          req.CostMode,
		MaxRetries:        req.MaxRetries,
		EstimatedDuration: req.EstimatedDuration,
		Deadline:          req.Deadline,
		SubmittedAt:       time.Now(),
	}

	ready, err := m.graph.Insert(task, req.Prereqs)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}
	if err := m.store.Put(store.TaskKey(task.ID), raw); err != nil {
		return "", fmt.Errorf("%w: failed to persist task: %v", types.ErrStoreUnavailable, err)
	}
	if err := m.record(&types.Event{
		Type:   types.EventTaskSubmitted,
		TaskID: task.ID,
		Body:   map[string]string{"task": string(raw), "department": task.Department},
	}); err != nil {
		return "", err
	}

	if ready {
		m.sched.NotifyReady(task.ID)
	}
	m.logger.Info().
		Str("task_id", task.ID).
		Str("priority", string(task.Priority)).
		Int("prereqs", len(req.Prereqs)).
		Msg("task submitted")
	return task.ID, nil
}

// Cancel requests cancellation of a task. Idempotent.
func (m *Manager) Cancel(id string) error {
	return m.sched.Cancel(id)
}

// Get returns a copy of a task record
func (m *Manager) Get(id string) (*types.Task, error) {
	t, ok := m.graph.Get(id)
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	clone := *t
	return &clone, nil
}

// List returns copies of all task records
func (m *Manager) List() []*types.Task {
	return m.graph.Tasks()
}

// AddDependency adds an edge making taskID wait on prereqID. Rejected
// with ErrCycleDetected when it would close a loop.
func (m *Manager) AddDependency(taskID, prereqID string) error {
	return m.graph.AddDependency(taskID, prereqID)
}

// ExecutionOrder returns the planned topological order of all tasks
func (m *Manager) ExecutionOrder() []string {
	return m.graph.ExecutionOrder()
}

// CriticalPath returns the longest unresolved path by estimated duration
func (m *Manager) CriticalPath() []string {
	return m.graph.CriticalPath()
}

// RegisterWorker adds a worker to the pool
func (m *Manager) RegisterWorker(w *types.Worker) error {
	m.pool.Register(w)
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode worker: %w", err)
	}
	if err := m.store.Put(store.WorkerKey(w.ID), raw); err != nil {
		return fmt.Errorf("%w: failed to persist worker: %v", types.ErrStoreUnavailable, err)
	}
	return m.record(&types.Event{
		Type:     types.EventWorkerJoined,
		WorkerID: w.ID,
		Body:     map[string]string{"worker": string(raw)},
	})
}

// Heartbeat refreshes a worker's liveness
func (m *Manager) Heartbeat(workerID string) error {
	return m.pool.Heartbeat(workerID)
}

// DrainWorker stops new assignments to a worker, keeping in-flight work
func (m *Manager) DrainWorker(id string) error {
	return m.pool.Drain(id)
}

// RemoveWorker deletes a worker; its in-flight tasks go back through the
// retry policy
func (m *Manager) RemoveWorker(id string) error {
	orphaned, err := m.pool.Remove(id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(store.WorkerKey(id)); err != nil {
		m.logger.Error().Err(err).Str("worker_id", id).Msg("failed to delete worker record")
	}
	if err := m.record(&types.Event{Type: types.EventWorkerLeft, WorkerID: id}); err != nil {
		return err
	}
	m.sched.ReassignOrphans(orphaned...)
	return nil
}

// Workers returns copies of all worker records
func (m *Manager) Workers() []*types.Worker {
	return m.pool.List()
}

// Providers returns copies of all provider records
func (m *Manager) Providers() []*types.Provider {
	return m.reg.List()
}

// Metrics returns the aggregator's current rollups
func (m *Manager) Metrics() metrics.Summary {
	return m.agg.Snapshot()
}

// Checkpoint writes an on-demand snapshot
func (m *Manager) Checkpoint() (string, error) {
	return m.rec.Checkpoint()
}

// Bus exposes the event bus for external subscribers
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Config returns a copy of the running configuration
func (m *Manager) Config() config.Config {
	return *m.cfg
}

// record appends to the log and publishes on the bus. An event that
// cannot be made durable is not published; the fault halts the scheduler
// and is returned to the caller.
func (m *Manager) record(ev *types.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if _, err := m.store.Append(ev); err != nil {
		err = fmt.Errorf("%w: failed to append %s event: %v", types.ErrStoreUnavailable, ev.Type, err)
		if m.sched != nil {
			m.sched.Halt(err)
		}
		return err
	}
	m.bus.Publish(string(ev.Type), ev)
	return nil
}
