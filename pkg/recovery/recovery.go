package recovery

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/events"
	"github.com/conductor-sh/conductor/pkg/graph"
	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/provider"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/conductor-sh/conductor/pkg/worker"
	"github.com/rs/zerolog"
)

// KV keys the checkpoint writes before sealing a store snapshot
const (
	keyTasks     = "tasks"
	keyEdges     = "edges"
	keyQueue     = "queue"
	keyWorkers   = "workers"
	keyProviders = "providers"
)

// QueueSource exposes the scheduler's queue contents for checkpointing
type QueueSource interface {
	QueueSnapshot() []types.QueueEntry
}

// RestoreResult reports what a startup restore rebuilt
type RestoreResult struct {
	// SnapshotName is empty when no valid snapshot existed
	SnapshotName string
	LastSeq      uint64
	Replayed     int
	// ReadyIDs are the tasks to reinsert into the scheduler queues,
	// including formerly running tasks converted back to ready
	ReadyIDs []string
}

// Manager takes periodic checkpoints and rebuilds engine state on
// startup from the latest valid snapshot plus the event log tail.
type Manager struct {
	cfg   config.RecoveryConfig
	store store.Store
	graph *graph.Graph
	pool  *worker.Pool
	reg   *provider.Registry
	queue QueueSource
	bus   *events.Bus

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewManager wires a recovery manager over the shared component handles
func NewManager(cfg config.RecoveryConfig, st store.Store, g *graph.Graph, pool *worker.Pool, reg *provider.Registry, queue QueueSource, bus *events.Bus) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		graph:  g,
		pool:   pool,
		reg:    reg,
		queue:  queue,
		bus:    bus,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("recovery"),
	}
}

// Start launches the periodic checkpoint loop
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the checkpoint loop
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Checkpoint(); err != nil {
				m.logger.Error().Err(err).Msg("periodic checkpoint failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Checkpoint captures a consistent snapshot of engine state and seals
// it in the store. Old snapshots beyond the retention count are pruned.
func (m *Manager) Checkpoint() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	collections := map[string]any{
		keyTasks:     m.graph.Tasks(),
		keyEdges:     m.graph.Edges(),
		keyWorkers:   m.pool.Snapshot(),
		keyProviders: m.reg.Snapshot(),
	}
	if m.queue != nil {
		collections[keyQueue] = m.queue.QueueSnapshot()
	}
	for key, v := range collections {
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", key, err)
		}
		if err := m.store.Put(key, data); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", key, err)
		}
	}

	// Record the event before sealing so it lands inside the snapshot's
	// sequence range and is never replayed
	name := fmt.Sprintf("checkpoint-%d", time.Now().UnixNano())
	ev := &types.Event{
		Type:      types.EventCheckpointWritten,
		Timestamp: time.Now(),
		Body:      map[string]string{"name": name},
	}
	if _, err := m.store.Append(ev); err != nil {
		m.logger.Error().Err(err).Msg("failed to record checkpoint event")
	} else if m.bus != nil {
		m.bus.Publish(string(ev.Type), ev)
	}

	lastSeq, err := m.store.Snapshot(name)
	if err != nil {
		return "", fmt.Errorf("failed to seal snapshot: %w", err)
	}

	m.prune()
	m.logger.Info().Str("snapshot", name).Uint64("last_seq", lastSeq).Msg("checkpoint written")
	return name, nil
}

// prune removes snapshots beyond the retention count. Caller holds the
// lock.
func (m *Manager) prune() {
	infos, err := m.store.ListSnapshots()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list snapshots")
		return
	}
	for i := m.cfg.KeepSnapshots; i < len(infos); i++ {
		if err := m.store.DeleteSnapshot(infos[i].Name); err != nil {
			m.logger.Error().Err(err).Str("snapshot", infos[i].Name).Msg("failed to prune snapshot")
		}
	}
}

// Restore rebuilds engine state on startup: load the newest valid
// snapshot (corrupt ones are skipped), replay the event log tail, then
// apply the transient-state rules. The caller reinserts ReadyIDs into
// the scheduler.
func (m *Manager) Restore() (*RestoreResult, error) {
	res := &RestoreResult{}

	var tasks []*types.Task
	var workers []*types.Worker
	var providers []*types.Provider
	var queued []types.QueueEntry

	infos, err := m.store.ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, info := range infos {
		kv, lastSeq, err := m.store.LoadSnapshot(info.Name)
		if err != nil {
			m.logger.Warn().Err(err).Str("snapshot", info.Name).Msg("skipping invalid snapshot")
			continue
		}
		if err := decodeInto(kv, keyTasks, &tasks); err != nil {
			m.logger.Warn().Err(err).Str("snapshot", info.Name).Msg("skipping undecodable snapshot")
			continue
		}
		decodeInto(kv, keyWorkers, &workers)
		decodeInto(kv, keyProviders, &providers)
		decodeInto(kv, keyQueue, &queued)
		res.SnapshotName = info.Name
		res.LastSeq = lastSeq
		break
	}

	// Without a snapshot there is nothing to overlay; wiping here would
	// discard providers and workers registered from config before Start
	if res.SnapshotName != "" {
		m.graph.Restore(tasks)
		m.pool.Restore(workers)
		m.reg.Restore(providers)
	}

	// Replay the log tail on top of the snapshot
	end, err := m.store.LastSeq()
	if err != nil {
		return nil, fmt.Errorf("failed to read log head: %w", err)
	}
	if end > res.LastSeq {
		err = m.store.Range(res.LastSeq+1, end, func(ev *types.Event) error {
			m.apply(ev)
			res.Replayed++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("replay failed: %w", err)
		}
	}

	// Transient-state rules: attempted but unfinished work returns to
	// ready with an incremented retry count
	readySet := make(map[string]bool)
	for _, e := range queued {
		readySet[e.TaskID] = true
	}
	for _, t := range m.graph.Tasks() {
		switch t.State {
		case types.TaskStateAssigned, types.TaskStateRunning:
			m.graph.Update(t.ID, func(task *types.Task) {
				task.RetryCount++
				task.AssignedWorker = ""
				task.AssignedProvider = ""
			})
			m.graph.MarkState(t.ID, types.TaskStateReady)
			readySet[t.ID] = true
			m.refreshTaskRecord(t.ID)
		case types.TaskStateReady:
			readySet[t.ID] = true
		}
	}
	for id := range readySet {
		if t, ok := m.graph.Get(id); ok && t.State == types.TaskStateReady {
			res.ReadyIDs = append(res.ReadyIDs, id)
		}
	}

	res.LastSeq = end
	m.logger.Info().
		Str("snapshot", res.SnapshotName).
		Int("replayed", res.Replayed).
		Int("ready", len(res.ReadyIDs)).
		Msg("recovery complete")
	return res, nil
}

// refreshTaskRecord rewrites a task's KV record after recovery mutated it
func (m *Manager) refreshTaskRecord(id string) {
	t, ok := m.graph.Clone(id)
	if !ok {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := m.store.Put(store.TaskKey(id), raw); err != nil {
		m.logger.Error().Err(err).Str("task_id", id).Msg("failed to refresh task record")
	}
}

// apply folds one replayed event into the graph and pool
func (m *Manager) apply(ev *types.Event) {
	switch ev.Type {
	case types.EventTaskSubmitted:
		var task types.Task
		if raw, ok := ev.Body["task"]; ok && json.Unmarshal([]byte(raw), &task) == nil {
			if _, exists := m.graph.Get(task.ID); !exists {
				m.graph.Insert(&task, task.Prereqs)
			}
		}
	case types.EventTaskReady:
		m.graph.MarkState(ev.TaskID, types.TaskStateReady)
	case types.EventTaskAssigned:
		m.graph.MarkState(ev.TaskID, types.TaskStateAssigned)
		m.graph.Update(ev.TaskID, func(t *types.Task) {
			t.AssignedWorker = ev.WorkerID
			t.AssignedProvider = ev.ProviderID
		})
	case types.EventTaskCompleted:
		m.graph.MarkSucceeded(ev.TaskID)
	case types.EventTaskFailed:
		m.graph.MarkFailedPermanent(ev.TaskID)
	case types.EventTaskRetried:
		if attempt, err := strconv.Atoi(ev.Body["attempt"]); err == nil {
			m.graph.Update(ev.TaskID, func(t *types.Task) {
				t.RetryCount = attempt
				t.AssignedWorker = ""
				t.AssignedProvider = ""
			})
		}
		m.graph.MarkState(ev.TaskID, types.TaskStateReady)
	case types.EventTaskCancelled:
		m.graph.MarkState(ev.TaskID, types.TaskStateCancelled)
	case types.EventWorkerJoined:
		var w types.Worker
		if raw, ok := ev.Body["worker"]; ok && json.Unmarshal([]byte(raw), &w) == nil {
			m.pool.Register(&w)
		}
	case types.EventWorkerLeft:
		m.pool.Remove(ev.WorkerID)
	}
}

// decodeInto unmarshals a snapshot KV value when present
func decodeInto(kv map[string][]byte, key string, dst any) error {
	raw, ok := kv[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
