package recovery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/graph"
	"github.com/conductor-sh/conductor/pkg/provider"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/conductor-sh/conductor/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	entries []types.QueueEntry
}

func (f *fakeQueue) QueueSnapshot() []types.QueueEntry { return f.entries }

type fixture struct {
	store store.Store
	graph *graph.Graph
	pool  *worker.Pool
	reg   *provider.Registry
	queue *fakeQueue
	mgr   *Manager
}

func newFixture(t *testing.T, keep int) *fixture {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store: st,
		graph: graph.New(),
		pool:  worker.NewPool(),
		reg:   provider.NewRegistry(),
		queue: &fakeQueue{},
	}
	cfg := config.RecoveryConfig{SnapshotInterval: time.Hour, KeepSnapshots: keep}
	f.mgr = NewManager(cfg, st, f.graph, f.pool, f.reg, f.queue, nil)
	return f
}

// freshManager builds a second manager over empty components sharing the
// same store, simulating a restart
func (f *fixture) freshManager(t *testing.T) (*Manager, *graph.Graph, *worker.Pool, *provider.Registry) {
	t.Helper()
	g := graph.New()
	pool := worker.NewPool()
	reg := provider.NewRegistry()
	cfg := config.RecoveryConfig{SnapshotInterval: time.Hour, KeepSnapshots: 3}
	return NewManager(cfg, f.store, g, pool, reg, nil, nil), g, pool, reg
}

func submittedEvent(t *testing.T, task *types.Task) *types.Event {
	t.Helper()
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	return &types.Event{
		Type:   types.EventTaskSubmitted,
		TaskID: task.ID,
		Body:   map[string]string{"task": string(raw)},
	}
}

func TestCheckpointAndRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.graph.Insert(&types.Task{ID: "done", Priority: types.PriorityNormal}, nil)
	require.NoError(t, err)
	f.graph.MarkSucceeded("done")
	_, err = f.graph.Insert(&types.Task{ID: "queued", Priority: types.PriorityHigh}, nil)
	require.NoError(t, err)
	_, err = f.graph.Insert(&types.Task{ID: "inflight", Priority: types.PriorityNormal, MaxRetries: 3}, nil)
	require.NoError(t, err)
	f.graph.MarkState("inflight", types.TaskStateRunning)

	f.pool.Register(&types.Worker{ID: "w1", ConcurrencyLimit: 2, Capabilities: []string{"code"}})
	_, _, err = f.pool.Reserve(nil, "inflight")
	require.NoError(t, err)

	f.reg.Register(&types.Provider{ID: "p1", Breaker: types.BreakerHalfOpen})
	f.queue.entries = []types.QueueEntry{{TaskID: "queued", Score: 100, ReadyAt: time.Now()}}

	name, err := f.mgr.Checkpoint()
	require.NoError(t, err)
	require.NotEmpty(t, name)

	mgr2, g2, pool2, reg2 := f.freshManager(t)
	res, err := mgr2.Restore()
	require.NoError(t, err)
	assert.Equal(t, name, res.SnapshotName)

	// Terminal task survives as-is
	done, ok := g2.Get("done")
	require.True(t, ok)
	assert.Equal(t, types.TaskStateSucceeded, done.State)

	// Running work returns to ready with an incremented retry count
	inflight, ok := g2.Get("inflight")
	require.True(t, ok)
	assert.Equal(t, types.TaskStateReady, inflight.State)
	assert.Equal(t, 1, inflight.RetryCount)
	assert.Empty(t, inflight.AssignedWorker)

	// Worker loads reset to zero
	w, ok := pool2.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 0.0, w.Load)
	assert.Equal(t, types.WorkerStateReady, w.State)

	// Half-open breakers reopen pending a fresh cooldown
	p, ok := reg2.Get("p1")
	require.True(t, ok)
	assert.Equal(t, types.BreakerOpen, p.Breaker)

	assert.ElementsMatch(t, []string{"queued", "inflight"}, res.ReadyIDs)
}

func TestRestoreReplaysLogTail(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.mgr.Checkpoint()
	require.NoError(t, err)

	// Events after the checkpoint: the crash-after-assigned scenario
	task := &types.Task{ID: "T1", Priority: types.PriorityHigh, MaxRetries: 3}
	_, err = f.store.Append(submittedEvent(t, task))
	require.NoError(t, err)
	_, err = f.store.Append(&types.Event{Type: types.EventTaskReady, TaskID: "T1"})
	require.NoError(t, err)
	_, err = f.store.Append(&types.Event{Type: types.EventTaskAssigned, TaskID: "T1", WorkerID: "w1"})
	require.NoError(t, err)

	mgr2, g2, _, _ := f.freshManager(t)
	res, err := mgr2.Restore()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)

	got, ok := g2.Get("T1")
	require.True(t, ok)
	assert.Equal(t, types.TaskStateReady, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, res.ReadyIDs, "T1")
}

func TestRestoreWithoutSnapshotReplaysFromStart(t *testing.T) {
	f := newFixture(t, 3)

	chain := []*types.Task{
		{ID: "a", Priority: types.PriorityNormal},
		{ID: "b", Priority: types.PriorityNormal, Prereqs: []string{"a"}},
	}
	for _, task := range chain {
		_, err := f.store.Append(submittedEvent(t, task))
		require.NoError(t, err)
	}
	_, err := f.store.Append(&types.Event{Type: types.EventTaskCompleted, TaskID: "a"})
	require.NoError(t, err)

	mgr2, g2, _, _ := f.freshManager(t)
	res, err := mgr2.Restore()
	require.NoError(t, err)
	assert.Empty(t, res.SnapshotName)

	a, _ := g2.Get("a")
	assert.Equal(t, types.TaskStateSucceeded, a.State)
	b, _ := g2.Get("b")
	assert.Equal(t, types.TaskStateReady, b.State)
}

func TestRestoreFreshStartKeepsRegisteredState(t *testing.T) {
	f := newFixture(t, 3)

	// First boot: providers and workers come from config, before Start
	f.reg.Register(&types.Provider{ID: "p1", CostPerToken: 0.001})
	f.pool.Register(&types.Worker{ID: "w1", ConcurrencyLimit: 2})

	res, err := f.mgr.Restore()
	require.NoError(t, err)
	assert.Empty(t, res.SnapshotName)

	// Nothing to restore must not mean everything gets wiped
	_, ok := f.reg.Get("p1")
	assert.True(t, ok)
	_, ok = f.pool.Get("w1")
	assert.True(t, ok)
}

func TestRestoreSkipsStructurallyInvalidSnapshot(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.graph.Insert(&types.Task{ID: "good", Priority: types.PriorityNormal}, nil)
	require.NoError(t, err)
	goodName, err := f.mgr.Checkpoint()
	require.NoError(t, err)

	// Newer snapshot with an undecodable task collection
	require.NoError(t, f.store.Put(keyTasks, []byte("{not json")))
	_, err = f.store.Snapshot("checkpoint-broken")
	require.NoError(t, err)

	mgr2, g2, _, _ := f.freshManager(t)
	res, err := mgr2.Restore()
	require.NoError(t, err)
	assert.Equal(t, goodName, res.SnapshotName)

	_, ok := g2.Get("good")
	assert.True(t, ok)
}

func TestCheckpointPrunesOldSnapshots(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 4; i++ {
		_, err := f.mgr.Checkpoint()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	names, err := f.store.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestCheckpointRecordsEvent(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.mgr.Checkpoint()
	require.NoError(t, err)

	last, err := f.store.LastSeq()
	require.NoError(t, err)
	found := false
	require.NoError(t, f.store.Range(1, last, func(ev *types.Event) error {
		if ev.Type == types.EventCheckpointWritten {
			found = true
		}
		return nil
	}))
	assert.True(t, found)
}
