package worker

import (
	"testing"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorker(id string, limit int, caps ...string) *types.Worker {
	return &types.Worker{
		ID:               id,
		Capabilities:     caps,
		ConcurrencyLimit: limit,
	}
}

func TestRegisterDefaults(t *testing.T) {
	p := NewPool()
	w := newWorker("w1", 0)
	p.Register(w)

	got, ok := p.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStateReady, got.State)
	assert.Equal(t, 1, got.ConcurrencyLimit)
}

func TestReserveAndRelease(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 4))

	id, token, err := p.Reserve(nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, "w1", id)
	require.NotEmpty(t, token)

	got, _ := p.Get("w1")
	assert.InDelta(t, 0.25, got.Load, 1e-9)
	assert.Equal(t, types.WorkerStateBusy, got.State)
	assert.Equal(t, 1, p.LeaseCount("w1"))

	p.Release(token, true, 100*time.Millisecond)
	got, _ = p.Get("w1")
	assert.Equal(t, 0.0, got.Load)
	assert.Equal(t, types.WorkerStateIdle, got.State)
	assert.Equal(t, uint64(1), got.Successes)
	assert.Equal(t, 0, p.LeaseCount("w1"))
}

func TestReserveCapabilityMatch(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("coder", 1, "code"))
	p.Register(newWorker("writer", 1, "writing"))

	id, _, err := p.Reserve([]string{"writing"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "writer", id)

	_, _, err = p.Reserve([]string{"research"}, "t2")
	assert.ErrorIs(t, err, types.ErrNoWorker)
}

func TestReserveExhaustsConcurrency(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 2))

	_, _, err := p.Reserve(nil, "t1")
	require.NoError(t, err)
	_, _, err = p.Reserve(nil, "t2")
	require.NoError(t, err)

	// Concurrency limit reached
	_, _, err = p.Reserve(nil, "t3")
	assert.ErrorIs(t, err, types.ErrNoWorker)

	got, _ := p.Get("w1")
	assert.InDelta(t, 1.0, got.Load, 1e-9)
}

func TestReservePrefersIdleWorker(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("busy", 4))
	p.Register(newWorker("idle", 4))

	// Load up one worker
	id, _, err := p.Reserve(nil, "t1")
	require.NoError(t, err)

	other := "idle"
	if id == "idle" {
		other = "busy"
	}
	id2, _, err := p.Reserve(nil, "t2")
	require.NoError(t, err)
	assert.Equal(t, other, id2)
}

func TestReserveSkipsDraining(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 1))
	require.NoError(t, p.Drain("w1"))

	_, _, err := p.Reserve(nil, "t1")
	assert.ErrorIs(t, err, types.ErrNoWorker)
}

func TestReserveWeightedScore(t *testing.T) {
	p := NewPool()

	strong := newWorker("strong", 2)
	strong.Successes = 99
	strong.Failures = 1
	strong.AvgLatency = 50 * time.Millisecond
	strong.Load = 0.5
	strong.State = types.WorkerStateBusy
	p.Register(strong)

	weak := newWorker("weak", 2)
	weak.Successes = 10
	weak.Failures = 30
	weak.AvgLatency = 500 * time.Millisecond
	weak.Load = 0.5
	weak.State = types.WorkerStateBusy
	p.Register(weak)

	id, _, err := p.Reserve(nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, "strong", id)
}

func TestReleaseFailureCountsAgainstWorker(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 1))

	_, token, err := p.Reserve(nil, "t1")
	require.NoError(t, err)
	p.Release(token, false, 0)

	got, _ := p.Get("w1")
	assert.Equal(t, uint64(1), got.Failures)
	assert.Less(t, got.SuccessRate(), 1.0)
}

func TestCancelLeaseReturnsSlotWithoutCounters(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 2))

	_, token, err := p.Reserve(nil, "t1")
	require.NoError(t, err)
	p.CancelLease(token)

	got, _ := p.Get("w1")
	assert.Equal(t, 0.0, got.Load)
	assert.Equal(t, types.WorkerStateIdle, got.State)
	assert.Equal(t, uint64(0), got.Successes)
	assert.Equal(t, uint64(0), got.Failures)
	assert.Equal(t, 0, p.LeaseCount("w1"))
}

func TestReleaseUnknownTokenIgnored(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 1))
	p.Release("bogus", true, time.Second)

	got, _ := p.Get("w1")
	assert.Equal(t, uint64(0), got.Successes)
}

func TestRemoveReturnsOrphanedTasks(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 2))

	_, _, err := p.Reserve(nil, "t1")
	require.NoError(t, err)
	_, _, err = p.Reserve(nil, "t2")
	require.NoError(t, err)

	orphaned, err := p.Remove("w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, orphaned)

	_, ok := p.Get("w1")
	assert.False(t, ok)
}

func TestExpireStale(t *testing.T) {
	p := NewPool()

	now := time.Now()
	p.setClock(func() time.Time { return now })

	p.Register(newWorker("fresh", 1))
	p.Register(newWorker("stale", 1))
	_, _, err := p.Reserve([]string{}, "t1")
	require.NoError(t, err)

	// Only "fresh" heartbeats
	now = now.Add(time.Minute)
	require.NoError(t, p.Heartbeat("fresh"))

	now = now.Add(29 * time.Second)
	stopped, orphaned := p.ExpireStale(30 * time.Second)

	assert.Equal(t, []string{"stale"}, stopped)
	_, ok := p.Get("stale")
	assert.False(t, ok)
	_, ok = p.Get("fresh")
	assert.True(t, ok)

	// The reservation landed on one of the two; orphaned only if stale
	if len(orphaned) > 0 {
		assert.Equal(t, []string{"t1"}, orphaned)
	}
}

func TestDecayIdleLoads(t *testing.T) {
	p := NewPool()

	now := time.Now()
	p.setClock(func() time.Time { return now })

	p.Register(newWorker("w1", 2))
	_, _, err := p.Reserve(nil, "t1")
	require.NoError(t, err)

	got, _ := p.Get("w1")
	require.InDelta(t, 0.5, got.Load, 1e-9)

	now = now.Add(10 * time.Minute)
	p.DecayIdleLoads(5*time.Minute, 0.5)
	got, _ = p.Get("w1")
	assert.InDelta(t, 0.25, got.Load, 1e-9)

	// Repeated decay reaches zero and frees the worker
	for i := 0; i < 10; i++ {
		p.DecayIdleLoads(5*time.Minute, 0.5)
	}
	got, _ = p.Get("w1")
	assert.Equal(t, 0.0, got.Load)
	assert.Equal(t, types.WorkerStateIdle, got.State)
}

func TestExpireLeases(t *testing.T) {
	p := NewPool()

	now := time.Now()
	p.setClock(func() time.Time { return now })

	p.Register(newWorker("w1", 2))
	_, _, err := p.Reserve(nil, "t1")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, _, err = p.Reserve(nil, "t2")
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	expired := p.ExpireLeases(time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "t1", expired[0].TaskID)
	assert.Equal(t, 1, p.LeaseCount("w1"))
}

func TestRestoreClearsTransientState(t *testing.T) {
	p := NewPool()
	p.Register(newWorker("w1", 2))
	_, _, err := p.Reserve(nil, "t1")
	require.NoError(t, err)

	snap := p.Snapshot()

	p2 := NewPool()
	p2.Restore(snap)

	got, ok := p2.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 0.0, got.Load)
	assert.Equal(t, types.WorkerStateReady, got.State)
	assert.Equal(t, 0, p2.LeaseCount("w1"))
}
