package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Weights of the worker selection score
const (
	successWeight = 0.4
	latencyWeight = 0.3
	loadWeight    = 0.3
)

// loadEpsilon absorbs float accounting skew between reserve and release
const loadEpsilon = 1e-9

// Lease records an outstanding reservation on a worker
type Lease struct {
	Token    string
	WorkerID string
	TaskID   string
	IssuedAt time.Time
}

// Pool manages the worker registry and reservation accounting. All
// operations are atomic with respect to concurrent callers.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*types.Worker
	leases  map[string]*Lease

	now    func() time.Time
	logger zerolog.Logger
}

// NewPool creates an empty worker pool
func NewPool() *Pool {
	return &Pool{
		workers: make(map[string]*types.Worker),
		leases:  make(map[string]*Lease),
		now:     time.Now,
		logger:  log.WithComponent("worker-pool"),
	}
}

// Register adds a worker to the pool in ready state
func (p *Pool) Register(w *types.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.ConcurrencyLimit <= 0 {
		w.ConcurrencyLimit = 1
	}
	if w.State == "" || w.State == types.WorkerStateStarting {
		w.State = types.WorkerStateReady
	}
	w.LastActive = p.now()
	p.workers[w.ID] = w
	p.logger.Info().Str("worker_id", w.ID).Strs("capabilities", w.Capabilities).Msg("worker registered")
}

// Drain moves a worker to draining; it accepts no new assignments but
// keeps its in-flight leases until released
func (p *Pool) Drain(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return types.ErrWorkerNotFound
	}
	w.State = types.WorkerStateDraining
	return nil
}

// Remove deletes a worker and returns the task ids of its outstanding
// leases so the caller can requeue them
func (p *Pool) Remove(id string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return nil, types.ErrWorkerNotFound
	}
	w.State = types.WorkerStateStopped

	var orphaned []string
	for token, lease := range p.leases {
		if lease.WorkerID == id {
			orphaned = append(orphaned, lease.TaskID)
			delete(p.leases, token)
		}
	}
	delete(p.workers, id)
	sort.Strings(orphaned)
	return orphaned, nil
}

// Get returns a copy of a worker record
func (p *Pool) Get(id string) (*types.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return nil, false
	}
	clone := *w
	return &clone, true
}

// List returns copies of all worker records sorted by id
func (p *Pool) List() []*types.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*types.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		clone := *w
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reserve atomically picks a worker able to execute the given capabilities
// and claims one concurrency slot on it. Selection prefers fully idle
// workers, then the weighted score
// successRate*0.4 + (1-normalizedLatency)*0.3 + (1-load)*0.3.
// Returns ErrNoWorker when no eligible worker has a free slot.
func (p *Pool) Reserve(capabilities []string, taskID string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*types.Worker
	var maxLatency time.Duration
	for _, w := range p.workers {
		if !w.State.Assignable() {
			continue
		}
		if !capable(w, capabilities) {
			continue
		}
		if w.Load+1.0/float64(w.ConcurrencyLimit) > 1.0+loadEpsilon {
			continue
		}
		candidates = append(candidates, w)
		if w.AvgLatency > maxLatency {
			maxLatency = w.AvgLatency
		}
	}
	if len(candidates) == 0 {
		return "", "", types.ErrNoWorker
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aIdle := a.Load <= loadEpsilon
		bIdle := b.Load <= loadEpsilon
		if aIdle != bIdle {
			return aIdle
		}
		as, bs := workerScore(a, maxLatency), workerScore(b, maxLatency)
		if as != bs {
			return as > bs
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	chosen.Load += 1.0 / float64(chosen.ConcurrencyLimit)
	if chosen.Load > 1.0 {
		chosen.Load = 1.0
	}
	chosen.State = types.WorkerStateBusy
	chosen.LastActive = p.now()

	lease := &Lease{
		Token:    uuid.New().String(),
		WorkerID: chosen.ID,
		TaskID:   taskID,
		IssuedAt: p.now(),
	}
	p.leases[lease.Token] = lease
	return chosen.ID, lease.Token, nil
}

// workerScore ranks a candidate; higher is better
func workerScore(w *types.Worker, maxLatency time.Duration) float64 {
	normLatency := 0.0
	if maxLatency > 0 {
		normLatency = float64(w.AvgLatency) / float64(maxLatency)
	}
	return w.SuccessRate()*successWeight +
		(1-normLatency)*latencyWeight +
		(1-w.Load)*loadWeight
}

// capable reports whether the worker's capability set covers the request.
// An empty worker capability set accepts everything.
func capable(w *types.Worker, capabilities []string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	have := make(map[string]bool, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = true
	}
	for _, c := range capabilities {
		if !have[c] {
			return false
		}
	}
	return true
}

// Release returns a lease's slot and folds the outcome into the worker's
// counters. Unknown lease tokens are ignored (the worker may have been
// removed).
func (p *Pool) Release(token string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.leases[token]
	if !ok {
		return
	}
	delete(p.leases, token)

	w, ok := p.workers[lease.WorkerID]
	if !ok {
		return
	}
	w.Load -= 1.0 / float64(w.ConcurrencyLimit)
	if w.Load < loadEpsilon {
		w.Load = 0
	}
	if success {
		w.Successes++
	} else {
		w.Failures++
	}
	if latency > 0 {
		if w.AvgLatency == 0 {
			w.AvgLatency = latency
		} else {
			w.AvgLatency = time.Duration(float64(w.AvgLatency)*0.8 + float64(latency)*0.2)
		}
	}
	w.LastActive = p.now()
	if w.State == types.WorkerStateBusy && w.Load == 0 {
		w.State = types.WorkerStateIdle
	}
}

// CancelLease returns a lease's slot without recording an outcome. Used
// when a reservation is abandoned before dispatch, such as when no
// provider is available.
func (p *Pool) CancelLease(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.leases[token]
	if !ok {
		return
	}
	delete(p.leases, token)

	w, ok := p.workers[lease.WorkerID]
	if !ok {
		return
	}
	w.Load -= 1.0 / float64(w.ConcurrencyLimit)
	if w.Load < loadEpsilon {
		w.Load = 0
	}
	if w.State == types.WorkerStateBusy && w.Load == 0 {
		w.State = types.WorkerStateIdle
	}
}

// Heartbeat refreshes a worker's liveness timestamp
func (p *Pool) Heartbeat(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return types.ErrWorkerNotFound
	}
	w.LastActive = p.now()
	return nil
}

// ExpireStale stops workers whose last heartbeat is older than timeout and
// returns (stopped worker ids, orphaned task ids) for reassignment.
func (p *Pool) ExpireStale(timeout time.Duration) ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var stopped, orphaned []string
	for id, w := range p.workers {
		if now.Sub(w.LastActive) <= timeout {
			continue
		}
		w.State = types.WorkerStateStopped
		stopped = append(stopped, id)
		for token, lease := range p.leases {
			if lease.WorkerID == id {
				orphaned = append(orphaned, lease.TaskID)
				delete(p.leases, token)
			}
		}
		delete(p.workers, id)
		p.logger.Warn().Str("worker_id", id).Msg("worker heartbeat lost, removed")
	}
	sort.Strings(stopped)
	sort.Strings(orphaned)
	return stopped, orphaned
}

// DecayIdleLoads pulls load toward zero on workers inactive beyond
// decayAfter. Keeps a stuck reservation from permanently blocking a
// worker's slots.
func (p *Pool) DecayIdleLoads(decayAfter time.Duration, factor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, w := range p.workers {
		if w.Load == 0 || now.Sub(w.LastActive) <= decayAfter {
			continue
		}
		w.Load *= factor
		if w.Load < 0.01 {
			w.Load = 0
			if w.State == types.WorkerStateBusy {
				w.State = types.WorkerStateIdle
			}
		}
	}
}

// ExpireLeases returns and forgets leases older than timeout. The
// scheduler records these as timeout failures.
func (p *Pool) ExpireLeases(timeout time.Duration) []*Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var expired []*Lease
	for token, lease := range p.leases {
		if now.Sub(lease.IssuedAt) > timeout {
			expired = append(expired, lease)
			delete(p.leases, token)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].IssuedAt.Before(expired[j].IssuedAt) })
	return expired
}

// LeaseCount returns the number of outstanding leases on a worker
func (p *Pool) LeaseCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, lease := range p.leases {
		if lease.WorkerID == id {
			count++
		}
	}
	return count
}

// Snapshot returns worker records for checkpointing. Transient load is
// not meaningful across restarts but is included for observability.
func (p *Pool) Snapshot() []*types.Worker {
	return p.List()
}

// Restore rebuilds the pool from snapshot records. Loads reset to zero
// and every surviving worker starts ready; leases do not survive a crash.
func (p *Pool) Restore(workers []*types.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workers = make(map[string]*types.Worker, len(workers))
	p.leases = make(map[string]*Lease)
	for _, w := range workers {
		clone := *w
		clone.Load = 0
		if clone.State != types.WorkerStateStopped {
			clone.State = types.WorkerStateReady
		}
		clone.LastActive = p.now()
		p.workers[clone.ID] = &clone
	}
}

// setClock overrides the pool clock in tests
func (p *Pool) setClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
