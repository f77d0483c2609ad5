package scheduler

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/dispatch"
	"github.com/conductor-sh/conductor/pkg/events"
	"github.com/conductor-sh/conductor/pkg/graph"
	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/provider"
	"github.com/conductor-sh/conductor/pkg/queue"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/conductor-sh/conductor/pkg/worker"
	"github.com/rs/zerolog"
)

// jitterFraction bounds the random spread added to retry backoff
const jitterFraction = 0.1

// shard owns one slice of the task id space: its own queue, completion
// channel, and backoff markers. Each shard is driven by a single
// goroutine.
type shard struct {
	id      int
	queue   *queue.Queue
	results chan *dispatch.Result

	// Guarded by the scheduler mutex: announced on the next tick
	pending  map[string]bool
	deferred map[string]time.Time
}

// Scheduler is the central coordinator. It drains completion results,
// announces newly-ready tasks, and runs the assignment pipeline
// peek -> reserve -> select -> pop across sharded run loops.
type Scheduler struct {
	cfg      config.SchedulerConfig
	queueCfg config.QueueConfig
	workCfg  config.WorkersConfig

	graph *graph.Graph
	pool  *worker.Pool
	reg   *provider.Registry
	disp  *dispatch.Dispatcher
	store store.Store
	bus   *events.Bus

	mu            sync.Mutex
	shards        []*shard
	pendingCancel map[string]bool
	fatalErr      error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New wires a scheduler over the shared component handles. Start must be
// called before tasks flow.
func New(cfg *config.Config, g *graph.Graph, pool *worker.Pool, reg *provider.Registry, disp *dispatch.Dispatcher, st store.Store, bus *events.Bus) *Scheduler {
	s := &Scheduler{
		cfg:           cfg.Scheduler,
		queueCfg:      cfg.Queue,
		workCfg:       cfg.Workers,
		graph:         g,
		pool:          pool,
		reg:           reg,
		disp:          disp,
		store:         st,
		bus:           bus,
		pendingCancel: make(map[string]bool),
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("scheduler"),
	}

	n := s.cfg.Shards
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		sh := &shard{
			id:       i,
			results:  make(chan *dispatch.Result, 128),
			pending:  make(map[string]bool),
			deferred: make(map[string]time.Time),
		}
		sh.queue = queue.New(s.scorer)
		s.shards = append(s.shards, sh)
	}
	return s
}

// scorer recomputes a task's composite score from live graph state
func (s *Scheduler) scorer(id string) float64 {
	t, ok := s.graph.Get(id)
	if !ok {
		return 0
	}
	return queue.Score(t, s.graph.DependentCount(id), time.Now(), s.queueCfg.WaitBonusCap)
}

// shardFor maps a task id to its owning shard
func (s *Scheduler) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Start launches the shard run loops and the maintenance loop
func (s *Scheduler) Start() {
	for _, sh := range s.shards {
		s.wg.Add(1)
		go s.runShard(sh)
	}
	s.wg.Add(1)
	go s.maintenanceLoop()
	s.logger.Info().Int("shards", len(s.shards)).Msg("scheduler started")
}

// Stop terminates the run loops. In-flight dispatches finish on their
// own deadlines; their results are discarded.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Halt stops scheduling after an unrecoverable fault, keeping the first
// error. State transitions must not proceed past a store that cannot
// record them.
func (s *Scheduler) Halt(err error) {
	s.mu.Lock()
	first := s.fatalErr == nil
	if first {
		s.fatalErr = err
	}
	s.mu.Unlock()
	if !first {
		return
	}

	s.logger.Error().Err(err).Msg("unrecoverable fault, halting scheduler")
	if s.bus != nil {
		s.bus.Publish(events.TopicMonitor, &types.Event{
			Type:      types.EventStoreFault,
			Timestamp: time.Now(),
			Body:      map[string]string{"error": err.Error()},
		})
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Err reports the fault that halted the scheduler, if any
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// NotifyReady hands ids the graph reported ready to their shards. The
// ready announcement and queue insertion happen on the shard's next tick
// so submission batches settle before assignment begins.
func (s *Scheduler) NotifyReady(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.shardFor(id).pending[id] = true
	}
}

// ReassignOrphans records a worker-side failure for tasks stranded by a
// removed worker, sending each through the normal retry policy
func (s *Scheduler) ReassignOrphans(taskIDs ...string) {
	for _, id := range taskIDs {
		s.failTask(id, types.ErrorKindWorker, "worker removed")
	}
}

// Requeue reinserts ready tasks into their shard queues without
// re-announcing them. Used by recovery after restoring state; the ready
// events already exist in the log.
func (s *Scheduler) Requeue(ids ...string) {
	for _, id := range ids {
		t, ok := s.graph.Get(id)
		if !ok || t.State != types.TaskStateReady {
			continue
		}
		s.shardFor(id).queue.Push(id, s.scorer(id), t.ReadyAt)
	}
}

// QueueSnapshot returns the queued entries across all shards for
// checkpointing
func (s *Scheduler) QueueSnapshot() []types.QueueEntry {
	var out []types.QueueEntry
	for _, sh := range s.shards {
		out = append(out, sh.queue.Snapshot()...)
	}
	return out
}

// QueueDepth returns the number of queued tasks across all shards
func (s *Scheduler) QueueDepth() int {
	depth := 0
	for _, sh := range s.shards {
		depth += sh.queue.Len()
	}
	return depth
}

// runShard is the per-shard coordinator loop
func (s *Scheduler) runShard(sh *shard) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	rescore := time.NewTicker(s.queueCfg.RescoreInterval)
	defer rescore.Stop()

	for {
		select {
		case res := <-sh.results:
			s.handleResult(sh, res)
		case <-ticker.C:
			s.promotePending(sh)
			s.promoteDeferred(sh)
			s.assignPass(sh)
		case <-rescore.C:
			sh.queue.RescoreTop(s.queueCfg.RescoreTopK)
		case <-s.stopCh:
			return
		}
	}
}

// promotePending announces tasks that became ready since the last tick
// and inserts them into the shard queue
func (s *Scheduler) promotePending(sh *shard) {
	s.mu.Lock()
	ids := make([]string, 0, len(sh.pending))
	for id := range sh.pending {
		ids = append(ids, id)
		delete(sh.pending, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		t, ok := s.graph.Get(id)
		if !ok || t.State != types.TaskStateReady {
			continue
		}
		s.persistTask(id)
		s.record(&types.Event{Type: types.EventTaskReady, TaskID: id})
		sh.queue.Push(id, s.scorer(id), t.ReadyAt)
	}
}

// promoteDeferred re-inserts tasks whose backoff has elapsed
func (s *Scheduler) promoteDeferred(sh *shard) {
	now := time.Now()

	s.mu.Lock()
	var due []string
	for id, at := range sh.deferred {
		if !now.Before(at) {
			due = append(due, id)
			delete(sh.deferred, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		t, ok := s.graph.Get(id)
		if !ok || t.State != types.TaskStateReady {
			continue
		}
		sh.queue.Push(id, s.scorer(id), t.ReadyAt)
	}
}

// assignPass runs the assignment pipeline until the queue drains or
// reservations stop succeeding
func (s *Scheduler) assignPass(sh *shard) {
	if s.Err() != nil {
		return
	}
	for {
		id, ok := sh.queue.Peek()
		if !ok {
			return
		}
		task, found := s.graph.Get(id)
		if !found || task.State != types.TaskStateReady {
			// Cancelled or otherwise moved on while queued
			sh.queue.Remove(id)
			continue
		}

		workerID, token, err := s.pool.Reserve(task.Capabilities, id)
		if err != nil {
			// No eligible worker slot: stop this pass, try next tick
			return
		}

		var preferred []string
		if w, ok := s.pool.Get(workerID); ok {
			preferred = w.PreferredProviders
		}
		providerID, err := s.reg.Select(task.Capabilities, task.CostMode, preferred)
		if err != nil {
			// Undo the reservation and back the task off so it is not
			// retried immediately
			s.pool.CancelLease(token)
			sh.queue.Remove(id)
			s.mu.Lock()
			sh.deferred[id] = time.Now().Add(s.cfg.ProviderBackoff)
			s.mu.Unlock()
			s.logger.Debug().Str("task_id", id).Msg("no provider available, backing off")
			continue
		}

		sh.queue.Remove(id)
		s.graph.Update(id, func(t *types.Task) {
			t.State = types.TaskStateAssigned
			t.AssignedWorker = workerID
			t.AssignedProvider = providerID
		})
		s.persistTask(id)
		s.record(&types.Event{
			Type:       types.EventTaskAssigned,
			TaskID:     id,
			WorkerID:   workerID,
			ProviderID: providerID,
		})

		s.disp.Dispatch(dispatch.Request{
			Task:       task,
			ProviderID: providerID,
			WorkerID:   workerID,
			LeaseToken: token,
			Deadline:   time.Now().Add(s.cfg.DispatchTimeout),
		}, sh.results)
		s.graph.MarkState(id, types.TaskStateRunning)
		s.persistTask(id)

		s.logger.Debug().
			Str("task_id", id).
			Str("worker_id", workerID).
			Str("provider_id", providerID).
			Msg("task dispatched")
	}
}

// handleResult folds one dispatch completion back into engine state
func (s *Scheduler) handleResult(sh *shard, res *dispatch.Result) {
	task, ok := s.graph.Get(res.TaskID)
	if !ok || task.Terminal() {
		// Late result for a task that was force-cancelled or pruned
		s.pool.CancelLease(res.LeaseToken)
		return
	}

	s.mu.Lock()
	cancelRequested := s.pendingCancel[res.TaskID]
	s.mu.Unlock()
	if res.Cancelled || cancelRequested {
		// Either an acknowledged cancel, or a cancel that raced the
		// dispatch registration and missed its in-flight context
		s.pool.CancelLease(res.LeaseToken)
		s.finalizeCancel(res.TaskID)
		return
	}

	if res.Success {
		s.pool.Release(res.LeaseToken, true, res.Latency)
		s.reg.RecordSuccess(res.ProviderID, res.Tokens, res.Latency)
		newlyReady := s.graph.MarkSucceeded(res.TaskID)
		s.persistTask(res.TaskID)
		s.record(&types.Event{
			Type:       types.EventTaskCompleted,
			TaskID:     res.TaskID,
			WorkerID:   res.WorkerID,
			ProviderID: res.ProviderID,
			Body: map[string]string{
				"latency_ms": strconv.FormatInt(res.Latency.Milliseconds(), 10),
				"tokens":     strconv.FormatInt(res.Tokens, 10),
				"department": task.Department,
			},
		})
		s.NotifyReady(newlyReady...)
		return
	}

	s.pool.Release(res.LeaseToken, false, res.Latency)
	s.reg.RecordFailure(res.ProviderID, res.ErrKind)
	s.failTask(res.TaskID, res.ErrKind, res.ErrMessage)
}

// failTask applies the retry policy to a failed attempt. Provider-side
// permanent errors still allow the task to retry against another
// provider; only validation and integrity failures or exhausted retries
// fail the task outright.
func (s *Scheduler) failTask(id string, kind types.ErrorKind, msg string) {
	task, ok := s.graph.Get(id)
	if !ok || task.Terminal() {
		return
	}

	info := &types.FailureInfo{Kind: kind, Message: msg, Time: time.Now()}
	providerID := task.AssignedProvider
	retryable := kind != types.ErrorKindValidation && kind != types.ErrorKindIntegrity

	if retryable && task.RetryCount < task.MaxRetries {
		attempt := task.RetryCount + 1
		s.graph.Update(id, func(t *types.Task) {
			t.RetryCount = attempt
			t.LastError = info
			t.AssignedWorker = ""
			t.AssignedProvider = ""
		})
		s.graph.MarkState(id, types.TaskStateReady)

		delay := s.backoff(task.RetryCount)
		sh := s.shardFor(id)
		s.mu.Lock()
		sh.deferred[id] = time.Now().Add(delay)
		s.mu.Unlock()

		s.persistTask(id)
		s.record(&types.Event{
			Type:       types.EventTaskRetried,
			TaskID:     id,
			ProviderID: providerID,
			Body:       map[string]string{"attempt": strconv.Itoa(attempt), "error_kind": string(kind)},
		})
		s.logger.Info().
			Str("task_id", id).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("task scheduled for retry")
		return
	}

	s.graph.Update(id, func(t *types.Task) { t.LastError = info })
	cancelled := s.graph.MarkFailedPermanent(id)
	s.persistTask(id)
	s.record(&types.Event{
		Type:       types.EventTaskFailed,
		TaskID:     id,
		ProviderID: providerID,
		Body:       map[string]string{"error_kind": string(kind), "department": task.Department},
	})
	for _, depID := range cancelled {
		s.shardFor(depID).queue.Remove(depID)
		s.persistTask(depID)
		s.record(&types.Event{
			Type:   types.EventTaskCancelled,
			TaskID: depID,
			Body:   map[string]string{"cause": "upstream failure"},
		})
	}
	s.logger.Warn().
		Str("task_id", id).
		Str("error_kind", string(kind)).
		Int("cascade_cancelled", len(cancelled)).
		Msg("task failed permanently")
}

// backoff computes base * 2^retryCount with jitter, capped at the
// configured maximum
func (s *Scheduler) backoff(retryCount int) time.Duration {
	d := s.cfg.RetryBaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay || d <= 0 {
			d = s.cfg.RetryMaxDelay
			break
		}
	}
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(d))
	return d + jitter
}

// Cancel transitions a task to cancelled. Idempotent: cancelling a
// terminal task is a no-op. A running task is signalled through the
// dispatcher and finalized on acknowledgement, or force-cancelled after
// the grace period.
func (s *Scheduler) Cancel(id string) error {
	task, ok := s.graph.Get(id)
	if !ok {
		return types.ErrTaskNotFound
	}
	if task.Terminal() {
		return nil
	}

	if task.State == types.TaskStateRunning || task.State == types.TaskStateAssigned {
		s.mu.Lock()
		s.pendingCancel[id] = true
		s.mu.Unlock()

		// The mark above also covers a cancel that lands before the
		// dispatch registers its cancel func: the result handler settles
		// any pending-cancel task as cancelled
		if !s.disp.Cancel(id) {
			s.logger.Debug().Str("task_id", id).Msg("cancel requested before dispatch registration")
		}

		// Force the terminal state if the dispatch never acknowledges
		time.AfterFunc(s.cfg.CancelGracePeriod, func() {
			s.mu.Lock()
			pending := s.pendingCancel[id]
			s.mu.Unlock()
			if pending {
				s.logger.Warn().Str("task_id", id).Msg("cancel grace expired, forcing terminal state")
				s.finalizeCancel(id)
			}
		})
		return nil
	}

	s.finalizeCancel(id)
	return nil
}

// finalizeCancel records the terminal state for id and cascades
// cancellation to its dependents
func (s *Scheduler) finalizeCancel(id string) {
	s.mu.Lock()
	delete(s.pendingCancel, id)
	s.mu.Unlock()

	if !s.graph.MarkState(id, types.TaskStateCancelled) {
		return
	}
	sh := s.shardFor(id)
	sh.queue.Remove(id)
	s.mu.Lock()
	delete(sh.deferred, id)
	delete(sh.pending, id)
	s.mu.Unlock()

	s.persistTask(id)
	s.record(&types.Event{Type: types.EventTaskCancelled, TaskID: id})
	for _, depID := range s.graph.CancelDependents(id) {
		s.shardFor(depID).queue.Remove(depID)
		s.persistTask(depID)
		s.record(&types.Event{
			Type:   types.EventTaskCancelled,
			TaskID: depID,
			Body:   map[string]string{"cause": "upstream failure"},
		})
	}
}

// maintenanceLoop runs the time-driven housekeeping shared across
// shards: breaker cooldowns, heartbeat expiry, lease expiry, and idle
// load decay.
func (s *Scheduler) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reg.Tick()

			stopped, orphaned := s.pool.ExpireStale(s.workCfg.HeartbeatTimeout)
			for _, workerID := range stopped {
				s.record(&types.Event{Type: types.EventWorkerLeft, WorkerID: workerID})
			}
			for _, taskID := range orphaned {
				s.failTask(taskID, types.ErrorKindWorker, "worker heartbeat lost")
			}

			// Leases older than twice the dispatch timeout have lost their
			// result; treat as timeouts
			for _, lease := range s.pool.ExpireLeases(2 * s.cfg.DispatchTimeout) {
				s.failTask(lease.TaskID, types.ErrorKindTimeout, "dispatch lease expired")
			}

			s.pool.DecayIdleLoads(s.workCfg.DecayAfter, s.workCfg.LoadDecayFactor)
		case <-s.stopCh:
			return
		}
	}
}

// record appends the event to the durable log and publishes it on the
// bus. An event that cannot be made durable is never published, and the
// store fault halts the scheduler.
func (s *Scheduler) record(ev *types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if s.store != nil {
		if _, err := s.store.Append(ev); err != nil {
			s.Halt(fmt.Errorf("failed to append %s event: %w", ev.Type, err))
			return
		}
	}
	if s.bus != nil {
		s.bus.Publish(string(ev.Type), ev)
	}
}

// persistTask writes the task's current record under its KV key so
// readers observe state transitions after the corresponding event
func (s *Scheduler) persistTask(id string) {
	if s.store == nil {
		return
	}
	t, ok := s.graph.Clone(id)
	if !ok {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", id).Msg("failed to encode task record")
		return
	}
	if err := s.store.Put(store.TaskKey(id), data); err != nil {
		s.Halt(fmt.Errorf("failed to persist task %s: %w", id, err))
	}
}
