package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
)

// Graph maintains the task DAG: nodes are task records, edges run from
// prerequisite to dependent. All mutation goes through the scheduler, but
// reads (dashboards, recovery) may run concurrently.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*types.Task
	dependents map[string][]string // prereq id -> dependent ids
	unmet      map[string]int      // dependent id -> prereqs not yet succeeded
}

// New creates an empty dependency graph
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*types.Task),
		dependents: make(map[string][]string),
		unmet:      make(map[string]int),
	}
}

// Insert adds a task with its prerequisite edges. Returns true when the
// task is immediately ready (all prerequisites already succeeded).
// Fails with ErrDuplicate, ErrUnknownPrereq, or ErrCycleDetected; on any
// failure the graph is left unchanged.
func (g *Graph) Insert(task *types.Task, prereqIDs []string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[task.ID]; exists {
		return false, types.ErrDuplicate
	}

	unmet := 0
	for _, pid := range prereqIDs {
		prereq, ok := g.nodes[pid]
		if !ok {
			return false, types.ErrUnknownPrereq
		}
		if prereq.State != types.TaskStateSucceeded {
			unmet++
		}
	}

	// A brand new node has no dependents, so its incoming edges cannot
	// close a cycle. The check matters for AddDependency.
	task.Prereqs = append([]string(nil), prereqIDs...)
	g.nodes[task.ID] = task
	g.unmet[task.ID] = unmet
	for _, pid := range prereqIDs {
		g.dependents[pid] = append(g.dependents[pid], task.ID)
	}

	if unmet == 0 {
		task.State = types.TaskStateReady
		task.ReadyAt = time.Now()
		return true, nil
	}
	task.State = types.TaskStatePending
	return false, nil
}

// AddDependency inserts an edge from prereqID to taskID after the fact.
// Rejected with ErrCycleDetected when taskID is already an ancestor of
// prereqID; the graph is unchanged on rejection.
func (g *Graph) AddDependency(taskID, prereqID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	prereq, ok := g.nodes[prereqID]
	if !ok {
		return types.ErrUnknownPrereq
	}
	for _, pid := range task.Prereqs {
		if pid == prereqID {
			return nil // edge already present
		}
	}

	// Cycle check: walk dependents from taskID; reaching prereqID means
	// the new edge would close a loop.
	if g.reachable(taskID, prereqID) {
		return types.ErrCycleDetected
	}

	task.Prereqs = append(task.Prereqs, prereqID)
	g.dependents[prereqID] = append(g.dependents[prereqID], taskID)
	if prereq.State != types.TaskStateSucceeded {
		g.unmet[taskID]++
		if task.State == types.TaskStateReady {
			task.State = types.TaskStatePending
		}
	}
	return nil
}

// reachable reports whether to is reachable from from over dependent edges.
// Caller holds the lock.
func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range g.dependents[cur] {
			if dep == to {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// Get returns the task record for id
func (g *Graph) Get(id string) (*types.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.nodes[id]
	return t, ok
}

// Clone returns a copy of the task record safe to read outside the lock
func (g *Graph) Clone(id string) (*types.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	clone := *t
	return &clone, true
}

// Len returns the number of tasks in the graph
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// MarkSucceeded transitions id to succeeded and returns the dependents
// whose every prerequisite is now succeeded, in deterministic order.
// The returned tasks have been moved to ready.
func (g *Graph) MarkSucceeded(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[id]
	if !ok || task.State.Terminal() {
		return nil
	}
	task.State = types.TaskStateSucceeded

	var ready []string
	for _, depID := range g.dependents[id] {
		dep, ok := g.nodes[depID]
		if !ok || dep.State != types.TaskStatePending {
			continue
		}
		g.unmet[depID]--
		if g.unmet[depID] == 0 {
			dep.State = types.TaskStateReady
			dep.ReadyAt = time.Now()
			ready = append(ready, depID)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkFailedPermanent transitions id to failed and transitively cancels
// its dependents with cause "upstream failure". Returns the cancelled ids
// in cascade order.
func (g *Graph) MarkFailedPermanent(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[id]
	if !ok || task.State.Terminal() {
		return nil
	}
	task.State = types.TaskStateFailed
	return g.cancelDependents(id)
}

// CancelDependents transitively cancels non-terminal dependents of id with
// cause "upstream failure". Used when id itself was cancelled.
func (g *Graph) CancelDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelDependents(id)
}

// cancelDependents is the shared cascade. Caller holds the lock.
func (g *Graph) cancelDependents(id string) []string {
	var cancelled []string
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		dep, ok := g.nodes[cur]
		if !ok || dep.State.Terminal() {
			continue
		}
		dep.State = types.TaskStateCancelled
		dep.LastError = &types.FailureInfo{
			Kind:    types.ErrorKindPermanent,
			Message: "upstream failure",
			Time:    time.Now(),
		}
		cancelled = append(cancelled, cur)
		queue = append(queue, g.dependents[cur]...)
	}
	return cancelled
}

// MarkState applies an externally decided state transition without any
// propagation. The scheduler uses it for ready/assigned/running moves and
// for retry re-entry.
func (g *Graph) MarkState(id string, state types.TaskState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[id]
	if !ok || task.State.Terminal() {
		return false
	}
	task.State = state
	if state == types.TaskStateReady {
		task.ReadyAt = time.Now()
	}
	return true
}

// Update applies fn to the task record under the graph lock. Returns
// false for unknown ids. fn must not call back into the graph.
func (g *Graph) Update(id string, fn func(t *types.Task)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[id]
	if !ok {
		return false
	}
	fn(task)
	return true
}

// ReadySet returns the ids of all tasks currently in ready state
func (g *Graph) ReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, t := range g.nodes {
		if t.State == types.TaskStateReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Remove deletes a terminal task and garbage-collects its incoming edges.
// Non-terminal tasks return ErrNotTerminal.
func (g *Graph) Remove(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[id]
	if !ok {
		return types.ErrTaskNotFound
	}
	if !task.State.Terminal() {
		return types.ErrNotTerminal
	}

	for _, pid := range task.Prereqs {
		deps := g.dependents[pid]
		for i, d := range deps {
			if d == id {
				g.dependents[pid] = append(deps[:i], deps[i+1:]...)
				break
			}
		}
		if len(g.dependents[pid]) == 0 {
			delete(g.dependents, pid)
		}
	}
	delete(g.nodes, id)
	delete(g.unmet, id)
	return nil
}

// DependentCount returns the number of distinct transitive dependents of
// id that have not yet succeeded. Used for queue scoring.
func (g *Graph) DependentCount(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[id]...)
	count := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if t, ok := g.nodes[cur]; ok && t.State != types.TaskStateSucceeded {
			count++
		}
		stack = append(stack, g.dependents[cur]...)
	}
	return count
}

// ExecutionOrder returns a topological order of all tasks. Used for
// planning display, not dispatch. Ties are broken by submission time,
// then id.
func (g *Graph) ExecutionOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for id, t := range g.nodes {
		for _, pid := range t.Prereqs {
			if _, ok := g.nodes[pid]; ok {
				indegree[id]++
			}
		}
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	var order []string
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			a, b := g.nodes[frontier[i]], g.nodes[frontier[j]]
			if !a.SubmittedAt.Equal(b.SubmittedAt) {
				return a.SubmittedAt.Before(b.SubmittedAt)
			}
			return a.ID < b.ID
		})
		cur := frontier[0]
		frontier = frontier[1:]
		order = append(order, cur)
		for _, dep := range g.dependents[cur] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}
	return order
}

// CriticalPath returns the longest path by summed estimated duration
// through the unresolved (non-terminal) portion of the graph. Ties break
// toward the earlier submission timestamp.
func (g *Graph) CriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type pathInfo struct {
		duration time.Duration
		next     string
	}
	memo := make(map[string]pathInfo)

	var longestFrom func(id string) pathInfo
	longestFrom = func(id string) pathInfo {
		if info, ok := memo[id]; ok {
			return info
		}
		t := g.nodes[id]
		best := pathInfo{duration: t.EstimatedDuration}
		for _, depID := range g.dependents[id] {
			dep, ok := g.nodes[depID]
			if !ok || dep.State.Terminal() {
				continue
			}
			sub := longestFrom(depID)
			total := t.EstimatedDuration + sub.duration
			if total > best.duration || (total == best.duration && best.next != "" &&
				g.nodes[depID].SubmittedAt.Before(g.nodes[best.next].SubmittedAt)) {
				best = pathInfo{duration: total, next: depID}
			}
		}
		memo[id] = best
		return best
	}

	// Candidate heads: unresolved tasks whose prereqs are all resolved
	var bestHead string
	var bestInfo pathInfo
	for id, t := range g.nodes {
		if t.State.Terminal() {
			continue
		}
		isHead := true
		for _, pid := range t.Prereqs {
			if p, ok := g.nodes[pid]; ok && !p.State.Terminal() {
				isHead = false
				break
			}
		}
		if !isHead {
			continue
		}
		info := longestFrom(id)
		better := info.duration > bestInfo.duration
		if info.duration == bestInfo.duration && bestHead != "" {
			better = g.nodes[id].SubmittedAt.Before(g.nodes[bestHead].SubmittedAt)
		}
		if bestHead == "" || better {
			bestHead = id
			bestInfo = info
		}
	}
	if bestHead == "" {
		return nil
	}

	var path []string
	for cur := bestHead; cur != ""; cur = memo[cur].next {
		path = append(path, cur)
	}
	return path
}

// Tasks returns a copy of every task record, for snapshots and listings
func (g *Graph) Tasks() []*types.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*types.Task, 0, len(g.nodes))
	for _, t := range g.nodes {
		clone := *t
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns the dependent adjacency map, for snapshots
func (g *Graph) Edges() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string][]string, len(g.dependents))
	for k, v := range g.dependents {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Restore rebuilds the graph from snapshot state. Readiness bookkeeping is
// recomputed from prereq states; prereqs missing from the snapshot (already
// garbage-collected) count as met.
func (g *Graph) Restore(tasks []*types.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*types.Task, len(tasks))
	g.dependents = make(map[string][]string)
	g.unmet = make(map[string]int)

	for _, t := range tasks {
		clone := *t
		g.nodes[t.ID] = &clone
	}
	for id, t := range g.nodes {
		unmet := 0
		for _, pid := range t.Prereqs {
			prereq, ok := g.nodes[pid]
			if !ok {
				continue
			}
			g.dependents[pid] = append(g.dependents[pid], id)
			if prereq.State != types.TaskStateSucceeded {
				unmet++
			}
		}
		g.unmet[id] = unmet
	}
	for pid := range g.dependents {
		sort.Strings(g.dependents[pid])
	}
}
