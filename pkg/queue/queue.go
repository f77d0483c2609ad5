package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
)

// Scorer computes the current composite score for a task id. The queue
// calls it to refresh scores lazily on Pop and during periodic sweeps.
type Scorer func(id string) float64

// Queue holds ready task ids ordered by composite score, highest first.
// Within equal score, FIFO by ready timestamp.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	byID   map[string]*item
	scorer Scorer
	seq    uint64
}

type item struct {
	id      string
	score   float64
	readyAt time.Time
	seq     uint64
	index   int
}

// New creates a queue. The scorer may be nil, in which case stored scores
// are used as-is.
func New(scorer Scorer) *Queue {
	return &Queue{
		byID:   make(map[string]*item),
		scorer: scorer,
	}
}

// Push adds a task id with its initial score. Re-pushing an existing id
// updates its score instead.
func (q *Queue) Push(id string, score float64, readyAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[id]; ok {
		it.score = score
		heap.Fix(&q.items, it.index)
		return
	}
	q.seq++
	it := &item{id: id, score: score, readyAt: readyAt, seq: q.seq}
	q.byID[id] = it
	heap.Push(&q.items, it)
}

// UpdateScore adjusts the score of a queued id. Unknown ids are ignored.
func (q *Queue) UpdateScore(id string, score float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[id]; ok {
		it.score = score
		heap.Fix(&q.items, it.index)
	}
}

// Pop removes and returns the highest-scored id. The top element is
// re-scored lazily before being returned: if its fresh score falls below
// the next element's, it is re-sorted and the new top is considered.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}

	// Bounded by queue size; each pass either returns the top or fixes
	// one stale score in place.
	for attempts := len(q.items); attempts > 0; attempts-- {
		top := q.items[0]
		if q.scorer != nil {
			fresh := q.scorer(top.id)
			if fresh != top.score {
				top.score = fresh
				heap.Fix(&q.items, 0)
				if q.items[0] != top {
					continue
				}
			}
		}
		break
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.byID, it.id)
	return it.id, true
}

// Peek returns the highest-scored id without removing it
func (q *Queue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0].id, true
}

// Remove deletes an id from the queue. Returns false if absent.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	return true
}

// Contains reports whether id is queued
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of queued ids
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RescoreTop refreshes the scores of the top k elements using the queue's
// scorer. Called by the periodic sweep to keep wait bonuses current.
func (q *Queue) RescoreTop(k int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.scorer == nil {
		return
	}
	if k > len(q.items) {
		k = len(q.items)
	}
	// Collect ids first: heap.Fix reorders the slice under us
	ids := make([]string, 0, k)
	for i := 0; i < k; i++ {
		ids = append(ids, q.items[i].id)
	}
	for _, id := range ids {
		if it, ok := q.byID[id]; ok {
			it.score = q.scorer(id)
			heap.Fix(&q.items, it.index)
		}
	}
}

// Snapshot returns the queue contents in score order, for recovery
func (q *Queue) Snapshot() []types.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Drain a deep copy so the live heap's bookkeeping is untouched
	tmp := make(itemHeap, len(q.items))
	for i, it := range q.items {
		clone := *it
		clone.index = i
		tmp[i] = &clone
	}

	out := make([]types.QueueEntry, 0, len(tmp))
	for tmp.Len() > 0 {
		it := heap.Pop(&tmp).(*item)
		out = append(out, types.QueueEntry{TaskID: it.id, Score: it.score, ReadyAt: it.readyAt})
	}
	return out
}

// Restore repopulates the queue from snapshot entries
func (q *Queue) Restore(entries []types.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = q.items[:0]
	q.byID = make(map[string]*item, len(entries))
	for _, e := range entries {
		q.seq++
		it := &item{id: e.TaskID, score: e.Score, readyAt: e.ReadyAt, seq: q.seq}
		q.byID[e.TaskID] = it
		q.items = append(q.items, it)
	}
	heap.Init(&q.items)
}

// itemHeap implements heap.Interface as a max-heap on score with FIFO
// tie-breaking
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
