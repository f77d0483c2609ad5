package queue

import (
	"testing"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopOrdersByScore(t *testing.T) {
	q := New(nil)
	now := time.Now()

	// Insertion order low, normal, high, critical
	q.Push("L", types.PriorityLow.BaseScore(), now)
	q.Push("N", types.PriorityNormal.BaseScore(), now)
	q.Push("H", types.PriorityHigh.BaseScore(), now)
	q.Push("C", types.PriorityCritical.BaseScore(), now)

	var order []string
	for {
		id, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"C", "H", "N", "L"}, order)
}

func TestPopFIFOWithinEqualScore(t *testing.T) {
	q := New(nil)
	base := time.Now()

	q.Push("second", 10, base.Add(time.Second))
	q.Push("first", 10, base)
	q.Push("third", 10, base.Add(2*time.Second))

	var order []string
	for {
		id, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPopEmpty(t *testing.T) {
	q := New(nil)
	id, ok := q.Pop()
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New(nil)
	q.Push("t1", 5, time.Now())

	id, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "t1", id)
	assert.Equal(t, 1, q.Len())
}

func TestPushExistingUpdatesScore(t *testing.T) {
	q := New(nil)
	now := time.Now()

	q.Push("a", 1, now)
	q.Push("b", 2, now)
	q.Push("a", 3, now)

	assert.Equal(t, 2, q.Len())
	id, _ := q.Pop()
	assert.Equal(t, "a", id)
}

func TestRemove(t *testing.T) {
	q := New(nil)
	now := time.Now()

	q.Push("a", 3, now)
	q.Push("b", 2, now)
	q.Push("c", 1, now)

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.False(t, q.Contains("b"))

	id, _ := q.Pop()
	assert.Equal(t, "a", id)
	id, _ = q.Pop()
	assert.Equal(t, "c", id)
}

func TestLazyRescoreOnPop(t *testing.T) {
	// Scorer inverts the stored ordering: "a" decays below "b"
	scores := map[string]float64{"a": 1, "b": 5}
	q := New(func(id string) float64 { return scores[id] })

	now := time.Now()
	q.Push("a", 10, now) // stale high score
	q.Push("b", 5, now)

	id, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", id)

	id, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", id)
}

func TestRescoreTop(t *testing.T) {
	scores := map[string]float64{"a": 1, "b": 2, "c": 30}
	q := New(func(id string) float64 { return scores[id] })

	now := time.Now()
	q.Push("a", 20, now)
	q.Push("b", 10, now)
	q.Push("c", 3, now)

	q.RescoreTop(3)

	id, _ := q.Peek()
	assert.Equal(t, "c", id)
}

func TestSnapshotAndRestore(t *testing.T) {
	q := New(nil)
	base := time.Now()

	q.Push("a", 3, base)
	q.Push("b", 7, base)
	q.Push("c", 5, base)

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].TaskID)
	assert.Equal(t, "c", snap[1].TaskID)
	assert.Equal(t, "a", snap[2].TaskID)

	// Snapshot must not drain the live queue
	assert.Equal(t, 3, q.Len())

	q2 := New(nil)
	q2.Restore(snap)
	assert.Equal(t, 3, q2.Len())
	id, _ := q2.Pop()
	assert.Equal(t, "b", id)
}

func TestScore(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		task       *types.Task
		dependents int
		expected   float64
	}{
		{
			name:     "base only",
			task:     &types.Task{Priority: types.PriorityNormal, ReadyAt: now},
			expected: 10,
		},
		{
			name:       "dependent bonus",
			task:       &types.Task{Priority: types.PriorityLow, ReadyAt: now},
			dependents: 3,
			expected:   31,
		},
		{
			name:     "wait bonus",
			task:     &types.Task{Priority: types.PriorityNormal, ReadyAt: now.Add(-20 * time.Second)},
			expected: 30,
		},
		{
			name:     "wait bonus capped",
			task:     &types.Task{Priority: types.PriorityNormal, ReadyAt: now.Add(-time.Hour)},
			expected: 510, // 10 + cap(500)
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.task, tt.dependents, now, 500)
			assert.InDelta(t, tt.expected, got, 0.01)
		})
	}
}

func TestScoreDeadline(t *testing.T) {
	now := time.Now()

	past := now.Add(-time.Minute)
	overdue := &types.Task{Priority: types.PriorityLow, ReadyAt: now, Deadline: &past}
	assert.InDelta(t, 5001, Score(overdue, 0, now, 500), 0.01)

	soon := now.Add(time.Minute)
	near := &types.Task{Priority: types.PriorityLow, ReadyAt: now, Deadline: &soon}
	// 90% of the horizon remains consumed: bonus = 5000 * (1 - 60/600)
	assert.InDelta(t, 1+4500, Score(near, 0, now, 500), 0.01)

	far := now.Add(time.Hour)
	relaxed := &types.Task{Priority: types.PriorityLow, ReadyAt: now, Deadline: &far}
	assert.InDelta(t, 1, Score(relaxed, 0, now, 500), 0.01)

	// A near-deadline low task outranks a critical task without deadline
	critical := &types.Task{Priority: types.PriorityCritical, ReadyAt: now}
	assert.Greater(t, Score(near, 0, now, 500), Score(critical, 0, now, 500))
}
