package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
)

// mockOutcome is one scripted Execute result
type mockOutcome struct {
	output []byte
	tokens int64
	err    error
	delay  time.Duration
}

// MockEndpoint returns scripted outcomes per task id. Unscripted tasks
// succeed, echoing their payload. Used by the "mock" provider type and
// by tests.
type MockEndpoint struct {
	mu       sync.Mutex
	scripted map[string][]mockOutcome
	delay    time.Duration
	calls    map[string]int
}

// NewMockEndpoint creates an endpoint with no scripted outcomes
func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{
		scripted: make(map[string][]mockOutcome),
		calls:    make(map[string]int),
	}
}

// Script queues an outcome for the task's next Execute. Outcomes are
// consumed in order; once exhausted the task succeeds again.
func (m *MockEndpoint) Script(taskID string, output []byte, tokens int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[taskID] = append(m.scripted[taskID], mockOutcome{output: output, tokens: tokens, err: err})
}

// ScriptDelay queues an outcome that takes delay to produce
func (m *MockEndpoint) ScriptDelay(taskID string, delay time.Duration, output []byte, tokens int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[taskID] = append(m.scripted[taskID], mockOutcome{output: output, tokens: tokens, err: err, delay: delay})
}

// SetDelay applies a base latency to every unscripted Execute
func (m *MockEndpoint) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls reports how many times the task has been executed
func (m *MockEndpoint) Calls(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[taskID]
}

// Execute returns the next scripted outcome, honoring context
// cancellation during any scripted delay
func (m *MockEndpoint) Execute(ctx context.Context, task *types.Task) ([]byte, int64, error) {
	m.mu.Lock()
	m.calls[task.ID]++
	out := mockOutcome{output: task.Payload, tokens: int64(len(task.Payload))/4 + 1, delay: m.delay}
	if queued := m.scripted[task.ID]; len(queued) > 0 {
		out = queued[0]
		m.scripted[task.ID] = queued[1:]
	}
	m.mu.Unlock()

	if out.delay > 0 {
		timer := time.NewTimer(out.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return out.output, out.tokens, out.err
}
