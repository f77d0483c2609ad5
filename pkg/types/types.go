package types

import (
	"errors"
	"time"
)

// Task represents a unit of work flowing through the scheduler
type Task struct {
	ID           string
	Kind         string
	Department   string
	Priority     Priority
	State        TaskState
	Payload      []byte
	Capabilities []string
	Prereqs      []string
	CostMode     string

	SubmittedAt       time.Time
	ReadyAt           time.Time
	EstimatedDuration time.Duration
	Deadline          *time.Time

	RetryCount int
	MaxRetries int

	AssignedWorker   string
	AssignedProvider string
	LastEventSeq     uint64
	LastError        *FailureInfo
}

// Terminal reports whether the task has reached a final state
func (t *Task) Terminal() bool {
	return t.State.Terminal()
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateReady     TaskState = "ready"
	TaskStateAssigned  TaskState = "assigned"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is final
func (s TaskState) Terminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed || s == TaskStateCancelled
}

// Priority defines the scheduling level of a task
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is one of the defined priority levels
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// BaseScore returns the queue score base for the priority level
func (p Priority) BaseScore() float64 {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityNormal:
		return 10
	default:
		return 1
	}
}

// FailureInfo captures the last error recorded against a task.
// Message is truncated to MaxDiagnosticLen when stored.
type FailureInfo struct {
	Kind    ErrorKind
	Message string
	Time    time.Time
}

// MaxDiagnosticLen bounds the diagnostic trace kept on a failed task
const MaxDiagnosticLen = 2048

// ErrorKind classifies a failure for retry and propagation decisions
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindCapacity   ErrorKind = "capacity"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindPermanent  ErrorKind = "permanent"
	ErrorKindWorker     ErrorKind = "worker"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindStore      ErrorKind = "store"
	ErrorKindIntegrity  ErrorKind = "integrity"
)

// Retryable reports whether a failure of this kind may be retried
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTransient, ErrorKindWorker, ErrorKindTimeout:
		return true
	}
	return false
}

// Worker represents an executor slot in the pool
type Worker struct {
	ID                 string
	State              WorkerState
	Capabilities       []string
	ConcurrencyLimit   int
	Load               float64
	Successes          uint64
	Failures           uint64
	AvgLatency         time.Duration
	LastActive         time.Time
	PreferredProviders []string
}

// SuccessRate returns the fraction of completed executions that succeeded
func (w *Worker) SuccessRate() float64 {
	total := w.Successes + w.Failures
	if total == 0 {
		return 1.0
	}
	return float64(w.Successes) / float64(total)
}

// WorkerState represents the lifecycle state of a worker
type WorkerState string

const (
	WorkerStateStarting WorkerState = "starting"
	WorkerStateReady    WorkerState = "ready"
	WorkerStateBusy     WorkerState = "busy"
	WorkerStateIdle     WorkerState = "idle"
	WorkerStateDraining WorkerState = "draining"
	WorkerStateStopped  WorkerState = "stopped"
)

// Assignable reports whether the worker may accept new reservations
func (s WorkerState) Assignable() bool {
	switch s {
	case WorkerStateReady, WorkerStateIdle, WorkerStateBusy:
		return true
	}
	return false
}

// Provider represents an external model endpoint identity
type Provider struct {
	ID           string
	Endpoint     string
	Model        string
	Class        ProviderClass
	Capabilities []string

	CostPerToken     float64
	DailyTokenBudget int64
	TokensToday      int64

	Requests            uint64
	Failures            uint64
	ConsecutiveFailures int
	WindowStart         time.Time
	AvgLatency          time.Duration
	LastReset           time.Time

	Breaker         BreakerState
	BreakerOpenedAt time.Time
	BreakerConfig   BreakerConfig
}

// QuotaRemaining returns the tokens left in today's budget.
// A zero budget means unlimited.
func (p *Provider) QuotaRemaining() int64 {
	if p.DailyTokenBudget == 0 {
		return 1<<63 - 1
	}
	return p.DailyTokenBudget - p.TokensToday
}

// ProviderClass groups providers by cost tier
type ProviderClass string

const (
	ClassEconomy  ProviderClass = "economy"
	ClassBalanced ProviderClass = "balanced"
	ClassPremium  ProviderClass = "premium"
)

// BreakerState represents the circuit-breaker state of a provider
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig holds per-provider circuit-breaker thresholds
type BreakerConfig struct {
	ConsecutiveFailures int
	Window              time.Duration
	Cooldown            time.Duration
}

// EventType identifies a durable log record
type EventType string

const (
	EventTaskSubmitted     EventType = "task.submitted"
	EventTaskReady         EventType = "task.ready"
	EventTaskAssigned      EventType = "task.assigned"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskRetried       EventType = "task.retried"
	EventTaskCancelled     EventType = "task.cancelled"
	EventWorkerJoined      EventType = "worker.joined"
	EventWorkerLeft        EventType = "worker.left"
	EventProviderOpened    EventType = "provider.opened"
	EventProviderClosed    EventType = "provider.closed"
	EventCheckpointWritten EventType = "checkpoint.written"
	EventSubscriberDropped EventType = "bus.dropped"
	EventAlert             EventType = "alert"
	EventStoreFault        EventType = "store.fault"
)

// Event is a durable log record. Sequence numbers are dense and assigned
// by the store on append.
type Event struct {
	Seq        uint64
	Timestamp  time.Time
	Type       EventType
	TaskID     string
	WorkerID   string
	ProviderID string
	Body       map[string]string
}

// QueueEntry pairs a task id with its score for queue snapshots
type QueueEntry struct {
	TaskID  string
	Score   float64
	ReadyAt time.Time
}

// Rejection reasons returned by the submission API and registries
var (
	ErrDuplicate           = errors.New("task already exists")
	ErrUnknownPrereq       = errors.New("unknown prerequisite")
	ErrCycleDetected       = errors.New("dependency cycle detected")
	ErrInvalidPriority     = errors.New("invalid priority")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrTaskNotFound        = errors.New("task not found")
	ErrNoWorker            = errors.New("no worker available")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrWorkerNotFound      = errors.New("worker not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrNotTerminal         = errors.New("task not in terminal state")
	ErrStoreUnavailable    = errors.New("store unavailable")
)
