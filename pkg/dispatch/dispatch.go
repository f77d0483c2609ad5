package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Endpoint executes a task's payload against one external provider.
// Implementations translate the opaque payload into a provider request and
// report the tokens the call consumed.
type Endpoint interface {
	Execute(ctx context.Context, task *types.Task) (output []byte, tokens int64, err error)
}

// Request carries an assignment from the scheduler to the dispatcher
type Request struct {
	Task       *types.Task
	ProviderID string
	WorkerID   string
	LeaseToken string
	Deadline   time.Time
}

// Result is the single completion message a dispatch sends back to its
// scheduler shard
type Result struct {
	TaskID     string
	WorkerID   string
	ProviderID string
	LeaseToken string

	Success   bool
	Cancelled bool
	Output    []byte
	Tokens    int64
	Latency   time.Duration

	ErrKind    types.ErrorKind
	ErrMessage string
}

// Dispatcher runs provider requests off the scheduler loop. Each dispatch
// is one goroutine that sends exactly one Result when it finishes,
// times out, or acknowledges cancellation.
type Dispatcher struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	cancels   map[string]context.CancelFunc
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher with no endpoints registered
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		endpoints: make(map[string]Endpoint),
		cancels:   make(map[string]context.CancelFunc),
		logger:    log.WithComponent("dispatch"),
	}
}

// RegisterEndpoint binds a provider id to its endpoint implementation
func (d *Dispatcher) RegisterEndpoint(providerID string, ep Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[providerID] = ep
}

// Dispatch starts the provider request asynchronously. The result is
// delivered on results; the caller never blocks on network I/O.
func (d *Dispatcher) Dispatch(req Request, results chan<- *Result) {
	d.mu.Lock()
	ep, ok := d.endpoints[req.ProviderID]
	if !ok {
		d.mu.Unlock()
		results <- &Result{
			TaskID:     req.Task.ID,
			WorkerID:   req.WorkerID,
			ProviderID: req.ProviderID,
			LeaseToken: req.LeaseToken,
			ErrKind:    types.ErrorKindPermanent,
			ErrMessage: "no endpoint registered for provider " + req.ProviderID,
		}
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	d.cancels[req.Task.ID] = cancel
	d.mu.Unlock()

	go d.run(ctx, cancel, ep, req, results)
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, ep Endpoint, req Request, results chan<- *Result) {
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancels, req.Task.ID)
		d.mu.Unlock()
	}()

	start := time.Now()
	output, tokens, err := ep.Execute(ctx, req.Task)
	latency := time.Since(start)

	res := &Result{
		TaskID:     req.Task.ID,
		WorkerID:   req.WorkerID,
		ProviderID: req.ProviderID,
		LeaseToken: req.LeaseToken,
		Tokens:     tokens,
		Latency:    latency,
	}

	switch {
	case err == nil:
		res.Success = true
		res.Output = output
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		// Cancellation acknowledgement: the scheduler records cancelled,
		// not failed
		res.Cancelled = true
	default:
		res.ErrKind = Classify(err)
		res.ErrMessage = truncate(err.Error(), types.MaxDiagnosticLen)
		d.logger.Debug().
			Str("task_id", req.Task.ID).
			Str("provider_id", req.ProviderID).
			Str("error_kind", string(res.ErrKind)).
			Msg("dispatch failed")
	}
	results <- res
}

// Cancel signals a running dispatch to stop. Returns false when no
// dispatch for the task is in flight. The acknowledgement arrives as a
// Result with Cancelled set.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cancel, ok := d.cancels[taskID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// InFlight returns the number of dispatches currently running
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cancels)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
