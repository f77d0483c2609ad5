package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(taskID string, payload []byte, deadline time.Duration) Request {
	return Request{
		Task:       &types.Task{ID: taskID, Payload: payload},
		ProviderID: "mock",
		WorkerID:   "w1",
		LeaseToken: "lease-" + taskID,
		Deadline:   time.Now().Add(deadline),
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := NewDispatcher()
	ep := NewMockEndpoint()
	d.RegisterEndpoint("mock", ep)

	results := make(chan *Result, 1)
	d.Dispatch(newRequest("t1", []byte("hello"), time.Second), results)

	res := <-results
	assert.True(t, res.Success)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "lease-t1", res.LeaseToken)
	assert.Equal(t, []byte("hello"), res.Output)
	assert.Greater(t, res.Tokens, int64(0))
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchUnknownProvider(t *testing.T) {
	d := NewDispatcher()
	results := make(chan *Result, 1)
	d.Dispatch(newRequest("t1", nil, time.Second), results)

	res := <-results
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindPermanent, res.ErrKind)
}

func TestDispatchFailureClassified(t *testing.T) {
	d := NewDispatcher()
	ep := NewMockEndpoint()
	ep.Script("t1", nil, 0, errors.New("connection reset"))
	d.RegisterEndpoint("mock", ep)

	results := make(chan *Result, 1)
	d.Dispatch(newRequest("t1", nil, time.Second), results)

	res := <-results
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindTransient, res.ErrKind)
	assert.Equal(t, "connection reset", res.ErrMessage)
}

func TestDispatchDeadlineExpires(t *testing.T) {
	d := NewDispatcher()
	ep := NewMockEndpoint()
	ep.ScriptDelay("t1", time.Second, nil, 0, nil)
	d.RegisterEndpoint("mock", ep)

	results := make(chan *Result, 1)
	d.Dispatch(newRequest("t1", nil, 20*time.Millisecond), results)

	res := <-results
	assert.False(t, res.Success)
	assert.False(t, res.Cancelled)
	assert.Equal(t, types.ErrorKindTimeout, res.ErrKind)
}

func TestCancelAcknowledged(t *testing.T) {
	d := NewDispatcher()
	ep := NewMockEndpoint()
	ep.ScriptDelay("t1", 5*time.Second, nil, 0, nil)
	d.RegisterEndpoint("mock", ep)

	results := make(chan *Result, 1)
	d.Dispatch(newRequest("t1", nil, time.Minute), results)

	// Let the goroutine enter its delay before cancelling
	deadline := time.Now().Add(time.Second)
	for d.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.True(t, d.Cancel("t1"))

	res := <-results
	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.Equal(t, 0, d.InFlight())
}

func TestCancelUnknownTask(t *testing.T) {
	d := NewDispatcher()
	assert.False(t, d.Cancel("missing"))
}

func TestScriptedOutcomesConsumedInOrder(t *testing.T) {
	ep := NewMockEndpoint()
	ep.Script("t1", nil, 0, errors.New("first attempt fails"))
	ep.Script("t1", []byte("ok"), 7, nil)

	_, _, err := ep.Execute(context.Background(), &types.Task{ID: "t1"})
	require.Error(t, err)

	out, tokens, err := ep.Execute(context.Background(), &types.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
	assert.Equal(t, int64(7), tokens)
	assert.Equal(t, 2, ep.Calls("t1"))
}

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		code int
		want types.ErrorKind
	}{
		{429, types.ErrorKindTransient},
		{408, types.ErrorKindTransient},
		{500, types.ErrorKindTransient},
		{503, types.ErrorKindTransient},
		{400, types.ErrorKindPermanent},
		{401, types.ErrorKindPermanent},
		{404, types.ErrorKindPermanent},
		{422, types.ErrorKindPermanent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStatus(tt.code), "status %d", tt.code)
	}
}

func TestClassifyDeadline(t *testing.T) {
	assert.Equal(t, types.ErrorKindTimeout, Classify(context.DeadlineExceeded))
}

func TestErrorMessageTruncated(t *testing.T) {
	d := NewDispatcher()
	ep := NewMockEndpoint()
	ep.Script("t1", nil, 0, errors.New(strings.Repeat("x", types.MaxDiagnosticLen*2)))
	d.RegisterEndpoint("mock", ep)

	results := make(chan *Result, 1)
	d.Dispatch(newRequest("t1", nil, time.Second), results)

	res := <-results
	assert.Len(t, res.ErrMessage, types.MaxDiagnosticLen)
}

func TestDecodePayload(t *testing.T) {
	p := decodePayload([]byte(`{"system":"be brief","prompt":"hi","maxTokens":64}`))
	assert.Equal(t, "be brief", p.System)
	assert.Equal(t, "hi", p.Prompt)
	assert.Equal(t, int64(64), p.MaxTokens)

	// Non-JSON payloads become raw prompts with default budget
	p = decodePayload([]byte("plain text prompt"))
	assert.Equal(t, "plain text prompt", p.Prompt)
	assert.Equal(t, int64(defaultMaxTokens), p.MaxTokens)
}
