package api

import (
	"context"
	"errors"
)

// State is one unit of work in a StateMachine.
//
// Execute either finishes synchronously (Async false, a terminal Status) or
// returns Async true with one or more correlation ids. In the async case the
// executor parks the instance and calls HandleAsyncResponse once every
// correlation id has been notified, with the responses keyed by id.
type State interface {
	Name() string
	Type() string
	Execute(ctx context.Context, ec *ExecutionContext) (*ExecutionResponse, error)
	HandleAsyncResponse(ctx context.Context, ec *ExecutionContext, responses map[string]any) (*ExecutionResponse, error)
	// HandleAbortEvent is invoked while the instance is being aborted. It
	// must not block.
	HandleAbortEvent(ctx context.Context, ec *ExecutionContext)
}

// WaitIntervalState is implemented by states that must be delayed before
// they execute. The interval is in seconds.
type WaitIntervalState interface {
	WaitInterval() int
}

// TimeoutState is implemented by states with a configured timeout. The
// executor uses it to compute the instance expiry; enforcement belongs to an
// external watcher.
type TimeoutState interface {
	TimeoutMillis() int64
}

// ParameterizedState is implemented by states whose configuration can be
// overridden per instance. WithParams returns a configured copy and must not
// modify the receiver, which is shared by every run of the graph.
type ParameterizedState interface {
	WithParams(params map[string]any) (State, error)
}

// ErrNoAsyncHandler is returned by BaseState.HandleAsyncResponse.
var ErrNoAsyncHandler = errors.New("state does not handle async responses")

// BaseState provides Name, Type and no-op hooks for embedding.
type BaseState struct {
	StateName string
	StateType string
}

func (b BaseState) Name() string { return b.StateName }

func (b BaseState) Type() string { return b.StateType }

func (b BaseState) HandleAsyncResponse(ctx context.Context, ec *ExecutionContext, responses map[string]any) (*ExecutionResponse, error) {
	return nil, ErrNoAsyncHandler
}

func (b BaseState) HandleAbortEvent(ctx context.Context, ec *ExecutionContext) {}

// ContextElement is a typed value pushed by a state for later states to read.
type ContextElement struct {
	Type  string
	Name  string
	Value any
}

// ExecutionResponse is the outcome of State.Execute or
// State.HandleAsyncResponse.
type ExecutionResponse struct {
	Status         ExecutionStatus
	Async          bool
	CorrelationIDs []string

	// ContextElements are pushed onto the instance context stack.
	ContextElements []ContextElement
	// NotifyElements replace the values handed to whoever waits on the run.
	NotifyElements []ContextElement

	ErrorMessage string
	// Data is state specific and is stored in the instance execution map.
	Data map[string]any

	// Spawned holds child instance templates to queue and dispatch. It is
	// only honoured for async responses, since the parent waits on them.
	Spawned []*StateExecutionInstance

	// DelegateTaskID correlates the instance to outstanding remote work that
	// is cancelled on abort.
	DelegateTaskID string
}

// Sync returns a synchronous response with the given status.
func Sync(status ExecutionStatus) *ExecutionResponse {
	return &ExecutionResponse{Status: status}
}

// Failed returns a synchronous FAILED response carrying msg.
func Failed(msg string) *ExecutionResponse {
	return &ExecutionResponse{Status: StatusFailed, ErrorMessage: msg}
}

// Async returns an async response waiting on the given correlation ids.
func Async(correlationIDs ...string) *ExecutionResponse {
	return &ExecutionResponse{Status: StatusRunning, Async: true, CorrelationIDs: correlationIDs}
}
