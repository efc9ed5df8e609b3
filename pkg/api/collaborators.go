package api

import (
	"context"
	"time"
)

// CallbackKind routes a resolved wait back into the executor.
type CallbackKind string

const (
	// CallbackAsyncResponse re-enters State.HandleAsyncResponse.
	CallbackAsyncResponse CallbackKind = "ASYNC_RESPONSE"
	// CallbackResume restarts an instance parked by PAUSE_ALL.
	CallbackResume CallbackKind = "RESUME"
	// CallbackDelayedStart executes a state after its wait interval.
	CallbackDelayedStart CallbackKind = "DELAYED_START"
	// CallbackDelayedRetry raises a RETRY interrupt after an advised delay.
	CallbackDelayedRetry CallbackKind = "DELAYED_RETRY"
)

// NotifyCallback is the durable record of what to do once a wait resolves.
// It holds ids only, so it survives a process restart.
type NotifyCallback struct {
	Kind          CallbackKind
	ExecutionUUID string
	InstanceID    string
}

// Resolution is a fired wait together with the responses of all of its
// correlation ids.
type Resolution struct {
	WaitID    string
	Callback  NotifyCallback
	Responses map[string]any
}

// WaitNotifyEngine matches asynchronous completions to waiters. A wait
// registered with WaitForAll fires exactly once, when every correlation id
// has been notified, in either order.
type WaitNotifyEngine interface {
	WaitForAll(ctx context.Context, cb NotifyCallback, correlationIDs ...string) (string, error)
	Notify(ctx context.Context, correlationID string, response any) error
	Resolution(ctx context.Context, waitID string) (*Resolution, error)
}

// Scheduler schedules one-shot wake-ups. The returned correlation id is
// notified on the WaitNotifyEngine once delay has elapsed.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, delay time.Duration) (string, error)
}

// DelegateService cancels remote work started by a state.
type DelegateService interface {
	AbortTask(ctx context.Context, accountID, taskID string) error
}

// Alert asks for manual intervention on a paused instance.
type Alert struct {
	AppID         string
	AccountID     string
	ExecutionUUID string
	InstanceID    string
	StateName     string
	Message       string
}

// AlertService raises operational alerts.
type AlertService interface {
	OpenAlert(ctx context.Context, alert Alert) error
}

// StateMachineExecutionCallback is invoked when the root lineage of a run
// ends.
type StateMachineExecutionCallback interface {
	Callback(ctx context.Context, ec *ExecutionContext, status ExecutionStatus, err error)
}

// CallbackFunc adapts a function to StateMachineExecutionCallback.
type CallbackFunc func(ctx context.Context, ec *ExecutionContext, status ExecutionStatus, err error)

func (f CallbackFunc) Callback(ctx context.Context, ec *ExecutionContext, status ExecutionStatus, err error) {
	f(ctx, ec, status, err)
}
