package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies what the worker should do with a task.
type TaskKind string

const (
	// TaskStart starts execution of a NEW or QUEUED state execution instance.
	TaskStart TaskKind = "start"
	// TaskNotify delivers a fired wait (all correlation ids notified) to
	// the executor that registered it.
	TaskNotify TaskKind = "notify"
	// TaskInterrupt applies a persisted interrupt.
	TaskInterrupt TaskKind = "interrupt"
)

// Task is a unit of dispatch work. Tasks carry identifiers only; everything
// else is loaded from the store when the task is processed.
type Task struct {
	ID   string
	Kind TaskKind

	ExecutionUUID string
	InstanceID    string
	WaitID        string
	InterruptID   string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	Attempts int
}

// Queue is an async task queue.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// TryDequeue removes and returns the next eligible task, or nil if none
	// is eligible right now.
	TryDequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// prepare fills in the id and timestamps assigned at enqueue time.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

// pollDequeue turns a non-blocking claim into a blocking Dequeue. wake may be
// nil; when set, a receive short-circuits the poll interval.
func pollDequeue(ctx context.Context, interval time.Duration, wake <-chan struct{}, claim func(context.Context) (*Task, error)) (*Task, error) {
	// Timers are unbuffered since Go 1.23, so Stop and Reset never leave a
	// stale tick behind.
	tmr := time.NewTimer(interval)
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := claim(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		tmr.Reset(interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-tmr.C:
		}
	}
}
