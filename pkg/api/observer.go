package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives lifecycle callbacks from the executor for logging and
// metrics.
//
// Implementations should be fast and non-blocking; they run on the worker
// that drives the transition.
type Observer interface {
	// OnRunStarted is called once when the root instance of a run is queued.
	OnRunStarted(ctx context.Context, inst *StateExecutionInstance)

	// OnRunEnded is called when the root lineage of a run ends.
	OnRunEnded(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus)

	// OnStateStarted is called before State.Execute.
	OnStateStarted(ctx context.Context, inst *StateExecutionInstance)

	// OnStateCompleted is called once a state reports a terminal outcome,
	// synchronously or through an async response.
	OnStateCompleted(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus, duration time.Duration)

	// OnInterrupt is called after an interrupt has been applied to affected
	// instances.
	OnInterrupt(ctx context.Context, in *Interrupt, affected int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStarted(ctx context.Context, inst *StateExecutionInstance) {}
func (NoopObserver) OnRunEnded(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus) {
}
func (NoopObserver) OnStateStarted(ctx context.Context, inst *StateExecutionInstance) {}
func (NoopObserver) OnStateCompleted(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus, d time.Duration) {
}
func (NoopObserver) OnInterrupt(ctx context.Context, in *Interrupt, affected int) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStarted(ctx context.Context, inst *StateExecutionInstance) {
	for _, o := range c.observers {
		o.OnRunStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnRunEnded(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus) {
	for _, o := range c.observers {
		o.OnRunEnded(ctx, inst, status)
	}
}

func (c *CompositeObserver) OnStateStarted(ctx context.Context, inst *StateExecutionInstance) {
	for _, o := range c.observers {
		o.OnStateStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnStateCompleted(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus, d time.Duration) {
	for _, o := range c.observers {
		o.OnStateCompleted(ctx, inst, status, d)
	}
}

func (c *CompositeObserver) OnInterrupt(ctx context.Context, in *Interrupt, affected int) {
	for _, o := range c.observers {
		o.OnInterrupt(ctx, in, affected)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run, state and interrupt
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStarted(ctx context.Context, inst *StateExecutionInstance) {
	o.Logger.InfoContext(ctx, "run_started",
		slog.String("state_machine", inst.StateMachineID),
		slog.String("execution_uuid", inst.ExecutionUUID),
		slog.String("instance_id", inst.UUID),
	)
}

func (o *LoggingObserver) OnRunEnded(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus) {
	level := slog.LevelInfo
	if status != StatusSuccess {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "run_ended",
		slog.String("state_machine", inst.StateMachineID),
		slog.String("execution_uuid", inst.ExecutionUUID),
		slog.String("instance_id", inst.UUID),
		slog.String("status", string(status)),
	)
}

func (o *LoggingObserver) OnStateStarted(ctx context.Context, inst *StateExecutionInstance) {
	o.Logger.DebugContext(ctx, "state_started",
		slog.String("execution_uuid", inst.ExecutionUUID),
		slog.String("instance_id", inst.UUID),
		slog.String("state", inst.StateName),
		slog.String("state_type", inst.StateType),
	)
}

func (o *LoggingObserver) OnStateCompleted(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus, d time.Duration) {
	level := slog.LevelDebug
	if status.IsFailure() {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "state_completed",
		slog.String("execution_uuid", inst.ExecutionUUID),
		slog.String("instance_id", inst.UUID),
		slog.String("state", inst.StateName),
		slog.String("status", string(status)),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnInterrupt(ctx context.Context, in *Interrupt, affected int) {
	o.Logger.InfoContext(ctx, "interrupt_applied",
		slog.String("execution_uuid", in.ExecutionUUID),
		slog.String("interrupt_id", in.UUID),
		slog.String("type", string(in.Type)),
		slog.Int("affected", affected),
	)
}

// BasicMetrics collects simple counters and aggregate state durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted        atomic.Int64
	runsSucceeded      atomic.Int64
	runsFailed         atomic.Int64
	statesCompleted    atomic.Int64
	totalStateDuration atomic.Int64 // nanoseconds
	interrupts         atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	PendingRuns   int64

	StatesCompleted  int64
	AvgStateDuration time.Duration
	Interrupts       int64
}

func (m *BasicMetrics) OnRunStarted(ctx context.Context, inst *StateExecutionInstance) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunEnded(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus) {
	if status == StatusSuccess {
		m.runsSucceeded.Add(1)
		return
	}
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStateCompleted(ctx context.Context, inst *StateExecutionInstance, status ExecutionStatus, d time.Duration) {
	// Only successful states count towards the average duration.
	if status == StatusSuccess {
		m.statesCompleted.Add(1)
		m.totalStateDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnInterrupt(ctx context.Context, in *Interrupt, affected int) {
	m.interrupts.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	succeeded := m.runsSucceeded.Load()
	failed := m.runsFailed.Load()
	states := m.statesCompleted.Load()
	totalNs := m.totalStateDuration.Load()

	var avg time.Duration
	if states > 0 {
		avg = time.Duration(totalNs / states)
	}

	return BasicMetricsSnapshot{
		RunsStarted:      started,
		RunsSucceeded:    succeeded,
		RunsFailed:       failed,
		PendingRuns:      started - succeeded - failed,
		StatesCompleted:  states,
		AvgStateDuration: avg,
		Interrupts:       m.interrupts.Load(),
	}
}
