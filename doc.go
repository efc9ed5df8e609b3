// Package conveyor is an embeddable state machine executor for continuous
// delivery pipelines.
//
// A pipeline is a StateMachine: a graph of States joined by success and
// failure transitions, with nested child graphs for parallel work. Every
// attempt of a state is a durable StateExecutionInstance. The executor
// moves instances through their statuses with conditional updates only, so
// any number of workers can share one store without double execution.
//
// # Runtime
//
// Open wires the Executor to one backend (memory, SQLite, Postgres, Redis or
// MongoDB). The same backend holds instances, interrupts, the dispatch
// queue, correlation waits and timers. Start runs a worker pool and the
// timer sweep; Drain processes queued work inline instead.
//
// # States
//
// Func, Wait, Async and Fork cover the common cases:
//
//   - Func runs code synchronously and succeeds or fails.
//   - Wait delays the run by a number of seconds.
//   - Async hands work to another system and completes once every
//     correlation id it returned is notified through Runtime.Notify.
//   - Fork spawns one instance per child graph and joins their outcome.
//
// Custom states implement State, optionally with WaitIntervalState,
// TimeoutState or ParameterizedState.
//
// # Advisors and interrupts
//
// Advisors, registered by name, are consulted before and after each state
// and may override the default transition: retry, skip, pause, roll back or
// end the run. Retry builds an advisor with a bounded, backed-off retry
// policy. Interrupts are raised from outside with RegisterInterrupt to
// abort, pause, resume, retry or settle a single instance or a whole run.
//
// # Observability
//
// Observers receive run and state events. LoggingObserver writes them with
// log/slog, BasicMetrics keeps counters in memory and WithMetrics exports
// them to Prometheus.
package conveyor
