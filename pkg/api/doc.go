// Package api contains the data model and collaborator contracts of the
// conveyor state machine executor.
//
// Most users interact with the higher-level conveyor package, which
// re-exports selected types and builders from this package. The api package
// is intended for custom State implementations, storage backends and
// integrations that plug collaborators into the executor.
//
// # Concepts
//
//   - StateMachine: an immutable graph of states with per-state success and
//     failure transitions, optionally containing nested child graphs.
//   - State: a unit of work. A state either finishes synchronously or hands
//     out correlation ids and finishes later through HandleAsyncResponse.
//   - StateExecutionInstance: the durable record of one attempt of one state
//     within one run. Moving to the next state never mutates the current
//     record; the executor clones it instead.
//   - ExecutionContext: a per-attempt binding of an instance to its graph.
//   - ExecutionEventAdvisor: an interceptor that may override the default
//     transition decision.
//   - Interrupt: an externally raised control signal (pause, resume, abort,
//     retry, rollback) targeting a run or a single instance.
//
// # Status lifecycle
//
// An instance is created NEW (or QUEUED), claimed as STARTING by a worker and
// then either finishes synchronously (SUCCESS, FAILED, ERROR, ABORTED) or is
// parked as RUNNING or PAUSED while asynchronous work is outstanding. WAITING
// marks an instance that needs a manual or scheduled retry. ABORTING is the
// intermediate status of a run-wide abort.
//
// Every status change is a conditional update guarded by the set of statuses
// the instance is expected to be in, so concurrent workers never both advance
// the same instance.
//
// # Collaborators
//
// The executor depends on a WaitNotifyEngine for correlation-id based
// completions, a Scheduler for one-shot wake-ups, a DelegateService for
// cancelling remote work and an AlertService for manual intervention. All of
// them are passed explicitly at construction.
//
// # Observability
//
// Observer receives run, state and interrupt lifecycle events.
// LoggingObserver writes them with log/slog, BasicMetrics keeps atomic
// counters and CompositeObserver fans out to several observers.
package api
