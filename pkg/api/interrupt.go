package api

import "time"

// InterruptType is the kind of control signal raised against a run.
type InterruptType string

const (
	InterruptIgnore       InterruptType = "IGNORE"
	InterruptResume       InterruptType = "RESUME"
	InterruptMarkSuccess  InterruptType = "MARK_SUCCESS"
	InterruptRetry        InterruptType = "RETRY"
	InterruptAbort        InterruptType = "ABORT"
	InterruptAbortAll     InterruptType = "ABORT_ALL"
	InterruptEndExecution InterruptType = "END_EXECUTION"
	InterruptRollback     InterruptType = "ROLLBACK"
	InterruptPauseAll     InterruptType = "PAUSE_ALL"
	InterruptResumeAll    InterruptType = "RESUME_ALL"
)

// TargetsInstance reports whether t acts on a single instance.
func (t InterruptType) TargetsInstance() bool {
	switch t {
	case InterruptIgnore, InterruptResume, InterruptMarkSuccess, InterruptRetry, InterruptAbort:
		return true
	}
	return false
}

// Interrupt is an externally raised control signal. Instance interrupts set
// StateExecutionInstanceID; run-wide interrupts leave it empty.
type Interrupt struct {
	UUID                     string
	ExecutionUUID            string
	AppID                    string
	AccountID                string
	StateExecutionInstanceID string
	Type                     InterruptType
	// Seen marks PAUSE_ALL and RESUME_ALL interrupts that no longer apply to
	// newly started instances, and instance interrupts already applied.
	Seen       bool
	CreatedAt  time.Time
	Properties map[string]any
}

// Effect returns the history entry recorded on instances affected by in.
func (in *Interrupt) Effect() InterruptEffect {
	return InterruptEffect{InterruptID: in.UUID, Type: in.Type, CreatedAt: in.CreatedAt}
}
