package api

import "context"

// ExecutionEventPhase tells an advisor whether the state is about to run or
// has just reported its outcome.
type ExecutionEventPhase string

const (
	PhaseBeforeExecution ExecutionEventPhase = "BEFORE"
	PhaseAfterExecution  ExecutionEventPhase = "AFTER"
)

// ExecutionEvent is handed to every advisor of an instance.
type ExecutionEvent struct {
	Context *ExecutionContext
	State   State
	Phase   ExecutionEventPhase
}

// AdviceType is the decision of an advisor.
type AdviceType string

const (
	AdviceMarkFailed   AdviceType = "MARK_FAILED"
	AdviceMarkSuccess  AdviceType = "MARK_SUCCESS"
	AdviceIgnore       AdviceType = "IGNORE"
	AdviceAbort        AdviceType = "ABORT"
	AdvicePause        AdviceType = "PAUSE"
	AdviceNextStep     AdviceType = "NEXT_STEP"
	AdviceRollback     AdviceType = "ROLLBACK"
	AdviceRollbackDone AdviceType = "ROLLBACK_DONE"
	AdviceRetry        AdviceType = "RETRY"
	AdviceEndExecution AdviceType = "END_EXECUTION"
)

// ExecutionEventAdvice overrides the default transition decision.
type ExecutionEventAdvice struct {
	Type AdviceType

	// Target of NEXT_STEP and ROLLBACK.
	NextStateName           string
	NextChildStateMachineID string
	NextStateDisplayName    string
	RollbackPhaseName       string

	// WaitInterval delays a RETRY, in seconds.
	WaitInterval int
	// StateParams replace the stored parameters on PAUSE and RETRY.
	StateParams map[string]any
}

// ExecutionEventAdvisor intercepts transition decisions. A nil advice keeps
// the default behaviour.
type ExecutionEventAdvisor interface {
	OnExecutionEvent(ctx context.Context, ev ExecutionEvent) (*ExecutionEventAdvice, error)
}

// ExecutionEventAdvisorFunc adapts a function to ExecutionEventAdvisor.
type ExecutionEventAdvisorFunc func(ctx context.Context, ev ExecutionEvent) (*ExecutionEventAdvice, error)

func (f ExecutionEventAdvisorFunc) OnExecutionEvent(ctx context.Context, ev ExecutionEvent) (*ExecutionEventAdvice, error) {
	return f(ctx, ev)
}
