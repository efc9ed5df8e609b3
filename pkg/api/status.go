package api

// ExecutionStatus is the lifecycle status of a StateExecutionInstance.
type ExecutionStatus string

const (
	StatusNew      ExecutionStatus = "NEW"
	StatusQueued   ExecutionStatus = "QUEUED"
	StatusStarting ExecutionStatus = "STARTING"
	StatusRunning  ExecutionStatus = "RUNNING"
	StatusPaused   ExecutionStatus = "PAUSED"
	StatusWaiting  ExecutionStatus = "WAITING"
	StatusAborting ExecutionStatus = "ABORTING"
	StatusSuccess  ExecutionStatus = "SUCCESS"
	StatusFailed   ExecutionStatus = "FAILED"
	StatusError    ExecutionStatus = "ERROR"
	StatusAborted  ExecutionStatus = "ABORTED"
)

// IsFinal reports whether s is terminal. Terminal instances carry an end
// timestamp and are only touched again by an explicit retry.
func (s ExecutionStatus) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError, StatusAborted:
		return true
	}
	return false
}

// IsFailure reports whether s is FAILED or ERROR.
func (s ExecutionStatus) IsFailure() bool {
	return s == StatusFailed || s == StatusError
}

// In reports whether s is one of statuses.
func (s ExecutionStatus) In(statuses ...ExecutionStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// ActiveStatuses lists every non-terminal status.
func ActiveStatuses() []ExecutionStatus {
	return []ExecutionStatus{
		StatusNew, StatusQueued, StatusStarting, StatusRunning,
		StatusPaused, StatusWaiting, StatusAborting,
	}
}

// RunningStatuses lists the statuses in which a state may report its
// outcome.
func RunningStatuses() []ExecutionStatus {
	return []ExecutionStatus{StatusStarting, StatusRunning, StatusPaused}
}

// ErrorStrategy decides what happens when a state fails and its graph has no
// failure transition for it.
type ErrorStrategy string

const (
	// ErrorStrategyFail ends the run as FAILED.
	ErrorStrategyFail ErrorStrategy = "FAIL"
	// ErrorStrategyPause parks the failed instance as WAITING until an
	// interrupt resumes, retries or aborts it.
	ErrorStrategyPause ErrorStrategy = "PAUSE"
)
