package api

import (
	"maps"
	"time"
)

// StateExecutionData records one execution attempt of a state.
type StateExecutionData struct {
	StateName    string
	StateType    string
	Status       ExecutionStatus
	ErrorMsg     string
	WaitInterval int
	// WaitID is the wait that releases a delayed start.
	WaitID  string
	StartTs time.Time
	EndTs        time.Time
	Data         map[string]any
}

// InterruptEffect is an entry of an instance interrupt history.
type InterruptEffect struct {
	InterruptID string
	Type        InterruptType
	CreatedAt   time.Time
}

// StateExecutionInstance is the durable record of one state attempt within
// one run.
//
// Callback and ExecutionEventAdvisors hold names registered on the executor,
// so that any worker can resolve them after loading the instance.
type StateExecutionInstance struct {
	UUID           string
	ExecutionUUID  string
	AppID          string
	AccountID      string
	StateMachineID string

	// ChildStateMachineID selects a nested graph; "" is the root graph.
	ChildStateMachineID string
	StateName           string
	DisplayName         string
	StateType           string

	Status   ExecutionStatus
	StartTs  time.Time
	EndTs    time.Time
	ExpiryTs time.Time

	ContextElements []ContextElement
	NotifyElements  []ContextElement

	StateExecutionMap         map[string]StateExecutionData
	StateExecutionDataHistory []StateExecutionData
	InterruptHistory          []InterruptEffect

	ParentInstanceID string
	PrevInstanceID   string
	// NotifyID is the correlation id resolved when this lineage ends. It is
	// empty on the root lineage of a run, which completes through Callback.
	NotifyID       string
	DelegateTaskID string

	Callback               string
	ExecutionEventAdvisors []string
	ErrorStrategy          ErrorStrategy

	Rollback          bool
	RollbackPhaseName string

	// Routing hints for reporting; the executor only carries them along.
	PhaseSubWorkflowID     string
	PipelineStateElementID string

	StateParams map[string]any

	// Settled is set once the transition out of the current terminal status
	// has been applied. A status change or a newly applied interrupt clears
	// it.
	Settled bool
	// PendingSpawns holds the child templates of a composite attempt until
	// every child has been queued.
	PendingSpawns []*StateExecutionInstance

	Version       int64
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Copy returns a deep copy of the instance. Values inside maps and context
// elements are shared.
func (s *StateExecutionInstance) Copy() *StateExecutionInstance {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ContextElements = append([]ContextElement(nil), s.ContextElements...)
	cp.NotifyElements = append([]ContextElement(nil), s.NotifyElements...)
	cp.ExecutionEventAdvisors = append([]string(nil), s.ExecutionEventAdvisors...)
	cp.InterruptHistory = append([]InterruptEffect(nil), s.InterruptHistory...)
	cp.StateExecutionDataHistory = make([]StateExecutionData, len(s.StateExecutionDataHistory))
	for i, d := range s.StateExecutionDataHistory {
		cp.StateExecutionDataHistory[i] = d.copy()
	}
	if s.StateExecutionMap != nil {
		cp.StateExecutionMap = make(map[string]StateExecutionData, len(s.StateExecutionMap))
		for k, v := range s.StateExecutionMap {
			cp.StateExecutionMap[k] = v.copy()
		}
	}
	cp.StateParams = maps.Clone(s.StateParams)
	if s.PendingSpawns != nil {
		cp.PendingSpawns = make([]*StateExecutionInstance, len(s.PendingSpawns))
		for i, tmpl := range s.PendingSpawns {
			cp.PendingSpawns[i] = tmpl.Copy()
		}
	}
	return &cp
}

func (d StateExecutionData) copy() StateExecutionData {
	d.Data = maps.Clone(d.Data)
	return d
}

// CurrentData returns the execution data recorded for the current display
// name.
func (s *StateExecutionInstance) CurrentData() (StateExecutionData, bool) {
	d, ok := s.StateExecutionMap[s.DisplayName]
	return d, ok
}

// CloneForNext derives the instance that moves the run to stateName.
//
// The clone carries the lineage (run, graph, context stack, notify id,
// callback, advisors, execution map) and resets everything that belongs to
// a single attempt: identity, status, timestamps, interrupt and data
// history, state parameters, delegate task, settlement and store version.
func (s *StateExecutionInstance) CloneForNext(stateName string) *StateExecutionInstance {
	next := s.Copy()
	next.UUID = ""
	next.PrevInstanceID = s.UUID
	next.StateName = stateName
	next.DisplayName = stateName
	next.StateType = ""
	next.Status = StatusNew
	next.StartTs = time.Time{}
	next.EndTs = time.Time{}
	next.ExpiryTs = time.Time{}
	next.InterruptHistory = nil
	next.StateExecutionDataHistory = nil
	next.StateParams = nil
	next.DelegateTaskID = ""
	next.Settled = false
	next.PendingSpawns = nil
	next.Version = 0
	next.CreatedAt = time.Time{}
	next.LastUpdatedAt = time.Time{}
	return next
}

// PrepareSpawn turns a child template returned by a composite state into a
// fresh instance owned by parent.
func (s *StateExecutionInstance) PrepareSpawn(parent *StateExecutionInstance) *StateExecutionInstance {
	child := s.Copy()
	child.UUID = ""
	child.StateParams = nil
	child.ParentInstanceID = parent.UUID
	child.PrevInstanceID = ""
	child.NotifyElements = nil
	child.Callback = ""
	child.Status = StatusNew
	child.StartTs = time.Time{}
	child.EndTs = time.Time{}
	child.ExpiryTs = time.Time{}
	child.InterruptHistory = nil
	child.StateExecutionDataHistory = nil
	child.DelegateTaskID = ""
	child.Settled = false
	child.PendingSpawns = nil
	child.Version = 0
	child.CreatedAt = time.Time{}
	child.LastUpdatedAt = time.Time{}
	if child.ExecutionUUID == "" {
		child.ExecutionUUID = parent.ExecutionUUID
	}
	if child.StateMachineID == "" {
		child.StateMachineID = parent.StateMachineID
	}
	if child.AppID == "" {
		child.AppID = parent.AppID
	}
	if child.AccountID == "" {
		child.AccountID = parent.AccountID
	}
	if child.ErrorStrategy == "" {
		child.ErrorStrategy = parent.ErrorStrategy
	}
	return child
}

// ChildTemplate starts a child template for a composite state: a copy of
// parent addressing the initial state of childStateMachineID and notifying
// notifyID when it ends.
func (s *StateExecutionInstance) ChildTemplate(childStateMachineID, notifyID string) *StateExecutionInstance {
	child := s.Copy()
	child.ChildStateMachineID = childStateMachineID
	child.StateName = ""
	child.DisplayName = ""
	child.StateType = ""
	child.StateExecutionMap = nil
	child.PendingSpawns = nil
	child.NotifyID = notifyID
	return child
}

// ContextElement returns the most recently pushed element with name.
func (s *StateExecutionInstance) ContextElement(name string) (ContextElement, bool) {
	for i := len(s.ContextElements) - 1; i >= 0; i-- {
		if s.ContextElements[i].Name == name {
			return s.ContextElements[i], true
		}
	}
	return ContextElement{}, false
}
