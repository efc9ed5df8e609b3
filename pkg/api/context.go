package api

// ExecutionContext binds one instance to its graph for the duration of a
// single dispatch. It is rebuilt from the store on every dispatch and never
// persisted.
type ExecutionContext struct {
	instance *StateExecutionInstance
	machine  *StateMachine
	graph    *StateMachine
	state    State
}

// NewExecutionContext resolves the graph and state addressed by inst.
func NewExecutionContext(inst *StateExecutionInstance, sm *StateMachine) (*ExecutionContext, error) {
	graph, err := sm.Resolve(inst.ChildStateMachineID)
	if err != nil {
		return nil, err
	}
	state, ok := graph.State(inst.StateName)
	if !ok {
		return nil, NewCodedError(ErrStateNotFound, "", map[string]any{
			"state_machine_id":       sm.ID(),
			"child_state_machine_id": inst.ChildStateMachineID,
			"state":                  inst.StateName,
		})
	}
	return &ExecutionContext{instance: inst, machine: sm, graph: graph, state: state}, nil
}

// Instance returns the bound instance.
func (c *ExecutionContext) Instance() *StateExecutionInstance { return c.instance }

// StateMachine returns the root graph of the run.
func (c *ExecutionContext) StateMachine() *StateMachine { return c.machine }

// Graph returns the graph the current state belongs to.
func (c *ExecutionContext) Graph() *StateMachine { return c.graph }

// State returns the state to execute.
func (c *ExecutionContext) State() State { return c.state }

// WithState returns a copy of the context executing s instead.
func (c *ExecutionContext) WithState(s State) *ExecutionContext {
	cp := *c
	cp.state = s
	return &cp
}

// WithInstance returns a copy of the context bound to a reloaded inst.
func (c *ExecutionContext) WithInstance(inst *StateExecutionInstance) *ExecutionContext {
	cp := *c
	cp.instance = inst
	return &cp
}

func (c *ExecutionContext) AppID() string { return c.instance.AppID }

func (c *ExecutionContext) AccountID() string { return c.instance.AccountID }

func (c *ExecutionContext) ExecutionUUID() string { return c.instance.ExecutionUUID }

// ContextElements returns the context stack, oldest first.
func (c *ExecutionContext) ContextElements() []ContextElement {
	return c.instance.ContextElements
}

// ContextElement returns the most recently pushed element with name.
func (c *ExecutionContext) ContextElement(name string) (ContextElement, bool) {
	return c.instance.ContextElement(name)
}

// ErrorStrategy returns the run error strategy, FAIL when unset.
func (c *ExecutionContext) ErrorStrategy() ErrorStrategy {
	if c.instance.ErrorStrategy == "" {
		return ErrorStrategyFail
	}
	return c.instance.ErrorStrategy
}

// Attempt returns the 1-based attempt number of the current state.
func (c *ExecutionContext) Attempt() int {
	return len(c.instance.StateExecutionDataHistory) + 1
}
