package api

import (
	"fmt"
	"sort"
)

// StateMachineDefinition is the input to NewStateMachine.
type StateMachineDefinition struct {
	ID           string
	InitialState string
	States       []State

	// SuccessTransitions and FailureTransitions map a state name to the name
	// of the state to run next. Both are scoped to this graph.
	SuccessTransitions map[string]string
	FailureTransitions map[string]string

	// Children are nested graphs addressed by their ID from any depth of the
	// tree. Child IDs must be unique across the whole tree.
	Children []StateMachineDefinition
}

// StateMachine is an immutable, validated graph of states.
type StateMachine struct {
	id           string
	initialState string
	states       map[string]State
	onSuccess    map[string]string
	onFailure    map[string]string
	children     map[string]*StateMachine

	// index resolves child ids at any depth; it is shared by the whole tree.
	index map[string]*StateMachine
}

// NewStateMachine validates def and builds the graph.
func NewStateMachine(def StateMachineDefinition) (*StateMachine, error) {
	index := make(map[string]*StateMachine)
	sm, err := build(def, index)
	if err != nil {
		return nil, err
	}
	if _, clash := index[sm.id]; clash {
		return nil, invalidMachine(sm.id, fmt.Sprintf("child graph reuses root id %q", sm.id))
	}
	return sm, nil
}

func build(def StateMachineDefinition, index map[string]*StateMachine) (*StateMachine, error) {
	if def.ID == "" {
		return nil, invalidMachine("", "state machine id must not be empty")
	}
	sm := &StateMachine{
		id:           def.ID,
		initialState: def.InitialState,
		states:       make(map[string]State, len(def.States)),
		onSuccess:    make(map[string]string, len(def.SuccessTransitions)),
		onFailure:    make(map[string]string, len(def.FailureTransitions)),
		children:     make(map[string]*StateMachine, len(def.Children)),
		index:        index,
	}
	for _, s := range def.States {
		if s == nil || s.Name() == "" {
			return nil, invalidMachine(def.ID, "state must have a name")
		}
		if _, dup := sm.states[s.Name()]; dup {
			return nil, invalidMachine(def.ID, fmt.Sprintf("duplicate state %q", s.Name()))
		}
		sm.states[s.Name()] = s
	}
	if _, ok := sm.states[def.InitialState]; !ok {
		return nil, invalidMachine(def.ID, fmt.Sprintf("initial state %q is not defined", def.InitialState))
	}
	if err := copyTransitions(sm, def.SuccessTransitions, sm.onSuccess); err != nil {
		return nil, err
	}
	if err := copyTransitions(sm, def.FailureTransitions, sm.onFailure); err != nil {
		return nil, err
	}
	for _, childDef := range def.Children {
		if _, dup := index[childDef.ID]; dup {
			return nil, invalidMachine(def.ID, fmt.Sprintf("duplicate child graph %q", childDef.ID))
		}
		child, err := build(childDef, index)
		if err != nil {
			return nil, err
		}
		sm.children[child.id] = child
		index[child.id] = child
	}
	return sm, nil
}

func copyTransitions(sm *StateMachine, src, dst map[string]string) error {
	for from, to := range src {
		if _, ok := sm.states[from]; !ok {
			return invalidMachine(sm.id, fmt.Sprintf("transition from unknown state %q", from))
		}
		if _, ok := sm.states[to]; !ok {
			return invalidMachine(sm.id, fmt.Sprintf("transition from %q to unknown state %q", from, to))
		}
		dst[from] = to
	}
	return nil
}

func invalidMachine(id, msg string) error {
	return NewCodedError(ErrInvalidStateMachine, msg, map[string]any{"state_machine_id": id})
}

// ID returns the graph id.
func (sm *StateMachine) ID() string { return sm.id }

// InitialStateName returns the name of the first state of the graph.
func (sm *StateMachine) InitialStateName() string { return sm.initialState }

// Child returns a nested graph by id from any depth, or nil.
func (sm *StateMachine) Child(id string) *StateMachine {
	return sm.index[id]
}

// ChildIDs returns the ids of the direct children, sorted.
func (sm *StateMachine) ChildIDs() []string {
	ids := make([]string, 0, len(sm.children))
	for id := range sm.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the graph addressed by childID: the receiver for "",
// otherwise the nested graph.
func (sm *StateMachine) Resolve(childID string) (*StateMachine, error) {
	if childID == "" {
		return sm, nil
	}
	child := sm.Child(childID)
	if child == nil {
		return nil, NewCodedError(ErrChildStateMachineNotFound, "", map[string]any{
			"state_machine_id":       sm.id,
			"child_state_machine_id": childID,
		})
	}
	return child, nil
}

// State returns a state of this graph by name.
func (sm *StateMachine) State(name string) (State, bool) {
	s, ok := sm.states[name]
	return s, ok
}

// SuccessTransition returns the state that follows name on success, or "".
func (sm *StateMachine) SuccessTransition(name string) string {
	return sm.onSuccess[name]
}

// FailureTransition returns the state that follows name on failure, or "".
func (sm *StateMachine) FailureTransition(name string) string {
	return sm.onFailure[name]
}
