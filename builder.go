package conveyor

import (
	"fmt"
	"maps"

	"github.com/petrijr/conveyor/pkg/api"
)

// StateMachineBuilder provides a fluent API for defining graphs:
//
//	sm, err := conveyor.Graph("deploy").
//	    State(build).
//	    State(approve).
//	    State(deploy).
//	    State(rollback).
//	    OnSuccess("build", "approve").
//	    OnSuccess("approve", "deploy").
//	    OnFailure("deploy", "rollback").
//	    Build()
//
// The first state added is the initial state unless Initial names another.
type StateMachineBuilder struct {
	def api.StateMachineDefinition
}

// Graph creates a builder for the graph with the given id.
func Graph(id string) *StateMachineBuilder {
	return &StateMachineBuilder{
		def: api.StateMachineDefinition{
			ID:                 id,
			SuccessTransitions: make(map[string]string),
			FailureTransitions: make(map[string]string),
		},
	}
}

// ID returns the graph id.
func (b *StateMachineBuilder) ID() string {
	return b.def.ID
}

// State adds a state to the graph.
func (b *StateMachineBuilder) State(s api.State) *StateMachineBuilder {
	if s == nil {
		panic(fmt.Sprintf("conveyor: graph %q: nil state", b.def.ID))
	}
	if s.Name() == "" {
		panic(fmt.Sprintf("conveyor: graph %q: state name must not be empty", b.def.ID))
	}
	if b.def.InitialState == "" {
		b.def.InitialState = s.Name()
	}
	b.def.States = append(b.def.States, s)
	return b
}

// Initial selects the initial state.
func (b *StateMachineBuilder) Initial(name string) *StateMachineBuilder {
	b.def.InitialState = name
	return b
}

// OnSuccess runs to after from succeeds.
func (b *StateMachineBuilder) OnSuccess(from, to string) *StateMachineBuilder {
	b.def.SuccessTransitions[from] = to
	return b
}

// OnFailure runs to after from fails.
func (b *StateMachineBuilder) OnFailure(from, to string) *StateMachineBuilder {
	b.def.FailureTransitions[from] = to
	return b
}

// Child nests a graph built by child. ForkState spawns children by id.
func (b *StateMachineBuilder) Child(child *StateMachineBuilder) *StateMachineBuilder {
	b.def.Children = append(b.def.Children, child.Definition())
	return b
}

// Definition returns a copy of the underlying definition.
func (b *StateMachineBuilder) Definition() api.StateMachineDefinition {
	def := b.def
	def.States = append([]api.State(nil), b.def.States...)
	def.Children = append([]api.StateMachineDefinition(nil), b.def.Children...)
	def.SuccessTransitions = maps.Clone(b.def.SuccessTransitions)
	def.FailureTransitions = maps.Clone(b.def.FailureTransitions)
	return def
}

// Build validates the definition.
func (b *StateMachineBuilder) Build() (*api.StateMachine, error) {
	return api.NewStateMachine(b.Definition())
}

// MustBuild is like Build but panics on error.
// Useful for initialization in main().
func (b *StateMachineBuilder) MustBuild() *api.StateMachine {
	sm, err := b.Build()
	if err != nil {
		panic(err)
	}
	return sm
}
