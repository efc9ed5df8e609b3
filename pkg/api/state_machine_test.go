package api

import (
	"context"
	"testing"
)

type noopState struct {
	BaseState
}

func (noopState) Execute(ctx context.Context, ec *ExecutionContext) (*ExecutionResponse, error) {
	return Sync(StatusSuccess), nil
}

func newNoop(name string) State {
	return noopState{BaseState{StateName: name, StateType: "NOOP"}}
}

func TestNewStateMachine_ResolvesTransitionsAndChildren(t *testing.T) {
	sm, err := NewStateMachine(StateMachineDefinition{
		ID:                 "pipeline",
		InitialState:       "build",
		States:             []State{newNoop("build"), newNoop("deploy"), newNoop("rollback")},
		SuccessTransitions: map[string]string{"build": "deploy"},
		FailureTransitions: map[string]string{"deploy": "rollback"},
		Children: []StateMachineDefinition{{
			ID:           "canary",
			InitialState: "prepare",
			States:       []State{newNoop("prepare"), newNoop("verify")},
			SuccessTransitions: map[string]string{
				"prepare": "verify",
			},
			Children: []StateMachineDefinition{{
				ID:           "canary-verify",
				InitialState: "probe",
				States:       []State{newNoop("probe")},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("NewStateMachine failed: %v", err)
	}

	if sm.ID() != "pipeline" || sm.InitialStateName() != "build" {
		t.Fatalf("unexpected root: id=%q initial=%q", sm.ID(), sm.InitialStateName())
	}
	if got := sm.SuccessTransition("build"); got != "deploy" {
		t.Fatalf("expected build -> deploy, got %q", got)
	}
	if got := sm.FailureTransition("deploy"); got != "rollback" {
		t.Fatalf("expected deploy -> rollback on failure, got %q", got)
	}
	if got := sm.SuccessTransition("deploy"); got != "" {
		t.Fatalf("expected no success transition from deploy, got %q", got)
	}

	canary, err := sm.Resolve("canary")
	if err != nil {
		t.Fatalf("Resolve(canary) failed: %v", err)
	}
	if got := canary.SuccessTransition("prepare"); got != "verify" {
		t.Fatalf("expected child transition prepare -> verify, got %q", got)
	}
	nested := sm.Child("canary-verify")
	if nested == nil || nested.InitialStateName() != "probe" {
		t.Fatalf("expected nested child graph to be addressable from the root")
	}
	if ids := sm.ChildIDs(); len(ids) != 1 || ids[0] != "canary" {
		t.Fatalf("expected direct children [canary], got %v", ids)
	}

	if _, err := sm.Resolve("missing"); ErrorCode(err) != ErrCodeChildStateMachineNotFound {
		t.Fatalf("expected %s, got %v", ErrCodeChildStateMachineNotFound, err)
	}
}

func TestNewStateMachine_Validation(t *testing.T) {
	cases := map[string]StateMachineDefinition{
		"empty id": {InitialState: "a", States: []State{newNoop("a")}},
		"missing initial": {
			ID: "sm", InitialState: "b", States: []State{newNoop("a")},
		},
		"duplicate state": {
			ID: "sm", InitialState: "a", States: []State{newNoop("a"), newNoop("a")},
		},
		"unknown transition target": {
			ID: "sm", InitialState: "a", States: []State{newNoop("a")},
			SuccessTransitions: map[string]string{"a": "nowhere"},
		},
		"unknown transition source": {
			ID: "sm", InitialState: "a", States: []State{newNoop("a")},
			FailureTransitions: map[string]string{"ghost": "a"},
		},
		"duplicate child": {
			ID: "sm", InitialState: "a", States: []State{newNoop("a")},
			Children: []StateMachineDefinition{
				{ID: "c", InitialState: "x", States: []State{newNoop("x")}},
				{ID: "c", InitialState: "y", States: []State{newNoop("y")}},
			},
		},
		"child reuses root id": {
			ID: "sm", InitialState: "a", States: []State{newNoop("a")},
			Children: []StateMachineDefinition{
				{ID: "sm", InitialState: "x", States: []State{newNoop("x")}},
			},
		},
	}

	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewStateMachine(def)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if code := ErrorCode(err); code != ErrCodeInvalidStateMachine {
				t.Fatalf("expected code %s, got %q (%v)", ErrCodeInvalidStateMachine, code, err)
			}
		})
	}
}

func TestExecutionContext_ResolvesChildState(t *testing.T) {
	sm, err := NewStateMachine(StateMachineDefinition{
		ID: "root", InitialState: "fork", States: []State{newNoop("fork")},
		Children: []StateMachineDefinition{{ID: "child", InitialState: "work", States: []State{newNoop("work")}}},
	})
	if err != nil {
		t.Fatalf("NewStateMachine failed: %v", err)
	}

	inst := &StateExecutionInstance{ChildStateMachineID: "child", StateName: "work"}
	ec, err := NewExecutionContext(inst, sm)
	if err != nil {
		t.Fatalf("NewExecutionContext failed: %v", err)
	}
	if ec.State().Name() != "work" || ec.Graph().ID() != "child" || ec.StateMachine().ID() != "root" {
		t.Fatalf("unexpected binding: state=%q graph=%q root=%q", ec.State().Name(), ec.Graph().ID(), ec.StateMachine().ID())
	}
	if ec.ErrorStrategy() != ErrorStrategyFail {
		t.Fatalf("expected FAIL as default error strategy, got %s", ec.ErrorStrategy())
	}

	if _, err := NewExecutionContext(&StateExecutionInstance{StateName: "work"}, sm); ErrorCode(err) != ErrCodeStateNotFound {
		t.Fatalf("expected %s for a child state addressed on the root graph, got %v", ErrCodeStateNotFound, err)
	}
}
