package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/pkg/api"
)

// ExecuteOptions describes a new run.
type ExecuteOptions struct {
	// ExecutionUUID identifies the run; a random id is assigned when empty.
	ExecutionUUID string
	AppID         string
	AccountID     string
	// Callback names a registered StateMachineExecutionCallback.
	Callback string
	// Advisors names registered advisors, consulted in order.
	Advisors      []string
	ErrorStrategy api.ErrorStrategy
}

// Execute starts a run of sm at its initial state with elements on the
// context stack, and returns the persisted root instance.
func (e *Executor) Execute(ctx context.Context, sm *api.StateMachine, elements []api.ContextElement, opts ExecuteOptions) (*api.StateExecutionInstance, error) {
	inst := &api.StateExecutionInstance{
		ExecutionUUID:          opts.ExecutionUUID,
		AppID:                  opts.AppID,
		AccountID:              opts.AccountID,
		ContextElements:        append([]api.ContextElement(nil), elements...),
		Callback:               opts.Callback,
		ExecutionEventAdvisors: append([]string(nil), opts.Advisors...),
		ErrorStrategy:          opts.ErrorStrategy,
	}
	return e.ExecuteInstance(ctx, sm, inst)
}

// ExecuteInstance queues inst and dispatches it.
func (e *Executor) ExecuteInstance(ctx context.Context, sm *api.StateMachine, inst *api.StateExecutionInstance) (*api.StateExecutionInstance, error) {
	queued, err := e.Queue(ctx, sm, inst)
	if err != nil {
		return nil, err
	}
	if queued.ParentInstanceID == "" && queued.PrevInstanceID == "" {
		e.observer.OnRunStarted(ctx, queued)
	}
	if err := e.dispatch(ctx, queued); err != nil {
		return nil, fmt.Errorf("dispatch instance %s: %w", queued.UUID, err)
	}
	return queued, nil
}

// Queue validates and persists inst as NEW without dispatching it.
//
// Missing fields are defaulted: the state name from the initial state of the
// addressed graph, the display name from the state name, identity and run
// ids from fresh uuids.
func (e *Executor) Queue(ctx context.Context, sm *api.StateMachine, inst *api.StateExecutionInstance) (*api.StateExecutionInstance, error) {
	if sm == nil {
		return nil, errors.New("state machine is required")
	}
	if inst == nil {
		return nil, errors.New("instance is required")
	}
	if err := e.machines.Register(sm); err != nil {
		return nil, err
	}

	graph, err := sm.Resolve(inst.ChildStateMachineID)
	if err != nil {
		return nil, err
	}

	inst = inst.Copy()
	if inst.StateName == "" {
		inst.StateName = graph.InitialStateName()
	}
	if inst.DisplayName == "" {
		inst.DisplayName = inst.StateName
	}
	state, ok := graph.State(inst.StateName)
	if !ok {
		return nil, newError(ErrStateNotFound, "", map[string]any{
			"state_machine_id":       sm.ID(),
			"child_state_machine_id": inst.ChildStateMachineID,
			"state":                  inst.StateName,
		})
	}

	if inst.UUID == "" {
		inst.UUID = uuid.NewString()
	}
	if inst.ExecutionUUID == "" {
		inst.ExecutionUUID = uuid.NewString()
	}
	inst.StateMachineID = sm.ID()
	inst.StateType = state.Type()
	inst.Status = api.StatusNew
	inst.CreatedAt = e.now()
	inst.LastUpdatedAt = inst.CreatedAt

	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("save instance %s: %w", inst.UUID, err)
	}
	e.logCtx(ctx, inst).Debug("instance queued", "state_type", inst.StateType)
	return inst, nil
}
