// Package engine implements the state machine executor: it walks a
// StateMachine graph one StateExecutionInstance at a time, persists every
// status change through conditional updates and hands all execution to the
// dispatch queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/internal/taskqueue"
	"github.com/petrijr/conveyor/pkg/api"
)

// Config describes how to construct an Executor.
type Config struct {
	Store      persistence.Store
	Queue      taskqueue.Queue
	WaitNotify api.WaitNotifyEngine
	Scheduler  api.Scheduler

	// Delegate cancels remote work on abort. Optional.
	Delegate api.DelegateService
	// Alerts is told about instances paused for manual intervention.
	// Optional.
	Alerts api.AlertService

	Observer api.Observer
	Logger   api.Logger
	Clock    func() time.Time

	// AbortTaskRetries bounds the attempts to cancel delegate work.
	AbortTaskRetries uint64
	// AbortTaskBackoff is the constant delay between cancel attempts.
	AbortTaskBackoff time.Duration
}

// Executor is the state machine executor. All methods are safe for
// concurrent use; every dispatch rebuilds its ExecutionContext from the
// store.
type Executor struct {
	store     persistence.Store
	queue     taskqueue.Queue
	wn        api.WaitNotifyEngine
	scheduler api.Scheduler
	delegate  api.DelegateService
	alerts    api.AlertService
	observer  api.Observer
	logger    api.Logger
	now       func() time.Time

	abortRetries uint64
	abortBackoff time.Duration

	machines  *machineRegistry
	callbacks *registry[api.StateMachineExecutionCallback]
	advisors  *registry[api.ExecutionEventAdvisor]
}

// New creates an Executor. Store, Queue, WaitNotify and Scheduler are
// required.
func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("engine: store is required")
	case cfg.Queue == nil:
		return nil, errors.New("engine: queue is required")
	case cfg.WaitNotify == nil:
		return nil, errors.New("engine: wait/notify engine is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("engine: scheduler is required")
	}

	e := &Executor{
		store:        cfg.Store,
		queue:        cfg.Queue,
		wn:           cfg.WaitNotify,
		scheduler:    cfg.Scheduler,
		delegate:     cfg.Delegate,
		alerts:       cfg.Alerts,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		now:          cfg.Clock,
		abortRetries: cfg.AbortTaskRetries,
		abortBackoff: cfg.AbortTaskBackoff,
		machines:     newMachineRegistry(),
		callbacks:    newRegistry[api.StateMachineExecutionCallback]("callback"),
		advisors:     newRegistry[api.ExecutionEventAdvisor]("advisor"),
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = api.NopLogger{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.abortRetries == 0 {
		e.abortRetries = 3
	}
	if e.abortBackoff <= 0 {
		e.abortBackoff = 100 * time.Millisecond
	}
	return e, nil
}

// RegisterStateMachine makes sm resolvable by the id stored on instances.
func (e *Executor) RegisterStateMachine(sm *api.StateMachine) error {
	if sm == nil {
		return errors.New("state machine is required")
	}
	return e.machines.Register(sm)
}

// RegisterCallback registers a completion hook under name. Root instances
// refer to it through their Callback field.
func (e *Executor) RegisterCallback(name string, cb api.StateMachineExecutionCallback) error {
	if cb == nil {
		return errors.New("callback is required")
	}
	return e.callbacks.Register(name, cb)
}

// RegisterAdvisor registers an advisor under name. Instances list the
// advisors that apply to them in ExecutionEventAdvisors.
func (e *Executor) RegisterAdvisor(name string, adv api.ExecutionEventAdvisor) error {
	if adv == nil {
		return errors.New("advisor is required")
	}
	return e.advisors.Register(name, adv)
}

// GetInstance loads an instance from the store.
func (e *Executor) GetInstance(ctx context.Context, id string) (*api.StateExecutionInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		return nil, newError(ErrInstanceNotFound, "", map[string]any{"instance_id": id})
	}
	return inst, err
}

// ListInstances returns the instances of a run, oldest first.
func (e *Executor) ListInstances(ctx context.Context, executionUUID string) ([]*api.StateExecutionInstance, error) {
	return e.store.ListInstances(ctx, persistence.InstanceFilter{ExecutionUUID: executionUUID})
}

// HandleResolved is the wait/notify resolved hook: it hands a fired wait to
// the dispatch queue.
func (e *Executor) HandleResolved(ctx context.Context, waitID string) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{Kind: taskqueue.TaskNotify, WaitID: waitID})
}

// Process runs one dispatch task. It is the single worker entry point.
func (e *Executor) Process(ctx context.Context, task *taskqueue.Task) error {
	switch task.Kind {
	case taskqueue.TaskStart:
		return e.processStart(ctx, task.InstanceID)
	case taskqueue.TaskNotify:
		return e.processNotify(ctx, task.WaitID)
	case taskqueue.TaskInterrupt:
		return e.processInterrupt(ctx, task.InterruptID)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (e *Executor) dispatch(ctx context.Context, inst *api.StateExecutionInstance) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Kind:          taskqueue.TaskStart,
		ExecutionUUID: inst.ExecutionUUID,
		InstanceID:    inst.UUID,
	})
}

func (e *Executor) machineFor(inst *api.StateExecutionInstance) (*api.StateMachine, error) {
	sm, ok := e.machines.Get(inst.StateMachineID)
	if !ok {
		return nil, newError(ErrStateMachineNotFound, "", map[string]any{
			"state_machine_id": inst.StateMachineID,
			"instance_id":      inst.UUID,
		})
	}
	return sm, nil
}

func (e *Executor) newContext(inst *api.StateExecutionInstance) (*api.ExecutionContext, error) {
	sm, err := e.machineFor(inst)
	if err != nil {
		return nil, err
	}
	return api.NewExecutionContext(inst, sm)
}

func (e *Executor) loadContext(ctx context.Context, id string) (*api.ExecutionContext, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.newContext(inst)
}

// reload refreshes the instance bound to ec from the store.
func (e *Executor) reload(ctx context.Context, ec *api.ExecutionContext) (*api.ExecutionContext, error) {
	inst, err := e.GetInstance(ctx, ec.Instance().UUID)
	if err != nil {
		return nil, err
	}
	return ec.WithInstance(inst), nil
}

// cas applies u to the instance of ec if its status is one of from and
// reports whether it did.
func (e *Executor) cas(ctx context.Context, ec *api.ExecutionContext, u persistence.InstanceUpdate, from ...api.ExecutionStatus) (bool, error) {
	inst := ec.Instance()
	n, err := e.store.ConditionalUpdate(ctx, persistence.ByID(inst.ExecutionUUID, inst.UUID, from...), u)
	if err != nil {
		return false, fmt.Errorf("update instance %s: %w", inst.UUID, err)
	}
	return n == 1, nil
}

// update is cas followed by a reload.
//
// On success it returns the context rebound to the stored instance. When the
// update misses, an instance that already reached a terminal status is a
// stale or duplicate dispatch and yields (nil, nil); any other status means a
// concurrent actor advanced it and is a conflict.
func (e *Executor) update(ctx context.Context, ec *api.ExecutionContext, u persistence.InstanceUpdate, from ...api.ExecutionStatus) (*api.ExecutionContext, error) {
	ok, err := e.cas(ctx, ec, u, from...)
	if err != nil {
		return nil, err
	}
	fresh, err := e.reload(ctx, ec)
	if err != nil {
		return nil, err
	}
	if ok {
		return fresh, nil
	}
	return nil, e.missed(fresh, u.Status, from)
}

// missed classifies a conditional update that matched nothing.
func (e *Executor) missed(fresh *api.ExecutionContext, target api.ExecutionStatus, from []api.ExecutionStatus) error {
	inst := fresh.Instance()
	if inst.Status.IsFinal() {
		e.log(inst).Debug("instance already terminal, update skipped", "target", target)
		return nil
	}
	meta := instanceMeta(inst)
	meta["expected"] = from
	meta["target"] = string(target)
	return newError(ErrStateConflict, "", meta)
}

func (e *Executor) log(inst *api.StateExecutionInstance) api.Logger {
	return api.WithLoggerFields(e.logger, map[string]any{
		"execution_uuid": inst.ExecutionUUID,
		"instance_id":    inst.UUID,
		"state":          inst.StateName,
	})
}

func (e *Executor) logCtx(ctx context.Context, inst *api.StateExecutionInstance) api.Logger {
	return e.log(inst).WithContext(ctx)
}
