package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/internal/taskqueue"
	"github.com/petrijr/conveyor/pkg/api"
)

// RegisterInterrupt persists in and queues it for processing.
func (e *Executor) RegisterInterrupt(ctx context.Context, in *api.Interrupt) (*api.Interrupt, error) {
	if in == nil {
		return nil, newError(ErrInvalidInterrupt, "interrupt is required", nil)
	}
	meta := map[string]any{"execution_uuid": in.ExecutionUUID, "type": string(in.Type)}
	if in.ExecutionUUID == "" {
		return nil, newError(ErrInvalidInterrupt, "interrupt requires an execution uuid", meta)
	}
	if !knownInterrupt(in.Type) {
		return nil, newError(ErrUnhandledInterrupt, "", meta)
	}
	if in.Type.TargetsInstance() && in.StateExecutionInstanceID == "" {
		return nil, newError(ErrInvalidInterrupt, "interrupt requires an instance id", meta)
	}

	cp := *in
	if cp.UUID == "" {
		cp.UUID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = e.now()
	}
	if err := e.store.SaveInterrupt(ctx, &cp); err != nil {
		return nil, fmt.Errorf("save interrupt: %w", err)
	}
	err := e.queue.Enqueue(ctx, taskqueue.Task{
		Kind:          taskqueue.TaskInterrupt,
		ExecutionUUID: cp.ExecutionUUID,
		InstanceID:    cp.StateExecutionInstanceID,
		InterruptID:   cp.UUID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue interrupt: %w", err)
	}
	e.logger.WithContext(ctx).Info("interrupt registered",
		"execution_uuid", cp.ExecutionUUID, "interrupt_id", cp.UUID, "type", cp.Type)
	return &cp, nil
}

func knownInterrupt(t api.InterruptType) bool {
	switch t {
	case api.InterruptIgnore, api.InterruptResume, api.InterruptMarkSuccess, api.InterruptRetry,
		api.InterruptAbort, api.InterruptAbortAll, api.InterruptEndExecution, api.InterruptRollback,
		api.InterruptPauseAll, api.InterruptResumeAll:
		return true
	}
	return false
}

func (e *Executor) processInterrupt(ctx context.Context, interruptID string) error {
	in, err := e.store.GetInterrupt(ctx, interruptID)
	if err != nil {
		return err
	}
	if in.Seen {
		return nil
	}

	var affected int
	switch in.Type {
	case api.InterruptIgnore, api.InterruptResume, api.InterruptMarkSuccess, api.InterruptRetry, api.InterruptAbort:
		affected, err = e.interruptInstance(ctx, in)
	case api.InterruptAbortAll, api.InterruptRollback:
		affected, err = e.abortRun(ctx, in, false)
	case api.InterruptEndExecution:
		affected, err = e.endExecution(ctx, in)
	case api.InterruptPauseAll:
		// Applied lazily by startExecution while unseen.
		e.observer.OnInterrupt(ctx, in, 0)
		return nil
	case api.InterruptResumeAll:
		affected, err = e.resumeAll(ctx, in)
	default:
		return newError(ErrUnhandledInterrupt, "", map[string]any{
			"execution_uuid": in.ExecutionUUID,
			"interrupt_id":   in.UUID,
			"type":           string(in.Type),
		})
	}
	if err != nil {
		return err
	}
	if err := e.store.MarkInterruptSeen(ctx, in.UUID); err != nil {
		return err
	}
	e.observer.OnInterrupt(ctx, in, affected)
	return nil
}

// interruptInstance applies a single-instance interrupt. It returns the
// number of instances changed.
func (e *Executor) interruptInstance(ctx context.Context, in *api.Interrupt) (int, error) {
	ec, err := e.loadContext(ctx, in.StateExecutionInstanceID)
	if err != nil {
		return 0, err
	}
	inst := ec.Instance()
	if inst.ExecutionUUID != in.ExecutionUUID {
		meta := instanceMeta(inst)
		meta["interrupt_id"] = in.UUID
		return 0, newError(ErrInvalidInterrupt, "instance belongs to another execution", meta)
	}
	effect := in.Effect()

	switch in.Type {
	case api.InterruptIgnore:
		u := persistence.InstanceUpdate{AppendInterrupt: &effect}
		if inst.Status == api.StatusWaiting {
			// Settle the parked attempt on its recorded outcome.
			u.Status = api.StatusFailed
			if data, ok := inst.CurrentData(); ok && data.Status.IsFailure() {
				u.Status = data.Status
			}
		}
		ec, err = e.update(ctx, ec, u, api.StatusWaiting, api.StatusFailed, api.StatusError)
		if err != nil || ec == nil {
			return 0, err
		}
		return 1, e.successTransition(ctx, ec)

	case api.InterruptMarkSuccess:
		if inst.Status == api.StatusSuccess && !inst.Settled && endedBy(inst, in) {
			return 1, e.successTransition(ctx, ec)
		}
		data, _ := inst.CurrentData()
		data.Status = api.StatusSuccess
		data.EndTs = e.now()
		ec, err = e.update(ctx, ec, persistence.InstanceUpdate{
			Status:             api.StatusSuccess,
			StateExecutionData: &data,
			AppendInterrupt:    &effect,
		}, api.StatusWaiting, api.StatusPaused, api.StatusRunning, api.StatusFailed, api.StatusError)
		if err != nil || ec == nil {
			return 0, err
		}
		return 1, e.successTransition(ctx, ec)

	case api.InterruptResume:
		return e.resumeInstance(ctx, ec, &effect)

	case api.InterruptRetry:
		u := persistence.InstanceUpdate{
			Status:            api.StatusNew,
			MoveDataToHistory: true,
			AppendInterrupt:   &effect,
			SetNotifyElements: true,
		}
		if inst.PrevInstanceID != "" {
			prev, err := e.store.GetInstance(ctx, inst.PrevInstanceID)
			if err != nil && !errors.Is(err, persistence.ErrInstanceNotFound) {
				return 0, err
			}
			if prev != nil {
				u.NotifyElements = prev.NotifyElements
			}
		}
		ec, err = e.update(ctx, ec, u, api.StatusWaiting, api.StatusFailed, api.StatusError)
		if err != nil || ec == nil {
			return 0, err
		}
		e.logCtx(ctx, inst).Info("retrying state", "attempt", ec.Attempt())
		return 1, e.dispatch(ctx, ec.Instance())

	case api.InterruptAbort:
		if inst.Status == api.StatusAborting || (inst.Status == api.StatusAborted && !inst.Settled) {
			return 1, e.abortInstance(ctx, ec)
		}
		ec, err = e.update(ctx, ec, persistence.InstanceUpdate{
			Status:          api.StatusAborting,
			AppendInterrupt: &effect,
		}, api.StatusNew, api.StatusQueued, api.StatusStarting, api.StatusRunning, api.StatusPaused, api.StatusWaiting)
		if err != nil || ec == nil {
			return 0, err
		}
		return 1, e.abortInstance(ctx, ec)
	}
	return 0, nil
}

// resumeInstance restarts a WAITING instance, or one parked by PAUSE_ALL,
// and lets a paused async state continue as RUNNING.
func (e *Executor) resumeInstance(ctx context.Context, ec *api.ExecutionContext, effect *api.InterruptEffect) (int, error) {
	inst := ec.Instance()
	u := persistence.InstanceUpdate{AppendInterrupt: effect}

	switch {
	case inst.Status == api.StatusWaiting, inst.Status == api.StatusPaused && pausedByRun(inst):
		// The parked attempt keeps its outcome in the history.
		u.MoveDataToHistory = inst.Status == api.StatusWaiting
		ok, err := e.cas(ctx, ec, u, inst.Status)
		if err != nil {
			return 0, err
		}
		if !ok {
			fresh, err := e.reload(ctx, ec)
			if err != nil {
				return 0, err
			}
			return 0, e.missed(fresh, inst.Status, []api.ExecutionStatus{inst.Status})
		}
		return 1, e.dispatch(ctx, inst)

	case inst.Status == api.StatusPaused:
		u.Status = api.StatusRunning
		ec, err := e.update(ctx, ec, u, api.StatusPaused)
		if err != nil || ec == nil {
			return 0, err
		}
		return 1, nil

	default:
		if inst.Status.IsFinal() {
			return 0, nil
		}
		return 0, e.missed(ec, api.StatusRunning, []api.ExecutionStatus{api.StatusWaiting, api.StatusPaused})
	}
}

// endedBy reports whether in is the last interrupt applied to inst.
func endedBy(inst *api.StateExecutionInstance, in *api.Interrupt) bool {
	n := len(inst.InterruptHistory)
	return n > 0 && inst.InterruptHistory[n-1].InterruptID == in.UUID
}

func pausedByRun(inst *api.StateExecutionInstance) bool {
	n := len(inst.InterruptHistory)
	return n > 0 && inst.InterruptHistory[n-1].Type == api.InterruptPauseAll
}

// abortRun marks the active leaf instances of a run ABORTING and aborts
// them. Composite parents end through their children. With skipWaiting set,
// WAITING instances are left alone.
//
// Every ABORTING instance of the run is finished, along with ABORTED ones
// whose lineage was not ended yet, so a redelivered interrupt completes the
// work of a pass that failed halfway.
func (e *Executor) abortRun(ctx context.Context, in *api.Interrupt, skipWaiting bool) (int, error) {
	active, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		ExecutionUUID: in.ExecutionUUID,
		Statuses:      api.ActiveStatuses(),
	})
	if err != nil {
		return 0, err
	}

	from := []api.ExecutionStatus{
		api.StatusNew, api.StatusQueued, api.StatusStarting, api.StatusRunning, api.StatusPaused,
	}
	if !skipWaiting {
		from = append(from, api.StatusWaiting)
	}
	var ids []string
	for _, inst := range leaves(active) {
		if inst.Status.In(from...) {
			ids = append(ids, inst.UUID)
		}
	}
	if len(ids) > 0 {
		effect := in.Effect()
		_, err = e.store.ConditionalUpdate(ctx, persistence.InstanceFilter{
			ExecutionUUID: in.ExecutionUUID,
			UUIDs:         ids,
			Statuses:      from,
		}, persistence.InstanceUpdate{Status: api.StatusAborting, AppendInterrupt: &effect})
		if err != nil {
			return 0, fmt.Errorf("mark aborting: %w", err)
		}
	}

	marked, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		ExecutionUUID: in.ExecutionUUID,
		Statuses:      []api.ExecutionStatus{api.StatusAborting, api.StatusAborted},
	})
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, inst := range marked {
		if inst.Status == api.StatusAborted && inst.Settled {
			continue
		}
		n++
		ec, err := e.newContext(inst)
		if err == nil {
			err = e.abortInstance(ctx, ec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("abort instance %s: %w", inst.UUID, err))
		}
	}
	return n, errors.Join(errs...)
}

// endExecution aborts the running leaves of a run and fails the ones waiting
// for intervention.
func (e *Executor) endExecution(ctx context.Context, in *api.Interrupt) (int, error) {
	aborted, err := e.abortRun(ctx, in, true)
	if err != nil {
		return aborted, err
	}

	waiting, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		ExecutionUUID: in.ExecutionUUID,
		Statuses:      []api.ExecutionStatus{api.StatusWaiting, api.StatusFailed},
	})
	if err != nil {
		return aborted, err
	}
	effect := in.Effect()
	failed := 0
	for _, inst := range waiting {
		if inst.Status == api.StatusFailed && (inst.Settled || !endedBy(inst, in)) {
			continue
		}
		ec, err := e.newContext(inst)
		if err != nil {
			return aborted + failed, err
		}
		if inst.Status == api.StatusFailed {
			// Failed by an earlier pass of this interrupt; only the end is left.
			failed++
			if err := e.endTransition(ctx, ec, api.StatusFailed); err != nil {
				return aborted + failed, err
			}
			continue
		}
		data, _ := inst.CurrentData()
		data.Status = api.StatusFailed
		data.EndTs = e.now()
		ec, err = e.update(ctx, ec, persistence.InstanceUpdate{
			Status:             api.StatusFailed,
			StateExecutionData: &data,
			AppendInterrupt:    &effect,
		}, api.StatusWaiting)
		if err != nil {
			return aborted + failed, err
		}
		if ec == nil {
			continue
		}
		failed++
		if err := e.endTransition(ctx, ec, api.StatusFailed); err != nil {
			return aborted + failed, err
		}
	}
	return aborted + failed, nil
}

// resumeAll releases every instance parked by an outstanding PAUSE_ALL.
func (e *Executor) resumeAll(ctx context.Context, in *api.Interrupt) (int, error) {
	interrupts, err := e.store.ListInterrupts(ctx, in.ExecutionUUID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, pause := range interrupts {
		if pause.Type != api.InterruptPauseAll || pause.Seen {
			continue
		}
		if err := e.store.MarkInterruptSeen(ctx, pause.UUID); err != nil {
			return released, err
		}
		if err := e.wn.Notify(ctx, pause.UUID, in.UUID); err != nil {
			return released, fmt.Errorf("notify pause %s: %w", pause.UUID, err)
		}
		released++
	}
	return released, nil
}

// leaves drops instances that are the parent of another active instance.
func leaves(active []*api.StateExecutionInstance) []*api.StateExecutionInstance {
	parents := make(map[string]struct{})
	for _, inst := range active {
		if inst.ParentInstanceID != "" {
			parents[inst.ParentInstanceID] = struct{}{}
		}
	}
	out := make([]*api.StateExecutionInstance, 0, len(active))
	for _, inst := range active {
		if _, ok := parents[inst.UUID]; !ok {
			out = append(out, inst)
		}
	}
	return out
}
