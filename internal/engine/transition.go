package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

// target addresses the state a clone moves the run to.
type target struct {
	StateName           string
	ChildStateMachineID string
	DisplayName         string
	Rollback            bool
	RollbackPhaseName   string
	StateParams         map[string]any
}

// transition applies the AFTER advice, or else the default transition for
// the terminal status of ec.
func (e *Executor) transition(ctx context.Context, ec *api.ExecutionContext) error {
	if advice := e.advise(ctx, ec, api.PhaseAfterExecution); advice != nil {
		return e.handleAdvice(ctx, ec, advice)
	}
	switch ec.Instance().Status {
	case api.StatusSuccess:
		return e.successTransition(ctx, ec)
	case api.StatusAborted:
		return e.endTransition(ctx, ec, api.StatusAborted)
	default:
		return e.failedTransition(ctx, ec)
	}
}

// settle replays the transition of a terminal instance whose follow-up did
// not complete, for example because a write failed after its status did.
func (e *Executor) settle(ctx context.Context, ec *api.ExecutionContext) error {
	inst := ec.Instance()
	e.logCtx(ctx, inst).Info("settling terminal instance", "status", inst.Status)
	if inst.Status == api.StatusAborted {
		return e.endTransition(ctx, ec, api.StatusAborted)
	}
	return e.transition(ctx, ec)
}

// markSettled records that the transition out of the current status of ec
// has been applied.
func (e *Executor) markSettled(ctx context.Context, ec *api.ExecutionContext) error {
	inst := ec.Instance()
	_, err := e.store.ConditionalUpdate(ctx, persistence.ByID(inst.ExecutionUUID, inst.UUID, inst.Status),
		persistence.InstanceUpdate{Settle: true})
	if err != nil {
		return fmt.Errorf("settle instance %s: %w", inst.UUID, err)
	}
	return nil
}

func (e *Executor) successTransition(ctx context.Context, ec *api.ExecutionContext) error {
	next := ec.Graph().SuccessTransition(ec.Instance().StateName)
	if next == "" {
		return e.endTransition(ctx, ec, api.StatusSuccess)
	}
	return e.clone(ctx, ec, target{StateName: next})
}

func (e *Executor) failedTransition(ctx context.Context, ec *api.ExecutionContext) error {
	inst := ec.Instance()
	if next := ec.Graph().FailureTransition(inst.StateName); next != "" {
		return e.clone(ctx, ec, target{StateName: next})
	}

	switch strategy := ec.ErrorStrategy(); strategy {
	case api.ErrorStrategyFail:
		return e.endTransition(ctx, ec, api.StatusFailed)
	case api.ErrorStrategyPause:
		return e.pause(ctx, ec, nil, api.StatusFailed, api.StatusError)
	default:
		e.logCtx(ctx, inst).Warn("unknown error strategy, instance left as is", "strategy", strategy)
		return e.markSettled(ctx, ec)
	}
}

// pause parks the instance as WAITING for manual intervention and raises an
// alert. A nil params keeps the stored state parameters.
func (e *Executor) pause(ctx context.Context, ec *api.ExecutionContext, params map[string]any, from ...api.ExecutionStatus) error {
	u := persistence.InstanceUpdate{Status: api.StatusWaiting}
	if params != nil {
		u.SetStateParams = true
		u.StateParams = params
	}
	ec, err := e.update(ctx, ec, u, from...)
	if err != nil || ec == nil {
		return err
	}
	inst := ec.Instance()
	e.logCtx(ctx, inst).Info("instance waiting for intervention")

	if e.alerts == nil {
		return nil
	}
	data, _ := inst.CurrentData()
	alert := api.Alert{
		AppID:         inst.AppID,
		AccountID:     inst.AccountID,
		ExecutionUUID: inst.ExecutionUUID,
		InstanceID:    inst.UUID,
		StateName:     inst.StateName,
		Message:       data.ErrorMsg,
	}
	if err := e.alerts.OpenAlert(ctx, alert); err != nil {
		e.logCtx(ctx, inst).Warn("open alert failed", "error", err)
	}
	return nil
}

// endTransition ends the lineage of the instance and reports status to the
// run callback or to whoever waits on NotifyID. A settled instance has
// already been reported and is left alone.
//
// A live instance is moved to status. A terminal instance keeps its recorded
// status, except that a failure ended as ABORTED is rewritten so the stored
// outcome matches the reported one.
func (e *Executor) endTransition(ctx context.Context, ec *api.ExecutionContext, status api.ExecutionStatus) error {
	if current := ec.Instance(); current.Settled {
		e.logCtx(ctx, current).Debug("lineage already ended", "status", current.Status)
		return nil
	}
	if from := endFrom(ec.Instance().Status, status); from != nil {
		data, _ := ec.Instance().CurrentData()
		data.Status = status
		if data.EndTs.IsZero() {
			data.EndTs = e.now()
		}
		var err error
		ec, err = e.update(ctx, ec, persistence.InstanceUpdate{
			Status:             status,
			StateExecutionData: &data,
		}, from...)
		if err != nil || ec == nil {
			return err
		}
	}

	inst := ec.Instance()
	data, _ := inst.CurrentData()
	switch {
	case inst.NotifyID == "" && inst.ParentInstanceID == "":
		e.observer.OnRunEnded(ctx, inst, status)
		e.runCallback(ctx, ec, status, data.ErrorMsg)
	case inst.NotifyID != "":
		resp := api.ChildResponse{
			InstanceID:     inst.UUID,
			Status:         status,
			NotifyElements: inst.NotifyElements,
			ErrorMessage:   data.ErrorMsg,
		}
		if err := e.wn.Notify(ctx, inst.NotifyID, resp); err != nil {
			return fmt.Errorf("notify %s: %w", inst.NotifyID, err)
		}
	}
	e.logCtx(ctx, inst).Info("lineage ended", "status", status)
	return e.markSettled(ctx, ec)
}

// endFrom returns the statuses endTransition moves an instance from, or nil
// when the stored status stays.
func endFrom(current, status api.ExecutionStatus) []api.ExecutionStatus {
	switch {
	case !current.IsFinal():
		return api.ActiveStatuses()
	case status == api.StatusAborted && current.IsFailure():
		return []api.ExecutionStatus{current}
	default:
		return nil
	}
}

func (e *Executor) runCallback(ctx context.Context, ec *api.ExecutionContext, status api.ExecutionStatus, errorMsg string) {
	inst := ec.Instance()
	if inst.Callback == "" {
		return
	}
	cb, ok := e.callbacks.Get(inst.Callback)
	if !ok {
		e.logCtx(ctx, inst).Warn("unknown callback", "callback", inst.Callback, "known", e.callbacks.Names())
		return
	}

	var cause error
	if status != api.StatusSuccess {
		meta := instanceMeta(inst)
		meta["run_status"] = string(status)
		cause = newError(ErrExecutionFailed, errorMsg, meta)
	}

	err := func() (err error) {
		defer recoverInto(&err, "callback")
		cb.Callback(ctx, ec, status, cause)
		return nil
	}()
	if err != nil {
		e.logCtx(ctx, inst).Error("callback failed", "callback", inst.Callback, "error", err)
	}
}

// clone moves the run to t by queueing a fresh instance after the current
// one. The successor id is derived from the current attempt, so a replayed
// transition finds the successor instead of queueing a second one.
func (e *Executor) clone(ctx context.Context, ec *api.ExecutionContext, t target) error {
	inst := ec.Instance()
	next := inst.CloneForNext(t.StateName)
	next.UUID = derivedID(ec, "next", string(inst.Status), t.StateName)
	if t.ChildStateMachineID != "" {
		next.ChildStateMachineID = t.ChildStateMachineID
	}
	if t.DisplayName != "" {
		next.DisplayName = t.DisplayName
	}
	if t.Rollback {
		next.Rollback = true
		next.RollbackPhaseName = t.RollbackPhaseName
	}
	if t.StateParams != nil {
		next.StateParams = t.StateParams
	}

	queued, err := e.queueOnce(ctx, ec.StateMachine(), next)
	if err != nil {
		return fmt.Errorf("queue next state %q: %w", t.StateName, err)
	}
	if queued != nil {
		e.logCtx(ctx, inst).Debug("transition", "next_state", queued.StateName, "next_instance_id", queued.UUID)
		if err := e.dispatch(ctx, queued); err != nil {
			return err
		}
	}
	return e.markSettled(ctx, ec)
}

// spawn queues a child template returned by a composite state under id.
func (e *Executor) spawn(ctx context.Context, parent *api.ExecutionContext, tmpl *api.StateExecutionInstance, id string) error {
	child := tmpl.PrepareSpawn(parent.Instance())
	child.UUID = id
	sm, err := e.machineFor(child)
	if err != nil {
		return err
	}

	if child.StateName == "" && child.ChildStateMachineID != "" && sm.Child(child.ChildStateMachineID) == nil {
		// Nothing to run; report the lineage as done right away.
		e.logCtx(ctx, parent.Instance()).Warn("child state machine not found, skipped",
			"child_state_machine_id", child.ChildStateMachineID)
		if child.NotifyID == "" {
			return nil
		}
		return e.wn.Notify(ctx, child.NotifyID, api.ChildResponse{Status: api.StatusSuccess})
	}

	queued, err := e.queueOnce(ctx, sm, child)
	if err != nil {
		return fmt.Errorf("queue child: %w", err)
	}
	if queued == nil {
		return nil
	}
	return e.dispatch(ctx, queued)
}

// spawnPending queues the children recorded on a composite parent and then
// clears the record.
func (e *Executor) spawnPending(ctx context.Context, parent *api.ExecutionContext) error {
	inst := parent.Instance()
	if len(inst.PendingSpawns) == 0 {
		return nil
	}
	for i, tmpl := range inst.PendingSpawns {
		if err := e.spawn(ctx, parent, tmpl, derivedID(parent, "spawn", strconv.Itoa(i))); err != nil {
			return err
		}
	}
	_, err := e.store.ConditionalUpdate(ctx, persistence.ByID(inst.ExecutionUUID, inst.UUID),
		persistence.InstanceUpdate{SetPendingSpawns: true})
	if err != nil {
		return fmt.Errorf("clear pending spawns: %w", err)
	}
	e.logCtx(ctx, inst).Debug("children spawned", "count", len(inst.PendingSpawns))
	return nil
}

// queueOnce queues inst under its preset id. When an earlier attempt already
// stored it, the stored instance is returned while it is still waiting to
// start, and nil once it has started.
func (e *Executor) queueOnce(ctx context.Context, sm *api.StateMachine, inst *api.StateExecutionInstance) (*api.StateExecutionInstance, error) {
	queued, err := e.Queue(ctx, sm, inst)
	if !errors.Is(err, persistence.ErrInstanceExists) {
		return queued, err
	}
	existing, err := e.store.GetInstance(ctx, inst.UUID)
	if err != nil {
		return nil, err
	}
	if !existing.Status.In(api.StatusNew, api.StatusQueued) {
		return nil, nil
	}
	return existing, nil
}

// derivedID names an instance created by the current attempt of ec.
func derivedID(ec *api.ExecutionContext, parts ...string) string {
	key := strings.Join(append([]string{ec.Instance().UUID, strconv.Itoa(ec.Attempt())}, parts...), "/")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}
