package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

// handleAdvice applies an advisor decision in place of the default
// transition.
func (e *Executor) handleAdvice(ctx context.Context, ec *api.ExecutionContext, advice *api.ExecutionEventAdvice) error {
	inst := ec.Instance()
	e.logCtx(ctx, inst).Debug("applying advice", "advice", advice.Type)

	switch advice.Type {
	case api.AdviceMarkFailed:
		if inst.Status != api.StatusFailed {
			from := append(api.RunningStatuses(), api.StatusSuccess, api.StatusError)
			var err error
			ec, err = e.markStatus(ctx, ec, api.StatusFailed, from...)
			if err != nil || ec == nil {
				return err
			}
		}
		return e.failedTransition(ctx, ec)

	case api.AdviceMarkSuccess:
		if inst.Status != api.StatusSuccess {
			from := append(api.RunningStatuses(), api.StatusWaiting, api.StatusFailed, api.StatusError)
			var err error
			ec, err = e.markStatus(ctx, ec, api.StatusSuccess, from...)
			if err != nil || ec == nil {
				return err
			}
		}
		return e.successTransition(ctx, ec)

	case api.AdviceIgnore:
		return e.successTransition(ctx, ec)

	case api.AdviceAbort:
		return e.endTransition(ctx, ec, api.StatusAborted)

	case api.AdvicePause:
		return e.pause(ctx, ec, advice.StateParams, api.StatusError, api.StatusFailed, api.StatusStarting)

	case api.AdviceNextStep, api.AdviceRollback:
		if advice.NextStateName == "" {
			meta := instanceMeta(inst)
			meta["advice"] = string(advice.Type)
			return newError(ErrInvalidAdvice, "advice requires a next state name", meta)
		}
		t := target{
			StateName:           advice.NextStateName,
			ChildStateMachineID: advice.NextChildStateMachineID,
			DisplayName:         advice.NextStateDisplayName,
			StateParams:         advice.StateParams,
		}
		if advice.Type == api.AdviceRollback {
			t.Rollback = true
			t.RollbackPhaseName = advice.RollbackPhaseName
		}
		return e.clone(ctx, ec, t)

	case api.AdviceRollbackDone:
		return e.endTransition(ctx, ec, api.StatusFailed)

	case api.AdviceRetry:
		return e.retry(ctx, ec, advice)

	case api.AdviceEndExecution:
		status := inst.Status
		if !status.IsFinal() {
			status = api.StatusAborted
		}
		return e.endTransition(ctx, ec, status)

	default:
		meta := instanceMeta(inst)
		meta["advice"] = string(advice.Type)
		return newError(ErrUnhandledAdvice, "", meta)
	}
}

// markStatus overrides the recorded outcome of the current state.
func (e *Executor) markStatus(ctx context.Context, ec *api.ExecutionContext, status api.ExecutionStatus, from ...api.ExecutionStatus) (*api.ExecutionContext, error) {
	data, ok := ec.Instance().CurrentData()
	u := persistence.InstanceUpdate{Status: status}
	if ok {
		data.Status = status
		if data.EndTs.IsZero() {
			data.EndTs = e.now()
		}
		u.StateExecutionData = &data
	}
	return e.update(ctx, ec, u, from...)
}

// retry re-runs the current state. The instance is parked as WAITING, until
// the delay has elapsed when the advice carries one; the retry itself is
// always applied through a RETRY interrupt.
func (e *Executor) retry(ctx context.Context, ec *api.ExecutionContext, advice *api.ExecutionEventAdvice) error {
	inst := ec.Instance()

	// Parked first, so a replayed transition does not raise a second retry.
	u := persistence.InstanceUpdate{Status: api.StatusWaiting}
	if advice.StateParams != nil {
		u.SetStateParams = true
		u.StateParams = advice.StateParams
	}
	ok, err := e.cas(ctx, ec, u, api.StatusFailed, api.StatusError, api.StatusStarting)
	if err != nil || !ok {
		return err
	}

	if advice.WaitInterval > 0 {
		cid, err := e.scheduler.ScheduleOnce(ctx, seconds(advice.WaitInterval))
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if _, err := e.wn.WaitForAll(ctx, callback(api.CallbackDelayedRetry, inst), cid); err != nil {
			return fmt.Errorf("wait for delayed retry: %w", err)
		}
		e.logCtx(ctx, inst).Info("retry scheduled", "wait_interval", advice.WaitInterval)
		return nil
	}

	_, err = e.RegisterInterrupt(ctx, &api.Interrupt{
		ExecutionUUID:            inst.ExecutionUUID,
		AppID:                    inst.AppID,
		AccountID:                inst.AccountID,
		StateExecutionInstanceID: inst.UUID,
		Type:                     api.InterruptRetry,
	})
	return err
}
