package engine

import (
	"context"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

// abortInstance finishes an ABORTING instance: it tells the state, cancels
// outstanding delegate work and ends the lineage as ABORTED. An instance
// already ABORTED only has its lineage ended.
func (e *Executor) abortInstance(ctx context.Context, ec *api.ExecutionContext) error {
	inst := ec.Instance()
	if inst.Status == api.StatusAborted {
		return e.endTransition(ctx, ec, api.StatusAborted)
	}
	log := e.logCtx(ctx, inst)

	err := func() (err error) {
		defer recoverInto(&err, "abort hook")
		ec.State().HandleAbortEvent(ctx, ec)
		return nil
	}()
	if err != nil {
		log.Warn("state abort hook failed", "error", err)
	}

	if inst.DelegateTaskID != "" && e.delegate != nil {
		backoff := retry.WithMaxRetries(e.abortRetries, retry.NewConstant(e.abortBackoff))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := e.delegate.AbortTask(ctx, inst.AccountID, inst.DelegateTaskID); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			log.Warn("cancel delegate task failed", "delegate_task_id", inst.DelegateTaskID, "error", err)
		}
	}

	data, _ := inst.CurrentData()
	data.Status = api.StatusAborted
	data.EndTs = e.now()
	ec, err = e.update(ctx, ec, persistence.InstanceUpdate{
		Status:             api.StatusAborted,
		StateExecutionData: &data,
	}, api.StatusAborting)
	if err != nil || ec == nil {
		return err
	}
	log.Info("instance aborted")
	return e.endTransition(ctx, ec, api.StatusAborted)
}
