package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

// RecoveredMessage is recorded on instances failed by Recover.
const RecoveredMessage = "recovered after restart"

// RecoverResult summarizes a Recover pass.
type RecoverResult struct {
	// Redispatched counts NEW and QUEUED instances handed back to the queue.
	Redispatched int
	// Failed counts STARTING instances failed through the normal failure
	// path.
	Failed int
	// Resumed counts instances whose follow-up was interrupted: aborts left
	// in ABORTING, composite parents with children still to spawn and
	// terminal instances whose transition never completed.
	Resumed int
}

// Recover resumes work lost by a crashed process. Instances still NEW or
// QUEUED are dispatched again. Instances stuck in STARTING were being
// executed synchronously and are failed with RecoveredMessage, unless their
// state was still waiting out its start delay. Unfinished aborts, spawns and
// transitions are completed. Parked instances are left to their waits.
func (e *Executor) Recover(ctx context.Context) (RecoverResult, error) {
	var res RecoverResult

	pending, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		Statuses: []api.ExecutionStatus{api.StatusNew, api.StatusQueued},
	})
	if err != nil {
		return res, fmt.Errorf("list pending instances: %w", err)
	}
	for _, inst := range pending {
		if err := e.dispatch(ctx, inst); err != nil {
			return res, err
		}
		res.Redispatched++
	}

	var errs []error
	resume := func(inst *api.StateExecutionInstance, fn func(context.Context, *api.ExecutionContext) error) {
		ec, err := e.newContext(inst)
		if err == nil {
			err = fn(ctx, ec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recover instance %s: %w", inst.UUID, err))
			return
		}
		res.Resumed++
	}

	unfinished, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		Statuses: []api.ExecutionStatus{
			api.StatusRunning, api.StatusPaused, api.StatusAborting,
			api.StatusSuccess, api.StatusFailed, api.StatusError, api.StatusAborted,
		},
	})
	if err != nil {
		return res, fmt.Errorf("list unfinished instances: %w", err)
	}
	for _, inst := range unfinished {
		switch {
		case inst.Status == api.StatusAborting:
			resume(inst, e.abortInstance)
		case len(inst.PendingSpawns) > 0 && inst.Status.In(api.StatusRunning, api.StatusPaused):
			resume(inst, e.spawnPending)
		case inst.Status.IsFinal() && !inst.Settled:
			resume(inst, e.settle)
		}
	}

	starting, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		Statuses: []api.ExecutionStatus{api.StatusStarting},
	})
	if err != nil {
		return res, fmt.Errorf("list starting instances: %w", err)
	}
	for _, inst := range starting {
		if inst.Settled {
			// Moved on by BEFORE advice without executing.
			continue
		}
		ec, err := e.newContext(inst)
		if err == nil {
			if wait := waitIntervalOf(ec.State()); wait > 0 {
				// Never executed; park it as the crashed worker would have.
				resume(inst, func(ctx context.Context, ec *api.ExecutionContext) error {
					return e.delayStart(ctx, ec, wait)
				})
				continue
			}
		}
		if err == nil {
			err = e.handleExecuteResponse(ctx, ec, &api.ExecutionResponse{
				Status:       api.StatusError,
				ErrorMessage: RecoveredMessage,
			})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recover instance %s: %w", inst.UUID, err))
			continue
		}
		res.Failed++
	}

	e.logger.WithContext(ctx).Info("recovery finished",
		"redispatched", res.Redispatched, "failed", res.Failed, "resumed", res.Resumed)
	return res, errors.Join(errs...)
}
