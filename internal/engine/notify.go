package engine

import (
	"context"

	"github.com/petrijr/conveyor/pkg/api"
)

// processNotify routes a resolved wait back to the instance that registered
// it. Callbacks arriving for an instance that has moved on are dropped.
func (e *Executor) processNotify(ctx context.Context, waitID string) error {
	res, err := e.wn.Resolution(ctx, waitID)
	if err != nil {
		return err
	}
	ec, err := e.loadContext(ctx, res.Callback.InstanceID)
	if err != nil {
		return err
	}
	inst := ec.Instance()
	log := e.logCtx(ctx, inst)

	stale := func(want ...api.ExecutionStatus) bool {
		if inst.Status.In(want...) {
			return false
		}
		log.Debug("stale notify callback dropped", "kind", res.Callback.Kind, "status", inst.Status)
		return true
	}

	switch res.Callback.Kind {
	case api.CallbackAsyncResponse:
		if inst.Status.IsFinal() && !inst.Settled {
			return e.settle(ctx, ec)
		}
		if stale(api.RunningStatuses()...) {
			return nil
		}
		ec, err := withStateParams(ec)
		if err != nil {
			return e.handleExecuteError(ctx, ec, err)
		}
		resp, err := handleAsync(ctx, ec, res.Responses)
		if err != nil {
			return e.handleExecuteError(ctx, ec, err)
		}
		return e.handleExecuteResponse(ctx, ec, resp)

	case api.CallbackDelayedStart:
		switch {
		case inst.Status == api.StatusStarting:
			// Fired before the scheduling worker recorded the park; try later.
			meta := instanceMeta(inst)
			meta["wait_id"] = waitID
			return newError(ErrStateConflict, "delayed start fired before the instance was parked", meta)
		case inst.Status.IsFinal() && !inst.Settled:
			return e.settle(ctx, ec)
		case stale(api.StatusRunning):
			return nil
		}
		if data, _ := inst.CurrentData(); data.WaitID != waitID {
			log.Debug("superseded delayed start dropped", "wait_id", waitID)
			return nil
		}
		return e.startStateExecution(ctx, ec)

	case api.CallbackResume:
		if stale(api.StatusPaused) {
			return nil
		}
		return e.startExecution(ctx, ec)

	case api.CallbackDelayedRetry:
		if stale(api.StatusWaiting) {
			return nil
		}
		_, err := e.RegisterInterrupt(ctx, &api.Interrupt{
			ExecutionUUID:            inst.ExecutionUUID,
			AppID:                    inst.AppID,
			AccountID:                inst.AccountID,
			StateExecutionInstanceID: inst.UUID,
			Type:                     api.InterruptRetry,
		})
		return err

	default:
		meta := instanceMeta(inst)
		meta["kind"] = string(res.Callback.Kind)
		meta["wait_id"] = waitID
		return newError(ErrUnhandledCallback, "", meta)
	}
}

func handleAsync(ctx context.Context, ec *api.ExecutionContext, responses map[string]any) (resp *api.ExecutionResponse, err error) {
	defer recoverInto(&err, "async response handler")
	return ec.State().HandleAsyncResponse(ctx, ec, responses)
}
