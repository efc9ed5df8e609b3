package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

// handleExecuteResponse records the outcome of Execute or
// HandleAsyncResponse and decides the next transition.
func (e *Executor) handleExecuteResponse(ctx context.Context, ec *api.ExecutionContext, resp *api.ExecutionResponse) error {
	if resp == nil {
		resp = api.Sync(api.StatusSuccess)
	}
	if resp.Async && len(resp.CorrelationIDs) == 0 {
		cause := newError(ErrInvalidAsyncResponse, "", instanceMeta(ec.Instance()))
		e.logCtx(ctx, ec.Instance()).Error("invalid async response", "code", ErrCodeInvalidAsyncResponse)
		resp = &api.ExecutionResponse{
			Status:          api.StatusError,
			ErrorMessage:    cause.Error(),
			ContextElements: resp.ContextElements,
			NotifyElements:  resp.NotifyElements,
			Data:            resp.Data,
		}
	}
	if resp.Async {
		return e.handleAsyncResponse(ctx, ec, resp)
	}
	return e.handleSyncResponse(ctx, ec, resp)
}

func (e *Executor) handleAsyncResponse(ctx context.Context, ec *api.ExecutionContext, resp *api.ExecutionResponse) error {
	inst := ec.Instance()
	if _, err := e.wn.WaitForAll(ctx, callback(api.CallbackAsyncResponse, inst), resp.CorrelationIDs...); err != nil {
		return fmt.Errorf("wait for async response: %w", err)
	}

	status := api.StatusRunning
	if resp.Status == api.StatusPaused {
		status = api.StatusPaused
	}
	data := mergeData(inst, status, resp)
	u := persistence.InstanceUpdate{
		Status:              status,
		StateExecutionData:  &data,
		PushContextElements: resp.ContextElements,
		SetNotifyElements:   resp.NotifyElements != nil,
		NotifyElements:      resp.NotifyElements,
		DelegateTaskID:      resp.DelegateTaskID,
		SetPendingSpawns:    len(resp.Spawned) > 0,
		PendingSpawns:       resp.Spawned,
	}
	ok, err := e.cas(ctx, ec, u, api.RunningStatuses()...)
	if err != nil {
		return err
	}
	if !ok {
		// The wait already resolved and a faster worker recorded the outcome.
		e.logCtx(ctx, inst).Debug("async park skipped, instance moved on")
		return nil
	}

	if len(resp.Spawned) == 0 {
		return nil
	}
	parent, err := e.reload(ctx, ec)
	if err != nil {
		return err
	}
	return e.spawnPending(ctx, parent)
}

func (e *Executor) handleSyncResponse(ctx context.Context, ec *api.ExecutionContext, resp *api.ExecutionResponse) error {
	inst := ec.Instance()
	status := resp.Status
	switch {
	case status == "":
		status = api.StatusSuccess
	case !status.IsFinal():
		e.logCtx(ctx, inst).Warn("sync response with non terminal status", "status", status)
		status = api.StatusError
	}

	data := mergeData(inst, status, resp)
	data.ErrorMsg = resp.ErrorMessage
	data.EndTs = e.now()
	u := persistence.InstanceUpdate{
		Status:              status,
		StateExecutionData:  &data,
		PushContextElements: resp.ContextElements,
		SetNotifyElements:   resp.NotifyElements != nil,
		NotifyElements:      resp.NotifyElements,
	}
	ec, err := e.update(ctx, ec, u, api.RunningStatuses()...)
	if err != nil || ec == nil {
		return err
	}
	e.observer.OnStateCompleted(ctx, ec.Instance(), status, data.EndTs.Sub(data.StartTs))
	return e.transition(ctx, ec)
}

// mergeData returns the current execution data of inst updated with the
// outcome in resp.
func mergeData(inst *api.StateExecutionInstance, status api.ExecutionStatus, resp *api.ExecutionResponse) api.StateExecutionData {
	data, ok := inst.CurrentData()
	if !ok {
		data = api.StateExecutionData{StateName: inst.StateName, StateType: inst.StateType, StartTs: inst.StartTs}
	}
	data.Status = status
	if len(resp.Data) > 0 {
		merged := maps.Clone(data.Data)
		if merged == nil {
			merged = make(map[string]any, len(resp.Data))
		}
		maps.Copy(merged, resp.Data)
		data.Data = merged
	}
	return data
}

// advise consults the advisors of the instance in order. The last non-nil
// advice wins; advisor errors are logged and skipped.
func (e *Executor) advise(ctx context.Context, ec *api.ExecutionContext, phase api.ExecutionEventPhase) *api.ExecutionEventAdvice {
	inst := ec.Instance()
	var advice *api.ExecutionEventAdvice
	for _, name := range inst.ExecutionEventAdvisors {
		adv, ok := e.advisors.Get(name)
		if !ok {
			e.logCtx(ctx, inst).Warn("unknown advisor", "advisor", name, "known", e.advisors.Names())
			continue
		}
		got, err := consult(ctx, adv, api.ExecutionEvent{Context: ec, State: ec.State(), Phase: phase})
		if err != nil {
			e.logCtx(ctx, inst).Error("advisor failed", "advisor", name, "phase", phase, "error", err)
			continue
		}
		if got != nil {
			advice = got
		}
	}
	return advice
}

func consult(ctx context.Context, adv api.ExecutionEventAdvisor, ev api.ExecutionEvent) (advice *api.ExecutionEventAdvice, err error) {
	defer recoverInto(&err, "advisor")
	return adv.OnExecutionEvent(ctx, ev)
}
