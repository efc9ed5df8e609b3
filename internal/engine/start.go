package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

func (e *Executor) processStart(ctx context.Context, instanceID string) error {
	ec, err := e.loadContext(ctx, instanceID)
	if err != nil {
		return err
	}
	inst := ec.Instance()
	switch {
	case len(inst.PendingSpawns) > 0 && inst.Status.In(api.RunningStatuses()...):
		return e.spawnPending(ctx, ec)
	case inst.Status.In(api.StatusNew, api.StatusQueued, api.StatusPaused, api.StatusWaiting):
		return e.startExecution(ctx, ec)
	case inst.Status == api.StatusStarting && waitIntervalOf(ec.State()) > 0:
		// Not parked yet: the state only executes once the delay is over.
		return e.delayStart(ctx, ec, waitIntervalOf(ec.State()))
	case inst.Status.IsFinal() && !inst.Settled:
		return e.settle(ctx, ec)
	default:
		e.logCtx(ctx, inst).Debug("stale start dispatch dropped", "status", inst.Status)
		return nil
	}
}

func waitIntervalOf(state api.State) int {
	if ws, ok := state.(api.WaitIntervalState); ok {
		return ws.WaitInterval()
	}
	return 0
}

// startExecution moves a NEW instance to STARTING, honouring run-wide pauses
// and the state wait interval, and then executes it.
func (e *Executor) startExecution(ctx context.Context, ec *api.ExecutionContext) error {
	inst := ec.Instance()
	interrupts, err := e.store.ListInterrupts(ctx, inst.ExecutionUUID)
	if err != nil {
		return fmt.Errorf("list interrupts: %w", err)
	}
	pauseAll, resumeAll := runInterrupts(interrupts)

	if pauseAll != nil && inst.Status != api.StatusPaused {
		effect := pauseAll.Effect()
		paused, err := e.cas(ctx, ec, persistence.InstanceUpdate{
			Status:          api.StatusPaused,
			AppendInterrupt: &effect,
		}, api.StatusNew, api.StatusQueued)
		if err != nil {
			return err
		}
		if paused {
			_, err := e.wn.WaitForAll(ctx, callback(api.CallbackResume, inst), pauseAll.UUID)
			if err != nil {
				return fmt.Errorf("wait for resume: %w", err)
			}
			e.logCtx(ctx, inst).Info("instance paused by run interrupt", "interrupt_id", pauseAll.UUID)
			return nil
		}
	}

	now := e.now()
	state := ec.State()
	waitInterval := waitIntervalOf(state)

	u := persistence.InstanceUpdate{
		Status: api.StatusStarting,
		StateExecutionData: &api.StateExecutionData{
			StateName: inst.StateName,
			StateType: inst.StateType,
			Status:    api.StatusStarting,
			StartTs:   now,
		},
	}
	if ts, ok := state.(api.TimeoutState); ok && ts.TimeoutMillis() > 0 {
		u.ExpiryTs = now.Add(time.Duration(ts.TimeoutMillis())*time.Millisecond + seconds(waitInterval))
	}
	if inst.Status == api.StatusPaused && resumeAll != nil {
		effect := resumeAll.Effect()
		u.AppendInterrupt = &effect
	}

	ec, err = e.update(ctx, ec, u, api.StatusNew, api.StatusQueued, api.StatusPaused, api.StatusWaiting)
	if err != nil || ec == nil {
		return err
	}

	if waitInterval > 0 {
		return e.delayStart(ctx, ec, waitInterval)
	}
	return e.startStateExecution(ctx, ec)
}

// delayStart parks a STARTING instance as RUNNING until its wait interval
// has elapsed. The timer and its wait are registered first and the wait id
// is recorded with the park, so a start replayed before the park completes
// schedules again and only the recorded wait releases the instance.
func (e *Executor) delayStart(ctx context.Context, ec *api.ExecutionContext, waitInterval int) error {
	inst := ec.Instance()
	cid, err := e.scheduler.ScheduleOnce(ctx, seconds(waitInterval))
	if err != nil {
		return fmt.Errorf("schedule delayed start: %w", err)
	}
	waitID, err := e.wn.WaitForAll(ctx, callback(api.CallbackDelayedStart, inst), cid)
	if err != nil {
		return fmt.Errorf("wait for delayed start: %w", err)
	}

	data, _ := inst.CurrentData()
	data.Status = api.StatusRunning
	data.WaitInterval = waitInterval
	data.WaitID = waitID
	ok, err := e.cas(ctx, ec, persistence.InstanceUpdate{
		Status:             api.StatusRunning,
		StateExecutionData: &data,
	}, api.StatusStarting)
	if err != nil {
		return err
	}
	if !ok {
		e.logCtx(ctx, inst).Debug("delayed start already parked", "wait_id", waitID)
		return nil
	}
	e.logCtx(ctx, inst).Debug("state start delayed", "wait_interval", waitInterval)
	return nil
}

// startStateExecution runs the BEFORE advisors and executes the state.
func (e *Executor) startStateExecution(ctx context.Context, ec *api.ExecutionContext) error {
	inst := ec.Instance()

	ec, err := withStateParams(ec)
	if err != nil {
		return e.handleExecuteError(ctx, ec, err)
	}

	if advice := e.advise(ctx, ec, api.PhaseBeforeExecution); advice != nil {
		return e.handleAdvice(ctx, ec, advice)
	}

	e.observer.OnStateStarted(ctx, inst)
	resp, err := e.executeState(ctx, ec)
	if err != nil {
		return e.handleExecuteError(ctx, ec, err)
	}
	return e.handleExecuteResponse(ctx, ec, resp)
}

// withStateParams binds the state configured with the instance parameters.
func withStateParams(ec *api.ExecutionContext) (*api.ExecutionContext, error) {
	params := ec.Instance().StateParams
	ps, ok := ec.State().(api.ParameterizedState)
	if !ok || len(params) == 0 {
		return ec, nil
	}
	configured, err := ps.WithParams(params)
	if err != nil {
		return ec, fmt.Errorf("apply state params: %w", err)
	}
	return ec.WithState(configured), nil
}

func (e *Executor) executeState(ctx context.Context, ec *api.ExecutionContext) (resp *api.ExecutionResponse, err error) {
	defer recoverInto(&err, "state execute")
	return ec.State().Execute(ctx, ec)
}

func (e *Executor) handleExecuteError(ctx context.Context, ec *api.ExecutionContext, cause error) error {
	e.logCtx(ctx, ec.Instance()).Error("state execution failed", "error", cause)
	return e.handleExecuteResponse(ctx, ec, api.Failed(cause.Error()))
}

// runInterrupts returns the oldest unseen PAUSE_ALL and the newest RESUME_ALL
// of a run.
func runInterrupts(interrupts []*api.Interrupt) (pauseAll, resumeAll *api.Interrupt) {
	for _, in := range interrupts {
		switch in.Type {
		case api.InterruptPauseAll:
			if !in.Seen && pauseAll == nil {
				pauseAll = in
			}
		case api.InterruptResumeAll:
			resumeAll = in
		}
	}
	return pauseAll, resumeAll
}

func callback(kind api.CallbackKind, inst *api.StateExecutionInstance) api.NotifyCallback {
	return api.NotifyCallback{Kind: kind, ExecutionUUID: inst.ExecutionUUID, InstanceID: inst.UUID}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func recoverInto(err *error, what string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %v", what, r)
	}
}
