package engine

import (
	"context"
	"slices"
	"testing"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

func TestRegisterInterrupt_Validates(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		in   *api.Interrupt
		code string
	}{
		{"nil", nil, ErrCodeInvalidInterrupt},
		{"no execution", &api.Interrupt{Type: api.InterruptAbortAll}, ErrCodeInvalidInterrupt},
		{"no instance", &api.Interrupt{ExecutionUUID: "run", Type: api.InterruptRetry}, ErrCodeInvalidInterrupt},
		{"unknown type", &api.Interrupt{ExecutionUUID: "run", Type: "REWIND"}, ErrCodeUnhandledInterrupt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.exec.RegisterInterrupt(h.ctx, tc.in); ErrorCode(err) != tc.code {
				t.Fatalf("err = %v, want %s", err, tc.code)
			}
		})
	}
	if h.queue.Len() != 0 {
		t.Fatalf("rejected interrupts were queued")
	}
}

func forkOf(children ...string) *forkState {
	return &forkState{BaseState: api.BaseState{StateName: "fork", StateType: "FORK"}, children: children}
}

func TestInterrupt_AbortAllAbortsLeavesOnly(t *testing.T) {
	h := newHarness(t)
	h.delegate.fail = 1
	leaves := map[string]*testState{"a": hanging("a-wait"), "b": hanging("b-wait"), "c": hanging("c-wait")}
	var children []api.StateMachineDefinition
	for _, id := range []string{"a", "b", "c"} {
		children = append(children, api.StateMachineDefinition{
			ID: id, InitialState: id + "-wait", States: []api.State{leaves[id]},
		})
	}
	sm := mustMachine(t, api.StateMachineDefinition{
		ID:           "pipeline",
		InitialState: "fork",
		States:       []api.State{forkOf("a", "b", "c")},
		Children:     children,
	})
	root := h.run(sm, ExecuteOptions{})
	h.drain()

	if n := len(h.instances(root.ExecutionUUID)); n != 4 {
		t.Fatalf("instances = %d, want 4", n)
	}
	h.wantStatus(root.UUID, api.StatusRunning)

	h.interruptRun(root.ExecutionUUID, api.InterruptAbortAll, "")
	h.drain()

	for _, inst := range h.instances(root.ExecutionUUID) {
		if inst.UUID == root.UUID {
			continue
		}
		if inst.Status != api.StatusAborted || !hasInterrupt(inst, api.InterruptAbortAll) {
			t.Fatalf("leaf %s = %s, history %+v", inst.StateName, inst.Status, inst.InterruptHistory)
		}
	}
	for id, s := range leaves {
		if s.aborts.Load() != 1 {
			t.Fatalf("leaf %s abort hook calls = %d", id, s.aborts.Load())
		}
	}

	parent := h.wantStatus(root.UUID, api.StatusAborted)
	if hasInterrupt(parent, api.InterruptAbortAll) {
		t.Fatalf("composite parent was part of the abort batch")
	}
	if got := h.interrupt.get(api.InterruptAbortAll); got != 3 {
		t.Fatalf("affected = %d, want 3", got)
	}
	want := []string{"task-a-wait", "task-b-wait", "task-c-wait"}
	if got := h.delegate.tasks(); !slices.Equal(got, want) {
		t.Fatalf("cancelled delegate tasks = %v, want %v", got, want)
	}
	h.wantCallback(api.StatusAborted)
}

func TestInterrupt_AbortQueuedInstance(t *testing.T) {
	h := newHarness(t)
	s := succeeding("deploy")
	sm := mustMachine(t, api.StateMachineDefinition{ID: "p", InitialState: "deploy", States: []api.State{s}})
	root := h.run(sm, ExecuteOptions{})

	h.interruptRun(root.ExecutionUUID, api.InterruptAbort, root.UUID)
	// Run the interrupt ahead of the start task.
	start, _ := h.queue.TryDequeue(h.ctx)
	h.drain()
	if err := h.exec.Process(h.ctx, start); err != nil {
		t.Fatalf("Process start: %v", err)
	}

	h.wantStatus(root.UUID, api.StatusAborted)
	if s.executions.Load() != 0 {
		t.Fatalf("aborted instance executed")
	}
	h.wantCallback(api.StatusAborted)

	in, err := h.store.ListInterrupts(h.ctx, root.ExecutionUUID)
	if err != nil {
		t.Fatalf("ListInterrupts: %v", err)
	}
	if len(in) != 1 || !in[0].Seen {
		t.Fatalf("interrupts = %+v", in)
	}
}

func TestInterrupt_EndExecutionFailsWaiting(t *testing.T) {
	h := newHarness(t)
	sm := mustMachine(t, api.StateMachineDefinition{
		ID:           "pipeline",
		InitialState: "fork",
		States:       []api.State{forkOf("slow", "broken")},
		Children: []api.StateMachineDefinition{
			{ID: "slow", InitialState: "slow-wait", States: []api.State{hanging("slow-wait")}},
			{ID: "broken", InitialState: "broken-deploy", States: []api.State{failing("broken-deploy", "no capacity")}},
		},
	})
	root := h.run(sm, ExecuteOptions{ErrorStrategy: api.ErrorStrategyPause})
	h.drain()
	broken := h.byState(root.ExecutionUUID, "broken-deploy")
	if broken.Status != api.StatusWaiting {
		t.Fatalf("broken status = %s", broken.Status)
	}

	h.interruptRun(root.ExecutionUUID, api.InterruptEndExecution, "")
	h.drain()

	h.wantStatus(h.byState(root.ExecutionUUID, "slow-wait").UUID, api.StatusAborted)
	failed := h.wantStatus(broken.UUID, api.StatusFailed)
	if !hasInterrupt(failed, api.InterruptEndExecution) {
		t.Fatalf("waiting instance history = %+v", failed.InterruptHistory)
	}
	h.wantStatus(root.UUID, api.StatusAborted)
	h.wantCallback(api.StatusAborted)
}

func TestInterrupt_ResumeKeepsFailedAttemptInHistory(t *testing.T) {
	h := newHarness(t)
	s := flaky("deploy", 1)
	root := h.run(chain(t, s), ExecuteOptions{ErrorStrategy: api.ErrorStrategyPause})
	h.drain()
	h.wantStatus(root.UUID, api.StatusWaiting)

	h.interruptRun(root.ExecutionUUID, api.InterruptResume, root.UUID)
	h.drain()

	inst := h.wantStatus(root.UUID, api.StatusSuccess)
	hist := inst.StateExecutionDataHistory
	if len(hist) != 1 || hist[0].Status != api.StatusFailed || hist[0].ErrorMsg != "flaky" {
		t.Fatalf("data history = %+v", hist)
	}
	if s.executions.Load() != 2 {
		t.Fatalf("executions = %d", s.executions.Load())
	}
	h.wantCallback(api.StatusSuccess)
}

func TestInterrupt_RedeliveredMarkSuccessContinues(t *testing.T) {
	h, f := newFaultyHarness(t)
	b := succeeding("b")
	root := h.run(chain(t, failing("a", "boom"), b), ExecuteOptions{ErrorStrategy: api.ErrorStrategyPause})
	h.drain()
	h.wantStatus(root.UUID, api.StatusWaiting)

	f.store.save = failOnce(func(inst *api.StateExecutionInstance) bool { return inst.StateName == "b" })
	h.interruptRun(root.ExecutionUUID, api.InterruptMarkSuccess, root.UUID)
	task := h.stepFails()
	h.wantStatus(root.UUID, api.StatusSuccess)

	h.redeliver(task)
	h.drain()

	if b.executions.Load() != 1 {
		t.Fatalf("b executions = %d", b.executions.Load())
	}
	h.wantCallback(api.StatusSuccess)
}

func TestInterrupt_PauseAllAndResumeAll(t *testing.T) {
	h := newHarness(t)
	s := succeeding("deploy")
	sm := mustMachine(t, api.StateMachineDefinition{ID: "p", InitialState: "deploy", States: []api.State{s}})
	root := h.run(sm, ExecuteOptions{ExecutionUUID: "run-1"})
	h.interruptRun("run-1", api.InterruptPauseAll, "")
	h.drain()

	h.wantStatus(root.UUID, api.StatusPaused)
	if s.executions.Load() != 0 {
		t.Fatalf("paused instance executed")
	}

	h.interruptRun("run-1", api.InterruptResumeAll, "")
	h.drain()

	inst := h.wantStatus(root.UUID, api.StatusSuccess)
	if !hasInterrupt(inst, api.InterruptPauseAll) || !hasInterrupt(inst, api.InterruptResumeAll) {
		t.Fatalf("history = %+v", inst.InterruptHistory)
	}
	if got := h.interrupt.get(api.InterruptResumeAll); got != 1 {
		t.Fatalf("released = %d, want 1", got)
	}
	h.wantCallback(api.StatusSuccess)
}

func TestInterrupt_ResumeSingleInstancePausedByRun(t *testing.T) {
	h := newHarness(t)
	sm := mustMachine(t, api.StateMachineDefinition{ID: "p", InitialState: "deploy", States: []api.State{succeeding("deploy")}})
	root := h.run(sm, ExecuteOptions{ExecutionUUID: "run-2"})
	h.interruptRun("run-2", api.InterruptPauseAll, "")
	h.drain()
	h.wantStatus(root.UUID, api.StatusPaused)

	h.interruptRun("run-2", api.InterruptResume, root.UUID)
	h.drain()
	h.wantStatus(root.UUID, api.StatusSuccess)
}

func TestInterrupt_ResumeLetsPausedAsyncContinue(t *testing.T) {
	h := newHarness(t)
	s := newState("approve")
	s.run = func(context.Context, *api.ExecutionContext) (*api.ExecutionResponse, error) {
		resp := api.Async("approval")
		resp.Status = api.StatusPaused
		return resp, nil
	}
	sm := mustMachine(t, api.StateMachineDefinition{ID: "p", InitialState: "approve", States: []api.State{s}})
	root := h.run(sm, ExecuteOptions{})
	h.drain()
	h.wantStatus(root.UUID, api.StatusPaused)

	h.interruptRun(root.ExecutionUUID, api.InterruptResume, root.UUID)
	h.drain()
	h.wantStatus(root.UUID, api.StatusRunning)

	if err := h.waits.Notify(h.ctx, "approval", true); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	h.drain()
	h.wantStatus(root.UUID, api.StatusSuccess)
}

func TestInterrupt_MarkSuccessAndIgnoreContinue(t *testing.T) {
	for _, typ := range []api.InterruptType{api.InterruptMarkSuccess, api.InterruptIgnore} {
		t.Run(string(typ), func(t *testing.T) {
			h := newHarness(t)
			next := succeeding("verify")
			sm := mustMachine(t, api.StateMachineDefinition{
				ID:                 "p",
				InitialState:       "deploy",
				States:             []api.State{failing("deploy", "flaky probe"), next},
				SuccessTransitions: map[string]string{"deploy": "verify"},
			})
			root := h.run(sm, ExecuteOptions{ErrorStrategy: api.ErrorStrategyPause})
			h.drain()
			h.wantStatus(root.UUID, api.StatusWaiting)

			h.interruptRun(root.ExecutionUUID, typ, root.UUID)
			h.drain()

			inst := h.get(root.UUID)
			if !inst.Status.IsFinal() || !hasInterrupt(inst, typ) {
				t.Fatalf("deploy = %s, history %+v", inst.Status, inst.InterruptHistory)
			}
			if typ == api.InterruptMarkSuccess && inst.Status != api.StatusSuccess {
				t.Fatalf("mark success left status %s", inst.Status)
			}
			if next.executions.Load() != 1 {
				t.Fatalf("verify executions = %d", next.executions.Load())
			}
			h.wantCallback(api.StatusSuccess)
		})
	}
}

func TestInterrupt_OnTerminalInstanceIsNoop(t *testing.T) {
	h := newHarness(t)
	sm := mustMachine(t, api.StateMachineDefinition{ID: "p", InitialState: "deploy", States: []api.State{succeeding("deploy")}})
	root := h.run(sm, ExecuteOptions{})
	h.drain()
	done := h.wantStatus(root.UUID, api.StatusSuccess)

	for _, typ := range []api.InterruptType{api.InterruptRetry, api.InterruptAbort, api.InterruptMarkSuccess, api.InterruptIgnore} {
		h.interruptRun(root.ExecutionUUID, typ, root.UUID)
	}
	h.drain()

	after := h.wantStatus(root.UUID, api.StatusSuccess)
	if after.Version != done.Version {
		t.Fatalf("terminal instance changed by interrupts")
	}
	h.wantCallback(api.StatusSuccess)
}

func TestInterrupt_RetryRestoresNotifyElementsOfPredecessor(t *testing.T) {
	h := newHarness(t)
	first := newState("publish")
	first.run = func(context.Context, *api.ExecutionContext) (*api.ExecutionResponse, error) {
		return &api.ExecutionResponse{
			Status:         api.StatusSuccess,
			NotifyElements: []api.ContextElement{{Name: "version", Value: "1.0"}},
		}, nil
	}
	second := flaky("announce", 1)
	second.run = func(_ context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
		if ec.Attempt() == 1 {
			return &api.ExecutionResponse{
				Status:         api.StatusFailed,
				NotifyElements: []api.ContextElement{{Name: "version", Value: "broken"}},
			}, nil
		}
		return api.Sync(api.StatusSuccess), nil
	}
	sm := mustMachine(t, api.StateMachineDefinition{
		ID:                 "p",
		InitialState:       "publish",
		States:             []api.State{first, second},
		SuccessTransitions: map[string]string{"publish": "announce"},
	})
	root := h.run(sm, ExecuteOptions{ErrorStrategy: api.ErrorStrategyPause})
	h.drain()
	announce := h.byState(root.ExecutionUUID, "announce")
	if announce.Status != api.StatusWaiting || announce.NotifyElements[0].Value != "broken" {
		t.Fatalf("announce = %s %+v", announce.Status, announce.NotifyElements)
	}

	h.interruptRun(root.ExecutionUUID, api.InterruptRetry, announce.UUID)
	h.drain()

	retried := h.wantStatus(announce.UUID, api.StatusSuccess)
	if len(retried.NotifyElements) != 1 || retried.NotifyElements[0].Value != "1.0" {
		t.Fatalf("notify elements = %+v", retried.NotifyElements)
	}
	if len(retried.StateExecutionDataHistory) != 1 || retried.StateExecutionDataHistory[0].Status != api.StatusFailed {
		t.Fatalf("data history = %+v", retried.StateExecutionDataHistory)
	}
}

func TestInterrupt_InstanceFromAnotherRunIsRejected(t *testing.T) {
	h := newHarness(t)
	sm := mustMachine(t, api.StateMachineDefinition{ID: "p", InitialState: "deploy", States: []api.State{hanging("deploy")}})
	root := h.run(sm, ExecuteOptions{})
	h.drain()

	in := &api.Interrupt{ExecutionUUID: "other-run", StateExecutionInstanceID: root.UUID, Type: api.InterruptAbort}
	if _, err := h.exec.RegisterInterrupt(h.ctx, in); err != nil {
		t.Fatalf("RegisterInterrupt: %v", err)
	}
	_, _, err := h.step()
	if ErrorCode(err) != ErrCodeInvalidInterrupt {
		t.Fatalf("err = %v, want %s", err, ErrCodeInvalidInterrupt)
	}
	h.wantStatus(root.UUID, api.StatusRunning)

	// The stored instance is untouched by the rejected interrupt.
	got, err := h.store.ListInstances(h.ctx, persistence.InstanceFilter{ExecutionUUID: root.ExecutionUUID})
	if err != nil || len(got) != 1 || len(got[0].InterruptHistory) != 0 {
		t.Fatalf("instances = %+v, err = %v", got, err)
	}
}
