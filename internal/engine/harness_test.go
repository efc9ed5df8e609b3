package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/internal/scheduler"
	"github.com/petrijr/conveyor/internal/taskqueue"
	"github.com/petrijr/conveyor/internal/waitnotify"
	"github.com/petrijr/conveyor/pkg/api"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingDelegate struct {
	mu      sync.Mutex
	aborted []string
	fail    int
}

func (d *recordingDelegate) AbortTask(_ context.Context, _ string, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return errors.New("delegate unavailable")
	}
	d.aborted = append(d.aborted, taskID)
	return nil
}

func (d *recordingDelegate) tasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string(nil), d.aborted...)
	sort.Strings(out)
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []api.Alert
}

func (a *recordingAlerts) OpenAlert(_ context.Context, alert api.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type callbackCall struct {
	status api.ExecutionStatus
	err    error
}

type recordingCallback struct {
	mu    sync.Mutex
	calls []callbackCall
}

func (c *recordingCallback) Callback(_ context.Context, _ *api.ExecutionContext, status api.ExecutionStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, callbackCall{status: status, err: err})
}

func (c *recordingCallback) snapshot() []callbackCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]callbackCall(nil), c.calls...)
}

type interruptRecorder struct {
	api.NoopObserver
	mu       sync.Mutex
	affected map[api.InterruptType]int
}

func (o *interruptRecorder) OnInterrupt(_ context.Context, in *api.Interrupt, affected int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.affected == nil {
		o.affected = make(map[api.InterruptType]int)
	}
	o.affected[in.Type] += affected
}

func (o *interruptRecorder) get(t api.InterruptType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.affected[t]
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	exec      *Executor
	store     *persistence.InMemoryStore
	queue     *taskqueue.InMemoryQueue
	waits     *waitnotify.Engine
	timers    *scheduler.Scheduler
	clock     *fakeClock
	metrics   *api.BasicMetrics
	delegate  *recordingDelegate
	alerts    *recordingAlerts
	callback  *recordingCallback
	interrupt *interruptRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets wrap replace collaborators in the executor config,
// typically with fault injecting wrappers around the harness ones.
func newHarnessWith(t *testing.T, wrap func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     persistence.NewInMemoryStore(),
		queue:     taskqueue.NewInMemoryQueue(),
		clock:     &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		metrics:   &api.BasicMetrics{},
		delegate:  &recordingDelegate{},
		alerts:    &recordingAlerts{},
		callback:  &recordingCallback{},
		interrupt: &interruptRecorder{},
	}
	h.waits = waitnotify.New(waitnotify.NewInMemoryStore(), waitnotify.WithClock(h.clock.Now))
	h.timers = scheduler.New(scheduler.NewInMemoryTimerStore(), h.waits, scheduler.WithClock(h.clock.Now))

	cfg := Config{
		Store:            h.store,
		Queue:            h.queue,
		WaitNotify:       h.waits,
		Scheduler:        h.timers,
		Delegate:         h.delegate,
		Alerts:           h.alerts,
		Observer:         api.NewCompositeObserver(h.metrics, h.interrupt),
		Clock:            h.clock.Now,
		AbortTaskBackoff: time.Millisecond,
	}
	if wrap != nil {
		wrap(&cfg)
	}
	exec, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.waits.OnResolved(exec.HandleResolved)
	if err := exec.RegisterCallback("record", h.callback); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}
	h.exec = exec
	return h
}

// step processes one queued task. It reports false when the queue is empty.
func (h *harness) step() (*taskqueue.Task, bool, error) {
	h.t.Helper()
	task, err := h.queue.TryDequeue(h.ctx)
	if err != nil {
		h.t.Fatalf("TryDequeue: %v", err)
	}
	if task == nil {
		return nil, false, nil
	}
	return task, true, h.exec.Process(h.ctx, task)
}

// drain processes tasks until the queue is empty and fails on any error.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 10_000; i++ {
		task, ok, err := h.step()
		if !ok {
			return
		}
		if err != nil {
			h.t.Fatalf("Process(%s): %v", task.Kind, err)
		}
	}
	h.t.Fatalf("queue did not drain")
}

// advance moves the clock, fires due timers and drains.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	if _, err := h.timers.FireDue(h.ctx); err != nil {
		h.t.Fatalf("FireDue: %v", err)
	}
	h.drain()
}

func (h *harness) run(sm *api.StateMachine, opts ExecuteOptions) *api.StateExecutionInstance {
	h.t.Helper()
	if opts.Callback == "" {
		opts.Callback = "record"
	}
	root, err := h.exec.Execute(h.ctx, sm, nil, opts)
	if err != nil {
		h.t.Fatalf("Execute: %v", err)
	}
	return root
}

func (h *harness) instances(executionUUID string) []*api.StateExecutionInstance {
	h.t.Helper()
	out, err := h.exec.ListInstances(h.ctx, executionUUID)
	if err != nil {
		h.t.Fatalf("ListInstances: %v", err)
	}
	return out
}

func (h *harness) get(id string) *api.StateExecutionInstance {
	h.t.Helper()
	inst, err := h.exec.GetInstance(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetInstance(%s): %v", id, err)
	}
	return inst
}

// byState returns the latest instance of a run for state.
func (h *harness) byState(executionUUID, state string) *api.StateExecutionInstance {
	h.t.Helper()
	var found *api.StateExecutionInstance
	for _, inst := range h.instances(executionUUID) {
		if inst.StateName == state {
			found = inst
		}
	}
	if found == nil {
		h.t.Fatalf("no instance for state %q", state)
	}
	return found
}

func (h *harness) interruptRun(executionUUID string, typ api.InterruptType, instanceID string) {
	h.t.Helper()
	_, err := h.exec.RegisterInterrupt(h.ctx, &api.Interrupt{
		ExecutionUUID:            executionUUID,
		StateExecutionInstanceID: instanceID,
		Type:                     typ,
	})
	if err != nil {
		h.t.Fatalf("RegisterInterrupt(%s): %v", typ, err)
	}
}

func (h *harness) wantStatus(id string, want api.ExecutionStatus) *api.StateExecutionInstance {
	h.t.Helper()
	inst := h.get(id)
	if inst.Status != want {
		h.t.Fatalf("instance %s (%s) status = %s, want %s", id, inst.StateName, inst.Status, want)
	}
	return inst
}

func (h *harness) wantCallback(want api.ExecutionStatus) callbackCall {
	h.t.Helper()
	calls := h.callback.snapshot()
	if len(calls) != 1 {
		h.t.Fatalf("callback calls = %d, want 1", len(calls))
	}
	if calls[0].status != want {
		h.t.Fatalf("callback status = %s, want %s", calls[0].status, want)
	}
	return calls[0]
}

// testState is a configurable state. Run defaults to success.
type testState struct {
	api.BaseState
	run     func(ctx context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error)
	onAsync func(ctx context.Context, ec *api.ExecutionContext, responses map[string]any) (*api.ExecutionResponse, error)
	wait    int
	timeout int64

	executions atomic.Int32
	asyncCalls atomic.Int32
	aborts     atomic.Int32
}

func newState(name string) *testState {
	return &testState{BaseState: api.BaseState{StateName: name, StateType: "TEST"}}
}

func succeeding(name string) *testState { return newState(name) }

func failing(name, msg string) *testState {
	s := newState(name)
	s.run = func(context.Context, *api.ExecutionContext) (*api.ExecutionResponse, error) {
		return api.Failed(msg), nil
	}
	return s
}

// flaky fails the first n attempts and then succeeds.
func flaky(name string, n int) *testState {
	s := newState(name)
	s.run = func(_ context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
		if ec.Attempt() <= n {
			return api.Failed("flaky"), nil
		}
		return api.Sync(api.StatusSuccess), nil
	}
	return s
}

// hanging parks on a correlation id nobody notifies.
func hanging(name string) *testState {
	s := newState(name)
	s.run = func(context.Context, *api.ExecutionContext) (*api.ExecutionResponse, error) {
		resp := api.Async(uuid.NewString())
		resp.DelegateTaskID = "task-" + name
		return resp, nil
	}
	return s
}

func (s *testState) Execute(ctx context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
	s.executions.Add(1)
	if s.run == nil {
		return api.Sync(api.StatusSuccess), nil
	}
	return s.run(ctx, ec)
}

func (s *testState) HandleAsyncResponse(ctx context.Context, ec *api.ExecutionContext, responses map[string]any) (*api.ExecutionResponse, error) {
	s.asyncCalls.Add(1)
	if s.onAsync == nil {
		return api.Sync(api.StatusSuccess), nil
	}
	return s.onAsync(ctx, ec, responses)
}

func (s *testState) HandleAbortEvent(context.Context, *api.ExecutionContext) {
	s.aborts.Add(1)
}

func (s *testState) WaitInterval() int { return s.wait }

func (s *testState) TimeoutMillis() int64 { return s.timeout }

// forkState spawns one child lineage per child graph and joins on them.
type forkState struct {
	api.BaseState
	children []string
}

func (f *forkState) Execute(_ context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
	resp := &api.ExecutionResponse{Status: api.StatusRunning, Async: true}
	for _, id := range f.children {
		cid := uuid.NewString()
		resp.CorrelationIDs = append(resp.CorrelationIDs, cid)
		resp.Spawned = append(resp.Spawned, ec.Instance().ChildTemplate(id, cid))
	}
	return resp, nil
}

func (f *forkState) HandleAsyncResponse(_ context.Context, _ *api.ExecutionContext, responses map[string]any) (*api.ExecutionResponse, error) {
	status := api.StatusSuccess
	for _, r := range responses {
		child, ok := r.(api.ChildResponse)
		if !ok {
			return api.Failed("unexpected child response"), nil
		}
		switch {
		case child.Status == api.StatusAborted:
			status = api.StatusAborted
		case child.Status != api.StatusSuccess && status == api.StatusSuccess:
			status = api.StatusFailed
		}
	}
	return api.Sync(status), nil
}

func mustMachine(t *testing.T, def api.StateMachineDefinition) *api.StateMachine {
	t.Helper()
	sm, err := api.NewStateMachine(def)
	if err != nil {
		t.Fatalf("NewStateMachine: %v", err)
	}
	return sm
}

func hasInterrupt(inst *api.StateExecutionInstance, typ api.InterruptType) bool {
	for _, e := range inst.InterruptHistory {
		if e.Type == typ {
			return true
		}
	}
	return false
}
