package conveyor

import (
	"context"
	"encoding/gob"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/pkg/api"
)

func init() {
	gob.Register(AsyncResult{})
}

// State types of the built-in states.
const (
	TypeFunc  = "FUNC"
	TypeWait  = "WAIT"
	TypeAsync = "ASYNC"
	TypeFork  = "FORK"
)

// Parameter keys understood by the built-in states.
const (
	ParamWaitInterval  = "wait_interval"
	ParamTimeoutMillis = "timeout_millis"
)

// StateFunc is the body of a FuncState. params holds the defaults of the
// state merged with the parameters stored on the instance. A returned error
// fails the state with its message.
type StateFunc func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (map[string]any, error)

// FuncState runs a function synchronously.
type FuncState struct {
	api.BaseState
	fn     StateFunc
	params map[string]any
}

var _ api.ParameterizedState = (*FuncState)(nil)

// Func returns a synchronous state that succeeds when fn returns nil.
func Func(name string, fn StateFunc) *FuncState {
	if fn == nil {
		panic(fmt.Sprintf("conveyor: state %q has nil function", name))
	}
	return &FuncState{BaseState: api.BaseState{StateName: name, StateType: TypeFunc}, fn: fn}
}

// WithDefaults sets the parameters used when an instance carries none.
func (s *FuncState) WithDefaults(params map[string]any) *FuncState {
	cp := *s
	cp.params = maps.Clone(params)
	return &cp
}

func (s *FuncState) WithParams(params map[string]any) (api.State, error) {
	cp := *s
	cp.params = merge(s.params, params)
	return &cp, nil
}

func (s *FuncState) Execute(ctx context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
	data, err := s.fn(ctx, ec, maps.Clone(s.params))
	if err != nil {
		resp := api.Failed(err.Error())
		resp.Data = data
		return resp, nil
	}
	return &api.ExecutionResponse{Status: api.StatusSuccess, Data: data}, nil
}

// WaitState succeeds once its wait interval has elapsed.
type WaitState struct {
	api.BaseState
	seconds int
}

var (
	_ api.WaitIntervalState  = (*WaitState)(nil)
	_ api.ParameterizedState = (*WaitState)(nil)
)

// Wait returns a state that delays the run by seconds.
func Wait(name string, seconds int) *WaitState {
	return &WaitState{BaseState: api.BaseState{StateName: name, StateType: TypeWait}, seconds: seconds}
}

func (s *WaitState) WaitInterval() int { return s.seconds }

// WithParams reads ParamWaitInterval, in seconds.
func (s *WaitState) WithParams(params map[string]any) (api.State, error) {
	cp := *s
	if v, ok := params[ParamWaitInterval]; ok {
		n, err := intParam(ParamWaitInterval, v)
		if err != nil {
			return nil, err
		}
		cp.seconds = n
	}
	return &cp, nil
}

func (s *WaitState) Execute(ctx context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
	return &api.ExecutionResponse{
		Status: api.StatusSuccess,
		Data:   map[string]any{"waited_seconds": s.seconds},
	}, nil
}

// AsyncResult is the response to notify on a correlation id handed out by
// an AsyncState.
type AsyncResult struct {
	Status       api.ExecutionStatus
	ErrorMessage string
	Data         map[string]any
}

// AsyncHandle describes the remote work started by an AsyncState.
type AsyncHandle struct {
	CorrelationIDs []string
	// DelegateTaskID is cancelled through the DelegateService on abort.
	DelegateTaskID string
	Data           map[string]any
}

// AsyncStart starts remote work and returns the ids it will be completed on.
type AsyncStart func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (*AsyncHandle, error)

// AsyncComplete turns the responses of all correlation ids into an outcome.
type AsyncComplete func(ctx context.Context, ec *api.ExecutionContext, responses map[string]any) (*api.ExecutionResponse, error)

// AsyncState hands work to another system and completes once every
// correlation id was notified.
type AsyncState struct {
	api.BaseState
	start    AsyncStart
	complete AsyncComplete
	onAbort  func(ctx context.Context, ec *api.ExecutionContext)
	timeout  time.Duration
	params   map[string]any
}

var (
	_ api.TimeoutState       = (*AsyncState)(nil)
	_ api.ParameterizedState = (*AsyncState)(nil)
)

// Async returns an async state. A nil complete uses JoinResults.
func Async(name string, start AsyncStart, complete AsyncComplete) *AsyncState {
	if start == nil {
		panic(fmt.Sprintf("conveyor: state %q has nil start function", name))
	}
	if complete == nil {
		complete = JoinResults
	}
	return &AsyncState{
		BaseState: api.BaseState{StateName: name, StateType: TypeAsync},
		start:     start,
		complete:  complete,
	}
}

// WithTimeout sets the timeout used for the instance expiry.
func (s *AsyncState) WithTimeout(d time.Duration) *AsyncState {
	cp := *s
	cp.timeout = d
	return &cp
}

// OnAbort sets a hook run while the instance is aborted. It must not block.
func (s *AsyncState) OnAbort(fn func(ctx context.Context, ec *api.ExecutionContext)) *AsyncState {
	cp := *s
	cp.onAbort = fn
	return &cp
}

func (s *AsyncState) TimeoutMillis() int64 { return s.timeout.Milliseconds() }

// WithParams reads ParamTimeoutMillis and hands everything to the start
// function.
func (s *AsyncState) WithParams(params map[string]any) (api.State, error) {
	cp := *s
	if v, ok := params[ParamTimeoutMillis]; ok {
		n, err := intParam(ParamTimeoutMillis, v)
		if err != nil {
			return nil, err
		}
		cp.timeout = time.Duration(n) * time.Millisecond
	}
	cp.params = merge(s.params, params)
	return &cp, nil
}

func (s *AsyncState) Execute(ctx context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
	h, err := s.start(ctx, ec, maps.Clone(s.params))
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &AsyncHandle{}
	}
	resp := api.Async(h.CorrelationIDs...)
	resp.DelegateTaskID = h.DelegateTaskID
	resp.Data = h.Data
	return resp, nil
}

func (s *AsyncState) HandleAsyncResponse(ctx context.Context, ec *api.ExecutionContext, responses map[string]any) (*api.ExecutionResponse, error) {
	return s.complete(ctx, ec, responses)
}

func (s *AsyncState) HandleAbortEvent(ctx context.Context, ec *api.ExecutionContext) {
	if s.onAbort != nil {
		s.onAbort(ctx, ec)
	}
}

// JoinResults succeeds when every response succeeded. An ABORTED response
// aborts the state, otherwise the first failure fails it. Data of all
// responses is merged.
func JoinResults(_ context.Context, _ *api.ExecutionContext, responses map[string]any) (*api.ExecutionResponse, error) {
	resp := &api.ExecutionResponse{Status: api.StatusSuccess}
	for _, id := range slices.Sorted(maps.Keys(responses)) {
		status, msg, data := outcome(responses[id])
		resp.Data = merge(resp.Data, data)
		switch {
		case status == api.StatusAborted:
			resp.Status = api.StatusAborted
			resp.ErrorMessage = msg
		case status != api.StatusSuccess && resp.Status == api.StatusSuccess:
			resp.Status = api.StatusFailed
			resp.ErrorMessage = msg
		}
	}
	return resp, nil
}

func outcome(r any) (api.ExecutionStatus, string, map[string]any) {
	switch v := r.(type) {
	case AsyncResult:
		if v.Status == "" {
			v.Status = api.StatusSuccess
		}
		return v.Status, v.ErrorMessage, v.Data
	case api.ChildResponse:
		return v.Status, v.ErrorMessage, nil
	case api.TimerFired:
		return api.StatusSuccess, "", nil
	default:
		return api.StatusFailed, fmt.Sprintf("unexpected response %T", r), nil
	}
}

// ForkState runs child graphs in parallel and joins on their completion.
// Notify elements of the children are pushed onto the parent context.
type ForkState struct {
	api.BaseState
	children []string
}

// Fork returns a state that spawns one instance per child graph id.
func Fork(name string, childIDs ...string) *ForkState {
	return &ForkState{
		BaseState: api.BaseState{StateName: name, StateType: TypeFork},
		children:  append([]string(nil), childIDs...),
	}
}

func (s *ForkState) Execute(ctx context.Context, ec *api.ExecutionContext) (*api.ExecutionResponse, error) {
	resp := api.Async()
	for _, id := range s.children {
		cid := uuid.NewString()
		resp.CorrelationIDs = append(resp.CorrelationIDs, cid)
		resp.Spawned = append(resp.Spawned, ec.Instance().ChildTemplate(id, cid))
	}
	if len(resp.CorrelationIDs) == 0 {
		return api.Sync(api.StatusSuccess), nil
	}
	return resp, nil
}

func (s *ForkState) HandleAsyncResponse(ctx context.Context, ec *api.ExecutionContext, responses map[string]any) (*api.ExecutionResponse, error) {
	resp, err := JoinResults(ctx, ec, responses)
	if err != nil {
		return nil, err
	}
	for _, id := range slices.Sorted(maps.Keys(responses)) {
		if child, ok := responses[id].(api.ChildResponse); ok {
			resp.ContextElements = append(resp.ContextElements, child.NotifyElements...)
		}
	}
	return resp, nil
}

func merge(base, over map[string]any) map[string]any {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(over))
	}
	maps.Copy(out, over)
	return out
}

func intParam(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("parse %s: unsupported type %T", key, v)
	}
}
