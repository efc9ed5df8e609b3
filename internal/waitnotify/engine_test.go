package waitnotify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/petrijr/conveyor/pkg/api"
)

type firedRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *firedRecorder) hook(_ context.Context, waitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, waitID)
	return nil
}

func (r *firedRecorder) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newTestEngine(t *testing.T) (*Engine, *firedRecorder) {
	t.Helper()
	rec := &firedRecorder{}
	e := New(NewInMemoryStore())
	e.OnResolved(rec.hook)
	return e, rec
}

func TestEngine_FiresWhenAllIDsNotified(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()
	cb := api.NotifyCallback{Kind: api.CallbackAsyncResponse, InstanceID: "i-1"}

	waitID, err := e.WaitForAll(ctx, cb, "a", "b")
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	if err := e.Notify(ctx, "a", "done-a"); err != nil {
		t.Fatalf("Notify a: %v", err)
	}
	if len(rec.fired()) != 0 {
		t.Fatalf("wait fired before all ids were notified")
	}
	if err := e.Notify(ctx, "b", "done-b"); err != nil {
		t.Fatalf("Notify b: %v", err)
	}

	fired := rec.fired()
	if len(fired) != 1 || fired[0] != waitID {
		t.Fatalf("fired = %v, want [%s]", fired, waitID)
	}

	res, err := e.Resolution(ctx, waitID)
	if err != nil {
		t.Fatalf("Resolution: %v", err)
	}
	if res.Callback != cb {
		t.Fatalf("callback = %+v, want %+v", res.Callback, cb)
	}
	if res.Responses["a"] != "done-a" || res.Responses["b"] != "done-b" {
		t.Fatalf("responses = %+v", res.Responses)
	}
}

func TestEngine_NotifyBeforeWait(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()

	if err := e.Notify(ctx, "early", api.ChildResponse{InstanceID: "c-1", Status: api.StatusSuccess}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitID, err := e.WaitForAll(ctx, api.NotifyCallback{Kind: api.CallbackResume}, "early")
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	if got := rec.fired(); len(got) != 1 || got[0] != waitID {
		t.Fatalf("fired = %v, want [%s]", got, waitID)
	}

	res, err := e.Resolution(ctx, waitID)
	if err != nil {
		t.Fatalf("Resolution: %v", err)
	}
	child, ok := res.Responses["early"].(api.ChildResponse)
	if !ok {
		t.Fatalf("response type = %T, want api.ChildResponse", res.Responses["early"])
	}
	if child.Status != api.StatusSuccess {
		t.Fatalf("child status = %s", child.Status)
	}
}

func TestEngine_DuplicateNotifyIsIgnored(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()

	waitID, err := e.WaitForAll(ctx, api.NotifyCallback{Kind: api.CallbackAsyncResponse}, "x")
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := e.Notify(ctx, "x", i); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	if got := rec.fired(); len(got) != 1 {
		t.Fatalf("expected a single firing, got %v", got)
	}
	res, err := e.Resolution(ctx, waitID)
	if err != nil {
		t.Fatalf("Resolution: %v", err)
	}
	if res.Responses["x"] != 0 {
		t.Fatalf("first response must be kept, got %v", res.Responses["x"])
	}
}

func TestEngine_EmptyWaitFiresImmediately(t *testing.T) {
	e, rec := newTestEngine(t)
	waitID, err := e.WaitForAll(context.Background(), api.NotifyCallback{Kind: api.CallbackDelayedStart})
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	if got := rec.fired(); len(got) != 1 || got[0] != waitID {
		t.Fatalf("fired = %v", got)
	}
}

func TestEngine_ConcurrentNotifiersFireOnce(t *testing.T) {
	e := New(NewInMemoryStore())
	var count atomic.Int32
	e.OnResolved(func(context.Context, string) error {
		count.Add(1)
		return nil
	})
	ctx := context.Background()

	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6"}
	if _, err := e.WaitForAll(ctx, api.NotifyCallback{Kind: api.CallbackAsyncResponse}, ids...); err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = e.Notify(ctx, id, id)
		}(id)
	}
	wg.Wait()

	if got := count.Load(); got != 1 {
		t.Fatalf("resolved hook ran %d times, want 1", got)
	}
}
