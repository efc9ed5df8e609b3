// Package waitnotify matches asynchronous completions to waiters.
//
// A wait is registered for a set of correlation ids and fires once, when a
// response has been recorded for every id. Responses may arrive before the
// wait is registered. Firing is first-writer-wins in the store, so the
// resolved hook runs once per wait even with several processes notifying.
package waitnotify

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

// ResolvedFunc is invoked once per wait, after it fired.
type ResolvedFunc func(ctx context.Context, waitID string) error

// Engine is the wait/notify engine. It implements api.WaitNotifyEngine.
type Engine struct {
	store      Store
	onResolved ResolvedFunc
	logger     api.Logger
	now        func() time.Time
}

var _ api.WaitNotifyEngine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the diagnostic logger.
func WithLogger(l api.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the clock used to stamp waits.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Engine on top of store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, logger: api.NopLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnResolved sets the hook called when a wait fires. It must be set before
// the engine is used.
func (e *Engine) OnResolved(fn ResolvedFunc) {
	e.onResolved = fn
}

// WaitForAll registers cb to run once every correlation id was notified.
// A wait with no ids fires immediately.
func (e *Engine) WaitForAll(ctx context.Context, cb api.NotifyCallback, correlationIDs ...string) (string, error) {
	w := &Wait{
		ID:             uuid.NewString(),
		Callback:       cb,
		CorrelationIDs: dedupe(correlationIDs),
		CreatedAt:      e.now(),
	}
	if err := e.store.SaveWait(ctx, w); err != nil {
		return "", fmt.Errorf("save wait: %w", err)
	}
	if err := e.tryFire(ctx, w); err != nil {
		return "", err
	}
	return w.ID, nil
}

// Notify records the response for correlationID and fires every wait that
// becomes complete. A repeated notification for the same id is ignored.
func (e *Engine) Notify(ctx context.Context, correlationID string, response any) error {
	payload, err := persistence.EncodeValue(response)
	if err != nil {
		return fmt.Errorf("encode response for %s: %w", correlationID, err)
	}
	stored, err := e.store.SaveResponse(ctx, correlationID, payload)
	if err != nil {
		return fmt.Errorf("save response for %s: %w", correlationID, err)
	}
	if !stored {
		e.logger.Debug(fmt.Sprintf("duplicate notify for %s ignored", correlationID))
		return nil
	}

	ids, err := e.store.WaitsFor(ctx, correlationID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		w, err := e.store.GetWait(ctx, id)
		if err != nil {
			return err
		}
		if err := e.tryFire(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// Resolution returns a wait with the decoded responses of all of its ids.
func (e *Engine) Resolution(ctx context.Context, waitID string) (*api.Resolution, error) {
	w, err := e.store.GetWait(ctx, waitID)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Responses(ctx, w.CorrelationIDs)
	if err != nil {
		return nil, err
	}
	res := &api.Resolution{
		WaitID:    w.ID,
		Callback:  w.Callback,
		Responses: make(map[string]any, len(raw)),
	}
	for id, payload := range raw {
		v, err := persistence.DecodeValue[any](payload)
		if err != nil {
			return nil, fmt.Errorf("decode response for %s: %w", id, err)
		}
		res.Responses[id] = v
	}
	return res, nil
}

func (e *Engine) tryFire(ctx context.Context, w *Wait) error {
	if w.Fired {
		return nil
	}
	if len(w.CorrelationIDs) > 0 {
		got, err := e.store.Responses(ctx, w.CorrelationIDs)
		if err != nil {
			return err
		}
		if len(got) < len(w.CorrelationIDs) {
			return nil
		}
	}

	fired, err := e.store.MarkFired(ctx, w.ID)
	if err != nil || !fired {
		return err
	}
	if e.onResolved == nil {
		e.logger.Warn(fmt.Sprintf("wait %s fired with no resolved hook", w.ID))
		return nil
	}
	return e.onResolved(ctx, w.ID)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
