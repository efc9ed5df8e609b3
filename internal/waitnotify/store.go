package waitnotify

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/conveyor/pkg/api"
)

// ErrWaitNotFound is returned when a wait id is unknown.
var ErrWaitNotFound = errors.New("wait not found")

// Wait is a registered wait on a set of correlation ids.
type Wait struct {
	ID             string
	Callback       api.NotifyCallback
	CorrelationIDs []string
	Fired          bool
	CreatedAt      time.Time
}

// Store persists waits and notify responses.
//
// SaveResponse and MarkFired are first-writer-wins: the engine relies on
// them to keep each response and each firing unique across processes.
type Store interface {
	SaveWait(ctx context.Context, w *Wait) error
	GetWait(ctx context.Context, id string) (*Wait, error)

	// WaitsFor returns the ids of unfired waits that include correlationID.
	WaitsFor(ctx context.Context, correlationID string) ([]string, error)

	// MarkFired flips a wait to fired. It reports false when the wait had
	// already fired.
	MarkFired(ctx context.Context, id string) (bool, error)

	// SaveResponse stores the response for correlationID. It reports false
	// when a response was already stored; the first one is kept.
	SaveResponse(ctx context.Context, correlationID string, payload []byte) (bool, error)

	// Responses returns the stored responses for the given ids. Ids without
	// a response are absent from the map.
	Responses(ctx context.Context, correlationIDs []string) (map[string][]byte, error)
}
