package scheduler

import (
	"context"
	"time"
)

// Timer is a pending one-shot wake-up. Its id is the correlation id
// notified when it fires.
type Timer struct {
	ID    string
	DueAt time.Time
}

// TimerStore persists pending timers.
type TimerStore interface {
	SaveTimer(ctx context.Context, t Timer) error
	// Due returns up to limit timers with DueAt <= now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Timer, error)
	// DeleteTimer removes a fired timer. Deleting an unknown id is not an
	// error.
	DeleteTimer(ctx context.Context, id string) error
	// Pending returns the number of timers not yet fired.
	Pending(ctx context.Context) (int, error)
}
