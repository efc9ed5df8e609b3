package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryTimerStore keeps timers in process memory.
type InMemoryTimerStore struct {
	mu     sync.Mutex
	timers map[string]Timer
}

var _ TimerStore = (*InMemoryTimerStore)(nil)

// NewInMemoryTimerStore creates an empty timer store.
func NewInMemoryTimerStore() *InMemoryTimerStore {
	return &InMemoryTimerStore{timers: make(map[string]Timer)}
}

func (s *InMemoryTimerStore) SaveTimer(ctx context.Context, t Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.ID] = t
	return nil
}

func (s *InMemoryTimerStore) Due(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Timer
	for _, t := range s.timers {
		if !t.DueAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryTimerStore) DeleteTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	return nil
}

func (s *InMemoryTimerStore) Pending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers), nil
}
