package persistence

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/conveyor/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. It hands out
// copies, so callers never observe writes made by others.
type InMemoryStore struct {
	mu         sync.RWMutex
	instances  map[string]*api.StateExecutionInstance
	interrupts map[string]*api.Interrupt
	now        func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances:  make(map[string]*api.StateExecutionInstance),
		interrupts: make(map[string]*api.Interrupt),
		now:        time.Now,
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.StateExecutionInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.UUID]; exists {
		return ErrInstanceExists
	}
	s.instances[inst.UUID] = inst.Copy()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, uuid string) (*api.StateExecutionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[uuid]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Copy(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StateExecutionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.StateExecutionInstance, 0)
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			out = append(out, inst.Copy())
		}
	}
	sortInstances(out)
	return out, nil
}

func (s *InMemoryStore) ConditionalUpdate(ctx context.Context, filter InstanceFilter, update InstanceUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, inst := range s.instances {
		if !filter.Matches(inst) {
			continue
		}
		next := inst.Copy()
		update.Apply(next, now)
		s.instances[id] = next
		n++
	}
	return n, nil
}

func (s *InMemoryStore) SaveInterrupt(ctx context.Context, in *api.Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *in
	cp.Properties = maps.Clone(in.Properties)
	s.interrupts[in.UUID] = &cp
	return nil
}

func (s *InMemoryStore) GetInterrupt(ctx context.Context, uuid string) (*api.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.interrupts[uuid]
	if !ok {
		return nil, ErrInterruptNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *InMemoryStore) ListInterrupts(ctx context.Context, executionUUID string) ([]*api.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.Interrupt, 0)
	for _, in := range s.interrupts {
		if in.ExecutionUUID == executionUUID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sortInterrupts(out)
	return out, nil
}

func (s *InMemoryStore) MarkInterruptSeen(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.interrupts[uuid]
	if !ok {
		return ErrInterruptNotFound
	}
	in.Seen = true
	return nil
}

// sortInstances orders by creation time, then uuid, so listings are stable
// across backends.
func sortInstances(list []*api.StateExecutionInstance) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].UUID < list[j].UUID
	})
}

func sortInterrupts(list []*api.Interrupt) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].UUID < list[j].UUID
	})
}
