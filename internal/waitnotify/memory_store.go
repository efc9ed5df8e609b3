package waitnotify

import (
	"context"
	"slices"
	"sync"
)

// InMemoryStore keeps waits and responses in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	waits     map[string]*Wait
	responses map[string][]byte
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory wait store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		waits:     make(map[string]*Wait),
		responses: make(map[string][]byte),
	}
}

func copyWait(w *Wait) *Wait {
	cp := *w
	cp.CorrelationIDs = slices.Clone(w.CorrelationIDs)
	return &cp
}

func (s *InMemoryStore) SaveWait(ctx context.Context, w *Wait) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[w.ID] = copyWait(w)
	return nil
}

func (s *InMemoryStore) GetWait(ctx context.Context, id string) (*Wait, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.waits[id]
	if !ok {
		return nil, ErrWaitNotFound
	}
	return copyWait(w), nil
}

func (s *InMemoryStore) WaitsFor(ctx context.Context, correlationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, w := range s.waits {
		if !w.Fired && slices.Contains(w.CorrelationIDs, correlationID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *InMemoryStore) MarkFired(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waits[id]
	if !ok {
		return false, ErrWaitNotFound
	}
	if w.Fired {
		return false, nil
	}
	w.Fired = true
	return true, nil
}

func (s *InMemoryStore) SaveResponse(ctx context.Context, correlationID string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[correlationID]; ok {
		return false, nil
	}
	s.responses[correlationID] = slices.Clone(payload)
	return true, nil
}

func (s *InMemoryStore) Responses(ctx context.Context, correlationIDs []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(correlationIDs))
	for _, id := range correlationIDs {
		if p, ok := s.responses[id]; ok {
			out[id] = slices.Clone(p)
		}
	}
	return out, nil
}
