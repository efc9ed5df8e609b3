package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/conveyor/pkg/api"
)

// registry holds named handles that instances refer to by name.
type registry[T any] struct {
	kind   string
	mu     sync.RWMutex
	byName map[string]T
}

func newRegistry[T any](kind string) *registry[T] {
	return &registry[T]{kind: kind, byName: make(map[string]T)}
}

func (r *registry[T]) Register(name string, v T) error {
	if name == "" {
		return fmt.Errorf("%s name is required", r.kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%s %q already registered", r.kind, name)
	}
	r.byName[name] = v
	return nil
}

func (r *registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byName[name]
	return v, ok
}

func (r *registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// machineRegistry keys graphs by id. Registering the same graph twice is a
// no-op; a different graph under a taken id is rejected.
type machineRegistry struct {
	mu   sync.RWMutex
	byID map[string]*api.StateMachine
}

func newMachineRegistry() *machineRegistry {
	return &machineRegistry{byID: make(map[string]*api.StateMachine)}
}

func (r *machineRegistry) Register(sm *api.StateMachine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[sm.ID()]; ok {
		if existing == sm {
			return nil
		}
		return newError(ErrStateMachineRegistered, "", map[string]any{"state_machine_id": sm.ID()})
	}
	r.byID[sm.ID()] = sm
	return nil
}

func (r *machineRegistry) Get(id string) (*api.StateMachine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sm, ok := r.byID[id]
	return sm, ok
}
