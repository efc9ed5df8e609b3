package persistence

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/petrijr/conveyor/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a state execution instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned when saving a new instance whose uuid is
	// already stored.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInterruptNotFound is returned when an interrupt is not found.
	ErrInterruptNotFound = errors.New("interrupt not found")
)

// InstanceFilter selects instances. Empty fields mean "no filter" for that
// field; all non-empty fields must match.
type InstanceFilter struct {
	ExecutionUUID    string
	UUIDs            []string
	Statuses         []api.ExecutionStatus
	ParentInstanceID string
}

// ByID selects a single instance expected to be in one of statuses.
func ByID(executionUUID, uuid string, statuses ...api.ExecutionStatus) InstanceFilter {
	return InstanceFilter{ExecutionUUID: executionUUID, UUIDs: []string{uuid}, Statuses: statuses}
}

// Matches reports whether inst satisfies the filter.
func (f InstanceFilter) Matches(inst *api.StateExecutionInstance) bool {
	if f.ExecutionUUID != "" && inst.ExecutionUUID != f.ExecutionUUID {
		return false
	}
	if len(f.UUIDs) > 0 && !slices.Contains(f.UUIDs, inst.UUID) {
		return false
	}
	if len(f.Statuses) > 0 && !inst.Status.In(f.Statuses...) {
		return false
	}
	if f.ParentInstanceID != "" && inst.ParentInstanceID != f.ParentInstanceID {
		return false
	}
	return true
}

// InstanceUpdate describes the fields a conditional update changes. Zero
// values leave the corresponding field untouched.
type InstanceUpdate struct {
	Status api.ExecutionStatus

	// StateExecutionData is stored under the instance display name.
	StateExecutionData *api.StateExecutionData
	// MoveDataToHistory moves the current execution data into the history
	// before anything else is applied.
	MoveDataToHistory bool

	PushContextElements []api.ContextElement

	SetNotifyElements bool
	NotifyElements    []api.ContextElement

	SetStateParams bool
	StateParams    map[string]any

	AppendInterrupt *api.InterruptEffect
	DelegateTaskID  string
	ExpiryTs        time.Time

	// Settle marks the current terminal status as transitioned out of. A
	// status change or an appended interrupt clears the mark.
	Settle bool

	SetPendingSpawns bool
	PendingSpawns    []*api.StateExecutionInstance
}

// Apply mutates inst according to the update. Every backend funnels writes
// through Apply, which keeps the end timestamp set exactly while the status
// is terminal and only ever pushes onto the context stack.
func (u InstanceUpdate) Apply(inst *api.StateExecutionInstance, now time.Time) {
	if u.MoveDataToHistory {
		if d, ok := inst.StateExecutionMap[inst.DisplayName]; ok {
			inst.StateExecutionDataHistory = append(inst.StateExecutionDataHistory, d)
			delete(inst.StateExecutionMap, inst.DisplayName)
		}
	}
	if u.StateExecutionData != nil {
		if inst.StateExecutionMap == nil {
			inst.StateExecutionMap = make(map[string]api.StateExecutionData)
		}
		inst.StateExecutionMap[inst.DisplayName] = *u.StateExecutionData
	}
	if len(u.PushContextElements) > 0 {
		inst.ContextElements = append(inst.ContextElements, u.PushContextElements...)
	}
	if u.SetNotifyElements {
		inst.NotifyElements = append([]api.ContextElement(nil), u.NotifyElements...)
	}
	if u.SetStateParams {
		inst.StateParams = u.StateParams
	}
	if u.AppendInterrupt != nil {
		inst.InterruptHistory = append(inst.InterruptHistory, *u.AppendInterrupt)
		inst.Settled = false
	}
	if u.DelegateTaskID != "" {
		inst.DelegateTaskID = u.DelegateTaskID
	}
	if !u.ExpiryTs.IsZero() {
		inst.ExpiryTs = u.ExpiryTs
	}
	if u.SetPendingSpawns {
		inst.PendingSpawns = nil
		for _, tmpl := range u.PendingSpawns {
			inst.PendingSpawns = append(inst.PendingSpawns, tmpl.Copy())
		}
	}
	if u.Status != "" {
		if u.Status != inst.Status {
			inst.Settled = false
		}
		inst.Status = u.Status
		if u.Status == api.StatusStarting && inst.StartTs.IsZero() {
			inst.StartTs = now
		}
	}
	if u.Settle {
		inst.Settled = true
	}
	if inst.Status.IsFinal() {
		if inst.EndTs.IsZero() {
			inst.EndTs = now
		}
	} else {
		inst.EndTs = time.Time{}
	}
	inst.Version++
	inst.LastUpdatedAt = now
}

// InstanceStore handles storage of state execution instances.
type InstanceStore interface {
	// SaveInstance stores a new instance. It returns ErrInstanceExists if the
	// uuid is already taken.
	SaveInstance(ctx context.Context, inst *api.StateExecutionInstance) error
	GetInstance(ctx context.Context, uuid string) (*api.StateExecutionInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StateExecutionInstance, error)
	// ConditionalUpdate applies update to every instance matching filter at
	// the time of the write and returns how many were changed. A concurrent
	// writer that changed a matched instance first wins; the instance no
	// longer matches and is not counted.
	ConditionalUpdate(ctx context.Context, filter InstanceFilter, update InstanceUpdate) (int, error)
}

// InterruptStore handles storage of interrupts.
type InterruptStore interface {
	SaveInterrupt(ctx context.Context, in *api.Interrupt) error
	GetInterrupt(ctx context.Context, uuid string) (*api.Interrupt, error)
	// ListInterrupts returns the interrupts of a run, oldest first.
	ListInterrupts(ctx context.Context, executionUUID string) ([]*api.Interrupt, error)
	MarkInterruptSeen(ctx context.Context, uuid string) error
}
