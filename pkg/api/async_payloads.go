package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(ChildResponse{})
	gob.Register(TimerFired{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// ChildResponse is notified on the NotifyID of a lineage when it ends, for
// example to the composite state that spawned it.
type ChildResponse struct {
	InstanceID     string
	Status         ExecutionStatus
	NotifyElements []ContextElement
	ErrorMessage   string
}

// TimerFired is notified when a scheduled wake-up is due.
type TimerFired struct {
	CorrelationID string
	At            time.Time
}
