package allocation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventRequestSubmitted     EventKind = "request.submitted"
	EventRequestAssigned      EventKind = "request.assigned"
	EventAssignmentDischarged EventKind = "assignment.discharged"
)

// Event describes one committed engine mutation.
type Event struct {
	Kind         EventKind  `json:"kind"`
	RequestID    uuid.UUID  `json:"request_id"`
	AssignmentID *uuid.UUID `json:"assignment_id,omitempty"`
	PatientID    string     `json:"patient_id"`
	ResourceIDs  []string   `json:"resource_ids,omitempty"`
	Version      uint64     `json:"version"`
	At           time.Time  `json:"at"`
}

// EventSink receives events after the engine lock has been released. Each
// sink sees events in increasing Version order, one Publish at a time. A sink
// must not mutate the engine it is subscribed to.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event) error

func (f EventSinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
