package allocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResourceType identifies a kind of allocatable hospital resource.
type ResourceType string

const (
	Wheelchair ResourceType = "Wheelchair"
	Bed        ResourceType = "Bed"
	Room       ResourceType = "Room"
	Ambulance  ResourceType = "Ambulance"
	Nurse      ResourceType = "Nurse"
	Doctor     ResourceType = "Doctor"
)

// ResourceTypes lists every known type in inventory order.
var ResourceTypes = []ResourceType{Wheelchair, Bed, Room, Ambulance, Nurse, Doctor}

// ParseResourceType resolves a type name case-insensitively.
func ParseResourceType(s string) (ResourceType, error) {
	for _, t := range ResourceTypes {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown resource type %q", ErrInvalidRequest, s)
}

func (t ResourceType) valid() bool {
	for _, known := range ResourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitOccupied  UnitStatus = "occupied"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "Pending"
	StatusAssigned  RequestStatus = "Assigned"
	StatusCompleted RequestStatus = "Completed"
)

// Priority is recorded for display. Allocation order ignores it.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

func (p Priority) valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// ResourceUnit is one allocatable resource instance.
type ResourceUnit struct {
	ID         string       `json:"id"`
	Label      string       `json:"label"`
	Type       ResourceType `json:"type"`
	Status     UnitStatus   `json:"status"`
	OccupiedBy *string      `json:"occupied_by,omitempty"`
}

// TimeWindow is the span during which the patient needs the resources.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Request is a patient's ask for one or more resource type occurrences.
type Request struct {
	ID            uuid.UUID      `json:"id"`
	PatientID     string         `json:"patient_id"`
	RequiredTypes []ResourceType `json:"required_types"`
	Status        RequestStatus  `json:"status"`
	Priority      Priority       `json:"priority"`
	Comments      *string        `json:"comments,omitempty"`
	TimeWindow    *TimeWindow    `json:"time_window,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	FulfilledBy   []string       `json:"fulfilled_by,omitempty"`
	FulfilledAt   *time.Time     `json:"fulfilled_at,omitempty"`

	// Seq breaks creation-time ties so FIFO order is total.
	Seq uint64 `json:"seq"`
}

func (r *Request) clone() *Request {
	cp := *r
	cp.RequiredTypes = append([]ResourceType(nil), r.RequiredTypes...)
	cp.FulfilledBy = append([]string(nil), r.FulfilledBy...)
	if r.Comments != nil {
		c := *r.Comments
		cp.Comments = &c
	}
	if r.TimeWindow != nil {
		tw := *r.TimeWindow
		cp.TimeWindow = &tw
	}
	if r.FulfilledAt != nil {
		at := *r.FulfilledAt
		cp.FulfilledAt = &at
	}
	return &cp
}

// Assignment binds a fulfilled request's units to its patient. Discharged
// assignments stay in the ledger as an audit trail.
type Assignment struct {
	ID           uuid.UUID  `json:"id"`
	RequestID    uuid.UUID  `json:"request_id"`
	PatientID    string     `json:"patient_id"`
	ResourceIDs  []string   `json:"resource_ids"`
	AssignedAt   time.Time  `json:"assigned_at"`
	DischargedAt *time.Time `json:"discharged_at,omitempty"`
}

// Active reports whether the assignment still holds its resources.
func (a *Assignment) Active() bool { return a.DischargedAt == nil }

func (a *Assignment) clone() *Assignment {
	cp := *a
	cp.ResourceIDs = append([]string(nil), a.ResourceIDs...)
	if a.DischargedAt != nil {
		at := *a.DischargedAt
		cp.DischargedAt = &at
	}
	return &cp
}

// Submission carries the caller-supplied fields of a new request.
type Submission struct {
	PatientID     string
	RequiredTypes []ResourceType
	Priority      Priority
	Comments      *string
	TimeWindow    *TimeWindow
}

// Failure records why one request could not be allocated.
type Failure struct {
	RequestID uuid.UUID
	Err       error
}

func (f Failure) MarshalJSON() ([]byte, error) {
	out := struct {
		RequestID    uuid.UUID    `json:"request_id"`
		Reason       string       `json:"reason"`
		ResourceType ResourceType `json:"resource_type,omitempty"`
	}{RequestID: f.RequestID}
	if f.Err != nil {
		out.Reason = f.Err.Error()
	}
	var insufficient *InsufficientResourcesError
	if errors.As(f.Err, &insufficient) {
		out.ResourceType = insufficient.Type
	}
	return json.Marshal(out)
}

// AllocationResult summarises one allocate call.
type AllocationResult struct {
	Attempted   []uuid.UUID   `json:"attempted"`
	Assigned    []uuid.UUID   `json:"assigned"`
	Failures    []Failure     `json:"failures"`
	Assignments []*Assignment `json:"assignments"`
}

// DischargeResult summarises one discharge call. Warnings holds
// CorruptStateError values found while releasing.
type DischargeResult struct {
	ReleasedAssignments []uuid.UUID `json:"released_assignments"`
	FreedResources      []string    `json:"freed_resources"`
	Warnings            []error     `json:"-"`
}

func (d *DischargeResult) MarshalJSON() ([]byte, error) {
	type alias DischargeResult
	warnings := make([]string, 0, len(d.Warnings))
	for _, w := range d.Warnings {
		warnings = append(warnings, w.Error())
	}
	return json.Marshal(struct {
		*alias
		Warnings []string `json:"warnings"`
	}{alias: (*alias)(d), Warnings: warnings})
}

// TypeSummary is the per-type occupancy count used by dashboards.
type TypeSummary struct {
	Type      ResourceType `json:"type"`
	Total     int          `json:"total"`
	Available int          `json:"available"`
	Occupied  int          `json:"occupied"`
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Status    RequestStatus
	PatientID string
}

// AssignmentFilter narrows ListAssignments.
type AssignmentFilter struct {
	PatientID  string
	ActiveOnly bool
}

func strPtr(s string) *string { return &s }
