package allocation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue owns request lifecycle: Pending -> Assigned -> Completed. Requests
// are kept in creation order. Not safe for concurrent use.
type Queue struct {
	requests []*Request
	byID     map[uuid.UUID]*Request
	seq      uint64
}

func NewQueue() *Queue {
	return &Queue{byID: make(map[uuid.UUID]*Request)}
}

// Submit validates s and stores a new Pending request created at now.
func (q *Queue) Submit(s Submission, now time.Time) (*Request, error) {
	if err := validateSubmission(&s); err != nil {
		return nil, err
	}
	q.seq++
	r := &Request{
		ID:            uuid.New(),
		PatientID:     strings.TrimSpace(s.PatientID),
		RequiredTypes: append([]ResourceType(nil), s.RequiredTypes...),
		Status:        StatusPending,
		Priority:      s.Priority,
		Comments:      s.Comments,
		TimeWindow:    s.TimeWindow,
		CreatedAt:     now,
		Seq:           q.seq,
	}
	r = r.clone()
	q.requests = append(q.requests, r)
	q.byID[r.ID] = r
	return r, nil
}

func validateSubmission(s *Submission) error {
	if strings.TrimSpace(s.PatientID) == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if len(s.RequiredTypes) == 0 {
		return fmt.Errorf("%w: at least one resource type is required", ErrInvalidRequest)
	}
	for _, t := range s.RequiredTypes {
		if !t.valid() {
			return fmt.Errorf("%w: unknown resource type %q", ErrInvalidRequest, t)
		}
	}
	if s.Priority == "" {
		s.Priority = PriorityMedium
	}
	if !s.Priority.valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrInvalidRequest, s.Priority)
	}
	if tw := s.TimeWindow; tw != nil && !tw.End.After(tw.Start) {
		return fmt.Errorf("%w: time window must end after it starts", ErrInvalidRequest)
	}
	return nil
}

// Get returns the stored request; callers inside the package may mutate it.
func (q *Queue) Get(id uuid.UUID) (*Request, bool) {
	r, ok := q.byID[id]
	return r, ok
}

// Pending returns Pending requests oldest first, optionally for one patient.
func (q *Queue) Pending(patientID string) []*Request {
	return q.List(RequestFilter{Status: StatusPending, PatientID: patientID})
}

// List returns the matching requests in creation order.
func (q *Queue) List(f RequestFilter) []*Request {
	var out []*Request
	for _, r := range q.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.PatientID != "" && r.PatientID != f.PatientID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// MarkAssigned moves a Pending request to Assigned.
func (q *Queue) MarkAssigned(id uuid.UUID, resourceIDs []string, at time.Time) error {
	r, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if r.Status != StatusPending {
		return fmt.Errorf("%w: request %s is %s, not %s", ErrInvalidTransition, id, r.Status, StatusPending)
	}
	if len(resourceIDs) != len(r.RequiredTypes) {
		return fmt.Errorf("%w: request %s needs %d units, got %d", ErrInvalidTransition, id, len(r.RequiredTypes), len(resourceIDs))
	}
	r.Status = StatusAssigned
	r.FulfilledBy = append([]string(nil), resourceIDs...)
	r.FulfilledAt = &at
	return nil
}

// MarkCompleted moves an Assigned request to Completed.
func (q *Queue) MarkCompleted(id uuid.UUID) error {
	r, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if r.Status != StatusAssigned {
		return fmt.Errorf("%w: request %s is %s, not %s", ErrInvalidTransition, id, r.Status, StatusAssigned)
	}
	r.Status = StatusCompleted
	return nil
}

// restore loads persisted requests, re-establishing FIFO order by sequence.
func (q *Queue) restore(reqs []*Request) error {
	sorted := make([]*Request, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Seq != sorted[j].Seq {
			return sorted[i].Seq < sorted[j].Seq
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	for _, r := range sorted {
		if _, dup := q.byID[r.ID]; dup {
			return fmt.Errorf("%w: duplicate request id %s", ErrCorruptState, r.ID)
		}
		cp := r.clone()
		q.requests = append(q.requests, cp)
		q.byID[cp.ID] = cp
		if cp.Seq > q.seq {
			q.seq = cp.Seq
		}
	}
	return nil
}
