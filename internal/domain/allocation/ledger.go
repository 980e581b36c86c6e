package allocation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger records which units are bound to which request and drives the
// release of those units on discharge. Not safe for concurrent use.
type Ledger struct {
	assignments []*Assignment
	active      map[uuid.UUID]*Assignment // keyed by request id
}

func NewLedger() *Ledger {
	return &Ledger{active: make(map[uuid.UUID]*Assignment)}
}

// Record appends a new active assignment for req.
func (l *Ledger) Record(req *Request, resourceIDs []string, at time.Time) (*Assignment, error) {
	if existing, ok := l.active[req.ID]; ok {
		return nil, fmt.Errorf("%w: request %s already held by assignment %s", ErrInvalidTransition, req.ID, existing.ID)
	}
	a := &Assignment{
		ID:          uuid.New(),
		RequestID:   req.ID,
		PatientID:   req.PatientID,
		ResourceIDs: append([]string(nil), resourceIDs...),
		AssignedAt:  at,
	}
	l.assignments = append(l.assignments, a)
	l.active[req.ID] = a
	return a, nil
}

// ActiveForRequest returns the active assignment holding request id.
func (l *Ledger) ActiveForRequest(id uuid.UUID) (*Assignment, bool) {
	a, ok := l.active[id]
	return a, ok
}

// List returns assignments in the order they were made.
func (l *Ledger) List(f AssignmentFilter) []*Assignment {
	var out []*Assignment
	for _, a := range l.assignments {
		if f.ActiveOnly && !a.Active() {
			continue
		}
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Discharge releases every unit held by the patient's active assignments,
// closes those assignments and completes their requests. Invariant
// violations found on the way are collected as warnings; they never stop
// the remaining releases.
func (l *Ledger) Discharge(patientID string, pool *Pool, queue *Queue, now time.Time) *DischargeResult {
	res := &DischargeResult{
		ReleasedAssignments: []uuid.UUID{},
		FreedResources:      []string{},
	}
	for _, a := range l.List(AssignmentFilter{PatientID: patientID, ActiveOnly: true}) {
		for _, id := range a.ResourceIDs {
			if u, ok := pool.Get(id); ok && u.OccupiedBy != nil && *u.OccupiedBy != patientID {
				res.Warnings = append(res.Warnings, &CorruptStateError{
					AssignmentID: a.ID,
					ResourceID:   id,
					Err:          fmt.Errorf("unit is held by %s", *u.OccupiedBy),
				})
				continue
			}
			if err := pool.Release(id); err != nil {
				res.Warnings = append(res.Warnings, &CorruptStateError{AssignmentID: a.ID, ResourceID: id, Err: err})
				continue
			}
			res.FreedResources = append(res.FreedResources, id)
		}
		at := now
		a.DischargedAt = &at
		delete(l.active, a.RequestID)
		if err := queue.MarkCompleted(a.RequestID); err != nil {
			res.Warnings = append(res.Warnings, &CorruptStateError{AssignmentID: a.ID, Err: err})
		}
		res.ReleasedAssignments = append(res.ReleasedAssignments, a.ID)
	}
	return res
}

func (l *Ledger) restore(assignments []*Assignment) error {
	for _, a := range assignments {
		cp := a.clone()
		if cp.Active() {
			if existing, ok := l.active[cp.RequestID]; ok {
				return fmt.Errorf("%w: request %s has two active assignments (%s, %s)", ErrCorruptState, cp.RequestID, existing.ID, cp.ID)
			}
			l.active[cp.RequestID] = cp
		}
		l.assignments = append(l.assignments, cp)
	}
	return nil
}

// discard drops an assignment recorded during an allocation that was then
// rolled back. Only the most recent record can be discarded.
func (l *Ledger) discard(a *Assignment) {
	if n := len(l.assignments); n > 0 && l.assignments[n-1] == a {
		l.assignments = l.assignments[:n-1]
	}
	if l.active[a.RequestID] == a {
		delete(l.active, a.RequestID)
	}
}
