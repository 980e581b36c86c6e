package allocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the allocation aggregate: pool, request queue and assignment
// ledger behind one lock. Every mutation runs to completion under the write
// lock; queries share the read lock and always see a consistent state.
type Engine struct {
	mu      sync.RWMutex
	pool    *Pool
	queue   *Queue
	ledger  *Ledger
	version uint64

	now    func() time.Time
	logger zerolog.Logger

	sinkMu sync.RWMutex
	sinks  []EventSink

	// outbox holds committed events not yet published. It is appended under
	// mu so it is always in Version order; flushMu lets one caller drain it
	// at a time.
	outMu   sync.Mutex
	outbox  []Event
	flushMu sync.Mutex
}

type Option func(*Engine)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "allocation").Logger() }
}

// NewEngine creates an engine over a fresh inventory with an empty queue and
// ledger.
func NewEngine(units []ResourceUnit, opts ...Option) (*Engine, error) {
	pool, err := NewPool(units)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		pool:   pool,
		queue:  NewQueue(),
		ledger: NewLedger(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewEngineFromState rebuilds an engine from a snapshot, rejecting snapshots
// that break the pool/ledger invariants.
func NewEngineFromState(st *State, opts ...Option) (*Engine, error) {
	e, err := NewEngine(st.Resources, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.queue.restore(st.Requests); err != nil {
		return nil, err
	}
	if err := e.ledger.restore(st.Assignments); err != nil {
		return nil, err
	}
	e.version = st.Version
	if err := e.checkLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// Subscribe registers a sink for events of subsequent mutations.
func (e *Engine) Subscribe(sink EventSink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Submit stores a new Pending request.
func (e *Engine) Submit(ctx context.Context, s Submission) (*Request, error) {
	e.mu.Lock()
	r, err := e.queue.Submit(s, e.now())
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.version++
	out := r.clone()
	e.enqueueLocked(Event{Kind: EventRequestSubmitted, RequestID: r.ID, PatientID: r.PatientID, Version: e.version, At: r.CreatedAt})
	e.mu.Unlock()

	e.logger.Info().
		Str("request_id", out.ID.String()).
		Str("patient_id", out.PatientID).
		Int("units", len(out.RequiredTypes)).
		Str("priority", string(out.Priority)).
		Msg("request submitted")
	e.flush(ctx)
	return out, nil
}

// Allocate attempts every Pending request oldest first. A request that
// cannot be fully satisfied is recorded in Failures and the batch moves on;
// later requests see the units committed by earlier ones.
func (e *Engine) Allocate(ctx context.Context) *AllocationResult {
	e.mu.Lock()
	res := newAllocationResult()
	now := e.now()
	for _, r := range e.queue.Pending("") {
		e.allocateLocked(r, res, now)
	}
	e.enqueueLocked(e.finishAllocationLocked(res, now)...)
	e.mu.Unlock()

	e.logAllocation(res)
	e.flush(ctx)
	return res
}

// AllocateRequest attempts exactly one Pending request. When it cannot be
// satisfied the returned error is the same *InsufficientResourcesError
// recorded in the result.
func (e *Engine) AllocateRequest(ctx context.Context, id uuid.UUID) (*AllocationResult, error) {
	e.mu.Lock()
	r, ok := e.queue.Get(id)
	if !ok || r.Status != StatusPending {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: no pending request %s", ErrRequestNotFound, id)
	}
	res := newAllocationResult()
	now := e.now()
	e.allocateLocked(r, res, now)
	e.enqueueLocked(e.finishAllocationLocked(res, now)...)
	e.mu.Unlock()

	e.logAllocation(res)
	e.flush(ctx)
	if len(res.Failures) > 0 {
		return res, res.Failures[0].Err
	}
	return res, nil
}

func newAllocationResult() *AllocationResult {
	return &AllocationResult{
		Attempted:   []uuid.UUID{},
		Assigned:    []uuid.UUID{},
		Failures:    []Failure{},
		Assignments: []*Assignment{},
	}
}

// allocateLocked runs the greedy first-fit match for one request. Each
// required type occurrence is taken in declaration order from a working set
// that already excludes units picked for earlier occurrences, so repeated
// types get distinct units. Nothing is committed unless every occurrence
// was satisfied.
func (e *Engine) allocateLocked(r *Request, res *AllocationResult, now time.Time) {
	res.Attempted = append(res.Attempted, r.ID)

	ws := e.pool.newWorkingSet()
	for _, t := range r.RequiredTypes {
		if _, ok := ws.take(t); !ok {
			res.Failures = append(res.Failures, Failure{
				RequestID: r.ID,
				Err:       &InsufficientResourcesError{RequestID: r.ID, Type: t},
			})
			return
		}
	}

	if err := ws.commit(r.PatientID); err != nil {
		res.Failures = append(res.Failures, Failure{RequestID: r.ID, Err: fmt.Errorf("%w: %v", ErrCorruptState, err)})
		return
	}
	a, err := e.ledger.Record(r, ws.picked, now)
	if err != nil {
		e.releaseAll(ws.picked)
		res.Failures = append(res.Failures, Failure{RequestID: r.ID, Err: err})
		return
	}
	if err := e.queue.MarkAssigned(r.ID, ws.picked, now); err != nil {
		e.releaseAll(ws.picked)
		e.ledger.discard(a)
		res.Failures = append(res.Failures, Failure{RequestID: r.ID, Err: err})
		return
	}
	res.Assigned = append(res.Assigned, r.ID)
	res.Assignments = append(res.Assignments, a.clone())
}

func (e *Engine) releaseAll(ids []string) {
	for _, id := range ids {
		_ = e.pool.Release(id)
	}
}

func (e *Engine) finishAllocationLocked(res *AllocationResult, now time.Time) []Event {
	if len(res.Assigned) == 0 {
		return nil
	}
	e.version++
	evs := make([]Event, 0, len(res.Assignments))
	for _, a := range res.Assignments {
		id := a.ID
		evs = append(evs, Event{
			Kind:         EventRequestAssigned,
			RequestID:    a.RequestID,
			AssignmentID: &id,
			PatientID:    a.PatientID,
			ResourceIDs:  append([]string(nil), a.ResourceIDs...),
			Version:      e.version,
			At:           now,
		})
	}
	return evs
}

func (e *Engine) logAllocation(res *AllocationResult) {
	for _, a := range res.Assignments {
		e.logger.Info().
			Str("request_id", a.RequestID.String()).
			Str("assignment_id", a.ID.String()).
			Str("patient_id", a.PatientID).
			Strs("resources", a.ResourceIDs).
			Msg("request assigned")
	}
	for _, f := range res.Failures {
		evt := e.logger.Warn().Str("request_id", f.RequestID.String()).Err(f.Err)
		var insufficient *InsufficientResourcesError
		if errors.As(f.Err, &insufficient) {
			evt = evt.Str("resource_type", string(insufficient.Type))
		}
		evt.Msg("allocation failed")
	}
}

// Discharge releases everything the patient holds. A patient with no active
// assignments is a no-op. Invariant violations come back as
// DischargeResult.Warnings rather than an error.
func (e *Engine) Discharge(ctx context.Context, patientID string) (*DischargeResult, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}

	e.mu.Lock()
	now := e.now()
	res := e.ledger.Discharge(patientID, e.pool, e.queue, now)
	var evs []Event
	if len(res.ReleasedAssignments) > 0 {
		e.version++
		released := make(map[uuid.UUID]bool, len(res.ReleasedAssignments))
		for _, id := range res.ReleasedAssignments {
			released[id] = true
		}
		for _, a := range e.ledger.List(AssignmentFilter{PatientID: patientID}) {
			if !released[a.ID] {
				continue
			}
			aid := a.ID
			evs = append(evs, Event{
				Kind:         EventAssignmentDischarged,
				RequestID:    a.RequestID,
				AssignmentID: &aid,
				PatientID:    patientID,
				ResourceIDs:  append([]string(nil), a.ResourceIDs...),
				Version:      e.version,
				At:           now,
			})
		}
	}
	e.enqueueLocked(evs...)
	e.mu.Unlock()

	for _, w := range res.Warnings {
		e.logger.Error().Err(w).Str("patient_id", patientID).Msg("corrupt state during discharge")
	}
	if len(res.ReleasedAssignments) > 0 {
		e.logger.Info().
			Str("patient_id", patientID).
			Int("assignments", len(res.ReleasedAssignments)).
			Strs("resources", res.FreedResources).
			Msg("patient discharged")
	}
	e.flush(ctx)
	return res, nil
}

// enqueueLocked appends committed events to the outbox. Callers hold mu.
func (e *Engine) enqueueLocked(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	e.outMu.Lock()
	e.outbox = append(e.outbox, evs...)
	e.outMu.Unlock()
}

// flush publishes everything in the outbox, oldest first. It runs after mu
// is released; a caller may deliver events committed by a concurrent
// mutation, and each sink still sees Versions in increasing order.
func (e *Engine) flush(ctx context.Context) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.outMu.Lock()
	evs := e.outbox
	e.outbox = nil
	e.outMu.Unlock()
	if len(evs) == 0 {
		return
	}

	// Events may belong to another caller whose request has already ended.
	ctx = context.WithoutCancel(ctx)
	e.sinkMu.RLock()
	sinks := append([]EventSink(nil), e.sinks...)
	e.sinkMu.RUnlock()
	for _, s := range sinks {
		for _, ev := range evs {
			if err := s.Publish(ctx, ev); err != nil {
				e.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("event sink publish failed")
			}
		}
	}
}

// -- Queries --

// PendingRequests returns Pending requests oldest first.
func (e *Engine) PendingRequests(patientID string) []*Request {
	return e.ListRequests(RequestFilter{Status: StatusPending, PatientID: patientID})
}

func (e *Engine) ListRequests(f RequestFilter) []*Request {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneRequests(e.queue.List(f))
}

func (e *Engine) GetRequest(id uuid.UUID) (*Request, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.queue.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r.clone(), nil
}

func (e *Engine) ListResources(t ResourceType) []ResourceUnit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Units(t)
}

func (e *Engine) GetResource(id string) (ResourceUnit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.pool.Get(id)
	if !ok {
		return ResourceUnit{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	return u, nil
}

func (e *Engine) ResourceSummary() []TypeSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Summary()
}

func (e *Engine) ListAssignments(f AssignmentFilter) []*Assignment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAssignments(e.ledger.List(f))
}

// Snapshot copies the whole aggregate at one point in time.
func (e *Engine) Snapshot() *State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &State{
		Version:     e.version,
		Resources:   e.pool.Units(""),
		Requests:    cloneRequests(e.queue.List(RequestFilter{})),
		Assignments: cloneAssignments(e.ledger.List(AssignmentFilter{})),
		TakenAt:     e.now(),
	}
}

// CheckInvariants verifies that pool occupancy, request status and active
// assignments agree with each other.
func (e *Engine) CheckInvariants() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkLocked()
}

func (e *Engine) checkLocked() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrCorruptState}, args...)...))
	}

	holder := make(map[string]uuid.UUID)
	for _, a := range e.ledger.List(AssignmentFilter{ActiveOnly: true}) {
		r, ok := e.queue.Get(a.RequestID)
		if !ok {
			fail("assignment %s references unknown request %s", a.ID, a.RequestID)
			continue
		}
		if r.Status != StatusAssigned {
			fail("active assignment %s but request %s is %s", a.ID, r.ID, r.Status)
		}
		if len(a.ResourceIDs) != len(r.RequiredTypes) || len(r.FulfilledBy) != len(r.RequiredTypes) {
			fail("request %s needs %d units, assignment %s holds %d", r.ID, len(r.RequiredTypes), a.ID, len(a.ResourceIDs))
		}
		need := make(map[ResourceType]int)
		for _, t := range r.RequiredTypes {
			need[t]++
		}
		for _, id := range a.ResourceIDs {
			if other, dup := holder[id]; dup {
				fail("unit %s held by assignments %s and %s", id, other, a.ID)
			}
			holder[id] = a.ID
			u, ok := e.pool.Get(id)
			if !ok {
				fail("assignment %s references unknown unit %s", a.ID, id)
				continue
			}
			if u.Status != UnitOccupied || u.OccupiedBy == nil || *u.OccupiedBy != a.PatientID {
				fail("unit %s is not occupied by %s", id, a.PatientID)
			}
			need[u.Type]--
		}
		for t, n := range need {
			if n != 0 {
				fail("assignment %s type mismatch for %s", a.ID, t)
			}
		}
	}
	for _, u := range e.pool.Units("") {
		if u.Status == UnitOccupied {
			if _, ok := holder[u.ID]; !ok {
				fail("unit %s is occupied without an active assignment", u.ID)
			}
		}
	}
	for _, r := range e.queue.List(RequestFilter{Status: StatusAssigned}) {
		if _, ok := e.ledger.ActiveForRequest(r.ID); !ok {
			fail("request %s is assigned without an active assignment", r.ID)
		}
	}
	return errors.Join(errs...)
}

func cloneRequests(in []*Request) []*Request {
	out := make([]*Request, 0, len(in))
	for _, r := range in {
		out = append(out, r.clone())
	}
	return out
}

func cloneAssignments(in []*Assignment) []*Assignment {
	out := make([]*Assignment, 0, len(in))
	for _, a := range in {
		out = append(out, a.clone())
	}
	return out
}
