package allocation

import (
	"fmt"
)

// Pool owns the fixed resource inventory. It does no locking of its own;
// Engine serializes every call.
type Pool struct {
	units  []*ResourceUnit
	byID   map[string]*ResourceUnit
	byType map[ResourceType][]*ResourceUnit
}

// NewPool builds a pool from units, keeping their order as the stable
// iteration order used by FindAvailable.
func NewPool(units []ResourceUnit) (*Pool, error) {
	p := &Pool{
		units:  make([]*ResourceUnit, 0, len(units)),
		byID:   make(map[string]*ResourceUnit, len(units)),
		byType: make(map[ResourceType][]*ResourceUnit),
	}
	for i := range units {
		u := units[i]
		if u.ID == "" {
			return nil, fmt.Errorf("%w: unit at index %d has no id", ErrInvalidState, i)
		}
		if !u.Type.valid() {
			return nil, fmt.Errorf("%w: unit %s has unknown type %q", ErrInvalidState, u.ID, u.Type)
		}
		if _, dup := p.byID[u.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate unit id %s", ErrInvalidState, u.ID)
		}
		if u.Status == "" {
			u.Status = UnitAvailable
		}
		switch {
		case u.Status == UnitAvailable && u.OccupiedBy != nil:
			return nil, fmt.Errorf("%w: unit %s is available but held by %s", ErrInvalidState, u.ID, *u.OccupiedBy)
		case u.Status == UnitOccupied && (u.OccupiedBy == nil || *u.OccupiedBy == ""):
			return nil, fmt.Errorf("%w: unit %s is occupied without a holder", ErrInvalidState, u.ID)
		case u.Status != UnitAvailable && u.Status != UnitOccupied:
			return nil, fmt.Errorf("%w: unit %s has unknown status %q", ErrInvalidState, u.ID, u.Status)
		}
		if u.OccupiedBy != nil {
			holder := *u.OccupiedBy
			u.OccupiedBy = &holder
		}
		p.units = append(p.units, &u)
		p.byID[u.ID] = &u
		p.byType[u.Type] = append(p.byType[u.Type], &u)
	}
	return p, nil
}

// FindAvailable returns the first available unit of t in iteration order.
func (p *Pool) FindAvailable(t ResourceType) (ResourceUnit, bool) {
	return p.findAvailable(t, nil)
}

func (p *Pool) findAvailable(t ResourceType, held map[string]struct{}) (ResourceUnit, bool) {
	for _, u := range p.byType[t] {
		if u.Status != UnitAvailable {
			continue
		}
		if _, ok := held[u.ID]; ok {
			continue
		}
		return *u, true
	}
	return ResourceUnit{}, false
}

// Occupy binds an available unit to patientID.
func (p *Pool) Occupy(unitID, patientID string) error {
	u, ok := p.byID[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, unitID)
	}
	if u.Status != UnitAvailable {
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidState, unitID, u.Status)
	}
	u.Status = UnitOccupied
	u.OccupiedBy = &patientID
	return nil
}

// Release returns an occupied unit to the pool.
func (p *Pool) Release(unitID string) error {
	u, ok := p.byID[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, unitID)
	}
	if u.Status != UnitOccupied {
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidState, unitID, u.Status)
	}
	u.Status = UnitAvailable
	u.OccupiedBy = nil
	return nil
}

// Get returns a copy of the unit with the given id.
func (p *Pool) Get(unitID string) (ResourceUnit, bool) {
	u, ok := p.byID[unitID]
	if !ok {
		return ResourceUnit{}, false
	}
	return copyUnit(u), true
}

// Units returns copies of all units, or only those of t when t is non-empty.
func (p *Pool) Units(t ResourceType) []ResourceUnit {
	src := p.units
	if t != "" {
		src = p.byType[t]
	}
	out := make([]ResourceUnit, 0, len(src))
	for _, u := range src {
		out = append(out, copyUnit(u))
	}
	return out
}

// Summary counts units per type in ResourceTypes order.
func (p *Pool) Summary() []TypeSummary {
	out := make([]TypeSummary, 0, len(ResourceTypes))
	for _, t := range ResourceTypes {
		s := TypeSummary{Type: t}
		for _, u := range p.byType[t] {
			s.Total++
			if u.Status == UnitOccupied {
				s.Occupied++
			} else {
				s.Available++
			}
		}
		out = append(out, s)
	}
	return out
}

func copyUnit(u *ResourceUnit) ResourceUnit {
	cp := *u
	if u.OccupiedBy != nil {
		holder := *u.OccupiedBy
		cp.OccupiedBy = &holder
	}
	return cp
}

// workingSet is the provisional view of the pool while one request is being
// matched. Units picked so far are treated as occupied; nothing touches the
// real pool until commit.
type workingSet struct {
	pool   *Pool
	held   map[string]struct{}
	picked []string
}

func (p *Pool) newWorkingSet() *workingSet {
	return &workingSet{pool: p, held: make(map[string]struct{})}
}

func (w *workingSet) take(t ResourceType) (string, bool) {
	u, ok := w.pool.findAvailable(t, w.held)
	if !ok {
		return "", false
	}
	w.held[u.ID] = struct{}{}
	w.picked = append(w.picked, u.ID)
	return u.ID, true
}

// commit occupies every picked unit for patientID. On error the units already
// occupied by this commit are released again.
func (w *workingSet) commit(patientID string) error {
	for i, id := range w.picked {
		if err := w.pool.Occupy(id, patientID); err != nil {
			for _, done := range w.picked[:i] {
				_ = w.pool.Release(done)
			}
			return err
		}
	}
	return nil
}
