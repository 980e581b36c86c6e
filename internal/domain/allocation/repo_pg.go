package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type stateRepoPG struct{ pool *pgxpool.Pool }

func NewStateRepoPG(pool *pgxpool.Pool) StateRepository { return &stateRepoPG{pool: pool} }

const (
	unitCols       = `id, label, type, status, occupied_by`
	requestCols    = `id, seq, patient_id, required_types, status, priority, comments, window_start, window_end, created_at, fulfilled_by, fulfilled_at`
	assignmentCols = `id, request_id, patient_id, resource_ids, assigned_at, discharged_at`
)

func (r *stateRepoPG) Load(ctx context.Context) (*State, error) {
	var st State
	var version int64
	err := r.pool.QueryRow(ctx, `SELECT version, saved_at FROM engine_state WHERE id = 1`).Scan(&version, &st.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load engine state: %w", err)
	}
	st.Version = uint64(version)

	if st.Resources, err = r.loadUnits(ctx, r.pool); err != nil {
		return nil, err
	}
	if st.Requests, err = r.loadRequests(ctx, r.pool); err != nil {
		return nil, err
	}
	if st.Assignments, err = r.loadAssignments(ctx, r.pool); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *stateRepoPG) loadUnits(ctx context.Context, q queryable) ([]ResourceUnit, error) {
	rows, err := q.Query(ctx, `SELECT `+unitCols+` FROM resource_unit ORDER BY ordinal`)
	if err != nil {
		return nil, fmt.Errorf("query resource units: %w", err)
	}
	defer rows.Close()
	var units []ResourceUnit
	for rows.Next() {
		var u ResourceUnit
		var typ, status string
		if err := rows.Scan(&u.ID, &u.Label, &typ, &status, &u.OccupiedBy); err != nil {
			return nil, fmt.Errorf("scan resource unit: %w", err)
		}
		u.Type = ResourceType(typ)
		u.Status = UnitStatus(status)
		units = append(units, u)
	}
	return units, rows.Err()
}

func (r *stateRepoPG) loadRequests(ctx context.Context, q queryable) ([]*Request, error) {
	rows, err := q.Query(ctx, `SELECT `+requestCols+` FROM resource_request ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()
	var reqs []*Request
	for rows.Next() {
		var req Request
		var types []string
		var status, priority string
		var windowStart, windowEnd *time.Time
		var seq int64
		if err := rows.Scan(&req.ID, &seq, &req.PatientID, &types, &status, &priority, &req.Comments,
			&windowStart, &windowEnd, &req.CreatedAt, &req.FulfilledBy, &req.FulfilledAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		req.Seq = uint64(seq)
		req.Status = RequestStatus(status)
		req.Priority = Priority(priority)
		for _, t := range types {
			req.RequiredTypes = append(req.RequiredTypes, ResourceType(t))
		}
		if windowStart != nil && windowEnd != nil {
			req.TimeWindow = &TimeWindow{Start: *windowStart, End: *windowEnd}
		}
		reqs = append(reqs, &req)
	}
	return reqs, rows.Err()
}

func (r *stateRepoPG) loadAssignments(ctx context.Context, q queryable) ([]*Assignment, error) {
	rows, err := q.Query(ctx, `SELECT `+assignmentCols+` FROM assignment ORDER BY assigned_at, ordinal`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()
	var out []*Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.RequestID, &a.PatientID, &a.ResourceIDs, &a.AssignedAt, &a.DischargedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *stateRepoPG) Save(ctx context.Context, st *State) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM engine_state WHERE id = 1 FOR UPDATE`).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = -1
	case err != nil:
		return false, fmt.Errorf("lock engine state: %w", err)
	}
	if current >= int64(st.Version) {
		return false, nil
	}

	for i, u := range st.Resources {
		if _, err := tx.Exec(ctx, `
			INSERT INTO resource_unit (id, ordinal, label, type, status, occupied_by)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, occupied_by = EXCLUDED.occupied_by`,
			u.ID, i, u.Label, string(u.Type), string(u.Status), u.OccupiedBy); err != nil {
			return false, fmt.Errorf("upsert resource unit %s: %w", u.ID, err)
		}
	}

	for _, req := range st.Requests {
		types := make([]string, 0, len(req.RequiredTypes))
		for _, t := range req.RequiredTypes {
			types = append(types, string(t))
		}
		var windowStart, windowEnd *time.Time
		if req.TimeWindow != nil {
			windowStart, windowEnd = &req.TimeWindow.Start, &req.TimeWindow.End
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO resource_request (`+requestCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
				fulfilled_by = EXCLUDED.fulfilled_by, fulfilled_at = EXCLUDED.fulfilled_at`,
			req.ID, int64(req.Seq), req.PatientID, types, string(req.Status), string(req.Priority), req.Comments,
			windowStart, windowEnd, req.CreatedAt, req.FulfilledBy, req.FulfilledAt); err != nil {
			return false, fmt.Errorf("upsert request %s: %w", req.ID, err)
		}
	}

	for i, a := range st.Assignments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO assignment (id, ordinal, request_id, patient_id, resource_ids, assigned_at, discharged_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (id) DO UPDATE SET discharged_at = EXCLUDED.discharged_at`,
			a.ID, i, a.RequestID, a.PatientID, a.ResourceIDs, a.AssignedAt, a.DischargedAt); err != nil {
			return false, fmt.Errorf("upsert assignment %s: %w", a.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO engine_state (id, version, saved_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, saved_at = EXCLUDED.saved_at`,
		int64(st.Version), st.TakenAt); err != nil {
		return false, fmt.Errorf("update engine state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
