package allocation

import "time"

// State is a point-in-time copy of the whole aggregate. Version increases by
// one for every committed mutation, so of two snapshots the one with the
// higher version is the newer.
type State struct {
	Version     uint64         `json:"version"`
	Resources   []ResourceUnit `json:"resources"`
	Requests    []*Request     `json:"requests"`
	Assignments []*Assignment  `json:"assignments"`
	TakenAt     time.Time      `json:"taken_at"`
}
