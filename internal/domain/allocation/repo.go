package allocation

import "context"

// StateRepository persists whole-aggregate snapshots.
type StateRepository interface {
	// Load returns the last saved state, or nil when nothing was saved yet.
	Load(ctx context.Context) (*State, error)
	// Save stores st unless a snapshot with an equal or higher version is
	// already stored. It reports whether st was written.
	Save(ctx context.Context, st *State) (bool, error)
}
