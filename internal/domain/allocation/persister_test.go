package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStateRepo struct {
	mu     sync.Mutex
	saved  []*State
	err    error
	loaded *State
}

func (r *fakeStateRepo) Load(context.Context) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded, r.err
}

func (r *fakeStateRepo) Save(_ context.Context, st *State) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.saved = append(r.saved, st)
	return true, nil
}

func (r *fakeStateRepo) saves() []*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*State(nil), r.saved...)
}

func TestPersister_Flush(t *testing.T) {
	e := newTestEngine(t, InventoryCounts{Bed: 1})
	repo := &fakeStateRepo{}
	p := NewPersister(e, repo, time.Hour, zerolog.Nop())

	mustSubmit(t, e, "p1", Bed)
	require.NoError(t, p.Flush(context.Background()))

	saves := repo.saves()
	require.Len(t, saves, 1)
	assert.Equal(t, uint64(1), saves[0].Version)
	assert.Len(t, saves[0].Requests, 1)
}

func TestPersister_FlushError(t *testing.T) {
	e := newTestEngine(t, InventoryCounts{Bed: 1})
	repo := &fakeStateRepo{err: errors.New("db down")}
	p := NewPersister(e, repo, 0, zerolog.Nop())

	assert.EqualError(t, p.Flush(context.Background()), "db down")
}

func TestPersister_PublishNeverBlocks(t *testing.T) {
	e := newTestEngine(t, InventoryCounts{Bed: 1})
	NewPersister(e, &fakeStateRepo{}, time.Hour, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, err := e.Submit(context.Background(), Submission{PatientID: "p1", RequiredTypes: []ResourceType{Bed}})
			assert.NoError(t, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit blocked on an idle persister")
	}
}

func TestPersister_RunSavesChangesAndFlushesOnStop(t *testing.T) {
	e := newTestEngine(t, InventoryCounts{Bed: 1})
	repo := &fakeStateRepo{}
	p := NewPersister(e, repo, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	mustSubmit(t, e, "p1", Bed)
	e.Allocate(context.Background())

	assert.Eventually(t, func() bool {
		saves := repo.saves()
		return len(saves) > 0 && saves[len(saves)-1].Version == 2
	}, 2*time.Second, 5*time.Millisecond)

	before := len(repo.saves())
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("persister did not stop")
	}
	saves := repo.saves()
	assert.GreaterOrEqual(t, len(saves), before+1)
	assert.Equal(t, uint64(2), saves[len(saves)-1].Version)
}
