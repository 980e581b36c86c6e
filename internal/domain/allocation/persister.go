package allocation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Persister saves engine snapshots to a StateRepository. It subscribes to
// engine events, coalesces bursts of them, and writes from a single
// goroutine so saves never run inside the engine lock.
type Persister struct {
	engine   *Engine
	repo     StateRepository
	interval time.Duration
	logger   zerolog.Logger
	dirty    chan struct{}
}

// NewPersister creates a persister and subscribes it to engine. interval is
// the debounce delay between the first change and the save.
func NewPersister(engine *Engine, repo StateRepository, interval time.Duration, logger zerolog.Logger) *Persister {
	p := &Persister{
		engine:   engine,
		repo:     repo,
		interval: interval,
		logger:   logger.With().Str("component", "persister").Logger(),
		dirty:    make(chan struct{}, 1),
	}
	engine.Subscribe(p)
	return p
}

// Publish marks the state dirty. It never blocks.
func (p *Persister) Publish(_ context.Context, _ Event) error {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
	return nil
}

// Run saves dirty state until ctx is cancelled, then flushes once more.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Flush(flushCtx); err != nil {
				p.logger.Error().Err(err).Msg("final state flush failed")
			}
			cancel()
			return
		case <-p.dirty:
			if p.interval > 0 {
				t := time.NewTimer(p.interval)
				select {
				case <-ctx.Done():
					t.Stop()
					continue
				case <-t.C:
				}
			}
			if err := p.Flush(ctx); err != nil {
				p.logger.Error().Err(err).Msg("state flush failed")
			}
		}
	}
}

// Flush saves the current snapshot immediately.
func (p *Persister) Flush(ctx context.Context) error {
	st := p.engine.Snapshot()
	saved, err := p.repo.Save(ctx, st)
	if err != nil {
		return err
	}
	p.logger.Debug().Uint64("version", st.Version).Bool("written", saved).Msg("state flushed")
	return nil
}
