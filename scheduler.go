package tableau

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/tableau/internal/store"
)

// sweeper is the background maintenance loop: it refreshes api sources
// whose freshness has lapsed and prunes old refresh log entries.
//
// Error-state sources are skipped. A failed source stays failed until an
// explicit Refresh clears it; automatic retry of a broken origin every
// sweep would just hammer it.
type sweeper struct {
	engine *Engine
	cfg    SchedulerConfig
	logger *slog.Logger
}

func newSweeper(e *Engine, cfg SchedulerConfig, logger *slog.Logger) *sweeper {
	return &sweeper{engine: e, cfg: cfg, logger: logger}
}

func (s *sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.logger.Info("sweeper: started", "interval", s.cfg.CheckInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper: stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one maintenance pass. Per-source failures are logged and
// recorded on the source's sync state, never propagated.
func (s *sweeper) sweep(ctx context.Context) {
	sources, err := s.engine.ListSources(ctx)
	if err != nil {
		s.logger.Error("sweeper: list sources", "error", err)
		return
	}

	for _, src := range sources {
		if src.Kind != store.KindAPI {
			continue
		}
		if src.SyncState == store.SyncError || src.SyncState == store.SyncSyncing {
			continue
		}
		h := s.engine.Handle(src.ID)
		f, err := h.Freshness(ctx)
		if err != nil {
			s.logger.Warn("sweeper: freshness", "source_id", src.ID, "error", err)
			continue
		}
		if f.State != store.SyncStale && f.State != store.SyncNever {
			continue
		}
		if _, err := h.Refresh(ctx); err != nil {
			// Captured in the source's sync state; surfaced on the next read.
			s.logger.Warn("sweeper: refresh", "source_id", src.ID, "error", err)
		}
	}

	if err := s.engine.st.PruneRefreshLog(ctx, s.cfg.LogRetention); err != nil {
		s.logger.Warn("sweeper: prune refresh log", "error", err)
	}
}

// SweepNow runs one maintenance pass synchronously. Exposed for callers
// that want a deterministic sweep (tests, shutdown hooks).
func (e *Engine) SweepNow(ctx context.Context) {
	e.sweeper.sweep(ctx)
}
