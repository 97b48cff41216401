// Package pruner implements spec.md §4.3's leader-only retention sweep:
// periodically delete terminal jobs older than a configured max age.
package pruner

import (
	"context"
	"log/slog"
	"time"

	"jobengine/internal/leader"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Config controls the pruner's cadence, retention window, and per-tick
// deletion cap.
type Config struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	return c
}

// Plugin deletes old terminal jobs while this node holds leadership.
type Plugin struct {
	cfg     Config
	store   *store.Store
	elector *leader.Elector
	log     *slog.Logger
}

// New builds a pruner Plugin.
func New(st *store.Store, elector *leader.Elector, cfg Config) *Plugin {
	return &Plugin{
		cfg:     cfg.withDefaults(),
		store:   st,
		elector: elector,
		log:     slog.With("component", "pruner"),
	}
}

// Run ticks at cfg.Interval until ctx is cancelled, pruning only while
// this node holds leadership. Each tick deletes at most cfg.BatchSize rows
// so a large backlog is worked off gradually instead of in one long lock.
func (p *Plugin) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.elector.IsLeader() {
				continue
			}
			n, err := p.store.PruneTerminal(ctx, p.cfg.MaxAge, p.cfg.BatchSize)
			if err != nil {
				p.log.Warn("prune failed", "error", err)
				continue
			}
			if n > 0 {
				telemetry.JobsPruned.Add(float64(n))
				p.log.Info("pruned terminal jobs", "count", n)
			}
		}
	}
}
