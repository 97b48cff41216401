// Package lifeline implements spec.md §4.3's leader-only orphan rescue:
// periodically return executing jobs to available when the producer that
// claimed them has stopped heartbeating, without counting it as a failed
// attempt.
package lifeline

import (
	"context"
	"log/slog"
	"time"

	"jobengine/internal/leader"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Config controls the lifeline's cadence and staleness threshold.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * time.Second
	}
	return c
}

// Plugin rescues orphaned executing jobs while this node holds leadership.
type Plugin struct {
	cfg     Config
	store   *store.Store
	elector *leader.Elector
	log     *slog.Logger
}

// New builds a lifeline Plugin.
func New(st *store.Store, elector *leader.Elector, cfg Config) *Plugin {
	return &Plugin{
		cfg:     cfg.withDefaults(),
		store:   st,
		elector: elector,
		log:     slog.With("component", "lifeline"),
	}
}

// Run ticks at cfg.Interval until ctx is cancelled, rescuing orphans only
// while this node holds leadership.
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
			n, err := p.store.RescueOrphans(ctx, p.cfg.StaleAfter)
			if err != nil {
				p.log.Warn("rescue failed", "error", err)
				continue
			}
			if n > 0 {
				telemetry.JobsRescued.Add(float64(n))
				p.log.Info("rescued orphaned jobs", "count", n)
			}
		}
	}
}
