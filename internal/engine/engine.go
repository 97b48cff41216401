// Package engine wires the store, registry, leader election, per-queue
// producers, and leader-only plugins into a single supervised unit —
// the composition root a cmd/ binary starts and stops as one.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"jobengine/internal/config"
	"jobengine/internal/leader"
	"jobengine/internal/plugin/lifeline"
	"jobengine/internal/plugin/pruner"
	"jobengine/internal/plugin/scheduler"
	"jobengine/internal/producer"
	"jobengine/internal/registry"
	"jobengine/internal/store"
)

// Engine supervises one node's full set of background components.
type Engine struct {
	cfg      config.Config
	store    *store.Store
	registry *registry.Registry
	elector  *leader.Elector
	sched    *scheduler.Plugin
	prune    *pruner.Plugin
	life     *lifeline.Plugin
	prods    []*producer.Producer
}

// New constructs an Engine from configuration, a connected Store, and a
// populated Registry. It does not start anything; call Run for that.
func New(cfg config.Config, st *store.Store, reg *registry.Registry) *Engine {
	elector := leader.New(st, cfg.LeaderName, cfg.NodeName, cfg.LeaderLease, cfg.LeaderRenewInterval)

	sched := scheduler.New(st, reg, elector, scheduler.Config{
		Interval:      cfg.SchedulerInterval,
		BatchSize:     cfg.SchedulerBatchSize,
		DefaultTZName: cfg.CronTimezone,
	})
	prune := pruner.New(st, elector, pruner.Config{
		Interval:  cfg.PrunerInterval,
		MaxAge:    cfg.PrunerMaxAge,
		BatchSize: cfg.PrunerBatchSize,
	})
	life := lifeline.New(st, elector, lifeline.Config{
		Interval:   cfg.LifelineInterval,
		StaleAfter: cfg.LifelineStaleAfter,
	})

	prods := make([]*producer.Producer, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		prods = append(prods, producer.New(st, reg, cfg.NodeName, producer.Config{
			Queue: q.Name,
			Limit: q.Concurrency,
		}))
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		registry: reg,
		elector:  elector,
		sched:    sched,
		prune:    prune,
		life:     life,
		prods:    prods,
	}
}

// Run starts every component and blocks until ctx is cancelled, then
// waits for all of them to exit.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("component starting", "component", name)
			fn(ctx)
			slog.Info("component stopped", "component", name)
		}()
	}

	run("leader", e.elector.Run)
	run("scheduler", e.sched.Run)
	run("pruner", e.prune.Run)
	run("lifeline", e.life.Run)
	for _, p := range e.prods {
		run("producer", p.Run)
	}

	<-ctx.Done()
	wg.Wait()
}

// Store exposes the engine's Store so the HTTP API can insert/inspect jobs
// through the exact same connection pool the producers use.
func (e *Engine) Store() *store.Store { return e.store }

// Registry exposes the engine's worker registry, e.g. for an API endpoint
// that lists known worker identifiers.
func (e *Engine) Registry() *registry.Registry { return e.registry }
