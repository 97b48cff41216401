// Package scheduler implements spec.md §4.3's two leader-only duties:
// staging jobs whose scheduled_at has elapsed, and materializing due
// occurrences of registered cron workers.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"jobengine/internal/job"
	"jobengine/internal/leader"
	"jobengine/internal/notify"
	"jobengine/internal/registry"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
	"jobengine/internal/uniqueness"
)

// Config controls the scheduler plugin's tick cadence and batch size.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	DefaultTZName string // IANA zone used when a cron worker doesn't override one
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.DefaultTZName == "" {
		c.DefaultTZName = "UTC"
	}
	return c
}

// Plugin drives staging and cron materialization while this node holds
// leadership.
type Plugin struct {
	cfg      Config
	store    *store.Store
	registry *registry.Registry
	elector  *leader.Elector
	log      *slog.Logger

	lastMinute time.Time
}

// New builds a scheduler Plugin.
func New(st *store.Store, reg *registry.Registry, elector *leader.Elector, cfg Config) *Plugin {
	return &Plugin{
		cfg:      cfg.withDefaults(),
		store:    st,
		registry: reg,
		elector:  elector,
		log:      slog.With("component", "scheduler"),
	}
}

// Run ticks at cfg.Interval until ctx is cancelled, doing work only while
// this node holds leadership.
func (p *Plugin) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !p.elector.IsLeader() {
				continue
			}
			p.stage(ctx)
			p.materializeCron(ctx, now)
		}
	}
}

func (p *Plugin) stage(ctx context.Context) {
	queues, err := p.store.StageDueJobs(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.Warn("stage due jobs failed", "error", err)
		return
	}
	if len(queues) == 0 {
		return
	}
	telemetry.JobsStaged.Add(float64(len(queues)))
	for _, q := range queues {
		if err := notify.Notify(ctx, p.store.Pool, q); err != nil {
			p.log.Warn("notify queue failed", "queue", q, "error", err)
		}
	}
}

// materializeCron inserts one job per registered cron worker whose
// expression matches the current minute, deduplicated across nodes and
// across repeated ticks within the same minute by a minute-bucketed
// uniqueness fingerprint.
func (p *Plugin) materializeCron(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	if minute.Equal(p.lastMinute) {
		return
	}
	p.lastMinute = minute

	for id, w := range p.registry.CronWorkers() {
		tzName := w.Cron.Timezone
		if tzName == "" {
			tzName = p.cfg.DefaultTZName
		}
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			p.log.Warn("unknown cron timezone, defaulting to UTC", "worker", id, "timezone", tzName)
			loc = time.UTC
		}

		if !w.Cron.Expression.Matches(now.In(loc)) {
			continue
		}

		spec := store.InsertSpec{
			Worker:      id,
			Queue:       w.Queue,
			Args:        map[string]any{},
			MaxAttempts: w.MaxAttempts,
			Priority:    w.Priority,
			Unique: &uniqueness.Spec{
				Fields: []string{uniqueness.FieldWorker, uniqueness.FieldQueue},
				Period: time.Minute,
				Group:  job.AllDispatchableStates,
			},
		}

		_, conflicted, err := p.store.InsertJob(ctx, spec)
		if err != nil {
			p.log.Warn("insert cron job failed", "worker", id, "error", err)
			continue
		}
		telemetry.JobsInserted.WithLabelValues(w.Queue, boolLabel(conflicted)).Inc()
		if !conflicted {
			_ = notify.Notify(ctx, p.store.Pool, w.Queue)
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
