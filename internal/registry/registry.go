// Package registry implements the process-wide worker registry described in
// spec.md §6.1 and design note §9: an explicit map from worker identifier
// to executable unit, populated by ordinary Register calls at startup —
// there is no decorator or reflection-based auto-discovery.
package registry

import (
	"context"
	"fmt"
	"sync"

	"jobengine/internal/backoff"
	"jobengine/internal/cron"
	"jobengine/internal/job"
	"jobengine/internal/uniqueness"
)

// Process runs one attempt of a job and returns its tagged outcome.
type Process func(ctx context.Context, j job.Job) job.Outcome

// Worker is everything the engine needs to know about a registered worker
// identifier: how to run it and its default job options.
type Worker struct {
	Process     Process
	Queue       string
	MaxAttempts int
	Priority    int
	Backoff     backoff.Config
	Unique      *uniqueness.Spec

	// Cron, if non-nil, marks this worker as a recurring job the
	// scheduler plugin materializes on matching minutes.
	Cron *CronSpec
}

// CronSpec pairs a parsed expression with its evaluation timezone, per
// spec.md §4.2's per-worker timezone override.
type CronSpec struct {
	Expression Expression
	Timezone   string // IANA zone name; empty means use the engine default
}

// Expression is a thin alias avoiding a registry->cron cyclic doc reference
// while still exposing the concrete parsed type.
type Expression = cron.Expression

// Registry is a read-only-after-startup map of worker identifier to Worker.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds id to w. Intended to be called only during startup,
// before any producer or plugin begins reading the registry.
func (r *Registry) Register(id string, w Worker) error {
	if id == "" {
		return fmt.Errorf("registry: worker id must not be empty")
	}
	if w.Process == nil {
		return fmt.Errorf("registry: worker %q must provide a Process function", id)
	}
	if w.Queue == "" {
		w.Queue = "default"
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 20
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = w
	return nil
}

// Lookup returns the worker registered for id.
func (r *Registry) Lookup(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// CronWorkers returns the id and Worker for every registered worker that
// carries a cron spec, for the scheduler plugin to evaluate each tick.
func (r *Registry) CronWorkers() map[string]Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Worker)
	for id, w := range r.workers {
		if w.Cron != nil {
			out[id] = w
		}
	}
	return out
}

// Queues returns the distinct set of queue names named by registered
// workers, useful for a default engine configuration that wants one
// producer per queue actually in use.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, w := range r.workers {
		if !seen[w.Queue] {
			seen[w.Queue] = true
			out = append(out, w.Queue)
		}
	}
	return out
}
