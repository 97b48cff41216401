// Package producer implements the per-queue fetch/dispatch/ack loop of
// spec.md §5: claim up to (limit - in_flight) available jobs with
// SKIP LOCKED, run each on its own goroutine through the worker registry,
// and flush completed outcomes back to Postgres in batches. Adapted from
// the teacher's internal/worker/processor.go, which drove the same shape
// of loop against a Redis-backed queue instead of Postgres row claims.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobengine/internal/backoff"
	"jobengine/internal/job"
	"jobengine/internal/notify"
	"jobengine/internal/registry"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Config controls one Producer's polling and concurrency behavior.
type Config struct {
	Queue           string
	Limit           int           // max concurrently-executing jobs for this queue
	PollInterval    time.Duration // fallback poll when no NOTIFY arrives
	AckInterval     time.Duration // how often buffered outcomes are flushed
	AckBatchSize    int
	JobTimeout      time.Duration // per-attempt cooperative cancellation deadline; 0 disables
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.AckInterval <= 0 {
		c.AckInterval = 200 * time.Millisecond
	}
	if c.AckBatchSize <= 0 {
		c.AckBatchSize = 50
	}
	return c
}

// Producer drives one queue's dispatch loop.
type Producer struct {
	cfg      Config
	store    *store.Store
	registry *registry.Registry
	node     string
	uuid     string
	log      *slog.Logger

	mu       sync.Mutex
	inFlight int

	wake chan struct{}

	acksMu sync.Mutex
	acks   []store.AckUpdate
}

// New builds a Producer for one queue.
func New(st *store.Store, reg *registry.Registry, node string, cfg Config) *Producer {
	cfg = cfg.withDefaults()
	return &Producer{
		cfg:      cfg,
		store:    st,
		registry: reg,
		node:     node,
		uuid:     uuid.NewString(),
		log:      slog.With("component", "producer", "queue", cfg.Queue),
	}
}

// Run drives fetch/dispatch/ack until ctx is cancelled. It registers a
// heartbeat row in oban_producers so the lifeline plugin can distinguish
// a live producer from one that vanished mid-attempt.
func (p *Producer) Run(ctx context.Context) {
	if err := p.store.RegisterProducer(ctx, p.uuid, p.node, p.cfg.Queue, nil); err != nil {
		p.log.Warn("register producer heartbeat failed", "error", err)
	}
	defer func() {
		deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.store.DeregisterProducer(deregisterCtx, p.uuid)
	}()

	wake := make(chan struct{}, 1)
	p.wake = wake

	listener, err := notify.Listen(ctx, p.store.Pool, p.cfg.Queue)
	if err != nil {
		p.log.Warn("listen for queue notifications failed, falling back to polling only", "error", err)
	} else {
		defer listener.Close()
		go p.waitForWake(ctx, listener)
	}

	heartbeat := time.NewTicker(p.cfg.PollInterval)
	defer heartbeat.Stop()
	ackTicker := time.NewTicker(p.cfg.AckInterval)
	defer ackTicker.Stop()

	p.dispatchAvailable(ctx)

	for {
		select {
		case <-ctx.Done():
			p.flushAcks(context.Background())
			return
		case <-heartbeat.C:
			_ = p.store.HeartbeatProducer(ctx, p.uuid)
			p.dispatchAvailable(ctx)
		case <-wake:
			p.dispatchAvailable(ctx)
		case <-ackTicker.C:
			p.flushAcks(ctx)
		}
	}
}

// waitForWake blocks on Postgres NOTIFY delivery and signals p.wake
// whenever a notification arrives on this queue's channel.
func (p *Producer) waitForWake(ctx context.Context, l *notify.Listener) {
	for {
		if err := l.Wait(ctx); err != nil {
			return
		}
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Producer) budget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := p.cfg.Limit - p.inFlight
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (p *Producer) dispatchAvailable(ctx context.Context) {
	limit := p.budget()
	if limit == 0 {
		return
	}

	jobs, err := p.store.FetchAndLock(ctx, p.cfg.Queue, p.node, limit)
	if err != nil {
		p.log.Warn("fetch failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	telemetry.JobsFetched.WithLabelValues(p.cfg.Queue).Add(float64(len(jobs)))

	p.mu.Lock()
	p.inFlight += len(jobs)
	p.mu.Unlock()
	telemetry.InFlightGauge.WithLabelValues(p.cfg.Queue).Add(float64(len(jobs)))

	for _, j := range jobs {
		go p.execute(ctx, j)
	}
}

func (p *Producer) execute(ctx context.Context, j job.Job) {
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
		telemetry.InFlightGauge.WithLabelValues(p.cfg.Queue).Dec()
	}()

	w, ok := p.registry.Lookup(j.Worker)
	if !ok {
		p.enqueueAck(j, job.Discard("no worker registered for "+j.Worker))
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	outcome := runProcess(runCtx, w, j)
	p.enqueueAck(j, outcome)

	switch outcome.Kind {
	case job.OutcomeOK:
		telemetry.JobsCompleted.WithLabelValues(p.cfg.Queue, j.Worker).Inc()
	case job.OutcomeRetry:
		if j.Attempt >= j.MaxAttempts {
			telemetry.JobsDiscarded.WithLabelValues(p.cfg.Queue, j.Worker).Inc()
		} else {
			telemetry.JobsRetried.WithLabelValues(p.cfg.Queue, j.Worker).Inc()
		}
	case job.OutcomeDiscard:
		telemetry.JobsDiscarded.WithLabelValues(p.cfg.Queue, j.Worker).Inc()
	case job.OutcomeCancel:
		telemetry.JobsCancelled.WithLabelValues(p.cfg.Queue, j.Worker).Inc()
	case job.OutcomeSnooze:
		telemetry.JobsRetried.WithLabelValues(p.cfg.Queue, j.Worker).Inc()
	}
}

// runProcess invokes the worker's Process, recovering a panic into a
// Retry outcome so one bad worker never takes down the producer loop.
func runProcess(ctx context.Context, w registry.Worker, j job.Job) (outcome job.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = job.Retry(fmt.Errorf("worker panicked: %v", r))
		}
	}()
	return w.Process(ctx, j)
}

func (p *Producer) enqueueAck(j job.Job, outcome job.Outcome) {
	update := reduceOutcome(j, outcome)

	p.acksMu.Lock()
	p.acks = append(p.acks, update)
	full := len(p.acks) >= p.cfg.AckBatchSize
	p.acksMu.Unlock()

	if full {
		p.flushAcks(context.Background())
	}
}

func (p *Producer) flushAcks(ctx context.Context) {
	p.acksMu.Lock()
	batch := p.acks
	p.acks = nil
	p.acksMu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := p.store.AckBatch(ctx, batch); err != nil {
		p.log.Warn("ack batch failed", "error", err, "size", len(batch))
	}
}

// reduceOutcome turns a worker's tagged Outcome into the row mutation
// AckBatch applies, per spec.md §3's state machine: OK completes,
// Discard/Cancel go straight to their terminal state, Retry returns to
// retryable at a computed backoff delay unless attempts are exhausted, in
// which case the job is discarded, and Snooze returns to scheduled after
// the snooze delay with its attempt given back and no error recorded.
func reduceOutcome(j job.Job, outcome job.Outcome) store.AckUpdate {
	update := store.AckUpdate{ID: j.ID, Attempt: j.Attempt}

	switch outcome.Kind {
	case job.OutcomeOK:
		update.State = job.StateCompleted
		update.ScheduledAt = time.Now().UTC()
		return update

	case job.OutcomeCancel:
		update.State = job.StateCancelled
		update.ScheduledAt = time.Now().UTC()
		return update

	case job.OutcomeDiscard:
		update.State = job.StateDiscarded
		update.ScheduledAt = time.Now().UTC()
		update.ErrorEntry = &job.ErrorEntry{At: time.Now().UTC(), Attempt: j.Attempt, Error: outcome.Reason}
		return update

	case job.OutcomeSnooze:
		update.State = job.StateScheduled
		update.ScheduledAt = time.Now().UTC().Add(outcome.Snooze)
		update.Attempt = j.Attempt - 1 // snoozing doesn't count as a failed attempt
		return update

	default: // job.OutcomeRetry
		errMsg := ""
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		update.ErrorEntry = &job.ErrorEntry{At: time.Now().UTC(), Attempt: j.Attempt, Error: errMsg}

		if j.Attempt >= j.MaxAttempts {
			update.State = job.StateDiscarded
			update.ScheduledAt = time.Now().UTC()
			return update
		}
		update.State = job.StateRetryable
		update.ScheduledAt = time.Now().UTC().Add(backoff.Compute(backoff.DefaultConfig, j.Attempt))
		return update
	}
}
