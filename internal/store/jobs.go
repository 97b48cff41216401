package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"jobengine/internal/job"
	"jobengine/internal/uniqueness"
)

// uniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505) raised by the oban_jobs_uniq_key_index partial index.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// InsertSpec is the caller-supplied half of a job: everything InsertJob
// needs in order to compute defaults, a uniqueness fingerprint (if any),
// and the row to insert.
type InsertSpec struct {
	Worker      string
	Queue       string
	Args        map[string]any
	Meta        map[string]any
	Tags        []string
	Priority    int
	MaxAttempts int
	ScheduledAt *time.Time
	Unique      *uniqueness.Spec
}

func (s InsertSpec) normalized() InsertSpec {
	if s.Queue == "" {
		s.Queue = "default"
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 20
	}
	if s.Args == nil {
		s.Args = map[string]any{}
	}
	if s.Meta == nil {
		s.Meta = map[string]any{}
	}
	return s
}

// InsertJob implements the unique-insert protocol of spec.md §4: when spec
// carries a uniqueness.Spec, the fingerprint is computed client-side (using
// the job's effective scheduled_at as the bucket timestamp, since
// inserted_at is not known until the row exists) and folded into meta as
// uniq_key/uniq_bmp before the row is built. A conflict on the partial
// unique index is caught and turned into a fetch-and-return of the
// colliding row rather than an error.
func (s *Store) InsertJob(ctx context.Context, spec InsertSpec) (j job.Job, conflicted bool, err error) {
	spec = spec.normalized()

	scheduledAt := nowUTC()
	if spec.ScheduledAt != nil {
		scheduledAt = spec.ScheduledAt.UTC()
	}
	state := job.StateAvailable
	if scheduledAt.After(nowUTC()) {
		state = job.StateScheduled
	}

	meta := spec.Meta
	var uniqKey string
	if spec.Unique != nil {
		key, bitmask, ferr := uniqueness.Fingerprint(*spec.Unique, spec.Worker, spec.Queue, spec.Args, spec.Meta, scheduledAt)
		if ferr != nil {
			return job.Job{}, false, fmt.Errorf("store: compute uniqueness fingerprint: %w", ferr)
		}
		meta = cloneMeta(spec.Meta)
		meta["uniq_key"] = key
		meta["uniq_bmp"] = bitmask
		uniqKey = key
	}

	argsJSON, err := json.Marshal(spec.Args)
	if err != nil {
		return job.Job{}, false, fmt.Errorf("store: marshal args: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return job.Job{}, false, fmt.Errorf("store: marshal meta: %w", err)
	}

	const q = `
		INSERT INTO oban_jobs (state, queue, worker, max_attempts, priority, args, meta, tags, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uniq_key) WHERE uniq_key IS NOT NULL DO NOTHING
		RETURNING ` + jobColumns

	row := s.Pool.QueryRow(ctx, q, string(state), spec.Queue, spec.Worker, spec.MaxAttempts,
		spec.Priority, argsJSON, metaJSON, spec.Tags, scheduledAt)

	inserted, err := scanJob(row)
	switch {
	case err == nil:
		return inserted, false, nil
	case errors.Is(err, pgx.ErrNoRows) && uniqKey != "":
		existing, ferr := s.jobByUniqKey(ctx, uniqKey)
		if ferr != nil {
			return job.Job{}, false, fmt.Errorf("store: fetch colliding unique job: %w", ferr)
		}
		return existing, true, nil
	default:
		return job.Job{}, false, fmt.Errorf("store: insert job: %w", err)
	}
}

func (s *Store) jobByUniqKey(ctx context.Context, uniqKey string) (job.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM oban_jobs WHERE uniq_key = $1`
	return scanJob(s.Pool.QueryRow(ctx, q, uniqKey))
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InsertJobs inserts each spec independently, preserving input order in the
// result slice. Each row's conflict resolution is therefore per-row, not
// all-or-nothing across the batch — spec.md does not require batch
// atomicity for insert_all, only that each row observes the same unique
// protocol as a single insert.
func (s *Store) InsertJobs(ctx context.Context, specs []InsertSpec) ([]job.Job, []bool, error) {
	jobs := make([]job.Job, len(specs))
	conflicts := make([]bool, len(specs))
	for i, spec := range specs {
		j, conflicted, err := s.InsertJob(ctx, spec)
		if err != nil {
			return nil, nil, fmt.Errorf("store: insert job %d of %d: %w", i+1, len(specs), err)
		}
		jobs[i] = j
		conflicts[i] = conflicted
	}
	return jobs, conflicts, nil
}

// FetchAndLock selects up to limit available jobs for queue in
// (priority, scheduled_at, id) order, skipping rows already locked by
// another producer, and atomically transitions them to executing while
// recording node in attempted_by and incrementing attempt. The returned
// slice preserves fetch order.
func (s *Store) FetchAndLock(ctx context.Context, queue, node string, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin fetch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectQ = `
		SELECT id FROM oban_jobs
		WHERE state = 'available' AND queue = $1
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, selectQ, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select fetchable jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan fetchable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	const updateQ = `
		UPDATE oban_jobs
		SET state = 'executing', attempt = attempt + 1, attempted_at = now(),
		    attempted_by = attempted_by || $2::text
		WHERE id = ANY($1::bigint[])
		RETURNING ` + jobColumns

	updated, err := tx.Query(ctx, updateQ, ids, node)
	if err != nil {
		return nil, fmt.Errorf("store: lock fetched jobs: %w", err)
	}
	locked, err := scanJobRows(updated)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit fetch tx: %w", err)
	}
	return orderByIDs(locked, ids), nil
}

// AckUpdate is the outcome of one executed attempt, reduced to the columns
// its ack needs to write.
type AckUpdate struct {
	ID          int64
	State       job.State
	ScheduledAt time.Time
	Attempt     int
	ErrorEntry  *job.ErrorEntry // appended to errors when non-nil
}

// AckBatch applies a batch of outcomes in one statement. Rows are matched
// by id AND state = 'executing', so a job already rescued by the lifeline
// plugin (and thus no longer executing) is silently skipped rather than
// double-acked.
func (s *Store) AckBatch(ctx context.Context, acks []AckUpdate) error {
	if len(acks) == 0 {
		return nil
	}

	ids := make([]int64, len(acks))
	states := make([]string, len(acks))
	scheduledAts := make([]time.Time, len(acks))
	attempts := make([]int32, len(acks))
	errorJSONs := make([]*string, len(acks))

	for i, a := range acks {
		ids[i] = a.ID
		states[i] = string(a.State)
		scheduledAts[i] = a.ScheduledAt.UTC()
		attempts[i] = int32(a.Attempt)
		if a.ErrorEntry != nil {
			b, err := json.Marshal(a.ErrorEntry)
			if err != nil {
				return fmt.Errorf("store: marshal error entry for job %d: %w", a.ID, err)
			}
			s := string(b)
			errorJSONs[i] = &s
		}
	}

	const q = `
		UPDATE oban_jobs AS j
		SET state = v.state::oban_job_state,
		    scheduled_at = v.scheduled_at,
		    attempt = v.attempt,
		    completed_at = CASE WHEN v.state = 'completed' THEN now() ELSE j.completed_at END,
		    discarded_at = CASE WHEN v.state = 'discarded' THEN now() ELSE j.discarded_at END,
		    cancelled_at = CASE WHEN v.state = 'cancelled' THEN now() ELSE j.cancelled_at END,
		    errors = CASE WHEN v.error_json IS NOT NULL THEN j.errors || v.error_json::jsonb ELSE j.errors END
		FROM (
			SELECT * FROM unnest($1::bigint[], $2::text[], $3::timestamptz[], $4::int[], $5::text[])
			       AS t(id, state, scheduled_at, attempt, error_json)
		) AS v
		WHERE j.id = v.id AND j.state = 'executing'`

	_, err := s.Pool.Exec(ctx, q, ids, states, scheduledAts, attempts, errorJSONs)
	if err != nil {
		return fmt.Errorf("store: ack batch: %w", err)
	}
	return nil
}

// StageDueJobs promotes scheduled/retryable jobs whose scheduled_at has
// elapsed to available, up to limit rows per call, and returns the
// distinct queues that received newly-available work so callers can wake
// the corresponding producers.
func (s *Store) StageDueJobs(ctx context.Context, limit int) ([]string, error) {
	const q = `
		WITH due AS (
			SELECT id FROM oban_jobs
			WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= now()
			ORDER BY scheduled_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE oban_jobs
		SET state = 'available'
		FROM due
		WHERE oban_jobs.id = due.id
		RETURNING oban_jobs.queue`

	rows, err := s.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: stage due jobs: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var queues []string
	for rows.Next() {
		var queue string
		if err := rows.Scan(&queue); err != nil {
			return nil, fmt.Errorf("store: scan staged queue: %w", err)
		}
		if !seen[queue] {
			seen[queue] = true
			queues = append(queues, queue)
		}
	}
	return queues, rows.Err()
}

// PruneTerminal deletes up to limit terminal (completed/cancelled/discarded)
// jobs whose terminal timestamp is older than maxAge.
func (s *Store) PruneTerminal(ctx context.Context, maxAge time.Duration, limit int) (int64, error) {
	const q = `
		DELETE FROM oban_jobs
		WHERE id IN (
			SELECT id FROM oban_jobs
			WHERE state IN ('completed', 'cancelled', 'discarded')
			  AND COALESCE(completed_at, cancelled_at, discarded_at) < now() - $1::interval
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`

	tag, err := s.Pool.Exec(ctx, q, maxAge.String(), limit)
	if err != nil {
		return 0, fmt.Errorf("store: prune terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RescueOrphans returns executing jobs to available when the producer
// named by their last attempted_by entry has no recent heartbeat row in
// oban_producers, without incrementing attempt — spec.md's lifeline plugin
// distinguishes an orphaned attempt from a genuine failed one.
func (s *Store) RescueOrphans(ctx context.Context, staleAfter time.Duration) (int64, error) {
	const q = `
		UPDATE oban_jobs
		SET state = 'available'
		WHERE state = 'executing'
		  AND array_length(attempted_by, 1) > 0
		  AND NOT EXISTS (
		      SELECT 1 FROM oban_producers p
		      WHERE p.node = oban_jobs.attempted_by[array_length(oban_jobs.attempted_by, 1)]
		        AND p.updated_at > now() - $1::interval
		  )`

	tag, err := s.Pool.Exec(ctx, q, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("store: rescue orphaned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// JobByID fetches a single job by id, for the HTTP inspection surface.
func (s *Store) JobByID(ctx context.Context, id int64) (job.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM oban_jobs WHERE id = $1`
	return scanJob(s.Pool.QueryRow(ctx, q, id))
}

// CancelJob moves a non-terminal job straight to cancelled, regardless of
// its current state, per spec.md §4's operator-initiated cancellation.
func (s *Store) CancelJob(ctx context.Context, id int64) (job.Job, error) {
	const q = `
		UPDATE oban_jobs
		SET state = 'cancelled', cancelled_at = now()
		WHERE id = $1 AND state NOT IN ('completed', 'cancelled', 'discarded')
		RETURNING ` + jobColumns

	j, err := scanJob(s.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.JobByID(ctx, id)
	}
	return j, err
}

// DiscardedJobs lists discarded jobs for a queue, most recent first, for
// the HTTP inspection surface.
func (s *Store) DiscardedJobs(ctx context.Context, queue string, limit int) ([]job.Job, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM oban_jobs
		WHERE queue = $1 AND state = 'discarded'
		ORDER BY discarded_at DESC
		LIMIT $2`

	rows, err := s.Pool.Query(ctx, q, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list discarded jobs: %w", err)
	}
	return scanJobRows(rows)
}
