package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobengine/internal/job"
)

// jobColumns is the column list shared by every SELECT/RETURNING that
// produces a full job.Job.
const jobColumns = `id, state, queue, worker, attempt, max_attempts, priority,
	args, meta, tags, errors, attempted_by,
	inserted_at, scheduled_at, attempted_at, cancelled_at, completed_at, discarded_at`

// scanJob reads one row shaped like jobColumns into a job.Job.
func scanJob(row pgx.Row) (job.Job, error) {
	var j job.Job
	var argsJSON, metaJSON, errorsJSON []byte
	var state string

	err := row.Scan(
		&j.ID, &state, &j.Queue, &j.Worker, &j.Attempt, &j.MaxAttempts, &j.Priority,
		&argsJSON, &metaJSON, &j.Tags, &errorsJSON, &j.AttemptedBy,
		&j.InsertedAt, &j.ScheduledAt, &j.AttemptedAt, &j.CancelledAt, &j.CompletedAt, &j.DiscardedAt,
	)
	if err != nil {
		return job.Job{}, err
	}

	j.State = job.State(state)

	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &j.Args); err != nil {
			return job.Job{}, fmt.Errorf("store: unmarshal args: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &j.Meta); err != nil {
			return job.Job{}, fmt.Errorf("store: unmarshal meta: %w", err)
		}
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &j.Errors); err != nil {
			return job.Job{}, fmt.Errorf("store: unmarshal errors: %w", err)
		}
	}

	return j, nil
}

func scanJobRows(rows pgx.Rows) ([]job.Job, error) {
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// orderByIDs reorders jobs to match the sequence of ids, dropping any id
// that (unexpectedly) has no corresponding job. Used after an UPDATE ...
// RETURNING whose row order isn't guaranteed to match a prior SELECT's
// ORDER BY.
func orderByIDs(jobs []job.Job, ids []int64) []job.Job {
	byID := make(map[int64]job.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	out := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := byID[id]; ok {
			out = append(out, j)
		}
	}
	return out
}

func nowUTC() time.Time { return time.Now().UTC() }
