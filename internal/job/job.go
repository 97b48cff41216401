// Package job defines the Job value, its lifecycle states, and the tagged
// outcome a worker's Process call returns.
package job

import (
	"time"
)

// State is the lifecycle state of a job. The seven non-suspended states map
// onto the uniqueness bitmap defined in package uniqueness; suspended is
// reserved and excluded from dispatch and from the default uniqueness
// group (spec Open Question, §9).
type State string

const (
	StateScheduled State = "scheduled"
	StateAvailable State = "available"
	StateExecuting State = "executing"
	StateRetryable State = "retryable"
	StateCompleted State = "completed"
	StateDiscarded State = "discarded"
	StateCancelled State = "cancelled"
	StateSuspended State = "suspended"
)

// Terminal reports whether state is one from which a job never transitions
// again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDiscarded, StateCancelled:
		return true
	default:
		return false
	}
}

// Bit returns this state's position in the 7-state uniqueness bitmap, or -1
// for the reserved suspended state which never participates.
func (s State) Bit() int {
	switch s {
	case StateScheduled:
		return 0
	case StateAvailable:
		return 1
	case StateExecuting:
		return 2
	case StateRetryable:
		return 3
	case StateCompleted:
		return 4
	case StateDiscarded:
		return 5
	case StateCancelled:
		return 6
	default:
		return -1
	}
}

// AllDispatchableStates lists the scheduled, available and executing
// states. The scheduler plugin uses it as the uniqueness group of the
// cron jobs it inserts; the default group applied when a uniqueness.Spec
// names none is defined in package uniqueness and also includes retryable.
var AllDispatchableStates = []State{StateScheduled, StateAvailable, StateExecuting}

// ErrorEntry is one row of a job's append-only error history.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
}

// Job is a unit of work as persisted in oban_jobs. It is an immutable
// identity (worker, queue, args) bearing mutable execution state.
type Job struct {
	ID          int64
	State       State
	Queue       string
	Worker      string
	Attempt     int
	MaxAttempts int
	Priority    int
	Args        map[string]any
	Meta        map[string]any
	Tags        []string
	Errors      []ErrorEntry
	AttemptedBy []string

	InsertedAt  time.Time
	ScheduledAt time.Time
	AttemptedAt *time.Time
	CancelledAt *time.Time
	CompletedAt *time.Time
	DiscardedAt *time.Time
}

// OutcomeKind tags the disjoint result a worker's Process call may return.
type OutcomeKind int

const (
	// OutcomeOK marks the job completed.
	OutcomeOK OutcomeKind = iota
	// OutcomeRetry marks a failed attempt to be retried (or discarded, if
	// attempts are exhausted). Uncaught panics recovered by the producer
	// map to this kind.
	OutcomeRetry
	// OutcomeDiscard forces a terminal discarded state regardless of
	// remaining attempts.
	OutcomeDiscard
	// OutcomeCancel forces a terminal cancelled state.
	OutcomeCancel
	// OutcomeSnooze reschedules the job after a delay without consuming an
	// attempt or recording an error (supplemental, from original_source's
	// Snooze result; see SPEC_FULL.md §3).
	OutcomeSnooze
)

// Outcome is the tagged result of a worker's Process call.
type Outcome struct {
	Kind   OutcomeKind
	Err    error         // set for OutcomeRetry (the failure) and, optionally, OutcomeDiscard
	Reason string        // set for OutcomeDiscard / OutcomeCancel
	Snooze time.Duration // set for OutcomeSnooze
}

// OK builds a successful outcome.
func OK() Outcome { return Outcome{Kind: OutcomeOK} }

// Retry builds a retry outcome wrapping the causing error.
func Retry(err error) Outcome { return Outcome{Kind: OutcomeRetry, Err: err} }

// Discard builds a forced-discard outcome.
func Discard(reason string) Outcome { return Outcome{Kind: OutcomeDiscard, Reason: reason} }

// Cancel builds a forced-cancel outcome.
func Cancel(reason string) Outcome { return Outcome{Kind: OutcomeCancel, Reason: reason} }

// SnoozeFor builds a snooze outcome.
func SnoozeFor(d time.Duration) Outcome { return Outcome{Kind: OutcomeSnooze, Snooze: d} }
