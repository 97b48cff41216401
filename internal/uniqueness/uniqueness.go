// Package uniqueness implements the at-most-one-per-fingerprint insertion
// protocol described in spec.md §4.1: canonical fingerprinting of a job's
// selected fields, a bitmap encoding of which states the fingerprint is
// live in, and the meta-embedded values a stored-generated database column
// and partial unique index enforce against.
package uniqueness

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"jobengine/internal/job"
)

// Field names accepted in Spec.Fields.
const (
	FieldWorker = "worker"
	FieldQueue  = "queue"
	FieldArgs   = "args"
	FieldMeta   = "meta"
)

// defaultGroup is applied when a Spec doesn't name one explicitly: an
// in-flight job (scheduled, available, executing, or retryable) blocks a
// duplicate insert; terminal states never do.
var defaultGroup = []job.State{
	job.StateScheduled,
	job.StateAvailable,
	job.StateExecuting,
	job.StateRetryable,
}

var defaultFields = []string{FieldWorker, FieldQueue, FieldArgs}

// Spec is a job's declared uniqueness policy.
type Spec struct {
	// Fields selects which parts of the job participate in the
	// fingerprint. Defaults to {worker, queue, args}.
	Fields []string
	// Keys, when non-empty, restricts args/meta to these top-level keys
	// before they're serialized into the fingerprint.
	Keys []string
	// Period is the rolling window the fingerprint is scoped to. Zero
	// means unbounded (the fingerprint never expires on its own).
	Period time.Duration
	// Group is the set of states in which an existing job with the same
	// fingerprint blocks a new insert. Defaults to defaultGroup.
	Group []job.State
}

// Bitmask packs a set of states into the 7-bit mask stored in a job's
// meta.uniq_bmp and mirrored by the oban_state_bit() SQL function that
// backs the generated uniq_key column.
func Bitmask(states []job.State) int64 {
	var mask int64
	for _, s := range states {
		if bit := s.Bit(); bit >= 0 {
			mask |= 1 << uint(bit)
		}
	}
	return mask
}

// resolvedFields returns spec.Fields, defaulted and de-duplicated in a
// stable, canonical order so that field-selection order never affects the
// fingerprint.
func resolvedFields(fields []string) []string {
	if len(fields) == 0 {
		fields = defaultFields
	}
	order := map[string]int{FieldWorker: 0, FieldQueue: 1, FieldArgs: 2, FieldMeta: 3}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}

// filterKeys returns a copy of m restricted to keys, or m unchanged if keys
// is empty.
func filterKeys(m map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		return m
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Fingerprint computes the (key, bitmask) pair for spec applied to a job
// about to be inserted. key is a hex-encoded SHA-256 digest (truncated to
// 32 characters) of the canonical serialization of the selected fields;
// bitmask is the packed uniqueness group.
func Fingerprint(spec Spec, worker, queue string, args, meta map[string]any, insertedAt time.Time) (key string, bitmask int64, err error) {
	group := spec.Group
	if len(group) == 0 {
		group = defaultGroup
	}
	bitmask = Bitmask(group)

	payload := make(map[string]any, 5)
	for _, f := range resolvedFields(spec.Fields) {
		switch f {
		case FieldWorker:
			payload["worker"] = worker
		case FieldQueue:
			payload["queue"] = queue
		case FieldArgs:
			payload["args"] = filterKeys(args, spec.Keys)
		case FieldMeta:
			payload["meta"] = filterKeys(meta, spec.Keys)
		default:
			return "", 0, fmt.Errorf("uniqueness: unrecognized field %q", f)
		}
	}

	if spec.Period > 0 {
		bucket := insertedAt.Unix() / int64(spec.Period.Seconds())
		payload["bucket"] = bucket
	}

	canonical, err := canonicalize(payload)
	if err != nil {
		return "", 0, fmt.Errorf("uniqueness: canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:32], bitmask, nil
}

// canonicalize serializes v with sorted object keys and no insignificant
// whitespace, so that two structurally-equal payloads always produce
// byte-identical output regardless of map iteration order.
func canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize walks v, copying every nested map[string]any and []any. Maps
// stay maps: the sorted key order in the output comes from encoding/json,
// which always sorts map[string]any keys when marshalling.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
