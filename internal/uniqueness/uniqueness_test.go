package uniqueness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobengine/internal/job"
)

func mustFingerprint(t *testing.T, spec Spec, worker, queue string, args, meta map[string]any) (string, int64) {
	t.Helper()
	key, mask, err := Fingerprint(spec, worker, queue, args, meta, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return key, mask
}

func TestFingerprintSameArgsProduceSameKey(t *testing.T) {
	k1, _ := mustFingerprint(t, Spec{}, "Worker", "default", map[string]any{"id": float64(1)}, nil)
	k2, _ := mustFingerprint(t, Spec{}, "Worker", "default", map[string]any{"id": float64(1)}, nil)
	assert.Equal(t, k1, k2)
}

func TestFingerprintDifferentArgsProduceDifferentKeys(t *testing.T) {
	k1, _ := mustFingerprint(t, Spec{}, "Worker", "default", map[string]any{"id": float64(1)}, nil)
	k2, _ := mustFingerprint(t, Spec{}, "Worker", "default", map[string]any{"id": float64(2)}, nil)
	assert.NotEqual(t, k1, k2)
}

func TestFingerprintDifferentWorkersProduceDifferentKeys(t *testing.T) {
	k1, _ := mustFingerprint(t, Spec{}, "A", "default", map[string]any{"id": float64(1)}, nil)
	k2, _ := mustFingerprint(t, Spec{}, "B", "default", map[string]any{"id": float64(1)}, nil)
	assert.NotEqual(t, k1, k2)
}

func TestFingerprintDifferentQueuesProduceDifferentKeys(t *testing.T) {
	k1, _ := mustFingerprint(t, Spec{}, "Worker", "default", map[string]any{"id": float64(1)}, nil)
	k2, _ := mustFingerprint(t, Spec{}, "Worker", "other", map[string]any{"id": float64(1)}, nil)
	assert.NotEqual(t, k1, k2)
}

func TestFingerprintFieldsOptionOnlyArgs(t *testing.T) {
	spec := Spec{Fields: []string{FieldArgs}}
	k1, _ := mustFingerprint(t, spec, "A", "default", map[string]any{"id": float64(1)}, nil)
	k2, _ := mustFingerprint(t, spec, "B", "default", map[string]any{"id": float64(1)}, nil)
	assert.Equal(t, k1, k2)
}

func TestFingerprintKeysOptionFiltersArgs(t *testing.T) {
	spec := Spec{Fields: []string{FieldArgs}, Keys: []string{"id"}}
	k1, _ := mustFingerprint(t, spec, "Worker", "default", map[string]any{"id": float64(1), "name": "Foo"}, nil)
	k2, _ := mustFingerprint(t, spec, "Worker", "default", map[string]any{"id": float64(1), "name": "Bar"}, nil)
	k3, _ := mustFingerprint(t, spec, "Worker", "default", map[string]any{"id": float64(2), "name": "Bar"}, nil)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestFingerprintEmptyArgsDistinctFromNonEmpty(t *testing.T) {
	k1, _ := mustFingerprint(t, Spec{}, "Worker", "default", map[string]any{"id": float64(1)}, nil)
	k2, _ := mustFingerprint(t, Spec{}, "Worker", "default", map[string]any{}, nil)
	assert.NotEqual(t, k1, k2)
}

func TestFingerprintPeriodIncludesBucket(t *testing.T) {
	spec := Spec{Period: 60 * time.Second}

	k1, _, err := Fingerprint(spec, "Worker", "default", nil, nil, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	k2, _, err := Fingerprint(spec, "Worker", "default", nil, nil, time.Date(2025, 1, 1, 12, 0, 59, 0, time.UTC))
	require.NoError(t, err)

	k3, _, err := Fingerprint(spec, "Worker", "default", nil, nil, time.Date(2025, 1, 1, 12, 1, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k2, k3)
}

func TestBitmaskDefaultGroup(t *testing.T) {
	_, mask := mustFingerprint(t, Spec{}, "Worker", "default", nil, nil)
	want := Bitmask([]job.State{job.StateScheduled, job.StateAvailable, job.StateExecuting, job.StateRetryable})
	assert.Equal(t, want, mask)
}

func TestBitmaskExplicitGroup(t *testing.T) {
	_, mask := mustFingerprint(t, Spec{Group: []job.State{job.StateScheduled}}, "Worker", "default", nil, nil)
	assert.Equal(t, int64(1), mask) // bit 0
}

func TestBitmaskExcludesSuspended(t *testing.T) {
	mask := Bitmask([]job.State{job.StateSuspended})
	assert.Equal(t, int64(0), mask)
}
