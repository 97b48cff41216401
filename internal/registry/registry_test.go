package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobengine/internal/job"
)

func noopProcess(ctx context.Context, j job.Job) job.Outcome { return job.OK() }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("SendEmail", Worker{Process: noopProcess, Queue: "mailers"}))

	w, ok := r.Lookup("SendEmail")
	require.True(t, ok)
	assert.Equal(t, "mailers", w.Queue)
	assert.Equal(t, 20, w.MaxAttempts)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := New()
	err := r.Register("", Worker{Process: noopProcess})
	assert.Error(t, err)
}

func TestRegisterRejectsNilProcess(t *testing.T) {
	r := New()
	err := r.Register("X", Worker{})
	assert.Error(t, err)
}

func TestRegisterDefaultsQueue(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("X", Worker{Process: noopProcess}))
	w, _ := r.Lookup("X")
	assert.Equal(t, "default", w.Queue)
}

func TestCronWorkersFiltersNonCron(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("Plain", Worker{Process: noopProcess}))
	require.NoError(t, r.Register("Recurring", Worker{Process: noopProcess, Cron: &CronSpec{}}))

	cw := r.CronWorkers()
	assert.Len(t, cw, 1)
	_, ok := cw["Recurring"]
	assert.True(t, ok)
}

func TestQueuesDeduplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("A", Worker{Process: noopProcess, Queue: "default"}))
	require.NoError(t, r.Register("B", Worker{Process: noopProcess, Queue: "default"}))
	require.NoError(t, r.Register("C", Worker{Process: noopProcess, Queue: "mailers"}))

	qs := r.Queues()
	assert.ElementsMatch(t, []string{"default", "mailers"}, qs)
}
