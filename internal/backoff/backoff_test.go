package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeGrowsExponentially(t *testing.T) {
	cfg := Config{Base: time.Second, Max: time.Hour, Jitter: false}
	assert.Equal(t, time.Second, Compute(cfg, 1))
	assert.Equal(t, 2*time.Second, Compute(cfg, 2))
	assert.Equal(t, 4*time.Second, Compute(cfg, 3))
}

func TestComputeCapsAtMax(t *testing.T) {
	cfg := Config{Base: time.Second, Max: 5 * time.Second, Jitter: false}
	assert.Equal(t, 5*time.Second, Compute(cfg, 20))
}

func TestComputeJitterWithinBounds(t *testing.T) {
	cfg := Config{Base: time.Second, Max: time.Hour, Jitter: true}
	for i := 0; i < 50; i++ {
		d := Compute(cfg, 1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestComputeAttemptBelowOneTreatedAsOne(t *testing.T) {
	cfg := Config{Base: time.Second, Max: time.Hour, Jitter: false}
	assert.Equal(t, Compute(cfg, 1), Compute(cfg, 0))
}

func TestComputeDefaultsFillZeroConfig(t *testing.T) {
	d := Compute(Config{}, 1)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, DefaultConfig.Max+DefaultConfig.Base)
}
