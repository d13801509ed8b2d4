package resilient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowthAndCap(t *testing.T) {
	p := backoffPolicy{
		initial:    time.Second,
		max:        30 * time.Second,
		multiplier: 2.0,
	}

	assert.Equal(t, time.Second, p.delay(0, 0))
	assert.Equal(t, 2*time.Second, p.delay(1, 0))
	assert.Equal(t, 4*time.Second, p.delay(2, 0))
	assert.Equal(t, 30*time.Second, p.delay(10, 0))
}

func TestBackoffBaseOverride(t *testing.T) {
	p := backoffPolicy{
		initial:    time.Second,
		max:        30 * time.Second,
		multiplier: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.delay(0, 100*time.Millisecond))
	assert.Equal(t, 400*time.Millisecond, p.delay(2, 100*time.Millisecond))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	p := transientBackoff

	for attempt := 0; attempt < 20; attempt++ {
		d := p.delay(attempt, 0)
		assert.Greater(t, d, time.Duration(0))
		limit := time.Duration(float64(p.max) * (1 + p.jitterFactor))
		assert.LessOrEqual(t, d, limit)
	}
}

func TestBackoffSchedules(t *testing.T) {
	// The transient schedule must stay well under the standard one for
	// early attempts.
	assert.Less(t, transientBackoff.initial, standardBackoff.initial)
	assert.Less(t, transientBackoff.max, standardBackoff.max)
}
