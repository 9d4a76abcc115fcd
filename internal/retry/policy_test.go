package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayBounds(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2.0}

	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(250*time.Millisecond)),
			"attempt %d below jitter floor", attempt)
		assert.LessOrEqual(t, d, 15*time.Second, "attempt %d above jitter ceiling", attempt)
	}

	// Late attempts are capped at max delay times the jitter ceiling.
	late := p.Delay(30)
	assert.GreaterOrEqual(t, late, 5*time.Second)
	assert.LessOrEqual(t, late, 15*time.Second)
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestSleepCancelled(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Sleep(ctx, 0)
	assert.Error(t, err)
}
