package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRejectsBadExpression(t *testing.T) {
	s := NewCronScheduler("not a cron line", time.UTC)

	err := s.Start(context.Background(), func(time.Time) {})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestEverySecondJobFires(t *testing.T) {
	s := NewCronScheduler("@every 1s", time.UTC)

	var fired atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, func(time.Time) { fired.Add(1) }))
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := NewCronScheduler("0 16 * * 1-5", time.UTC)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestNilJobIsIgnored(t *testing.T) {
	s := NewCronScheduler("@every 1s", time.UTC)
	assert.NoError(t, s.Start(context.Background(), nil))
	assert.NoError(t, s.Stop(context.Background()))
}
