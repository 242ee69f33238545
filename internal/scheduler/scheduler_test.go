package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidatesJobs(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	tick := func(context.Context, time.Time) error { return nil }

	assert.Error(t, s.Add(Job{Interval: time.Second, Tick: tick}))
	assert.Error(t, s.Add(Job{Name: "x", Tick: tick}))
	assert.Error(t, s.Add(Job{Name: "x", Interval: time.Second}))
	require.NoError(t, s.Add(Job{Name: "tokens", Interval: time.Second, Tick: tick}))
	assert.Equal(t, []string{"tokens"}, s.Jobs())
}

func TestRunDrivesEveryJob(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	var fast, failing, startup atomic.Int32
	require.NoError(t, s.Add(Job{Name: "fast", Interval: 10 * time.Millisecond, Tick: func(context.Context, time.Time) error {
		fast.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "failing", Interval: 10 * time.Millisecond, Tick: func(context.Context, time.Time) error {
		failing.Add(1)
		return errors.New("boom")
	}}))
	require.NoError(t, s.Add(Job{Name: "startup", Interval: time.Hour, RunOnStart: true, Tick: func(context.Context, time.Time) error {
		startup.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, fast.Load(), int32(3))
	assert.GreaterOrEqual(t, failing.Load(), int32(3), "失败的任务不应终止调度")
	assert.Equal(t, int32(1), startup.Load(), "启动时应立即执行一次")
}

func TestRunWithoutJobsWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New(Options{}, zerolog.Nop()).Run(ctx), context.Canceled)
}

func TestAlignedTicks(t *testing.T) {
	s := New(Options{AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC), s.nextTick(now, 5*time.Minute))
	assert.Equal(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), s.bucketStart(now, 5*time.Minute))

	onBoundary := time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC)
	assert.Equal(t, onBoundary.Add(5*time.Minute), s.nextTick(onBoundary, 5*time.Minute))

	free := New(Options{}, zerolog.Nop())
	assert.Equal(t, now.Add(time.Minute), free.nextTick(now, time.Minute))
	assert.Equal(t, now, free.bucketStart(now, time.Minute))
}
