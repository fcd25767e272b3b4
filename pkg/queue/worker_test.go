package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/queue/memqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBackoff_Next(t *testing.T) {
	tests := []struct {
		name    string
		backoff queue.Backoff
		attempt int
		want    time.Duration
	}{
		{"exponential first retry", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}, 1, time.Minute},
		{"exponential second retry", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}, 2, 2 * time.Minute},
		{"exponential third retry", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}, 3, 4 * time.Minute},
		{"fixed", queue.Backoff{Type: queue.BackoffFixed, Delay: 30 * time.Second}, 3, 30 * time.Second},
		{"no delay", queue.Backoff{}, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Next(tt.attempt))
		})
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("lead missing")
	err := queue.Permanent(base)

	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, queue.IsPermanent(base))
	assert.Nil(t, queue.Permanent(nil))
}

func TestWorker_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	q := memqueue.New(memqueue.WithClock(func() time.Time { return now }))

	_, err := q.Add(ctx, "test", "flaky", nil, queue.JobOptions{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second},
	})
	require.NoError(t, err)

	var calls int32

	worker := queue.NewWorker(q, "test", func(context.Context, *queue.Job) error {
		atomic.AddInt32(&calls, 1)

		return errors.New("transient")
	}, testLogger())

	for range 3 {
		processed, err := worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)

		now = now.Add(time.Minute)
	}

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	counts, err := q.Counts(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestWorker_PermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()

	_, err := q.Add(ctx, "test", "broken", nil, queue.JobOptions{Attempts: 5})
	require.NoError(t, err)

	worker := queue.NewWorker(q, "test", func(context.Context, *queue.Job) error {
		return queue.Permanent(errors.New("lead missing"))
	}, testLogger())

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	counts, err := q.Counts(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Delayed)
}

func TestWorker_RunProcessesConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memqueue.New()

	for range 10 {
		_, err := q.Add(ctx, "test", "work", nil, queue.JobOptions{})
		require.NoError(t, err)
	}

	var done int32

	worker := queue.NewWorker(q, "test", func(context.Context, *queue.Job) error {
		atomic.AddInt32(&done, 1)

		return nil
	}, testLogger(), queue.WithConcurrency(5), queue.WithPollInterval(10*time.Millisecond))

	worker.Start(ctx)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 10 }, 2*time.Second, 10*time.Millisecond)

	worker.Stop(ctx)

	counts, err := q.Counts(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(10), counts.Completed)
}

func TestDispatch_UnknownNameCompletes(t *testing.T) {
	var called bool

	handler := queue.Dispatch(testLogger(), map[string]queue.Handler{
		"known": func(context.Context, *queue.Job) error {
			called = true

			return nil
		},
	})

	require.NoError(t, handler(context.Background(), &queue.Job{Name: "unknown"}))
	assert.False(t, called)

	require.NoError(t, handler(context.Background(), &queue.Job{Name: "known"}))
	assert.True(t, called)
}
