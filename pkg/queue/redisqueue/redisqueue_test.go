//go:build integration
// +build integration

package redisqueue_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/queue/redisqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisContainer testcontainers.Container

func TestMain(m *testing.M) {
	code := m.Run()

	if redisContainer != nil {
		_ = redisContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestQueue(t *testing.T) (*redisqueue.Queue, *clock) {
	t.Helper()

	ctx := context.Background()

	if redisContainer == nil {
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		require.NoError(t, err)

		redisContainer = container
	}

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)

	port, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	c := &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}

	q, err := redisqueue.New(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()), logger, redisqueue.WithClock(c.Now))
	require.NoError(t, err)

	t.Cleanup(func() { _ = q.Close() })

	return q, c
}

func uniqueTopic(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestRedisQueue_DedupAndClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := setupTestQueue(t)
	topic := uniqueTopic(t)

	first, err := q.Add(ctx, topic, "execute-workflow", map[string]string{"executionId": "e1"}, queue.JobOptions{JobID: "execution-e1", Attempts: 3})
	require.NoError(t, err)

	second, err := q.Add(ctx, topic, "execute-workflow", map[string]string{"executionId": "e1"}, queue.JobOptions{JobID: "execution-e1"})
	assert.True(t, queue.IsDuplicate(err))
	assert.Equal(t, first.ID, second.ID)

	job, err := q.Claim(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, "execution-e1", job.ID)
	assert.Equal(t, queue.StateActive, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, 3, job.Options.Attempts)

	var data struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, job.Decode(&data))
	assert.Equal(t, "e1", data.ExecutionID)

	require.NoError(t, q.Complete(ctx, job))
	assert.Equal(t, queue.StateCompleted, job.State)
	require.NotNil(t, job.FinishedAt)

	_, err = q.Add(ctx, topic, "execute-workflow", nil, queue.JobOptions{JobID: "execution-e1"})
	assert.NoError(t, err)
}

func TestRedisQueue_DelayAndPriority(t *testing.T) {
	ctx := context.Background()
	q, c := setupTestQueue(t)
	topic := uniqueTopic(t)

	_, err := q.Add(ctx, topic, "later", nil, queue.JobOptions{Delay: time.Hour})
	require.NoError(t, err)
	_, err = q.Add(ctx, topic, "scheduled", nil, queue.JobOptions{})
	require.NoError(t, err)
	_, err = q.Add(ctx, topic, "manual", nil, queue.JobOptions{Priority: queue.HighestPriority})
	require.NoError(t, err)

	counts, err := q.Counts(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{Waiting: 2, Delayed: 1}, counts)

	job, err := q.Claim(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, "manual", job.Name)

	job, err = q.Claim(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", job.Name)

	_, err = q.Claim(ctx, topic)
	assert.ErrorIs(t, err, queue.ErrNoJob)

	c.Advance(time.Hour)

	job, err = q.Claim(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, "later", job.Name)
}

func TestRedisQueue_RetryFailAndClean(t *testing.T) {
	ctx := context.Background()
	q, c := setupTestQueue(t)
	topic := uniqueTopic(t)

	_, err := q.Add(ctx, topic, "flaky", nil, queue.JobOptions{Attempts: 2})
	require.NoError(t, err)

	job, err := q.Claim(ctx, topic)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, job, time.Minute, errors.New("timeout")))
	assert.Equal(t, queue.StateDelayed, job.State)
	assert.Equal(t, "timeout", job.FailedReason)

	c.Advance(time.Minute)

	job, err = q.Claim(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptsMade)
	assert.True(t, job.FinalAttempt())
	require.NoError(t, q.Fail(ctx, job, errors.New("timeout")))

	failed, err := q.Jobs(ctx, topic, []queue.JobState{queue.StateFailed}, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	c.Advance(8 * 24 * time.Hour)

	removed, err := q.Clean(ctx, topic, 7*24*time.Hour, queue.StateFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.Job(ctx, topic, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestRedisQueue_PauseResume(t *testing.T) {
	ctx := context.Background()
	q, _ := setupTestQueue(t)
	topic := uniqueTopic(t)

	_, err := q.Add(ctx, topic, "poll", nil, queue.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx, topic))

	paused, err := q.IsPaused(ctx, topic)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = q.Claim(ctx, topic)
	assert.ErrorIs(t, err, queue.ErrNoJob)

	require.NoError(t, q.Resume(ctx, topic))

	_, err = q.Claim(ctx, topic)
	assert.NoError(t, err)
}

func TestRedisQueue_Repeatable(t *testing.T) {
	ctx := context.Background()
	q, c := setupTestQueue(t)
	topic := uniqueTopic(t)

	repeat, err := q.AddRepeatable(ctx, topic, queue.RepeatableJob{
		Name:    "poll-calendly-free-accounts",
		Cron:    "0 */6 * * *",
		Options: queue.JobOptions{Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), repeat.NextRunAt.UTC())

	c.Advance(2 * time.Hour)

	job, err := q.Claim(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, repeat.NextJobID, job.ID)
	assert.Equal(t, "poll-calendly-free-accounts", job.RepeatKey)

	repeats, err := q.Repeatables(ctx, topic)
	require.NoError(t, err)
	require.Len(t, repeats, 1)
	assert.Equal(t, time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC), repeats[0].NextRunAt.UTC())

	require.NoError(t, q.RemoveRepeatable(ctx, topic, repeat.Key))

	repeats, err = q.Repeatables(ctx, topic)
	require.NoError(t, err)
	assert.Empty(t, repeats)

	counts, err := q.Counts(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Delayed)
}
