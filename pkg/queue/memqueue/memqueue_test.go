package memqueue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/queue/memqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newQueue() (*memqueue.Queue, *clock) {
	c := &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}

	return memqueue.New(memqueue.WithClock(c.Now)), c
}

func TestQueue_DedupCollapsesLiveJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue()

	first, err := q.Add(ctx, queue.TopicWorkflowExecution, "execute-workflow", map[string]string{"executionId": "e1"},
		queue.JobOptions{JobID: "execution-e1"})
	require.NoError(t, err)

	second, err := q.Add(ctx, queue.TopicWorkflowExecution, "execute-workflow", map[string]string{"executionId": "e1"},
		queue.JobOptions{JobID: "execution-e1"})
	assert.True(t, queue.IsDuplicate(err))
	assert.Equal(t, first.ID, second.ID)

	counts, err := q.Counts(ctx, queue.TopicWorkflowExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	job, err := q.Claim(ctx, queue.TopicWorkflowExecution)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	_, err = q.Add(ctx, queue.TopicWorkflowExecution, "execute-workflow", nil, queue.JobOptions{JobID: "execution-e1"})
	assert.NoError(t, err, "finished jobs free their id")
}

func TestQueue_DelayedJobsBecomeDue(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue()

	_, err := q.Add(ctx, queue.TopicWorkflowExecution, "execute-delayed-step", nil, queue.JobOptions{Delay: 72 * time.Hour})
	require.NoError(t, err)

	_, err = q.Claim(ctx, queue.TopicWorkflowExecution)
	assert.ErrorIs(t, err, queue.ErrNoJob)

	counts, err := q.Counts(ctx, queue.TopicWorkflowExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	c.Advance(72 * time.Hour)

	job, err := q.Claim(ctx, queue.TopicWorkflowExecution)
	require.NoError(t, err)
	assert.Equal(t, "execute-delayed-step", job.Name)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue()

	_, err := q.Add(ctx, queue.TopicBookingPolling, "scheduled", nil, queue.JobOptions{})
	require.NoError(t, err)
	_, err = q.Add(ctx, queue.TopicBookingPolling, "manual", nil, queue.JobOptions{Priority: queue.HighestPriority})
	require.NoError(t, err)

	job, err := q.Claim(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.Equal(t, "manual", job.Name)

	job, err = q.Claim(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", job.Name)
}

func TestQueue_PauseBlocksClaims(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue()

	_, err := q.Add(ctx, queue.TopicBookingPolling, "poll", nil, queue.JobOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx, queue.TopicBookingPolling))

	_, err = q.Claim(ctx, queue.TopicBookingPolling)
	assert.ErrorIs(t, err, queue.ErrNoJob)

	paused, err := q.IsPaused(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, q.Resume(ctx, queue.TopicBookingPolling))

	_, err = q.Claim(ctx, queue.TopicBookingPolling)
	assert.NoError(t, err)
}

func TestQueue_RepeatableSchedulesNextOccurrence(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue()

	repeat, err := q.AddRepeatable(ctx, queue.TopicBookingPolling, queue.RepeatableJob{
		Name: "poll-calendly-free-accounts",
		Cron: "0 */6 * * *",
	})
	require.NoError(t, err)
	assert.Equal(t, "poll-calendly-free-accounts", repeat.Key)
	assert.Equal(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), repeat.NextRunAt)

	same, err := q.AddRepeatable(ctx, queue.TopicBookingPolling, queue.RepeatableJob{
		Name: "poll-calendly-free-accounts",
		Cron: "0 */6 * * *",
	})
	require.NoError(t, err)
	assert.Equal(t, repeat.NextJobID, same.NextJobID, "identical schedules are left untouched")

	c.Advance(2 * time.Hour)

	job, err := q.Claim(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.Equal(t, repeat.NextJobID, job.ID)

	repeats, err := q.Repeatables(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	require.Len(t, repeats, 1)
	assert.Equal(t, time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC), repeats[0].NextRunAt)

	counts, err := q.Counts(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	require.NoError(t, q.RemoveRepeatable(ctx, queue.TopicBookingPolling, repeat.Key))

	counts, err = q.Counts(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Delayed)
	assert.Equal(t, int64(1), counts.Active)
}

func TestQueue_RetryAndFail(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue()

	_, err := q.Add(ctx, queue.TopicWorkflowExecution, "execute-workflow", nil, queue.JobOptions{Attempts: 2})
	require.NoError(t, err)

	job, err := q.Claim(ctx, queue.TopicWorkflowExecution)
	require.NoError(t, err)
	assert.False(t, job.FinalAttempt())

	require.NoError(t, q.Retry(ctx, job, time.Minute, errors.New("smtp timeout")))
	assert.Equal(t, queue.StateDelayed, job.State)

	c.Advance(time.Minute)

	job, err = q.Claim(ctx, queue.TopicWorkflowExecution)
	require.NoError(t, err)
	assert.True(t, job.FinalAttempt())

	require.NoError(t, q.Fail(ctx, job, errors.New("smtp timeout")))

	failed, err := q.Jobs(ctx, queue.TopicWorkflowExecution, []queue.JobState{queue.StateFailed}, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "smtp timeout", failed[0].FailedReason)
}

func TestQueue_Clean(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue()

	for range 3 {
		_, err := q.Add(ctx, queue.TopicMaintenance, "cleanup", nil, queue.JobOptions{})
		require.NoError(t, err)

		job, err := q.Claim(ctx, queue.TopicMaintenance)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job))
	}

	c.Advance(25 * time.Hour)

	removed, err := q.Clean(ctx, queue.TopicMaintenance, 24*time.Hour, queue.StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = q.Clean(ctx, queue.TopicMaintenance, time.Hour, queue.StateActive)
	assert.Error(t, err)
}
