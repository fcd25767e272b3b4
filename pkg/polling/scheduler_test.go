package polling_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/mocks"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence/memory"
	"github.com/dukex/flowtrack/pkg/polling"
	"github.com/dukex/flowtrack/pkg/providers/calendly"
	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/queue/memqueue"
	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	now       time.Time
	store     *memory.Persistence
	queue     *memqueue.Queue
	poller    *mocks.MockCredentialPoller
	scheduler *polling.Scheduler
	target    polling.Target
}

func newFixture(t *testing.T, opts ...polling.Option) *fixture {
	t.Helper()

	f := &fixture{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), poller: &mocks.MockCredentialPoller{}}
	clock := func() time.Time { return f.now }

	f.store = memory.NewPersistence().WithClock(clock)
	f.queue = memqueue.New(memqueue.WithClock(clock))
	f.target = polling.Target{Provider: models.ProviderCalendly, Plan: models.ProviderPlanFree, Poller: f.poller}

	opts = append([]polling.Option{polling.WithPause(0), polling.WithClock(clock)}, opts...)
	f.scheduler = polling.NewScheduler(f.queue, f.store.Credentials(), f.store.PollingRuns(), testLogger(), opts...)
	f.scheduler.Register(f.target)

	return f
}

func (f *fixture) credential(t *testing.T, id string) {
	t.Helper()

	require.NoError(t, f.store.Credentials().SaveCredential(context.Background(), &models.OAuthCredential{
		ID:             id,
		WorkspaceID:    "ws-1",
		Provider:       models.ProviderCalendly,
		IsActive:       true,
		PollingEnabled: true,
		ProviderPlan:   models.ProviderPlanFree,
	}))

	f.now = f.now.Add(time.Second)
}

func TestTarget_JobName(t *testing.T) {
	target := polling.Target{Provider: models.ProviderCalendly, Plan: models.ProviderPlanFree}
	assert.Equal(t, "poll-calendly-free-accounts", target.JobName())
}

func TestScheduler_Reconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.queue.AddRepeatable(ctx, queue.TopicBookingPolling, queue.RepeatableJob{Name: "poll-legacy", Cron: "*/5 * * * *"})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Reconcile(ctx))

	schedules, err := f.queue.Repeatables(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	schedule := schedules[0]
	assert.Equal(t, "poll-calendly-free-accounts", schedule.Key)
	assert.Equal(t, polling.DefaultCron, schedule.Cron)
	assert.Equal(t, 3, schedule.Options.Attempts)
	assert.Equal(t, queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}, schedule.Options.Backoff)
	assert.Equal(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), schedule.NextRunAt)

	f.now = f.now.Add(30 * time.Minute)
	require.NoError(t, f.scheduler.Reconcile(ctx))

	again, err := f.queue.Repeatables(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, schedule.NextJobID, again[0].NextJobID)

	counts, err := f.queue.Counts(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)
}

func TestScheduler_TriggerManualRunsThroughHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credential(t, "cred-1")

	f.poller.On("PollCredential", mock.Anything, "cred-1").Return(calendly.PollResult{EventsFetched: 1}, nil).Once()

	jobs, err := f.scheduler.TriggerManual(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.HighestPriority, jobs[0].Options.Priority)
	assert.Equal(t, 3, jobs[0].Options.Attempts)
	assert.Equal(t, queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}, jobs[0].Options.Backoff)

	worker := queue.NewWorker(f.queue, queue.TopicBookingPolling, f.scheduler.Handler(), testLogger())

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	f.poller.AssertExpectations(t)

	recent, err := f.scheduler.RecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, queue.StateCompleted, recent[0].State)
}

func TestScheduler_PollAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credential(t, "cred-1")
	f.credential(t, "cred-2")
	f.credential(t, "cred-3")

	f.poller.On("PollCredential", mock.Anything, "cred-1").Return(calendly.PollResult{}, errors.New("api down"))
	f.poller.On("PollCredential", mock.Anything, "cred-2").Return(calendly.PollResult{}, calendly.ErrRateLimited)
	f.poller.On("PollCredential", mock.Anything, "cred-3").Return(calendly.PollResult{EventsCreated: 2}, nil)

	summary, err := f.scheduler.PollAll(ctx, f.target)
	require.NoError(t, err)
	assert.Equal(t, polling.RunSummary{Credentials: 3, Polled: 1, Skipped: 1, Failed: 1}, summary)

	f.poller.AssertNumberOfCalls(t, "PollCredential", 3)
}

func TestScheduler_PollAllTakesOverFailingWebhooks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.Credentials().SaveCredential(ctx, &models.OAuthCredential{
		ID:             "cred-pro",
		WorkspaceID:    "ws-1",
		Provider:       models.ProviderCalendly,
		IsActive:       true,
		ProviderPlan:   models.ProviderPlanPro,
		WebhookEnabled: true,
	}))

	summary, err := f.scheduler.PollAll(ctx, f.target)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Credentials)

	webhooks := webhook.NewService(f.store.Credentials(), f.store.Webhooks(), testLogger())
	for range webhook.DefaultFailureThreshold {
		require.NoError(t, webhooks.UpdateWebhookHealth(ctx, "cred-pro", false))
	}

	credential, err := f.store.Credentials().CredentialByID(ctx, "cred-pro")
	require.NoError(t, err)
	assert.False(t, credential.WebhookEnabled)
	assert.True(t, credential.PollingEnabled)

	f.poller.On("PollCredential", mock.Anything, "cred-pro").Return(calendly.PollResult{EventsFetched: 1}, nil).Once()

	summary, err = f.scheduler.PollAll(ctx, f.target)
	require.NoError(t, err)
	assert.Equal(t, polling.RunSummary{Credentials: 1, Polled: 1}, summary)

	f.poller.AssertExpectations(t)
}

func TestScheduler_PollAllPauseHonorsCancellation(t *testing.T) {
	f := newFixture(t, polling.WithPause(time.Hour))
	f.credential(t, "cred-1")
	f.credential(t, "cred-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.poller.On("PollCredential", mock.Anything, "cred-1").
		Return(calendly.PollResult{}, nil).
		Run(func(mock.Arguments) { cancel() })

	summary, err := f.scheduler.PollAll(ctx, f.target)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Polled)

	f.poller.AssertNotCalled(t, "PollCredential", mock.Anything, "cred-2")
}

func TestScheduler_StatsAndCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credential(t, "cred-1")

	old := &models.PollingRun{CredentialID: "cred-1", Status: models.PollingRunCompleted, StartedAt: f.now.Add(-31 * 24 * time.Hour)}
	recent := &models.PollingRun{CredentialID: "cred-1", Status: models.PollingRunRunning, StartedAt: f.now.Add(-time.Hour)}
	require.NoError(t, f.store.PollingRuns().SavePollingRun(ctx, old))
	require.NoError(t, f.store.PollingRuns().SavePollingRun(ctx, recent))

	stats, err := f.scheduler.Stats(ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Len(t, stats[0].RecentRuns, 2)

	other, err := f.scheduler.Stats(ctx, "ws-2", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	running, err := f.scheduler.RunningRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	deleted, err := f.scheduler.CleanupPollingRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestScheduler_PauseResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.scheduler.Pause(ctx))

	stats, err := f.scheduler.QueueStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Paused)

	require.NoError(t, f.scheduler.Resume(ctx))

	stats, err = f.scheduler.QueueStats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Paused)
}
