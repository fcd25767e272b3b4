// Package polling schedules booking polls for credentials that cannot receive
// webhooks and runs them credential by credential.
package polling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/providers/calendly"
	"github.com/dukex/flowtrack/pkg/queue"
)

const (
	DefaultCron         = "0 */6 * * *"
	DefaultPause        = 2 * time.Second
	DefaultRunRetention = 30 * 24 * time.Hour

	completedJobGrace = 24 * time.Hour
	failedJobGrace    = 7 * 24 * time.Hour
)

// CredentialPoller polls one credential of a provider.
type CredentialPoller interface {
	PollCredential(ctx context.Context, credentialID string) (calendly.PollResult, error)
}

// Target is one provider category polled on its own schedule.
type Target struct {
	Provider models.ProviderKind
	Plan     models.ProviderPlan
	Cron     string
	Poller   CredentialPoller
}

// JobName is the queue job name of a target, e.g. poll-calendly-free-accounts.
func (t Target) JobName() string {
	return fmt.Sprintf("poll-%s-%s-accounts", t.Provider.Slug(), strings.ToLower(string(t.Plan)))
}

func (t Target) schedule() queue.RepeatableJob {
	cron := t.Cron
	if cron == "" {
		cron = DefaultCron
	}

	return queue.RepeatableJob{
		Key:  t.JobName(),
		Name: t.JobName(),
		Cron: cron,
		Options: queue.JobOptions{
			Attempts: 3,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute},
		},
	}
}

// RunSummary counts the outcome of one poll-all run.
type RunSummary struct {
	Credentials int `json:"credentials"`
	Polled      int `json:"polled"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

type Scheduler struct {
	queue        queue.Queue
	credentials  persistence.CredentialRepository
	runs         persistence.PollingRunRepository
	targets      []Target
	pause        time.Duration
	runRetention time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Scheduler)

// WithPause sets the wait between two polled credentials.
func WithPause(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pause = d
	}
}

func WithRunRetention(d time.Duration) Option {
	return func(s *Scheduler) {
		s.runRetention = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(q queue.Queue, credentials persistence.CredentialRepository, runs persistence.PollingRunRepository, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:        q,
		credentials:  credentials,
		runs:         runs,
		pause:        DefaultPause,
		runRetention: DefaultRunRetention,
		logger:       logger.With("module", "polling_scheduler"),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Scheduler) Register(target Target) {
	s.targets = append(s.targets, target)
}

// Reconcile makes the queue's schedules match the registered targets.
// Identical schedules are left alone so polling never goes unscheduled.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	existing, err := s.queue.Repeatables(ctx, queue.TopicBookingPolling)
	if err != nil {
		return fmt.Errorf("failed to list polling schedules: %w", err)
	}

	current := make(map[string]queue.RepeatableJob, len(existing))
	for _, job := range existing {
		current[job.Key] = job
	}

	desired := make(map[string]bool, len(s.targets))
	added, unchanged, removed := 0, 0, 0

	for _, target := range s.targets {
		schedule := target.schedule()
		desired[schedule.Key] = true

		if job, ok := current[schedule.Key]; ok && job.Same(schedule) {
			unchanged++

			continue
		}

		_, err = s.queue.AddRepeatable(ctx, queue.TopicBookingPolling, schedule)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", schedule.Key, err)
		}

		added++
	}

	for key := range current {
		if desired[key] {
			continue
		}

		err = s.queue.RemoveRepeatable(ctx, queue.TopicBookingPolling, key)
		if err != nil {
			return fmt.Errorf("failed to remove schedule %s: %w", key, err)
		}

		removed++
	}

	s.logger.InfoContext(ctx, "Polling schedules reconciled", "added", added, "unchanged", unchanged, "removed", removed)

	return nil
}

// TriggerManual enqueues an immediate run of every target ahead of
// scheduled work.
func (s *Scheduler) TriggerManual(ctx context.Context) ([]*queue.Job, error) {
	jobs := make([]*queue.Job, 0, len(s.targets))

	for _, target := range s.targets {
		opts := target.schedule().Options
		opts.Priority = queue.HighestPriority

		job, err := s.queue.Add(ctx, queue.TopicBookingPolling, target.JobName(), struct{}{}, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to trigger %s: %w", target.JobName(), err)
		}

		jobs = append(jobs, job)
	}

	s.logger.InfoContext(ctx, "Manual polling job triggered", "jobs", len(jobs))

	return jobs, nil
}

// PollAll polls every eligible credential of a target. One credential
// failing does not stop the others.
func (s *Scheduler) PollAll(ctx context.Context, target Target) (RunSummary, error) {
	var summary RunSummary

	credentials, err := s.credentials.PollableCredentials(ctx, target.Provider, target.Plan)
	if err != nil {
		return summary, fmt.Errorf("failed to load pollable credentials: %w", err)
	}

	summary.Credentials = len(credentials)

	s.logger.InfoContext(ctx, "Starting account polling", "job", target.JobName(), "credentials", len(credentials))

	for i, credential := range credentials {
		logger := s.logger.With("credential_id", credential.ID)

		_, err := target.Poller.PollCredential(ctx, credential.ID)

		switch {
		case errors.Is(err, calendly.ErrRateLimited):
			logger.WarnContext(ctx, "Rate limit reached, skipping")

			summary.Skipped++

			continue
		case err != nil:
			logger.ErrorContext(ctx, "Polling failed", "error", err)

			summary.Failed++
		default:
			summary.Polled++
		}

		if i < len(credentials)-1 {
			err = s.wait(ctx)
			if err != nil {
				return summary, err
			}
		}
	}

	s.logger.InfoContext(ctx, "Account polling completed",
		"job", target.JobName(),
		"polled", summary.Polled,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)

	return summary, nil
}

func (s *Scheduler) wait(ctx context.Context) error {
	if s.pause <= 0 {
		return nil
	}

	timer := time.NewTimer(s.pause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Handler runs booking-polling jobs by name.
func (s *Scheduler) Handler() queue.Handler {
	handlers := make(map[string]queue.Handler, len(s.targets))

	for _, target := range s.targets {
		handlers[target.JobName()] = func(ctx context.Context, _ *queue.Job) error {
			_, err := s.PollAll(ctx, target)

			return err
		}
	}

	return queue.Dispatch(s.logger, handlers)
}

// QueueStats describes the booking-polling topic.
type QueueStats struct {
	Counts    queue.Counts          `json:"counts"`
	Paused    bool                  `json:"paused"`
	Schedules []queue.RepeatableJob `json:"schedules"`
}

func (s *Scheduler) QueueStats(ctx context.Context) (QueueStats, error) {
	counts, err := s.queue.Counts(ctx, queue.TopicBookingPolling)
	if err != nil {
		return QueueStats{}, err
	}

	paused, err := s.queue.IsPaused(ctx, queue.TopicBookingPolling)
	if err != nil {
		return QueueStats{}, err
	}

	schedules, err := s.queue.Repeatables(ctx, queue.TopicBookingPolling)
	if err != nil {
		return QueueStats{}, err
	}

	return QueueStats{Counts: counts, Paused: paused, Schedules: schedules}, nil
}

// RecentJobs lists the latest finished, running and waiting poll jobs.
func (s *Scheduler) RecentJobs(ctx context.Context, limit int) ([]*queue.Job, error) {
	return s.queue.Jobs(ctx, queue.TopicBookingPolling,
		[]queue.JobState{queue.StateCompleted, queue.StateFailed, queue.StateActive, queue.StateWaiting},
		limit,
	)
}

// CredentialStats is the polling state of one credential.
type CredentialStats struct {
	CredentialID     string               `json:"credentialId"`
	Provider         models.ProviderKind  `json:"provider"`
	ProviderEmail    string               `json:"providerEmail,omitempty"`
	PollingLastRunAt *time.Time           `json:"pollingLastRunAt,omitempty"`
	RecentRuns       []*models.PollingRun `json:"recentRuns"`
}

// Stats reports every polled credential with its recent runs. An empty
// workspaceID selects all workspaces.
func (s *Scheduler) Stats(ctx context.Context, workspaceID string, runsPerCredential int) ([]CredentialStats, error) {
	stats := []CredentialStats{}

	for _, target := range s.targets {
		credentials, err := s.credentials.PollableCredentials(ctx, target.Provider, target.Plan)
		if err != nil {
			return nil, err
		}

		for _, credential := range credentials {
			if workspaceID != "" && credential.WorkspaceID != workspaceID {
				continue
			}

			runs, err := s.runs.RecentPollingRuns(ctx, credential.ID, runsPerCredential)
			if err != nil {
				return nil, err
			}

			stats = append(stats, CredentialStats{
				CredentialID:     credential.ID,
				Provider:         credential.Provider,
				ProviderEmail:    credential.ProviderEmail,
				PollingLastRunAt: credential.PollingLastRunAt,
				RecentRuns:       runs,
			})
		}
	}

	return stats, nil
}

func (s *Scheduler) RunningRuns(ctx context.Context, limit int) ([]*models.PollingRun, error) {
	return s.runs.RunningPollingRuns(ctx, limit)
}

func (s *Scheduler) Pause(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Polling queue paused")

	return s.queue.Pause(ctx, queue.TopicBookingPolling)
}

func (s *Scheduler) Resume(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Polling queue resumed")

	return s.queue.Resume(ctx, queue.TopicBookingPolling)
}

// CleanupPollingRuns deletes run records past the retention window.
func (s *Scheduler) CleanupPollingRuns(ctx context.Context) (int, error) {
	deleted, err := s.runs.DeletePollingRunsBefore(ctx, s.now().Add(-s.runRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up polling runs: %w", err)
	}

	s.logger.InfoContext(ctx, "Cleaned up old polling runs", "count", deleted)

	return deleted, nil
}

// CleanupQueueJobs drops completed poll jobs after a day and failed ones
// after a week.
func (s *Scheduler) CleanupQueueJobs(ctx context.Context) (int, error) {
	completed, err := s.queue.Clean(ctx, queue.TopicBookingPolling, completedJobGrace, queue.StateCompleted)
	if err != nil {
		return 0, err
	}

	failed, err := s.queue.Clean(ctx, queue.TopicBookingPolling, failedJobGrace, queue.StateFailed)
	if err != nil {
		return completed, err
	}

	s.logger.InfoContext(ctx, "Cleaned up old queue jobs", "completed", completed, "failed", failed)

	return completed + failed, nil
}
