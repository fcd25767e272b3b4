// Package queue defines the job queue substrate: named topics holding jobs that
// run once, after a delay, or on a cron schedule, with per-job retry policy.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Topics used by the engine.
const (
	TopicWorkflowExecution = "workflow-execution"
	TopicBookingPolling    = "booking-polling"
	TopicEmailRelayPoll    = "email-relay-poll"
	TopicLeadEnrichment    = "lead-enrichment"
	TopicPitchGeneration   = "pitch-generation"
	TopicMaintenance       = "maintenance"
)

var (
	// ErrDuplicateJob is returned by Add when a live job already holds the
	// requested job id. The existing job is returned alongside it.
	ErrDuplicateJob = errors.New("job id already queued")

	// ErrNoJob is returned by Claim when nothing is due.
	ErrNoJob = errors.New("no job available")

	ErrJobNotFound = errors.New("job not found")
)

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Live reports whether a job in this state still blocks its job id.
func (s JobState) Live() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// AllStates lists every job state in display order.
var AllStates = []JobState{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed}

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the wait before the attempt that follows attemptsMade failed ones.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}

	if b.Type != BackoffExponential || attemptsMade < 1 {
		return b.Delay
	}

	factor := math.Pow(2, float64(attemptsMade-1))

	return time.Duration(float64(b.Delay) * factor)
}

// Lower values run first. Zero means DefaultPriority.
const (
	HighestPriority = 1
	DefaultPriority = 100
)

type JobOptions struct {
	JobID    string        `json:"job_id,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Priority int           `json:"priority,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Backoff  Backoff       `json:"backoff"`
}

// NormalizedPriority clamps the priority into [HighestPriority, DefaultPriority].
func (o JobOptions) NormalizedPriority() int {
	switch {
	case o.Priority <= 0:
		return DefaultPriority
	case o.Priority > DefaultPriority:
		return DefaultPriority
	default:
		return o.Priority
	}
}

// MaxAttempts is the number of runs a job gets before it is failed.
func (o JobOptions) MaxAttempts() int {
	if o.Attempts < 1 {
		return 1
	}

	return o.Attempts
}

type Job struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Options      JobOptions      `json:"options"`
	State        JobState        `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	RunAt        time.Time       `json:"run_at"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	RepeatKey    string          `json:"repeat_key,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return nil
	}

	err := json.Unmarshal(j.Data, v)
	if err != nil {
		return fmt.Errorf("failed to decode job %s data: %w", j.ID, err)
	}

	return nil
}

// FinalAttempt reports whether the running attempt is the last one allowed.
// AttemptsMade counts the running attempt.
func (j *Job) FinalAttempt() bool {
	return j.AttemptsMade >= j.Options.MaxAttempts()
}

// NewJob builds a job record ready to be stored.
func NewJob(topic, name string, data any, opts JobOptions, now time.Time, newID func() string) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = newID()
	}

	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	return &Job{
		ID:        id,
		Topic:     topic,
		Name:      name,
		Data:      payload,
		Options:   opts,
		State:     state,
		RunAt:     now.Add(opts.Delay),
		CreatedAt: now,
	}, nil
}

// RepeatableJob schedules a job on a cron expression. Key identifies the
// schedule and defaults to Name.
type RepeatableJob struct {
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	Cron      string          `json:"cron"`
	Data      json.RawMessage `json:"data,omitempty"`
	Options   JobOptions      `json:"options"`
	NextRunAt time.Time       `json:"next_run_at"`
	NextJobID string          `json:"next_job_id,omitempty"`
}

// Same reports whether two schedules would produce identical jobs.
func (r RepeatableJob) Same(other RepeatableJob) bool {
	return r.Name == other.Name &&
		r.Cron == other.Cron &&
		string(r.Data) == string(other.Data) &&
		r.Options == other.Options
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is the contract every backend implements.
type Queue interface {
	// Add stores a job. A live job with the same JobID collapses the call:
	// the existing job is returned together with ErrDuplicateJob. Completed
	// and failed jobs free their id.
	Add(ctx context.Context, topic, name string, data any, opts JobOptions) (*Job, error)
	AddRepeatable(ctx context.Context, topic string, job RepeatableJob) (*RepeatableJob, error)
	Repeatables(ctx context.Context, topic string) ([]RepeatableJob, error)
	// RemoveRepeatable drops the schedule and its pending occurrence.
	RemoveRepeatable(ctx context.Context, topic, key string) error

	// Claim moves the next due job to active and counts the attempt. It returns
	// ErrNoJob when nothing is due or the topic is paused.
	Claim(ctx context.Context, topic string) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, reason error) error
	// Retry puts an active job back as delayed for another attempt.
	Retry(ctx context.Context, job *Job, delay time.Duration, reason error) error

	Job(ctx context.Context, topic, id string) (*Job, error)
	Counts(ctx context.Context, topic string) (Counts, error)
	Jobs(ctx context.Context, topic string, states []JobState, limit int) ([]*Job, error)
	Pause(ctx context.Context, topic string) error
	Resume(ctx context.Context, topic string) error
	IsPaused(ctx context.Context, topic string) (bool, error)
	// Clean removes finished jobs in state older than grace and returns how many.
	Clean(ctx context.Context, topic string, grace time.Duration, state JobState) (int, error)

	Close() error
}

// IsDuplicate reports whether err only signals a collapsed Add.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateJob)
}
