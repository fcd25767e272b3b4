package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun returns the first cron occurrence strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	return schedule.Next(from), nil
}

// RepeatJobID is the deterministic id of one occurrence of a schedule.
func RepeatJobID(key string, at time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", key, at.UnixMilli())
}

// PrepareRepeatable validates a schedule, fills its key and computes the first
// occurrence after now.
func PrepareRepeatable(job RepeatableJob, now time.Time) (RepeatableJob, error) {
	if job.Name == "" {
		return job, errors.New("repeatable job name is required")
	}

	if job.Key == "" {
		job.Key = job.Name
	}

	next, err := NextRun(job.Cron, now)
	if err != nil {
		return job, err
	}

	job.NextRunAt = next
	job.NextJobID = RepeatJobID(job.Key, next)

	return job, nil
}

// Occurrence builds the job a schedule emits at its NextRunAt.
func (r RepeatableJob) Occurrence(topic string, now time.Time) *Job {
	delay := r.NextRunAt.Sub(now)

	state := StateDelayed
	if delay <= 0 {
		state = StateWaiting
	}

	return &Job{
		ID:        r.NextJobID,
		Topic:     topic,
		Name:      r.Name,
		Data:      r.Data,
		Options:   r.Options,
		State:     state,
		RunAt:     r.NextRunAt,
		CreatedAt: now,
		RepeatKey: r.Key,
	}
}
