// Package memqueue is an in-process implementation of the job queue, used by
// tests and single-process deployments.
package memqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/google/uuid"
)

type topic struct {
	jobs    map[string]*queue.Job
	seq     map[string]uint64
	repeats map[string]queue.RepeatableJob
	paused  bool
}

// Queue keeps every topic in memory behind one mutex.
type Queue struct {
	mu     sync.Mutex
	topics map[string]*topic
	next   uint64
	now    func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

type Option func(*Queue)

// WithClock replaces the time source; tests use it to make delayed jobs due.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		topics: make(map[string]*topic),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

func (q *Queue) topic(name string) *topic {
	t, ok := q.topics[name]
	if !ok {
		t = &topic{
			jobs:    make(map[string]*queue.Job),
			seq:     make(map[string]uint64),
			repeats: make(map[string]queue.RepeatableJob),
		}
		q.topics[name] = t
	}

	return t
}

func (q *Queue) store(t *topic, job *queue.Job) {
	q.next++
	t.jobs[job.ID] = job
	t.seq[job.ID] = q.next
}

func (q *Queue) Add(_ context.Context, topicName, name string, data any, opts queue.JobOptions) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topicName)

	if opts.JobID != "" {
		if existing, ok := t.jobs[opts.JobID]; ok && existing.State.Live() {
			return copyJob(existing), queue.ErrDuplicateJob
		}
	}

	job, err := queue.NewJob(topicName, name, data, opts, q.now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	q.store(t, job)

	return copyJob(job), nil
}

func (q *Queue) AddRepeatable(_ context.Context, topicName string, job queue.RepeatableJob) (*queue.RepeatableJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	prepared, err := queue.PrepareRepeatable(job, now)
	if err != nil {
		return nil, err
	}

	t := q.topic(topicName)

	if existing, ok := t.repeats[prepared.Key]; ok {
		if existing.Same(prepared) {
			return &existing, nil
		}

		q.dropPending(t, existing)
	}

	t.repeats[prepared.Key] = prepared
	q.store(t, prepared.Occurrence(topicName, now))

	return &prepared, nil
}

func (q *Queue) dropPending(t *topic, repeat queue.RepeatableJob) {
	if pending, ok := t.jobs[repeat.NextJobID]; ok && (pending.State == queue.StateDelayed || pending.State == queue.StateWaiting) {
		delete(t.jobs, pending.ID)
		delete(t.seq, pending.ID)
	}
}

func (q *Queue) Repeatables(_ context.Context, topicName string) ([]queue.RepeatableJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topicName)

	repeats := make([]queue.RepeatableJob, 0, len(t.repeats))
	for _, r := range t.repeats {
		repeats = append(repeats, r)
	}

	sort.Slice(repeats, func(i, j int) bool { return repeats[i].Key < repeats[j].Key })

	return repeats, nil
}

func (q *Queue) RemoveRepeatable(_ context.Context, topicName, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topicName)

	repeat, ok := t.repeats[key]
	if !ok {
		return nil
	}

	q.dropPending(t, repeat)
	delete(t.repeats, key)

	return nil
}

func (q *Queue) Claim(_ context.Context, topicName string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topicName)
	if t.paused {
		return nil, queue.ErrNoJob
	}

	now := q.now()

	var candidate *queue.Job

	for _, job := range t.jobs {
		if job.State == queue.StateDelayed && !job.RunAt.After(now) {
			job.State = queue.StateWaiting
		}

		if job.State != queue.StateWaiting {
			continue
		}

		if candidate == nil || q.before(t, job, candidate) {
			candidate = job
		}
	}

	if candidate == nil {
		return nil, queue.ErrNoJob
	}

	candidate.State = queue.StateActive
	candidate.AttemptsMade++
	processedAt := now
	candidate.ProcessedAt = &processedAt

	if candidate.RepeatKey != "" {
		q.scheduleNext(t, topicName, candidate, now)
	}

	return copyJob(candidate), nil
}

func (q *Queue) before(t *topic, a, b *queue.Job) bool {
	pa, pb := a.Options.NormalizedPriority(), b.Options.NormalizedPriority()
	if pa != pb {
		return pa < pb
	}

	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}

	return t.seq[a.ID] < t.seq[b.ID]
}

func (q *Queue) scheduleNext(t *topic, topicName string, job *queue.Job, now time.Time) {
	repeat, ok := t.repeats[job.RepeatKey]
	if !ok || repeat.NextJobID != job.ID {
		return
	}

	next, err := queue.NextRun(repeat.Cron, maxTime(now, job.RunAt))
	if err != nil {
		return
	}

	repeat.NextRunAt = next
	repeat.NextJobID = queue.RepeatJobID(repeat.Key, next)
	t.repeats[repeat.Key] = repeat
	q.store(t, repeat.Occurrence(topicName, now))
}

func (q *Queue) finish(topicName string, job *queue.Job, apply func(stored *queue.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.topic(topicName).jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, job.ID)
	}

	apply(stored)
	*job = *copyJob(stored)

	return nil
}

func (q *Queue) Complete(_ context.Context, job *queue.Job) error {
	return q.finish(job.Topic, job, func(stored *queue.Job) {
		finishedAt := q.now()
		stored.State = queue.StateCompleted
		stored.FinishedAt = &finishedAt
	})
}

func (q *Queue) Fail(_ context.Context, job *queue.Job, reason error) error {
	return q.finish(job.Topic, job, func(stored *queue.Job) {
		finishedAt := q.now()
		stored.State = queue.StateFailed
		stored.FinishedAt = &finishedAt
		stored.FailedReason = errorText(reason)
	})
}

func (q *Queue) Retry(_ context.Context, job *queue.Job, delay time.Duration, reason error) error {
	return q.finish(job.Topic, job, func(stored *queue.Job) {
		stored.State = queue.StateDelayed
		stored.RunAt = q.now().Add(delay)
		stored.FailedReason = errorText(reason)
	})
}

func (q *Queue) Job(_ context.Context, topicName, id string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.topic(topicName).jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}

	return copyJob(job), nil
}

func (q *Queue) Counts(_ context.Context, topicName string) (queue.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var counts queue.Counts

	for _, job := range q.topic(topicName).jobs {
		switch job.State {
		case queue.StateWaiting:
			counts.Waiting++
		case queue.StateActive:
			counts.Active++
		case queue.StateDelayed:
			counts.Delayed++
		case queue.StateCompleted:
			counts.Completed++
		case queue.StateFailed:
			counts.Failed++
		}
	}

	return counts, nil
}

func (q *Queue) Jobs(_ context.Context, topicName string, states []queue.JobState, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := make(map[queue.JobState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	t := q.topic(topicName)

	var jobs []*queue.Job

	for _, job := range t.jobs {
		if len(wanted) == 0 || wanted[job.State] {
			jobs = append(jobs, copyJob(job))
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return t.seq[jobs[i].ID] > t.seq[jobs[j].ID] })

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func (q *Queue) Pause(_ context.Context, topicName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.topic(topicName).paused = true

	return nil
}

func (q *Queue) Resume(_ context.Context, topicName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.topic(topicName).paused = false

	return nil
}

func (q *Queue) IsPaused(_ context.Context, topicName string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.topic(topicName).paused, nil
}

func (q *Queue) Clean(_ context.Context, topicName string, grace time.Duration, state queue.JobState) (int, error) {
	if state != queue.StateCompleted && state != queue.StateFailed {
		return 0, fmt.Errorf("cannot clean jobs in state %s", state)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-grace)
	t := q.topic(topicName)
	removed := 0

	for id, job := range t.jobs {
		if job.State == state && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(t.jobs, id)
			delete(t.seq, id)
			removed++
		}
	}

	return removed, nil
}

func (q *Queue) Close() error { return nil }

func copyJob(job *queue.Job) *queue.Job {
	c := *job
	c.Data = append(json.RawMessage(nil), job.Data...)

	if job.ProcessedAt != nil {
		t := *job.ProcessedAt
		c.ProcessedAt = &t
	}

	if job.FinishedAt != nil {
		t := *job.FinishedAt
		c.FinishedAt = &t
	}

	return &c
}

func errorText(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}
