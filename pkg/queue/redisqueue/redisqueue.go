// Package redisqueue implements the job queue on Redis sorted sets so that jobs
// survive restarts and are shared between processes.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Queue stores each job as a hash and tracks its state with one sorted set per
// state. All keys of a topic share a hash tag.
type Queue struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New connects to the Redis server at redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *slog.Logger, opts ...Option) (*Queue, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, logger, opts...), nil
}

func NewWithClient(client *redis.Client, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		client: client,
		logger: logger.With("module", "redis_queue"),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

type keys struct {
	prefix    string
	delayed   string
	wait      string
	active    string
	completed string
	failed    string
	repeat    string
	paused    string
}

func keysFor(topic string) keys {
	prefix := "flowtrack:{" + topic + "}:"

	return keys{
		prefix:    prefix,
		delayed:   prefix + "delayed",
		wait:      prefix + "wait",
		active:    prefix + "active",
		completed: prefix + "completed",
		failed:    prefix + "failed",
		repeat:    prefix + "repeat",
		paused:    prefix + "paused",
	}
}

func (k keys) job(id string) string {
	return k.prefix + "job:" + id
}

func (k keys) set(state queue.JobState) string {
	switch state {
	case queue.StateWaiting:
		return k.wait
	case queue.StateDelayed:
		return k.delayed
	case queue.StateActive:
		return k.active
	case queue.StateCompleted:
		return k.completed
	case queue.StateFailed:
		return k.failed
	default:
		return ""
	}
}

func (q *Queue) Add(ctx context.Context, topic, name string, data any, opts queue.JobOptions) (*queue.Job, error) {
	job, err := queue.NewJob(topic, name, data, opts, q.now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	added, err := q.store(ctx, job)
	if err != nil {
		return nil, err
	}

	if !added {
		existing, err := q.Job(ctx, topic, job.ID)
		if err != nil {
			return nil, err
		}

		return existing, queue.ErrDuplicateJob
	}

	return job, nil
}

func (q *Queue) store(ctx context.Context, job *queue.Job) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	k := keysFor(job.Topic)

	added, err := addScript.Run(ctx, q.client,
		[]string{k.job(job.ID), k.delayed, k.wait, k.completed, k.failed},
		job.ID, payload, string(job.State), job.RunAt.UnixMilli(), job.Options.NormalizedPriority(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add job %s: %w", job.ID, err)
	}

	return added == 1, nil
}

func (q *Queue) AddRepeatable(ctx context.Context, topic string, job queue.RepeatableJob) (*queue.RepeatableJob, error) {
	now := q.now()

	prepared, err := queue.PrepareRepeatable(job, now)
	if err != nil {
		return nil, err
	}

	k := keysFor(topic)

	existing, err := q.repeatable(ctx, k, prepared.Key)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.Same(prepared) {
			return existing, nil
		}

		err = q.dropPending(ctx, k, existing.NextJobID)
		if err != nil {
			return nil, err
		}
	}

	encoded, err := json.Marshal(prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal repeatable job %s: %w", prepared.Key, err)
	}

	err = q.client.HSet(ctx, k.repeat, prepared.Key, encoded).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to store repeatable job %s: %w", prepared.Key, err)
	}

	_, err = q.store(ctx, prepared.Occurrence(topic, now))
	if err != nil {
		return nil, err
	}

	q.logger.InfoContext(ctx, "Registered repeatable job", "topic", topic, "key", prepared.Key, "cron", prepared.Cron, "next_run_at", prepared.NextRunAt)

	return &prepared, nil
}

func (q *Queue) repeatable(ctx context.Context, k keys, key string) (*queue.RepeatableJob, error) {
	raw, err := q.client.HGet(ctx, k.repeat, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load repeatable job %s: %w", key, err)
	}

	var repeat queue.RepeatableJob

	err = json.Unmarshal([]byte(raw), &repeat)
	if err != nil {
		return nil, fmt.Errorf("failed to decode repeatable job %s: %w", key, err)
	}

	return &repeat, nil
}

func (q *Queue) dropPending(ctx context.Context, k keys, id string) error {
	if id == "" {
		return nil
	}

	err := dropPendingScript.Run(ctx, q.client, []string{k.job(id), k.delayed, k.wait}, id).Err()
	if err != nil {
		return fmt.Errorf("failed to drop pending job %s: %w", id, err)
	}

	return nil
}

func (q *Queue) Repeatables(ctx context.Context, topic string) ([]queue.RepeatableJob, error) {
	raw, err := q.client.HGetAll(ctx, keysFor(topic).repeat).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list repeatable jobs: %w", err)
	}

	repeats := make([]queue.RepeatableJob, 0, len(raw))

	for key, value := range raw {
		var repeat queue.RepeatableJob

		err = json.Unmarshal([]byte(value), &repeat)
		if err != nil {
			return nil, fmt.Errorf("failed to decode repeatable job %s: %w", key, err)
		}

		repeats = append(repeats, repeat)
	}

	sort.Slice(repeats, func(i, j int) bool { return repeats[i].Key < repeats[j].Key })

	return repeats, nil
}

func (q *Queue) RemoveRepeatable(ctx context.Context, topic, key string) error {
	k := keysFor(topic)

	existing, err := q.repeatable(ctx, k, key)
	if err != nil || existing == nil {
		return err
	}

	err = q.dropPending(ctx, k, existing.NextJobID)
	if err != nil {
		return err
	}

	err = q.client.HDel(ctx, k.repeat, key).Err()
	if err != nil {
		return fmt.Errorf("failed to remove repeatable job %s: %w", key, err)
	}

	return nil
}

func (q *Queue) Claim(ctx context.Context, topic string) (*queue.Job, error) {
	k := keysFor(topic)
	now := q.now()

	id, err := claimScript.Run(ctx, q.client,
		[]string{k.delayed, k.wait, k.active, k.paused},
		k.prefix, now.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoJob
	}

	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := q.Job(ctx, topic, id)
	if err != nil {
		return nil, err
	}

	if job.RepeatKey != "" {
		err = q.scheduleNext(ctx, k, job, now)
		if err != nil {
			q.logger.ErrorContext(ctx, "Failed to schedule next occurrence", "topic", topic, "key", job.RepeatKey, "error", err)
		}
	}

	return job, nil
}

func (q *Queue) scheduleNext(ctx context.Context, k keys, job *queue.Job, now time.Time) error {
	repeat, err := q.repeatable(ctx, k, job.RepeatKey)
	if err != nil || repeat == nil || repeat.NextJobID != job.ID {
		return err
	}

	from := job.RunAt
	if now.After(from) {
		from = now
	}

	next, err := queue.NextRun(repeat.Cron, from)
	if err != nil {
		return err
	}

	repeat.NextRunAt = next
	repeat.NextJobID = queue.RepeatJobID(repeat.Key, next)

	encoded, err := json.Marshal(repeat)
	if err != nil {
		return fmt.Errorf("failed to marshal repeatable job %s: %w", repeat.Key, err)
	}

	advanced, err := advanceScript.Run(ctx, q.client, []string{k.repeat}, repeat.Key, job.ID, encoded).Int()
	if err != nil {
		return fmt.Errorf("failed to advance repeatable job %s: %w", repeat.Key, err)
	}

	if advanced == 0 {
		return nil
	}

	_, err = q.store(ctx, repeat.Occurrence(job.Topic, now))

	return err
}

func (q *Queue) move(ctx context.Context, job *queue.Job, state queue.JobState, score int64, fields ...any) error {
	k := keysFor(job.Topic)

	args := append([]any{job.ID, string(state), score}, fields...)

	moved, err := moveScript.Run(ctx, q.client, []string{k.job(job.ID), k.active, k.set(state)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to move job %s to %s: %w", job.ID, state, err)
	}

	if moved == 0 {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, job.ID)
	}

	updated, err := q.Job(ctx, job.Topic, job.ID)
	if err != nil {
		return err
	}

	*job = *updated

	return nil
}

func (q *Queue) Complete(ctx context.Context, job *queue.Job) error {
	now := q.now().UnixMilli()

	return q.move(ctx, job, queue.StateCompleted, now, "finished_at", now)
}

func (q *Queue) Fail(ctx context.Context, job *queue.Job, reason error) error {
	now := q.now().UnixMilli()

	return q.move(ctx, job, queue.StateFailed, now, "finished_at", now, "failed_reason", errorText(reason))
}

func (q *Queue) Retry(ctx context.Context, job *queue.Job, delay time.Duration, reason error) error {
	runAt := q.now().Add(delay).UnixMilli()

	return q.move(ctx, job, queue.StateDelayed, runAt, "run_at", runAt, "failed_reason", errorText(reason))
}

func (q *Queue) Job(ctx context.Context, topic, id string) (*queue.Job, error) {
	fields, err := q.client.HGetAll(ctx, keysFor(topic).job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}

	return decodeJob(id, fields)
}

func decodeJob(id string, fields map[string]string) (*queue.Job, error) {
	var job queue.Job

	err := json.Unmarshal([]byte(fields["payload"]), &job)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}

	job.State = queue.JobState(fields["state"])
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts"])
	job.FailedReason = fields["failed_reason"]

	if runAt, ok := millis(fields["run_at"]); ok {
		job.RunAt = runAt
	}

	if processedAt, ok := millis(fields["processed_at"]); ok {
		job.ProcessedAt = &processedAt
	}

	if finishedAt, ok := millis(fields["finished_at"]); ok {
		job.FinishedAt = &finishedAt
	}

	return &job, nil
}

func millis(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(ms).UTC(), true
}

func (q *Queue) Counts(ctx context.Context, topic string) (queue.Counts, error) {
	k := keysFor(topic)

	var waiting, active, delayed, completed, failed *redis.IntCmd

	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, k.wait)
		active = pipe.ZCard(ctx, k.active)
		delayed = pipe.ZCard(ctx, k.delayed)
		completed = pipe.ZCard(ctx, k.completed)
		failed = pipe.ZCard(ctx, k.failed)

		return nil
	})
	if err != nil {
		return queue.Counts{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	return queue.Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *Queue) Jobs(ctx context.Context, topic string, states []queue.JobState, limit int) ([]*queue.Job, error) {
	if len(states) == 0 {
		states = queue.AllStates
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	k := keysFor(topic)

	var jobs []*queue.Job

	for _, state := range states {
		set := k.set(state)
		if set == "" {
			continue
		}

		ids, err := q.client.ZRevRange(ctx, set, 0, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
		}

		for _, id := range ids {
			job, err := q.Job(ctx, topic, id)
			if errors.Is(err, queue.ErrJobNotFound) {
				continue
			}

			if err != nil {
				return nil, err
			}

			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func (q *Queue) Pause(ctx context.Context, topic string) error {
	err := q.client.Set(ctx, keysFor(topic).paused, "1", 0).Err()
	if err != nil {
		return fmt.Errorf("failed to pause topic %s: %w", topic, err)
	}

	return nil
}

func (q *Queue) Resume(ctx context.Context, topic string) error {
	err := q.client.Del(ctx, keysFor(topic).paused).Err()
	if err != nil {
		return fmt.Errorf("failed to resume topic %s: %w", topic, err)
	}

	return nil
}

func (q *Queue) IsPaused(ctx context.Context, topic string) (bool, error) {
	n, err := q.client.Exists(ctx, keysFor(topic).paused).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read pause state of %s: %w", topic, err)
	}

	return n == 1, nil
}

func (q *Queue) Clean(ctx context.Context, topic string, grace time.Duration, state queue.JobState) (int, error) {
	if state != queue.StateCompleted && state != queue.StateFailed {
		return 0, fmt.Errorf("cannot clean jobs in state %s", state)
	}

	k := keysFor(topic)
	set := k.set(state)
	cutoff := q.now().Add(-grace).UnixMilli()

	ids, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]any, 0, len(ids))

		for _, id := range ids {
			pipe.Del(ctx, k.job(id))
			members = append(members, id)
		}

		pipe.ZRem(ctx, set, members...)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s jobs: %w", state, err)
	}

	return len(ids), nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
