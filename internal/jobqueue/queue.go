// Package jobqueue provides a durable, at-least-once job queue keyed by
// identity, backed by Redis. Job state is a disposable index: the periodic
// invoice sweep can rebuild it from the database after a flush.
package jobqueue

import (
	"context"
	"math"
	"time"

	"pos-sync-service/internal/redisclient"
	"pos-sync-service/internal/util"

	"go.uber.org/zap"
)

// Job is one claimed unit of work
type Job struct {
	Key      string
	Payload  []byte
	Attempts int
}

// Config holds retry policy for a queue
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Queue schedules delayed work items with per-key dedup, exponential backoff
// and a dead-letter state for exhausted attempts
type Queue struct {
	redis  *redisclient.Client
	name   string
	cfg    Config
	logger *zap.Logger
}

// New creates a named queue
func New(redis *redisclient.Client, name string, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	return &Queue{
		redis:  redis,
		name:   name,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Backoff returns the delay before the given attempt: base * 2^(attempt-1),
// capped at the queue maximum
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return q.cfg.BaseBackoff
	}
	delay := time.Duration(float64(q.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > q.cfg.MaxBackoff || delay <= 0 {
		return q.cfg.MaxBackoff
	}
	return delay
}

// Enqueue schedules a job after the given delay. Returns false when a job
// with the same key is already pending: at most one in-flight job exists per
// key, across all server instances.
func (q *Queue) Enqueue(ctx context.Context, key string, payload []byte, delay time.Duration) (bool, error) {
	added, err := q.redis.EnqueueJob(ctx, q.name, key, payload, time.Now().Add(delay))
	if err != nil {
		return false, err
	}
	if added {
		util.JobsEnqueuedTotal.WithLabelValues(q.name).Inc()
	}
	return added, nil
}

// ClaimDue claims jobs due for execution, at most limit
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]Job, error) {
	claimed, err := q.redis.ClaimDueJobs(ctx, q.name, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(claimed))
	for _, c := range claimed {
		jobs = append(jobs, Job{Key: c.Key, Payload: []byte(c.Payload), Attempts: c.Attempts})
	}
	return jobs, nil
}

// Complete acknowledges a job and releases its dedup key
func (q *Queue) Complete(ctx context.Context, key string) error {
	return q.redis.CompleteJob(ctx, q.name, key)
}

// Fail reschedules a job with backoff, or dead-letters it once attempts are
// exhausted. Returns true when the job went dead.
func (q *Queue) Fail(ctx context.Context, job Job) (bool, error) {
	retryAt := time.Now().Add(q.Backoff(job.Attempts + 1))
	dead, err := q.redis.FailJob(ctx, q.name, job.Key, q.cfg.MaxAttempts, retryAt)
	if err != nil {
		return false, err
	}
	if dead {
		util.JobsDeadLetteredTotal.WithLabelValues(q.name).Inc()
		q.logger.Warn("Job dead-lettered",
			zap.String("queue", q.name),
			zap.String("key", job.Key),
			zap.Int("attempts", job.Attempts))
	}
	return dead, nil
}

// DeadLetters returns dead-lettered payloads by job key
func (q *Queue) DeadLetters(ctx context.Context) (map[string]string, error) {
	return q.redis.DeadLetters(ctx, q.name)
}
