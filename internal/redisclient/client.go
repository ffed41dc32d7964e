package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/enqueue_job.lua
var enqueueJobScript string

//go:embed scripts/claim_due.lua
var claimDueScript string

//go:embed scripts/fail_job.lua
var failJobScript string

type Client struct {
	rdb           *redis.Client
	enqueueScript *redis.Script
	claimScript   *redis.Script
	failScript    *redis.Script
}

// ClaimedJob is one due job handed to a worker
type ClaimedJob struct {
	Key      string
	Payload  string
	Attempts int
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		enqueueScript: redis.NewScript(enqueueJobScript),
		claimScript:   redis.NewScript(claimDueScript),
		failScript:    redis.NewScript(failJobScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func queueKeys(queue string) (scheduled, pending, payloads, attempts, dead string) {
	return "jobs:" + queue + ":scheduled",
		"jobs:" + queue + ":pending",
		"jobs:" + queue + ":payloads",
		"jobs:" + queue + ":attempts",
		"jobs:" + queue + ":dead"
}

// EnqueueJob schedules a job keyed by identity. Returns false when a job with
// the same key is already pending (enqueue is a no-op).
func (c *Client) EnqueueJob(ctx context.Context, queue, key string, payload []byte, runAt time.Time) (bool, error) {
	scheduled, pending, payloads, _, _ := queueKeys(queue)

	result, err := c.enqueueScript.Run(ctx, c.rdb,
		[]string{scheduled, pending, payloads},
		key, runAt.UnixMilli(), string(payload)).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue job script failed: %w", err)
	}

	added, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return added == 1, nil
}

// ClaimDueJobs atomically claims jobs due at or before now. Claimed jobs stay
// in the pending set until completed or failed.
func (c *Client) ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]ClaimedJob, error) {
	scheduled, _, payloads, attempts, _ := queueKeys(queue)

	result, err := c.claimScript.Run(ctx, c.rdb,
		[]string{scheduled, payloads, attempts},
		now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("claim due script failed: %w", err)
	}

	raw, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result type")
	}

	jobs := make([]ClaimedJob, 0, len(raw)/3)
	for i := 0; i+2 < len(raw); i += 3 {
		key, _ := raw[i].(string)
		payload, _ := raw[i+1].(string)
		attemptCount, _ := raw[i+2].(int64)
		jobs = append(jobs, ClaimedJob{Key: key, Payload: payload, Attempts: int(attemptCount)})
	}
	return jobs, nil
}

// CompleteJob removes a finished job and releases its dedup key
func (c *Client) CompleteJob(ctx context.Context, queue, key string) error {
	scheduled, pending, payloads, attempts, _ := queueKeys(queue)

	pipe := c.rdb.Pipeline()
	pipe.SRem(ctx, pending, key)
	pipe.ZRem(ctx, scheduled, key)
	pipe.HDel(ctx, payloads, key)
	pipe.HDel(ctx, attempts, key)

	_, err := pipe.Exec(ctx)
	return err
}

// FailJob records a failed attempt: the job is rescheduled for retryAt, or
// moved to the dead-letter hash once maxAttempts is reached. Returns true
// when the job went dead.
func (c *Client) FailJob(ctx context.Context, queue, key string, maxAttempts int, retryAt time.Time) (bool, error) {
	scheduled, pending, payloads, attempts, dead := queueKeys(queue)

	result, err := c.failScript.Run(ctx, c.rdb,
		[]string{scheduled, pending, payloads, attempts, dead},
		key, maxAttempts, retryAt.UnixMilli()).Result()
	if err != nil {
		return false, fmt.Errorf("fail job script failed: %w", err)
	}

	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return n == -1, nil
}

// DeadLetters returns the dead-letter payloads by job key
func (c *Client) DeadLetters(ctx context.Context, queue string) (map[string]string, error) {
	_, _, _, _, dead := queueKeys(queue)
	return c.rdb.HGetAll(ctx, dead).Result()
}
