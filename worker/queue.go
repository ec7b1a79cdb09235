package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"packager/models"
)

// ErrQueueEmpty is returned by Claim when nothing arrived before the timeout.
var ErrQueueEmpty = errors.New("queue empty")

// outcomeTTL bounds how long an unread outcome lingers after its request
// went away.
const outcomeTTL = time.Hour

// JobQueue moves serialized jobs between pending, processing and failed.
// Payloads are handed back verbatim so they can be removed by value.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.VideoJob) error
	Claim(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, payload string) error
	Fail(ctx context.Context, payload string) error
	Processing(ctx context.Context) ([]string, error)
	SetStatus(ctx context.Context, videoID string, fields map[string]interface{}) error
	Complete(ctx context.Context, outcome *models.JobOutcome) error
}

type RedisQueue struct {
	client     redis.Cmdable
	prefix     string
	pending    string
	processing string
	failed     string
}

func NewRedisQueue(client redis.Cmdable, prefix, pending, processing, failed string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		prefix:     prefix,
		pending:    pending,
		processing: processing,
		failed:     failed,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.VideoJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.VideoID, err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.VideoID, err)
	}
	return nil
}

// Claim atomically moves the oldest pending job onto the processing list.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	payload, err := q.client.BRPopLPush(ctx, q.pending, q.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

func (q *RedisQueue) Ack(ctx context.Context, payload string) error {
	return q.client.LRem(ctx, q.processing, 1, payload).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, payload string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, payload)
		pipe.LPush(ctx, q.failed, payload)
		return nil
	})
	return err
}

func (q *RedisQueue) Processing(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, q.processing, 0, -1).Result()
}

// SetStatus updates the operator-facing status hash for videoID.
func (q *RedisQueue) SetStatus(ctx context.Context, videoID string, fields map[string]interface{}) error {
	values := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	return q.client.HSet(ctx, q.StatusKey(videoID), values).Err()
}

func (q *RedisQueue) StatusKey(videoID string) string {
	return q.prefix + "status:" + videoID
}

// Complete hands the terminal outcome of a job to the request waiting on it.
func (q *RedisQueue) Complete(ctx context.Context, outcome *models.JobOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome %s: %w", outcome.VideoID, err)
	}
	key := q.ResultKey(outcome.VideoID)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.Expire(ctx, key, outcomeTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", outcome.VideoID, err)
	}
	return nil
}

// AwaitOutcome blocks until the worker running videoID reports a terminal
// outcome. It returns models.ErrNoOutcome when timeout passes first.
func (q *RedisQueue) AwaitOutcome(ctx context.Context, videoID string, timeout time.Duration) (*models.JobOutcome, error) {
	res, err := q.client.BLPop(ctx, timeout, q.ResultKey(videoID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNoOutcome
	}
	if err != nil {
		return nil, err
	}
	// BLPOP replies with the key followed by the value.
	var outcome models.JobOutcome
	if err := json.Unmarshal([]byte(res[1]), &outcome); err != nil {
		return nil, fmt.Errorf("decode outcome %s: %w", videoID, err)
	}
	return &outcome, nil
}

func (q *RedisQueue) ResultKey(videoID string) string {
	return q.prefix + "result:" + videoID
}
