package worker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packager/models"
)

func newIntegrationQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "packager-test:" + time.Now().Format("150405.000000") + ":"
	q := NewRedisQueue(client, prefix, prefix+"pending", prefix+"processing", prefix+"failed")
	t.Cleanup(func() {
		client.Del(context.Background(), q.pending, q.processing, q.failed, q.StatusKey("v1"), q.ResultKey("v1"))
	})
	return q, client
}

func TestRedisQueue_Lifecycle(t *testing.T) {
	q, client := newIntegrationQueue(t)
	ctx := context.Background()

	job := &models.VideoJob{VideoID: "v1", InputPath: "/in/v1.mp4", CreatedAt: time.Now().UTC()}
	require.NoError(t, q.Enqueue(ctx, job))

	payload, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	var got models.VideoJob
	require.NoError(t, json.Unmarshal([]byte(payload), &got))
	assert.Equal(t, "v1", got.VideoID)

	inFlight, err := q.Processing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{payload}, inFlight)

	require.NoError(t, q.Fail(ctx, payload))
	failed, err := client.LRange(ctx, q.failed, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{payload}, failed)

	_, err = q.Claim(ctx, time.Second)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, q.SetStatus(ctx, "v1", map[string]interface{}{"status": "failed"}))
	status, err := client.HGet(ctx, q.StatusKey("v1"), "status").Result()
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
}

func TestRedisQueue_OutcomeRoundTrip(t *testing.T) {
	q, client := newIntegrationQueue(t)
	ctx := context.Background()

	_, err := q.AwaitOutcome(ctx, "v1", time.Second)
	assert.ErrorIs(t, err, models.ErrNoOutcome)

	require.NoError(t, q.Complete(ctx, &models.JobOutcome{VideoID: "v1", Status: models.StatusFailed, Error: "conversion failed"}))
	ttl, err := client.TTL(ctx, q.ResultKey("v1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	outcome, err := q.AwaitOutcome(ctx, "v1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Equal(t, "conversion failed", outcome.Error)

	exists, err := client.Exists(ctx, q.ResultKey("v1")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisQueue_Keys(t *testing.T) {
	q := NewRedisQueue(nil, "hls:", "p", "w", "f")
	assert.Equal(t, "hls:status:1700000000000-clip", q.StatusKey("1700000000000-clip"))
	assert.Equal(t, "hls:result:1700000000000-clip", q.ResultKey("1700000000000-clip"))
}
