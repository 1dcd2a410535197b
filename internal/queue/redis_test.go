package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected client.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := queue.NewRedisClient("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := queue.NewRedisClient("not-a-url://")
	assert.Error(t, err)
}

func TestRedisQueue_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, "images")
	ctx := context.Background()
	require.NoError(t, q.Ping(ctx))

	require.NoError(t, q.Send(ctx, []byte(`{"n":1}`)))
	require.NoError(t, q.Send(ctx, []byte(`{"n":2}`)))

	first, ok, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(first.Body))

	processing, err := client.LLen(ctx, queue.ProcessingKey("images")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)

	// Returned messages come back before anything else.
	require.NoError(t, q.Return(ctx, first))
	again, ok, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	require.NoError(t, q.Ack(ctx, again))

	second, ok, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.DeadLetter(ctx, second, "bad request"))

	dead, err := client.LLen(ctx, queue.DeadKey("images")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
	processing, err = client.LLen(ctx, queue.ProcessingKey("images")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)

	_, ok, err = q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisQueue_UndecodableMessageIsDeadLettered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, "images")
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, queue.PendingKey("images"), "garbage").Err())

	_, ok, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	dead, err := client.LRange(ctx, queue.DeadKey("images"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"garbage"}, dead)
}

func TestRedisQueue_RequeueExpired(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, "regions", queue.WithVisibilityTimeout(time.Minute))
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, []byte(`{"region_id":"r-1"}`)))

	stale, ok, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	held, err := client.ZCard(ctx, queue.VisibilityKey("regions")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), held)

	n, err := q.RequeueExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	processing, err := client.LLen(ctx, queue.ProcessingKey("regions")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
	held, err = client.ZCard(ctx, queue.VisibilityKey("regions")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), held)

	again, ok, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stale.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)

	// A late Return of the expired delivery must not duplicate the message.
	require.NoError(t, q.Return(ctx, stale))
	pending, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	require.NoError(t, q.Ack(ctx, again))
	held, err = client.ZCard(ctx, queue.VisibilityKey("regions")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), held)
}

func TestRedisCounter_IncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	c := queue.NewRedisCounter(client)
	ctx := context.Background()

	val, err := c.IncrWithExpiry(ctx, queue.RateLimitKey("tf_abcd"), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = c.IncrWithExpiry(ctx, queue.RateLimitKey("tf_abcd"), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	ttl, err := client.TTL(ctx, queue.RateLimitKey("tf_abcd")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
