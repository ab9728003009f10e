package queue

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a redis server, e.g. FEEDHOOK_TEST_REDIS_ADDR=localhost:6379.
func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	addr := os.Getenv("FEEDHOOK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FEEDHOOK_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return client
}

func TestRedis_DeliversAndReclaims(t *testing.T) {
	var (
		client      = newTestRedis(t)
		queue       = "test-" + uuid.NewString()
		ctx, cancel = context.WithCancel(context.Background())
		attempts    atomic.Int32
		acked       = make(chan []byte, 1)
	)
	defer cancel()
	t.Cleanup(func() { client.Del(context.Background(), queue) })

	r := NewRedis(client, RedisConfig{Block: 50 * time.Millisecond, MinIdle: 100 * time.Millisecond})
	go r.Consume(ctx, queue, func(ctx context.Context, d Delivery) {
		// Leave the first delivery pending, as a crashed consumer would
		if attempts.Add(1) == 1 {
			return
		}
		assert.NoError(t, d.Ack(ctx))
		acked <- d.Body()
	})
	require.NoError(t, r.Publish(ctx, queue, []byte{0x01, 0x02}))

	select {
	case body := <-acked:
		assert.Equal(t, []byte{0x01, 0x02}, body)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not reclaimed")
	}

	pending, err := client.XPending(ctx, queue, "feedhook").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
