package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.temporal.io/sdk/client"

	"github.com/jdholdren/feedhook/internal/queue"
)

// openBroker connects to the configured queue, retrying until it is ready.
// The returned function closes it.
func openBroker(ctx context.Context, cfg config) (queue.Broker, func(), error) {
	switch cfg.QueueDriver {
	case "memory":
		return queue.NewMemory(queue.MemoryConfig{Concurrency: cfg.NotifyConcurrency}), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := retry.Fibonacci(ctx, 1*time.Second, func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				slog.WarnContext(ctx, "waiting for redis", "addr", cfg.RedisAddr, "error", err)
				return retry.RetryableError(err)
			}
			return nil
		}); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("error connecting to redis: %s", err)
		}

		host, _ := os.Hostname()
		broker := queue.NewRedis(rdb, queue.RedisConfig{
			Consumer: host,
			Count:    int64(cfg.NotifyConcurrency),
		})
		return broker, func() { rdb.Close() }, nil
	case "temporal":
		// Retry until temporal is ready
		var temporalCli client.Client
		if err := retry.Fibonacci(ctx, 1*time.Second, func(ctx context.Context) error {
			c, err := client.Dial(client.Options{
				HostPort:  cfg.TemporalHostPort,
				Namespace: cfg.TemporalNamespace,
				Logger:    slog.Default(),
			})
			if err != nil {
				slog.WarnContext(ctx, "waiting for temporal", "host_port", cfg.TemporalHostPort, "error", err)
				return retry.RetryableError(err)
			}
			temporalCli = c

			return nil
		}); err != nil {
			return nil, nil, fmt.Errorf("error connecting to temporal: %s", err)
		}

		broker := queue.NewTemporal(temporalCli, queue.TemporalConfig{Concurrency: cfg.NotifyConcurrency})
		return broker, temporalCli.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}
