package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var _ Broker = (*Redis)(nil)

// The stream field holding the message body.
const payloadField = "payload"

type RedisConfig struct {
	// Consumer group shared by every process reading a queue.
	Group string
	// Name of this process within the group.
	Consumer string
	// Messages read at once, and handled concurrently.
	Count int64
	// How long a read waits for new messages.
	Block time.Duration
	// Messages pending longer than this on any consumer are claimed.
	MinIdle time.Duration
	// Approximate stream length kept on publish. Zero keeps everything.
	MaxLen int64
}

// Redis is a broker over redis streams, one stream per queue.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Group == "" {
		cfg.Group = "feedhook"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "feedhook"
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}

	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) Publish(ctx context.Context, queue string, body []byte) error {
	args := &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{payloadField: body},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("error adding to stream %s: %s", queue, err)
	}

	return nil
}

func (r *Redis) Consume(ctx context.Context, queue string, h Handler) error {
	err := r.client.XGroupCreateMkStream(ctx, queue, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("error creating consumer group: %s", err)
	}

	var lastClaim time.Time
	for ctx.Err() == nil {
		// Pick up what crashed consumers left pending
		if time.Since(lastClaim) > r.cfg.MinIdle/2 {
			lastClaim = time.Now()
			claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   queue,
				Group:    r.cfg.Group,
				Consumer: r.cfg.Consumer,
				MinIdle:  r.cfg.MinIdle,
				Start:    "0-0",
				Count:    r.cfg.Count,
			}).Result()
			if err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "error claiming pending messages", "queue", queue, "error", err)
			}
			r.handle(ctx, queue, claimed, h)
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  []string{queue, ">"},
			Count:    r.cfg.Count,
			Block:    r.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.ErrorContext(ctx, "error reading stream", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			r.handle(ctx, queue, stream.Messages, h)
		}
	}

	return nil
}

func (r *Redis) handle(ctx context.Context, queue string, msgs []redis.XMessage, h Handler) {
	var g errgroup.Group
	for _, msg := range msgs {
		g.Go(func() error {
			h(ctx, &redisDelivery{
				client: r.client,
				queue:  queue,
				group:  r.cfg.Group,
				id:     msg.ID,
				body:   payload(msg),
			})
			return nil
		})
	}
	_ = g.Wait()
}

func payload(msg redis.XMessage) []byte {
	switch v := msg.Values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

type redisDelivery struct {
	client redis.UniversalClient
	queue  string
	group  string
	id     string
	body   []byte
}

func (d *redisDelivery) Body() []byte { return d.body }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.client.XAck(ctx, d.queue, d.group, d.id).Err(); err != nil {
		return fmt.Errorf("error acking %s: %s", d.id, err)
	}

	return nil
}
