package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/queue"
)

// Queue carries the ids of subscriptions with unsent entries.
const Queue = "send_webhook"

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedhook_notifications_published_total",
		Help: "Subscriptions put on the notification queue",
	})
	consumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhook_notifications_consumed_total",
		Help: "Notification messages handled by outcome",
	}, []string{"result"})
)

type (
	ScheduledLister interface {
		ScheduledSubscriptions(ctx context.Context, limit int) ([]feedhook.Subscription, error)
		UnscheduleSubscription(ctx context.Context, id feedhook.ID, seen time.Time) error
	}

	Publisher interface {
		Publish(ctx context.Context, queue string, body []byte) error
	}

	ProducerConfig struct {
		Interval    time.Duration
		PageSize    int
		Concurrency int
		RetryDelay  time.Duration
	}

	// Producer queues every scheduled subscription and then clears its
	// schedule. A subscription whose publish fails stays scheduled.
	Producer struct {
		repo      ScheduledLister
		publisher Publisher
		cfg       ProducerConfig
	}
)

func NewProducer(repo ScheduledLister, publisher Publisher, cfg ProducerConfig) *Producer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	return &Producer{repo: repo, publisher: publisher, cfg: cfg}
}

func (p *Producer) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "notification producer started", "interval", p.cfg.Interval)

	for {
		delay := p.cfg.Interval
		if err := p.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.ErrorContext(ctx, "error listing scheduled subscriptions", "error", err)
			delay = p.cfg.RetryDelay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Pass queues one page of scheduled subscriptions.
func (p *Producer) Pass(ctx context.Context) error {
	subs, err := p.repo.ScheduledSubscriptions(ctx, p.cfg.PageSize)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			if err := p.publisher.Publish(ctx, Queue, EncodePayload(sub.ID)); err != nil {
				slog.ErrorContext(ctx, "error publishing notification", "subscription_id", sub.ID.Hex(), "error", err)
				return nil
			}
			published.Inc()

			// Only a schedule older than what was just queued is cleared
			if sub.ScheduledAt != nil {
				if err := p.repo.UnscheduleSubscription(ctx, sub.ID, *sub.ScheduledAt); err != nil {
					slog.ErrorContext(ctx, "error unscheduling subscription", "subscription_id", sub.ID.Hex(), "error", err)
				}
			}

			return nil
		})
	}

	return g.Wait()
}

type (
	SubscriptionNotifier interface {
		Notify(ctx context.Context, subscriptionID feedhook.ID) (Result, error)
	}

	Consumer struct {
		broker   queue.Broker
		notifier SubscriptionNotifier
	}
)

func NewConsumer(broker queue.Broker, notifier SubscriptionNotifier) *Consumer {
	return &Consumer{broker: broker, notifier: notifier}
}

// Run consumes the notification queue until the context is done.
func (c *Consumer) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "notification consumer started", "queue", Queue)

	if err := c.broker.Consume(ctx, Queue, c.Handle); err != nil {
		return fmt.Errorf("error consuming %s: %s", Queue, err)
	}

	return nil
}

// Handle notifies the subscription named by the delivery. The message is
// acknowledged once Notify returns, whatever the outcome, and left for
// redelivery if it panics.
func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) {
	id, err := DecodePayload(d.Body())
	if err != nil {
		slog.ErrorContext(ctx, "dropping malformed notification", "error", err)
		consumed.WithLabelValues("malformed").Inc()
		c.ack(ctx, d)
		return
	}

	if !c.notify(ctx, id) {
		consumed.WithLabelValues("panic").Inc()
		return
	}
	c.ack(ctx, d)
}

// notify reports false if the notifier panicked.
func (c *Consumer) notify(ctx context.Context, id feedhook.ID) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic notifying subscription", "subscription_id", id.Hex(), "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()

	res, err := c.notifier.Notify(ctx, id)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "error notifying subscription", "subscription_id", id.Hex(), "error", err)
		consumed.WithLabelValues("failed").Inc()
	case res.Webhook == nil:
		consumed.WithLabelValues("empty").Inc()
	default:
		consumed.WithLabelValues(string(res.Webhook.Status)).Inc()
	}

	return true
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		slog.ErrorContext(ctx, "error acking notification", "error", err)
	}
}
