// Package notify sends subscriptions the entries they have not seen yet.
//
// The Producer turns scheduled subscriptions into queue messages and the
// Consumer hands each message to the Notifier, which delivers one page of
// entries and moves the subscription's cursor past them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/logger"
	"github.com/jdholdren/feedhook/internal/webhook"
)

var lostRaces = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedhook_cursor_races_total",
	Help: "Notifications whose cursor advance lost to a concurrent one",
})

type (
	Repository interface {
		Subscription(ctx context.Context, id feedhook.ID) (feedhook.Subscription, error)
		AdvanceCursor(ctx context.Context, id feedhook.ID, args feedhook.AdvanceCursorArgs) (bool, error)
		RescheduleSubscription(ctx context.Context, id feedhook.ID, at time.Time) error
	}

	EntryFinder interface {
		Find(ctx context.Context, feedID feedhook.ID, after *feedhook.ID, limit int) ([]feedhook.Entry, bool, error)
	}

	WebhookSender interface {
		Send(ctx context.Context, args webhook.SendArgs) (feedhook.Webhook, error)
	}

	NotifierConfig struct {
		// Most entries sent in one webhook.
		PageSize int
		// Whether a failed delivery still moves the cursor. When it does not,
		// the subscription is scheduled again and the same page is retried.
		AdvanceOnFailure bool
	}

	Notifier struct {
		repo    Repository
		entries EntryFinder
		sender  WebhookSender
		cfg     NotifierConfig
		now     func() time.Time
	}

	Result struct {
		// Nil when there was nothing to send.
		Webhook *feedhook.Webhook
		Entries int
		// Whether this call moved the cursor.
		Advanced bool
	}
)

// DefaultNotifierConfig advances on failure, so a dead endpoint cannot hold
// a subscription back.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{PageSize: 30, AdvanceOnFailure: true}
}

func NewNotifier(repo Repository, entries EntryFinder, sender WebhookSender, cfg NotifierConfig) *Notifier {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}

	return &Notifier{
		repo:    repo,
		entries: entries,
		sender:  sender,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Notify delivers the next page of unseen entries to the subscription.
func (n *Notifier) Notify(ctx context.Context, subscriptionID feedhook.ID) (Result, error) {
	ctx = logger.Ctx(ctx, slog.String("subscription_id", subscriptionID.Hex()))
	startedAt := n.now()

	sub, err := n.repo.Subscription(ctx, subscriptionID)
	if err != nil {
		return Result{}, fmt.Errorf("error loading subscription: %w", err)
	}

	entries, more, err := n.entries.Find(ctx, sub.FeedID, sub.LastNotifiedEntry, n.cfg.PageSize)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	record, err := n.sender.Send(ctx, webhook.SendArgs{
		EndpointID:     sub.EndpointID,
		ApplicationID:  sub.ApplicationID,
		SubscriptionID: sub.ID,
		FeedID:         sub.FeedID,
		Entries:        entries,
		Metadata:       sub.Metadata,
	})
	if err != nil {
		return Result{}, fmt.Errorf("error sending webhook: %w", err)
	}
	res := Result{Webhook: &record, Entries: len(entries)}

	if record.Status == feedhook.WebhookStatusFailed && !n.cfg.AdvanceOnFailure {
		if err := n.repo.RescheduleSubscription(ctx, sub.ID, n.now()); err != nil {
			return res, fmt.Errorf("error rescheduling subscription: %w", err)
		}
		return res, nil
	}

	last := entries[len(entries)-1].ID
	advanced, err := n.repo.AdvanceCursor(ctx, sub.ID, feedhook.AdvanceCursorArgs{
		To:         last,
		NotifiedAt: record.SentAt,
		HasMore:    more,
		StartedAt:  startedAt,
	})
	if err != nil {
		return res, fmt.Errorf("error advancing cursor: %w", err)
	}
	if !advanced {
		slog.WarnContext(ctx, "cursor already moved past this page", "entry_id", last.Hex())
		lostRaces.Inc()
		return res, nil
	}
	res.Advanced = true

	slog.InfoContext(ctx, "notified subscription", "entries", len(entries), "status", record.Status, "more", more)

	return res, nil
}
