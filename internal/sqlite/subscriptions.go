package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

func (r Repo) Subscription(ctx context.Context, id feedhook.ID) (feedhook.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE id = ?;`

	var sub feedhook.Subscription
	err := r.db.GetContext(ctx, &sub, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return feedhook.Subscription{}, fmt.Errorf("subscription %s: %w", id, feedhook.ErrNotFound)
	}
	if err != nil {
		return feedhook.Subscription{}, fmt.Errorf("error fetching subscription: %s", err)
	}

	return sub, nil
}

func (r Repo) InsertSubscription(ctx context.Context, sub feedhook.Subscription) (feedhook.Subscription, error) {
	const q = `INSERT INTO subscriptions (id, application_id, url, feed_id, endpoint_id, metadata, last_notified_entry, notified_at, scheduled_at, synced_at, created_at)
	VALUES (:id, :application_id, :url, :feed_id, :endpoint_id, :metadata, :last_notified_entry, :notified_at, :scheduled_at, :synced_at, :created_at);`

	if sub.ID.IsZero() {
		sub.ID = feedhook.NewID()
	}
	sub.NotifiedAt = utcPtr(sub.NotifiedAt)
	sub.ScheduledAt = utcPtr(sub.ScheduledAt)
	sub.SyncedAt = utcPtr(sub.SyncedAt)
	sub.CreatedAt = utc(sub.CreatedAt)

	_, err := r.db.NamedExecContext(ctx, q, sub)
	if isUniqueViolation(err) {
		return feedhook.Subscription{}, fmt.Errorf("subscription already exists: %w", feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Subscription{}, fmt.Errorf("error inserting subscription: %s", err)
	}

	return r.Subscription(ctx, sub.ID)
}

func (r Repo) DeleteSubscription(ctx context.Context, id feedhook.ID) error {
	const q = `DELETE FROM subscriptions WHERE id = ?;`

	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("error deleting subscription: %s", err)
	}

	return nil
}

func (r Repo) Subscriptions(ctx context.Context, applicationID feedhook.ID, limit, offset int) ([]feedhook.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE application_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;`

	subs := []feedhook.Subscription{}
	if err := r.db.SelectContext(ctx, &subs, q, applicationID, limit, offset); err != nil {
		return nil, fmt.Errorf("error selecting subscriptions: %s", err)
	}

	return subs, nil
}

func (r Repo) CountFeedSubscriptions(ctx context.Context, feedID feedhook.ID) (int64, error) {
	const q = `SELECT COUNT(*) FROM subscriptions WHERE feed_id = ?;`

	var count int64
	if err := r.db.GetContext(ctx, &count, q, feedID); err != nil {
		return 0, fmt.Errorf("error counting subscriptions: %s", err)
	}

	return count, nil
}

func (r Repo) FeedCursors(ctx context.Context, feedID feedhook.ID) ([]*feedhook.ID, error) {
	const q = `SELECT last_notified_entry FROM subscriptions WHERE feed_id = ?;`

	var raw []sql.NullString
	if err := r.db.SelectContext(ctx, &raw, q, feedID); err != nil {
		return nil, fmt.Errorf("error selecting cursors: %s", err)
	}

	cursors := make([]*feedhook.ID, 0, len(raw))
	for _, s := range raw {
		if !s.Valid {
			cursors = append(cursors, nil)
			continue
		}
		id, err := feedhook.ParseID(s.String)
		if err != nil {
			return nil, fmt.Errorf("error parsing cursor: %w", err)
		}
		cursors = append(cursors, &id)
	}

	return cursors, nil
}

func (r Repo) ScheduleFeedSubscriptions(ctx context.Context, feedID feedhook.ID, at time.Time) error {
	const q = `UPDATE subscriptions SET scheduled_at = ?, synced_at = ? WHERE feed_id = ?;`

	if _, err := r.db.ExecContext(ctx, q, utc(at), utc(at), feedID); err != nil {
		return fmt.Errorf("error scheduling subscriptions: %s", err)
	}

	return nil
}

func (r Repo) ScheduledSubscriptions(ctx context.Context, limit int) ([]feedhook.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE scheduled_at IS NOT NULL ORDER BY scheduled_at ASC LIMIT ?;`

	subs := []feedhook.Subscription{}
	if err := r.db.SelectContext(ctx, &subs, q, limit); err != nil {
		return nil, fmt.Errorf("error selecting scheduled subscriptions: %s", err)
	}

	return subs, nil
}

func (r Repo) UnscheduleSubscription(ctx context.Context, id feedhook.ID, seen time.Time) error {
	const q = `UPDATE subscriptions SET scheduled_at = NULL WHERE id = ? AND scheduled_at <= ?;`

	if _, err := r.db.ExecContext(ctx, q, id, utc(seen)); err != nil {
		return fmt.Errorf("error unscheduling subscription: %s", err)
	}

	return nil
}

func (r Repo) RescheduleSubscription(ctx context.Context, id feedhook.ID, at time.Time) error {
	const q = `UPDATE subscriptions SET scheduled_at = MAX(COALESCE(scheduled_at, ?), ?) WHERE id = ?;`

	if _, err := r.db.ExecContext(ctx, q, utc(at), utc(at), id); err != nil {
		return fmt.Errorf("error rescheduling subscription: %s", err)
	}

	return nil
}

// AdvanceCursor moves the cursor in a single conditional update, so that two
// notifiers racing on one subscription can never move it backwards.
func (r Repo) AdvanceCursor(ctx context.Context, id feedhook.ID, args feedhook.AdvanceCursorArgs) (bool, error) {
	var (
		q     string
		qArgs []any
	)
	if args.HasMore {
		q = `UPDATE subscriptions
		SET last_notified_entry = ?, notified_at = ?, scheduled_at = MAX(COALESCE(scheduled_at, ?), ?)
		WHERE id = ? AND (last_notified_entry IS NULL OR last_notified_entry < ?);`
		qArgs = []any{args.To, utc(args.NotifiedAt), utc(args.NotifiedAt), utc(args.NotifiedAt), id, args.To}
	} else {
		// A sync that landed while this notification was running keeps the
		// subscription scheduled.
		q = `UPDATE subscriptions
		SET last_notified_entry = ?, notified_at = ?,
			scheduled_at = CASE WHEN scheduled_at > ? THEN scheduled_at ELSE NULL END
		WHERE id = ? AND (last_notified_entry IS NULL OR last_notified_entry < ?);`
		qArgs = []any{args.To, utc(args.NotifiedAt), utc(args.StartedAt), id, args.To}
	}

	res, err := r.db.ExecContext(ctx, q, qArgs...)
	if err != nil {
		return false, fmt.Errorf("error advancing cursor: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading affected rows: %s", err)
	}

	return n == 1, nil
}
