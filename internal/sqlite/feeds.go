package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

func (r Repo) Feed(ctx context.Context, id feedhook.ID) (feedhook.Feed, error) {
	const q = `SELECT * FROM feeds WHERE id = ?;`

	var feed feedhook.Feed
	err := r.db.GetContext(ctx, &feed, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return feedhook.Feed{}, fmt.Errorf("feed %s: %w", id, feedhook.ErrNotFound)
	}
	if err != nil {
		return feedhook.Feed{}, fmt.Errorf("error fetching feed: %s", err)
	}

	return feed, nil
}

func (r Repo) FeedByURL(ctx context.Context, url string) (feedhook.Feed, error) {
	const q = `SELECT * FROM feeds WHERE url = ?;`

	var feed feedhook.Feed
	err := r.db.GetContext(ctx, &feed, q, url)
	if errors.Is(err, sql.ErrNoRows) {
		return feedhook.Feed{}, fmt.Errorf("feed with url %q: %w", url, feedhook.ErrNotFound)
	}
	if err != nil {
		return feedhook.Feed{}, fmt.Errorf("error fetching feed: %s", err)
	}

	return feed, nil
}

func (r Repo) InsertFeed(ctx context.Context, feed feedhook.Feed) (feedhook.Feed, error) {
	const q = `INSERT INTO feeds (id, public_id, feed_type, url, title, description, synced_at, created_at, updated_at)
	VALUES (:id, :public_id, :feed_type, :url, :title, :description, :synced_at, :created_at, :updated_at);`

	if feed.ID.IsZero() {
		feed.ID = feedhook.NewID()
	}
	if feed.Type == "" {
		feed.Type = feedhook.FeedTypeRSS2
	}
	feed.SyncedAt = utc(feed.SyncedAt)
	feed.CreatedAt = utc(feed.CreatedAt)
	feed.UpdatedAt = utc(feed.UpdatedAt)
	feed.LockedBy, feed.LockedUntil, feed.CheckedAt = nil, nil, nil

	_, err := r.db.NamedExecContext(ctx, q, feed)
	if isUniqueViolation(err) {
		return feedhook.Feed{}, fmt.Errorf("feed already exists: %w", feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Feed{}, fmt.Errorf("error inserting feed: %s", err)
	}

	return r.Feed(ctx, feed.ID)
}

// DeleteFeed removes the feed and its entries in one transaction.
func (r Repo) DeleteFeed(ctx context.Context, id feedhook.ID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE feed_id = ?;`, id); err != nil {
		return fmt.Errorf("error deleting feed entries: %s", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("error deleting feed: %s", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing feed deletion: %s", err)
	}

	return nil
}

func (r Repo) StaleFeeds(ctx context.Context, before time.Time, limit int) ([]feedhook.Feed, error) {
	const q = `SELECT * FROM feeds WHERE synced_at < ? ORDER BY checked_at ASC, synced_at ASC, id ASC LIMIT ?;`

	feeds := []feedhook.Feed{}
	if err := r.db.SelectContext(ctx, &feeds, q, utc(before), limit); err != nil {
		return nil, fmt.Errorf("error selecting stale feeds: %s", err)
	}

	return feeds, nil
}

func (r Repo) FeedIDs(ctx context.Context) ([]feedhook.ID, error) {
	const q = `SELECT id FROM feeds ORDER BY id;`

	ids := []feedhook.ID{}
	if err := r.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, fmt.Errorf("error fetching feed ids: %s", err)
	}

	return ids, nil
}

func (r Repo) UpdateFeed(ctx context.Context, id feedhook.ID, args feedhook.UpdateFeedArgs) error {
	q := sq.Update("feeds").Set("updated_at", utc(time.Now()))
	if args.PublicID != "" {
		q = q.Set("public_id", args.PublicID)
	}
	if args.Type != "" {
		q = q.Set("feed_type", args.Type)
	}
	if args.Title != nil {
		q = q.Set("title", *args.Title)
	}
	if args.Description != nil {
		q = q.Set("description", *args.Description)
	}
	if !args.SyncedAt.IsZero() {
		q = q.Set("synced_at", sq.Expr("MAX(synced_at, ?)", utc(args.SyncedAt)))
	}
	q = q.Where(sq.Eq{"id": id.Hex()})

	query, qArgs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, qArgs...); err != nil {
		return fmt.Errorf("error executing feed update: %s", err)
	}

	return nil
}

func (r Repo) AcquireFeedLease(ctx context.Context, id feedhook.ID, owner string, now, until time.Time) (bool, error) {
	const q = `UPDATE feeds SET locked_by = ?, locked_until = ?, checked_at = ?
	WHERE id = ? AND (locked_by IS NULL OR locked_by = ? OR locked_until <= ?);`

	res, err := r.db.ExecContext(ctx, q, owner, utc(until), utc(now), id, owner, utc(now))
	if err != nil {
		return false, fmt.Errorf("error acquiring feed lease: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading affected rows: %s", err)
	}

	return n == 1, nil
}

func (r Repo) ReleaseFeedLease(ctx context.Context, id feedhook.ID, owner string) error {
	const q = `UPDATE feeds SET locked_by = NULL, locked_until = NULL WHERE id = ? AND locked_by = ?;`

	if _, err := r.db.ExecContext(ctx, q, id, owner); err != nil {
		return fmt.Errorf("error releasing feed lease: %s", err)
	}

	return nil
}
