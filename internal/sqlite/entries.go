package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

func (r Repo) InsertEntry(ctx context.Context, entry feedhook.Entry) (feedhook.Entry, error) {
	const q = `INSERT INTO entries (id, feed_id, public_id, url, title, description, published_at, created_at)
	VALUES (:id, :feed_id, :public_id, :url, :title, :description, :published_at, :created_at);`

	if entry.ID.IsZero() {
		entry.ID = feedhook.NewID()
	}
	entry.PublishedAt = utcPtr(entry.PublishedAt)
	entry.CreatedAt = utc(entry.CreatedAt)

	_, err := r.db.NamedExecContext(ctx, q, entry)
	if isUniqueViolation(err) {
		return feedhook.Entry{}, fmt.Errorf("entry %q already exists: %w", entry.PublicID, feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Entry{}, fmt.Errorf("error inserting entry: %s", err)
	}

	return entry, nil
}

func (r Repo) LatestEntries(ctx context.Context, feedID feedhook.ID, n int) ([]feedhook.Entry, error) {
	const q = `SELECT * FROM entries WHERE feed_id = ? ORDER BY id DESC LIMIT ?;`

	entries := []feedhook.Entry{}
	if err := r.db.SelectContext(ctx, &entries, q, feedID, n); err != nil {
		return nil, fmt.Errorf("error selecting latest entries: %s", err)
	}

	return entries, nil
}

func (r Repo) EntriesAfter(ctx context.Context, feedID feedhook.ID, after *feedhook.ID, limit int) ([]feedhook.Entry, error) {
	var (
		q    = `SELECT * FROM entries WHERE feed_id = ? ORDER BY id ASC LIMIT ?;`
		args = []any{feedID, limit}
	)
	if after != nil {
		q = `SELECT * FROM entries WHERE feed_id = ? AND id > ? ORDER BY id ASC LIMIT ?;`
		args = []any{feedID, *after, limit}
	}

	entries := []feedhook.Entry{}
	if err := r.db.SelectContext(ctx, &entries, q, args...); err != nil {
		return nil, fmt.Errorf("error selecting entries: %s", err)
	}

	return entries, nil
}

func (r Repo) NthNewestEntry(ctx context.Context, feedID feedhook.ID, offset int) (feedhook.Entry, error) {
	const q = `SELECT * FROM entries WHERE feed_id = ? ORDER BY id DESC LIMIT 1 OFFSET ?;`

	var entry feedhook.Entry
	err := r.db.GetContext(ctx, &entry, q, feedID, offset)
	if errors.Is(err, sql.ErrNoRows) {
		return feedhook.Entry{}, fmt.Errorf("no entry %d back: %w", offset, feedhook.ErrNotFound)
	}
	if err != nil {
		return feedhook.Entry{}, fmt.Errorf("error fetching entry: %s", err)
	}

	return entry, nil
}

func (r Repo) DeleteEntriesBefore(ctx context.Context, feedID feedhook.ID, before feedhook.ID) (int64, error) {
	const q = `DELETE FROM entries WHERE feed_id = ? AND id < ?;`

	res, err := r.db.ExecContext(ctx, q, feedID, before)
	if err != nil {
		return 0, fmt.Errorf("error deleting entries: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading affected rows: %s", err)
	}

	return n, nil
}
