package feedhook

import (
	"context"
	"time"
)

type (
	// Entry represents a unique entry in a feed.
	//
	// Entries of one feed are inserted oldest first, so ordering by id is
	// ordering by publication.
	Entry struct {
		ID          ID         `db:"id" bson:"_id"`
		FeedID      ID         `db:"feed_id" bson:"feed_id"`
		PublicID    string     `db:"public_id" bson:"public_id"`
		URL         *string    `db:"url" bson:"url"`
		Title       *string    `db:"title" bson:"title"`
		Description *string    `db:"description" bson:"description"`
		PublishedAt *time.Time `db:"published_at" bson:"published_at"`
		CreatedAt   time.Time  `db:"created_at" bson:"created_at"`
	}

	// PublicEntry is the projection of an entry sent in webhooks.
	PublicEntry struct {
		URL         *string    `json:"url"`
		Title       *string    `json:"title"`
		Description *string    `json:"description"`
		PublishedAt *time.Time `json:"published_at"`
	}

	EntryRepo interface {
		// InsertEntry returns ErrConflict when the feed already has an entry
		// with the same public id.
		InsertEntry(ctx context.Context, entry Entry) (Entry, error)
		// LatestEntries returns up to n entries of the feed, newest first.
		LatestEntries(ctx context.Context, feedID ID, n int) ([]Entry, error)
		// EntriesAfter returns up to limit entries with an id greater than
		// after (all entries when after is nil), oldest first.
		EntriesAfter(ctx context.Context, feedID ID, after *ID, limit int) ([]Entry, error)
		// NthNewestEntry skips offset entries from the newest one. It returns
		// ErrNotFound when the feed holds offset entries or fewer.
		NthNewestEntry(ctx context.Context, feedID ID, offset int) (Entry, error)
		// DeleteEntriesBefore removes the entries with an id lower than before.
		DeleteEntriesBefore(ctx context.Context, feedID ID, before ID) (int64, error)
	}
)

// NewEntry builds an entry of the given feed from its parsed form.
func NewEntry(feedID ID, p ParsedEntry, now time.Time) Entry {
	return Entry{
		FeedID:      feedID,
		PublicID:    p.PublicID,
		URL:         p.URL,
		Title:       p.Title,
		Description: p.Description,
		PublishedAt: p.PublishedAt,
		CreatedAt:   now,
	}
}

func (e Entry) Public() PublicEntry {
	return PublicEntry{
		URL:         e.URL,
		Title:       e.Title,
		Description: e.Description,
		PublishedAt: e.PublishedAt,
	}
}
