package feedhook

import (
	"context"
	"time"
)

type FeedType string

const (
	FeedTypeAtom FeedType = "atom"
	FeedTypeJSON FeedType = "json"
	FeedTypeRSS0 FeedType = "rss0"
	FeedTypeRSS1 FeedType = "rss1"
	FeedTypeRSS2 FeedType = "rss2"
)

type (
	// Feed represents a polled feed. Feeds are global: every application
	// subscribing to the same url shares one.
	Feed struct {
		ID          ID         `db:"id" bson:"_id"`
		PublicID    string     `db:"public_id" bson:"public_id"`
		Type        FeedType   `db:"feed_type" bson:"feed_type"`
		URL         string     `db:"url" bson:"url"`
		Title       *string    `db:"title" bson:"title"`
		Description *string    `db:"description" bson:"description"`
		SyncedAt    time.Time  `db:"synced_at" bson:"synced_at"`
		// Last sync attempt, successful or not.
		CheckedAt   *time.Time `db:"checked_at" bson:"checked_at,omitempty"`
		LockedBy    *string    `db:"locked_by" bson:"locked_by,omitempty"`
		LockedUntil *time.Time `db:"locked_until" bson:"locked_until,omitempty"`
		CreatedAt   time.Time  `db:"created_at" bson:"created_at"`
		UpdatedAt   time.Time  `db:"updated_at" bson:"updated_at"`
	}

	// Holds the optional fields for updating a feed.
	//
	// SyncedAt is applied as a maximum so that it never moves backwards.
	UpdateFeedArgs struct {
		PublicID    string
		Type        FeedType
		Title       *string
		Description *string
		SyncedAt    time.Time
	}

	FeedRepo interface {
		Feed(ctx context.Context, id ID) (Feed, error)
		FeedByURL(ctx context.Context, url string) (Feed, error)
		// InsertFeed returns ErrConflict when the url is already known.
		InsertFeed(ctx context.Context, feed Feed) (Feed, error)
		// DeleteFeed removes the feed and all of its entries.
		DeleteFeed(ctx context.Context, id ID) error
		// StaleFeeds returns up to limit feeds synced before the given time,
		// least recently attempted first. Feeds never attempted come first.
		StaleFeeds(ctx context.Context, before time.Time, limit int) ([]Feed, error)
		FeedIDs(ctx context.Context) ([]ID, error)
		UpdateFeed(ctx context.Context, id ID, args UpdateFeedArgs) error
		// AcquireFeedLease claims the feed for owner until the given time,
		// unless another owner holds a lease that has not expired at now.
		// A claim records now as the feed's last attempt.
		AcquireFeedLease(ctx context.Context, id ID, owner string, now, until time.Time) (bool, error)
		ReleaseFeedLease(ctx context.Context, id ID, owner string) error
	}

	// ParsedFeed is the result of fetching a feed.
	ParsedFeed struct {
		PublicID    string
		Type        FeedType
		Title       *string
		Description *string
		// Entries as they appear in the document, newest first.
		Entries []ParsedEntry
	}

	ParsedEntry struct {
		PublicID    string
		URL         *string
		Title       *string
		Description *string
		PublishedAt *time.Time
	}
)

// UpdateArgs returns the metadata of the parsed feed as an update.
func (p ParsedFeed) UpdateArgs(syncedAt time.Time) UpdateFeedArgs {
	return UpdateFeedArgs{
		PublicID:    p.PublicID,
		Type:        p.Type,
		Title:       p.Title,
		Description: p.Description,
		SyncedAt:    syncedAt,
	}
}
