package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

func (r Repo) Feed(ctx context.Context, id feedhook.ID) (feedhook.Feed, error) {
	var feed feedhook.Feed
	if err := findOne(ctx, r.feeds(), bson.M{"_id": id}, &feed, "feed "+id.Hex()); err != nil {
		return feedhook.Feed{}, err
	}

	return feed, nil
}

func (r Repo) FeedByURL(ctx context.Context, url string) (feedhook.Feed, error) {
	var feed feedhook.Feed
	if err := findOne(ctx, r.feeds(), bson.M{"url": url}, &feed, fmt.Sprintf("feed with url %q", url)); err != nil {
		return feedhook.Feed{}, err
	}

	return feed, nil
}

func (r Repo) InsertFeed(ctx context.Context, feed feedhook.Feed) (feedhook.Feed, error) {
	if feed.ID.IsZero() {
		feed.ID = feedhook.NewID()
	}
	if feed.Type == "" {
		feed.Type = feedhook.FeedTypeRSS2
	}
	feed.SyncedAt = ms(feed.SyncedAt)
	feed.CreatedAt = ms(feed.CreatedAt)
	feed.UpdatedAt = ms(feed.UpdatedAt)
	feed.LockedBy, feed.LockedUntil, feed.CheckedAt = nil, nil, nil

	_, err := r.feeds().InsertOne(ctx, feed)
	if mongo.IsDuplicateKeyError(err) {
		return feedhook.Feed{}, fmt.Errorf("feed already exists: %w", feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Feed{}, fmt.Errorf("error inserting feed: %s", err)
	}

	return feed, nil
}

// DeleteFeed removes the entries first so that a failure halfway leaves the
// feed in place to be cleaned up again.
func (r Repo) DeleteFeed(ctx context.Context, id feedhook.ID) error {
	if _, err := r.entries().DeleteMany(ctx, bson.M{"feed_id": id}); err != nil {
		return fmt.Errorf("error deleting feed entries: %s", err)
	}
	if _, err := r.feeds().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("error deleting feed: %s", err)
	}

	return nil
}

func (r Repo) StaleFeeds(ctx context.Context, before time.Time, limit int) ([]feedhook.Feed, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "checked_at", Value: 1}, {Key: "synced_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	feeds, err := findAll[feedhook.Feed](ctx, r.feeds(), bson.M{"synced_at": bson.M{"$lt": ms(before)}}, opts)
	if err != nil {
		return nil, fmt.Errorf("error selecting stale feeds: %s", err)
	}

	return feeds, nil
}

func (r Repo) FeedIDs(ctx context.Context) ([]feedhook.ID, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	docs, err := findAll[struct {
		ID feedhook.ID `bson:"_id"`
	}](ctx, r.feeds(), bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error fetching feed ids: %s", err)
	}

	ids := make([]feedhook.ID, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}

	return ids, nil
}

func (r Repo) UpdateFeed(ctx context.Context, id feedhook.ID, args feedhook.UpdateFeedArgs) error {
	set := bson.M{"updated_at": ms(time.Now())}
	if args.PublicID != "" {
		set["public_id"] = args.PublicID
	}
	if args.Type != "" {
		set["feed_type"] = args.Type
	}
	if args.Title != nil {
		set["title"] = *args.Title
	}
	if args.Description != nil {
		set["description"] = *args.Description
	}

	update := bson.M{"$set": set}
	if !args.SyncedAt.IsZero() {
		update["$max"] = bson.M{"synced_at": ms(args.SyncedAt)}
	}

	if _, err := r.feeds().UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("error executing feed update: %s", err)
	}

	return nil
}

func (r Repo) AcquireFeedLease(ctx context.Context, id feedhook.ID, owner string, now, until time.Time) (bool, error) {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"locked_by": nil},
			bson.M{"locked_by": owner},
			bson.M{"locked_until": bson.M{"$lte": ms(now)}},
		},
	}
	update := bson.M{"$set": bson.M{"locked_by": owner, "locked_until": ms(until), "checked_at": ms(now)}}

	res, err := r.feeds().UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("error acquiring feed lease: %s", err)
	}

	return res.MatchedCount == 1, nil
}

func (r Repo) ReleaseFeedLease(ctx context.Context, id feedhook.ID, owner string) error {
	filter := bson.M{"_id": id, "locked_by": owner}
	update := bson.M{"$unset": bson.M{"locked_by": "", "locked_until": ""}}

	if _, err := r.feeds().UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("error releasing feed lease: %s", err)
	}

	return nil
}
