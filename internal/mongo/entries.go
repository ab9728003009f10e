package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

func (r Repo) InsertEntry(ctx context.Context, entry feedhook.Entry) (feedhook.Entry, error) {
	if entry.ID.IsZero() {
		entry.ID = feedhook.NewID()
	}
	if entry.PublishedAt != nil {
		t := ms(*entry.PublishedAt)
		entry.PublishedAt = &t
	}
	entry.CreatedAt = ms(entry.CreatedAt)

	_, err := r.entries().InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return feedhook.Entry{}, fmt.Errorf("entry %q already exists: %w", entry.PublicID, feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Entry{}, fmt.Errorf("error inserting entry: %s", err)
	}

	return entry, nil
}

func (r Repo) LatestEntries(ctx context.Context, feedID feedhook.ID, n int) ([]feedhook.Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(n))

	entries, err := findAll[feedhook.Entry](ctx, r.entries(), bson.M{"feed_id": feedID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error selecting latest entries: %s", err)
	}

	return entries, nil
}

func (r Repo) EntriesAfter(ctx context.Context, feedID feedhook.ID, after *feedhook.ID, limit int) ([]feedhook.Entry, error) {
	filter := bson.M{"feed_id": feedID}
	if after != nil {
		filter["_id"] = bson.M{"$gt": *after}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))

	entries, err := findAll[feedhook.Entry](ctx, r.entries(), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error selecting entries: %s", err)
	}

	return entries, nil
}

func (r Repo) NthNewestEntry(ctx context.Context, feedID feedhook.ID, offset int) (feedhook.Entry, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetSkip(int64(offset))

	var entry feedhook.Entry
	err := r.entries().FindOne(ctx, bson.M{"feed_id": feedID}, opts).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return feedhook.Entry{}, fmt.Errorf("no entry %d back: %w", offset, feedhook.ErrNotFound)
	}
	if err != nil {
		return feedhook.Entry{}, fmt.Errorf("error fetching entry: %s", err)
	}

	return entry, nil
}

func (r Repo) DeleteEntriesBefore(ctx context.Context, feedID feedhook.ID, before feedhook.ID) (int64, error) {
	res, err := r.entries().DeleteMany(ctx, bson.M{"feed_id": feedID, "_id": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("error deleting entries: %s", err)
	}

	return res.DeletedCount, nil
}
