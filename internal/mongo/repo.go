// Package mongo is a [feedhook.Repository] backed by MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

var _ feedhook.Repository = (*Repo)(nil)

const (
	feedsCollection         = "feeds"
	entriesCollection       = "entries"
	subscriptionsCollection = "subscriptions"
	endpointsCollection     = "endpoints"
	webhooksCollection      = "webhooks"
)

type Repo struct {
	db *mongo.Database
}

func New(db *mongo.Database) Repo {
	return Repo{db: db}
}

// Connect dials the server at uri and checks that it answers.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo: %s", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("error pinging mongo: %s", err)
	}

	return client, nil
}

func (r Repo) Ping(ctx context.Context) error {
	return r.db.Client().Ping(ctx, readpref.Primary())
}

// EnsureIndexes declares every index the queries rely on. Creating an index
// that already exists is a no-op.
func (r Repo) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		feedsCollection: {
			{Keys: bson.D{{Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "synced_at", Value: 1}}},
			{Keys: bson.D{{Key: "checked_at", Value: 1}, {Key: "synced_at", Value: 1}}},
		},
		entriesCollection: {
			{Keys: bson.D{{Key: "feed_id", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "feed_id", Value: 1}, {Key: "public_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		subscriptionsCollection: {
			{Keys: bson.D{{Key: "application_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "feed_id", Value: 1}}},
			{Keys: bson.D{{Key: "scheduled_at", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		endpointsCollection: {
			{Keys: bson.D{{Key: "application_id", Value: 1}, {Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		webhooksCollection: {
			{Keys: bson.D{{Key: "application_id", Value: 1}, {Key: "sent_at", Value: -1}}},
			{Keys: bson.D{{Key: "application_id", Value: 1}, {Key: "subscription_id", Value: 1}, {Key: "sent_at", Value: -1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := r.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("error creating indexes on %s: %s", coll, err)
		}
	}

	return nil
}

func (r Repo) feeds() *mongo.Collection         { return r.db.Collection(feedsCollection) }
func (r Repo) entries() *mongo.Collection       { return r.db.Collection(entriesCollection) }
func (r Repo) subscriptions() *mongo.Collection { return r.db.Collection(subscriptionsCollection) }
func (r Repo) endpoints() *mongo.Collection     { return r.db.Collection(endpointsCollection) }
func (r Repo) webhooks() *mongo.Collection      { return r.db.Collection(webhooksCollection) }

// findOne decodes the single document matching filter into v.
func findOne(ctx context.Context, coll *mongo.Collection, filter any, v any, what string) error {
	err := coll.FindOne(ctx, filter).Decode(v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, feedhook.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("error fetching %s: %s", what, err)
	}

	return nil
}

// findAll decodes every document matching filter into a slice.
func findAll[T any](ctx context.Context, coll *mongo.Collection, filter any, opts *options.FindOptions) ([]T, error) {
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	results := []T{}
	if err := cur.All(ctx, &results); err != nil {
		return nil, err
	}

	return results, nil
}

// Mongo keeps milliseconds.
func ms(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
