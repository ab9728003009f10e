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

func (r Repo) Subscription(ctx context.Context, id feedhook.ID) (feedhook.Subscription, error) {
	var sub feedhook.Subscription
	if err := findOne(ctx, r.subscriptions(), bson.M{"_id": id}, &sub, "subscription "+id.Hex()); err != nil {
		return feedhook.Subscription{}, err
	}

	return sub, nil
}

func msPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ms(*t)
	return &v
}

func (r Repo) InsertSubscription(ctx context.Context, sub feedhook.Subscription) (feedhook.Subscription, error) {
	if sub.ID.IsZero() {
		sub.ID = feedhook.NewID()
	}
	sub.NotifiedAt = msPtr(sub.NotifiedAt)
	sub.ScheduledAt = msPtr(sub.ScheduledAt)
	sub.SyncedAt = msPtr(sub.SyncedAt)
	sub.CreatedAt = ms(sub.CreatedAt)

	_, err := r.subscriptions().InsertOne(ctx, sub)
	if mongo.IsDuplicateKeyError(err) {
		return feedhook.Subscription{}, fmt.Errorf("subscription already exists: %w", feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Subscription{}, fmt.Errorf("error inserting subscription: %s", err)
	}

	return sub, nil
}

func (r Repo) DeleteSubscription(ctx context.Context, id feedhook.ID) error {
	if _, err := r.subscriptions().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("error deleting subscription: %s", err)
	}

	return nil
}

func (r Repo) Subscriptions(ctx context.Context, applicationID feedhook.ID, limit, offset int) ([]feedhook.Subscription, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	subs, err := findAll[feedhook.Subscription](ctx, r.subscriptions(), bson.M{"application_id": applicationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error selecting subscriptions: %s", err)
	}

	return subs, nil
}

func (r Repo) CountFeedSubscriptions(ctx context.Context, feedID feedhook.ID) (int64, error) {
	count, err := r.subscriptions().CountDocuments(ctx, bson.M{"feed_id": feedID})
	if err != nil {
		return 0, fmt.Errorf("error counting subscriptions: %s", err)
	}

	return count, nil
}

func (r Repo) FeedCursors(ctx context.Context, feedID feedhook.ID) ([]*feedhook.ID, error) {
	opts := options.Find().SetProjection(bson.M{"last_notified_entry": 1})

	docs, err := findAll[struct {
		LastNotifiedEntry *feedhook.ID `bson:"last_notified_entry"`
	}](ctx, r.subscriptions(), bson.M{"feed_id": feedID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error selecting cursors: %s", err)
	}

	cursors := make([]*feedhook.ID, 0, len(docs))
	for _, d := range docs {
		cursors = append(cursors, d.LastNotifiedEntry)
	}

	return cursors, nil
}

func (r Repo) ScheduleFeedSubscriptions(ctx context.Context, feedID feedhook.ID, at time.Time) error {
	update := bson.M{"$set": bson.M{"scheduled_at": ms(at), "synced_at": ms(at)}}

	if _, err := r.subscriptions().UpdateMany(ctx, bson.M{"feed_id": feedID}, update); err != nil {
		return fmt.Errorf("error scheduling subscriptions: %s", err)
	}

	return nil
}

func (r Repo) ScheduledSubscriptions(ctx context.Context, limit int) ([]feedhook.Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "scheduled_at", Value: 1}}).SetLimit(int64(limit))
	filter := bson.M{"scheduled_at": bson.M{"$exists": true, "$ne": nil}}

	subs, err := findAll[feedhook.Subscription](ctx, r.subscriptions(), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error selecting scheduled subscriptions: %s", err)
	}

	return subs, nil
}

func (r Repo) UnscheduleSubscription(ctx context.Context, id feedhook.ID, seen time.Time) error {
	filter := bson.M{"_id": id, "scheduled_at": bson.M{"$lte": ms(seen)}}

	if _, err := r.subscriptions().UpdateOne(ctx, filter, bson.M{"$unset": bson.M{"scheduled_at": ""}}); err != nil {
		return fmt.Errorf("error unscheduling subscription: %s", err)
	}

	return nil
}

func (r Repo) RescheduleSubscription(ctx context.Context, id feedhook.ID, at time.Time) error {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"scheduled_at": laterSchedule(at)}}},
	}

	if _, err := r.subscriptions().UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("error rescheduling subscription: %s", err)
	}

	return nil
}

// AdvanceCursor uses an update pipeline so that the new scheduled_at can be
// computed from the stored one within the same conditional write.
func (r Repo) AdvanceCursor(ctx context.Context, id feedhook.ID, args feedhook.AdvanceCursorArgs) (bool, error) {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"last_notified_entry": nil},
			bson.M{"last_notified_entry": bson.M{"$lt": args.To}},
		},
	}

	scheduledAt := laterSchedule(args.NotifiedAt)
	if !args.HasMore {
		scheduledAt = bson.M{"$cond": bson.A{
			bson.M{"$gt": bson.A{"$scheduled_at", ms(args.StartedAt)}},
			"$scheduled_at",
			"$$REMOVE",
		}}
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"last_notified_entry": args.To,
			"notified_at":         ms(args.NotifiedAt),
			"scheduled_at":        scheduledAt,
		}}},
	}

	res, err := r.subscriptions().UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("error advancing cursor: %s", err)
	}

	return res.MatchedCount == 1, nil
}

// laterSchedule is a pipeline expression for a scheduled_at that is at least
// at and always after the stored one. Times only keep milliseconds here, so a
// producer holding the stored value could otherwise still match it.
func laterSchedule(at time.Time) bson.M {
	return bson.M{"$max": bson.A{
		ms(at),
		bson.M{"$add": bson.A{"$scheduled_at", 1}},
	}}
}
