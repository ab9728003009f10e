package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

func (r Repo) Endpoint(ctx context.Context, id feedhook.ID) (feedhook.Endpoint, error) {
	var endpoint feedhook.Endpoint
	if err := findOne(ctx, r.endpoints(), bson.M{"_id": id}, &endpoint, "endpoint "+id.Hex()); err != nil {
		return feedhook.Endpoint{}, err
	}

	return endpoint, nil
}

func (r Repo) InsertEndpoint(ctx context.Context, endpoint feedhook.Endpoint) (feedhook.Endpoint, error) {
	if endpoint.ID.IsZero() {
		endpoint.ID = feedhook.NewID()
	}
	endpoint.CreatedAt = ms(endpoint.CreatedAt)
	endpoint.UpdatedAt = ms(endpoint.UpdatedAt)

	_, err := r.endpoints().InsertOne(ctx, endpoint)
	if mongo.IsDuplicateKeyError(err) {
		return feedhook.Endpoint{}, fmt.Errorf("endpoint already exists: %w", feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Endpoint{}, fmt.Errorf("error inserting endpoint: %s", err)
	}

	return endpoint, nil
}

func (r Repo) InsertWebhook(ctx context.Context, webhook feedhook.Webhook) (feedhook.Webhook, error) {
	if webhook.ID.IsZero() {
		webhook.ID = feedhook.NewID()
	}
	webhook.SentAt = ms(webhook.SentAt)
	webhook.CreatedAt = ms(webhook.CreatedAt)

	if _, err := r.webhooks().InsertOne(ctx, webhook); err != nil {
		return feedhook.Webhook{}, fmt.Errorf("error inserting webhook: %s", err)
	}

	return webhook, nil
}

func (r Repo) Webhooks(ctx context.Context, args feedhook.WebhooksArgs) ([]feedhook.Webhook, error) {
	filter := bson.M{"application_id": args.ApplicationID}
	if args.SubscriptionID != nil {
		filter["subscription_id"] = *args.SubscriptionID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(args.Offset)).
		SetLimit(int64(args.Limit))

	webhooks, err := findAll[feedhook.Webhook](ctx, r.webhooks(), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error selecting webhooks: %s", err)
	}

	return webhooks, nil
}
