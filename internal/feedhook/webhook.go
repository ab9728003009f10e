package feedhook

import (
	"context"
	"time"
)

type (
	// Endpoint is an HTTP destination for webhooks.
	Endpoint struct {
		ID            ID        `db:"id" bson:"_id"`
		ApplicationID ID        `db:"application_id" bson:"application_id"`
		URL           string    `db:"url" bson:"url"`
		Title         string    `db:"title" bson:"title"`
		CreatedAt     time.Time `db:"created_at" bson:"created_at"`
		UpdatedAt     time.Time `db:"updated_at" bson:"updated_at"`
	}

	EndpointRepo interface {
		Endpoint(ctx context.Context, id ID) (Endpoint, error)
		// InsertEndpoint returns ErrConflict when the application already has
		// an endpoint with the same url.
		InsertEndpoint(ctx context.Context, endpoint Endpoint) (Endpoint, error)
	}
)

type WebhookStatus string

const (
	WebhookStatusSent   WebhookStatus = "sent"
	WebhookStatusFailed WebhookStatus = "failed"
)

type (
	// Webhook is the audit record of one delivery.
	//
	// The endpoint url and feed details are copied at send time; either can
	// change afterwards.
	Webhook struct {
		ID             ID            `db:"id" bson:"_id"`
		ApplicationID  ID            `db:"application_id" bson:"application_id"`
		SubscriptionID ID            `db:"subscription_id" bson:"subscription_id"`
		FeedID         ID            `db:"feed_id" bson:"feed_id"`
		EndpointID     ID            `db:"endpoint_id" bson:"endpoint_id"`
		Status         WebhookStatus `db:"status" bson:"status"`
		EndpointURL    string        `db:"endpoint_url" bson:"endpoint_url"`
		FeedURL        string        `db:"feed_url" bson:"feed_url"`
		FeedTitle      *string       `db:"feed_title" bson:"feed_title"`
		SentAt         time.Time     `db:"sent_at" bson:"sent_at"`
		CreatedAt      time.Time     `db:"created_at" bson:"created_at"`
	}

	WebhooksArgs struct {
		ApplicationID  ID
		SubscriptionID *ID
		Limit          int
		Offset         int
	}

	WebhookRepo interface {
		InsertWebhook(ctx context.Context, webhook Webhook) (Webhook, error)
		// Webhooks lists delivery records, most recently sent first.
		Webhooks(ctx context.Context, args WebhooksArgs) ([]Webhook, error)
	}
)
