package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

func (r Repo) Endpoint(ctx context.Context, id feedhook.ID) (feedhook.Endpoint, error) {
	const q = `SELECT * FROM endpoints WHERE id = ?;`

	var endpoint feedhook.Endpoint
	err := r.db.GetContext(ctx, &endpoint, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return feedhook.Endpoint{}, fmt.Errorf("endpoint %s: %w", id, feedhook.ErrNotFound)
	}
	if err != nil {
		return feedhook.Endpoint{}, fmt.Errorf("error fetching endpoint: %s", err)
	}

	return endpoint, nil
}

func (r Repo) InsertEndpoint(ctx context.Context, endpoint feedhook.Endpoint) (feedhook.Endpoint, error) {
	const q = `INSERT INTO endpoints (id, application_id, url, title, created_at, updated_at)
	VALUES (:id, :application_id, :url, :title, :created_at, :updated_at);`

	if endpoint.ID.IsZero() {
		endpoint.ID = feedhook.NewID()
	}
	endpoint.CreatedAt = utc(endpoint.CreatedAt)
	endpoint.UpdatedAt = utc(endpoint.UpdatedAt)

	_, err := r.db.NamedExecContext(ctx, q, endpoint)
	if isUniqueViolation(err) {
		return feedhook.Endpoint{}, fmt.Errorf("endpoint already exists: %w", feedhook.ErrConflict)
	}
	if err != nil {
		return feedhook.Endpoint{}, fmt.Errorf("error inserting endpoint: %s", err)
	}

	return r.Endpoint(ctx, endpoint.ID)
}

func (r Repo) InsertWebhook(ctx context.Context, webhook feedhook.Webhook) (feedhook.Webhook, error) {
	const q = `INSERT INTO webhooks (id, application_id, subscription_id, feed_id, endpoint_id, status, endpoint_url, feed_url, feed_title, sent_at, created_at)
	VALUES (:id, :application_id, :subscription_id, :feed_id, :endpoint_id, :status, :endpoint_url, :feed_url, :feed_title, :sent_at, :created_at);`

	if webhook.ID.IsZero() {
		webhook.ID = feedhook.NewID()
	}
	webhook.SentAt = utc(webhook.SentAt)
	webhook.CreatedAt = utc(webhook.CreatedAt)

	if _, err := r.db.NamedExecContext(ctx, q, webhook); err != nil {
		return feedhook.Webhook{}, fmt.Errorf("error inserting webhook: %s", err)
	}

	return webhook, nil
}

func (r Repo) Webhooks(ctx context.Context, args feedhook.WebhooksArgs) ([]feedhook.Webhook, error) {
	q := sq.Select("*").
		From("webhooks").
		Where(sq.Eq{"application_id": args.ApplicationID.Hex()}).
		OrderBy("sent_at DESC", "id DESC").
		Limit(uint64(args.Limit)).
		Offset(uint64(args.Offset))
	if args.SubscriptionID != nil {
		q = q.Where(sq.Eq{"subscription_id": args.SubscriptionID.Hex()})
	}

	query, qArgs, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	webhooks := []feedhook.Webhook{}
	if err := r.db.SelectContext(ctx, &webhooks, query, qArgs...); err != nil {
		return nil, fmt.Errorf("error selecting webhooks: %s", err)
	}

	return webhooks, nil
}
