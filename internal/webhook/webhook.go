// Package webhook delivers batches of entries to subscriber endpoints and
// records every attempt.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/logger"
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedhook_webhooks_total",
	Help: "Webhook deliveries by status",
}, []string{"status"})

type (
	Repository interface {
		Endpoint(ctx context.Context, id feedhook.ID) (feedhook.Endpoint, error)
		Feed(ctx context.Context, id feedhook.ID) (feedhook.Feed, error)
		InsertWebhook(ctx context.Context, webhook feedhook.Webhook) (feedhook.Webhook, error)
	}

	Config struct {
		// Bounds each attempt, not the whole delivery.
		Timeout time.Duration
		// Retries after the first attempt.
		MaxRetries uint64
		BaseDelay  time.Duration
		MaxDelay   time.Duration
		UserAgent  string
	}

	Sender struct {
		repo   Repository
		client *http.Client
		cfg    Config
		now    func() time.Time
	}

	SendArgs struct {
		EndpointID     feedhook.ID
		ApplicationID  feedhook.ID
		SubscriptionID feedhook.ID
		FeedID         feedhook.ID
		Entries        []feedhook.Entry
		Metadata       feedhook.Metadata
	}

	// Payload is the body posted to endpoints.
	Payload struct {
		ID             string                 `json:"id"`
		ApplicationID  feedhook.ID            `json:"application_id"`
		SubscriptionID feedhook.ID            `json:"subscription_id"`
		EndpointID     feedhook.ID            `json:"endpoint_id"`
		Entries        []feedhook.PublicEntry `json:"entries"`
		Metadata       feedhook.Metadata      `json:"metadata"`
	}
)

func NewSender(repo Repository, cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "feedhook/1.0"
	}

	return &Sender{
		repo:   repo,
		client: &http.Client{},
		cfg:    cfg,
		now:    time.Now,
	}
}

// Send posts the entries to the endpoint and records the outcome.
//
// A delivery that exhausts its retries is not an error: the returned record
// has the failed status. Errors are reserved for a missing endpoint or feed.
//
// The caller going away does not cut a delivery short; each attempt is
// bounded by its own timeout instead.
func (s *Sender) Send(ctx context.Context, args SendArgs) (feedhook.Webhook, error) {
	ctx = logger.Ctx(context.WithoutCancel(ctx),
		slog.String("subscription_id", args.SubscriptionID.Hex()),
		slog.String("endpoint_id", args.EndpointID.Hex()),
	)

	endpoint, err := s.repo.Endpoint(ctx, args.EndpointID)
	if err != nil {
		return feedhook.Webhook{}, fmt.Errorf("error loading endpoint: %w", err)
	}
	feed, err := s.repo.Feed(ctx, args.FeedID)
	if err != nil {
		return feedhook.Webhook{}, fmt.Errorf("error loading feed: %w", err)
	}

	payload := Payload{
		ID:             uuid.NewString(),
		ApplicationID:  args.ApplicationID,
		SubscriptionID: args.SubscriptionID,
		EndpointID:     args.EndpointID,
		Entries:        make([]feedhook.PublicEntry, 0, len(args.Entries)),
		Metadata:       args.Metadata,
	}
	for _, e := range args.Entries {
		payload.Entries = append(payload.Entries, e.Public())
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return feedhook.Webhook{}, fmt.Errorf("error encoding payload: %s", err)
	}

	sentAt := s.now()
	status := feedhook.WebhookStatusSent
	if err := s.post(ctx, endpoint.URL, body); err != nil {
		slog.WarnContext(ctx, "webhook delivery failed", "url", endpoint.URL, "error", err)
		status = feedhook.WebhookStatusFailed
	}
	deliveries.WithLabelValues(string(status)).Inc()

	record := feedhook.Webhook{
		ID:             feedhook.NewID(),
		ApplicationID:  args.ApplicationID,
		SubscriptionID: args.SubscriptionID,
		FeedID:         args.FeedID,
		EndpointID:     args.EndpointID,
		Status:         status,
		EndpointURL:    endpoint.URL,
		FeedURL:        feed.URL,
		FeedTitle:      feed.Title,
		SentAt:         sentAt,
		CreatedAt:      s.now(),
	}
	inserted, err := s.repo.InsertWebhook(ctx, record)
	if err != nil {
		slog.ErrorContext(ctx, "error recording webhook", "webhook_id", record.ID.Hex(), "status", status, "error", err)
		return record, nil
	}

	return inserted, nil
}

func (s *Sender) post(ctx context.Context, url string, body []byte) error {
	backoff := retry.NewExponential(s.cfg.BaseDelay)
	backoff = retry.WithCappedDuration(s.cfg.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(s.cfg.MaxRetries, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		return s.attempt(ctx, url, body)
	})
}

func (s *Sender) attempt(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(&StatusError{Code: resp.StatusCode})
	default:
		return &StatusError{Code: resp.StatusCode}
	}
}

// StatusError is a non-2xx answer from an endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint responded with %d", e.Code)
}

