package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	fherrs "github.com/jdholdren/feedhook/internal/errors"
	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/serverutil"
)

type (
	webhookResp struct {
		ID             feedhook.ID            `json:"id"`
		SubscriptionID feedhook.ID            `json:"subscription_id"`
		FeedID         feedhook.ID            `json:"feed_id"`
		EndpointID     feedhook.ID            `json:"endpoint_id"`
		Status         feedhook.WebhookStatus `json:"status"`
		EndpointURL    string                 `json:"endpoint_url"`
		FeedURL        string                 `json:"feed_url"`
		FeedTitle      *string                `json:"feed_title"`
		SentAt         time.Time              `json:"sent_at"`
	}

	webhooksResp struct {
		Webhooks   []webhookResp `json:"webhooks"`
		Pagination page          `json:"pagination"`
	}

	syncResp struct {
		Skipped     bool `json:"skipped"`
		NotModified bool `json:"not_modified"`
		NewContent  bool `json:"new_content"`
	}
)

// Lists the webhooks sent to the application, optionally those of one
// subscription (?subscription_id=).
func (s Server) getWebhooks(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	appID, err := pathID(r, "applicationID")
	if err != nil {
		return err
	}
	pg, err := pageFromQuery(r)
	if err != nil {
		return err
	}

	args := feedhook.WebhooksArgs{ApplicationID: appID, Limit: pg.Limit, Offset: pg.Offset}
	if raw := r.URL.Query().Get("subscription_id"); raw != "" {
		id, err := feedhook.ParseID(raw)
		if err != nil {
			return err
		}
		args.SubscriptionID = &id
	}

	webhooks, err := s.svc.Webhooks(ctx, args)
	if err != nil {
		return err
	}

	resp := webhooksResp{
		Webhooks:   make([]webhookResp, 0, len(webhooks)),
		Pagination: pg.filled(len(webhooks)),
	}
	for _, wh := range webhooks {
		resp.Webhooks = append(resp.Webhooks, webhookResp{
			ID:             wh.ID,
			SubscriptionID: wh.SubscriptionID,
			FeedID:         wh.FeedID,
			EndpointID:     wh.EndpointID,
			Status:         wh.Status,
			EndpointURL:    wh.EndpointURL,
			FeedURL:        wh.FeedURL,
			FeedTitle:      wh.FeedTitle,
			SentAt:         wh.SentAt,
		})
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func (s Server) postFeedSync(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	id, err := pathID(r, "id")
	if err != nil {
		return err
	}

	res, err := s.svc.TriggerSync(ctx, id)
	if err != nil && !errors.Is(err, feedhook.ErrNotFound) {
		slog.WarnContext(ctx, "error syncing feed on request", "feed_id", id.Hex(), "error", err)
		return fherrs.E(http.StatusBadGateway, "error syncing feed")
	}
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, syncResp{
		Skipped:     res.Skipped,
		NotModified: res.NotModified,
		NewContent:  res.NewContent,
	})
}
