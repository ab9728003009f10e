package api

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	fherrs "github.com/jdholdren/feedhook/internal/errors"
	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/serverutil"
	"github.com/jdholdren/feedhook/internal/subscription"
)

type (
	endpointReq struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}

	endpointResp struct {
		ID            feedhook.ID `json:"id"`
		ApplicationID feedhook.ID `json:"application_id"`
		URL           string      `json:"url"`
		Title         string      `json:"title"`
		CreatedAt     time.Time   `json:"created_at"`
	}

	// The endpoint is either an existing one, by id, or a new one.
	subscriptionEndpointReq struct {
		ID    *feedhook.ID `json:"id"`
		URL   string       `json:"url"`
		Title string       `json:"title"`
	}

	subscriptionReq struct {
		URL      string                  `json:"url"`
		Endpoint subscriptionEndpointReq `json:"endpoint"`
		Metadata feedhook.Metadata       `json:"metadata"`
	}

	subscriptionResp struct {
		ID                feedhook.ID       `json:"id"`
		ApplicationID     feedhook.ID       `json:"application_id"`
		URL               string            `json:"url"`
		FeedID            feedhook.ID       `json:"feed_id"`
		EndpointID        feedhook.ID       `json:"endpoint_id"`
		Metadata          feedhook.Metadata `json:"metadata"`
		LastNotifiedEntry *feedhook.ID      `json:"last_notified_entry"`
		NotifiedAt        *time.Time        `json:"notified_at"`
		CreatedAt         time.Time         `json:"created_at"`
	}

	subscriptionsResp struct {
		Subscriptions []subscriptionResp `json:"subscriptions"`
		Pagination    page               `json:"pagination"`
	}
)

// validURL checks that s is an absolute http(s) url.
func validURL(field, s string) *fherrs.Detail {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &fherrs.Detail{Field: field, Error: "must be an absolute http or https url"}
	}

	return nil
}

func invalid(details ...*fherrs.Detail) error {
	var ds []fherrs.Detail
	for _, d := range details {
		if d != nil {
			ds = append(ds, *d)
		}
	}
	if len(ds) == 0 {
		return nil
	}

	return fherrs.E(http.StatusBadRequest, "invalid request", ds)
}

func (r endpointReq) Validate() error {
	return invalid(validURL("url", r.URL))
}

func (r subscriptionReq) Validate() error {
	details := []*fherrs.Detail{validURL("url", r.URL)}
	if r.Endpoint.ID == nil {
		details = append(details, validURL("endpoint.url", r.Endpoint.URL))
	}
	if len(r.Metadata) > 0 && r.Metadata[0] != '{' {
		details = append(details, &fherrs.Detail{Field: "metadata", Error: "must be an object"})
	}

	return invalid(details...)
}

func toEndpointResp(e feedhook.Endpoint) endpointResp {
	return endpointResp{
		ID:            e.ID,
		ApplicationID: e.ApplicationID,
		URL:           e.URL,
		Title:         e.Title,
		CreatedAt:     e.CreatedAt,
	}
}

func toSubscriptionResp(s feedhook.Subscription) subscriptionResp {
	return subscriptionResp{
		ID:                s.ID,
		ApplicationID:     s.ApplicationID,
		URL:               s.URL,
		FeedID:            s.FeedID,
		EndpointID:        s.EndpointID,
		Metadata:          s.Metadata,
		LastNotifiedEntry: s.LastNotifiedEntry,
		NotifiedAt:        s.NotifiedAt,
		CreatedAt:         s.CreatedAt,
	}
}

func (s Server) postEndpoints(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	appID, err := pathID(r, "applicationID")
	if err != nil {
		return err
	}
	req, err := serverutil.DecodeValid[endpointReq](r)
	if err != nil {
		return err
	}

	endpoint, err := s.svc.CreateEndpoint(ctx, subscription.CreateEndpointArgs{
		ApplicationID: appID,
		URL:           req.URL,
		Title:         req.Title,
	})
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusCreated, toEndpointResp(endpoint))
}

func (s Server) postSubscriptions(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	appID, err := pathID(r, "applicationID")
	if err != nil {
		return err
	}
	req, err := serverutil.DecodeValid[subscriptionReq](r)
	if err != nil {
		return err
	}

	args := subscription.CreateSubscriptionArgs{
		ApplicationID: appID,
		URL:           req.URL,
		EndpointID:    req.Endpoint.ID,
		Metadata:      req.Metadata,
	}
	if req.Endpoint.ID == nil {
		args.Endpoint = &subscription.CreateEndpointArgs{URL: req.Endpoint.URL, Title: req.Endpoint.Title}
	}

	sub, err := s.svc.CreateSubscription(ctx, args)
	if errors.Is(err, subscription.ErrUnreachableFeed) {
		return fherrs.E(http.StatusUnprocessableEntity, err, fherrs.Detail{Field: "url", Error: "could not fetch a feed at this url"})
	}
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusCreated, toSubscriptionResp(sub))
}

func (s Server) getSubscriptions(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	appID, err := pathID(r, "applicationID")
	if err != nil {
		return err
	}
	pg, err := pageFromQuery(r)
	if err != nil {
		return err
	}

	subs, err := s.svc.Subscriptions(ctx, appID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	resp := subscriptionsResp{
		Subscriptions: make([]subscriptionResp, 0, len(subs)),
		Pagination:    pg.filled(len(subs)),
	}
	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, toSubscriptionResp(sub))
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func (s Server) getSubscription(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	appID, err := pathID(r, "applicationID")
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}

	sub, err := s.svc.Subscription(ctx, appID, id)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, toSubscriptionResp(sub))
}

func (s Server) deleteSubscription(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	appID, err := pathID(r, "applicationID")
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}

	if err := s.svc.RemoveSubscription(ctx, appID, id); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
