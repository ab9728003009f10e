package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedhook/internal/entry"
	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/feedhook/feedhooktest"
	"github.com/jdholdren/feedhook/internal/sqlite"
	"github.com/jdholdren/feedhook/internal/subscription"
	"github.com/jdholdren/feedhook/internal/syncer"
)

const feedURL = "https://example.com/feed.xml"

type testAPI struct {
	*httptest.Server
	repo    sqlite.Repo
	fetcher *feedhooktest.Fetcher
	app     feedhook.ID
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()

	dbx, err := sqlite.Open(filepath.Join(t.TempDir(), "feedhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	var (
		repo    = sqlite.New(dbx)
		fetcher = feedhooktest.NewFetcher()
		s       = syncer.NewSyncer(repo, entry.NewStore(repo), fetcher, syncer.Config{})
		svc     = subscription.NewService(repo, fetcher, s)
		srv     = httptest.NewServer(NewServer(ServerConfig{}, svc, repo).Handler)
	)
	t.Cleanup(srv.Close)
	fetcher.Set(feedURL, feedhook.ParsedFeed{
		PublicID: "https://example.com",
		Type:     feedhook.FeedTypeRSS2,
		Entries:  []feedhook.ParsedEntry{{PublicID: "e1"}},
	})

	return testAPI{Server: srv, repo: repo, fetcher: fetcher, app: feedhook.NewID()}
}

func (a testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, a.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}

	return resp.StatusCode, decoded
}

func (a testAPI) appPath(format string, args ...any) string {
	return fmt.Sprintf("/v1/applications/%s", a.app) + fmt.Sprintf(format, args...)
}

func (a testAPI) createSubscription(t *testing.T) map[string]any {
	t.Helper()

	status, body := a.do(t, http.MethodPost, a.appPath("/subscriptions"),
		`{"url": "`+feedURL+`", "endpoint": {"url": "https://hooks.example.com", "title": "Hooks"}, "metadata": {"team": "blue"}}`)
	require.Equal(t, http.StatusCreated, status, body)

	return body
}

func TestPostEndpoints(t *testing.T) {
	a := newTestAPI(t)

	status, body := a.do(t, http.MethodPost, a.appPath("/endpoints"), `{"url": "https://hooks.example.com", "title": "Hooks"}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, a.app.Hex(), body["application_id"])
	assert.Equal(t, "Hooks", body["title"])

	status, _ = a.do(t, http.MethodPost, a.appPath("/endpoints"), `{"url": "https://hooks.example.com"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, body = a.do(t, http.MethodPost, a.appPath("/endpoints"), `{"url": "ftp://hooks.example.com"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Len(t, body["details"], 1)

	status, _ = a.do(t, http.MethodPost, a.appPath("/endpoints"), `{"url":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/v1/applications/not-an-id/endpoints", `{"url": "https://hooks.example.com"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetSubscriptions_Pagination(t *testing.T) {
	a := newTestAPI(t)
	a.createSubscription(t)

	status, body := a.do(t, http.MethodGet, a.appPath("/subscriptions?limit=1"), "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["subscriptions"], 1)
	assert.Equal(t, float64(1), body["pagination"].(map[string]any)["next_offset"])

	status, body = a.do(t, http.MethodGet, a.appPath("/subscriptions?limit=1&offset=1"), "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["subscriptions"])
	assert.NotContains(t, body["pagination"], "next_offset")

	status, body = a.do(t, http.MethodGet, a.appPath("/subscriptions?limit=100000"), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(maxPageLimit), body["pagination"].(map[string]any)["limit"])

	status, body = a.do(t, http.MethodGet, a.appPath("/subscriptions?limit=ten&offset=-1"), "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, body["details"], 2)
}

func TestSubscriptionLifecycle(t *testing.T) {
	a := newTestAPI(t)

	created := a.createSubscription(t)
	id := created["id"].(string)
	assert.Equal(t, feedURL, created["url"])
	assert.Equal(t, map[string]any{"team": "blue"}, created["metadata"])
	assert.Nil(t, created["last_notified_entry"])

	status, body := a.do(t, http.MethodGet, a.appPath("/subscriptions/%s", id), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, body["id"])

	status, body = a.do(t, http.MethodGet, a.appPath("/subscriptions?limit=10"), "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["subscriptions"], 1)
	assert.Equal(t, float64(10), body["pagination"].(map[string]any)["limit"])

	// Other applications cannot see it
	status, _ = a.do(t, http.MethodGet, fmt.Sprintf("/v1/applications/%s/subscriptions/%s", feedhook.NewID(), id), "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = a.do(t, http.MethodDelete, a.appPath("/subscriptions/%s", id), "")
	require.Equal(t, http.StatusNoContent, status)

	status, _ = a.do(t, http.MethodGet, a.appPath("/subscriptions/%s", id), "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPostSubscriptions_Invalid(t *testing.T) {
	a := newTestAPI(t)
	a.fetcher.Fail("https://example.com/broken.xml", errors.New("no such host"))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing url", `{"endpoint": {"url": "https://hooks.example.com"}}`, http.StatusBadRequest},
		{"missing endpoint", `{"url": "` + feedURL + `"}`, http.StatusBadRequest},
		{"metadata not an object", `{"url": "` + feedURL + `", "endpoint": {"url": "https://hooks.example.com"}, "metadata": [1]}`, http.StatusBadRequest},
		{"unknown endpoint", `{"url": "` + feedURL + `", "endpoint": {"id": "` + feedhook.NewID().Hex() + `"}}`, http.StatusNotFound},
		{"unreachable feed", `{"url": "https://example.com/broken.xml", "endpoint": {"url": "https://hooks.example.com"}}`, http.StatusUnprocessableEntity},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			status, body := a.do(t, http.MethodPost, a.appPath("/subscriptions"), test.body)
			assert.Equal(t, test.status, status, body)
		})
	}
}

func TestGetWebhooks(t *testing.T) {
	var (
		a   = newTestAPI(t)
		ctx = context.Background()
		sub = a.createSubscription(t)
	)
	subID, err := feedhook.ParseID(sub["id"].(string))
	require.NoError(t, err)

	for _, id := range []feedhook.ID{subID, feedhook.NewID()} {
		_, err := a.repo.InsertWebhook(ctx, feedhook.Webhook{
			ApplicationID:  a.app,
			SubscriptionID: id,
			FeedID:         feedhook.NewID(),
			EndpointID:     feedhook.NewID(),
			Status:         feedhook.WebhookStatusSent,
			EndpointURL:    "https://hooks.example.com",
			FeedURL:        feedURL,
			SentAt:         time.Now(),
			CreatedAt:      time.Now(),
		})
		require.NoError(t, err)
	}

	status, body := a.do(t, http.MethodGet, a.appPath("/webhooks"), "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["webhooks"], 2)

	status, body = a.do(t, http.MethodGet, a.appPath("/webhooks?subscription_id=%s", subID), "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["webhooks"], 1)
	assert.Equal(t, "sent", body["webhooks"].([]any)[0].(map[string]any)["status"])
}

func TestPostFeedSync(t *testing.T) {
	var (
		a   = newTestAPI(t)
		sub = a.createSubscription(t)
	)

	status, body := a.do(t, http.MethodPost, fmt.Sprintf("/v1/feeds/%s:sync", sub["feed_id"]), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["new_content"])

	status, _ = a.do(t, http.MethodPost, fmt.Sprintf("/v1/feeds/%s:sync", feedhook.NewID()), "")
	assert.Equal(t, http.StatusNotFound, status)

	a.fetcher.Fail(feedURL, errors.New("timeout"))
	status, _ = a.do(t, http.MethodPost, fmt.Sprintf("/v1/feeds/%s:sync", sub["feed_id"]), "")
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)

	status, body := a.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(a.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
