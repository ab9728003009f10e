package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/feedhook/feedhooktest"
	"github.com/jdholdren/feedhook/internal/sqlite"
)

type fixture struct {
	repo     sqlite.Repo
	sender   *Sender
	feed     feedhook.Feed
	endpoint feedhook.Endpoint
	args     SendArgs
}

// newFixture stores a feed and an endpoint pointing at handler.
func newFixture(t *testing.T, handler http.HandlerFunc) fixture {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dbx, err := sqlite.Open(filepath.Join(t.TempDir(), "feedhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	var (
		repo = sqlite.New(dbx)
		ctx  = context.Background()
		app  = feedhook.NewID()
	)
	feed := feedhooktest.InsertFeed(t, repo, "https://example.com/feed.xml", time.Now())
	endpoint, err := repo.InsertEndpoint(ctx, feedhook.Endpoint{
		ApplicationID: app,
		URL:           srv.URL,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	})
	require.NoError(t, err)

	title := "First"
	return fixture{
		repo: repo,
		sender: NewSender(repo, Config{
			Timeout:   time.Second,
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
		}),
		feed:     feed,
		endpoint: endpoint,
		args: SendArgs{
			EndpointID:     endpoint.ID,
			ApplicationID:  app,
			SubscriptionID: feedhook.NewID(),
			FeedID:         feed.ID,
			Entries:        []feedhook.Entry{{ID: feedhook.NewID(), PublicID: "e1", Title: &title}},
			Metadata:       feedhook.Metadata(`{"team":"blue"}`),
		},
	}
}

func (f fixture) records(t *testing.T) []feedhook.Webhook {
	t.Helper()

	webhooks, err := f.repo.Webhooks(context.Background(), feedhook.WebhooksArgs{ApplicationID: f.args.ApplicationID, Limit: 10})
	require.NoError(t, err)
	return webhooks
}

func TestSend_Delivered(t *testing.T) {
	var received Payload
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	})

	record, err := f.sender.Send(context.Background(), f.args)
	require.NoError(t, err)
	assert.Equal(t, feedhook.WebhookStatusSent, record.Status)
	assert.Equal(t, f.endpoint.URL, record.EndpointURL)
	assert.Equal(t, f.feed.URL, record.FeedURL)
	assert.WithinDuration(t, time.Now(), record.SentAt, time.Minute)

	assert.NotEmpty(t, received.ID)
	assert.Equal(t, f.args.SubscriptionID, received.SubscriptionID)
	assert.Equal(t, f.args.EndpointID, received.EndpointID)
	require.Len(t, received.Entries, 1)
	assert.Equal(t, "First", *received.Entries[0].Title)
	assert.JSONEq(t, `{"team":"blue"}`, string(received.Metadata))

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	record, err := f.sender.Send(context.Background(), f.args)
	require.NoError(t, err)
	assert.Equal(t, feedhook.WebhookStatusFailed, record.Status)
	assert.Equal(t, int32(4), attempts.Load())

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, feedhook.WebhookStatusFailed, records[0].Status)
}

func TestSend_RetriesTooManyRequests(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	})

	record, err := f.sender.Send(context.Background(), f.args)
	require.NoError(t, err)
	assert.Equal(t, feedhook.WebhookStatusSent, record.Status)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestSend_ClientErrorIsFinal(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusGone)
	})

	record, err := f.sender.Send(context.Background(), f.args)
	require.NoError(t, err)
	assert.Equal(t, feedhook.WebhookStatusFailed, record.Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestSend_MissingEndpoint(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("nothing should be delivered")
	})
	f.args.EndpointID = feedhook.NewID()

	_, err := f.sender.Send(context.Background(), f.args)
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
	assert.Empty(t, f.records(t))
}

func TestSend_MissingFeed(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("nothing should be delivered")
	})
	f.args.FeedID = feedhook.NewID()

	_, err := f.sender.Send(context.Background(), f.args)
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
	assert.Empty(t, f.records(t))
}

func TestSend_IgnoresCallerCancellation(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := f.sender.Send(ctx, f.args)
	require.NoError(t, err)
	assert.Equal(t, feedhook.WebhookStatusSent, record.Status)
	assert.Equal(t, int32(1), attempts.Load())
}

type failingRecords struct {
	Repository
}

func (failingRecords) InsertWebhook(ctx context.Context, webhook feedhook.Webhook) (feedhook.Webhook, error) {
	return feedhook.Webhook{}, errors.New("disk full")
}

func TestSend_RecordFailureStillReturnsRecord(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	sender := NewSender(failingRecords{f.repo}, Config{})

	record, err := sender.Send(context.Background(), f.args)
	require.NoError(t, err)
	assert.Equal(t, feedhook.WebhookStatusSent, record.Status)
	assert.False(t, record.ID.IsZero())
	assert.Empty(t, f.records(t))
}
