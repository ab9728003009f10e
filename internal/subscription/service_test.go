package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedhook/internal/entry"
	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/feedhook/feedhooktest"
	"github.com/jdholdren/feedhook/internal/sqlite"
	"github.com/jdholdren/feedhook/internal/syncer"
)

const feedURL = "https://example.com/feed.xml"

func newTestService(t *testing.T) (*Service, sqlite.Repo, *feedhooktest.Fetcher) {
	t.Helper()

	dbx, err := sqlite.Open(filepath.Join(t.TempDir(), "feedhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	var (
		repo    = sqlite.New(dbx)
		fetcher = feedhooktest.NewFetcher()
		title   = "Example"
	)
	fetcher.Set(feedURL, feedhook.ParsedFeed{
		PublicID: "https://example.com",
		Type:     feedhook.FeedTypeRSS2,
		Title:    &title,
		Entries:  []feedhook.ParsedEntry{{PublicID: "e2"}, {PublicID: "e1"}},
	})
	s := syncer.NewSyncer(repo, entry.NewStore(repo), fetcher, syncer.Config{})

	return NewService(repo, fetcher, s), repo, fetcher
}

func TestCreateSubscription_NewFeedAndEndpoint(t *testing.T) {
	var (
		svc, repo, _ = newTestService(t)
		ctx          = context.Background()
		app          = feedhook.NewID()
	)

	sub, err := svc.CreateSubscription(ctx, CreateSubscriptionArgs{
		ApplicationID: app,
		URL:           feedURL,
		Endpoint:      &CreateEndpointArgs{URL: "https://hooks.example.com", Title: "Hooks"},
		Metadata:      feedhook.Metadata(`{"team":"blue"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, app, sub.ApplicationID)
	assert.Nil(t, sub.LastNotifiedEntry)

	feed, err := repo.Feed(ctx, sub.FeedID)
	require.NoError(t, err)
	assert.Equal(t, feedURL, feed.URL)
	assert.Equal(t, "Example", *feed.Title)
	assert.True(t, feed.SyncedAt.IsZero(), "new feeds are due right away")

	endpoint, err := repo.Endpoint(ctx, sub.EndpointID)
	require.NoError(t, err)
	assert.Equal(t, app, endpoint.ApplicationID)
	assert.Equal(t, "Hooks", endpoint.Title)
}

func TestCreateSubscription_SharesFeed(t *testing.T) {
	var (
		svc, _, fetcher = newTestService(t)
		ctx             = context.Background()
	)

	var feeds []feedhook.ID
	for range 2 {
		app := feedhook.NewID()
		endpoint, err := svc.CreateEndpoint(ctx, CreateEndpointArgs{ApplicationID: app, URL: "https://hooks.example.com"})
		require.NoError(t, err)

		sub, err := svc.CreateSubscription(ctx, CreateSubscriptionArgs{ApplicationID: app, URL: feedURL, EndpointID: &endpoint.ID})
		require.NoError(t, err)
		feeds = append(feeds, sub.FeedID)
	}

	assert.Equal(t, feeds[0], feeds[1])
	assert.Equal(t, 1, fetcher.Calls(feedURL), "a known feed is not fetched again")
}

func TestCreateSubscription_ForeignEndpoint(t *testing.T) {
	var (
		svc, _, _ = newTestService(t)
		ctx       = context.Background()
	)
	endpoint, err := svc.CreateEndpoint(ctx, CreateEndpointArgs{ApplicationID: feedhook.NewID(), URL: "https://hooks.example.com"})
	require.NoError(t, err)

	_, err = svc.CreateSubscription(ctx, CreateSubscriptionArgs{ApplicationID: feedhook.NewID(), URL: feedURL, EndpointID: &endpoint.ID})
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
}

func TestCreateSubscription_UnreachableFeed(t *testing.T) {
	var (
		svc, repo, fetcher = newTestService(t)
		ctx                = context.Background()
		app                = feedhook.NewID()
	)
	fetcher.Fail("https://example.com/broken.xml", errors.New("no such host"))

	_, err := svc.CreateSubscription(ctx, CreateSubscriptionArgs{
		ApplicationID: app,
		URL:           "https://example.com/broken.xml",
		Endpoint:      &CreateEndpointArgs{URL: "https://hooks.example.com"},
	})
	assert.ErrorIs(t, err, ErrUnreachableFeed)

	_, err = repo.FeedByURL(ctx, "https://example.com/broken.xml")
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
}

func TestCreateEndpoint_Conflict(t *testing.T) {
	var (
		svc, _, _ = newTestService(t)
		ctx       = context.Background()
		args      = CreateEndpointArgs{ApplicationID: feedhook.NewID(), URL: "https://hooks.example.com"}
	)

	_, err := svc.CreateEndpoint(ctx, args)
	require.NoError(t, err)
	_, err = svc.CreateEndpoint(ctx, args)
	assert.ErrorIs(t, err, feedhook.ErrConflict)
}

func TestSubscription_ScopedToApplication(t *testing.T) {
	var (
		svc, _, _ = newTestService(t)
		ctx       = context.Background()
		app       = feedhook.NewID()
	)
	sub, err := svc.CreateSubscription(ctx, CreateSubscriptionArgs{
		ApplicationID: app,
		URL:           feedURL,
		Endpoint:      &CreateEndpointArgs{URL: "https://hooks.example.com"},
	})
	require.NoError(t, err)

	got, err := svc.Subscription(ctx, app, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	_, err = svc.Subscription(ctx, feedhook.NewID(), sub.ID)
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
	assert.ErrorIs(t, svc.RemoveSubscription(ctx, feedhook.NewID(), sub.ID), feedhook.ErrNotFound)

	subs, err := svc.Subscriptions(ctx, app, 10, 0)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestRemoveSubscription_RemovesUnfollowedFeed(t *testing.T) {
	var (
		svc, repo, _ = newTestService(t)
		ctx          = context.Background()
		apps         = []feedhook.ID{feedhook.NewID(), feedhook.NewID()}
		subs         []feedhook.Subscription
	)
	for _, app := range apps {
		sub, err := svc.CreateSubscription(ctx, CreateSubscriptionArgs{
			ApplicationID: app,
			URL:           feedURL,
			Endpoint:      &CreateEndpointArgs{URL: "https://hooks.example.com"},
		})
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	feedID := subs[0].FeedID

	require.NoError(t, svc.RemoveSubscription(ctx, apps[0], subs[0].ID))
	_, err := repo.Feed(ctx, feedID)
	require.NoError(t, err, "still followed")

	require.NoError(t, svc.RemoveSubscription(ctx, apps[1], subs[1].ID))
	_, err = repo.Feed(ctx, feedID)
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
}

func TestCleanupFeeds(t *testing.T) {
	var (
		svc, repo, _ = newTestService(t)
		ctx          = context.Background()
	)
	orphan := feedhooktest.InsertFeed(t, repo, "https://example.com/orphan.xml", time.Now())
	followed := feedhooktest.InsertFeed(t, repo, "https://example.com/followed.xml", time.Now())
	feedhooktest.InsertSubscription(t, repo, followed.ID)

	removed, err := svc.CleanupFeeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Feed(ctx, orphan.ID)
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
	_, err = repo.Feed(ctx, followed.ID)
	assert.NoError(t, err)
}

func TestTriggerSync(t *testing.T) {
	var (
		svc, repo, _ = newTestService(t)
		ctx          = context.Background()
	)
	sub, err := svc.CreateSubscription(ctx, CreateSubscriptionArgs{
		ApplicationID: feedhook.NewID(),
		URL:           feedURL,
		Endpoint:      &CreateEndpointArgs{URL: "https://hooks.example.com"},
	})
	require.NoError(t, err)

	res, err := svc.TriggerSync(ctx, sub.FeedID)
	require.NoError(t, err)
	assert.True(t, res.NewContent)

	scheduled, err := repo.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, scheduled.ScheduledAt)
}
