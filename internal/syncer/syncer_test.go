package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedhook/internal/entry"
	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/feedhook/feedhooktest"
	"github.com/jdholdren/feedhook/internal/fetch"
	"github.com/jdholdren/feedhook/internal/sqlite"
)

const feedURL = "https://example.com/feed.xml"

func newTestRepo(t *testing.T) sqlite.Repo {
	t.Helper()

	dbx, err := sqlite.Open(filepath.Join(t.TempDir(), "feedhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	return sqlite.New(dbx)
}

// newestFirst builds a feed with entries e<to> down to e<from>.
func newestFirst(from, to int) feedhook.ParsedFeed {
	title := "Example"
	feed := feedhook.ParsedFeed{PublicID: "https://example.com", Type: feedhook.FeedTypeAtom, Title: &title}
	for i := to; i >= from; i-- {
		feed.Entries = append(feed.Entries, feedhook.ParsedEntry{PublicID: fmt.Sprintf("e%d", i)})
	}

	return feed
}

func storedIDs(t *testing.T, repo sqlite.Repo, feedID feedhook.ID) []string {
	t.Helper()

	entries, err := repo.EntriesAfter(context.Background(), feedID, nil, 100)
	require.NoError(t, err)

	var ids []string
	for _, e := range entries {
		ids = append(ids, e.PublicID)
	}
	return ids
}

func TestSyncFeed_NewEntries(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{FastPath: true})
		feed    = feedhooktest.InsertFeed(t, repo, feedURL, time.Time{})
		sub     = feedhooktest.InsertSubscription(t, repo, feed.ID)
	)
	fetcher.Set(feedURL, newestFirst(1, 3))

	res, err := s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, res.NewContent)
	assert.Equal(t, []string{"e1", "e2", "e3"}, storedIDs(t, repo, feed.ID))

	got, err := repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, feedhook.FeedTypeAtom, got.Type)
	assert.Equal(t, "Example", *got.Title)
	assert.False(t, got.SyncedAt.IsZero())
	assert.Nil(t, got.LockedBy, "lease should be released")

	scheduled, err := repo.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, scheduled.ScheduledAt)
	require.NoError(t, repo.UnscheduleSubscription(ctx, sub.ID, *scheduled.ScheduledAt))

	// Same content again: nothing new, subscriptions left alone
	res, err = s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, res.NewContent)
	assert.Equal(t, []string{"e1", "e2", "e3"}, storedIDs(t, repo, feed.ID))

	unscheduled, err := repo.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, unscheduled.ScheduledAt)
}

func TestSyncFeed_WithoutFastPath(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{})
		feed    = feedhooktest.InsertFeed(t, repo, feedURL, time.Time{})
	)
	fetcher.Set(feedURL, newestFirst(1, 3))

	_, err := s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)

	fetcher.Set(feedURL, newestFirst(2, 5))
	res, err := s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, res.NewContent)
	assert.Equal(t, []string{"e2", "e3", "e4", "e5"}, storedIDs(t, repo, feed.ID))
}

func TestSyncFeed_FetchFailureKeepsFeedDue(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{})
		feed    = feedhooktest.InsertFeed(t, repo, feedURL, time.Time{})
	)
	fetcher.Fail(feedURL, errors.New("connection refused"))

	_, err := s.SyncFeed(ctx, feed.ID)
	require.ErrorContains(t, err, "connection refused")

	got, err := repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncedAt.IsZero() || got.SyncedAt.Equal(feed.SyncedAt))
	assert.Nil(t, got.LockedBy)
}

func TestSyncFeed_NotModified(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{})
		feed    = feedhooktest.InsertFeed(t, repo, feedURL, time.Time{})
	)
	fetcher.Fail(feedURL, feedhook.ErrNotModified)

	res, err := s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, res.NotModified)

	got, err := repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.SyncedAt, time.Minute)
}

func TestSyncFeed_LeasedElsewhere(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{Owner: "here"})
		feed    = feedhooktest.InsertFeed(t, repo, feedURL, time.Time{})
	)
	fetcher.Set(feedURL, newestFirst(1, 3))

	ok, err := repo.AcquireFeedLease(ctx, feed.ID, "elsewhere", time.Now(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, fetcher.Calls(feedURL))
}

func TestSyncFeed_NotFound(t *testing.T) {
	var (
		repo = newTestRepo(t)
		s    = NewSyncer(repo, entry.NewStore(repo), feedhooktest.NewFetcher(), Config{})
	)

	_, err := s.SyncFeed(context.Background(), feedhook.NewID())
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
}

func TestSyncFeed_ConcurrentSameFeed(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{})
		feed    = feedhooktest.InsertFeed(t, repo, feedURL, time.Time{})
		wg      sync.WaitGroup
	)
	fetcher.Set(feedURL, newestFirst(1, 10))

	var (
		mu      sync.Mutex
		results []Result
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := s.SyncFeed(ctx, feed.ID)
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var newContent int
	for _, r := range results {
		if r.NewContent {
			newContent++
		}
	}
	assert.Equal(t, 1, newContent)
	assert.Len(t, storedIDs(t, repo, feed.ID), 10)
	assert.Zero(t, s.locks.len())
}

// Scenario from fetch to storage with a real feed document.
func TestSyncFeed_OverHTTP(t *testing.T) {
	const rss = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Over HTTP</title><link>https://example.com</link>
<item><guid>e3</guid><title>Three</title><pubDate>Wed, 03 Jan 2024 12:00:00 GMT</pubDate></item>
<item><guid>e2</guid><title>Two</title><pubDate>Tue, 02 Jan 2024 12:00:00 GMT</pubDate></item>
<item><guid>e1</guid><title>One</title><pubDate>Mon, 01 Jan 2024 12:00:00 GMT</pubDate></item>
</channel></rss>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rss))
	}))
	defer srv.Close()

	var (
		repo = newTestRepo(t)
		ctx  = context.Background()
		s    = NewSyncer(repo, entry.NewStore(repo), fetch.New(fetch.Config{Timeout: time.Second}), Config{FastPath: true})
		feed = feedhooktest.InsertFeed(t, repo, srv.URL, time.Time{})
	)

	res, err := s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, res.NewContent)

	entries, err := repo.EntriesAfter(ctx, feed.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []string{"e1", "e2", "e3"} {
		assert.Equal(t, want, entries[i].PublicID)
	}
	assert.True(t, entries[0].PublishedAt.Before(*entries[2].PublishedAt))

	res, err = s.SyncFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, res.NewContent)
}
