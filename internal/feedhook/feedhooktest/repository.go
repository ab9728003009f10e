// Package feedhooktest holds helpers and shared behavior tests for
// implementations of the feedhook interfaces.
package feedhooktest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

// RunRepositoryTests checks the behavior every [feedhook.Repository] must
// share, including the conditional updates the pipeline depends on.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	tests := map[string]func(t *testing.T, newRepo func(t *testing.T) feedhook.Repository){
		"InsertFeed_Conflict":               testInsertFeed_Conflict,
		"StaleFeeds_OldestFirst":            testStaleFeeds_OldestFirst,
		"StaleFeeds_AttemptedLast":          testStaleFeeds_AttemptedLast,
		"UpdateFeed_SyncedAtNeverMovesBack": testUpdateFeed_SyncedAtNeverMovesBack,
		"FeedLease":                         testFeedLease,
		"DeleteFeed_RemovesEntries":         testDeleteFeed_RemovesEntries,
		"Entries":                           testEntries,
		"Subscription_RoundTrip":            testSubscription_RoundTrip,
		"Scheduling":                        testScheduling,
		"Scheduling_OutlivesProducer":       testScheduling_OutlivesProducer,
		"AdvanceCursor":                     testAdvanceCursor,
		"AdvanceCursor_KeepsLaterSchedule":  testAdvanceCursor_KeepsLaterSchedule,
		"AdvanceCursor_HasMoreSchedules":    testAdvanceCursor_HasMoreSchedules,
		"Endpoints":                         testEndpoints,
		"Webhooks_NewestFirst":              testWebhooks_NewestFirst,
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test(t, newRepo)
		})
	}
}

// InsertFeed stores a feed with the given url and sync time.
func InsertFeed(t *testing.T, repo feedhook.Repository, url string, syncedAt time.Time) feedhook.Feed {
	t.Helper()

	now := time.Now()
	feed, err := repo.InsertFeed(context.Background(), feedhook.Feed{
		URL:       url,
		Type:      feedhook.FeedTypeRSS2,
		SyncedAt:  syncedAt,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	return feed
}

// InsertEntries stores n entries with increasing ids, oldest first.
func InsertEntries(t *testing.T, repo feedhook.Repository, feedID feedhook.ID, n int) []feedhook.Entry {
	t.Helper()

	var (
		entries []feedhook.Entry
		last    feedhook.ID
	)
	for i := range n {
		id := feedhook.NewID()
		if id.Compare(last) <= 0 {
			id = last.Next()
		}
		last = id

		entry, err := repo.InsertEntry(context.Background(), feedhook.Entry{
			ID:        id,
			FeedID:    feedID,
			PublicID:  fmt.Sprintf("entry-%d", i),
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		entries = append(entries, entry)
	}

	return entries
}

func testInsertFeed_Conflict(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
	)
	InsertFeed(t, repo, "https://example.com/feed.xml", time.Time{})

	_, err := repo.InsertFeed(ctx, feedhook.Feed{URL: "https://example.com/feed.xml"})
	assert.ErrorIs(t, err, feedhook.ErrConflict)

	_, err = repo.FeedByURL(ctx, "https://example.com/other.xml")
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
}

func testStaleFeeds_OldestFirst(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
		now  = time.Now()
	)
	newer := InsertFeed(t, repo, "https://example.com/a.xml", now.Add(-10*time.Minute))
	older := InsertFeed(t, repo, "https://example.com/b.xml", now.Add(-time.Hour))
	InsertFeed(t, repo, "https://example.com/fresh.xml", now)

	feeds, err := repo.StaleFeeds(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, older.ID, feeds[0].ID)
	assert.Equal(t, newer.ID, feeds[1].ID)

	feeds, err = repo.StaleFeeds(ctx, now.Add(-5*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, older.ID, feeds[0].ID)
}

func testStaleFeeds_AttemptedLast(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
		now  = time.Now()
	)
	broken := InsertFeed(t, repo, "https://example.com/broken.xml", now.Add(-2*time.Hour))
	healthy := InsertFeed(t, repo, "https://example.com/ok.xml", now.Add(-time.Hour))

	// An attempt that never got as far as moving synced_at
	ok, err := repo.AcquireFeedLease(ctx, broken.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.ReleaseFeedLease(ctx, broken.ID, "a"))

	feeds, err := repo.StaleFeeds(ctx, now.Add(-5*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, healthy.ID, feeds[0].ID)

	got, err := repo.Feed(ctx, broken.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CheckedAt)
	assert.WithinDuration(t, now, *got.CheckedAt, time.Second)
}

func testUpdateFeed_SyncedAtNeverMovesBack(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo  = newRepo(t)
		ctx   = context.Background()
		now   = time.Now().UTC().Truncate(time.Second)
		title = "A Feed"
	)
	feed := InsertFeed(t, repo, "https://example.com/feed.xml", now)

	require.NoError(t, repo.UpdateFeed(ctx, feed.ID, feedhook.UpdateFeedArgs{
		Title:    &title,
		Type:     feedhook.FeedTypeAtom,
		SyncedAt: now.Add(-time.Hour),
	}))

	got, err := repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncedAt.Equal(now), "synced_at went from %s to %s", now, got.SyncedAt)
	assert.Equal(t, &title, got.Title)
	assert.Equal(t, feedhook.FeedTypeAtom, got.Type)

	require.NoError(t, repo.UpdateFeed(ctx, feed.ID, feedhook.UpdateFeedArgs{SyncedAt: now.Add(time.Hour)}))
	got, err = repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncedAt.Equal(now.Add(time.Hour)))
}

func testFeedLease(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
		now  = time.Now()
	)
	feed := InsertFeed(t, repo, "https://example.com/feed.xml", now)

	ok, err := repo.AcquireFeedLease(ctx, feed.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Held by someone else
	ok, err = repo.AcquireFeedLease(ctx, feed.ID, "b", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired
	ok, err = repo.AcquireFeedLease(ctx, feed.ID, "b", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Only the owner releases
	require.NoError(t, repo.ReleaseFeedLease(ctx, feed.ID, "a"))
	ok, err = repo.AcquireFeedLease(ctx, feed.ID, "a", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.ReleaseFeedLease(ctx, feed.ID, "b"))
	ok, err = repo.AcquireFeedLease(ctx, feed.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func testDeleteFeed_RemovesEntries(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
	)
	feed := InsertFeed(t, repo, "https://example.com/feed.xml", time.Now())
	InsertEntries(t, repo, feed.ID, 3)

	require.NoError(t, repo.DeleteFeed(ctx, feed.ID))

	_, err := repo.Feed(ctx, feed.ID)
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
	entries, err := repo.EntriesAfter(ctx, feed.ID, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testEntries(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
	)
	feed := InsertFeed(t, repo, "https://example.com/feed.xml", time.Now())
	entries := InsertEntries(t, repo, feed.ID, 5)

	t.Run("duplicate public id", func(t *testing.T) {
		_, err := repo.InsertEntry(ctx, feedhook.Entry{FeedID: feed.ID, PublicID: "entry-0", CreatedAt: time.Now()})
		assert.ErrorIs(t, err, feedhook.ErrConflict)
	})

	t.Run("latest", func(t *testing.T) {
		latest, err := repo.LatestEntries(ctx, feed.ID, 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, entries[4].ID, latest[0].ID)
		assert.Equal(t, entries[3].ID, latest[1].ID)
	})

	t.Run("after", func(t *testing.T) {
		after, err := repo.EntriesAfter(ctx, feed.ID, &entries[1].ID, 2)
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Equal(t, entries[2].ID, after[0].ID)
		assert.Equal(t, entries[3].ID, after[1].ID)

		all, err := repo.EntriesAfter(ctx, feed.ID, nil, 10)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("nth newest", func(t *testing.T) {
		got, err := repo.NthNewestEntry(ctx, feed.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, entries[2].ID, got.ID)

		_, err = repo.NthNewestEntry(ctx, feed.ID, 5)
		assert.ErrorIs(t, err, feedhook.ErrNotFound)
	})

	t.Run("delete before", func(t *testing.T) {
		n, err := repo.DeleteEntriesBefore(ctx, feed.ID, entries[2].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		all, err := repo.EntriesAfter(ctx, feed.ID, nil, 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, entries[2].ID, all[0].ID)
	})
}

// InsertSubscription stores a never notified subscription to the feed.
func InsertSubscription(t *testing.T, repo feedhook.Repository, feedID feedhook.ID) feedhook.Subscription {
	t.Helper()

	sub, err := repo.InsertSubscription(context.Background(), feedhook.Subscription{
		ApplicationID: feedhook.NewID(),
		URL:           "https://example.com/feed.xml",
		FeedID:        feedID,
		EndpointID:    feedhook.NewID(),
		Metadata:      feedhook.Metadata(`{"team":"blue"}`),
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)

	return sub
}

func testSubscription_RoundTrip(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
	)
	sub := InsertSubscription(t, repo, feedhook.NewID())

	got, err := repo.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"team":"blue"}`, string(got.Metadata))
	assert.Nil(t, got.LastNotifiedEntry)
	assert.Nil(t, got.ScheduledAt)

	require.NoError(t, repo.DeleteSubscription(ctx, sub.ID))
	_, err = repo.Subscription(ctx, sub.ID)
	assert.ErrorIs(t, err, feedhook.ErrNotFound)
}

func testScheduling(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo   = newRepo(t)
		ctx    = context.Background()
		feedID = feedhook.NewID()
		now    = time.Now().UTC().Truncate(time.Millisecond)
	)
	first := InsertSubscription(t, repo, feedID)
	second := InsertSubscription(t, repo, feedID)
	InsertSubscription(t, repo, feedhook.NewID())

	require.NoError(t, repo.ScheduleFeedSubscriptions(ctx, feedID, now))

	scheduled, err := repo.ScheduledSubscriptions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)

	// A newer sync happened after the producer saw the subscription
	require.NoError(t, repo.ScheduleFeedSubscriptions(ctx, feedID, now.Add(time.Second)))
	require.NoError(t, repo.UnscheduleSubscription(ctx, first.ID, now))
	got, err := repo.Subscription(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduledAt)

	require.NoError(t, repo.UnscheduleSubscription(ctx, first.ID, *got.ScheduledAt))
	got, err = repo.Subscription(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduledAt)

	// Reschedule fills in an empty flag and moves a set one forward
	require.NoError(t, repo.RescheduleSubscription(ctx, first.ID, now.Add(time.Minute)))
	require.NoError(t, repo.RescheduleSubscription(ctx, second.ID, now.Add(time.Minute)))
	got, err = repo.Subscription(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.ScheduledAt.Equal(now.Add(time.Minute)))
	got, err = repo.Subscription(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, got.ScheduledAt.Equal(now.Add(time.Minute)))

	// but never back
	require.NoError(t, repo.RescheduleSubscription(ctx, second.ID, now))
	got, err = repo.Subscription(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, got.ScheduledAt.Before(now.Add(time.Minute)))
}

// A producer that saw a subscription's flag unschedules it only after
// publishing. A notification finishing in between must leave the flag out
// of that producer's reach when there is still work to do.
func testScheduling_OutlivesProducer(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo   = newRepo(t)
		ctx    = context.Background()
		feedID = feedhook.NewID()
		seen   = time.Now().UTC().Truncate(time.Millisecond)
	)
	more := InsertSubscription(t, repo, feedID)
	failed := InsertSubscription(t, repo, feedID)
	require.NoError(t, repo.ScheduleFeedSubscriptions(ctx, feedID, seen))

	done := seen.Add(time.Millisecond)
	ok, err := repo.AdvanceCursor(ctx, more.ID, feedhook.AdvanceCursorArgs{To: feedhook.NewID(), NotifiedAt: done, HasMore: true, StartedAt: seen})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.RescheduleSubscription(ctx, failed.ID, done))

	for _, id := range []feedhook.ID{more.ID, failed.ID} {
		require.NoError(t, repo.UnscheduleSubscription(ctx, id, seen))

		got, err := repo.Subscription(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.ScheduledAt)
		assert.True(t, got.ScheduledAt.After(seen))
	}
}

func testAdvanceCursor(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo   = newRepo(t)
		ctx    = context.Background()
		feedID = feedhook.NewID()
		start  = time.Now().UTC()
		e1     = feedhook.NewID()
		e2     = e1.Next()
	)
	sub := InsertSubscription(t, repo, feedID)
	require.NoError(t, repo.ScheduleFeedSubscriptions(ctx, feedID, start.Add(-time.Second)))

	ok, err := repo.AdvanceCursor(ctx, sub.ID, feedhook.AdvanceCursorArgs{To: e2, NotifiedAt: start, StartedAt: start})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastNotifiedEntry)
	assert.Equal(t, e2, *got.LastNotifiedEntry)
	assert.Nil(t, got.ScheduledAt)

	// Never backwards, never the same value twice
	for _, to := range []feedhook.ID{e1, e2} {
		ok, err = repo.AdvanceCursor(ctx, sub.ID, feedhook.AdvanceCursorArgs{To: to, NotifiedAt: start, StartedAt: start})
		require.NoError(t, err)
		assert.False(t, ok)
	}

	cursors, err := repo.FeedCursors(ctx, feedID)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, e2, *cursors[0])
}

func testAdvanceCursor_KeepsLaterSchedule(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo   = newRepo(t)
		ctx    = context.Background()
		feedID = feedhook.NewID()
		start  = time.Now().UTC()
	)
	sub := InsertSubscription(t, repo, feedID)
	require.NoError(t, repo.ScheduleFeedSubscriptions(ctx, feedID, start.Add(time.Second)))

	ok, err := repo.AdvanceCursor(ctx, sub.ID, feedhook.AdvanceCursorArgs{To: feedhook.NewID(), NotifiedAt: start, StartedAt: start})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ScheduledAt)
}

func testAdvanceCursor_HasMoreSchedules(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo = newRepo(t)
		ctx  = context.Background()
		now  = time.Now().UTC()
	)
	sub := InsertSubscription(t, repo, feedhook.NewID())

	ok, err := repo.AdvanceCursor(ctx, sub.ID, feedhook.AdvanceCursorArgs{To: feedhook.NewID(), NotifiedAt: now, HasMore: true, StartedAt: now})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ScheduledAt)
}

func testEndpoints(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo  = newRepo(t)
		ctx   = context.Background()
		appID = feedhook.NewID()
	)
	endpoint, err := repo.InsertEndpoint(ctx, feedhook.Endpoint{ApplicationID: appID, URL: "https://hooks.example.com", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)

	_, err = repo.InsertEndpoint(ctx, feedhook.Endpoint{ApplicationID: appID, URL: "https://hooks.example.com"})
	assert.ErrorIs(t, err, feedhook.ErrConflict)

	// Another application may use the same url
	_, err = repo.InsertEndpoint(ctx, feedhook.Endpoint{ApplicationID: feedhook.NewID(), URL: "https://hooks.example.com"})
	assert.NoError(t, err)

	got, err := repo.Endpoint(ctx, endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, appID, got.ApplicationID)

	_, err = repo.Endpoint(ctx, feedhook.NewID())
	assert.True(t, errors.Is(err, feedhook.ErrNotFound))
}

func testWebhooks_NewestFirst(t *testing.T, newRepo func(t *testing.T) feedhook.Repository) {
	var (
		repo  = newRepo(t)
		ctx   = context.Background()
		appID = feedhook.NewID()
		subID = feedhook.NewID()
		now   = time.Now()
	)
	for i, sid := range []feedhook.ID{subID, subID, feedhook.NewID()} {
		_, err := repo.InsertWebhook(ctx, feedhook.Webhook{
			ApplicationID:  appID,
			SubscriptionID: sid,
			Status:         feedhook.WebhookStatusSent,
			EndpointURL:    "https://hooks.example.com",
			FeedURL:        "https://example.com/feed.xml",
			SentAt:         now.Add(time.Duration(i) * time.Second),
			CreatedAt:      now,
		})
		require.NoError(t, err)
	}

	all, err := repo.Webhooks(ctx, feedhook.WebhooksArgs{ApplicationID: appID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].SentAt.After(all[1].SentAt))

	forSub, err := repo.Webhooks(ctx, feedhook.WebhooksArgs{ApplicationID: appID, SubscriptionID: &subID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, forSub, 2)

	paged, err := repo.Webhooks(ctx, feedhook.WebhooksArgs{ApplicationID: appID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, all[1].ID, paged[0].ID)
}
