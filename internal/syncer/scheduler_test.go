package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedhook/internal/entry"
	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/feedhook/feedhooktest"
)

func TestPass_SyncsDueFeedsOnly(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{})
		sched   = NewScheduler(repo, s, SchedulerConfig{StaleAfter: time.Minute})
	)
	feedhooktest.InsertFeed(t, repo, "https://example.com/due.xml", time.Now().Add(-time.Hour))
	feedhooktest.InsertFeed(t, repo, "https://example.com/broken.xml", time.Now().Add(-2*time.Hour))
	feedhooktest.InsertFeed(t, repo, "https://example.com/fresh.xml", time.Now())
	fetcher.Set("https://example.com/due.xml", newestFirst(1, 2))
	fetcher.Fail("https://example.com/broken.xml", errors.New("boom"))

	require.NoError(t, sched.Pass(ctx))

	assert.Equal(t, 1, fetcher.Calls("https://example.com/due.xml"))
	assert.Equal(t, 1, fetcher.Calls("https://example.com/broken.xml"))
	assert.Zero(t, fetcher.Calls("https://example.com/fresh.xml"))

	// The synced feed is no longer due, the broken one still is
	stale, err := repo.StaleFeeds(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "https://example.com/broken.xml", stale[0].URL)
}

func TestPass_BrokenFeedsDoNotStarve(t *testing.T) {
	var (
		repo    = newTestRepo(t)
		ctx     = context.Background()
		fetcher = feedhooktest.NewFetcher()
		s       = NewSyncer(repo, entry.NewStore(repo), fetcher, Config{})
		sched   = NewScheduler(repo, s, SchedulerConfig{StaleAfter: time.Minute, PageSize: 1})
	)
	feedhooktest.InsertFeed(t, repo, "https://example.com/broken.xml", time.Now().Add(-2*time.Hour))
	feedhooktest.InsertFeed(t, repo, "https://example.com/ok.xml", time.Now().Add(-time.Hour))
	fetcher.Fail("https://example.com/broken.xml", errors.New("boom"))
	fetcher.Set("https://example.com/ok.xml", newestFirst(1, 2))

	for range 5 {
		require.NoError(t, sched.Pass(ctx))
	}

	assert.Equal(t, 1, fetcher.Calls("https://example.com/ok.xml"))
	assert.Equal(t, 4, fetcher.Calls("https://example.com/broken.xml"))
}

type countingSyncer struct {
	inFlight, peak atomic.Int32
	calls          atomic.Int32
}

func (c *countingSyncer) SyncFeed(ctx context.Context, feedID feedhook.ID) (Result, error) {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	return Result{}, nil
}

type staticFeeds struct {
	mu    sync.Mutex
	feeds []feedhook.Feed
	err   error
	calls int
}

func (s *staticFeeds) StaleFeeds(ctx context.Context, before time.Time, limit int) ([]feedhook.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.feeds[:min(limit, len(s.feeds))], nil
}

func (s *staticFeeds) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func TestPass_BoundedConcurrency(t *testing.T) {
	var (
		syncer = &countingSyncer{}
		feeds  = &staticFeeds{}
	)
	for range 20 {
		feeds.feeds = append(feeds.feeds, feedhook.Feed{ID: feedhook.NewID()})
	}

	sched := NewScheduler(feeds, syncer, SchedulerConfig{Concurrency: 3, PageSize: 15})
	require.NoError(t, sched.Pass(context.Background()))

	assert.Equal(t, int32(15), syncer.calls.Load())
	assert.LessOrEqual(t, syncer.peak.Load(), int32(3))
}

func TestRun_RetriesAndStops(t *testing.T) {
	var (
		feeds       = &staticFeeds{err: errors.New("database is locked")}
		sched       = NewScheduler(feeds, &countingSyncer{}, SchedulerConfig{RetryDelay: 5 * time.Millisecond, Interval: time.Hour})
		ctx, cancel = context.WithCancel(context.Background())
		done        = make(chan error)
	)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return feeds.Calls() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
