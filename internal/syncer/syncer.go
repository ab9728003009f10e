// Package syncer keeps feeds up to date: the Syncer brings one feed in line
// with its upstream and the Scheduler decides which feeds are due.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/logger"
)

var feedSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedhook_feed_syncs_total",
	Help: "Feed syncs by outcome",
}, []string{"result"})

// How many of the newest entries are compared to decide that a feed has
// nothing new.
const fastPathDepth = 3

type (
	Repository interface {
		feedhook.FeedRepo
		LatestEntries(ctx context.Context, feedID feedhook.ID, n int) ([]feedhook.Entry, error)
		ScheduleFeedSubscriptions(ctx context.Context, feedID feedhook.ID, at time.Time) error
	}

	// EntryStore persists the entries of a feed, oldest first, and reports
	// whether any were new.
	EntryStore interface {
		Sync(ctx context.Context, feedID feedhook.ID, entries []feedhook.ParsedEntry) (bool, error)
	}

	Config struct {
		// How long a sync may hold a feed before others can take it over.
		LeaseTTL time.Duration
		// Skip persisting when the newest fetched entries match the newest
		// stored ones. This assumes feeds never move an old entry to the top.
		FastPath bool
		// Identifies this process in feed leases. Generated when empty.
		Owner string
	}

	Syncer struct {
		repo    Repository
		entries EntryStore
		fetcher feedhook.Fetcher
		locks   *keyedMutex
		cfg     Config
		now     func() time.Time
	}

	Result struct {
		// Another process was syncing the feed.
		Skipped bool
		// The upstream answered that nothing changed.
		NotModified bool
		NewContent  bool
	}
)

func NewSyncer(repo Repository, entries EntryStore, fetcher feedhook.Fetcher, cfg Config) *Syncer {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%s", host, uuid.NewString())
	}

	return &Syncer{
		repo:    repo,
		entries: entries,
		fetcher: fetcher,
		locks:   newKeyedMutex(),
		cfg:     cfg,
		now:     time.Now,
	}
}

// SyncFeed fetches the feed and stores its new entries. When there are any,
// every subscription to the feed is scheduled for notification.
//
// A failed fetch leaves synced_at alone, so the feed stays due.
func (s *Syncer) SyncFeed(ctx context.Context, feedID feedhook.ID) (Result, error) {
	ctx = logger.Ctx(ctx, slog.String("feed_id", feedID.Hex()))

	unlock := s.locks.Lock(feedID)
	defer unlock()

	feed, err := s.repo.Feed(ctx, feedID)
	if err != nil {
		return Result{}, fmt.Errorf("error loading feed: %w", err)
	}

	now := s.now()
	ok, err := s.repo.AcquireFeedLease(ctx, feedID, s.cfg.Owner, now, now.Add(s.cfg.LeaseTTL))
	if err != nil {
		return Result{}, fmt.Errorf("error acquiring lease: %w", err)
	}
	if !ok {
		slog.DebugContext(ctx, "feed is being synced elsewhere")
		feedSyncs.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := s.repo.ReleaseFeedLease(context.WithoutCancel(ctx), feedID, s.cfg.Owner); err != nil {
			slog.ErrorContext(ctx, "error releasing lease", "error", err)
		}
	}()

	parsed, err := s.fetcher.Fetch(ctx, feed.URL)
	if errors.Is(err, feedhook.ErrNotModified) {
		feedSyncs.WithLabelValues("not_modified").Inc()
		return Result{NotModified: true}, s.markSynced(ctx, feedID, feedhook.UpdateFeedArgs{SyncedAt: now})
	}
	if err != nil {
		feedSyncs.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("error fetching feed: %w", err)
	}

	update := parsed.UpdateArgs(now)
	if len(parsed.Entries) == 0 {
		feedSyncs.WithLabelValues("unchanged").Inc()
		return Result{}, s.markSynced(ctx, feedID, update)
	}

	if s.cfg.FastPath {
		synced, err := s.alreadySynced(ctx, feedID, parsed.Entries)
		if err != nil {
			feedSyncs.WithLabelValues("failed").Inc()
			return Result{}, err
		}
		if synced {
			slog.DebugContext(ctx, "feed already synced")
			feedSyncs.WithLabelValues("unchanged").Inc()
			return Result{}, s.markSynced(ctx, feedID, update)
		}
	}

	// Feeds list the newest entry first
	oldestFirst := slices.Clone(parsed.Entries)
	slices.Reverse(oldestFirst)

	newContent, err := s.entries.Sync(ctx, feedID, oldestFirst)
	if err != nil {
		feedSyncs.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("error storing entries: %w", err)
	}
	if !newContent {
		feedSyncs.WithLabelValues("unchanged").Inc()
		return Result{}, s.markSynced(ctx, feedID, update)
	}

	// Subscriptions are scheduled before synced_at moves, so that a failure
	// in between leaves the feed due instead of dropping the notification.
	if err := s.repo.ScheduleFeedSubscriptions(ctx, feedID, now); err != nil {
		feedSyncs.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("error scheduling subscriptions: %w", err)
	}
	if err := s.markSynced(ctx, feedID, update); err != nil {
		return Result{}, err
	}

	slog.InfoContext(ctx, "synced new entries")
	feedSyncs.WithLabelValues("new").Inc()

	return Result{NewContent: true}, nil
}

func (s *Syncer) markSynced(ctx context.Context, feedID feedhook.ID, args feedhook.UpdateFeedArgs) error {
	if err := s.repo.UpdateFeed(ctx, feedID, args); err != nil {
		return fmt.Errorf("error marking feed synced: %w", err)
	}

	return nil
}

// alreadySynced compares the newest fetched entries with the newest stored
// ones, pairwise.
func (s *Syncer) alreadySynced(ctx context.Context, feedID feedhook.ID, fetched []feedhook.ParsedEntry) (bool, error) {
	n := min(fastPathDepth, len(fetched))

	stored, err := s.repo.LatestEntries(ctx, feedID, n)
	if err != nil {
		return false, fmt.Errorf("error fetching latest entries: %w", err)
	}
	if len(stored) < n {
		return false, nil
	}

	for i := range n {
		if fetched[i].PublicID != stored[i].PublicID {
			return false, nil
		}
	}

	return true, nil
}
