package syncer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

type (
	FeedSyncer interface {
		SyncFeed(ctx context.Context, feedID feedhook.ID) (Result, error)
	}

	StaleFeedLister interface {
		StaleFeeds(ctx context.Context, before time.Time, limit int) ([]feedhook.Feed, error)
	}

	SchedulerConfig struct {
		// Pause between passes, however long a pass took.
		Interval time.Duration
		// Feeds synced longer ago than this are due.
		StaleAfter time.Duration
		// Most feeds handled in one pass.
		PageSize int
		// Feeds synced at the same time.
		Concurrency int
		// Pause after failing to list due feeds.
		RetryDelay time.Duration
	}

	// Scheduler syncs the feeds that are due, least recently attempted
	// first. Claiming a feed marks the attempt even when its fetch fails, so
	// a broken feed goes to the back of the queue behind the healthy ones.
	Scheduler struct {
		repo   StaleFeedLister
		syncer FeedSyncer
		cfg    SchedulerConfig
		now    func() time.Time
	}
)

func NewScheduler(repo StaleFeedLister, syncer FeedSyncer, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	return &Scheduler{repo: repo, syncer: syncer, cfg: cfg, now: time.Now}
}

// Run passes over the due feeds until the context is done.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "feed scheduler started", "interval", s.cfg.Interval, "stale_after", s.cfg.StaleAfter)

	for {
		if err := s.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.ErrorContext(ctx, "error listing stale feeds", "error", err)
			if !sleep(ctx, s.cfg.RetryDelay) {
				return nil
			}
			continue
		}

		if !sleep(ctx, s.cfg.Interval) {
			return nil
		}
	}
}

// Pass syncs every due feed once. A feed that fails to sync is logged and
// does not affect the others; only failing to list the feeds is returned.
func (s *Scheduler) Pass(ctx context.Context) error {
	feeds, err := s.repo.StaleFeeds(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.PageSize)
	if err != nil {
		return err
	}
	if len(feeds) == 0 {
		return nil
	}
	slog.DebugContext(ctx, "syncing stale feeds", "count", len(feeds))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, feed := range feeds {
		g.Go(func() error {
			if _, err := s.syncer.SyncFeed(ctx, feed.ID); err != nil {
				slog.ErrorContext(ctx, "error syncing feed", "feed_id", feed.ID.Hex(), "url", feed.URL, "error", err)
			}

			return nil
		})
	}

	return g.Wait()
}

// sleep waits for d and reports false if the context ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
