// Package entry stores the entries of a feed in publication order and trims
// the ones no subscription needs anymore.
package entry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

var (
	entriesInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedhook_entries_inserted_total",
		Help: "The total number of new entries stored",
	})
	entriesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedhook_entries_pruned_total",
		Help: "The total number of entries removed by pruning",
	})
)

// Repository is the storage the Store works against.
type Repository interface {
	feedhook.EntryRepo
	FeedCursors(ctx context.Context, feedID feedhook.ID) ([]*feedhook.ID, error)
}

type Store struct {
	repo Repository
	now  func() time.Time
}

func NewStore(repo Repository) Store {
	return Store{repo: repo, now: time.Now}
}

// Sync stores the entries of a feed that are not known yet. The entries must
// be ordered oldest first.
//
// Entries are inserted one at a time, each with an id above every id stored
// for the feed before it. Callers must not sync the same feed concurrently.
// It reports whether anything new was stored.
func (s Store) Sync(ctx context.Context, feedID feedhook.ID, entries []feedhook.ParsedEntry) (bool, error) {
	latest, err := s.repo.LatestEntries(ctx, feedID, 1)
	if err != nil {
		return false, fmt.Errorf("error fetching latest entry: %w", err)
	}

	var (
		pending = entries
		last    feedhook.ID
	)
	if len(latest) > 0 {
		last = latest[0].ID
		// Everything up to the newest stored entry was seen already.
		for i, e := range entries {
			if e.PublicID == latest[0].PublicID {
				pending = entries[i+1:]
				break
			}
		}
	}

	var inserted int
	for _, e := range pending {
		id := feedhook.NewID()
		if id.Compare(last) <= 0 {
			id = last.Next()
		}

		entry := feedhook.NewEntry(feedID, e, s.now())
		entry.ID = id
		_, err := s.repo.InsertEntry(ctx, entry)
		if errors.Is(err, feedhook.ErrConflict) {
			slog.DebugContext(ctx, "entry already stored", "public_id", e.PublicID)
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "error inserting entry", "public_id", e.PublicID, "error", err)
			continue
		}

		inserted++
		last = id
	}
	entriesInserted.Add(float64(inserted))

	if inserted == 0 {
		return false, nil
	}

	s.prune(ctx, feedID, len(entries))

	return true, nil
}

// prune keeps the newest keep entries, and anything after the cursor of a
// subscription. A feed with a subscription that was never notified is not
// pruned at all.
func (s Store) prune(ctx context.Context, feedID feedhook.ID, keep int) {
	if keep <= 0 {
		return
	}

	cutoff, err := s.repo.NthNewestEntry(ctx, feedID, keep-1)
	if errors.Is(err, feedhook.ErrNotFound) {
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "error finding prune cutoff", "error", err)
		return
	}
	before := cutoff.ID

	cursors, err := s.repo.FeedCursors(ctx, feedID)
	if err != nil {
		slog.ErrorContext(ctx, "error fetching subscription cursors", "error", err)
		return
	}
	for _, c := range cursors {
		if c == nil {
			slog.DebugContext(ctx, "skipping prune, subscription not notified yet")
			return
		}
		if c.Compare(before) < 0 {
			before = *c
		}
	}

	n, err := s.repo.DeleteEntriesBefore(ctx, feedID, before)
	if err != nil {
		slog.ErrorContext(ctx, "error pruning entries", "error", err)
		return
	}
	if n > 0 {
		slog.DebugContext(ctx, "pruned entries", "count", n)
		entriesPruned.Add(float64(n))
	}
}

// Find returns up to limit entries after the given entry, oldest first, and
// whether more remain.
func (s Store) Find(ctx context.Context, feedID feedhook.ID, after *feedhook.ID, limit int) ([]feedhook.Entry, bool, error) {
	entries, err := s.repo.EntriesAfter(ctx, feedID, after, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("error finding entries: %w", err)
	}

	if len(entries) > limit {
		return entries[:limit], true, nil
	}

	return entries, false, nil
}
