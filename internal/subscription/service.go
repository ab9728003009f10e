// Package subscription manages what applications subscribe to: their
// endpoints, their subscriptions, and the shared feeds behind them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/logger"
	"github.com/jdholdren/feedhook/internal/syncer"
)

// ErrUnreachableFeed is returned when a feed that is not known yet cannot be
// fetched or parsed.
var ErrUnreachableFeed = errors.New("feed could not be fetched")

type (
	FeedSyncer interface {
		SyncFeed(ctx context.Context, feedID feedhook.ID) (syncer.Result, error)
	}

	Service struct {
		repo    feedhook.Repository
		fetcher feedhook.Fetcher
		syncer  FeedSyncer
		now     func() time.Time
	}

	CreateEndpointArgs struct {
		ApplicationID feedhook.ID
		URL           string
		Title         string
	}

	// CreateSubscriptionArgs names either an existing endpoint or a new one.
	CreateSubscriptionArgs struct {
		ApplicationID feedhook.ID
		URL           string
		EndpointID    *feedhook.ID
		Endpoint      *CreateEndpointArgs
		Metadata      feedhook.Metadata
	}
)

func NewService(repo feedhook.Repository, fetcher feedhook.Fetcher, syncer FeedSyncer) *Service {
	return &Service{
		repo:    repo,
		fetcher: fetcher,
		syncer:  syncer,
		now:     time.Now,
	}
}

func (s *Service) CreateEndpoint(ctx context.Context, args CreateEndpointArgs) (feedhook.Endpoint, error) {
	now := s.now()
	endpoint, err := s.repo.InsertEndpoint(ctx, feedhook.Endpoint{
		ApplicationID: args.ApplicationID,
		URL:           args.URL,
		Title:         args.Title,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return feedhook.Endpoint{}, fmt.Errorf("error creating endpoint: %w", err)
	}

	return endpoint, nil
}

// CreateSubscription subscribes the application to the feed at args.URL,
// creating the feed when nobody follows it yet. The new subscription has not
// seen any entry, so its first notifications carry the feed's backlog.
func (s *Service) CreateSubscription(ctx context.Context, args CreateSubscriptionArgs) (feedhook.Subscription, error) {
	ctx = logger.Ctx(ctx, slog.String("application_id", args.ApplicationID.Hex()))

	endpoint, err := s.endpoint(ctx, args)
	if err != nil {
		return feedhook.Subscription{}, err
	}

	feed, err := s.feed(ctx, args.URL)
	if err != nil {
		return feedhook.Subscription{}, err
	}

	sub, err := s.repo.InsertSubscription(ctx, feedhook.Subscription{
		ApplicationID: args.ApplicationID,
		URL:           args.URL,
		FeedID:        feed.ID,
		EndpointID:    endpoint.ID,
		Metadata:      args.Metadata,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return feedhook.Subscription{}, fmt.Errorf("error creating subscription: %w", err)
	}
	slog.InfoContext(ctx, "created subscription", "subscription_id", sub.ID.Hex(), "feed_id", feed.ID.Hex())

	return sub, nil
}

func (s *Service) endpoint(ctx context.Context, args CreateSubscriptionArgs) (feedhook.Endpoint, error) {
	if args.EndpointID == nil {
		if args.Endpoint == nil {
			return feedhook.Endpoint{}, fmt.Errorf("no endpoint given: %w", feedhook.ErrNotFound)
		}
		create := *args.Endpoint
		create.ApplicationID = args.ApplicationID
		return s.CreateEndpoint(ctx, create)
	}

	endpoint, err := s.repo.Endpoint(ctx, *args.EndpointID)
	if err != nil {
		return feedhook.Endpoint{}, fmt.Errorf("error loading endpoint: %w", err)
	}
	// Another application's endpoint does not exist as far as this one knows
	if endpoint.ApplicationID != args.ApplicationID {
		return feedhook.Endpoint{}, fmt.Errorf("endpoint %s: %w", endpoint.ID, feedhook.ErrNotFound)
	}

	return endpoint, nil
}

// feed finds the feed by url, or fetches and stores it. It is left unsynced
// so that the scheduler picks it up on its next pass.
func (s *Service) feed(ctx context.Context, url string) (feedhook.Feed, error) {
	feed, err := s.repo.FeedByURL(ctx, url)
	if err == nil {
		return feed, nil
	}
	if !errors.Is(err, feedhook.ErrNotFound) {
		return feedhook.Feed{}, fmt.Errorf("error finding feed: %w", err)
	}

	parsed, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		slog.WarnContext(ctx, "error fetching new feed", "url", url, "error", err)
		return feedhook.Feed{}, fmt.Errorf("%w: %s", ErrUnreachableFeed, err)
	}

	now := s.now()
	feed, err = s.repo.InsertFeed(ctx, feedhook.Feed{
		PublicID:    parsed.PublicID,
		Type:        parsed.Type,
		URL:         url,
		Title:       parsed.Title,
		Description: parsed.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, feedhook.ErrConflict) {
		// Created by someone else in the meantime
		return s.repo.FeedByURL(ctx, url)
	}
	if err != nil {
		return feedhook.Feed{}, fmt.Errorf("error creating feed: %w", err)
	}
	slog.InfoContext(ctx, "created feed", "feed_id", feed.ID.Hex(), "url", url)

	return feed, nil
}

// Subscription returns the application's subscription.
func (s *Service) Subscription(ctx context.Context, applicationID, id feedhook.ID) (feedhook.Subscription, error) {
	sub, err := s.repo.Subscription(ctx, id)
	if err != nil {
		return feedhook.Subscription{}, err
	}
	if sub.ApplicationID != applicationID {
		return feedhook.Subscription{}, fmt.Errorf("subscription %s: %w", id, feedhook.ErrNotFound)
	}

	return sub, nil
}

func (s *Service) Subscriptions(ctx context.Context, applicationID feedhook.ID, limit, offset int) ([]feedhook.Subscription, error) {
	return s.repo.Subscriptions(ctx, applicationID, limit, offset)
}

// RemoveSubscription deletes the subscription, and its feed when it was the
// last one following it.
func (s *Service) RemoveSubscription(ctx context.Context, applicationID, id feedhook.ID) error {
	sub, err := s.Subscription(ctx, applicationID, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("error deleting subscription: %w", err)
	}
	if _, err := s.cleanupFeed(ctx, sub.FeedID); err != nil {
		// The feed is cleaned up by the next CleanupFeeds
		slog.ErrorContext(ctx, "error cleaning up feed", "feed_id", sub.FeedID.Hex(), "error", err)
	}

	return nil
}

// CleanupFeeds deletes every feed that nobody subscribes to and returns how
// many it deleted.
func (s *Service) CleanupFeeds(ctx context.Context) (int, error) {
	ids, err := s.repo.FeedIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("error listing feeds: %w", err)
	}

	var removed int
	for _, id := range ids {
		ok, err := s.cleanupFeed(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "error cleaning up feed", "feed_id", id.Hex(), "error", err)
			continue
		}
		if ok {
			removed++
		}
	}

	return removed, nil
}

func (s *Service) cleanupFeed(ctx context.Context, feedID feedhook.ID) (bool, error) {
	count, err := s.repo.CountFeedSubscriptions(ctx, feedID)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	if err := s.repo.DeleteFeed(ctx, feedID); err != nil && !errors.Is(err, feedhook.ErrNotFound) {
		return false, err
	}
	slog.InfoContext(ctx, "removed unfollowed feed", "feed_id", feedID.Hex())

	return true, nil
}

func (s *Service) Webhooks(ctx context.Context, args feedhook.WebhooksArgs) ([]feedhook.Webhook, error) {
	return s.repo.Webhooks(ctx, args)
}

// TriggerSync syncs the feed now rather than when it is next due.
func (s *Service) TriggerSync(ctx context.Context, feedID feedhook.ID) (syncer.Result, error) {
	return s.syncer.SyncFeed(ctx, feedID)
}
