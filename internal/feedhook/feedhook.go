// Package feedhook holds the domain types shared by the feed polling and
// webhook delivery pipeline, along with the storage contracts the rest of
// the service is written against.
package feedhook

import (
	"context"
	"errors"
)

var (
	ErrConflict  = errors.New("resource already exists")
	ErrNotFound  = errors.New("resource not found")
	ErrInvalidID = errors.New("invalid id")
)

// Repository is everything the pipeline needs from storage.
//
// Implementations live in the sqlite and mongo packages and must behave the
// same way, including the conditional updates documented on each method.
type Repository interface {
	FeedRepo
	EntryRepo
	SubscriptionRepo
	EndpointRepo
	WebhookRepo

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// Fetcher retrieves and parses a feed from its url.
//
// Entries come back in document order, which for nearly every feed is newest
// first.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (ParsedFeed, error)
}

// ErrNotModified is returned by a Fetcher when the upstream answered a
// conditional request with 304.
var ErrNotModified = errors.New("feed not modified")
