package feedhooktest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

var _ feedhook.Fetcher = (*Fetcher)(nil)

// Fetcher serves canned feeds by url.
type Fetcher struct {
	mu    sync.Mutex
	feeds map[string]feedhook.ParsedFeed
	errs  map[string]error
	calls map[string]int
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		feeds: map[string]feedhook.ParsedFeed{},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *Fetcher) Set(url string, feed feedhook.ParsedFeed) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.errs, url)
	f.feeds[url] = feed
}

func (f *Fetcher) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[url] = err
}

// Calls returns how many times the url was fetched.
func (f *Fetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[url]
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (feedhook.ParsedFeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return feedhook.ParsedFeed{}, err
	}
	feed, ok := f.feeds[url]
	if !ok {
		return feedhook.ParsedFeed{}, fmt.Errorf("no feed at %s", url)
	}

	return feed, nil
}
