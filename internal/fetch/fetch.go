// Package fetch retrieves feeds over HTTP and parses them into their
// entries.
package fetch

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/jdholdren/feedhook/internal/feedhook"
)

var _ feedhook.Fetcher = (*Fetcher)(nil)

const (
	maxBodySize        = 10 << 20
	maxDescriptionSize = 2048
)

// validators are what a server handed out to make the next request
// conditional.
type validators struct {
	etag         string
	lastModified string
}

// Fetcher fetches and parses feeds. It remembers the ETag and Last-Modified
// of recent responses and asks servers for changes only.
type Fetcher struct {
	client    *http.Client
	userAgent string
	cache     *lru.Cache[string, validators]
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
	// How many feed urls to remember validators for. Zero disables
	// conditional requests.
	CacheSize int
}

func New(cfg Config) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
	}
	if cfg.CacheSize > 0 {
		f.cache, _ = lru.New[string, validators](cfg.CacheSize)
	}

	return f
}

// Fetch returns [feedhook.ErrNotModified] when the server reports that the
// feed did not change since the previous fetch.
func (f *Fetcher) Fetch(ctx context.Context, url string) (feedhook.ParsedFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return feedhook.ParsedFeed{}, fmt.Errorf("error building request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if f.cache != nil {
		if v, ok := f.cache.Get(url); ok {
			if v.etag != "" {
				req.Header.Set("If-None-Match", v.etag)
			}
			if v.lastModified != "" {
				req.Header.Set("If-Modified-Since", v.lastModified)
			}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return feedhook.ParsedFeed{}, fmt.Errorf("error getting feed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return feedhook.ParsedFeed{}, feedhook.ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return feedhook.ParsedFeed{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return feedhook.ParsedFeed{}, fmt.Errorf("error parsing feed: %w", err)
	}

	// Only remember validators of a response that parsed
	if f.cache != nil {
		v := validators{
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
		}
		if v.etag != "" || v.lastModified != "" {
			f.cache.Add(url, v)
		} else {
			f.cache.Remove(url)
		}
	}

	return convert(url, parsed), nil
}

func convert(url string, feed *gofeed.Feed) feedhook.ParsedFeed {
	ret := feedhook.ParsedFeed{
		PublicID:    firstNonEmpty(feed.FeedLink, feed.Link, url),
		Type:        feedType(feed.FeedType, feed.FeedVersion),
		Title:       optional(sanitize(feed.Title)),
		Description: optional(sanitize(feed.Description)),
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		id := firstNonEmpty(item.GUID, item.Link, item.Title)
		if id == "" {
			continue
		}

		link := item.Link
		if link == "" && len(item.Links) > 0 {
			link = item.Links[0]
		}
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}

		ret.Entries = append(ret.Entries, feedhook.ParsedEntry{
			PublicID:    id,
			URL:         optional(link),
			Title:       optional(sanitize(item.Title)),
			Description: optional(sanitize(firstNonEmpty(item.Description, item.Content))),
			PublishedAt: published,
		})
	}

	return ret
}

func feedType(kind, version string) feedhook.FeedType {
	switch kind {
	case "atom":
		return feedhook.FeedTypeAtom
	case "json":
		return feedhook.FeedTypeJSON
	}

	switch version {
	case "0.90", "0.91", "0.92":
		return feedhook.FeedTypeRSS0
	case "1.0":
		return feedhook.FeedTypeRSS1
	default:
		return feedhook.FeedTypeRSS2
	}
}

var stripPolicy = bluemonday.StrictPolicy()

// Removes all html tags from the string, usually a description.
//
// Also limits the length of the string so there's not a massive chunk of text being sent.
func sanitize(s string) string {
	s = html.UnescapeString(stripPolicy.Sanitize(strings.TrimSpace(s)))
	s = strings.TrimSpace(s)
	if len(s) > maxDescriptionSize {
		s = strings.ToValidUTF8(s[:maxDescriptionSize], "")
	}

	return s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
