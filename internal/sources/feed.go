package sources

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

// DefaultMaxItems caps how many entries a feed contributes per fetch.
const DefaultMaxItems = 50

// FeedConfig configures a syndication feed (RSS, Atom or JSON Feed).
type FeedConfig struct {
	Name     string            `mapstructure:"name"`
	URL      string            `mapstructure:"url"`
	Enabled  bool              `mapstructure:"enabled"`
	MaxItems int               `mapstructure:"max_items"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"`
}

// FeedSource fetches and parses a syndication feed.
type FeedSource struct {
	*base
	url      string
	maxItems int
	headers  map[string]string
	http     *httpFetcher
}

// NewFeedSource validates cfg and builds the adapter. client may be nil.
func NewFeedSource(cfg FeedConfig, client *http.Client, logger *zap.SugaredLogger) (*FeedSource, error) {
	if err := validateURL(cfg.Name, cfg.URL); err != nil {
		return nil, err
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	b := newBase(cfg.Name, KindFeed, cfg.Enabled, cfg.Timeout, logger)
	return &FeedSource{
		base:     b,
		url:      cfg.URL,
		maxItems: cfg.MaxItems,
		headers:  cfg.Headers,
		http:     newHTTPFetcher(client, b.logger),
	}, nil
}

// Fetch downloads the feed and converts up to maxItems entries.
func (s *FeedSource) Fetch(ctx context.Context) ([]Item, error) {
	body, err := s.http.get(ctx, s.url, s.headers)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	items := make([]Item, 0, min(len(feed.Items), s.maxItems))
	for _, entry := range feed.Items {
		if len(items) >= s.maxItems {
			break
		}
		items = append(items, s.convert(feed, entry))
	}
	return items, nil
}

// FetchWithErrorHandling never fails; see Source.
func (s *FeedSource) FetchWithErrorHandling(ctx context.Context) []Item {
	return s.guard(ctx, s.Fetch)
}

func (s *FeedSource) convert(feed *gofeed.Feed, entry *gofeed.Item) Item {
	content := entry.Description
	if strings.TrimSpace(content) == "" {
		content = entry.Content
	}

	var published *time.Time
	switch {
	case entry.PublishedParsed != nil:
		published = entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		published = entry.UpdatedParsed
	}

	meta := map[string]any{
		"feed_title": feed.Title,
	}
	if author := entryAuthor(entry); author != "" {
		meta["author"] = author
	}
	if len(entry.Categories) > 0 {
		meta["tags"] = append([]string(nil), entry.Categories...)
	}
	if entry.GUID != "" {
		meta["guid"] = entry.GUID
	}

	return Item{
		SourceName: s.name,
		Title:      entry.Title,
		Content:    content,
		URL:        entry.Link,
		Published:  published,
		Metadata:   meta,
	}
}

func entryAuthor(entry *gofeed.Item) string {
	for _, p := range entry.Authors {
		if p != nil && p.Name != "" {
			return p.Name
		}
	}
	if entry.Author != nil {
		return entry.Author.Name
	}
	return ""
}

func validateURL(name, raw string) error {
	if name == "" {
		return &ConfigError{Source: "(unnamed)", Reason: "name is required"}
	}
	if raw == "" {
		return &ConfigError{Source: name, Reason: "url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Source: name, Reason: fmt.Sprintf("invalid url %q", raw)}
	}
	return nil
}
