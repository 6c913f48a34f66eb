package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultItemPath is where APISource looks for the items array.
const DefaultItemPath = "items"

// APIConfig configures a JSON document API.
type APIConfig struct {
	Name     string            `mapstructure:"name"`
	URL      string            `mapstructure:"url"`
	Enabled  bool              `mapstructure:"enabled"`
	APIKey   string            `mapstructure:"api_key"`
	Headers  map[string]string `mapstructure:"headers"`
	ItemPath string            `mapstructure:"item_path"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}

// APISource fetches a JSON document and maps its entries to items.
type APISource struct {
	*base
	url      string
	itemPath string
	headers  map[string]string
	http     *httpFetcher
}

// NewAPISource validates cfg and builds the adapter. client may be nil.
func NewAPISource(cfg APIConfig, client *http.Client, logger *zap.SugaredLogger) (*APISource, error) {
	if err := validateURL(cfg.Name, cfg.URL); err != nil {
		return nil, err
	}
	if cfg.ItemPath == "" {
		cfg.ItemPath = DefaultItemPath
	}

	headers := map[string]string{"Accept": "application/json"}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.APIKey != "" {
		headers["X-API-Key"] = cfg.APIKey
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	b := newBase(cfg.Name, KindAPI, cfg.Enabled, cfg.Timeout, logger)
	return &APISource{
		base:     b,
		url:      cfg.URL,
		itemPath: cfg.ItemPath,
		headers:  headers,
		http:     newHTTPFetcher(client, b.logger),
	}, nil
}

// Fetch downloads the document and converts every entry under the item path.
func (s *APISource) Fetch(ctx context.Context) ([]Item, error) {
	body, err := s.http.get(ctx, s.url, s.headers)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch API: %w", err)
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode API response: %w", err)
	}

	entries, ok := lookupPath(data, s.itemPath).([]any)
	if !ok {
		s.logger.Warnf("item path %q did not resolve to a list, using whole response", s.itemPath)
		entries = []any{data}
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, s.convert(entry))
	}
	return items, nil
}

// FetchWithErrorHandling never fails; see Source.
func (s *APISource) FetchWithErrorHandling(ctx context.Context) []Item {
	return s.guard(ctx, s.Fetch)
}

func (s *APISource) convert(entry any) Item {
	obj, ok := entry.(map[string]any)
	if !ok {
		return Item{SourceName: s.name, Content: stringify(entry)}
	}

	item := Item{
		SourceName: s.name,
		Title:      firstString(obj, "title", "name"),
		Content:    firstString(obj, "description", "content"),
		URL:        firstString(obj, "url", "link"),
		Published:  parseTimestamp(firstValue(obj, "published", "created_at")),
		Metadata:   obj,
	}
	// Entries like URLhaus records carry their indicators in structured
	// fields only.
	if item.Content == "" {
		item.Content = stringify(obj)
	}
	return item
}

// lookupPath walks a dot-separated path through nested objects. A missing
// key yields nil; a non-object along the way is returned as is.
func lookupPath(data any, path string) any {
	value := data
	for _, key := range strings.Split(path, ".") {
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		value = obj[key]
	}
	return value
}

func firstValue(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	v := firstValue(obj, keys...)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts ISO-8601 style strings and unix epochs in seconds
// or milliseconds. Anything else yields nil.
func parseTimestamp(v any) *time.Time {
	var epoch float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		epoch = t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				ts = ts.UTC()
				return &ts
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		epoch = f
	default:
		return nil
	}

	if epoch <= 0 || math.IsInf(epoch, 0) || math.IsNaN(epoch) {
		return nil
	}
	var ts time.Time
	if epoch > 1e12 {
		ts = time.UnixMilli(int64(epoch)).UTC()
	} else {
		sec, frac := math.Modf(epoch)
		ts = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return &ts
}
