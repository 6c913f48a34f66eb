package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/iocwatch/internal/metrics"
)

// DefaultTimeout bounds a single Fetch when the source sets none.
const DefaultTimeout = 30 * time.Second

// Kind tags the adapter implementation behind a Source.
type Kind string

const (
	KindFeed   Kind = "feed"
	KindAPI    Kind = "api"
	KindFolder Kind = "folder"
)

// Item is one fetched document. It is not modified after the adapter
// returns it.
type Item struct {
	SourceName string         `json:"source_name"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	URL        string         `json:"url,omitempty"`
	Published  *time.Time     `json:"published,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Text is what the extractor scans: the title followed by the content.
func (i Item) Text() string {
	if i.Title == "" {
		return i.Content
	}
	if i.Content == "" {
		return i.Title
	}
	return i.Title + "\n" + i.Content
}

// Stats is a snapshot of one adapter's fetch bookkeeping.
type Stats struct {
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	Enabled    bool      `json:"enabled"`
	LastFetch  time.Time `json:"last_fetch,omitempty"`
	FetchCount int64     `json:"fetch_count"`
	ErrorCount int64     `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Source is a pluggable fetcher of raw intel documents.
type Source interface {
	Name() string
	Kind() Kind
	Enabled() bool
	// Fetch retrieves the current items and reports any failure.
	Fetch(ctx context.Context) ([]Item, error)
	// FetchWithErrorHandling never fails: errors, timeouts and panics are
	// logged and counted and yield an empty list.
	FetchWithErrorHandling(ctx context.Context) []Item
	Stats() Stats
}

// FetchError wraps a failure from one adapter.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ConfigError reports an adapter that cannot be built from its configuration.
type ConfigError struct {
	Source string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("source %s: invalid configuration: %s", e.Source, e.Reason)
}

// base carries what every adapter shares: identity, timeout, stats and the
// error-isolating fetch wrapper.
type base struct {
	name    string
	kind    Kind
	enabled bool
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	stats Stats
}

func newBase(name string, kind Kind, enabled bool, timeout time.Duration, logger *zap.SugaredLogger) *base {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &base{
		name:    name,
		kind:    kind,
		enabled: enabled,
		timeout: timeout,
		logger:  logger.With("source", name),
	}
}

func (b *base) Name() string  { return b.name }
func (b *base) Kind() Kind    { return b.kind }
func (b *base) Enabled() bool { return b.enabled }

func (b *base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Name = b.name
	s.Kind = b.kind
	s.Enabled = b.enabled
	return s
}

// guard runs fetch with the per-source timeout and turns every failure mode
// into an empty result.
func (b *base) guard(ctx context.Context, fetch func(context.Context) ([]Item, error)) []Item {
	items, _ := b.run(ctx, fetch)
	return items
}

type fetchResult struct {
	items []Item
	err   error
}

// run is guard that also reports whether fetch's result was accepted. A
// fetch that ignores ctx is abandoned once the timeout passes; its goroutine
// is left to finish on its own and whatever it returns is dropped.
func (b *base) run(ctx context.Context, fetch func(context.Context) ([]Item, error)) ([]Item, bool) {
	if !b.enabled {
		return []Item{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.SourceFetchDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())
	}()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		items, err := fetch(ctx)
		done <- fetchResult{items: items, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		select {
		case res = <-done:
		default:
			res = fetchResult{err: fmt.Errorf("fetch abandoned after %s: %w", time.Since(start).Round(time.Millisecond), ctx.Err())}
		}
	}
	if res.err != nil {
		b.recordError(&FetchError{Source: b.name, Err: res.err})
		return []Item{}, false
	}
	items := res.items
	if items == nil {
		items = []Item{}
	}

	b.mu.Lock()
	b.stats.LastFetch = time.Now()
	b.stats.FetchCount++
	b.mu.Unlock()

	metrics.SourceFetches.WithLabelValues(b.name).Inc()
	metrics.SourceItems.WithLabelValues(b.name).Add(float64(len(items)))
	b.logger.Infof("fetched %d items in %s", len(items), time.Since(start).Round(time.Millisecond))
	return items, true
}

func (b *base) recordError(err error) {
	b.mu.Lock()
	b.stats.ErrorCount++
	b.stats.LastError = err.Error()
	b.mu.Unlock()

	metrics.SourceFetchErrors.WithLabelValues(b.name).Inc()
	b.logger.Warnf("fetch failed: %v", err)
}
