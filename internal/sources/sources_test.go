package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Test Advisories</title>
  <link>https://advisories.test/</link>
  <description>test</description>
  <item>
    <title>Campaign uses evil-update.net</title>
    <link>https://advisories.test/1</link>
    <description>Payload beacons to 45.67.89.10 over TLS.</description>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    <category>malware</category>
    <guid>adv-1</guid>
  </item>
  <item>
    <title>Second advisory</title>
    <link>https://advisories.test/2</link>
    <description>Patch CVE-2024-1234 now.</description>
  </item>
  <item>
    <title>Third advisory</title>
    <link>https://advisories.test/3</link>
    <description>Nothing to see.</description>
  </item>
</channel>
</rss>`

func instantRetries(f *httpFetcher) {
	f.backoff = func(int) time.Duration { return 0 }
}

func TestFeedSourceParsesRSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	src, err := NewFeedSource(FeedConfig{Name: "test-feed", URL: srv.URL, Enabled: true, MaxItems: 2}, srv.Client(), nil)
	require.NoError(t, err)

	items, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "test-feed", first.SourceName)
	assert.Equal(t, "Campaign uses evil-update.net", first.Title)
	assert.Contains(t, first.Content, "45.67.89.10")
	assert.Equal(t, "https://advisories.test/1", first.URL)
	require.NotNil(t, first.Published)
	assert.Equal(t, 2006, first.Published.Year())
	assert.Equal(t, "Test Advisories", first.Metadata["feed_title"])
	assert.Equal(t, []string{"malware"}, first.Metadata["tags"])
	assert.Equal(t, "adv-1", first.Metadata["guid"])
	assert.Contains(t, first.Text(), "evil-update.net")

	assert.Nil(t, items[1].Published)
}

func TestFeedSourceMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not a feed"))
	}))
	defer srv.Close()

	src, err := NewFeedSource(FeedConfig{Name: "broken", URL: srv.URL, Enabled: true}, srv.Client(), nil)
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	assert.Error(t, err)

	items := src.FetchWithErrorHandling(context.Background())
	assert.NotNil(t, items)
	assert.Empty(t, items)

	stats := src.Stats()
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.NotEmpty(t, stats.LastError)
	assert.Equal(t, int64(0), stats.FetchCount)
}

func TestAPISourceItemPathAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		resp := map[string]any{
			"data": map[string]any{
				"results": []any{
					map[string]any{
						"name":        "Pulse one",
						"description": "Indicators include bad-actor.xyz",
						"link":        "https://otx.test/p/1",
						"created_at":  "2024-03-01T10:00:00Z",
					},
					map[string]any{
						"url":       "http://203.0.113.5/payload.exe",
						"threat":    "malware_download",
						"published": 1709287200000.0,
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	src, err := NewAPISource(APIConfig{
		Name:     "test-api",
		URL:      srv.URL,
		Enabled:  true,
		APIKey:   "secret",
		ItemPath: "data.results",
		Headers:  map[string]string{"X-Custom": "yes"},
	}, srv.Client(), nil)
	require.NoError(t, err)

	items, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Pulse one", items[0].Title)
	assert.Equal(t, "Indicators include bad-actor.xyz", items[0].Content)
	assert.Equal(t, "https://otx.test/p/1", items[0].URL)
	require.NotNil(t, items[0].Published)
	assert.True(t, items[0].Published.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	// No description: the structured record itself is scanned.
	assert.Contains(t, items[1].Content, "malware_download")
	assert.Equal(t, "http://203.0.113.5/payload.exe", items[1].URL)
	require.NotNil(t, items[1].Published)
	assert.Equal(t, int64(1709287200000), items[1].Published.UnixMilli())
}

func TestAPISourceFallsBackToWholeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"title":"single","content":"see 198.51.100.7"}`))
	}))
	defer srv.Close()

	src, err := NewAPISource(APIConfig{Name: "single", URL: srv.URL, Enabled: true}, srv.Client(), nil)
	require.NoError(t, err)

	items, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "single", items[0].Title)
	assert.Equal(t, "see 198.51.100.7", items[0].Content)
}

func TestHTTPRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"title":"ok"}]}`))
	}))
	defer srv.Close()

	src, err := NewAPISource(APIConfig{Name: "flaky", URL: srv.URL, Enabled: true}, srv.Client(), nil)
	require.NoError(t, err)
	instantRetries(src.http)

	items, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src, err := NewAPISource(APIConfig{Name: "denied", URL: srv.URL, Enabled: true}, srv.Client(), nil)
	require.NoError(t, err)
	instantRetries(src.http)

	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src, err := NewFeedSource(FeedConfig{Name: "limited", URL: srv.URL, Enabled: true}, srv.Client(), nil)
	require.NoError(t, err)
	instantRetries(src.http)

	assert.Empty(t, src.FetchWithErrorHandling(context.Background()))
	assert.Equal(t, int32(maxRetries), calls.Load())
}

func TestFetchWithErrorHandlingTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	src, err := NewFeedSource(FeedConfig{
		Name:    "slow",
		URL:     srv.URL,
		Enabled: true,
		Timeout: 50 * time.Millisecond,
	}, srv.Client(), nil)
	require.NoError(t, err)

	start := time.Now()
	items := src.FetchWithErrorHandling(context.Background())
	assert.Empty(t, items)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), src.Stats().ErrorCount)
}

func TestGuardRecoversPanics(t *testing.T) {
	b := newBase("panicky", KindAPI, true, time.Second, nil)
	items := b.guard(context.Background(), func(context.Context) ([]Item, error) {
		panic("boom")
	})
	assert.NotNil(t, items)
	assert.Empty(t, items)
	assert.Contains(t, b.Stats().LastError, "boom")
}

func TestGuardAbandonsFetchIgnoringContext(t *testing.T) {
	b := newBase("stuck", KindAPI, true, 50*time.Millisecond, nil)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	items := b.guard(context.Background(), func(context.Context) ([]Item, error) {
		<-release
		return []Item{{Title: "late"}}, nil
	})
	assert.NotNil(t, items)
	assert.Empty(t, items)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), b.Stats().ErrorCount)
	assert.Contains(t, b.Stats().LastError, "abandoned")
}

func TestDisabledSourceReturnsEmpty(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	src, err := NewFeedSource(FeedConfig{Name: "off", URL: srv.URL, Enabled: false}, srv.Client(), nil)
	require.NoError(t, err)

	items := src.FetchWithErrorHandling(context.Background())
	assert.NotNil(t, items)
	assert.Empty(t, items)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, src.Stats().Enabled)
}

func TestConstructorsRejectBadConfig(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"feed without url", func() error { _, err := NewFeedSource(FeedConfig{Name: "x"}, nil, nil); return err }()},
		{"feed with ftp url", func() error {
			_, err := NewFeedSource(FeedConfig{Name: "x", URL: "ftp://host/feed"}, nil, nil)
			return err
		}()},
		{"api without name", func() error {
			_, err := NewAPISource(APIConfig{URL: "https://api.test/"}, nil, nil)
			return err
		}()},
		{"folder without dir", func() error { _, err := NewFolderSource(FolderConfig{Name: "f"}, nil); return err }()},
		{"folder missing dir", func() error {
			_, err := NewFolderSource(FolderConfig{Name: "f", Dir: filepath.Join(t.TempDir(), "missing")}, nil)
			return err
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfgErr *ConfigError
			require.Error(t, tt.err)
			assert.True(t, errors.As(tt.err, &cfgErr), "want *ConfigError, got %T", tt.err)
		})
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IOCWATCH_TEST_KEY", "k-123")

	cfg := Config{
		Builtin: map[string]bool{"threatpost": false},
		Feeds: []FeedConfig{
			{Name: "custom-feed", URL: "https://feeds.test/rss", Enabled: true},
			{Name: "bad-feed", URL: "not a url", Enabled: true},
		},
		APIs: []CustomAPIConfig{
			{APIConfig: APIConfig{Name: "keyed", URL: "https://api.test/v1", Enabled: true}, APIKeyEnv: "IOCWATCH_TEST_KEY"},
			{APIConfig: APIConfig{Name: "unkeyed", URL: "https://api.test/v2", Enabled: true}, APIKeyEnv: "IOCWATCH_TEST_MISSING"},
		},
		Folders: []FolderConfig{{Name: "reports", Dir: dir, Enabled: true}},
	}

	srcs, errs := FromConfig(cfg, nil, nil)
	require.Len(t, errs, 2)
	for _, err := range errs {
		var cfgErr *ConfigError
		assert.True(t, errors.As(err, &cfgErr))
	}

	byName := make(map[string]Source, len(srcs))
	for _, s := range srcs {
		byName[s.Name()] = s
	}

	// alienvault-otx needs a key and is left out.
	assert.NotContains(t, byName, "alienvault-otx")
	assert.Contains(t, byName, "urlhaus-recent")
	require.Contains(t, byName, "threatpost")
	assert.False(t, byName["threatpost"].Enabled())
	assert.True(t, byName["sans-isc"].Enabled())
	assert.Contains(t, byName, "custom-feed")
	assert.Contains(t, byName, "reports")
	require.Contains(t, byName, "keyed")
	assert.Equal(t, "k-123", byName["keyed"].(*APISource).headers["X-API-Key"])
	assert.NotContains(t, byName, "unkeyed")
	assert.NotContains(t, byName, "bad-feed")
}

func TestFromConfigWithOTXKey(t *testing.T) {
	srcs, errs := FromConfig(Config{OTXAPIKey: "otx"}, nil, nil)
	assert.Empty(t, errs)
	assert.Len(t, srcs, len(BuiltinNames()))
}

func TestFolderSourceFetchesNewAndChangedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-report.txt"), []byte("beacon to 192.0.2.44"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-report.md"), []byte("# evil.example.ru"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89, 0x50}, 0o644))

	src, err := NewFolderSource(FolderConfig{Name: "reports", Dir: dir, Enabled: true}, nil)
	require.NoError(t, err)

	items, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a-report.md", items[0].Title)
	assert.Equal(t, "b-report.txt", items[1].Title)
	assert.Equal(t, "beacon to 192.0.2.44", items[1].Content)
	assert.Equal(t, "file://"+filepath.Join(dir, "b-report.txt"), items[1].URL)

	items, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-report.txt"), []byte("beacon to 192.0.2.44 and 192.0.2.45"), 0o644))
	items, err = src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b-report.txt", items[0].Title)
}

func writeReports(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("report "+n+" mentions evil-"+n[:1]+".example.ru"), 0o644))
	}
}

func TestFolderSourceCancelledFetchMarksNothingSeen(t *testing.T) {
	dir := t.TempDir()
	writeReports(t, dir, "a.txt", "b.txt", "c.txt")

	src, err := NewFolderSource(FolderConfig{Name: "drop", Dir: dir, Enabled: true}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var interrupted atomic.Bool
	src.read = func(ctx context.Context, path string) (string, error) {
		if filepath.Base(path) == "b.txt" && interrupted.CompareAndSwap(false, true) {
			cancel()
			return "", ctx.Err()
		}
		return readReport(ctx, path)
	}

	items, err := src.Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, items)

	items, err = src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a.txt", items[0].Title)
}

func TestFolderSourceAbandonsHungRead(t *testing.T) {
	dir := t.TempDir()
	writeReports(t, dir, "a.txt", "b.txt")

	src, err := NewFolderSource(FolderConfig{Name: "nfs", Dir: dir, Enabled: true}, nil)
	require.NoError(t, err)
	src.timeout = 50 * time.Millisecond

	release := make(chan struct{})
	defer close(release)
	var hung atomic.Bool
	src.read = func(ctx context.Context, path string) (string, error) {
		if filepath.Base(path) == "b.txt" && hung.CompareAndSwap(false, true) {
			<-release
		}
		return readReport(ctx, path)
	}

	start := time.Now()
	items := src.FetchWithErrorHandling(context.Background())
	assert.Empty(t, items)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), src.Stats().ErrorCount)

	items = src.FetchWithErrorHandling(context.Background())
	require.Len(t, items, 2)
	assert.Equal(t, "a.txt", items[0].Title)

	assert.Empty(t, src.FetchWithErrorHandling(context.Background()))
}

func TestFolderSourceWatchNotifies(t *testing.T) {
	dir := t.TempDir()
	src, err := NewFolderSource(FolderConfig{Name: "drop", Dir: dir, Enabled: true, Debounce: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, func() { notified <- struct{}{} })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("c2 at 192.0.2.1"), 0o644))

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not notify")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{"2024-03-01T10:00:00Z", 1709287200, true},
		{"2024-03-01", 1709251200, true},
		{1709287200.0, 1709287200, true},
		{"1709287200000", 1709287200, true},
		{"yesterday", 0, false},
		{nil, 0, false},
		{-5.0, 0, false},
	}
	for _, tt := range tests {
		got := parseTimestamp(tt.in)
		if !tt.ok {
			assert.Nil(t, got, "input %v", tt.in)
			continue
		}
		require.NotNil(t, got, "input %v", tt.in)
		assert.Equal(t, tt.want, got.Unix(), "input %v", tt.in)
	}
}
