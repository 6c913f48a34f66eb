package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	userAgent       = "Mozilla/5.0 (compatible; iocwatch/1.0)"
	maxRetries      = 3
	maxBackoff      = 10 * time.Second
	maxResponseBody = 16 << 20
)

// httpFetcher issues GET requests with bounded retry on transport errors,
// 429 and 5xx responses.
type httpFetcher struct {
	client  *http.Client
	logger  *zap.SugaredLogger
	backoff func(attempt int) time.Duration
}

func newHTTPFetcher(client *http.Client, logger *zap.SugaredLogger) *httpFetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		}
	}
	return &httpFetcher{client: client, logger: logger, backoff: exponentialBackoff}
}

func exponentialBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<attempt) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// get returns the body of a 2xx response.
func (f *httpFetcher) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
		} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("transient error: status %d", resp.StatusCode)
		} else {
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			if err != nil {
				return nil, fmt.Errorf("failed to read response body: %w", err)
			}
			return body, nil
		}

		if attempt == maxRetries-1 || ctx.Err() != nil {
			break
		}
		wait := f.backoff(attempt)
		f.logger.Debugf("request to %s failed, retrying in %v: %v", url, wait, lastErr)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("request cancelled while retrying: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, lastErr)
}
