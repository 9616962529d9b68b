// Package upstream fetches JSON documents from third-party HTTP APIs on
// behalf of connection handlers. Transient faults are retried with
// exponential backoff; anything else is surfaced to the caller so the
// handler can decide what the failure means for its session.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jpillora/backoff"
)

// StatusError reports a non-2xx response from an upstream API.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// Client is a retrying JSON fetcher. The zero value is not usable; use
// NewClient.
type Client struct {
	http    *http.Client
	retries int

	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// NewClient creates a Client whose individual requests time out after
// timeout and which retries transient failures up to retries times.
func NewClient(timeout time.Duration, retries int) *Client {
	return &Client{
		http:         &http.Client{Timeout: timeout},
		retries:      retries,
		retryWaitMin: 100 * time.Millisecond,
		retryWaitMax: 2 * time.Second,
	}
}

// FetchJSON GETs rawURL and decodes the response body into v. Server-side
// (5xx) and transport failures are retried with backoff; 4xx responses and
// malformed bodies are returned immediately.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, v interface{}) error {
	b := &backoff.Backoff{
		Min:    c.retryWaitMin,
		Max:    c.retryWaitMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		lastErr = c.fetchOnce(ctx, rawURL, v)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// Drain a little so the connection can be reused.
		io.CopyN(io.Discard, resp.Body, 4096)
		return &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// retryable reports whether err is worth another attempt: transport-level
// failures and 5xx responses are, everything else is not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}

	var ue *url.Error
	return errors.As(err, &ue)
}
