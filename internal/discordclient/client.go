// Package discordclient is a minimal REST client for the subset of the
// Discord API clipvault needs: fetching channels, paging message history,
// fetching members, and leaving guilds on purge. It is built directly on
// net/http rather than a wrapper library so the error contract can
// distinguish Forbidden/NotFound/HTTPException precisely (see errors.go).
package discordclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const defaultMaxRetries = 3

// Client is a rate-limit-aware REST client for the Discord API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	botToken   string
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New constructs a Client. baseURL is typically
// "https://discord.com/api/v10".
func New(baseURL, botToken, userAgent string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		botToken:   botToken,
		userAgent:  userAgent,
		maxRetries: defaultMaxRetries,
		baseDelay:  time.Second,
		maxDelay:   10 * time.Second,
	}
}

// do executes one request, retrying on 429 (honoring Retry-After) and 5xx
// with exponential backoff plus jitter. Forbidden and NotFound are never
// retried.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", path, err)
		}
		req.Header.Set("Authorization", "Bot "+c.botToken)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("requesting %s: %w", path, err)
			if attempt == c.maxRetries {
				return lastErr
			}
			time.Sleep(c.backoff(attempt, nil))
			continue
		}

		respErr := c.classify(resp)
		if respErr == nil {
			defer resp.Body.Close()
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return fmt.Errorf("decoding response from %s: %w", path, err)
				}
			}
			return nil
		}
		resp.Body.Close()

		httpErr, retryable := respErr.(*HTTPException)
		if !retryable || !httpErr.Retryable() || attempt == c.maxRetries {
			return respErr
		}

		var retryAfter *float64
		if httpErr.RetryAfter != nil {
			retryAfter = httpErr.RetryAfter
		}
		time.Sleep(c.backoff(attempt, retryAfter))
		lastErr = respErr
	}

	return lastErr
}

func (c *Client) classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	text, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusForbidden:
		return &Forbidden{Text: string(text)}
	case http.StatusNotFound:
		return &NotFound{Text: string(text)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var retryAfter *float64
	if v := resp.Header.Get("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = &f
		}
	}

	return &HTTPException{
		Status:     resp.StatusCode,
		Headers:    headers,
		Text:       string(text),
		RetryAfter: retryAfter,
	}
}

// backoff computes the sleep duration for a retry attempt. When
// retryAfter is set (honoring the platform's own Retry-After header), it
// takes precedence with a small safety buffer; otherwise it falls back to
// base*2^attempt with 0-50% jitter.
func (c *Client) backoff(attempt int, retryAfter *float64) time.Duration {
	if retryAfter != nil {
		return time.Duration(*retryAfter*float64(time.Second)) + 500*time.Millisecond
	}

	delay := c.baseDelay * time.Duration(1<<uint(attempt))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// PageWait returns the inter-page pacing interval to wait after fetching a
// history page of pageSize messages: (pageSize/100) × 0.5s.
func PageWait(pageSize int) time.Duration {
	return time.Duration(float64(pageSize)/100*0.5*1000) * time.Millisecond
}
