// Package httpretry wraps an HTTP client with exponential backoff and
// jitter for calls to delivery providers.
package httpretry

import (
	"io"
	"math/rand"
	"net/http"
	"time"
)

// Doer executes HTTP requests. Both *http.Client and *Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries transient failures: network errors and 429/5xx
// responses. Client errors (4xx other than 429) pass through untouched,
// and the final attempt's response is returned as-is so callers can read
// the provider's error body.
type Client struct {
	doer    Doer
	retries int
	base    time.Duration
	cap     time.Duration
}

// New wraps doer with up to retries extra attempts. Base is the first
// backoff step, doubled per attempt with full jitter.
func New(doer Doer, retries int, base time.Duration) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if retries < 0 {
		retries = 0
	}
	if base <= 0 {
		base = time.Second
	}
	return &Client{doer: doer, retries: retries, base: base, cap: 30 * time.Second}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Do executes the request, replaying the body via GetBody on each retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				req.Body = body
			}
			timer := time.NewTimer(c.backoff(attempt))
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				return nil, req.Context().Err()
			}
		}

		resp, err := c.doer.Do(req)
		if err != nil {
			if req.Context().Err() != nil || attempt == c.retries {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !retryableStatus(resp.StatusCode) || attempt == c.retries {
			return resp, nil
		}

		// drain so the connection can be reused
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	step := c.base << (attempt - 1)
	if step > c.cap {
		step = c.cap
	}
	jittered := time.Duration(rand.Float64() * float64(step))
	if jittered < 10*time.Millisecond {
		jittered = 10 * time.Millisecond
	}
	return jittered
}
