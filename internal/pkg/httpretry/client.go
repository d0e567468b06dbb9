// Package httpretry provides an HTTP client that retries transient failures
// with exponential backoff. The backoff curve is exported so the outreach
// retry policy schedules step retries on the same curve.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// HTTPDoer executes HTTP requests. *http.Client and *RetryClient satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer and retries 429/5xx responses and network
// errors.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option customizes a RetryClient.
type Option func(*RetryClient)

// WithDelays overrides the base and maximum backoff delays.
func WithDelays(base, max time.Duration) Option {
	return func(rc *RetryClient) {
		if base > 0 {
			rc.baseDelay = base
		}
		if max > 0 {
			rc.maxDelay = max
		}
	}
}

// NewRetryClient wraps client (a 30s http.Client when nil). maxRetries
// counts attempts after the first and defaults to 3.
func NewRetryClient(client HTTPDoer, maxRetries int, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	rc := &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Do sends req, retrying until a non-retryable response arrives, the
// retries run out or the request context ends. The last retryable response
// is returned as-is so callers can read its status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error
	var wait time.Duration

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}
			logger.Debug("retrying request",
				"method", req.Method, "host", req.URL.Host, "path", req.URL.Path,
				"attempt", attempt, "wait", wait.String())

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, firstErr(lastErr, ctx.Err())
			}
		}
		if ctx.Err() != nil {
			return nil, firstErr(lastErr, ctx.Err())
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			wait = Backoff(rc.baseDelay, rc.maxDelay, attempt+1, true)
			continue
		}
		if !isRetryableStatus(resp.StatusCode) || attempt == rc.maxRetries {
			return resp, nil
		}

		wait = Backoff(rc.baseDelay, rc.maxDelay, attempt+1, true)
		if after, ok := retryAfter(resp.Header.Get("Retry-After"), rc.maxDelay); ok {
			wait = after
		}
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}
	return nil, lastErr
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Backoff returns min(maxDelay, baseDelay * 2^(attempt-1)) for attempt >= 1.
// With jitter the result is drawn uniformly from (0, cap]. It is never
// below 100ms.
func Backoff(baseDelay, maxDelay time.Duration, attempt int, jitter bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	capped := float64(baseDelay) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && capped > float64(maxDelay) {
		capped = float64(maxDelay)
	}

	delay := time.Duration(capped)
	if jitter {
		delay = time.Duration(rand.Float64() * capped)
	}
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	return delay
}

// retryAfter parses a Retry-After header given in seconds, capped at max.
func retryAfter(v string, max time.Duration) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	d := time.Duration(secs) * time.Second
	if max > 0 && d > max {
		d = max
	}
	return d, true
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
