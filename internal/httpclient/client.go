// Package httpclient provides the rate-limited, retrying HTTP client used
// for all calls to the upstream registry API.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default overall per-request timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "bizmirror/1.0"

	defaultMaxRetries        = 3
	defaultRateLimitRetries  = 5
	defaultBackoffBase       = 500 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	maxBackoffInterval       = 30 * time.Second
)

// Response is a terminal upstream response. 404 is included here: absence
// is an answer, not an error.
type Response struct {
	StatusCode int
	Body       []byte
}

// NotFound reports whether the response was a 404.
func (r *Response) NotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// Client is the interface for rate-limited upstream HTTP operations
type Client interface {
	// Get performs an HTTP GET and returns a terminal response
	// (200/201/204/404) or a typed error (TimeoutError, RateLimitedError,
	// APIError) after exhausting retries.
	Get(ctx context.Context, url string) (*Response, error)
}

// RetryingClient is the default Client implementation. A single instance is
// shared process-wide so the rate limiter actually bounds total outbound load.
type RetryingClient struct {
	client            *http.Client
	limiter           *rate.Limiter
	maxRetries        int
	rateLimitRetries  int
	backoffBase       time.Duration
	backoffMultiplier float64
}

// ClientOption configures a RetryingClient
type ClientOption func(*RetryingClient)

// WithRateLimiter gates every outbound call through the given token-bucket
// limiter. The limiter should be shared by everything talking upstream.
func WithRateLimiter(limiter *rate.Limiter) ClientOption {
	return func(c *RetryingClient) {
		c.limiter = limiter
	}
}

// WithHTTPClient replaces the underlying HTTP client (used in tests)
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *RetryingClient) {
		c.client = client
	}
}

// WithMaxRetries sets the attempt ceiling for timeouts and generic failures
func WithMaxRetries(n int) ClientOption {
	return func(c *RetryingClient) {
		c.maxRetries = n
	}
}

// WithRateLimitRetries sets the attempt ceiling for 429 responses
func WithRateLimitRetries(n int) ClientOption {
	return func(c *RetryingClient) {
		c.rateLimitRetries = n
	}
}

// WithBackoff sets the base delay and the exponential multiplier used for
// 429 backoff. Timeout and generic-failure retries use linear backoff on
// the same base delay.
func WithBackoff(base time.Duration, multiplier float64) ClientOption {
	return func(c *RetryingClient) {
		c.backoffBase = base
		c.backoffMultiplier = multiplier
	}
}

// NewRetryingClient creates a new rate-limited retrying client with the
// specified overall request timeout. If timeout is 0, DefaultTimeout is used.
func NewRetryingClient(timeout time.Duration, opts ...ClientOption) *RetryingClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	c := &RetryingClient{
		client: &http.Client{
			Timeout: timeout,
		},
		maxRetries:        defaultMaxRetries,
		rateLimitRetries:  defaultRateLimitRetries,
		backoffBase:       defaultBackoffBase,
		backoffMultiplier: defaultBackoffMultiplier,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs an HTTP GET with rate limiting and retry handling.
func (c *RetryingClient) Get(ctx context.Context, url string) (*Response, error) {
	// Exponential schedule for 429s only; timeouts and generic failures
	// back off linearly on backoffBase.
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoffBase
	expo.Multiplier = c.backoffMultiplier
	expo.RandomizationFactor = 0
	expo.MaxInterval = maxBackoffInterval
	expo.Reset()

	attempts := 0
	rateAttempts := 0

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.do(ctx, url)
		var delay time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()

		case err != nil && isTimeout(err):
			attempts++
			if attempts >= c.maxRetries {
				return nil, &TimeoutError{URL: url, Attempts: attempts}
			}
			delay = c.backoffBase * time.Duration(attempts)

		case err != nil:
			// Transport-level failure without a response; retried like a
			// generic failure.
			attempts++
			if attempts >= c.maxRetries {
				return nil, &APIError{URL: url, Status: err.Error()}
			}
			delay = c.backoffBase * time.Duration(attempts)

		case isTerminal(resp.StatusCode):
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			rateAttempts++
			if rateAttempts > c.rateLimitRetries {
				return nil, &RateLimitedError{URL: url, Attempts: rateAttempts}
			}
			delay = expo.NextBackOff()

		default:
			attempts++
			if attempts >= c.maxRetries {
				return nil, &APIError{
					URL:        url,
					StatusCode: resp.StatusCode,
					Status:     http.StatusText(resp.StatusCode),
				}
			}
			delay = c.backoffBase * time.Duration(attempts)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// isTerminal reports whether a status code ends the retry loop successfully.
func isTerminal(statusCode int) bool {
	switch statusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusNotFound:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// do performs a single request attempt.
func (c *RetryingClient) do(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	// +1 to detect if the limit was exceeded
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
