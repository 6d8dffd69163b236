package httpclient

import "fmt"

// TimeoutError indicates the request timed out on every attempt.
type TimeoutError struct {
	URL      string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %d attempts", e.URL, e.Attempts)
}

// RateLimitedError indicates the upstream kept responding 429 past the retry ceiling.
type RateLimitedError struct {
	URL      string
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("request to %s rate limited after %d attempts", e.URL, e.Attempts)
}

// APIError indicates a non-retryable upstream failure. StatusCode is zero
// for transport-level failures without a response.
type APIError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request to %s failed: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("request to %s failed with status %d (%s)", e.URL, e.StatusCode, e.Status)
}
