package bankapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

type retrier struct {
	retryPolicy RetryPolicy
	backoff     BackoffStrategy
}

// retry re-issues the request according to the configured policy. Delays
// between attempts respect context cancellation so a caller-imposed deadline
// bounds the whole retry sequence, not just individual attempts.
func (r retrier) retry(ctx context.Context, request *http.Request, fn func(request *http.Request) (*http.Response, error)) (*http.Response, error) {
	var originalBody []byte
	var err error

	maxRetries := r.retryPolicy.NumberOfRetries()
	retriesCount := 0

	// the body is consumed on each attempt, keep a copy to replay
	if request != nil && request.Body != nil && request.Body != http.NoBody {
		originalBody, err = copyBody(request.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to copy request body: %w", err)
		}
		resetBody(request, originalBody)
	}

	res, err := fn(request)

	for {
		if !r.retryPolicy.ShouldRetry(err, res) {
			break
		}
		if retriesCount == maxRetries {
			return res, err
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(r.backoff.Delay(retriesCount)):
		}
		resetBody(request, originalBody)
		res, err = fn(request)
		retriesCount++
	}
	return res, err
}

// RetryPolicy decides which errors and responses are worth retrying.
type RetryPolicy interface {
	// ShouldRetry based on error and http.Response decides if request should be retried
	ShouldRetry(err error, response *http.Response) bool
	// NumberOfRetries return how many times request should be retried
	NumberOfRetries() int
}

// BackoffStrategy defines delays between consecutive retries.
type BackoffStrategy interface {
	// Delay returns the pause before the next retry, possibly dependent on
	// the current retryCount
	Delay(retryCount int) time.Duration
}

// DefaultRetryPolicy retries transport-level failures (*url.Error) and
// server-side status codes (5xx). Client errors, auth failures included, are
// never retried here - the token refresh path handles those.
type DefaultRetryPolicy struct {
	maxRetries int
}

// NoBackoffStrategy is marker of no delay (no backoff) between retries
type NoBackoffStrategy struct{}

func (n NoBackoffStrategy) Delay(_ int) time.Duration {
	return 0
}

// LinearBackoffStrategy pauses a constant time between retries.
type LinearBackoffStrategy struct {
	delayTime time.Duration
}

func (l LinearBackoffStrategy) Delay(_ int) time.Duration {
	return l.delayTime
}

func (p DefaultRetryPolicy) NumberOfRetries() int {
	return p.maxRetries
}

// ExponentialBackoffStrategy grows the delay exponentially between retries.
type ExponentialBackoffStrategy struct {
	initialDelay time.Duration
	multiplier   int
}

func (e ExponentialBackoffStrategy) Delay(retryCount int) time.Duration {
	multiplier := math.Pow(float64(e.multiplier), float64(retryCount))
	return e.initialDelay * time.Duration(multiplier)
}

func (p DefaultRetryPolicy) ShouldRetry(err error, response *http.Response) bool {
	if response == nil && err == nil {
		return false
	}

	errFromHTTPClient := false
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			errFromHTTPClient = true
		}
	}

	serverSideStatusCode := false
	if response != nil && response.StatusCode >= 500 {
		serverSideStatusCode = true
	}

	return errFromHTTPClient || serverSideStatusCode
}

func resetBody(request *http.Request, originalBody []byte) {
	if originalBody == nil {
		return
	}
	request.Body = io.NopCloser(bytes.NewBuffer(originalBody))
}

func copyBody(src io.ReadCloser) ([]byte, error) {
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	err = src.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to close request body: %w", err)
	}
	return body, nil
}
