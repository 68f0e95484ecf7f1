package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/forecast-backend/pkg/utils"
)

// retryBase is the first backoff delay after a transient failure.
const retryBase = 500 * time.Millisecond

// retryMax caps the exponential backoff.
const retryMax = 8 * time.Second

// httpClient wraps an exchange REST endpoint with the shared discipline:
// token-bucket rate limiting under the documented public cap, a circuit
// breaker tripping on consecutive failures, and capped exponential backoff
// retries on 429 and 5xx responses.
type httpClient struct {
	name       string
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	logger     *zap.Logger
}

func newHTTPClient(name string, timeout time.Duration, rps float64, burst, maxRetries int, logger *zap.Logger) *httpClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &httpClient{
		name:       name,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries: maxRetries,
		logger:     logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// getJSON performs a rate-limited GET and returns the response body.
// Transient statuses are retried with backoff; terminal failures come back
// as plain errors for the caller to wrap in a FetchError.
func (c *httpClient) getJSON(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := utils.BackoffDelay(attempt-1, retryBase, retryMax)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := c.doOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn("transient fetch failure, retrying",
			zap.String("source", c.name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr)
}

func (c *httpClient) doOnce(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &httpStatusError{status: resp.StatusCode, body: string(data[:min(len(data), 256)])}
		}
		return data, nil
	})
	if err != nil {
		var se *httpStatusError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, true, err
		case errors.As(err, &se):
			return nil, se.status == http.StatusTooManyRequests || se.status >= 500, err
		case ctx.Err() != nil:
			return nil, false, ctx.Err()
		default:
			// Network-level errors are worth one more try.
			return nil, true, err
		}
	}
	return result.([]byte), false, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

