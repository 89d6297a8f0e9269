package exchange

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradebot-platform/internal/logging"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 5 * time.Second

	defaultHTTPTimeout = 10 * time.Second
)

// transport is the shared HTTP core used by every adapter: one rate limiter
// and retry loop, with signing left to the caller via buildReq. buildReq is
// invoked fresh on every attempt so timestamps and nonces stay current.
type transport struct {
	exchange   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

func newTransport(exchange string, requestsPerSecond float64) *transport {
	return &transport{
		exchange:   exchange,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		logger:     logging.Default().WithComponent("exchange." + exchange),
	}
}

// calculateRetryDelay returns an exponential backoff with jitter.
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

// isRetryableStatus covers rate limits and transient server errors.
func isRetryableStatus(status int, body string) bool {
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return true
	case status >= 500:
		return true
	case strings.Contains(body, "too many requests"),
		strings.Contains(body, "Too Many Requests"),
		strings.Contains(body, "internal error"):
		return true
	}
	return false
}

// do executes a request with rate limiting and jittered retry. The request
// builder runs once per attempt. parseErr converts a non-2xx body into the
// venue's typed error; a nil parseErr falls back to a generic ExchangeError.
func (t *transport) do(ctx context.Context, buildReq func() (*http.Request, error), parseErr func(status int, body []byte) error) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := buildReq()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		resp, err := t.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				t.logger.Warn("request failed, retrying",
					"path", req.URL.Path, "attempt", attempt+1, "delay", delay.String(), err)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		if parseErr != nil {
			lastErr = parseErr(resp.StatusCode, body)
		} else {
			lastErr = &ExchangeError{
				Exchange:  t.exchange,
				Code:      fmt.Sprintf("%d", resp.StatusCode),
				Message:   string(body),
				Retriable: isRetryableStatus(resp.StatusCode, string(body)),
			}
		}

		if IsRetriable(lastErr) && attempt < maxRetries {
			delay := calculateRetryDelay(attempt)
			t.logger.Warn("api error, retrying",
				"path", req.URL.Path, "status", resp.StatusCode, "attempt", attempt+1, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		return nil, lastErr
	}

	return nil, lastErr
}
