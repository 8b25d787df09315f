package registry

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Backoff parameters for transient registry failures (spec.md §4.2).
const (
	retryBaseDelay = 250 * time.Millisecond
	retryFactor    = 2.0
	maxAttempts    = 5
)

// doWithRetry issues request (built fresh each attempt by reqFn, since an
// *http.Request body can only be read once) and retries network errors and
// 5xx responses with full-jitter exponential backoff. 4xx responses other
// than 401 are returned immediately without retrying. A Retry-After header
// on a 5xx response, when present, overrides the computed delay for that
// attempt — exactly one delay is applied between any two attempts.
func doWithRetry(ctx context.Context, client *http.Client, reqFn func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := reqFn()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			if attempt == maxAttempts-1 {
				break
			}
			if err := sleep(ctx, backoffDelay(attempt+1, lastErr, nil)); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 500 {
			return resp, nil
		}

		// 5xx: consume and retry, honoring Retry-After if present.
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		lastErr = retryableStatusError(resp.StatusCode)
		if attempt == maxAttempts-1 {
			break
		}

		delay := backoffDelay(attempt+1, lastErr, nil)
		if d, ok := parseRetryAfter(retryAfter); ok {
			delay = d
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func backoffDelay(attempt int, lastErr error, _ *http.Response) time.Duration {
	base := float64(retryBaseDelay)
	for i := 1; i < attempt; i++ {
		base *= retryFactor
	}
	// Full jitter: uniform in [0, base].
	return time.Duration(rand.Int63n(int64(base) + 1))
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

type retryableStatusError int

func (e retryableStatusError) Error() string {
	return "registry: server error (status " + strconv.Itoa(int(e)) + ")"
}
