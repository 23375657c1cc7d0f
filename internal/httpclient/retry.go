package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls when DoWithRetry tries again. Only playlist and key fetches use it;
// segment fetches are single-shot.
type RetryPolicy struct {
	// Retry429: on 429 Too Many Requests, wait Retry-After (capped at Max429Wait) and retry.
	Retry429   bool
	Max429Wait time.Duration
	// Retry5xx: on 5xx or a transport error, wait Backoff5xx and retry.
	Retry5xx   bool
	Backoff5xx time.Duration
	// Attempts is the total number of tries including the first. <1 means 2.
	Attempts int
}

// DefaultRetryPolicy retries 429 (cap 60s) and 5xx (1s backoff) once.
var DefaultRetryPolicy = RetryPolicy{
	Retry429:   true,
	Max429Wait: 60 * time.Second,
	Retry5xx:   true,
	Backoff5xx: 1 * time.Second,
	Attempts:   2,
}

// NoRetry sends the request exactly once.
var NoRetry = RetryPolicy{Attempts: 1}

// DoWithRetry performs a bodiless request and retries per policy. 4xx other than 429 are returned as-is.
// The last response is returned even when it is still an error status. Caller closes resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 2
	}
	for try := 1; ; try++ {
		resp, err := client.Do(req)
		last := try >= attempts
		if err != nil {
			if last || !policy.Retry5xx || ctx.Err() != nil {
				return nil, err
			}
			if werr := sleepCtx(ctx, policy.Backoff5xx); werr != nil {
				return nil, werr
			}
			req = cloneRequest(ctx, req)
			continue
		}
		wait, retry := retryDelay(resp, policy)
		if !retry || last {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if werr := sleepCtx(ctx, wait); werr != nil {
			return nil, werr
		}
		req = cloneRequest(ctx, req)
	}
}

func retryDelay(resp *http.Response, policy RetryPolicy) (time.Duration, bool) {
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests && policy.Retry429:
		return parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait), true
	case code >= 500 && policy.Retry5xx:
		return policy.Backoff5xx, true
	default:
		return 0, false
	}
}

func cloneRequest(ctx context.Context, req *http.Request) *http.Request {
	r := req.Clone(ctx)
	r.Body = nil
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
