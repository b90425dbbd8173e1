package spider

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crawlsched/internal/fetch"
	"crawlsched/internal/task"
)

// validResponse reports whether a fetched response may be dispatched to a
// non-raw handler: any status below 400, 404, or a status the task lists.
func validResponse(t *task.Task, resp *fetch.Response) bool {
	if resp == nil {
		return false
	}
	code := resp.Status
	return (code > 0 && code < 400) || code == http.StatusNotFound || t.IsValidStatus(code)
}

// backoffDelay is the delay before network try number `try` (1-based).
func backoffDelay(p RetryPolicy, try int, rng *rand.Rand) time.Duration {
	d := p.Base
	for i := 1; i < try && d < p.MaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, p.MaxDelay), p, rng)
}

// backoffDelayWithHint honours a Retry-After header on 429 and 503
// responses, bounded by MaxDelay.
func backoffDelayWithHint(p RetryPolicy, try int, resp *fetch.Response, rng *rand.Rand) time.Duration {
	if hint, ok := retryAfter(resp, time.Now()); ok {
		return jitter(min(hint, p.MaxDelay), p, rng)
	}
	return backoffDelay(p, try, rng)
}

func jitter(d time.Duration, p RetryPolicy, rng *rand.Rand) time.Duration {
	if p.Jitter != nil && *p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * *p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), p.MaxDelay)
}

func retryAfter(resp *fetch.Response, now time.Time) (time.Duration, bool) {
	if resp == nil || (resp.Status != http.StatusTooManyRequests && resp.Status != http.StatusServiceUnavailable) {
		return 0, false
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}
