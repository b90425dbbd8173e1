package spider

import (
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlsched/internal/fetch"
	"crawlsched/internal/task"
)

func TestValidResponse(t *testing.T) {
	plain := task.MustNew("page", task.WithURL("http://example.com/"))
	teapot := task.MustNew("page", task.WithURL("http://example.com/"), task.WithValidStatus(418))

	cases := []struct {
		tk   *task.Task
		code int
		want bool
	}{
		{plain, 200, true},
		{plain, 302, true},
		{plain, 404, true},
		{plain, 400, false},
		{plain, 418, false},
		{plain, 502, false},
		{teapot, 418, true},
		{teapot, 500, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, validResponse(c.tk, &fetch.Response{Status: c.code}), "status %d", c.code)
	}
	assert.False(t, validResponse(plain, nil))
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{Base: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 1, nil))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(p, 2, nil))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(p, 4, nil))
	assert.Equal(t, time.Second, backoffDelay(p, 10, nil))

	half := 0.5
	p.Jitter = &half
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := backoffDelay(p, 2, rng)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestRetryAfterHint(t *testing.T) {
	p := RetryPolicy{Base: 10 * time.Millisecond, MaxDelay: 5 * time.Second}
	resp := &fetch.Response{Status: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, backoffDelayWithHint(p, 1, resp, nil))

	resp.Header.Set("Retry-After", "3600")
	assert.Equal(t, 5*time.Second, backoffDelayWithHint(p, 1, resp, nil))

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	resp.Header.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
	d, ok := retryAfter(resp, now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	resp.Status = http.StatusBadGateway
	assert.Equal(t, 10*time.Millisecond, backoffDelayWithHint(p, 1, resp, nil))
}

func TestJitterDefaultsAndCanBeDisabled(t *testing.T) {
	c := Config{}.withDefaults()
	require.NotNil(t, c.Retry.Jitter)
	assert.Equal(t, 0.2, *c.Retry.Jitter)

	off := 0.0
	c = Config{Retry: RetryPolicy{Jitter: &off}}.withDefaults()
	assert.Zero(t, *c.Retry.Jitter)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		assert.Equal(t, c.Retry.Base, backoffDelay(c.Retry, 1, rng))
	}

	big := 3.0
	c = Config{Retry: RetryPolicy{Jitter: &big}}.withDefaults()
	assert.Equal(t, 1.0, *c.Retry.Jitter)
	assert.Equal(t, 3.0, big)
}
