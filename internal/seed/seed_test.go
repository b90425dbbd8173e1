package seed

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/task"
	logx "crawlsched/pkg/logx"
)

type collector struct {
	mu    sync.Mutex
	tasks []*task.Task
	fail  string
}

func (c *collector) AddTask(t *task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.URL == c.fail {
		return errors.New("rejected")
	}
	c.tasks = append(c.tasks, t)
	return nil
}

func (c *collector) Logger() logx.Logger { return logx.Nop() }

func (c *collector) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.URL)
	}
	return out
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@every 1h", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "every hhmm", raw: "every:00:50", kind: KindInterval, source: "hhmm", duration: 50 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == KindInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "interval:", "cron:", "-5m"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestIntervalSpreadDelaysFirstRunOnly(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sch, jitter := intervalWithSpread(time.Minute, 10*time.Second, now, rand.New(rand.NewSource(1)))
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 10*time.Second)

	first := sch.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), sch.Next(first))
}

func TestURLsGenerator(t *testing.T) {
	c := &collector{fail: "http://b/"}
	gen := URLs("page", []string{"http://a/", " ", "http://b/", "http://c/"}, task.WithPriority(3))
	err := gen(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http://b/")
	assert.Equal(t, []string{"http://a/", "http://c/"}, c.urls())
	p, ok := c.tasks[0].Priority()
	assert.True(t, ok)
	assert.Equal(t, 3, p)
	assert.Equal(t, "page", c.tasks[0].Name)

	err = URLs(task.ReservedName, []string{"http://a/"})(context.Background(), c)
	assert.ErrorIs(t, err, task.ErrMisuse)
}

func TestRunOnceRecoversPanicAndPublishes(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s, err := New(Config{Schedule: "1h"}, func(ctx context.Context, sc task.Scope) error {
		panic("boom")
	}, &collector{}, logx.Nop(), bus)
	require.NoError(t, err)

	err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	runs, fails := s.Runs()
	assert.Equal(t, uint64(1), runs)
	assert.Equal(t, uint64(1), fails)

	ev := <-ch
	assert.Equal(t, eventbus.SeedRun, ev.Type)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	gen := URLs("page", nil)
	_, err := New(Config{Schedule: "61 * * * *"}, gen, &collector{}, logx.Nop(), nil)
	assert.Error(t, err)
	_, err = New(Config{Schedule: "bogus"}, gen, &collector{}, logx.Nop(), nil)
	assert.Error(t, err)
	_, err = New(Config{Schedule: "1h"}, nil, &collector{}, logx.Nop(), nil)
	assert.Error(t, err)
}

func TestStartSchedulesAndStops(t *testing.T) {
	c := &collector{}
	s, err := New(Config{Schedule: "@every 1h", Timezone: "UTC"}, URLs("page", []string{"http://a/"}), c, logx.Nop(), nil)
	require.NoError(t, err)
	assert.True(t, s.Next().IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	next := s.Next()
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.True(t, s.Next().IsZero())
	assert.Empty(t, c.urls())
}
