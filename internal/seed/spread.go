package seed

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSpread = 30 * time.Second

// spreadSchedule overrides the first activation of a base schedule, then
// delegates to it.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalWithSpread runs every `every`, delaying the first run by a random
// offset below min(every, limit).
func intervalWithSpread(every, limit time.Duration, now time.Time, rng *rand.Rand) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	if limit <= 0 {
		limit = defaultSpread
	}
	spread := min(every, limit)
	if spread <= 0 {
		return base, 0
	}
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
