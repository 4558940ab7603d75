package beat

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// anchoredSchedule overrides the first run time and then delegates to base.
type anchoredSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *anchoredSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule keeps the cadence anchored on the last run when known.
// New or overdue entries get a delay in [0, min(every, maxSpread)) derived
// from tag, so a restart does not fire every reminder at once and the same
// entry always lands on the same offset.
func intervalSchedule(every time.Duration, now time.Time, lastRun *time.Time, maxSpread time.Duration, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)

	if lastRun != nil {
		if next := lastRun.Add(every); next.After(now) {
			return &anchoredSchedule{base: base, first: next}, 0
		}
		jitter := spread(every, maxSpread, tag)
		return &anchoredSchedule{base: base, first: now.Add(max(jitter, time.Second))}, jitter
	}
	jitter := spread(every, maxSpread, tag)
	return &anchoredSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

func spread(every, maxSpread time.Duration, tag string) time.Duration {
	limit := min(every, maxSpread)
	if limit <= 0 {
		return 0
	}
	return time.Duration(fnv64a(tag) % uint64(limit))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
