package beat

import (
	"testing"
	"time"
)

func TestSpreadIsStablePerEntry(t *testing.T) {
	t.Parallel()
	every, maxSpread := 24*time.Hour, 30*time.Second

	a := spread(every, maxSpread, "habit_7_interval")
	if b := spread(every, maxSpread, "habit_7_interval"); a != b {
		t.Fatalf("spread not stable: %v then %v", a, b)
	}
	if a < 0 || a >= maxSpread {
		t.Fatalf("spread = %v, want [0, %v)", a, maxSpread)
	}
	if got := spread(every, -1, "habit_7_interval"); got != 0 {
		t.Fatalf("disabled spread = %v, want 0", got)
	}
	if got := spread(time.Second, time.Hour, "habit_9_interval"); got >= time.Second {
		t.Fatalf("spread = %v, want below the interval", got)
	}
}

func TestFreshEntryOffsetSurvivesRestart(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_, first := intervalSchedule(time.Hour, now, nil, time.Minute, "habit_1_interval")
	_, again := intervalSchedule(time.Hour, now, nil, time.Minute, "habit_1_interval")
	if first != again {
		t.Fatalf("offset changed between runs: %v then %v", first, again)
	}
}
