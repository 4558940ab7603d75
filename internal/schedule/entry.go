package schedule

import (
	"context"
	"time"
)

// ScheduleID identifies a shared interval or crontab descriptor.
type ScheduleID int64

// EntryID identifies a periodic-task entry.
type EntryID int64

// Entry is a named periodic task: a schedule reference, a target job and its
// arguments. Exactly one of IntervalID and CrontabID is non-zero.
type Entry struct {
	ID   EntryID
	Name string

	IntervalID ScheduleID
	CrontabID  ScheduleID

	// Resolved descriptors, filled by Registry reads.
	Interval *Interval
	Calendar *Calendar

	Task   string
	Args   []int64
	Kwargs map[string]any

	Enabled bool
	OneOff  bool
	Expires *time.Time

	LastRunAt     *time.Time
	TotalRunCount int
	ChangedAt     time.Time
}

// Spec returns the entry's resolved schedule.
func (e Entry) Spec() (Spec, bool) {
	switch {
	case e.Interval != nil:
		return Spec{Kind: KindInterval, Interval: *e.Interval}, true
	case e.Calendar != nil:
		return Spec{Kind: KindCalendar, Calendar: e.Calendar.Normalize()}, true
	default:
		return Spec{}, false
	}
}

// Expired reports whether the entry's expiry lies at or before now.
func (e Entry) Expired(now time.Time) bool {
	return e.Expires != nil && !now.Before(*e.Expires)
}

// Active reports whether the entry should be scheduled at now.
func (e Entry) Active(now time.Time) bool {
	return e.Enabled && !e.Expired(now)
}

// HabitID returns the single habit argument of a dispatch entry.
func (e Entry) HabitID() (int64, bool) {
	if len(e.Args) != 1 {
		return 0, false
	}
	return e.Args[0], true
}

// Registry is the persistent periodic-task registry read by the beat runner.
// Implementations must make get-or-create and update-or-create atomic.
type Registry interface {
	// GetOrCreateInterval returns the descriptor keyed by (every, period).
	GetOrCreateInterval(ctx context.Context, iv Interval) (ScheduleID, error)
	// GetOrCreateCrontab returns the descriptor keyed by the full field tuple.
	GetOrCreateCrontab(ctx context.Context, c Calendar) (ScheduleID, error)

	// UpsertEntry updates the entry named e.Name or creates it. Duplicate
	// entries under the same name are collapsed into one.
	UpsertEntry(ctx context.Context, e Entry) (EntryID, error)
	// CreateEntry always inserts a new entry.
	CreateEntry(ctx context.Context, e Entry) (EntryID, error)

	Entries(ctx context.Context) ([]Entry, error)
	EntriesByName(ctx context.Context, name string) ([]Entry, error)
	DeleteEntries(ctx context.Context, name string) (int, error)
	DeleteEntry(ctx context.Context, id EntryID) error

	MarkRun(ctx context.Context, id EntryID, at time.Time) error
	DisableEntry(ctx context.Context, id EntryID) error
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}
