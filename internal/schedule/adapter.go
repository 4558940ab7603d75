package schedule

import (
	"context"
	"fmt"
	"slices"
	"time"

	"habitbot/pkg/logx"
)

// DispatchTask is the job name every reminder entry targets.
const DispatchTask = "reminder.dispatch"

// LegacyIntervalName is the shared entry name used by the legacy interval path.
const LegacyIntervalName = "Habit Reminder Bot"

// legacyExpiry is how long legacy interval entries stay valid.
const legacyExpiry = 24 * time.Hour

func CalendarEntryName(habitID int64) string { return fmt.Sprintf("habit_%d_crontab", habitID) }
func IntervalEntryName(habitID int64) string { return fmt.Sprintf("habit_%d_interval", habitID) }

// EntryHandle describes the entry written by the adapter.
type EntryHandle struct {
	ID         EntryID
	Name       string
	ScheduleID ScheduleID
	Expires    *time.Time
}

type AdapterOption func(*Adapter)

// WithLegacyIntervalEntries makes interval entries use the historical
// create-always path: shared name, 24h expiry, one new row per call.
func WithLegacyIntervalEntries(on bool) AdapterOption {
	return func(a *Adapter) { a.legacy = on }
}

func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(log logx.Logger) AdapterOption {
	return func(a *Adapter) { a.log = log }
}

// Adapter writes reminder entries to a Registry.
type Adapter struct {
	reg    Registry
	legacy bool
	now    func() time.Time
	log    logx.Logger
}

func NewAdapter(reg Registry, opts ...AdapterOption) *Adapter {
	a := &Adapter{reg: reg, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	return a
}

// Legacy reports whether the legacy interval path is active.
func (a *Adapter) Legacy() bool { return a.legacy }

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrScheduleStore, op, err)
}

func dispatchEntry(name string, habitID int64) Entry {
	return Entry{
		Name:    name,
		Task:    DispatchTask,
		Args:    []int64{habitID},
		Kwargs:  map[string]any{},
		Enabled: true,
		OneOff:  false,
	}
}

// UpsertInterval persists an interval entry for habitID.
func (a *Adapter) UpsertInterval(ctx context.Context, habitID int64, iv Interval) (EntryHandle, error) {
	if err := iv.Validate(); err != nil {
		return EntryHandle{}, err
	}
	sid, err := a.reg.GetOrCreateInterval(ctx, iv)
	if err != nil {
		return EntryHandle{}, storeErr("get-or-create interval", err)
	}

	if a.legacy {
		e := dispatchEntry(LegacyIntervalName, habitID)
		e.IntervalID = sid
		exp := a.now().UTC().Add(legacyExpiry)
		e.Expires = &exp
		id, err := a.reg.CreateEntry(ctx, e)
		if err != nil {
			return EntryHandle{}, storeErr("create entry", err)
		}
		a.log.Debug("legacy interval entry created",
			logx.Int64("habit_id", habitID), logx.Int64("entry_id", int64(id)), logx.Time("expires", exp))
		return EntryHandle{ID: id, Name: e.Name, ScheduleID: sid, Expires: &exp}, nil
	}

	name := IntervalEntryName(habitID)
	e := dispatchEntry(name, habitID)
	e.IntervalID = sid
	id, err := a.reg.UpsertEntry(ctx, e)
	if err != nil {
		return EntryHandle{}, storeErr("upsert entry", err)
	}
	if _, err := a.reg.DeleteEntries(ctx, CalendarEntryName(habitID)); err != nil {
		return EntryHandle{}, storeErr("delete calendar entry", err)
	}
	if _, err := a.deleteLegacy(ctx, habitID); err != nil {
		return EntryHandle{}, err
	}
	a.log.Debug("interval entry upserted",
		logx.Int64("habit_id", habitID), logx.String("name", name), logx.String("every", iv.String()))
	return EntryHandle{ID: id, Name: name, ScheduleID: sid}, nil
}

// UpsertCalendar persists a calendar entry under name (CalendarEntryName when blank).
func (a *Adapter) UpsertCalendar(ctx context.Context, habitID int64, name string, c Calendar) (EntryHandle, error) {
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return EntryHandle{}, err
	}
	if name == "" {
		name = CalendarEntryName(habitID)
	}
	sid, err := a.reg.GetOrCreateCrontab(ctx, c)
	if err != nil {
		return EntryHandle{}, storeErr("get-or-create crontab", err)
	}
	e := dispatchEntry(name, habitID)
	e.CrontabID = sid
	id, err := a.reg.UpsertEntry(ctx, e)
	if err != nil {
		return EntryHandle{}, storeErr("upsert entry", err)
	}
	if err := a.dropIntervalEntries(ctx, habitID); err != nil {
		return EntryHandle{}, err
	}
	a.log.Debug("calendar entry upserted",
		logx.Int64("habit_id", habitID), logx.String("name", name), logx.String("expr", c.Expr()))
	return EntryHandle{ID: id, Name: name, ScheduleID: sid}, nil
}

// RemoveHabit deletes every entry belonging to habitID and returns the count.
func (a *Adapter) RemoveHabit(ctx context.Context, habitID int64) (int, error) {
	n, err := a.reg.DeleteEntries(ctx, CalendarEntryName(habitID))
	if err != nil {
		return 0, storeErr("delete calendar entry", err)
	}
	m, err := a.reg.DeleteEntries(ctx, IntervalEntryName(habitID))
	if err != nil {
		return n, storeErr("delete interval entry", err)
	}
	k, err := a.deleteLegacy(ctx, habitID)
	return n + m + k, err
}

// HabitIDs lists the distinct habits that have dispatch entries.
func (a *Adapter) HabitIDs(ctx context.Context) ([]int64, error) {
	entries, err := a.reg.Entries(ctx)
	if err != nil {
		return nil, storeErr("list entries", err)
	}
	seen := map[int64]bool{}
	var ids []int64
	for _, e := range entries {
		if e.Task != DispatchTask {
			continue
		}
		if id, ok := e.HabitID(); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (a *Adapter) dropIntervalEntries(ctx context.Context, habitID int64) error {
	if _, err := a.reg.DeleteEntries(ctx, IntervalEntryName(habitID)); err != nil {
		return storeErr("delete interval entry", err)
	}
	_, err := a.deleteLegacy(ctx, habitID)
	return err
}

// deleteLegacy removes shared-name entries whose argument is habitID.
func (a *Adapter) deleteLegacy(ctx context.Context, habitID int64) (int, error) {
	entries, err := a.reg.EntriesByName(ctx, LegacyIntervalName)
	if err != nil {
		return 0, storeErr("list legacy entries", err)
	}
	n := 0
	for _, e := range entries {
		if id, ok := e.HabitID(); !ok || id != habitID {
			continue
		}
		if err := a.reg.DeleteEntry(ctx, e.ID); err != nil {
			return n, storeErr("delete legacy entry", err)
		}
		n++
	}
	return n, nil
}
