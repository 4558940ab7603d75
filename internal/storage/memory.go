package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"habitbot/internal/habit"
	"habitbot/internal/schedule"
)

// Memory is a mutex-guarded in-process Store.
type Memory struct {
	mu     sync.Mutex
	closed bool

	habits               map[int64]habit.Habit
	owners               map[int64]habit.Owner
	nextHabit, nextOwner int64

	intervals map[schedule.ScheduleID]schedule.Interval
	crontabs  map[schedule.ScheduleID]schedule.Calendar
	nextSched schedule.ScheduleID

	entries   map[schedule.EntryID]schedule.Entry
	nextEntry schedule.EntryID

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		habits:    map[int64]habit.Habit{},
		owners:    map[int64]habit.Owner{},
		intervals: map[schedule.ScheduleID]schedule.Interval{},
		crontabs:  map[schedule.ScheduleID]schedule.Calendar{},
		entries:   map[schedule.EntryID]schedule.Entry{},
		now:       time.Now,
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// ---- habits ----

func (m *Memory) PutHabit(ctx context.Context, h habit.Habit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	if h.Owner != nil {
		o := *h.Owner
		if o.ID == 0 {
			m.nextOwner++
			o.ID = m.nextOwner
		} else if o.ID > m.nextOwner {
			m.nextOwner = o.ID
		}
		m.owners[o.ID] = o
		h.Owner = &habit.Owner{ID: o.ID}
	}
	if h.Periodicity == "" {
		h.Periodicity = habit.DefaultPeriodicity
	}
	if h.ID == 0 {
		m.nextHabit++
		h.ID = m.nextHabit
	} else if h.ID > m.nextHabit {
		m.nextHabit = h.ID
	}
	m.habits[h.ID] = h
	return h.ID, nil
}

func (m *Memory) DeleteHabit(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.habits[id]; !ok {
		return fmt.Errorf("habit %d: %w", id, habit.ErrHabitNotFound)
	}
	delete(m.habits, id)
	return nil
}

// DeleteOwner drops the owner; their habits keep a nil Owner.
func (m *Memory) DeleteOwner(id int64) {
	m.mu.Lock()
	delete(m.owners, id)
	m.mu.Unlock()
}

func (m *Memory) resolve(h habit.Habit) habit.Habit {
	if h.Owner == nil {
		return h
	}
	o, ok := m.owners[h.Owner.ID]
	if !ok {
		h.Owner = nil
		return h
	}
	h.Owner = &o
	return h
}

func (m *Memory) Habit(ctx context.Context, id int64) (habit.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return habit.Habit{}, err
	}
	h, ok := m.habits[id]
	if !ok {
		return habit.Habit{}, fmt.Errorf("habit %d: %w", id, habit.ErrHabitNotFound)
	}
	return m.resolve(h), nil
}

func (m *Memory) ActiveHabits(ctx context.Context) ([]habit.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]habit.Habit, 0, len(m.habits))
	for _, id := range slices.Sorted(maps.Keys(m.habits)) {
		if h := m.habits[id]; h.IsActive {
			out = append(out, m.resolve(h))
		}
	}
	return out, nil
}

// ---- schedules ----

func (m *Memory) GetOrCreateInterval(ctx context.Context, iv schedule.Interval) (schedule.ScheduleID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	for id, v := range m.intervals {
		if v == iv {
			return id, nil
		}
	}
	m.nextSched++
	m.intervals[m.nextSched] = iv
	return m.nextSched, nil
}

func (m *Memory) GetOrCreateCrontab(ctx context.Context, c schedule.Calendar) (schedule.ScheduleID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	c = c.Normalize()
	for id, v := range m.crontabs {
		if v == c {
			return id, nil
		}
	}
	m.nextSched++
	m.crontabs[m.nextSched] = c
	return m.nextSched, nil
}

func (m *Memory) validRefs(e schedule.Entry) error {
	switch {
	case e.IntervalID != 0 && e.CrontabID != 0:
		return fmt.Errorf("entry %q references both an interval and a crontab", e.Name)
	case e.IntervalID != 0:
		if _, ok := m.intervals[e.IntervalID]; !ok {
			return fmt.Errorf("entry %q: unknown interval schedule %d", e.Name, e.IntervalID)
		}
	case e.CrontabID != 0:
		if _, ok := m.crontabs[e.CrontabID]; !ok {
			return fmt.Errorf("entry %q: unknown crontab schedule %d", e.Name, e.CrontabID)
		}
	default:
		return fmt.Errorf("entry %q has no schedule", e.Name)
	}
	return nil
}

func (m *Memory) insert(e schedule.Entry) schedule.EntryID {
	m.nextEntry++
	e.ID = m.nextEntry
	e.Interval, e.Calendar = nil, nil
	e.Args = slices.Clone(e.Args)
	e.ChangedAt = m.now()
	m.entries[e.ID] = e
	return e.ID
}

func (m *Memory) CreateEntry(ctx context.Context, e schedule.Entry) (schedule.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	if err := m.validRefs(e); err != nil {
		return 0, err
	}
	return m.insert(e), nil
}

func (m *Memory) UpsertEntry(ctx context.Context, e schedule.Entry) (schedule.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	if err := m.validRefs(e); err != nil {
		return 0, err
	}
	ids := m.idsByName(e.Name)
	if len(ids) == 0 {
		return m.insert(e), nil
	}
	keep := ids[0]
	for _, id := range ids[1:] {
		delete(m.entries, id)
	}
	cur := m.entries[keep]
	cur.IntervalID, cur.CrontabID = e.IntervalID, e.CrontabID
	cur.Task = e.Task
	cur.Args = slices.Clone(e.Args)
	cur.Kwargs = e.Kwargs
	cur.Enabled = e.Enabled
	cur.OneOff = e.OneOff
	cur.Expires = e.Expires
	cur.ChangedAt = m.now()
	m.entries[keep] = cur
	return keep, nil
}

func (m *Memory) idsByName(name string) []schedule.EntryID {
	var ids []schedule.EntryID
	for id, e := range m.entries {
		if e.Name == name {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (m *Memory) view(e schedule.Entry) schedule.Entry {
	if iv, ok := m.intervals[e.IntervalID]; ok && e.IntervalID != 0 {
		e.Interval = &iv
	}
	if c, ok := m.crontabs[e.CrontabID]; ok && e.CrontabID != 0 {
		e.Calendar = &c
	}
	e.Args = slices.Clone(e.Args)
	return e
}

func (m *Memory) Entries(ctx context.Context) ([]schedule.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]schedule.Entry, 0, len(m.entries))
	for _, id := range slices.Sorted(maps.Keys(m.entries)) {
		out = append(out, m.view(m.entries[id]))
	}
	return out, nil
}

func (m *Memory) EntriesByName(ctx context.Context, name string) ([]schedule.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []schedule.Entry
	for _, id := range m.idsByName(name) {
		out = append(out, m.view(m.entries[id]))
	}
	return out, nil
}

func (m *Memory) DeleteEntries(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	ids := m.idsByName(name)
	for _, id := range ids {
		delete(m.entries, id)
	}
	return len(ids), nil
}

func (m *Memory) DeleteEntry(ctx context.Context, id schedule.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("entry %d: %w", id, schedule.ErrEntryNotFound)
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) MarkRun(ctx context.Context, id schedule.EntryID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("entry %d: %w", id, schedule.ErrEntryNotFound)
	}
	at = at.UTC()
	e.LastRunAt = &at
	e.TotalRunCount++
	m.entries[id] = e
	return nil
}

func (m *Memory) DisableEntry(ctx context.Context, id schedule.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("entry %d: %w", id, schedule.ErrEntryNotFound)
	}
	e.Enabled = false
	e.ChangedAt = m.now()
	m.entries[id] = e
	return nil
}

func (m *Memory) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for id, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}
