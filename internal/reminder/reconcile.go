package reminder

import (
	"context"
	"errors"
	"fmt"

	"habitbot/internal/eventbus"
	"habitbot/internal/habit"
	"habitbot/internal/schedule"
	"habitbot/pkg/logx"
)

// ScheduleWriter is the subset of schedule.Adapter used by the reconciler.
type ScheduleWriter interface {
	UpsertInterval(ctx context.Context, habitID int64, iv schedule.Interval) (schedule.EntryHandle, error)
	UpsertCalendar(ctx context.Context, habitID int64, name string, c schedule.Calendar) (schedule.EntryHandle, error)
	RemoveHabit(ctx context.Context, habitID int64) (int, error)
	HabitIDs(ctx context.Context) ([]int64, error)
}

// ReconcileEvent is the payload of schedule.reconciled and schedule.removed events.
type ReconcileEvent struct {
	HabitID int64            `json:"habit_id"`
	Kind    string           `json:"kind,omitempty"`
	Entry   string           `json:"entry,omitempty"`
	EntryID schedule.EntryID `json:"entry_id,omitempty"`
	Removed int              `json:"removed,omitempty"`
}

// Reconciler derives schedule entries from habits. It is invoked explicitly;
// habit writes do not trigger it.
type Reconciler struct {
	interp schedule.Interpreter
	store  ScheduleWriter
	habits habit.Source
	log    logx.Logger
	bus    eventbus.Bus
}

func NewReconciler(interp schedule.Interpreter, store ScheduleWriter, habits habit.Source, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Reconciler{interp: interp, store: store, habits: habits, log: log, bus: bus}
}

// Reconcile interprets h's periodicity and upserts the matching entry.
func (r *Reconciler) Reconcile(ctx context.Context, h habit.Habit) error {
	spec, err := r.interp.Interpret(h.Periodicity)
	if err != nil {
		return fmt.Errorf("habit %d: %w", h.ID, err)
	}

	var handle schedule.EntryHandle
	switch spec.Kind {
	case schedule.KindInterval:
		handle, err = r.store.UpsertInterval(ctx, h.ID, spec.Interval)
	case schedule.KindCalendar:
		handle, err = r.store.UpsertCalendar(ctx, h.ID, schedule.CalendarEntryName(h.ID), spec.Calendar)
	default:
		err = fmt.Errorf("%w: spec kind %v", ErrUnsupportedPeriodicity, spec.Kind)
	}
	if err != nil {
		return fmt.Errorf("habit %d: %w", h.ID, err)
	}

	r.log.Info("habit schedule reconciled",
		logx.Int64("habit_id", h.ID),
		logx.String("periodicity", h.Periodicity.String()),
		logx.String("schedule", spec.String()),
		logx.String("entry", handle.Name))
	r.bus.Publish(eventbus.Event{Type: eventbus.ScheduleReconciled, Data: ReconcileEvent{
		HabitID: h.ID, Kind: spec.Kind.String(), Entry: handle.Name, EntryID: handle.ID,
	}})
	return nil
}

// ReconcileID loads the habit and reconciles it. Inactive habits have their
// entries removed instead.
func (r *Reconciler) ReconcileID(ctx context.Context, id int64) error {
	h, err := r.habits.Habit(ctx, id)
	if err != nil {
		return err
	}
	if !h.IsActive {
		_, err := r.Remove(ctx, id)
		return err
	}
	return r.Reconcile(ctx, h)
}

// Remove deletes every entry belonging to the habit.
func (r *Reconciler) Remove(ctx context.Context, habitID int64) (int, error) {
	n, err := r.store.RemoveHabit(ctx, habitID)
	if err != nil {
		return n, fmt.Errorf("habit %d: %w", habitID, err)
	}
	if n > 0 {
		r.log.Info("habit schedule removed", logx.Int64("habit_id", habitID), logx.Int("entries", n))
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRemoved, Data: ReconcileEvent{HabitID: habitID, Removed: n}})
	return n, nil
}

// ResyncReport summarises a ResyncAll pass.
type ResyncReport struct {
	Reconciled int
	Removed    int
	Failed     map[int64]error
}

// ResyncAll reconciles every active habit and removes entries of habits that
// are no longer active. Per-habit failures are collected, not fatal.
func (r *Reconciler) ResyncAll(ctx context.Context) (ResyncReport, error) {
	rep := ResyncReport{Failed: map[int64]error{}}
	habits, err := r.habits.ActiveHabits(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active habits: %w", err)
	}
	active := make(map[int64]bool, len(habits))
	for _, h := range habits {
		active[h.ID] = true
		if err := r.Reconcile(ctx, h); err != nil {
			rep.Failed[h.ID] = err
			r.log.Warn("habit reconcile failed", logx.Int64("habit_id", h.ID), logx.Err(err))
			continue
		}
		rep.Reconciled++
	}

	scheduled, err := r.store.HabitIDs(ctx)
	if err != nil {
		return rep, err
	}
	for _, id := range scheduled {
		if active[id] {
			continue
		}
		n, err := r.Remove(ctx, id)
		if err != nil {
			rep.Failed[id] = err
			continue
		}
		rep.Removed += n
	}

	r.log.Info("habit schedules resynced",
		logx.Int("reconciled", rep.Reconciled), logx.Int("removed", rep.Removed), logx.Int("failed", len(rep.Failed)))
	if len(rep.Failed) > 0 {
		errs := make([]error, 0, len(rep.Failed))
		for _, e := range rep.Failed {
			errs = append(errs, e)
		}
		return rep, errors.Join(errs...)
	}
	return rep, nil
}
