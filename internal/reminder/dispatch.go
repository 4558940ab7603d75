package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"habitbot/internal/eventbus"
	"habitbot/internal/habit"
	"habitbot/internal/notifier"
	"habitbot/internal/task/engine"
	"habitbot/pkg/logx"
)

// DispatchEvent is the payload of reminder.sent and reminder.failed events.
type DispatchEvent struct {
	HabitID    int64         `json:"habit_id"`
	ChatID     string        `json:"chat_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Took       time.Duration `json:"took"`
	Error      string        `json:"error,omitempty"`
}

// Dispatcher sends one habit's reminder per invocation.
type Dispatcher struct {
	habits habit.Source
	notify notifier.Notifier
	log    logx.Logger
	bus    eventbus.Bus
}

func NewDispatcher(habits habit.Source, n notifier.Notifier, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Dispatcher{habits: habits, notify: n, log: log, bus: bus}
}

// Dispatch resolves the habit and sends its reminder text to the owner's
// chat. At most one send happens; failures are returned, never retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, habitID int64) error {
	start := time.Now()
	ev := DispatchEvent{HabitID: habitID}

	h, err := d.habits.Habit(ctx, habitID)
	if err != nil {
		if !errors.Is(err, habit.ErrHabitNotFound) {
			err = fmt.Errorf("load habit %d: %w", habitID, err)
		}
		return d.failed(ev, start, err)
	}

	chatID, ok := h.Recipient()
	if !ok {
		return d.failed(ev, start, fmt.Errorf("habit %d: %w", habitID, ErrNoRecipient))
	}
	ev.ChatID = chatID

	res := d.notify.Send(ctx, h.Reminder(), chatID)
	ev.HTTPStatus = res.HTTPStatus
	if !res.OK() {
		err := res.Err
		if err == nil || !errors.Is(err, ErrNotificationTransport) {
			err = fmt.Errorf("%w: %v", ErrNotificationTransport, err)
		}
		return d.failed(ev, start, fmt.Errorf("habit %d: %w", habitID, err))
	}

	ev.Took = time.Since(start)
	d.log.Info("reminder sent", logx.Int64("habit_id", habitID), logx.String("chat_id", chatID), logx.Duration("took", ev.Took))
	d.bus.Publish(eventbus.Event{Type: eventbus.ReminderSent, Data: ev})
	return nil
}

func (d *Dispatcher) failed(ev DispatchEvent, start time.Time, err error) error {
	ev.Took = time.Since(start)
	ev.Reason = reason(err)
	ev.Error = err.Error()
	d.log.Warn("reminder not sent", logx.Int64("habit_id", ev.HabitID), logx.String("reason", ev.Reason), logx.Err(err))
	d.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, Data: ev})
	return err
}

// Job adapts Dispatch to the beat job signature. The single argument is the
// habit id. Domain failures and transport failures are marked no-retry so a
// reminder is never sent twice for one firing.
func (d *Dispatcher) Job() func(ctx context.Context, args []int64) error {
	return func(ctx context.Context, args []int64) error {
		if len(args) != 1 {
			return engine.NoRetry(fmt.Errorf("dispatch expects one habit id, got %d args", len(args)))
		}
		err := d.Dispatch(ctx, args[0])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrHabitNotFound), errors.Is(err, ErrNoRecipient), errors.Is(err, ErrNotificationTransport):
			return engine.NoRetry(err)
		default:
			// Lookup failures happen before any send, so retrying is safe.
			return err
		}
	}
}
