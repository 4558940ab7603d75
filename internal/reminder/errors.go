package reminder

import (
	"errors"

	"habitbot/internal/habit"
	"habitbot/internal/notifier"
	"habitbot/internal/schedule"
)

var (
	ErrHabitNotFound          = habit.ErrHabitNotFound
	ErrUnsupportedPeriodicity = habit.ErrUnsupportedPeriodicity
	ErrScheduleStore          = schedule.ErrScheduleStore
	ErrNotificationTransport  = notifier.ErrNotificationTransport

	// ErrNoRecipient means the habit has no owner or the owner has no chat id.
	ErrNoRecipient = errors.New("habit has no reminder recipient")
)

// Failure reasons carried by reminder.failed events.
const (
	ReasonNotFound    = "not_found"
	ReasonNoRecipient = "no_recipient"
	ReasonTransport   = "transport"
	ReasonLookup      = "lookup"
)

func reason(err error) string {
	switch {
	case errors.Is(err, ErrHabitNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrNoRecipient):
		return ReasonNoRecipient
	case errors.Is(err, ErrNotificationTransport):
		return ReasonTransport
	default:
		return ReasonLookup
	}
}
