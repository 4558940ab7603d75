package schedule

import (
	"errors"

	"habitbot/internal/habit"
)

var (
	// ErrUnsupportedPeriodicity is the habit package sentinel, re-exported so
	// callers of Interpret don't need to import habit for errors.Is.
	ErrUnsupportedPeriodicity = habit.ErrUnsupportedPeriodicity

	// ErrScheduleStore wraps every failure of the underlying Registry.
	ErrScheduleStore = errors.New("schedule store error")

	ErrEntryNotFound = errors.New("schedule entry not found")
)
