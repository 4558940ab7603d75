package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"habitbot/internal/habit"
)

// Reminder hours for the calendar families.
const (
	twoTimesHours   = "9,17"
	threeTimesHours = "8,14,19"
	weekdayHour     = "8"
)

// Interpreter maps periodicities to schedule specs. It is a pure function of
// its input and the reference timezone.
type Interpreter struct {
	tz string
}

// NewInterpreter returns an interpreter for the given IANA zone (DefaultTimezone if blank).
func NewInterpreter(tz string) Interpreter {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultTimezone
	}
	return Interpreter{tz: tz}
}

// Timezone returns the reference zone used for calendar specs.
func (in Interpreter) Timezone() string {
	if in.tz == "" {
		return DefaultTimezone
	}
	return in.tz
}

// Interpret returns the spec for p, or ErrUnsupportedPeriodicity.
func (in Interpreter) Interpret(p habit.Periodicity) (Spec, error) {
	switch p {
	case habit.EveryDay:
		return IntervalSpec(1, Days), nil
	case habit.EveryWeek:
		return IntervalSpec(7, Days), nil
	case habit.EveryTwoDays:
		return IntervalSpec(2, Days), nil
	case habit.EveryThreeDays:
		return IntervalSpec(3, Days), nil
	case habit.EveryFourDays:
		return IntervalSpec(4, Days), nil
	case habit.TwoTimesInDay:
		return in.daily(twoTimesHours), nil
	case habit.ThreeTimesInDay:
		return in.daily(threeTimesHours), nil
	case habit.Sunday, habit.Monday, habit.Tuesday, habit.Wednesday,
		habit.Thursday, habit.Friday, habit.Saturday:
		dow, _ := DayOfWeek(p)
		return CalendarSpec(Calendar{
			Minute:    "0",
			Hour:      weekdayHour,
			DayOfWeek: strconv.Itoa(dow),
			Timezone:  in.Timezone(),
		}), nil
	default:
		return Spec{}, fmt.Errorf("%w: %q", ErrUnsupportedPeriodicity, string(p))
	}
}

func (in Interpreter) daily(hours string) Spec {
	return CalendarSpec(Calendar{Minute: "0", Hour: hours, Timezone: in.Timezone()})
}

// DayOfWeek maps a weekday periodicity to its cron day number (Sunday=0).
func DayOfWeek(p habit.Periodicity) (int, error) {
	switch p {
	case habit.Sunday:
		return 0, nil
	case habit.Monday:
		return 1, nil
	case habit.Tuesday:
		return 2, nil
	case habit.Wednesday:
		return 3, nil
	case habit.Thursday:
		return 4, nil
	case habit.Friday:
		return 5, nil
	case habit.Saturday:
		return 6, nil
	default:
		return 0, fmt.Errorf("%w: %q is not a weekday", ErrUnsupportedPeriodicity, string(p))
	}
}

// Interpret uses the default reference timezone.
func Interpret(p habit.Periodicity) (Spec, error) {
	return NewInterpreter(DefaultTimezone).Interpret(p)
}
