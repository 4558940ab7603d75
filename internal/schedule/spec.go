package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone is the reference zone for calendar specs.
const DefaultTimezone = "Europe/Moscow"

// Wildcard matches every value of a calendar field.
const Wildcard = "*"

// Kind tags the Spec variant.
type Kind int

const (
	KindInterval Kind = iota + 1
	KindCalendar
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCalendar:
		return "crontab"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Period is the unit of an Interval.
type Period string

const (
	Days    Period = "days"
	Hours   Period = "hours"
	Minutes Period = "minutes"
	Seconds Period = "seconds"
)

// Interval is an "every N <period>" recurrence.
type Interval struct {
	Every  int
	Period Period
}

// Duration returns the length of one interval, or 0 for an invalid interval.
func (i Interval) Duration() time.Duration {
	if i.Every <= 0 {
		return 0
	}
	var unit time.Duration
	switch i.Period {
	case Days:
		unit = 24 * time.Hour
	case Hours:
		unit = time.Hour
	case Minutes:
		unit = time.Minute
	case Seconds:
		unit = time.Second
	default:
		return 0
	}
	return time.Duration(i.Every) * unit
}

func (i Interval) Validate() error {
	if i.Duration() <= 0 {
		return fmt.Errorf("invalid interval: every=%d period=%q", i.Every, i.Period)
	}
	return nil
}

func (i Interval) String() string { return fmt.Sprintf("every %d %s", i.Every, i.Period) }

// Calendar is a crontab-like recurrence. Fields use cron syntax; Hour may hold
// a comma-separated list.
type Calendar struct {
	Minute      string
	Hour        string
	DayOfMonth  string
	MonthOfYear string
	DayOfWeek   string
	Timezone    string
}

func orWildcard(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Wildcard
	}
	return s
}

// Normalize fills blank fields with wildcards and the default timezone.
func (c Calendar) Normalize() Calendar {
	c.Minute = orWildcard(c.Minute)
	c.Hour = orWildcard(c.Hour)
	c.DayOfMonth = orWildcard(c.DayOfMonth)
	c.MonthOfYear = orWildcard(c.MonthOfYear)
	c.DayOfWeek = orWildcard(c.DayOfWeek)
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = DefaultTimezone
	}
	return c
}

// Expr renders the calendar as a robfig/cron expression with a CRON_TZ prefix.
func (c Calendar) Expr() string {
	c = c.Normalize()
	return fmt.Sprintf("CRON_TZ=%s %s %s %s %s %s",
		c.Timezone, c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek)
}

// Validate parses the expression with the standard 5-field cron parser.
func (c Calendar) Validate() error {
	if _, err := cron.ParseStandard(c.Expr()); err != nil {
		return fmt.Errorf("invalid calendar %q: %w", c.Expr(), err)
	}
	return nil
}

func (c Calendar) String() string { return c.Expr() }

// Spec is the tagged variant produced by the interpreter. Exactly one of
// Interval and Calendar is meaningful, selected by Kind.
type Spec struct {
	Kind     Kind
	Interval Interval
	Calendar Calendar
}

func IntervalSpec(every int, period Period) Spec {
	return Spec{Kind: KindInterval, Interval: Interval{Every: every, Period: period}}
}

func CalendarSpec(c Calendar) Spec {
	return Spec{Kind: KindCalendar, Calendar: c.Normalize()}
}

func (s Spec) Validate() error {
	switch s.Kind {
	case KindInterval:
		return s.Interval.Validate()
	case KindCalendar:
		return s.Calendar.Validate()
	default:
		return fmt.Errorf("invalid spec kind %v", s.Kind)
	}
}

func (s Spec) String() string {
	switch s.Kind {
	case KindInterval:
		return s.Interval.String()
	case KindCalendar:
		return s.Calendar.String()
	default:
		return s.Kind.String()
	}
}
