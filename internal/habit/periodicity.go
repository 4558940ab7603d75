package habit

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedPeriodicity = errors.New("unsupported periodicity")

// Periodicity is one of the fixed human-readable recurrence labels.
type Periodicity string

const (
	EveryDay        Periodicity = "Ежедневно"
	EveryWeek       Periodicity = "Еженедельно"
	EveryTwoDays    Periodicity = "Каждые 2 дня"
	EveryThreeDays  Periodicity = "Каждые 3 дня"
	EveryFourDays   Periodicity = "Каждые 4 дня"
	Monday          Periodicity = "По понедельникам"
	Tuesday         Periodicity = "По вторникам"
	Wednesday       Periodicity = "По средам"
	Thursday        Periodicity = "По четвергам"
	Friday          Periodicity = "По пятницам"
	Saturday        Periodicity = "По субботам"
	Sunday          Periodicity = "По воскресеньям"
	TwoTimesInDay   Periodicity = "2 раза в день"
	ThreeTimesInDay Periodicity = "3 раза в день"

	DefaultPeriodicity = EveryDay
)

// Periodicities lists every supported value.
var Periodicities = []Periodicity{
	EveryDay, EveryWeek, EveryTwoDays, EveryThreeDays, EveryFourDays,
	Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday,
	TwoTimesInDay, ThreeTimesInDay,
}

// Valid reports whether p belongs to the enumeration.
func (p Periodicity) Valid() bool {
	for _, v := range Periodicities {
		if p == v {
			return true
		}
	}
	return false
}

func (p Periodicity) String() string { return string(p) }

// ParsePeriodicity trims s and validates it. An empty value maps to the default.
func ParsePeriodicity(s string) (Periodicity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultPeriodicity, nil
	}
	p := Periodicity(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPeriodicity, s)
	}
	return p, nil
}
