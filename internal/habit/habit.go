package habit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrHabitNotFound = errors.New("habit not found")

// Owner is the subset of the user record needed to deliver reminders.
type Owner struct {
	ID             int64
	Email          string
	TelegramChatID string
}

// Habit is a user-defined recurring action.
// Owner is nil when the owning user was deleted.
type Habit struct {
	ID          int64
	Owner       *Owner
	Action      string
	Place       string
	Periodicity Periodicity
	IsActive    bool
	IsPublic    bool
}

// Reminder renders the reminder text, which is also the habit's description.
func (h Habit) Reminder() string {
	return fmt.Sprintf("Сегодня нужно %s.", h.Action)
}

// Recipient returns the owner's messaging-contact identifier, if any.
func (h Habit) Recipient() (string, bool) {
	if h.Owner == nil {
		return "", false
	}
	id := strings.TrimSpace(h.Owner.TelegramChatID)
	return id, id != ""
}

// Source resolves habits by id. Implementations return ErrHabitNotFound
// (possibly wrapped) when the id is unknown.
type Source interface {
	Habit(ctx context.Context, id int64) (Habit, error)
	ActiveHabits(ctx context.Context) ([]Habit, error)
}
