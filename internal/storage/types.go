package storage

import (
	"context"
	"errors"
	"time"

	"habitbot/internal/habit"
	"habitbot/internal/schedule"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the reminder engine.
type Store interface {
	schedule.Registry
	habit.Source

	// PutHabit inserts or replaces a habit (and its owner, when set) and
	// returns the habit id. A zero ID allocates a new one.
	PutHabit(ctx context.Context, h habit.Habit) (int64, error)
	DeleteHabit(ctx context.Context, id int64) error

	Close() error
}
