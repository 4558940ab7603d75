package engine

import "errors"

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	// ErrOverlapSkip is returned when the previous run of the same key is
	// still queued or running.
	ErrOverlapSkip = errors.New("task skipped: previous run still in progress")
)

// NoRetry marks an error as permanent; the engine reports it without retrying.
//
//	return engine.NoRetry(fmt.Errorf("habit %d: %w", id, habit.ErrHabitNotFound))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }
