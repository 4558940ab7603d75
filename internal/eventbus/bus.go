package eventbus

import (
	"slices"
	"sync"
	"time"
)

// Event types published by habitbot components.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
	TaskSkipped  = "task.skipped"

	ReminderSent   = "reminder.sent"
	ReminderFailed = "reminder.failed"

	ScheduleReconciled = "schedule.reconciled"
	ScheduleRemoved    = "schedule.removed"
	BeatSynced         = "beat.synced"
)

// Event is an in-process signal. Publishing never blocks: a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel and a func that closes it.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// New returns an in-memory fan-out bus with no goroutines of its own.
func New() Bus { return &fanout{} }

type fanout struct {
	mu   sync.RWMutex
	subs []chan Event
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, func() { b.remove(ch) }
}

// remove closes ch under the write lock so no Publish is mid-send. Repeat
// calls are no-ops.
func (b *fanout) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.subs, ch); i >= 0 {
		b.subs = slices.Delete(b.subs, i, i+1)
		close(ch)
	}
}

// Nop is a Bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
