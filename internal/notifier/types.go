package notifier

import (
	"context"
	"errors"
	"time"
)

// ErrNotificationTransport marks every delivery failure.
var ErrNotificationTransport = errors.New("notification transport failure")

const (
	DefaultBaseURL    = "https://api.telegram.org/bot"
	DefaultTimeout    = 5 * time.Second
	DefaultRatePerSec = 25
)

// Config controls the Telegram sender.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec int
}

type Status int

const (
	Sent Status = iota + 1
	Failed
)

func (s Status) String() string {
	switch s {
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a single send. Err is set only when Status is
// Failed and always wraps ErrNotificationTransport.
type Result struct {
	Status     Status
	HTTPStatus int
	Took       time.Duration
	Err        error
}

func (r Result) OK() bool { return r.Status == Sent }

// Notifier sends text to the recipient identified by chatID.
type Notifier interface {
	Send(ctx context.Context, text, chatID string) Result
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, text, chatID string) Result

func (f Func) Send(ctx context.Context, text, chatID string) Result { return f(ctx, text, chatID) }
