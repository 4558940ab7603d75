package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"habitbot/pkg/logx"
)

// Telegram sends messages through the Bot API sendMessage method.
// It is safe for concurrent use.
type Telegram struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	client *http.Client
	log    logx.Logger
}

var _ Notifier = (*Telegram)(nil)

type Option func(*Telegram)

// WithHTTPClient replaces the default client. Its Timeout is ignored; the
// configured per-call timeout is applied through the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Telegram) {
		if c != nil {
			t.client = c
		}
	}
}

func NewTelegram(cfg Config, log logx.Logger, opts ...Option) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{client: &http.Client{}, log: log}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	t.applyLocked(cfg)
	return t
}

// Apply swaps the configuration; in-flight sends keep the old one.
func (t *Telegram) Apply(cfg Config) {
	t.mu.Lock()
	t.applyLocked(cfg)
	t.mu.Unlock()
}

func (t *Telegram) applyLocked(cfg Config) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if t.limiter == nil || t.cfg.RatePerSec != cfg.RatePerSec {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	t.cfg = cfg
}

func (t *Telegram) snapshot() (Config, *rate.Limiter) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg, t.limiter
}

func failed(start time.Time, status int, format string, args ...any) Result {
	return Result{
		Status:     Failed,
		HTTPStatus: status,
		Took:       time.Since(start),
		Err:        fmt.Errorf("%w: %s", ErrNotificationTransport, fmt.Sprintf(format, args...)),
	}
}

// Send performs one GET {base}{token}/sendMessage?text=..&chat_id=..
// Only the HTTP status is inspected.
func (t *Telegram) Send(ctx context.Context, text, chatID string) Result {
	start := time.Now()
	cfg, limiter := t.snapshot()

	if cfg.Token == "" {
		return failed(start, 0, "bot token is not configured")
	}
	if strings.TrimSpace(chatID) == "" {
		return failed(start, 0, "empty chat id")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		return failed(start, 0, "rate limit wait: %v", err)
	}

	q := url.Values{}
	q.Set("text", text)
	q.Set("chat_id", chatID)
	endpoint := cfg.BaseURL + cfg.Token + "/sendMessage?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return failed(start, 0, "build request: %v", redact(err, cfg.Token))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return failed(start, 0, "request: %v", redact(err, cfg.Token))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failed(start, resp.StatusCode, "unexpected status %d", resp.StatusCode)
	}
	return Result{Status: Sent, HTTPStatus: resp.StatusCode, Took: time.Since(start)}
}

// redact strips the request URL (which embeds the bot token) from err.
func redact(err error, token string) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}

// LogSink adapts the sender to the logx Telegram sink.
func (t *Telegram) LogSink() logx.SendFunc {
	return func(ctx context.Context, chatID, text string) error {
		return t.Send(ctx, text, chatID).Err
	}
}
