package notifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitbot/pkg/logx"
)

func TestSendBuildsSendMessageQuery(t *testing.T) {
	t.Parallel()

	reqs := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(Config{BaseURL: srv.URL + "/bot", Token: "T0K"}, logx.Nop())
	res := tg.Send(context.Background(), "Сегодня нужно drink water.", "555")

	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	got := <-reqs
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/botT0K/sendMessage", got.URL.Path)
	assert.Equal(t, "Сегодня нужно drink water.", got.URL.Query().Get("text"))
	assert.Equal(t, "555", got.URL.Query().Get("chat_id"))
}

func TestSendNon2xxIsFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tg := NewTelegram(Config{BaseURL: srv.URL + "/bot", Token: "secret"}, logx.Nop())
	res := tg.Send(context.Background(), "x", "1")
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	assert.True(t, errors.Is(res.Err, ErrNotificationTransport))
}

func TestSendTransportErrorDoesNotLeakToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL + "/bot"
	srv.Close()

	tg := NewTelegram(Config{BaseURL: base, Token: "supersecret"}, logx.Nop())
	res := tg.Send(context.Background(), "x", "1")
	require.Equal(t, Failed, res.Status)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrNotificationTransport))
	assert.False(t, strings.Contains(res.Err.Error(), "supersecret"), res.Err.Error())
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tg := NewTelegram(Config{BaseURL: srv.URL + "/bot", Token: "t", Timeout: 50 * time.Millisecond}, logx.Nop())
	start := time.Now()
	res := tg.Send(context.Background(), "x", "1")
	assert.Equal(t, Failed, res.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendRejectsMissingConfig(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	res := NewTelegram(Config{BaseURL: srv.URL + "/bot"}, logx.Nop()).Send(context.Background(), "x", "1")
	assert.Equal(t, Failed, res.Status)

	res = NewTelegram(Config{BaseURL: srv.URL + "/bot", Token: "t"}, logx.Nop()).Send(context.Background(), "x", " ")
	assert.Equal(t, Failed, res.Status)
	assert.Zero(t, calls.Load())
}

func TestApplyKeepsLimiterWhenRateUnchanged(t *testing.T) {
	t.Parallel()

	tg := NewTelegram(Config{Token: "a", RatePerSec: 5}, logx.Nop())
	_, l1 := tg.snapshot()
	tg.Apply(Config{Token: "b", RatePerSec: 5})
	cfg, l2 := tg.snapshot()
	assert.Same(t, l1, l2)
	assert.Equal(t, "b", cfg.Token)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)

	tg.Apply(Config{Token: "b", RatePerSec: 9})
	_, l3 := tg.snapshot()
	assert.NotSame(t, l1, l3)
}
