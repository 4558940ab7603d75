// Package bot runs the optional Telegram long-polling bot. Users message it
// to learn the chat id that reminders are delivered to.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "habitbot/internal/runtime/supervisor"
	"habitbot/pkg/logx"
)

const DefaultAPIURL = "https://api.telegram.org"

type Config struct {
	Token string
	// APIURL is the Bot API root without the "/bot<token>" suffix.
	APIURL      string
	PollTimeout time.Duration
}

// Commands is the menu published via setMyCommands.
var Commands = []tele.Command{
	{Text: "start", Description: "Как подключить напоминания"},
	{Text: "id", Description: "Показать chat id"},
}

type Bot struct {
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

// New builds the bot without contacting Telegram.
func New(cfg Config, log logx.Logger) (*Bot, error) {
	return newBot(cfg, log, nil)
}

func newBot(cfg Config, log logx.Logger, tune func(*tele.Settings)) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	url := strings.TrimSpace(cfg.APIURL)
	if url == "" {
		url = DefaultAPIURL
	}
	st := tele.Settings{
		URL:     strings.TrimSuffix(url, "/"),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: true,
		OnError: func(err error, c tele.Context) {
			log.Warn("bot handler failed", logx.Err(err))
		},
	}
	if tune != nil {
		tune(&st)
	}
	tb, err := tele.NewBot(st)
	if err != nil {
		return nil, err
	}
	b := &Bot{log: log, bot: tb}
	tb.Handle("/start", b.onStart)
	tb.Handle("/id", b.onID)
	return b, nil
}

// APIURLFromBase converts a "<root>/bot" send prefix into the API root.
func APIURLFromBase(base string) string {
	return strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(base), "/"), "/bot")
}

func startText(chatID int64) string {
	return fmt.Sprintf("Привет! Чтобы получать напоминания о привычках, укажите в профиле chat id: %d", chatID)
}

func idText(chatID int64) string {
	return fmt.Sprintf("chat id: %d", chatID)
}

func (b *Bot) onStart(c tele.Context) error {
	if c.Chat() == nil {
		return nil
	}
	b.log.Debug("start command", logx.Int64("chat_id", c.Chat().ID))
	return c.Send(startText(c.Chat().ID))
}

func (b *Bot) onID(c tele.Context) error {
	if c.Chat() == nil {
		return nil
	}
	return c.Send(idText(c.Chat().ID))
}

// Start publishes the command menu (best-effort) and begins polling under a
// restart loop. It is idempotent.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	if b.sup != nil {
		b.mu.Unlock()
		return
	}
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "telegram.bot"))),
		rtsup.WithCancelOnError(false),
	)
	sup := b.sup
	b.mu.Unlock()

	sup.Go0("menu", func(context.Context) {
		if err := b.bot.SetCommands(Commands); err != nil {
			b.log.Warn("set bot commands failed", logx.Err(err))
		}
	})
	sup.Go0("stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	sup.GoRestart("poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, 500*time.Millisecond, 10*time.Second)
}

// Stop never blocks longer than ctx or a 2s grace window.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, context.DeadlineExceeded) {
			b.log.Warn("telegram bot stop timed out")
			return nil
		}
		b.log.Debug("telegram bot stopped with error", logx.Err(err))
	}
	return nil
}
