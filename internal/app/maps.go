package app

import (
	"strings"
	"time"

	"habitbot/internal/beat"
	"habitbot/internal/config"
	"habitbot/internal/notifier"
	"habitbot/internal/observability/ops"
	"habitbot/internal/schedule"
	"habitbot/internal/storage"
	"habitbot/internal/task/engine"
	"habitbot/internal/transport/bot"
	"habitbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig defaults to the in-memory driver when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := notifier.Config{
		BaseURL: strings.TrimSpace(cfg.Telegram.BaseURL),
		Token:   cfg.Telegram.Token,
	}
	if cfg.Notifier != nil {
		timeout, err := config.ParseDurationField("notifier.timeout", cfg.Notifier.Timeout)
		if err != nil {
			return notifier.Config{}, err
		}
		nc.Timeout = timeout
		nc.RatePerSec = cfg.Notifier.RatePerSec
	}
	return nc, nil
}

func mapBotConfig(cfg *config.Config) (bot.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return bot.Config{}, err
	}
	base := cfg.Telegram.BaseURL
	if strings.TrimSpace(base) == "" {
		base = notifier.DefaultBaseURL
	}
	return bot.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      bot.APIURLFromBase(base),
		PollTimeout: poll,
	}, nil
}

func schedulerTimezone(cfg *config.Config) string {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		return tz
	}
	return schedule.DefaultTimezone
}

func mapBeatConfig(cfg *config.Config) (beat.Config, error) {
	sc := cfg.Scheduler
	sync, err := config.ParseDurationField("scheduler.sync_interval", sc.SyncInterval)
	if err != nil {
		return beat.Config{}, err
	}
	spread, err := config.ParseSpread("scheduler.max_startup_spread", sc.MaxStartupSpread)
	if err != nil {
		return beat.Config{}, err
	}
	timeout, err := config.ParseDurationField("scheduler.task_timeout", sc.TaskTimeout)
	if err != nil {
		return beat.Config{}, err
	}
	return beat.Config{
		Enabled:          sc.Enabled,
		Timezone:         schedulerTimezone(cfg),
		SyncInterval:     sync,
		PruneExpired:     sc.PruneExpired,
		MaxStartupSpread: spread,
		TaskTimeout:      timeout,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     4,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("task_engine.retry_base", te.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("task_engine.retry_max_delay", te.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	mc := cfg.Metrics
	out := ops.Config{
		Enabled:       mc.Enabled,
		Addr:          strings.TrimSpace(mc.Addr),
		Pprof:         mc.Pprof,
		PprofPrefix:   mc.PprofPrefix,
		Token:         strings.TrimSpace(mc.Token),
		AllowInsecure: mc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("metrics.write_timeout", mc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
