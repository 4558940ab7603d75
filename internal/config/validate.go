package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Validate checks every field that would otherwise fail late (durations,
// timezone, storage driver, insecure ops bind). All problems are joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	dur("scheduler.sync_interval", sc.SyncInterval)
	dur("scheduler.task_timeout", sc.TaskTimeout)
	if _, err := ParseSpread("scheduler.max_startup_spread", sc.MaxStartupSpread); err != nil {
		errs = append(errs, err)
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			errs = append(errs, errors.New("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			errs = append(errs, errors.New("task_engine.queue_size must be >= 0"))
		}
		if te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine.history_size must be >= 0"))
		}
		if te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine.retry_max must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		dur("task_engine.retry_base", te.RetryBase)
		dur("task_engine.retry_max_delay", te.RetryMaxDelay)
		if sc.Enabled && te.Enabled != nil && !*te.Enabled {
			errs = append(errs, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.timeout", n.Timeout)
		if n.RatePerSec < 0 {
			errs = append(errs, errors.New("notifier.rate_per_sec must be >= 0"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory", "mem":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
			}
			dur("storage.busy_timeout", st.BusyTimeout)
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
	}

	mc := cfg.Metrics
	dur("metrics.read_timeout", mc.ReadTimeout)
	dur("metrics.write_timeout", mc.WriteTimeout)
	dur("metrics.idle_timeout", mc.IdleTimeout)

	return errors.Join(errs...)
}
