package config

import (
	"reflect"
	"sort"
	"strings"

	"habitbot/pkg/logx"
)

// Restart-only sections: a change is logged but only takes effect on restart.
var restartOnly = map[string]bool{"storage": true, "telegram": true}

// RequiresRestart reports whether section changes need a process restart.
func RequiresRestart(section string) bool { return restartOnly[section] }

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Tokens are never included, only whether
// they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.BotEnabled != nt.BotEnabled ||
		strings.TrimSpace(ot.BaseURL) != strings.TrimSpace(nt.BaseURL) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.bot_enabled", nt.BotEnabled),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		sc := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", sc.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
			logx.String("scheduler.sync_interval", strings.TrimSpace(sc.SyncInterval)),
			logx.Bool("scheduler.legacy_interval_entries", sc.LegacyIntervalEntries),
			logx.Bool("scheduler.prune_expired", sc.PruneExpired),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.timeout", strings.TrimSpace(nN.Timeout)),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		mc := newCfg.Metrics
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", mc.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(mc.Addr)),
			logx.Bool("metrics.pprof", mc.Pprof),
			logx.Bool("metrics.token_set", strings.TrimSpace(mc.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
