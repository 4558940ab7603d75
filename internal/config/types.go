package config

// EnvTelegramToken overrides telegram.token when set.
const EnvTelegramToken = "HABITBOT_TELEGRAM_TOKEN"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls the periodic-task registry and the beat runner.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired entries.
	// If omitted, the engine follows scheduler.enabled with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	// Token is the Bot API token (do not log). HABITBOT_TELEGRAM_TOKEN wins.
	Token string `json:"token"`
	// BaseURL is the Bot API prefix the token is appended to.
	BaseURL string `json:"base_url,omitempty"`
	// BotEnabled starts the long-polling bot that answers /start and /id.
	BotEnabled bool `json:"bot_enabled,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the beat runner and how habits map to entries.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Europe/Moscow"
//   - sync_interval: "30s"
//   - max_startup_spread: "30s" ("off" disables it)
//   - task_timeout: "0s" (engine default)
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	SyncInterval string `json:"sync_interval,omitempty"`

	// LegacyIntervalEntries keeps the historical behavior of creating a new,
	// 24h-expiring interval entry on every save.
	LegacyIntervalEntries bool `json:"legacy_interval_entries,omitempty"`

	// ReconcileOnStart rewrites every active habit's entry at startup and
	// removes entries whose habit is gone.
	ReconcileOnStart bool `json:"reconcile_on_start,omitempty"`

	// PruneExpired deletes expired entries from the registry during sync.
	PruneExpired bool `json:"prune_expired,omitempty"`

	MaxStartupSpread string `json:"max_startup_spread,omitempty"`
	TaskTimeout      string `json:"task_timeout,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// NotifierConfig controls reminder delivery over the Bot API.
type NotifierConfig struct {
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the registry and habit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./habitbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the ops HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
