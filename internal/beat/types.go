package beat

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"habitbot/internal/eventbus"
	rtsup "habitbot/internal/runtime/supervisor"
	"habitbot/internal/schedule"
	"habitbot/internal/task/engine"
	"habitbot/pkg/logx"
)

const (
	DefaultSyncInterval = 30 * time.Second
	defaultMaxSpread    = 30 * time.Second
)

// Config controls the runner.
type Config struct {
	Enabled bool
	// Timezone is the cron location for specs without CRON_TZ.
	Timezone     string
	SyncInterval time.Duration
	// PruneExpired deletes expired entries from the registry during sync.
	PruneExpired bool
	// MaxStartupSpread bounds the random first-run delay of interval entries.
	// 0 means the default; negative disables spreading.
	MaxStartupSpread time.Duration
	// TaskTimeout is passed to the engine for each firing (0: engine default).
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.MaxStartupSpread == 0 {
		c.MaxStartupSpread = defaultMaxSpread
	}
	return c
}

// JobFunc executes a periodic task with the entry's positional arguments.
type JobFunc func(ctx context.Context, args []int64) error

// Enqueuer accepts tasks for execution.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type entryDef struct {
	entry   schedule.Entry
	spec    string
	key     string
	cronID  cron.EntryID
	spread  time.Duration
	state   *engine.RunState
	skipped bool // no job registered for entry.Task
}

// Service keeps a cron instance in step with the registry.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	reg schedule.Registry
	eng Enqueuer
	now func() time.Time

	parser cron.Parser
	c      *cron.Cron
	sup    *rtsup.Supervisor
	kick   chan struct{}

	jobs map[string]JobFunc
	defs map[schedule.EntryID]*entryDef

	lastSync    time.Time
	lastSyncErr error

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
	missingWarn map[string]bool
}

// SyncReport is the payload of beat.synced events.
type SyncReport struct {
	Entries  int           `json:"entries"`
	Active   int           `json:"active"`
	Added    int           `json:"added"`
	Removed  int           `json:"removed"`
	Pruned   int           `json:"pruned"`
	Took     time.Duration `json:"took"`
	Finished time.Time     `json:"finished"`
}

type EntryInfo struct {
	ID      schedule.EntryID
	Name    string
	Task    string
	Args    []int64
	Spec    string
	OneOff  bool
	Expires *time.Time
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled      bool
	Timezone     string
	SyncInterval time.Duration
	LastSync     time.Time
	LastSyncErr  string
	Entries      []EntryInfo
	Engine       engine.Snapshot
}
