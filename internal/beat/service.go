package beat

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"habitbot/internal/eventbus"
	rtsup "habitbot/internal/runtime/supervisor"
	"habitbot/internal/schedule"
	"habitbot/internal/task/engine"
	"habitbot/pkg/logx"
)

func New(cfg Config, reg schedule.Registry, eng Enqueuer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		reg:         reg,
		eng:         eng,
		now:         time.Now,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		kick:        make(chan struct{}, 1),
		jobs:        map[string]JobFunc{},
		defs:        map[schedule.EntryID]*entryDef{},
		lastEnqWarn: map[string]time.Time{},
		missingWarn: map[string]bool{},
	}
}

// Register binds a task name (an entry's Task field) to its job.
func (s *Service) Register(task string, fn JobFunc) {
	s.mu.Lock()
	s.jobs[strings.TrimSpace(task)] = fn
	s.mu.Unlock()
	s.Kick()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change restarts cron and re-registers
// every entry; a new sync interval takes effect on the next tick.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Kick requests an immediate sync.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start starts cron triggering and the sync loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.c.Start()
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "beat"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	loc := s.loc
	s.mu.Unlock()

	sup.GoRestart("sync", s.loop, time.Second, time.Minute)
	s.log.Info("beat started", logx.String("tz", loc.String()))
}

// Stop stops triggering; registry entries are untouched.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c, s.sup = nil, nil
	s.defs = map[schedule.EntryID]*entryDef{}
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("beat stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context) error {
	for {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("beat sync failed", logx.Err(err))
		}
		s.mu.Lock()
		every := s.cfg.SyncInterval
		s.mu.Unlock()

		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

// Sync reconciles the cron instance with the registry once.
func (s *Service) Sync(ctx context.Context) error {
	start := time.Now()
	rep := SyncReport{}

	s.mu.Lock()
	prune := s.cfg.PruneExpired
	running := s.c != nil
	s.mu.Unlock()
	if !running {
		return errors.New("beat not running")
	}

	if prune {
		n, err := s.reg.PruneExpired(ctx, s.now())
		if err != nil {
			return s.syncFailed(fmt.Errorf("prune expired: %w", err))
		}
		rep.Pruned = n
		if n > 0 {
			s.log.Info("expired entries pruned", logx.Int("count", n))
		}
	}

	entries, err := s.reg.Entries(ctx)
	if err != nil {
		return s.syncFailed(fmt.Errorf("list entries: %w", err))
	}
	rep.Entries = len(entries)

	now := s.now()
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return nil
	}
	seen := make(map[schedule.EntryID]bool, len(entries))
	for _, e := range entries {
		if !e.Active(now) {
			continue
		}
		spec, ok := specString(e)
		if !ok {
			s.log.Warn("entry has no schedule", logx.String("name", e.Name), logx.Int64("id", int64(e.ID)))
			continue
		}
		seen[e.ID] = true
		key := fingerprint(e, spec)
		if d, ok := s.defs[e.ID]; ok {
			if d.key == key {
				d.entry = e
				continue
			}
			s.unregisterLocked(e.ID)
			rep.Removed++
		}
		d := &entryDef{entry: e, spec: spec, key: key, state: &engine.RunState{}}
		if err := s.addLocked(d, now); err != nil {
			s.log.Error("entry register failed", logx.String("name", e.Name), logx.String("spec", spec), logx.Err(err))
			continue
		}
		s.defs[e.ID] = d
		rep.Added++
	}
	for id := range s.defs {
		if !seen[id] {
			s.unregisterLocked(id)
			rep.Removed++
		}
	}
	rep.Active = len(s.defs)
	rep.Took = time.Since(start)
	rep.Finished = s.now()
	s.lastSync = rep.Finished
	s.lastSyncErr = nil
	s.mu.Unlock()

	if rep.Added > 0 || rep.Removed > 0 {
		s.log.Info("beat synced", logx.Int("entries", rep.Entries), logx.Int("active", rep.Active),
			logx.Int("added", rep.Added), logx.Int("removed", rep.Removed), logx.Duration("took", rep.Took))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BeatSynced, Data: rep})
	return nil
}

func (s *Service) syncFailed(err error) error {
	s.mu.Lock()
	s.lastSyncErr = err
	s.mu.Unlock()
	return err
}

// specString renders the cron spec registered for e.
func specString(e schedule.Entry) (string, bool) {
	sp, ok := e.Spec()
	if !ok {
		return "", false
	}
	switch sp.Kind {
	case schedule.KindInterval:
		d := sp.Interval.Duration()
		if d <= 0 {
			return "", false
		}
		return "@every " + d.String(), true
	case schedule.KindCalendar:
		return sp.Calendar.Expr(), true
	default:
		return "", false
	}
}

// fingerprint changes whenever a field that affects triggering changes.
func fingerprint(e schedule.Entry, spec string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%v|%t", spec, e.Task, e.Args, e.OneOff)
	if e.Expires != nil {
		fmt.Fprintf(&b, "|%d", e.Expires.UnixMilli())
	}
	return b.String()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Not waiting for Done: running firings take s.mu.
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	now := s.now()
	for _, id := range slices.Sorted(maps.Keys(s.defs)) {
		d := s.defs[id]
		d.cronID = 0
		if err := s.addLocked(d, now); err != nil {
			s.log.Error("entry re-register failed", logx.String("name", d.entry.Name), logx.Err(err))
			delete(s.defs, id)
		}
	}
	s.c.Start()
	s.log.Info("beat restarted", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
