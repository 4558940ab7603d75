package beat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"habitbot/internal/schedule"
	"habitbot/internal/task/engine"
	"habitbot/pkg/logx"
)

const (
	enqueueWarnThrottle = 5 * time.Second
	markRunTimeout      = 5 * time.Second
)

// addLocked registers d with cron. Call with s.mu held.
func (s *Service) addLocked(d *entryDef, now time.Time) error {
	id := d.entry.ID
	job := cron.FuncJob(func() { s.fire(id) })

	var sched cron.Schedule
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		dur, err := time.ParseDuration(every)
		if err != nil || dur <= 0 {
			return fmt.Errorf("bad interval %q", every)
		}
		var jitter time.Duration
		sched, jitter = intervalSchedule(dur, now.In(s.loc), d.entry.LastRunAt, s.cfg.MaxStartupSpread, d.entry.Name)
		d.spread = jitter
	} else {
		var err error
		sched, err = s.parser.Parse(d.spec)
		if err != nil {
			return err
		}
		d.spread = 0
	}
	d.cronID = s.c.Schedule(sched, job)

	if _, ok := s.jobs[d.entry.Task]; !ok && !s.missingWarn[d.entry.Task] {
		s.missingWarn[d.entry.Task] = true
		s.log.Warn("no job registered for task; firings will be skipped", logx.String("task", d.entry.Task))
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("entry registered",
			logx.String("name", d.entry.Name),
			logx.Int64("id", int64(id)),
			logx.String("spec", d.spec),
			logx.Duration("spread", d.spread),
			logx.String("next", s.previewNextLocked(d.cronID)))
	}
	return nil
}

// unregisterLocked removes the entry from cron. Call with s.mu held.
func (s *Service) unregisterLocked(id schedule.EntryID) {
	d, ok := s.defs[id]
	if !ok {
		return
	}
	if s.c != nil && d.cronID != 0 {
		s.c.Remove(d.cronID)
	}
	delete(s.defs, id)
	s.log.Debug("entry unregistered", logx.String("name", d.entry.Name), logx.Int64("id", int64(id)))
}

func (s *Service) previewNextLocked(id cron.EntryID) string {
	if s.c == nil || id == 0 {
		return ""
	}
	next := s.c.Entry(id).Next
	if next.IsZero() {
		return ""
	}
	return next.Format(time.RFC3339)
}

// fire is the cron callback for one entry.
func (s *Service) fire(id schedule.EntryID) {
	s.mu.Lock()
	d, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e := d.entry
	state := d.state
	job := s.jobs[e.Task]
	timeout := s.cfg.TaskTimeout
	ctx := context.Background()
	if s.sup != nil {
		ctx = s.sup.Context()
	}
	now := s.now()
	if e.Expired(now) {
		s.unregisterLocked(id)
		s.mu.Unlock()
		s.log.Info("entry expired; not firing", logx.String("name", e.Name), logx.Int64("id", int64(id)))
		return
	}
	s.mu.Unlock()

	if job == nil {
		s.reportEnqueueError(e.Name, fmt.Errorf("no job registered for task %q", e.Task))
		return
	}

	args := slices.Clone(e.Args)
	err := s.eng.Enqueue(engine.Task{
		Name:    e.Task,
		Key:     fmt.Sprintf("%s#%d", e.Name, e.ID),
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return job(ctx, args) },
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		State:   state,
	})
	if err != nil {
		s.reportEnqueueError(e.Name, err)
		return
	}

	mctx, cancel := context.WithTimeout(ctx, markRunTimeout)
	defer cancel()
	if err := s.reg.MarkRun(mctx, id, now); err != nil {
		s.log.Warn("mark run failed", logx.String("name", e.Name), logx.Int64("id", int64(id)), logx.Err(err))
	}
	s.mu.Lock()
	if d, ok := s.defs[id]; ok {
		at := now.UTC()
		d.entry.LastRunAt = &at
		d.entry.TotalRunCount++
	}
	s.mu.Unlock()

	if e.OneOff {
		if err := s.reg.DisableEntry(mctx, id); err != nil {
			s.log.Warn("disable one-off entry failed", logx.String("name", e.Name), logx.Err(err))
		}
		s.mu.Lock()
		s.unregisterLocked(id)
		s.mu.Unlock()
	}
}

func (s *Service) reportEnqueueError(name string, err error) {
	// Overlap skips happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("entry trigger skipped", logx.String("entry", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("entry failed to enqueue task", logx.String("entry", name), logx.Err(err))
}
