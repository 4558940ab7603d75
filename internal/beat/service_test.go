package beat

import (
	"context"
	"sync"
	"testing"
	"time"

	"habitbot/internal/eventbus"
	"habitbot/internal/schedule"
	"habitbot/internal/storage"
	"habitbot/internal/task/engine"
	"habitbot/pkg/logx"
)

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	ran   chan []int64
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{ran: make(chan []int64, 16)}
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return t.Run(context.Background())
}

func (r *recordingEngine) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

type fixture struct {
	st  *storage.Memory
	eng *recordingEngine
	svc *Service

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cfg.Enabled = true
	cfg.SyncInterval = time.Hour
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	f := &fixture{
		st:  storage.NewMemory(),
		eng: newRecordingEngine(),
		now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(cfg, f.st, f.eng, logx.Nop(), eventbus.New())
	f.svc.now = f.clock
	f.svc.Register(schedule.DispatchTask, func(ctx context.Context, args []int64) error {
		f.eng.ran <- args
		return nil
	})
	f.svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.svc.Stop(ctx)
	})
	return f
}

func (f *fixture) addEntry(t *testing.T, e schedule.Entry) schedule.EntryID {
	t.Helper()
	ctx := context.Background()
	if e.Task == "" {
		e.Task = schedule.DispatchTask
	}
	if e.IntervalID == 0 && e.CrontabID == 0 {
		id, err := f.st.GetOrCreateCrontab(ctx, schedule.Calendar{Minute: "0", Hour: "8", Timezone: "UTC"})
		if err != nil {
			t.Fatal(err)
		}
		e.CrontabID = id
	}
	id, err := f.st.CreateEntry(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	if err := f.svc.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func names(s Snapshot) []string {
	out := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Name)
	}
	return out
}

func TestSyncRegistersOnlyActiveEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	past := f.now.Add(-time.Minute)
	future := f.now.Add(time.Hour)
	f.addEntry(t, schedule.Entry{Name: "on", Args: []int64{1}, Enabled: true})
	f.addEntry(t, schedule.Entry{Name: "off", Args: []int64{2}, Enabled: false})
	f.addEntry(t, schedule.Entry{Name: "expired", Args: []int64{3}, Enabled: true, Expires: &past})
	f.addEntry(t, schedule.Entry{Name: "later", Args: []int64{4}, Enabled: true, Expires: &future})
	f.sync(t)

	got := names(f.svc.Snapshot())
	if len(got) != 2 || got[0] != "on" || got[1] != "later" {
		t.Fatalf("registered=%v want [on later]", got)
	}
	for _, e := range f.svc.Snapshot().Entries {
		if e.Next.IsZero() {
			t.Fatalf("entry %s has no next run", e.Name)
		}
	}
}

func TestSyncReRegistersChangedAndDropsDeleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	id := f.addEntry(t, schedule.Entry{Name: "habit_1_crontab", Args: []int64{1}, Enabled: true})
	f.sync(t)
	before := f.svc.Snapshot().Entries[0]

	ct, err := f.st.GetOrCreateCrontab(ctx, schedule.Calendar{Minute: "0", Hour: "9,17", Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.UpsertEntry(ctx, schedule.Entry{Name: "habit_1_crontab", Task: schedule.DispatchTask, Args: []int64{1}, CrontabID: ct, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	f.sync(t)
	after := f.svc.Snapshot().Entries[0]
	if after.ID != id || after.Spec == before.Spec {
		t.Fatalf("spec not updated: before=%q after=%q", before.Spec, after.Spec)
	}
	if after.Spec != "CRON_TZ=UTC 0 9,17 * * *" {
		t.Fatalf("spec=%q", after.Spec)
	}

	if _, err := f.st.DeleteEntries(ctx, "habit_1_crontab"); err != nil {
		t.Fatal(err)
	}
	f.sync(t)
	if n := len(f.svc.Snapshot().Entries); n != 0 {
		t.Fatalf("entries=%d want 0", n)
	}
}

func TestFireEnqueuesAndMarksRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := f.addEntry(t, schedule.Entry{Name: "habit_42_crontab", Args: []int64{42}, Enabled: true})
	f.sync(t)

	f.svc.fire(id)

	select {
	case args := <-f.eng.ran:
		if len(args) != 1 || args[0] != 42 {
			t.Fatalf("args=%v want [42]", args)
		}
	case <-time.After(time.Second):
		t.Fatalf("job did not run")
	}

	got, err := f.st.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got[0].TotalRunCount != 1 || got[0].LastRunAt == nil || !got[0].LastRunAt.Equal(f.now) {
		t.Fatalf("run not recorded: count=%d last=%v", got[0].TotalRunCount, got[0].LastRunAt)
	}
	if !got[0].Enabled {
		t.Fatalf("recurring entry must stay enabled")
	}
}

func TestFireDisablesOneOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := f.addEntry(t, schedule.Entry{Name: "once", Args: []int64{7}, Enabled: true, OneOff: true})
	f.sync(t)

	f.svc.fire(id)
	<-f.eng.ran

	got, err := f.st.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Enabled {
		t.Fatalf("one-off entry still enabled")
	}
	if n := len(f.svc.Snapshot().Entries); n != 0 {
		t.Fatalf("one-off entry still registered")
	}
	f.sync(t)
	if n := len(f.svc.Snapshot().Entries); n != 0 {
		t.Fatalf("disabled entry re-registered")
	}
}

func TestFireSkipsExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	exp := f.now.Add(time.Minute)
	id := f.addEntry(t, schedule.Entry{Name: "legacy", Args: []int64{1}, Enabled: true, Expires: &exp})
	f.sync(t)

	f.advance(2 * time.Minute)
	f.svc.fire(id)
	if f.eng.count() != 0 {
		t.Fatalf("expired entry fired")
	}
	if n := len(f.svc.Snapshot().Entries); n != 0 {
		t.Fatalf("expired entry still registered")
	}
}

func TestSyncPrunesExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{PruneExpired: true})
	past := f.now.Add(-time.Hour)
	f.addEntry(t, schedule.Entry{Name: "stale", Enabled: true, Expires: &past})
	f.addEntry(t, schedule.Entry{Name: "fresh", Enabled: true})
	f.sync(t)

	got, err := f.st.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "fresh" {
		t.Fatalf("entries=%v", got)
	}
}

func TestSyncPublishesReport(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	svc := New(Config{Enabled: true, Timezone: "UTC", SyncInterval: time.Hour}, st, newRecordingEngine(), logx.Nop(), bus)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != eventbus.BeatSynced {
			t.Fatalf("type=%s", ev.Type)
		}
		if _, ok := ev.Data.(SyncReport); !ok {
			t.Fatalf("data=%T", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no sync event")
	}
}

func TestIntervalEntryFiresEndToEnd(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	eng := newRecordingEngine()
	svc := New(Config{Enabled: true, Timezone: "UTC", MaxStartupSpread: -1, SyncInterval: time.Hour}, st, eng, logx.Nop(), nil)
	svc.Register(schedule.DispatchTask, func(ctx context.Context, args []int64) error {
		eng.ran <- args
		return nil
	})

	ctx := context.Background()
	iv, err := st.GetOrCreateInterval(ctx, schedule.Interval{Every: 1, Period: schedule.Seconds})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertEntry(ctx, schedule.Entry{Name: "habit_5_interval", Task: schedule.DispatchTask, Args: []int64{5}, IntervalID: iv, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	svc.Start(ctx)
	defer svc.Stop(ctx)

	select {
	case args := <-eng.ran:
		if args[0] != 5 {
			t.Fatalf("args=%v", args)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("interval entry did not fire")
	}
}

func TestIntervalScheduleAnchoring(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	sched, jitter := intervalSchedule(day, now, nil, -1, "x")
	if jitter != 0 || !sched.Next(now).Equal(now.Add(day)) {
		t.Fatalf("fresh entry: next=%v jitter=%s", sched.Next(now), jitter)
	}

	last := now.Add(-time.Hour)
	sched, _ = intervalSchedule(day, now, &last, time.Minute, "x")
	if !sched.Next(now).Equal(last.Add(day)) {
		t.Fatalf("anchored: next=%v want %v", sched.Next(now), last.Add(day))
	}

	overdue := now.Add(-2 * day)
	sched, jitter = intervalSchedule(day, now, &overdue, time.Minute, "x")
	next := sched.Next(now)
	if next.Before(now) || next.After(now.Add(time.Minute)) || jitter >= time.Minute {
		t.Fatalf("overdue: next=%v jitter=%s", next, jitter)
	}
}
