package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"habitbot/internal/config"
	"habitbot/internal/habit"
	"habitbot/internal/schedule"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestReconcileAndDispatchThroughApp(t *testing.T) {
	t.Setenv(config.EnvTelegramToken, "")
	queries := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Path + "?" + r.URL.RawQuery
	}))
	defer srv.Close()

	path := writeConfig(t, `{
		"telegram": {"token": "T", "base_url": "`+srv.URL+`/bot"},
		"logging": {"level": "error"},
		"scheduler": {"enabled": false}
	}`)
	a, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if _, err := a.Store().PutHabit(ctx, habit.Habit{
		ID: 7, Action: "stretch", Periodicity: habit.TwoTimesInDay, IsActive: true,
		Owner: &habit.Owner{ID: 1, TelegramChatID: "555"},
	}); err != nil {
		t.Fatalf("put habit: %v", err)
	}

	if err := a.Reconciler().ReconcileID(ctx, 7); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	entries, err := a.Store().EntriesByName(ctx, schedule.CalendarEntryName(7))
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries=%v err=%v", entries, err)
	}
	if c := entries[0].Calendar; c == nil || c.Hour != "9,17" || c.Timezone != schedule.DefaultTimezone {
		t.Fatalf("calendar=%+v", entries[0].Calendar)
	}

	if err := a.Dispatcher().Dispatch(ctx, 7); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case q := <-queries:
		want := "/botT/sendMessage?"
		if len(q) < len(want) || q[:len(want)] != want {
			t.Fatalf("query=%q", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no request")
	}
}

func TestStartStopWithReconcileOnStart(t *testing.T) {
	t.Setenv(config.EnvTelegramToken, "")
	path := writeConfig(t, `{
		"logging": {"level": "error"},
		"scheduler": {"enabled": true, "timezone": "UTC", "reconcile_on_start": true, "sync_interval": "1h"}
	}`)
	a, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Store().PutHabit(ctx, habit.Habit{ID: 3, Action: "read", Periodicity: habit.EveryWeek, IsActive: true}); err != nil {
		t.Fatalf("put habit: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	entries, err := a.Store().EntriesByName(ctx, schedule.IntervalEntryName(3))
	if err != nil || len(entries) != 1 {
		t.Fatalf("startup reconcile: entries=%v err=%v", entries, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for a.ready() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("beat never synced: %v", a.ready())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(a.Beat().Snapshot().Entries); n != 1 {
		t.Fatalf("beat entries=%d", n)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestMapBeatConfig(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		Enabled: true, SyncInterval: "10s", MaxStartupSpread: "off", TaskTimeout: "30s",
	}}
	bc, err := mapBeatConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if bc.Timezone != schedule.DefaultTimezone || bc.SyncInterval != 10*time.Second || bc.MaxStartupSpread >= 0 || bc.TaskTimeout != 30*time.Second {
		t.Fatalf("beat cfg=%+v", bc)
	}
}

func TestMapTaskEngineConfigDefaults(t *testing.T) {
	ec, err := mapTaskEngineConfig(&config.Config{Scheduler: config.SchedulerConfig{Enabled: true}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !ec.Enabled || ec.Workers != 4 || ec.QueueSize != 256 || ec.RetryMax != 3 {
		t.Fatalf("engine cfg=%+v", ec)
	}

	off := false
	ec, err = mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{Enabled: &off, Workers: 8, RetryBase: "1s"}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ec.Enabled || ec.Workers != 8 || ec.RetryBase != time.Second {
		t.Fatalf("engine cfg=%+v", ec)
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "memory" {
		t.Fatalf("default storage=%+v err=%v", sc, err)
	}
	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: " ./x.db "}})
	if err != nil || sc.Driver != "sqlite" || sc.Path != "./x.db" || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite storage=%+v err=%v", sc, err)
	}
}
