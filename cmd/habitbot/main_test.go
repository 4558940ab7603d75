package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"habitbot/internal/schedule"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHabitPutReconcileAndEntries(t *testing.T) {
	t.Setenv("HABITBOT_TELEGRAM_TOKEN", "")
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	body := "logging:\n  level: error\nstorage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "habitbot.db") + "\n"
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := execute(t, "-c", cfg, "habit", "put", "--id", "5", "--owner-id", "1", "--chat-id", "555",
		"--action", "run", "--periodicity", "По средам")
	if err != nil {
		t.Fatalf("habit put: %v (%s)", err, out)
	}
	if !strings.Contains(out, "habit 5 saved") {
		t.Fatalf("out=%q", out)
	}

	out, err = execute(t, "-c", cfg, "entries")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if !strings.Contains(out, schedule.CalendarEntryName(5)) || !strings.Contains(out, "[5]") {
		t.Fatalf("entries out=%q", out)
	}

	out, err = execute(t, "-c", cfg, "remove", "5")
	if err != nil || !strings.Contains(out, "1 entries removed") {
		t.Fatalf("remove: %v (%s)", err, out)
	}
}

func TestReconcileRequiresArgs(t *testing.T) {
	if _, err := execute(t, "-c", "/nonexistent.yaml", "reconcile"); err == nil {
		t.Fatalf("expected error without ids or --all")
	}
	if _, err := execute(t, "-c", "/nonexistent.yaml", "dispatch", "abc"); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestWriteEntries(t *testing.T) {
	var buf bytes.Buffer
	exp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeEntries(&buf, []schedule.Entry{{
		ID: 1, Name: "Habit Reminder Bot", Args: []int64{9}, Enabled: true, Expires: &exp,
		Interval: &schedule.Interval{Every: 1, Period: schedule.Days},
	}}, exp.Add(time.Hour))
	s := buf.String()
	if !strings.Contains(s, "Habit Reminder Bot") || !strings.Contains(s, "false") || !strings.Contains(s, "2024-01-01T00:00:00Z") {
		t.Fatalf("table=%q", s)
	}
}
