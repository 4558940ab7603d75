package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"habitbot/internal/beat"
	"habitbot/internal/eventbus"
	"habitbot/internal/reminder"
	"habitbot/internal/task/engine"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	return rec.Body.String()
}

func assertLine(t *testing.T, body, line string) {
	t.Helper()
	for _, l := range strings.Split(body, "\n") {
		if l == line {
			return
		}
	}
	t.Fatalf("missing line %q", line)
}

func TestObserveReminderOutcomes(t *testing.T) {
	t.Parallel()
	c := New()

	c.Observe(eventbus.Event{Type: eventbus.ReminderSent, Data: reminder.DispatchEvent{HabitID: 1}})
	c.Observe(eventbus.Event{Type: eventbus.ReminderSent, Data: reminder.DispatchEvent{HabitID: 2}})
	c.Observe(eventbus.Event{Type: eventbus.ReminderFailed, Data: reminder.DispatchEvent{HabitID: 3, Reason: reminder.ReasonNoRecipient}})

	body := scrape(t, c)
	assertLine(t, body, `habitbot_reminders_total{result="sent"} 2`)
	assertLine(t, body, `habitbot_reminders_total{result="failed"} 1`)
	assertLine(t, body, `habitbot_reminder_failures_total{reason="no_recipient"} 1`)
}

func TestObserveSyncAndTasks(t *testing.T) {
	t.Parallel()
	c := New()

	c.Observe(eventbus.Event{Type: eventbus.BeatSynced, Data: beat.SyncReport{Active: 5}})
	c.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Name: "reminder.dispatch", Duration: 20 * time.Millisecond}})
	c.Observe(eventbus.Event{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Name: "reminder.dispatch", Error: "queue_full"}})

	body := scrape(t, c)
	assertLine(t, body, `habitbot_schedule_entries 5`)
	assertLine(t, body, `habitbot_task_duration_seconds_count{status="ok",task="reminder.dispatch"} 1`)
	assertLine(t, body, `habitbot_tasks_dropped_total{reason="queue_full",task="reminder.dispatch"} 1`)
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(scrape(t, c), `habitbot_reminders_total{result="sent"}`) {
		if time.Now().After(deadline) {
			t.Fatalf("event not consumed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.ReminderSent})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
