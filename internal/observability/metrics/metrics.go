// Package metrics turns bus events into Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"habitbot/internal/beat"
	"habitbot/internal/eventbus"
	"habitbot/internal/reminder"
	"habitbot/internal/task/engine"
)

const namespace = "habitbot"

// Collector owns a private registry so tests and multiple instances don't
// collide on the global one.
type Collector struct {
	reg *prometheus.Registry

	reminders      *prometheus.CounterVec
	failures       *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksDropped   *prometheus.CounterVec
	entries        prometheus.Gauge
	reconciliation *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		reminders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_total",
				Help:      "Reminder dispatch outcomes.",
			},
			[]string{"result"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminder_failures_total",
				Help:      "Failed reminder dispatches by reason.",
			},
			[]string{"reason"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration including retries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task", "status"},
		),
		tasksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dropped_total",
				Help:      "Tasks dropped or skipped before execution.",
			},
			[]string{"task", "reason"},
		),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_entries",
			Help:      "Schedule entries registered with the runner after the last sync.",
		}),
		reconciliation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_changes_total",
				Help:      "Schedule reconciliations and removals.",
			},
			[]string{"op"},
		),
	}
	c.reg.MustRegister(
		c.reminders, c.failures, c.taskDuration, c.tasksDropped, c.entries, c.reconciliation,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry (tests, extra collectors).
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe applies one event to the collectors.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.ReminderSent:
		c.reminders.WithLabelValues("sent").Inc()
	case eventbus.ReminderFailed:
		c.reminders.WithLabelValues("failed").Inc()
		reason := "unknown"
		if d, ok := ev.Data.(reminder.DispatchEvent); ok && d.Reason != "" {
			reason = d.Reason
		}
		c.failures.WithLabelValues(reason).Inc()
	case eventbus.TaskFinished, eventbus.TaskFailed:
		if te, ok := ev.Data.(engine.TaskEvent); ok {
			status := "ok"
			if ev.Type == eventbus.TaskFailed {
				status = "error"
			}
			c.taskDuration.WithLabelValues(te.Name, status).Observe(te.Duration.Seconds())
		}
	case eventbus.TaskDropped, eventbus.TaskSkipped:
		if te, ok := ev.Data.(engine.TaskEvent); ok {
			c.tasksDropped.WithLabelValues(te.Name, te.Error).Inc()
		}
	case eventbus.BeatSynced:
		if rep, ok := ev.Data.(beat.SyncReport); ok {
			c.entries.Set(float64(rep.Active))
		}
	case eventbus.ScheduleReconciled:
		c.reconciliation.WithLabelValues("reconciled").Inc()
	case eventbus.ScheduleRemoved:
		c.reconciliation.WithLabelValues("removed").Inc()
	}
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}
