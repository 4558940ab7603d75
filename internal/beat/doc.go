// Package beat is the periodic-task runner.
//
// It mirrors the schedule registry into a trigger-only robfig/cron instance:
// every sync it reads the entries, registers the enabled and unexpired ones,
// drops the rest and re-registers entries whose schedule changed. Each firing
// enqueues a task on the engine, records the run on the entry and disables
// one-off entries. Execution itself belongs to the engine.
package beat
