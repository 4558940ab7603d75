// Package storage persists habits, users and the periodic-task registry.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
//   - "memory": process-local maps, for tests and dry runs
package storage
