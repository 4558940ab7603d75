// Package habit holds the habit records the reminder engine consumes.
//
// Habits and their owners are persisted by the habit-management service;
// this package only defines the shapes, the periodicity enumeration and the
// read-side Source interface.
package habit
