// Package reminder keeps schedule entries in step with habits and runs the
// dispatch job that sends a habit's reminder to its owner.
package reminder
