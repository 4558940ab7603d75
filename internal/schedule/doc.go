// Package schedule turns habit periodicities into recurring schedule specs
// and maintains the periodic-task registry entries that fire reminders.
//
// The registry itself is an injected collaborator (Registry); storage
// provides SQLite and in-memory implementations and the beat package reads
// the entries back to trigger jobs.
package schedule

import _ "time/tzdata" // calendar specs carry IANA zones; containers often lack zoneinfo
