package beat

import (
	"maps"
	"slices"
	"time"

	"habitbot/internal/task/engine"
)

// Snapshot lists registered entries with their next and previous run times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{
		Enabled:      s.cfg.Enabled,
		Timezone:     loc.String(),
		SyncInterval: s.cfg.SyncInterval,
		LastSync:     s.lastSync,
	}
	if s.lastSyncErr != nil {
		snap.LastSyncErr = s.lastSyncErr.Error()
	}
	for _, id := range slices.Sorted(maps.Keys(s.defs)) {
		d := s.defs[id]
		it := EntryInfo{
			ID:      id,
			Name:    d.entry.Name,
			Task:    d.entry.Task,
			Args:    slices.Clone(d.entry.Args),
			Spec:    d.spec,
			OneOff:  d.entry.OneOff,
			Expires: d.entry.Expires,
			Spread:  d.spread,
		}
		if s.c != nil && d.cronID != 0 {
			ce := s.c.Entry(d.cronID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		snap.Entries = append(snap.Entries, it)
	}
	if es, ok := s.eng.(interface{ Snapshot() engine.Snapshot }); ok {
		snap.Engine = es.Snapshot()
	}
	return snap
}
