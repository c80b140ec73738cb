package scheduler

import (
	"sort"
	"time"

	"petfeeder/internal/task/engine"
)

// EngineSnapshotter is implemented by *engine.Service.
type EngineSnapshotter interface {
	Snapshot() engine.Snapshot
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	c := s.c
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		} else if runs := NextRuns(s.parser, d.spec, time.Now().In(loc), 1); len(runs) == 1 {
			it.Next = runs[0]
		}
		items = append(items, it)
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	snap := Snapshot{Enabled: enabled, Running: c != nil, Timezone: loc.String(), Schedules: items}
	if es, ok := eng.(EngineSnapshotter); ok {
		snap.Engine = es.Snapshot()
	}
	return snap
}
