package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"petfeeder/internal/task/engine"
	"petfeeder/pkg/logx"
)

// ScheduleRecurring registers job under name, replacing any previous
// registration with the same name.
func (s *Service) ScheduleRecurring(name, spec string, job func(ctx context.Context) error) (*Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name required")
	}
	if job == nil {
		return nil, errors.New("job required")
	}
	spec = strings.TrimSpace(spec)
	if _, err := s.parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.seq++
	d := &scheduleDef{id: s.seq, name: name, spec: spec, job: job, state: &engine.RunState{}}
	s.defs[name] = d
	if s.c != nil {
		s.addCronLocked(d)
		args := []logx.Field{logx.String("name", name), logx.String("spec", spec)}
		if next := s.previewNextRunsLocked(spec, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("schedule registered", args...)
	}
	return &Handle{s: s, name: name, id: d.id}, nil
}

// AddDaily registers job at HH:MM every day in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, job func(ctx context.Context) error) (*Handle, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return nil, err
	}
	return s.ScheduleRecurring(name, fmt.Sprintf("%d %d * * *", m, h), job)
}

// Cancel removes the registration. It is safe to call more than once.
func (h *Handle) Cancel() {
	if h == nil || h.s == nil {
		return
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.defs[h.name]; ok && d.id == h.id {
		s.removeLocked(h.name)
		s.log.Debug("schedule removed", logx.String("name", h.name))
	}
}

// Remove unschedules name. It reports whether something was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) {
	name, run, state := d.name, d.job, d.state
	job := cron.FuncJob(func() {
		timeout := time.Duration(s.timeout.Load())
		if s.engine == nil {
			ctx, cancel := context.WithTimeout(context.Background(), max(timeout, time.Minute))
			defer cancel()
			if err := run(ctx); err != nil {
				s.log.Warn("schedule run failed", logx.String("schedule", name), logx.Err(err))
			}
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: run, State: state})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	runs := NextRuns(s.parser, spec, time.Now().In(loc), n)
	parts := make([]string, 0, len(runs))
	for _, t := range runs {
		parts = append(parts, t.Format("2006-01-02 15:04"))
	}
	return strings.Join(parts, ", ")
}

// NextRuns returns up to n fire times of spec after from.
func NextRuns(p cron.Parser, spec string, from time.Time, n int) []time.Time {
	sched, err := p.Parse(spec)
	if err != nil {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
