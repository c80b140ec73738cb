// Package reconciler keeps one live recurring trigger per active schedule.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeder"
	"petfeeder/internal/schedule"
	"petfeeder/pkg/logx"
)

// Trigger is a live recurring timer.
type Trigger interface {
	Cancel()
}

// Timer installs recurring triggers from cron specs.
type Timer interface {
	ScheduleRecurring(name, spec string, job func(ctx context.Context) error) (Trigger, error)
}

type Feeder interface {
	Feed(ctx context.Context, portion float64, scheduled bool) (feeder.Result, error)
}

// ExecutionMarker records a successful scheduled feed.
type ExecutionMarker interface {
	MarkExecuted(ctx context.Context, id string, at time.Time) error
}

// Fired is the payload of trigger.fired events.
type Fired struct {
	ScheduleID string
	Portion    float64
	Err        error
}

// LiveTrigger describes one installed trigger.
type LiveTrigger struct {
	ScheduleID  string    `json:"scheduleId"`
	Spec        string    `json:"cron"`
	Time        string    `json:"time"`
	Portion     float64   `json:"portion"`
	Days        string    `json:"days"`
	InstalledAt time.Time `json:"installedAt"`
}

type live struct {
	sched   schedule.Schedule
	spec    string
	trigger Trigger
	at      time.Time
}

type Reconciler struct {
	timer  Timer
	feed   Feeder
	marker ExecutionMarker
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu   sync.Mutex
	live map[string]*live
}

func New(timer Timer, feed Feeder, marker ExecutionMarker, bus eventbus.Bus, log logx.Logger) *Reconciler {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Reconciler{
		timer:  timer,
		feed:   feed,
		marker: marker,
		bus:    bus,
		log:    log.With(logx.String("comp", "reconciler")),
		now:    time.Now,
		live:   map[string]*live{},
	}
}

func triggerName(id string) string { return "schedule:" + id }

// Sync installs or replaces the trigger for s. An inactive schedule is
// removed. Any prior trigger for the id is cancelled before the new one is
// installed, so at most one exists per id.
func (r *Reconciler) Sync(s schedule.Schedule) error {
	if s.ID == "" {
		return errors.New("schedule id required")
	}
	if !s.Active {
		r.Remove(s.ID)
		return nil
	}
	spec, err := s.CronExpr()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.live[s.ID]; ok {
		prev.trigger.Cancel()
		delete(r.live, s.ID)
	}
	entry := &live{sched: s, spec: spec, at: r.now()}
	trig, err := r.timer.ScheduleRecurring(triggerName(s.ID), spec, func(ctx context.Context) error {
		return r.fire(ctx, s.ID, entry)
	})
	if err != nil {
		return fmt.Errorf("install trigger for %s: %w", s.ID, err)
	}
	entry.trigger = trig
	r.live[s.ID] = entry
	r.log.Debug("trigger installed", logx.String("id", s.ID), logx.String("cron", spec), logx.Float64("portion", s.Portion))
	return nil
}

// Remove cancels the trigger for id. It reports whether one existed.
func (r *Reconciler) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.live[id]
	if !ok {
		return false
	}
	prev.trigger.Cancel()
	delete(r.live, id)
	r.log.Debug("trigger removed", logx.String("id", id))
	return true
}

// removeEntry cancels entry only if it is still the live trigger for id.
func (r *Reconciler) removeEntry(id string, entry *live) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.live[id]; !ok || cur != entry {
		return false
	}
	entry.trigger.Cancel()
	delete(r.live, id)
	return true
}

// Len returns the number of live triggers.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Reconciler) Snapshot() []LiveTrigger {
	r.mu.Lock()
	out := make([]LiveTrigger, 0, len(r.live))
	for id, l := range r.live {
		out = append(out, LiveTrigger{
			ScheduleID:  id,
			Spec:        l.spec,
			Time:        l.sched.Time,
			Portion:     l.sched.Portion,
			Days:        l.sched.Days,
			InstalledAt: l.at,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// fire runs one scheduled feed. Failures are logged and returned for the
// task history; the trigger stays installed either way.
func (r *Reconciler) fire(ctx context.Context, id string, entry *live) (err error) {
	r.mu.Lock()
	cur, ok := r.live[id]
	r.mu.Unlock()
	if !ok || cur != entry {
		// Replaced or removed after the timer fired.
		return nil
	}
	portion := entry.sched.Portion

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduled feed panic: %v", p)
			r.log.Error("scheduled feed panic", logx.String("id", id), logx.Any("panic", p))
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Data: Fired{ScheduleID: id, Portion: portion, Err: err}})
	}()

	res, err := r.feed.Feed(ctx, portion, true)
	if err != nil {
		r.log.Warn("scheduled feed failed", logx.String("id", id), logx.Float64("portion", portion), logx.Err(err))
		return err
	}
	at := res.CompletedAt
	if at.IsZero() {
		at = r.now()
	}
	if r.marker != nil {
		merr := r.marker.MarkExecuted(context.WithoutCancel(ctx), id, at)
		switch {
		case errors.Is(merr, schedule.ErrNotFound):
			// The schedule is gone; this trigger must not fire again.
			if r.removeEntry(id, entry) {
				r.log.Warn("trigger removed for deleted schedule", logx.String("id", id))
			}
		case merr != nil:
			r.log.Warn("mark executed failed", logx.String("id", id), logx.Err(merr))
		}
	}
	r.log.Info("scheduled feed completed", logx.String("id", id), logx.Float64("portion", portion))
	return nil
}
