package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeder"
	"petfeeder/internal/schedule"
	"petfeeder/pkg/logx"
)

// fakeTimer fires cron specs against a simulated clock.
type fakeTimer struct {
	mu      sync.Mutex
	now     time.Time
	entries []*fakeEntry
}

type fakeEntry struct {
	t         *fakeTimer
	name      string
	sched     cron.Schedule
	job       func(ctx context.Context) error
	next      time.Time
	cancelled bool
}

func (e *fakeEntry) Cancel() {
	e.t.mu.Lock()
	e.cancelled = true
	e.t.mu.Unlock()
}

func newFakeTimer(start time.Time) *fakeTimer { return &fakeTimer{now: start} }

func (f *fakeTimer) ScheduleRecurring(name, spec string, job func(ctx context.Context) error) (Trigger, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEntry{t: f, name: name, sched: sched, job: job, next: sched.Next(f.now)}
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeTimer) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if !e.cancelled {
			n++
		}
	}
	return n
}

func (f *fakeTimer) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// advance fires every due entry in time order up to and including to.
func (f *fakeTimer) advance(to time.Time) {
	for {
		f.mu.Lock()
		var due *fakeEntry
		for _, e := range f.entries {
			if e.cancelled || e.next.After(to) {
				continue
			}
			if due == nil || e.next.Before(due.next) {
				due = e
			}
		}
		if due == nil {
			f.now = to
			f.mu.Unlock()
			return
		}
		f.now = due.next
		due.next = due.sched.Next(due.next)
		job := due.job
		f.mu.Unlock()
		_ = job(context.Background())
	}
}

type feedCall struct {
	portion   float64
	scheduled bool
	at        time.Time
}

type fakeFeeder struct {
	mu    sync.Mutex
	clock func() time.Time
	err   error
	calls []feedCall
}

func (f *fakeFeeder) Feed(_ context.Context, portion float64, scheduled bool) (feeder.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := f.clock()
	f.calls = append(f.calls, feedCall{portion: portion, scheduled: scheduled, at: at})
	if f.err != nil {
		return feeder.Result{Outcome: feeder.OutcomeDeviceUnavailable}, f.err
	}
	return feeder.Result{Outcome: feeder.OutcomeSuccess, Portion: portion, Scheduled: scheduled, CompletedAt: at}, nil
}

func (f *fakeFeeder) snapshot() []feedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feedCall(nil), f.calls...)
}

type fakeMarker struct {
	mu      sync.Mutex
	marks   map[string][]time.Time
	deleted map[string]bool
}

func (m *fakeMarker) MarkExecuted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted[id] {
		return schedule.ErrNotFound
	}
	if m.marks == nil {
		m.marks = map[string][]time.Time{}
	}
	m.marks[id] = append(m.marks[id], at)
	return nil
}

func (m *fakeMarker) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks[id])
}

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Reconciler, *fakeTimer, *fakeFeeder, *fakeMarker) {
	t.Helper()
	timer := newFakeTimer(monday)
	fd := &fakeFeeder{clock: timer.clock}
	mk := &fakeMarker{}
	return New(timer, fd, mk, eventbus.New(), logx.Nop()), timer, fd, mk
}

func daily(id, at string, portion float64) schedule.Schedule {
	return schedule.Schedule{ID: id, Time: at, Portion: portion, Days: schedule.AllDays, Active: true}
}

func TestDailyTriggerFiresOncePerDayAtScheduledTime(t *testing.T) {
	r, timer, fd, mk := setup(t)
	require.NoError(t, r.Sync(daily("s1", "08:00", 50)))

	timer.advance(monday.Add(48 * time.Hour))

	calls := fd.snapshot()
	require.Len(t, calls, 2)
	for i, c := range calls {
		require.True(t, c.scheduled)
		require.Equal(t, 50.0, c.portion)
		require.Equal(t, 8, c.at.Hour())
		require.Equal(t, 0, c.at.Minute())
		require.Equal(t, monday.AddDate(0, 0, i).Day(), c.at.Day())
	}
	require.Equal(t, 2, mk.count("s1"))
}

func TestUpdateReplacesTrigger(t *testing.T) {
	r, timer, fd, _ := setup(t)
	require.NoError(t, r.Sync(daily("s1", "08:00", 50)))
	require.NoError(t, r.Sync(daily("s2", "18:00", 30)))
	before := r.Len()

	require.NoError(t, r.Sync(daily("s1", "09:30", 50)))
	require.Equal(t, before, r.Len())
	require.Equal(t, before, timer.active())

	timer.advance(monday.Add(24 * time.Hour))
	calls := fd.snapshot()
	require.Len(t, calls, 2)
	sort.Slice(calls, func(i, j int) bool { return calls[i].at.Before(calls[j].at) })
	require.Equal(t, 9, calls[0].at.Hour())
	require.Equal(t, 30, calls[0].at.Minute())
	require.Equal(t, 18, calls[1].at.Hour())
}

func TestRemoveStopsTrigger(t *testing.T) {
	r, timer, fd, _ := setup(t)
	require.NoError(t, r.Sync(daily("s1", "08:00", 50)))
	require.True(t, r.Remove("s1"))
	require.False(t, r.Remove("s1"))

	timer.advance(monday.Add(48 * time.Hour))
	require.Empty(t, fd.snapshot())
	require.Zero(t, r.Len())
	require.Zero(t, timer.active())
}

func TestDeactivateRemovesTrigger(t *testing.T) {
	r, timer, fd, _ := setup(t)
	s := daily("s1", "08:00", 50)
	require.NoError(t, r.Sync(s))
	s.Active = false
	require.NoError(t, r.Sync(s))

	timer.advance(monday.Add(48 * time.Hour))
	require.Empty(t, fd.snapshot())
	require.Zero(t, r.Len())
}

func TestFailedFeedKeepsTrigger(t *testing.T) {
	r, timer, fd, mk := setup(t)
	fd.err = errors.New("device did not respond")
	events, unsub := r.bus.Subscribe(8)
	defer unsub()

	require.NoError(t, r.Sync(daily("s1", "08:00", 50)))
	timer.advance(monday.Add(48 * time.Hour))

	require.Len(t, fd.snapshot(), 2)
	require.Equal(t, 1, r.Len())
	require.Zero(t, mk.count("s1"))

	ev := <-events
	require.Equal(t, eventbus.TypeTriggerFired, ev.Type)
	fired := ev.Data.(Fired)
	require.Equal(t, "s1", fired.ScheduleID)
	require.Error(t, fired.Err)
}

func TestTriggerForDeletedScheduleRemovesItself(t *testing.T) {
	r, timer, fd, mk := setup(t)
	require.NoError(t, r.Sync(daily("s1", "08:00", 50)))
	require.NoError(t, r.Sync(daily("s2", "18:00", 30)))
	mk.deleted = map[string]bool{"s1": true}

	timer.advance(monday.Add(72 * time.Hour))

	s1 := 0
	for _, c := range fd.snapshot() {
		if c.portion == 50 {
			s1++
		}
	}
	require.Equal(t, 1, s1)
	require.Equal(t, 1, r.Len())
	require.Equal(t, 1, timer.active())
	require.Equal(t, 3, mk.count("s2"))
}

func TestWeekdaySelector(t *testing.T) {
	r, timer, fd, _ := setup(t)
	s := daily("s1", "07:15", 40)
	s.Days = "1-5"
	require.NoError(t, r.Sync(s))

	timer.advance(monday.AddDate(0, 0, 7))
	calls := fd.snapshot()
	require.Len(t, calls, 5)
	for _, c := range calls {
		require.NotEqual(t, time.Saturday, c.at.Weekday())
		require.NotEqual(t, time.Sunday, c.at.Weekday())
	}
}

func TestStaleFireAfterReplaceIsIgnored(t *testing.T) {
	r, timer, fd, _ := setup(t)
	require.NoError(t, r.Sync(daily("s1", "08:00", 50)))
	timer.mu.Lock()
	stale := timer.entries[0].job
	timer.mu.Unlock()

	require.NoError(t, r.Sync(daily("s1", "09:00", 50)))
	require.NoError(t, stale(context.Background()))
	require.Empty(t, fd.snapshot())
}

func TestSnapshotListsLiveTriggers(t *testing.T) {
	r, _, _, _ := setup(t)
	require.NoError(t, r.Sync(daily("b", "18:00", 30)))
	require.NoError(t, r.Sync(daily("a", "08:05", 50)))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].ScheduleID)
	require.Equal(t, "5 8 * * *", snap[0].Spec)
}

func TestSyncRejectsBadTime(t *testing.T) {
	r, _, _, _ := setup(t)
	require.Error(t, r.Sync(daily("s1", "25:00", 50)))
	require.Zero(t, r.Len())
}
