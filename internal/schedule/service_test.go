package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"petfeeder/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]Schedule
}

func newMemStore() *memStore { return &memStore{rows: map[string]Schedule{}} }

func (m *memStore) ListSchedules(_ context.Context, activeOnly bool) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.rows {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) GetSchedule(_ context.Context, id string) (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) clash(s Schedule) bool {
	for id, o := range m.rows {
		if id != s.ID && o.Active && s.Active && o.Time == s.Time && o.Portion == s.Portion {
			return true
		}
	}
	return false
}

func (m *memStore) CreateSchedule(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clash(s) {
		return ErrDuplicate
	}
	m.rows[s.ID] = s
	return nil
}

func (m *memStore) UpdateSchedule(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.ID]; !ok {
		return ErrNotFound
	}
	if m.clash(s) {
		return ErrDuplicate
	}
	m.rows[s.ID] = s
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

type fakeSyncer struct {
	mu   sync.Mutex
	live map[string]Schedule
}

func (f *fakeSyncer) Sync(s Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !s.Active {
		delete(f.live, s.ID)
		return nil
	}
	f.live[s.ID] = s
	return nil
}

func (f *fakeSyncer) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[id]
	delete(f.live, id)
	return ok
}

func ptr[T any](v T) *T { return &v }

func newService() (*Service, *memStore, *fakeSyncer) {
	st := newMemStore()
	sy := &fakeSyncer{live: map[string]Schedule{}}
	return NewService(st, sy, logx.Nop()), st, sy
}

func TestCreateInstallsTrigger(t *testing.T) {
	t.Parallel()
	svc, _, sy := newService()
	sc, err := svc.Create(context.Background(), CreateInput{Time: "8:00", Portion: ptr(50.0)})
	require.NoError(t, err)
	require.Equal(t, "08:00", sc.Time)
	require.Equal(t, AllDays, sc.Days)
	require.True(t, sc.Active)
	require.Nil(t, sc.LastExecutedAt)
	require.Contains(t, sy.live, sc.ID)
}

func TestCreateRequiresTimeAndPortion(t *testing.T) {
	t.Parallel()
	svc, _, sy := newService()
	_, err := svc.Create(context.Background(), CreateInput{Time: "08:00"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "Time and portion are required", ve.Error())

	_, err = svc.Create(context.Background(), CreateInput{Time: "08:00", Portion: ptr(5.0)})
	require.ErrorAs(t, err, &ve)
	require.Empty(t, sy.live)
}

func TestCreateDuplicateRejected(t *testing.T) {
	t.Parallel()
	svc, _, sy := newService()
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateInput{Time: "08:00", Portion: ptr(50.0)})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{Time: "8:00", Portion: ptr(50.0)})
	require.ErrorIs(t, err, ErrDuplicate)
	require.Len(t, sy.live, 1)
}

func TestUpdateReplacesAndDeactivates(t *testing.T) {
	t.Parallel()
	svc, st, sy := newService()
	ctx := context.Background()
	sc, err := svc.Create(ctx, CreateInput{Time: "08:00", Portion: ptr(50.0)})
	require.NoError(t, err)

	up, err := svc.Update(ctx, sc.ID, Patch{Time: ptr("09:15")})
	require.NoError(t, err)
	require.Equal(t, "09:15", up.Time)
	require.Equal(t, "09:15", sy.live[sc.ID].Time)
	require.Len(t, sy.live, 1)

	_, err = svc.Update(ctx, sc.ID, Patch{Active: ptr(false)})
	require.NoError(t, err)
	require.Empty(t, sy.live)
	kept, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.False(t, kept.Active)

	_, err = svc.Update(ctx, "missing", Patch{Active: ptr(true)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesTrigger(t *testing.T) {
	t.Parallel()
	svc, _, sy := newService()
	ctx := context.Background()
	sc, err := svc.Create(ctx, CreateInput{Time: "08:00", Portion: ptr(50.0)})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, sc.ID))
	require.Empty(t, sy.live)
	require.ErrorIs(t, svc.Delete(ctx, sc.ID), ErrNotFound)
}

func TestRestoreSyncsActiveOnly(t *testing.T) {
	t.Parallel()
	svc, st, sy := newService()
	ctx := context.Background()
	st.rows["a"] = Schedule{ID: "a", Time: "08:00", Portion: 40, Days: "*", Active: true}
	st.rows["b"] = Schedule{ID: "b", Time: "12:00", Portion: 30, Days: "*", Active: false}
	n, err := svc.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, sy.live, "a")
}

// pausingStore holds UpdateSchedule open after the row is written.
type pausingStore struct {
	*memStore
	written chan struct{}
	release chan struct{}
}

func (p *pausingStore) UpdateSchedule(ctx context.Context, s Schedule) error {
	if err := p.memStore.UpdateSchedule(ctx, s); err != nil {
		return err
	}
	close(p.written)
	<-p.release
	return nil
}

func TestDeleteDuringUpdateLeavesNoTrigger(t *testing.T) {
	t.Parallel()
	st := &pausingStore{memStore: newMemStore(), written: make(chan struct{}), release: make(chan struct{})}
	sy := &fakeSyncer{live: map[string]Schedule{}}
	svc := NewService(st, sy, logx.Nop())
	ctx := context.Background()

	sc, err := svc.Create(ctx, CreateInput{Time: "08:00", Portion: ptr(50.0)})
	require.NoError(t, err)

	updated := make(chan error, 1)
	go func() {
		_, err := svc.Update(ctx, sc.ID, Patch{Time: ptr("09:00")})
		updated <- err
	}()
	<-st.written

	deleted := make(chan error, 1)
	go func() { deleted <- svc.Delete(ctx, sc.ID) }()
	require.Never(t, func() bool { return len(deleted) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(st.release)
	require.NoError(t, <-updated)
	require.NoError(t, <-deleted)

	_, err = st.GetSchedule(ctx, sc.ID)
	require.ErrorIs(t, err, ErrNotFound)
	sy.mu.Lock()
	defer sy.mu.Unlock()
	require.Empty(t, sy.live)
}
