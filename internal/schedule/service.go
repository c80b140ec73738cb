package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"petfeeder/pkg/logx"
)

// Store is the persistence the service needs. Implementations return
// ErrNotFound and ErrDuplicate (possibly wrapped).
type Store interface {
	ListSchedules(ctx context.Context, activeOnly bool) ([]Schedule, error)
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	CreateSchedule(ctx context.Context, s Schedule) error
	UpdateSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// Syncer keeps live triggers matching the persisted schedules.
type Syncer interface {
	Sync(s Schedule) error
	Remove(id string) bool
}

// CreateInput is a create request. Nil fields are missing.
type CreateInput struct {
	Time    string
	Portion *float64
	Days    *string
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Time    *string
	Portion *float64
	Days    *string
	Active  *bool
}

func (p Patch) empty() bool {
	return p.Time == nil && p.Portion == nil && p.Days == nil && p.Active == nil
}

type Service struct {
	store Store
	sync  Syncer
	log   logx.Logger
	now   func() time.Time

	// mu orders each store mutation with its trigger change.
	mu sync.Mutex
}

func NewService(store Store, syncer Syncer, log logx.Logger) *Service {
	return &Service{store: store, sync: syncer, log: log.With(logx.String("comp", "schedules")), now: time.Now}
}

// List returns active schedules, or all of them when includeInactive is set.
func (s *Service) List(ctx context.Context, includeInactive bool) ([]Schedule, error) {
	return s.store.ListSchedules(ctx, !includeInactive)
}

func (s *Service) Get(ctx context.Context, id string) (Schedule, error) {
	return s.store.GetSchedule(ctx, strings.TrimSpace(id))
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Schedule, error) {
	if strings.TrimSpace(in.Time) == "" || in.Portion == nil {
		return Schedule{}, &ValidationError{Message: "Time and portion are required"}
	}
	sc := Schedule{
		ID:        uuid.NewString(),
		Time:      in.Time,
		Portion:   *in.Portion,
		Days:      AllDays,
		Active:    true,
		CreatedAt: s.now(),
	}
	if in.Days != nil {
		sc.Days = *in.Days
	}
	if err := sc.Normalize(); err != nil {
		return Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return Schedule{}, err
	}
	if err := s.sync.Sync(sc); err != nil {
		return sc, fmt.Errorf("install trigger for %s: %w", sc.ID, err)
	}
	s.log.Info("schedule created",
		logx.String("id", sc.ID),
		logx.String("time", sc.Time),
		logx.Float64("portion", sc.Portion),
		logx.String("days", sc.Days),
	)
	return sc, nil
}

func (s *Service) Update(ctx context.Context, id string, p Patch) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.store.GetSchedule(ctx, strings.TrimSpace(id))
	if err != nil {
		return Schedule{}, err
	}
	if p.empty() {
		return sc, nil
	}
	if p.Time != nil {
		sc.Time = *p.Time
	}
	if p.Portion != nil {
		sc.Portion = *p.Portion
	}
	if p.Days != nil {
		sc.Days = *p.Days
	}
	if p.Active != nil {
		sc.Active = *p.Active
	}
	if err := sc.Normalize(); err != nil {
		return Schedule{}, err
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return Schedule{}, err
	}
	if err := s.sync.Sync(sc); err != nil {
		return sc, fmt.Errorf("replace trigger for %s: %w", sc.ID, err)
	}
	s.log.Info("schedule updated",
		logx.String("id", sc.ID),
		logx.String("time", sc.Time),
		logx.Float64("portion", sc.Portion),
		logx.Bool("active", sc.Active),
	)
	return sc, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.sync.Remove(id)
	s.log.Info("schedule deleted", logx.String("id", id))
	return nil
}

// Restore installs triggers for every active persisted schedule. A schedule
// that cannot be synced is logged and skipped.
func (s *Service) Restore(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}
	n := 0
	var errs []error
	for _, sc := range all {
		if err := s.sync.Sync(sc); err != nil {
			s.log.Error("schedule restore failed", logx.String("id", sc.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	s.log.Info("schedules restored", logx.Int("count", n), logx.Int("failed", len(errs)))
	return n, errors.Join(errs...)
}
