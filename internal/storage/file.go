package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"petfeeder/internal/schedule"
	"petfeeder/pkg/logx"
)

// fileStore keeps everything in memory and persists to:
//   - <prefix>.schedules.json (snapshot, rewritten atomically on change)
//   - <prefix>.feeding.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	schedules    map[string]schedule.Schedule

	logFile *os.File
	logs    []FeedingLogEntry
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		snapshotPath: prefix + ".schedules.json",
		schedules:    map[string]schedule.Schedule{},
	}
	if err := st.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logPath := prefix + ".feeding.jsonl"
	if err := st.replayLog(logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.logFile = f
	log.Info("storage opened", logx.String("path", prefix), logx.Int("schedules", len(st.schedules)), logx.Int("feedings", len(st.logs)))
	return st, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []schedule.Schedule
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, sc := range list {
		s.schedules[sc.ID] = sc
	}
	return nil
}

func (s *fileStore) replayLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e FeedingLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn last line after a crash is skipped.
			continue
		}
		s.logs = append(s.logs, e)
	}
	return sc.Err()
}

// persistLocked rewrites the snapshot via a temp file and rename.
func (s *fileStore) persistLocked() error {
	list := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		list = append(list, sc)
	}
	slices.SortFunc(list, func(a, b schedule.Schedule) int { return a.CreatedAt.Compare(b.CreatedAt) })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) clashLocked(sc schedule.Schedule) bool {
	if !sc.Active {
		return false
	}
	for id, o := range s.schedules {
		if id != sc.ID && o.Active && o.Time == sc.Time && o.Portion == sc.Portion {
			return true
		}
	}
	return false
}

func (s *fileStore) ListSchedules(ctx context.Context, activeOnly bool) ([]schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		if activeOnly && !sc.Active {
			continue
		}
		out = append(out, sc)
	}
	slices.SortFunc(out, func(a, b schedule.Schedule) int {
		if c := strings.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *fileStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return schedule.Schedule{}, schedule.ErrNotFound
	}
	return sc, nil
}

func (s *fileStore) CreateSchedule(ctx context.Context, sc schedule.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sc.ID]; exists || s.clashLocked(sc) {
		return schedule.ErrDuplicate
	}
	s.schedules[sc.ID] = sc
	if err := s.persistLocked(); err != nil {
		delete(s.schedules, sc.ID)
		return err
	}
	return nil
}

func (s *fileStore) UpdateSchedule(ctx context.Context, sc schedule.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.schedules[sc.ID]
	if !ok {
		return schedule.ErrNotFound
	}
	if s.clashLocked(sc) {
		return schedule.ErrDuplicate
	}
	sc.CreatedAt = prev.CreatedAt
	sc.LastExecutedAt = prev.LastExecutedAt
	return s.replaceLocked(prev, sc)
}

func (s *fileStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.schedules[id]
	if !ok {
		return schedule.ErrNotFound
	}
	next := prev
	next.LastExecutedAt = &at
	return s.replaceLocked(prev, next)
}

func (s *fileStore) replaceLocked(prev, next schedule.Schedule) error {
	s.schedules[next.ID] = next
	if err := s.persistLocked(); err != nil {
		s.schedules[prev.ID] = prev
		return err
	}
	return nil
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.schedules[id]
	if !ok {
		return schedule.ErrNotFound
	}
	delete(s.schedules, id)
	if err := s.persistLocked(); err != nil {
		s.schedules[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendFeedingLog(ctx context.Context, e FeedingLogEntry) error {
	_ = ctx
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return errors.New("feeding log closed")
	}
	if err := json.NewEncoder(s.logFile).Encode(e); err != nil {
		return err
	}
	s.logs = append(s.logs, e)
	return nil
}

func (s *fileStore) FeedingLogsSince(ctx context.Context, since time.Time) ([]FeedingLogEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FeedingLogEntry, 0, len(s.logs))
	for _, e := range s.logs {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, newestFirst)
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}
