package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"petfeeder/internal/schedule"
	"petfeeder/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, time, portion, days, active, created_at, last_executed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		sc      schedule.Schedule
		active  int
		created int64
		lastRun sql.NullInt64
	)
	if err := r.Scan(&sc.ID, &sc.Time, &sc.Portion, &sc.Days, &active, &created, &lastRun); err != nil {
		return schedule.Schedule{}, err
	}
	sc.Active = active != 0
	sc.CreatedAt = time.UnixMilli(created)
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		sc.LastExecutedAt = &t
	}
	return sc, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context, activeOnly bool) ([]schedule.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY time, created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]schedule.Schedule, 0, 8)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, schedule.ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc schedule.Schedule) error {
	err := retryOp(ctx, defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO schedules(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?)`,
			sc.ID, sc.Time, sc.Portion, sc.Days, boolInt(sc.Active), sc.CreatedAt.UnixMilli(), nullTime(sc.LastExecutedAt),
		)
		return err
	})
	return mapConstraint(err)
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc schedule.Schedule) error {
	var n int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE schedules SET time = ?, portion = ?, days = ?, active = ? WHERE id = ?`,
			sc.Time, sc.Portion, sc.Days, boolInt(sc.Active), sc.ID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return mapConstraint(err)
	}
	if n == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM schedules WHERE id = ?`, id)
}

func (s *sqliteStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE schedules SET last_executed_at = ? WHERE id = ?`, at.UnixMilli(), id)
}

// execOne runs a statement that must touch exactly one schedule row.
func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	var n int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendFeedingLog(ctx context.Context, e FeedingLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return retryOp(ctx, defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO feeding_logs(portion, scheduled, created_at) VALUES(?,?,?)`,
			e.Portion, boolInt(e.Scheduled), e.CreatedAt.UnixMilli(),
		)
		return err
	})
}

func (s *sqliteStore) FeedingLogsSince(ctx context.Context, since time.Time) ([]FeedingLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT portion, scheduled, created_at FROM feeding_logs WHERE created_at >= ? ORDER BY created_at DESC, id DESC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeedingLogEntry
	for rows.Next() {
		var (
			e         FeedingLogEntry
			scheduled int
			created   int64
		)
		if err := rows.Scan(&e.Portion, &scheduled, &created); err != nil {
			return nil, err
		}
		e.Scheduled = scheduled != 0
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, newestFirst)
	return out, nil
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", schedule.ErrDuplicate, err)
		}
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
