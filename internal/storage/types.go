package storage

import (
	"context"
	"time"

	"petfeeder/internal/schedule"
)

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"

	DefaultPath = "./data/petfeeder.db"
)

// Config configures storage. An empty Driver selects sqlite.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FeedingLogEntry is written once per successfully completed feed.
type FeedingLogEntry struct {
	Portion   float64   `json:"portion"`
	Scheduled bool      `json:"scheduled,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence API used by the feeder and schedule services.
type Store interface {
	schedule.Store

	// MarkExecuted sets lastExecutedAt; a missing schedule is ErrNotFound.
	MarkExecuted(ctx context.Context, id string, at time.Time) error

	AppendFeedingLog(ctx context.Context, e FeedingLogEntry) error
	// FeedingLogsSince returns entries created at or after since, newest first.
	FeedingLogsSince(ctx context.Context, since time.Time) ([]FeedingLogEntry, error)

	Close() error
}
