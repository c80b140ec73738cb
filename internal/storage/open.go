package storage

import (
	"errors"
	"strings"

	"petfeeder/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", DriverSQLite, "sqlite3":
		return openSQLite(cfg, log)
	case DriverFile:
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func newestFirst(a, b FeedingLogEntry) int {
	return b.CreatedAt.Compare(a.CreatedAt)
}
