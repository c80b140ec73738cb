package storage

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Transient SQLite errors (busy, locked, WAL short reads) are retried with
// exponential backoff and jitter; busy_timeout only covers SQLITE_BUSY.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code&0xff == sqlite3.SQLITE_BUSY || code&0xff == sqlite3.SQLITE_LOCKED || code == sqlite3.SQLITE_IOERR_SHORT_READ
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt == cfg.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}
	return lastErr
}

func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := min(cfg.baseDelay<<uint(attempt), cfg.maxDelay)
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
