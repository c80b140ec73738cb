package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops a run while a previous one is queued or
	// running. It is the zero value.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// RunState tracks whether a task is already queued or in flight.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queueDelay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine. State gates overlap; tasks
// sharing a State never run concurrently under OverlapSkipIfRunning.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Overlap OverlapPolicy
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	Workers        int           `json:"workers"`
	QueueLen       int           `json:"queueLen"`
	QueueCap       int           `json:"queueCap"`
	InFlight       int           `json:"inFlight"`
	Dropped        uint64        `json:"dropped"`
	Skipped        uint64        `json:"skipped"`
	DefaultTimeout time.Duration `json:"defaultTimeout"`
	History        []HistoryItem `json:"history,omitempty"`
}
