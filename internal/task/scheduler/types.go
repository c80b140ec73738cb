package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"petfeeder/internal/task/engine"
	"petfeeder/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	Timeout  time.Duration
}

type scheduleDef struct {
	id      uint64
	name    string
	spec    string
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *engine.RunState
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	// timeout is read by firing jobs, which must not take mu: cron.Stop
	// waits for running jobs while mu is held during a restart.
	timeout atomic.Int64

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef
	seq    uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Handle cancels one registration. Cancelling a handle whose name was since
// re-registered leaves the newer registration in place.
type Handle struct {
	s    *Service
	name string
	id   uint64
}

type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
