// Package engine executes fired tasks on a bounded worker pool with
// per-task timeouts, overlap gating and panic recovery.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "petfeeder/internal/runtime/supervisor"
	"petfeeder/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32
	dropped  atomic.Uint64
	skipped  atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	track      bool
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "taskengine"))}
}

// Apply updates the config. Worker and queue changes take effect on the
// next Start; timeouts and history apply immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	stopCh, queue := s.stopCh, s.q
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), 250*time.Millisecond, 5*time.Second, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			return nil
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for in-flight tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	} else {
		s.log.Info("task engine stopped")
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopping := s.cfg, s.q, s.stopping
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	track := t.Overlap == OverlapSkipIfRunning
	if track && !t.State.tryAcquire() {
		s.skipped.Add(1)
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	select {
	case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, track: track}:
		return nil
	default:
		if track {
			t.State.release()
		}
		s.dropped.Add(1)
		if s.shouldWarn(now) {
			s.log.Warn("task dropped: queue full",
				logx.String("task", t.Name),
				logx.Int("queue_cap", cap(q)),
				logx.Uint64("dropped", s.dropped.Load()),
			)
		}
		return ErrQueueFull
	}
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastQueueFullWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastQueueFullWarnAt.CompareAndSwap(prev, n)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:        q != nil,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Dropped:        s.dropped.Load(),
		Skipped:        s.skipped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
