// Package alert turns food.low and failed scheduled feeds into operator
// notifications with dedup, rate limiting and retry.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeder"
	rtsup "petfeeder/internal/runtime/supervisor"
	"petfeeder/internal/telemetry"
	"petfeeder/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert notifier stopped")
)

// Sender delivers one alert text.
type Sender interface {
	SendAlert(ctx context.Context, text string) error
}

type Config struct {
	Enabled     bool
	FailedFeeds bool
	DedupWindow time.Duration
	RatePerSec  int
	RetryMax    int
	QueueSize   int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

type Notifier struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	queue chan string
	sup   *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func NewNotifier(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Notifier {
	if bus == nil {
		bus = eventbus.Nop()
	}
	n := &Notifier{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "alert")),
		now:    time.Now,
		dedup:  map[uint64]time.Time{},
	}
	n.applyLocked(cfg)
	return n
}

func (n *Notifier) Apply(cfg Config) {
	n.mu.Lock()
	n.applyLocked(cfg)
	n.mu.Unlock()
}

func (n *Notifier) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSender swaps the delivery channel, e.g. after a token change.
func (n *Notifier) SetSender(s Sender) {
	n.mu.Lock()
	n.sender = s
	n.mu.Unlock()
}

// Start subscribes to the bus and starts the delivery worker. It is idempotent.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queue != nil {
		return
	}
	n.queue = make(chan string, n.cfg.QueueSize)
	n.sup = rtsup.New(ctx, rtsup.WithLogger(n.log), rtsup.WithCancelOnError(false))

	q := n.queue
	events, unsub := n.bus.Subscribe(64)
	n.sup.Go0("events", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.handle(c, ev)
			}
		}
	})
	n.sup.GoRestart("sender", 500*time.Millisecond, 10*time.Second, func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case text := <-q:
				n.deliver(c, text)
			}
		}
	})
}

// Stop cancels the workers. Queued alerts are dropped.
func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	sup := n.sup
	n.sup, n.queue = nil, nil
	n.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (n *Notifier) handle(ctx context.Context, ev eventbus.Event) {
	var text string
	switch ev.Type {
	case eventbus.TypeFoodLow:
		lvl, ok := ev.Data.(telemetry.FoodLevel)
		if !ok {
			return
		}
		text = fmt.Sprintf("Low food alert: storage at %.0f%% (%.0f g of %.0f g)", lvl.Percent, lvl.Current, lvl.Max)
	case eventbus.TypeFoodRestored:
		lvl, ok := ev.Data.(telemetry.FoodLevel)
		if !ok {
			return
		}
		text = fmt.Sprintf("Food storage back to %.0f%% (%.0f g)", lvl.Percent, lvl.Current)
	case eventbus.TypeFeedFailed:
		res, ok := ev.Data.(feeder.Result)
		if !ok || !res.Scheduled {
			return
		}
		n.mu.Lock()
		enabled := n.cfg.FailedFeeds
		n.mu.Unlock()
		if !enabled {
			return
		}
		text = fmt.Sprintf("Scheduled feed of %g g failed: %s", res.Portion, res.Message)
	default:
		return
	}
	if err := n.Notify(ctx, text); err != nil && !errors.Is(err, ErrDisabled) {
		n.log.Info("alert not queued", logx.String("event", ev.Type), logx.Err(err))
	}
}

// Notify queues text unless the same text was sent within the dedup window.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	cfg, q, sender := n.cfg, n.queue, n.sender
	n.mu.Unlock()
	if !cfg.Enabled || sender == nil {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	if !n.dedupAllow(text, cfg.DedupWindow) {
		n.log.Debug("alert deduplicated", logx.String("text", text))
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendAlert implements logx.AlertSender so WARN+ log lines share the same
// rate limit and dedup.
func (n *Notifier) SendAlert(ctx context.Context, text string) error {
	return n.Notify(ctx, text)
}

func (n *Notifier) History() []HistoryItem {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	return append([]HistoryItem(nil), n.history...)
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	n.mu.Lock()
	cfg, lim, sender := n.cfg, n.limiter, n.sender
	n.mu.Unlock()
	if sender == nil {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = sender.SendAlert(callCtx, text)
		cancel()
		if lastErr == nil {
			break
		}
		n.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Err(lastErr))
		if attempt > cfg.RetryMax {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(attempt)):
		}
	}

	item := HistoryItem{At: n.now(), Text: text}
	if lastErr != nil {
		item.Error = lastErr.Error()
		// Not Warn: that would feed back through the alert sink.
		n.log.Info("alert dropped after retries", logx.Err(lastErr))
	}
	n.hmu.Lock()
	n.history = append(n.history, item)
	if len(n.history) > 100 {
		n.history = n.history[len(n.history)-100:]
	}
	n.hmu.Unlock()
}

func (n *Notifier) dedupAllow(text string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()
	now := n.now()

	n.dmu.Lock()
	defer n.dmu.Unlock()
	if until, ok := n.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range n.dedup {
		if !now.Before(until) {
			delete(n.dedup, k)
		}
	}
	n.dedup[key] = now.Add(window)
	return true
}

// retryDelay is 500ms doubled per attempt with 0.7..1.3 jitter, capped at 10s.
func retryDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond
	for i := 1; i < attempt && d < 10*time.Second; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, 10*time.Second)
}
