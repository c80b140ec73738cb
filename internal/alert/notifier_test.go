package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeder"
	"petfeeder/internal/telemetry"
	"petfeeder/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
}

func (f *fakeSender) SendAlert(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func startNotifier(t *testing.T, cfg Config, s Sender) (*Notifier, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	n := NewNotifier(cfg, s, bus, logx.Nop())
	n.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n.Stop(ctx)
	})
	return n, bus
}

func TestLowFoodEventIsSent(t *testing.T) {
	s := &fakeSender{}
	_, bus := startNotifier(t, Config{Enabled: true, RatePerSec: 100}, s)

	bus.Publish(eventbus.Event{Type: eventbus.TypeFoodLow, Data: telemetry.FoodLevel{Current: 150, Max: 1000, Percent: 15}})
	require.Eventually(t, func() bool { return len(s.texts()) == 1 }, time.Second, 10*time.Millisecond)
	require.Contains(t, s.texts()[0], "Low food alert: storage at 15%")
}

func TestOnlyScheduledFailuresAreSent(t *testing.T) {
	s := &fakeSender{}
	_, bus := startNotifier(t, Config{Enabled: true, FailedFeeds: true, RatePerSec: 100}, s)

	bus.Publish(eventbus.Event{Type: eventbus.TypeFeedFailed, Data: feeder.Result{Portion: 50, Scheduled: false, Message: "manual"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFeedFailed, Data: feeder.Result{Portion: 30, Scheduled: true, Message: feeder.MessageTimeout}})

	require.Eventually(t, func() bool { return len(s.texts()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "Scheduled feed of 30 g failed: "+feeder.MessageTimeout, s.texts()[0])
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	s := &fakeSender{}
	n, _ := startNotifier(t, Config{Enabled: true, DedupWindow: time.Hour, RatePerSec: 100}, s)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, "same"))
	require.NoError(t, n.Notify(ctx, "same"))
	require.NoError(t, n.Notify(ctx, "other"))
	require.Eventually(t, func() bool { return len(n.History()) == 2 }, time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"same", "other"}, s.texts())
}

func TestRetryThenSucceed(t *testing.T) {
	s := &fakeSender{fails: 1}
	n, _ := startNotifier(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 2}, s)

	require.NoError(t, n.Notify(context.Background(), "hello"))
	require.Eventually(t, func() bool { return len(s.texts()) == 1 }, 3*time.Second, 20*time.Millisecond)
	h := n.History()
	require.Len(t, h, 1)
	require.Empty(t, h[0].Error)
}

func TestDisabledNotifier(t *testing.T) {
	n := NewNotifier(Config{}, &fakeSender{}, nil, logx.Nop())
	require.ErrorIs(t, n.Notify(context.Background(), "x"), ErrDisabled)

	n = NewNotifier(Config{Enabled: true}, &fakeSender{}, nil, logx.Nop())
	require.ErrorIs(t, n.Notify(context.Background(), "x"), ErrStopped)
}

func TestNewTelegramValidates(t *testing.T) {
	_, err := NewTelegram("", TelegramTarget{ChatID: 1})
	require.Error(t, err)
	_, err = NewTelegram("123:abc", TelegramTarget{})
	require.Error(t, err)
	tg, err := NewTelegram("123:abc", TelegramTarget{ChatID: 42})
	require.NoError(t, err)
	require.NotNil(t, tg)
}
