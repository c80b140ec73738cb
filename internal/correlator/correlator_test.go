package correlator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"petfeeder/internal/device"
	"petfeeder/pkg/logx"
)

type recordingPublisher struct {
	mu   sync.Mutex
	cmds []device.Command
	err  error
	sent chan device.Command
}

func newRecorder() *recordingPublisher {
	return &recordingPublisher{sent: make(chan device.Command, 64)}
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	cmd, err := device.DecodeCommand(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cmds = append(p.cmds, cmd)
	p.mu.Unlock()
	p.sent <- cmd
	return nil
}

func feed(portion float64) device.Command {
	return device.Command{Kind: device.CommandFeed, Portion: portion}
}

func TestIssueResolvesOnMatchingResponse(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: time.Second}, logx.Nop())

	go func() {
		cmd := <-pub.sent
		c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: cmd.RequestID, FeedingTime: 3000})
	}()

	resp, err := c.Issue(context.Background(), feed(50), 0)
	require.NoError(t, err)
	require.Equal(t, int64(3000), resp.FeedingTime)
	require.Zero(t, c.Pending())
}

func TestErrorResponseIsRejected(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: time.Second}, logx.Nop())

	go func() {
		cmd := <-pub.sent
		c.OnResponse(device.Response{
			Status:    device.StatusError,
			RequestID: cmd.RequestID,
			ErrorKind: device.ErrorKindInsufficientFood,
			Message:   device.MessageInsufficientFood,
		})
	}()

	_, err := c.Issue(context.Background(), feed(200), 0)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, device.ErrorKindInsufficientFood, rej.Kind)
	require.Equal(t, device.MessageInsufficientFood, rej.Message)
}

func TestTimeoutRejectsAndDropsLateResponse(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{}, logx.Nop())

	start := time.Now()
	_, err := c.Issue(context.Background(), feed(50), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Zero(t, c.Pending())

	cmd := <-pub.sent
	require.False(t, c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: cmd.RequestID}))
}

func TestUnknownResponseIsIgnored(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: time.Second}, logx.Nop())

	f, err := c.Send(context.Background(), feed(10), 0)
	require.NoError(t, err)
	require.False(t, c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: "someone-else"}))
	require.Equal(t, 1, c.Pending())

	require.True(t, c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: f.ID()}))
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
}

func TestDuplicateResponseSettlesOnce(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: time.Second}, logx.Nop())

	f, err := c.Send(context.Background(), feed(10), 0)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: f.ID(), FeedingTime: int64(i)}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
}

func TestConcurrentCommandsGetOwnResponses(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: 2 * time.Second}, logx.Nop())

	const n = 20
	futures := make([]*Future, n)
	for i := range futures {
		f, err := c.Send(context.Background(), feed(float64(10+i)), 0)
		require.NoError(t, err)
		futures[i] = f
	}

	// Answer in reverse order, echoing the portion as feeding time.
	pub.mu.Lock()
	cmds := append([]device.Command(nil), pub.cmds...)
	pub.mu.Unlock()
	ids := map[string]bool{}
	for i := len(cmds) - 1; i >= 0; i-- {
		ids[cmds[i].RequestID] = true
		c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: cmds[i].RequestID, FeedingTime: int64(cmds[i].Portion)})
	}
	require.Len(t, ids, n)

	for i, f := range futures {
		resp, err := f.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(10+i), resp.FeedingTime)
	}
}

func TestConcurrentCommandsWithLostResponses(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: 200 * time.Millisecond}, logx.Nop())

	const n = 24
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := c.Send(context.Background(), feed(float64(10+i)), 0)
			if err == nil {
				futures[i] = f
			}
		}(i)
	}
	wg.Wait()
	for _, f := range futures {
		require.NotNil(t, f)
	}

	pub.mu.Lock()
	cmds := append([]device.Command(nil), pub.cmds...)
	pub.mu.Unlock()
	require.Len(t, cmds, n)

	// Answer a shuffled half; the rest never arrive.
	rand.Shuffle(len(cmds), func(i, j int) { cmds[i], cmds[j] = cmds[j], cmds[i] })
	answered := map[string]int64{}
	for _, cmd := range cmds[:n/2] {
		answered[cmd.RequestID] = int64(cmd.Portion)
		require.True(t, c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: cmd.RequestID, FeedingTime: int64(cmd.Portion)}))
	}

	for i, f := range futures {
		resp, err := f.Wait(context.Background())
		if want, ok := answered[f.ID()]; ok {
			require.NoError(t, err)
			require.Equal(t, want, resp.FeedingTime)
			require.Equal(t, int64(10+i), resp.FeedingTime)
		} else {
			require.ErrorIs(t, err, ErrTimeout)
		}
		require.Empty(t, f.done)
	}
	require.Zero(t, c.Pending())

	for _, cmd := range cmds[n/2:] {
		require.False(t, c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: cmd.RequestID}))
	}
}

func TestWaitPrefersSettledResponseOverCancel(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: time.Second}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 50 {
		f, err := c.Send(context.Background(), feed(10), 0)
		require.NoError(t, err)
		require.True(t, c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: f.ID(), FeedingTime: 7}))

		resp, err := f.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(7), resp.FeedingTime)
	}
	require.Zero(t, c.Pending())
}

func TestPublishFailureSettlesImmediately(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	pub.err = errors.New("broker down")
	c := New(pub, Options{Timeout: time.Second}, logx.Nop())

	_, err := c.Issue(context.Background(), feed(10), 0)
	require.ErrorContains(t, err, "broker down")
	require.Zero(t, c.Pending())
}

func TestCancelledWaitAbandonsEntry(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	c := New(pub, Options{Timeout: time.Second}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	f, err := c.Send(ctx, feed(10), 0)
	require.NoError(t, err)
	cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, c.Pending())
	require.False(t, c.OnResponse(device.Response{Status: device.StatusSuccess, RequestID: f.ID()}))
}

func TestRequestIDsAreUniqueEvenIfGeneratorRepeats(t *testing.T) {
	t.Parallel()
	pub := newRecorder()
	var n atomic.Int32
	c := New(pub, Options{
		Timeout: time.Second,
		// The first two ids collide, like a millisecond clock would.
		NewID: func() string { return fmt.Sprint(max(n.Add(1), 2)) },
	}, logx.Nop())

	a, err := c.Send(context.Background(), feed(10), 0)
	require.NoError(t, err)
	b, err := c.Send(context.Background(), feed(10), 0)
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestCloseFailsPending(t *testing.T) {
	t.Parallel()
	c := New(newRecorder(), Options{Timeout: time.Second}, logx.Nop())
	f, err := c.Send(context.Background(), feed(10), 0)
	require.NoError(t, err)
	c.Close()
	_, err = f.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Send(context.Background(), feed(10), 0)
	require.ErrorIs(t, err, ErrClosed)
}
