package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"petfeeder/internal/transport"
)

func TestBrokerDeliversToSubscribedTopicsOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker()
	pub, sub := b.Client(), b.Client()
	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))

	got := make(chan transport.Message, 4)
	require.NoError(t, sub.Subscribe(ctx, []string{"a"}, func(m transport.Message) { got <- m }))

	require.NoError(t, pub.Publish(ctx, "b", []byte("ignored")))
	require.NoError(t, pub.Publish(ctx, "a", []byte("hello")))

	select {
	case m := <-got:
		require.Equal(t, "a", m.Topic)
		require.Equal(t, "hello", string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	select {
	case m := <-got:
		t.Fatalf("unexpected delivery: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
	require.Len(t, pub.Published(), 2)
}

func TestPublishRequiresConnect(t *testing.T) {
	t.Parallel()
	c := NewBroker().Client()
	err := c.Publish(context.Background(), "a", nil)
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestDropOutgoingStillRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker()
	pub, sub := b.Client(), b.Client()
	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))
	got := make(chan transport.Message, 1)
	require.NoError(t, sub.Subscribe(ctx, []string{"a"}, func(m transport.Message) { got <- m }))

	pub.DropOutgoing(func(string) bool { return true })
	require.NoError(t, pub.Publish(ctx, "a", []byte("x")))
	require.Len(t, pub.Published(), 1)
	select {
	case <-got:
		t.Fatal("dropped message was delivered")
	case <-time.After(50 * time.Millisecond):
	}
}
