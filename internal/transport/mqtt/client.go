// Package mqtt implements transport.Transport on an MQTT broker using the
// Eclipse Paho client. Subscriptions are re-established on every reconnect.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"petfeeder/internal/transport"
	"petfeeder/pkg/logx"
)

type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Client is a reconnecting MQTT connection.
type Client struct {
	opts Options
	log  logx.Logger
	cli  paho.Client

	mu      sync.Mutex
	topics  []string
	handler transport.Handler
}

var _ transport.Transport = (*Client)(nil)

func New(opts Options, log logx.Logger) *Client {
	if opts.ClientID == "" {
		opts.ClientID = "petfeeder-" + uuid.NewString()[:8]
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	c := &Client{opts: opts, log: log.With(logx.String("comp", "mqtt"))}

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn("mqtt connection lost", logx.Err(err))
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			c.log.Debug("mqtt reconnecting", logx.String("broker", opts.Broker))
		})
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	c.cli = paho.NewClient(po)
	return c
}

// Connect starts the connection. With connect-retry enabled paho keeps trying
// in the background, so an unreachable broker is logged and not fatal.
func (c *Client) Connect(ctx context.Context) error {
	tok := c.cli.Connect()
	if err := wait(ctx, tok, c.opts.ConnectTimeout); err != nil {
		if errors.Is(err, errTokenTimeout) {
			c.log.Warn("mqtt broker not reachable yet; retrying in background", logx.String("broker", c.opts.Broker))
			return nil
		}
		return fmt.Errorf("mqtt connect %s: %w", c.opts.Broker, err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.cli.IsConnectionOpen() {
		return transport.ErrNotConnected
	}
	tok := c.cli.Publish(topic, c.opts.QoS, false, payload)
	if err := wait(ctx, tok, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	c.mu.Lock()
	c.topics = append([]string(nil), topics...)
	c.handler = h
	c.mu.Unlock()

	if !c.cli.IsConnectionOpen() {
		// onConnect subscribes once the connection is up.
		return nil
	}
	return c.subscribe(ctx)
}

func (c *Client) subscribe(ctx context.Context) error {
	c.mu.Lock()
	topics, h := c.topics, c.handler
	c.mu.Unlock()
	if len(topics) == 0 || h == nil {
		return nil
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = c.opts.QoS
	}
	tok := c.cli.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		h(transport.Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if err := wait(ctx, tok, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	c.log.Info("mqtt subscribed", logx.Any("topics", topics))
	return nil
}

func (c *Client) onConnect(paho.Client) {
	c.log.Info("mqtt connected", logx.String("broker", c.opts.Broker), logx.String("client_id", c.opts.ClientID))
	// Handlers run on paho's goroutine; subscribing here must not block it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		defer cancel()
		if err := c.subscribe(ctx); err != nil {
			c.log.Error("mqtt resubscribe failed", logx.Err(err))
		}
	}()
}

func (c *Client) Connected() bool { return c.cli.IsConnectionOpen() }

func (c *Client) Close(ctx context.Context) error {
	quiesce := uint(250)
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < 250*time.Millisecond {
			quiesce = uint(max(left.Milliseconds(), 0))
		}
	}
	c.cli.Disconnect(quiesce)
	return nil
}

var errTokenTimeout = errors.New("timed out")

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errTokenTimeout
	}
}
