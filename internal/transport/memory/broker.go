// Package memory is an in-process broker implementing transport.Transport.
// The server and the simulator can share one Broker for single-process demos
// and tests.
package memory

import (
	"context"
	"sync"

	"petfeeder/internal/transport"
)

// Broker fans publications out to every client subscribed to the topic.
type Broker struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewBroker() *Broker {
	return &Broker{clients: map[*Client]struct{}{}}
}

// Client returns a new connection to the broker.
func (b *Broker) Client() *Client {
	return &Client{broker: b, topics: map[string]struct{}{}}
}

func (b *Broker) deliver(msg transport.Message) {
	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.receive(msg)
	}
}

// Client is one connection to a Broker. Delivery is asynchronous so a handler
// may publish from inside its callback.
type Client struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
	topics    map[string]struct{}
	handler   transport.Handler
	published []transport.Message
	drop      func(topic string) bool
	wg        sync.WaitGroup
}

var _ transport.Transport = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	_ = ctx
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.broker.mu.Lock()
	c.broker.clients[c] = struct{}{}
	c.broker.mu.Unlock()
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	cp := append([]byte(nil), payload...)
	c.published = append(c.published, transport.Message{Topic: topic, Payload: cp})
	drop := c.drop
	c.mu.Unlock()

	if drop != nil && drop(topic) {
		return nil
	}
	c.broker.deliver(transport.Message{Topic: topic, Payload: cp})
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.handler = h
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Close(ctx context.Context) error {
	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Published returns a copy of everything this client has published.
func (c *Client) Published() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.published...)
}

// DropOutgoing makes the client swallow publications for which fn returns
// true; they are still recorded by Published. Used to simulate a silent device.
func (c *Client) DropOutgoing(fn func(topic string) bool) {
	c.mu.Lock()
	c.drop = fn
	c.mu.Unlock()
}

func (c *Client) receive(msg transport.Message) {
	c.mu.Lock()
	_, ok := c.topics[msg.Topic]
	h := c.handler
	if !ok || h == nil || !c.connected {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		h(msg)
	}()
}
