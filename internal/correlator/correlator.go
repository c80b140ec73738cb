// Package correlator matches asynchronous device responses to the commands
// that caused them.
//
// Every issued command gets a fresh request id and one pending entry. The
// entry is settled exactly once: by a matching response, by its timeout, by a
// publish failure or by the caller abandoning it. Responses whose id is not
// pending (late, duplicate or foreign) are dropped.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"petfeeder/internal/device"
	"petfeeder/pkg/logx"
)

var (
	// ErrTimeout is returned when the device did not answer in time.
	ErrTimeout = errors.New("device did not respond")
	ErrClosed  = errors.New("correlator closed")
)

// RejectedError is a device response with status "error".
type RejectedError struct {
	Kind    device.ErrorKind
	Message string
	Weights device.Weights
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device rejected command (%s)", e.Kind)
	}
	return "device rejected command: " + e.Message
}

// Publisher sends a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type outcome struct {
	resp device.Response
	err  error
}

type entry struct {
	createdAt time.Time
	done      chan outcome
	timer     *time.Timer
}

type Options struct {
	Topic   string
	Timeout time.Duration
	Now     func() time.Time
	NewID   func() string
}

// Correlator owns the pending-request table.
type Correlator struct {
	pub  Publisher
	log  logx.Logger
	opts Options

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
}

func New(pub Publisher, opts Options, log logx.Logger) *Correlator {
	if opts.Topic == "" {
		opts.Topic = device.TopicCommand
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Correlator{
		pub:     pub,
		log:     log.With(logx.String("comp", "correlator")),
		opts:    opts,
		pending: make(map[string]*entry),
	}
}

// SetTimeout changes the default timeout for commands issued afterwards.
func (c *Correlator) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.opts.Timeout = d
	c.mu.Unlock()
}

// Future is the pending result of one command.
type Future struct {
	c    *Correlator
	id   string
	done <-chan outcome
}

func (f *Future) ID() string { return f.id }

// Wait blocks until the command settles or ctx is done. A cancelled ctx
// abandons the request; a response arriving later is ignored. If the
// request settled before the cancellation took hold, that outcome wins.
func (f *Future) Wait(ctx context.Context) (device.Response, error) {
	select {
	case o := <-f.done:
		return o.resp, o.err
	case <-ctx.Done():
		if !f.c.settle(f.id, outcome{err: ctx.Err()}) {
			o := <-f.done
			return o.resp, o.err
		}
		<-f.done
		return device.Response{}, ctx.Err()
	}
}

// Send registers a pending entry, publishes the command and returns without
// waiting. timeout <= 0 uses the configured default.
func (c *Correlator) Send(ctx context.Context, cmd device.Command, timeout time.Duration) (*Future, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	id := c.opts.NewID()
	for _, dup := c.pending[id]; dup; _, dup = c.pending[id] {
		id = c.opts.NewID()
	}
	e := &entry{createdAt: c.opts.Now(), done: make(chan outcome, 1)}
	c.pending[id] = e
	e.timer = time.AfterFunc(timeout, func() {
		if c.settle(id, outcome{err: ErrTimeout}) {
			c.log.Warn("device response timeout", logx.String("request_id", id), logx.Duration("timeout", timeout))
		}
	})
	c.mu.Unlock()

	cmd.RequestID = id
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = e.createdAt
	}
	payload, err := cmd.Encode()
	if err == nil {
		err = c.pub.Publish(ctx, c.opts.Topic, payload)
	}
	if err != nil {
		err = fmt.Errorf("publish command: %w", err)
		c.settle(id, outcome{err: err})
		return nil, err
	}

	c.log.Debug("command published",
		logx.String("request_id", id),
		logx.String("cmd", string(cmd.Kind)),
		logx.Float64("portion", cmd.Portion),
	)
	return &Future{c: c, id: id, done: e.done}, nil
}

// Issue sends cmd and waits for its settlement.
func (c *Correlator) Issue(ctx context.Context, cmd device.Command, timeout time.Duration) (device.Response, error) {
	f, err := c.Send(ctx, cmd, timeout)
	if err != nil {
		return device.Response{}, err
	}
	return f.Wait(ctx)
}

// OnResponse settles the entry matching resp.RequestID. Unknown ids are a
// no-op. It reports whether a pending entry was settled.
func (c *Correlator) OnResponse(resp device.Response) bool {
	o := outcome{resp: resp}
	if resp.Status == device.StatusError {
		o.err = &RejectedError{Kind: resp.ErrorKind, Message: resp.Message, Weights: resp.Weights}
	}
	if !c.settle(resp.RequestID, o) {
		c.log.Debug("response without pending request", logx.String("request_id", resp.RequestID))
		return false
	}
	return true
}

// settle removes the entry and delivers o. Only the first caller for an id
// wins.
func (c *Correlator) settle(id string, o outcome) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.done <- o
	return true
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending request with ErrClosed and rejects new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.settle(id, outcome{err: ErrClosed})
	}
}
