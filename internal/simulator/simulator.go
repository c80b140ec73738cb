// Package simulator is a software stand-in for the feeder hardware. It
// speaks the device side of the bus protocol.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"petfeeder/internal/device"
	rtsup "petfeeder/internal/runtime/supervisor"
	"petfeeder/internal/transport"
	"petfeeder/pkg/logx"
)

const (
	DefaultPortion = 50.0

	baseFeedingTime = time.Second
	feedingTimePerG = 40 * time.Millisecond
)

type Options struct {
	DeviceID          string
	MaxWeight         float64
	InitialWeight     float64
	TelemetryInterval time.Duration

	// Speed divides every physical delay; 1 is real time.
	Speed  float64
	Topics device.Topics
}

func (o Options) withDefaults() Options {
	if o.DeviceID == "" {
		o.DeviceID = "feeder-001"
	}
	if o.MaxWeight <= 0 {
		o.MaxWeight = 1000
	}
	if o.InitialWeight <= 0 || o.InitialWeight > o.MaxWeight {
		o.InitialWeight = o.MaxWeight
	}
	if o.TelemetryInterval <= 0 {
		o.TelemetryInterval = 5 * time.Second
	}
	if o.Speed <= 0 {
		o.Speed = 1
	}
	o.Topics = o.Topics.WithDefaults()
	return o
}

// FeedingTime is how long the mechanism runs for portion grams.
func FeedingTime(portion float64) time.Duration {
	return baseFeedingTime + time.Duration(portion*float64(feedingTimePerG))
}

type Device struct {
	tr   transport.Transport
	opts Options
	log  logx.Logger
	now  func() time.Time

	mu      sync.Mutex
	current float64
	sup     *rtsup.Supervisor
}

func New(tr transport.Transport, opts Options, log logx.Logger) *Device {
	opts = opts.withDefaults()
	return &Device{
		tr:      tr,
		opts:    opts,
		log:     log.With(logx.String("comp", "simulator"), logx.String("device", opts.DeviceID)),
		now:     time.Now,
		current: opts.InitialWeight,
	}
}

// Weight returns the current storage weight in grams.
func (d *Device) Weight() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Refill tops the storage up to its maximum.
func (d *Device) Refill() {
	d.mu.Lock()
	d.current = d.opts.MaxWeight
	d.mu.Unlock()
	d.log.Info("storage refilled", logx.Float64("weight_g", d.opts.MaxWeight))
}

// Run connects, answers commands and broadcasts telemetry until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(d.log), rtsup.WithCancelOnError(false))
	d.mu.Lock()
	d.sup = sup
	d.mu.Unlock()

	if err := d.tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := d.tr.Subscribe(ctx, []string{d.opts.Topics.Command}, d.handle); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	d.log.Info("device online", logx.Float64("weight_g", d.Weight()), logx.Float64("speed", d.opts.Speed))

	sup.Go0("telemetry", func(c context.Context) {
		d.publishTelemetry(c)
		t := time.NewTicker(d.scaled(d.opts.TelemetryInterval))
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				d.publishTelemetry(c)
			}
		}
	})

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Stop(stopCtx)
	return d.tr.Close(stopCtx)
}

func (d *Device) scaled(v time.Duration) time.Duration {
	return max(time.Duration(float64(v)/d.opts.Speed), time.Millisecond)
}

func (d *Device) weights() device.Weights {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.Weights{Current: device.Float(d.current), Max: device.Float(d.opts.MaxWeight)}
}

func (d *Device) publishTelemetry(ctx context.Context) {
	t := device.Telemetry{DeviceID: d.opts.DeviceID, Timestamp: d.now().UTC(), Weights: d.weights()}
	payload, err := t.Encode()
	if err != nil {
		return
	}
	if err := d.tr.Publish(ctx, d.opts.Topics.Telemetry, payload); err != nil {
		d.log.Debug("telemetry publish failed", logx.Err(err))
	}
}

func (d *Device) handle(msg transport.Message) {
	cmd, err := device.DecodeCommand(msg.Payload)
	if err != nil {
		d.log.Warn("bad command dropped", logx.Err(err))
		return
	}
	switch cmd.Kind {
	case device.CommandFeed:
		d.feed(cmd)
	case device.CommandRefill:
		d.Refill()
		d.reply(device.Response{Status: device.StatusSuccess, RequestID: cmd.RequestID, Weights: d.weights()})
	default:
		d.reply(device.Response{
			Status:    device.StatusError,
			RequestID: cmd.RequestID,
			ErrorKind: device.ErrorKindInvalidCommand,
			Message:   fmt.Sprintf("Unknown command %q", cmd.Kind),
			Weights:   d.weights(),
		})
	}
}

func (d *Device) feed(cmd device.Command) {
	portion := cmd.Portion
	if portion <= 0 {
		portion = DefaultPortion
	}

	d.mu.Lock()
	if portion > d.current {
		avail := d.current
		d.mu.Unlock()
		d.log.Warn("not enough food", logx.Float64("requested_g", portion), logx.Float64("available_g", avail))
		d.reply(device.Response{
			Status:    device.StatusError,
			RequestID: cmd.RequestID,
			ErrorKind: device.ErrorKindInsufficientFood,
			Message:   device.MessageInsufficientFood,
			Weights:   d.weights(),
		})
		return
	}
	d.current -= portion
	sup := d.sup
	d.mu.Unlock()

	ft := FeedingTime(portion)
	d.log.Info("feeding", logx.String("request_id", cmd.RequestID), logx.Float64("portion_g", portion), logx.Duration("feeding_time", ft))
	done := func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.scaled(ft)):
		}
		d.reply(device.Response{
			Status:      device.StatusSuccess,
			RequestID:   cmd.RequestID,
			FeedingTime: ft.Milliseconds(),
			Weights:     d.weights(),
		})
	}
	if sup == nil {
		done(context.Background())
		return
	}
	sup.Go0("feed."+cmd.RequestID, done)
}

func (d *Device) reply(r device.Response) {
	r.Timestamp = d.now().UTC()
	payload, err := r.Encode()
	if err != nil {
		return
	}
	if err := d.tr.Publish(context.Background(), d.opts.Topics.Response, payload); err != nil {
		d.log.Warn("response publish failed", logx.String("request_id", r.RequestID), logx.Err(err))
	}
}
