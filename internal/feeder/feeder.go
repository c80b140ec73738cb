// Package feeder runs a feed end to end: validate the portion, issue the FEED
// command, interpret the device's answer and record successful feeds.
package feeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"petfeeder/internal/correlator"
	"petfeeder/internal/device"
	"petfeeder/internal/eventbus"
	"petfeeder/internal/observability"
	"petfeeder/internal/storage"
	"petfeeder/pkg/logx"
)

// Outcome classifies a feed attempt.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeInsufficientFood  Outcome = "insufficient_food"
	OutcomeDeviceUnavailable Outcome = "device_unavailable"
	OutcomeValidationError   Outcome = "validation_error"
)

// User-facing messages.
const (
	MessageSuccess        = "Feeding completed successfully"
	MessageInvalidPortion = "Invalid portion value provided"
	MessageTimeout        = "Feeding timeout - device did not respond"
	MessageUnavailable    = "Device unavailable"
)

// ValidationError is rejected input; the device is never contacted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Error is a feed that reached the device path and failed. Unwrap exposes
// correlator.ErrTimeout or *correlator.RejectedError.
type Error struct {
	Outcome Outcome
	Message string
	Err     error
}

func (e *Error) Error() string { return fmt.Sprintf("feed %s: %v", e.Outcome, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Result describes a feed attempt.
type Result struct {
	Outcome     Outcome        `json:"outcome"`
	Portion     float64        `json:"portion"`
	Scheduled   bool           `json:"scheduled"`
	RequestID   string         `json:"requestId,omitempty"`
	FeedingTime time.Duration  `json:"-"`
	Weights     device.Weights `json:"-"`
	Message     string         `json:"message"`
	CompletedAt time.Time      `json:"completedAt"`
}

// Commander issues a correlated device command.
type Commander interface {
	Send(ctx context.Context, cmd device.Command, timeout time.Duration) (*correlator.Future, error)
}

// FeedLog records successful feeds.
type FeedLog interface {
	AppendFeedingLog(ctx context.Context, e storage.FeedingLogEntry) error
}

type Options struct {
	Timeout    time.Duration
	MaxPortion float64
}

type Orchestrator struct {
	cmd     Commander
	feedLog FeedLog
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu   sync.RWMutex
	opts Options
}

func New(cmd Commander, feedLog FeedLog, bus eventbus.Bus, opts Options, log logx.Logger) *Orchestrator {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Orchestrator{
		cmd:     cmd,
		feedLog: feedLog,
		bus:     bus,
		log:     log.With(logx.String("comp", "feeder")),
		now:     time.Now,
		opts:    opts,
	}
}

// SetOptions applies a hot-reloaded timeout and portion cap.
func (o *Orchestrator) SetOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

func (o *Orchestrator) options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

// ValidatePortion checks a requested portion in grams.
func (o *Orchestrator) ValidatePortion(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return &ValidationError{Message: MessageInvalidPortion}
	}
	if limit := o.options().MaxPortion; limit > 0 && p > limit {
		return &ValidationError{Message: fmt.Sprintf("Portion exceeds the maximum of %g g", limit)}
	}
	return nil
}

// Feed runs one feed. A non-success outcome is returned both in Result and as
// a *ValidationError or *Error.
func (o *Orchestrator) Feed(ctx context.Context, portion float64, scheduled bool) (Result, error) {
	res := Result{Portion: portion, Scheduled: scheduled}
	if err := o.ValidatePortion(portion); err != nil {
		res.Outcome, res.Message = OutcomeValidationError, err.Error()
		return res, err
	}

	ctx, span := observability.StartSpan(ctx, "feeder.Feed",
		attribute.Float64("feed.portion", portion),
		attribute.Bool("feed.scheduled", scheduled),
	)
	defer span.End()

	opts := o.options()
	start := o.now()
	fut, err := o.cmd.Send(ctx, device.Command{Kind: device.CommandFeed, Portion: portion, Scheduled: scheduled, IssuedAt: start}, opts.Timeout)
	var resp device.Response
	if err == nil {
		res.RequestID = fut.ID()
		span.SetAttributes(attribute.String("feed.request_id", res.RequestID))
		resp, err = fut.Wait(ctx)
	}
	res.CompletedAt = o.now()

	if err != nil {
		ferr := classify(err)
		res.Outcome, res.Message = ferr.Outcome, ferr.Message
		var rej *correlator.RejectedError
		if errors.As(err, &rej) {
			res.Weights = rej.Weights
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ferr.Outcome))
		o.log.Warn("feed failed",
			logx.String("request_id", res.RequestID),
			logx.Float64("portion", portion),
			logx.Bool("scheduled", scheduled),
			logx.String("outcome", string(ferr.Outcome)),
			logx.Err(err),
		)
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedFailed, Time: res.CompletedAt, Data: res})
		return res, ferr
	}

	res.Outcome = OutcomeSuccess
	res.Message = MessageSuccess
	res.FeedingTime = time.Duration(resp.FeedingTime) * time.Millisecond
	res.Weights = resp.Weights

	if o.feedLog != nil {
		// The feed already happened; a lost log entry is reported but not fatal.
		entry := storage.FeedingLogEntry{Portion: portion, Scheduled: scheduled, CreatedAt: res.CompletedAt}
		if err := o.feedLog.AppendFeedingLog(context.WithoutCancel(ctx), entry); err != nil {
			o.log.Error("feeding log append failed", logx.String("request_id", res.RequestID), logx.Err(err))
		}
	}
	o.log.Info("feed completed",
		logx.String("request_id", res.RequestID),
		logx.Float64("portion", portion),
		logx.Bool("scheduled", scheduled),
		logx.Duration("took", res.CompletedAt.Sub(start)),
	)
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedCompleted, Time: res.CompletedAt, Data: res})
	return res, nil
}

func classify(err error) *Error {
	var rej *correlator.RejectedError
	switch {
	case errors.As(err, &rej) && rej.Kind == device.ErrorKindInsufficientFood:
		msg := rej.Message
		if msg == "" {
			msg = device.MessageInsufficientFood
		}
		return &Error{Outcome: OutcomeInsufficientFood, Message: msg, Err: err}
	case errors.As(err, &rej):
		msg := rej.Message
		if msg == "" {
			msg = "Device reported an error"
		}
		return &Error{Outcome: OutcomeDeviceUnavailable, Message: msg, Err: err}
	case errors.Is(err, correlator.ErrTimeout):
		return &Error{Outcome: OutcomeDeviceUnavailable, Message: MessageTimeout, Err: err}
	default:
		return &Error{Outcome: OutcomeDeviceUnavailable, Message: MessageUnavailable, Err: err}
	}
}

// ParsePortion decodes a client-supplied portion. Numbers and numeric strings
// are accepted; anything else, or a missing value, is a ValidationError.
func ParsePortion(raw json.RawMessage) (float64, error) {
	invalid := &ValidationError{Message: MessageInvalidPortion}
	if len(raw) == 0 || string(raw) == "null" {
		return 0, invalid
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, invalid
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, invalid
	}
	return n, nil
}
