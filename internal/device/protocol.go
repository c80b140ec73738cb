// Package device defines the message-bus protocol spoken with the feeder
// device: the command sent to it, the correlated response it returns and the
// periodic telemetry it broadcasts.
//
// Everything received from the bus is untrusted input. Parse functions never
// panic and reject payloads that cannot be correlated.
package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default topic names used by the device firmware.
const (
	TopicCommand   = "petfeeder/feedCommand"
	TopicResponse  = "petfeeder/feedResponse"
	TopicTelemetry = "petfeeder/currentFoodStorageWeight"
)

// Topics groups the three topics so deployments can rename them.
type Topics struct {
	Command   string
	Response  string
	Telemetry string
}

// DefaultTopics returns the firmware defaults.
func DefaultTopics() Topics {
	return Topics{Command: TopicCommand, Response: TopicResponse, Telemetry: TopicTelemetry}
}

// WithDefaults fills empty topic names.
func (t Topics) WithDefaults() Topics {
	d := DefaultTopics()
	if strings.TrimSpace(t.Command) == "" {
		t.Command = d.Command
	}
	if strings.TrimSpace(t.Response) == "" {
		t.Response = d.Response
	}
	if strings.TrimSpace(t.Telemetry) == "" {
		t.Telemetry = d.Telemetry
	}
	return t
}

type CommandKind string

const (
	CommandFeed   CommandKind = "FEED"
	CommandRefill CommandKind = "REFILL"
)

// Command is published on the command topic. It is immutable once published.
type Command struct {
	Kind      CommandKind `json:"cmd"`
	Portion   float64     `json:"portion"`
	RequestID string      `json:"requestId"`
	Scheduled bool        `json:"scheduled,omitempty"`
	IssuedAt  time.Time   `json:"timestamp"`
}

func (c Command) Encode() ([]byte, error) { return json.Marshal(c) }

// DecodeCommand is used by the simulator side of the bus.
func DecodeCommand(payload []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorKind is the structured reason carried by an error response.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindInsufficientFood ErrorKind = "INSUFFICIENT_FOOD"
	ErrorKindInvalidCommand   ErrorKind = "INVALID_COMMAND"
	ErrorKindBusy             ErrorKind = "DEVICE_BUSY"
	ErrorKindUnknown          ErrorKind = "UNKNOWN"
)

// MessageInsufficientFood is the user-visible text the firmware sends when the
// storage cannot cover the requested portion.
const MessageInsufficientFood = "Not enough food available for the requested portion"

// Weights are the storage sensor readings in grams. Pointers distinguish
// "absent" from zero.
type Weights struct {
	Current *float64 `json:"currentFoodStorageWeight,omitempty"`
	Max     *float64 `json:"maxFoodStorageWeight,omitempty"`
}

func (w Weights) Present() bool { return w.Current != nil }

// Response is published by the device on the response topic.
type Response struct {
	Status      Status    `json:"status"`
	RequestID   string    `json:"requestId"`
	Message     string    `json:"message,omitempty"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	FeedingTime int64     `json:"feedingTime,omitempty"` // milliseconds
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Weights
}

func (r Response) Encode() ([]byte, error) { return json.Marshal(r) }

var (
	ErrMalformed      = errors.New("malformed payload")
	ErrMissingRequest = errors.New("response has no requestId")
	ErrUnknownStatus  = errors.New("response has unknown status")
)

// ParseResponse decodes and normalises a response payload.
//
// An error response without errorKind is classified from its message only for
// the firmware's canonical insufficient-food text; every other kind-less error
// becomes ErrorKindUnknown.
func ParseResponse(payload []byte) (Response, error) {
	var raw struct {
		Status      string          `json:"status"`
		RequestID   json.RawMessage `json:"requestId"`
		Message     string          `json:"message"`
		ErrorKind   string          `json:"errorKind"`
		FeedingTime float64         `json:"feedingTime"`
		Timestamp   string          `json:"timestamp"`
		Current     *float64        `json:"currentFoodStorageWeight"`
		Max         *float64        `json:"maxFoodStorageWeight"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id := requestIDString(raw.RequestID)
	if id == "" {
		return Response{}, ErrMissingRequest
	}
	r := Response{
		RequestID:   id,
		Message:     strings.TrimSpace(raw.Message),
		FeedingTime: int64(raw.FeedingTime),
		Timestamp:   parseTimestamp(raw.Timestamp),
		Weights:     Weights{Current: raw.Current, Max: raw.Max},
	}
	switch Status(strings.ToLower(strings.TrimSpace(raw.Status))) {
	case StatusSuccess:
		r.Status = StatusSuccess
		r.Message = ""
	case StatusError:
		r.Status = StatusError
		r.ErrorKind = classifyError(raw.ErrorKind, r.Message)
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownStatus, raw.Status)
	}
	return r, nil
}

func classifyError(kind, message string) ErrorKind {
	switch k := ErrorKind(strings.ToUpper(strings.TrimSpace(kind))); k {
	case ErrorKindInsufficientFood, ErrorKindInvalidCommand, ErrorKindBusy:
		return k
	case ErrorKindNone:
		if message == MessageInsufficientFood {
			return ErrorKindInsufficientFood
		}
	}
	return ErrorKindUnknown
}

// requestIDString accepts both string and numeric ids (older firmware echoed
// a millisecond timestamp as a number).
func requestIDString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Telemetry is the periodic, uncorrelated sensor broadcast.
type Telemetry struct {
	DeviceID  string    `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Weights
}

func (t Telemetry) Encode() ([]byte, error) { return json.Marshal(t) }

// ParseTelemetry decodes a telemetry payload. A payload without a current
// weight reading is rejected.
func ParseTelemetry(payload []byte) (Telemetry, error) {
	var raw struct {
		DeviceID  string   `json:"deviceId"`
		Timestamp string   `json:"timestamp"`
		Current   *float64 `json:"currentFoodStorageWeight"`
		Max       *float64 `json:"maxFoodStorageWeight"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Telemetry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Current == nil {
		return Telemetry{}, fmt.Errorf("%w: currentFoodStorageWeight missing", ErrMalformed)
	}
	return Telemetry{
		DeviceID:  strings.TrimSpace(raw.DeviceID),
		Timestamp: parseTimestamp(raw.Timestamp),
		Weights:   Weights{Current: raw.Current, Max: raw.Max},
	}, nil
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Float returns a pointer to v; handy when building Weights.
func Float(v float64) *float64 { return &v }
