// Package dispatch routes inbound transport messages to their consumers.
package dispatch

import (
	"petfeeder/internal/device"
	"petfeeder/internal/transport"
	"petfeeder/pkg/logx"
)

// Responses receives correlated command responses.
type Responses interface {
	OnResponse(device.Response) bool
}

// State receives anything that carries storage weights.
type State interface {
	OnTelemetry(device.Telemetry)
	OnResponse(device.Response)
}

// Dispatcher demultiplexes by topic. Malformed payloads are logged and
// dropped; they never reach the correlator.
type Dispatcher struct {
	topics    device.Topics
	responses Responses
	state     State
	log       logx.Logger
}

func New(topics device.Topics, responses Responses, state State, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		topics:    topics.WithDefaults(),
		responses: responses,
		state:     state,
		log:       log.With(logx.String("comp", "dispatch")),
	}
}

// Topics lists the topics the dispatcher consumes.
func (d *Dispatcher) Topics() []string {
	return []string{d.topics.Response, d.topics.Telemetry}
}

// Handle is a transport.Handler.
func (d *Dispatcher) Handle(msg transport.Message) {
	switch msg.Topic {
	case d.topics.Response:
		resp, err := device.ParseResponse(msg.Payload)
		if err != nil {
			d.log.Warn("invalid device response dropped", logx.Err(err), logx.Int("bytes", len(msg.Payload)))
			return
		}
		if d.state != nil {
			d.state.OnResponse(resp)
		}
		if d.responses != nil {
			d.responses.OnResponse(resp)
		}
	case d.topics.Telemetry:
		t, err := device.ParseTelemetry(msg.Payload)
		if err != nil {
			d.log.Warn("invalid telemetry dropped", logx.Err(err), logx.Int("bytes", len(msg.Payload)))
			return
		}
		if d.state != nil {
			d.state.OnTelemetry(t)
		}
	default:
		d.log.Debug("message on unexpected topic", logx.String("topic", msg.Topic))
	}
}
