// Package telemetry keeps the last known storage reading of the device.
package telemetry

import (
	"sync"
	"time"

	"petfeeder/internal/device"
	"petfeeder/internal/eventbus"
	"petfeeder/pkg/logx"
)

// Source tells where a reading came from.
type Source string

const (
	SourceTelemetry Source = "telemetry"
	SourceResponse  Source = "response"
)

// Reading is the mirrored device state. Current is nil until the first
// reading arrives.
type Reading struct {
	DeviceID  string    `json:"deviceId,omitempty"`
	Current   *float64  `json:"currentFoodStorageWeight"`
	Max       *float64  `json:"maxFoodStorageWeight,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Source    Source    `json:"source,omitempty"`
	Low       bool      `json:"low"`
}

// Percent returns the fill level in percent, or -1 when unknown.
func (r Reading) Percent() float64 {
	if r.Current == nil || r.Max == nil || *r.Max <= 0 {
		return -1
	}
	return *r.Current / *r.Max * 100
}

// FoodLevel is the payload of food.low / food.restored events.
type FoodLevel struct {
	Current float64
	Max     float64
	Percent float64
}

// Mirror is written by the inbound dispatcher and read by the HTTP layer.
// Newer readings win; a reading stamped earlier than the current one is
// ignored. Readings without a timestamp are stamped on arrival.
type Mirror struct {
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time

	mu         sync.RWMutex
	cur        Reading
	lowPercent float64
}

func NewMirror(bus eventbus.Bus, lowPercent float64, log logx.Logger) *Mirror {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Mirror{
		bus:        bus,
		log:        log.With(logx.String("comp", "telemetry")),
		now:        time.Now,
		lowPercent: lowPercent,
	}
}

// SetLowFoodPercent changes the alert threshold. The low flag is re-evaluated
// on the next reading.
func (m *Mirror) SetLowFoodPercent(p float64) {
	m.mu.Lock()
	m.lowPercent = p
	m.mu.Unlock()
}

func (m *Mirror) Snapshot() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update applies a reading. It reports whether the mirror changed.
func (m *Mirror) Update(deviceID string, w device.Weights, at time.Time, src Source) bool {
	if !w.Present() {
		return false
	}
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	if !m.cur.UpdatedAt.IsZero() && at.Before(m.cur.UpdatedAt) {
		m.mu.Unlock()
		m.log.Debug("stale reading ignored", logx.Time("at", at), logx.String("source", string(src)))
		return false
	}
	next := m.cur
	next.Current = copyFloat(w.Current)
	if w.Max != nil {
		next.Max = copyFloat(w.Max)
	}
	if deviceID != "" {
		next.DeviceID = deviceID
	}
	next.UpdatedAt = at
	next.Source = src

	wasLow := m.cur.Low
	pct := next.Percent()
	switch {
	case pct < 0:
	case pct < m.lowPercent:
		next.Low = true
	default:
		next.Low = false
	}
	m.cur = next
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.TypeTelemetryUpdated, Time: at, Data: next})
	if next.Low != wasLow {
		lvl := FoodLevel{Current: *next.Current, Percent: pct}
		if next.Max != nil {
			lvl.Max = *next.Max
		}
		typ := eventbus.TypeFoodRestored
		if next.Low {
			typ = eventbus.TypeFoodLow
			m.log.Warn("low food", logx.Float64("current_g", lvl.Current), logx.Float64("percent", pct))
		}
		m.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: lvl})
	}
	return true
}

// OnTelemetry applies a telemetry broadcast.
func (m *Mirror) OnTelemetry(t device.Telemetry) {
	m.Update(t.DeviceID, t.Weights, t.Timestamp, SourceTelemetry)
}

// OnResponse applies the weights a response may carry.
func (m *Mirror) OnResponse(r device.Response) {
	m.Update("", r.Weights, r.Timestamp, SourceResponse)
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
