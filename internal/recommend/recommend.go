// Package recommend suggests per-period portions from recent feeding history.
package recommend

import (
	"context"
	"fmt"
	"math"
	"time"

	"petfeeder/internal/storage"
)

const (
	DefaultWindow = 14 * 24 * time.Hour

	DefaultMorning   = 40.0
	DefaultNoon      = 30.0
	DefaultAfternoon = 30.0

	minPortion = 10.0
	maxPortion = 100.0
	step       = 5.0
)

// Period is a half-open local hour range [From, To).
type Period struct {
	Name     string
	From, To int
	Default  float64
}

var (
	Morning   = Period{Name: "morning", From: 5, To: 11, Default: DefaultMorning}
	Noon      = Period{Name: "noon", From: 11, To: 15, Default: DefaultNoon}
	Afternoon = Period{Name: "afternoon", From: 15, To: 21, Default: DefaultAfternoon}
)

func (p Period) contains(hour int) bool { return hour >= p.From && hour < p.To }

// Recommendation holds suggested portions in grams.
type Recommendation struct {
	Morning   float64 `json:"morning"`
	Noon      float64 `json:"noon"`
	Afternoon float64 `json:"afternoon"`

	// Samples counts entries per period; zero means the default was used.
	Samples map[string]int `json:"samples"`
}

// Compute buckets entries by local hour in loc and averages each bucket.
// Entries outside 05:00-21:00 are ignored. It has no side effects.
func Compute(entries []storage.FeedingLogEntry, loc *time.Location) Recommendation {
	if loc == nil {
		loc = time.Local
	}
	periods := []Period{Morning, Noon, Afternoon}
	sums := make([]float64, len(periods))
	counts := make([]int, len(periods))
	for _, e := range entries {
		h := e.CreatedAt.In(loc).Hour()
		for i, p := range periods {
			if p.contains(h) {
				sums[i] += e.Portion
				counts[i]++
				break
			}
		}
	}

	out := make([]float64, len(periods))
	samples := make(map[string]int, len(periods))
	for i, p := range periods {
		samples[p.Name] = counts[i]
		if counts[i] == 0 {
			out[i] = p.Default
			continue
		}
		out[i] = roundPortion(sums[i] / float64(counts[i]))
	}
	return Recommendation{Morning: out[0], Noon: out[1], Afternoon: out[2], Samples: samples}
}

// roundPortion rounds half up to a multiple of 5 and clamps to [10, 100].
func roundPortion(mean float64) float64 {
	r := math.Floor(mean/step+0.5) * step
	return math.Min(maxPortion, math.Max(minPortion, r))
}

// History reads feeding log entries newer than since.
type History interface {
	FeedingLogsSince(ctx context.Context, since time.Time) ([]storage.FeedingLogEntry, error)
}

type Service struct {
	history History
	window  time.Duration
	loc     func() *time.Location
}

// NewService reads from h over window. loc returns the timezone hours are
// bucketed in; nil means Local.
func NewService(h History, window time.Duration, loc func() *time.Location) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	return &Service{history: h, window: window, loc: loc}
}

func (s *Service) Recommend(ctx context.Context, now time.Time) (Recommendation, error) {
	entries, err := s.history.FeedingLogsSince(ctx, now.Add(-s.window))
	if err != nil {
		return Recommendation{}, fmt.Errorf("load feeding history: %w", err)
	}
	return Compute(entries, s.loc()), nil
}
