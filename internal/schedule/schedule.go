// Package schedule holds the feeding schedule model, its validation rules and
// the CRUD service that keeps live triggers in step with the store.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	MinPortion = 10
	MaxPortion = 200

	// AllDays is the day selector for every day of the week.
	AllDays = "*"
)

var (
	ErrNotFound  = errors.New("schedule not found")
	ErrDuplicate = errors.New("schedule with the same time and portion already exists")
)

// ValidationError is bad schedule input. Message is safe to show to clients.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Schedule is one persisted daily feeding rule.
type Schedule struct {
	ID             string     `json:"id"`
	Time           string     `json:"time"`
	Portion        float64    `json:"portion"`
	Days           string     `json:"days"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastExecutedAt *time.Time `json:"lastExecutedAt"`
}

var reTime = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):([0-5][0-9])$`)

// ParseTime parses "H:MM" or "HH:MM" (24h clock).
func ParseTime(s string) (hour, minute int, err error) {
	m := reTime.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, &ValidationError{Field: "time", Message: fmt.Sprintf("invalid time %q, expected HH:MM", s)}
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// NormalizeTime returns s as zero-padded "HH:MM".
func NormalizeTime(s string) (string, error) {
	h, m, err := ParseTime(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// DaySet is a parsed day selector; index is time.Weekday (Sunday=0).
type DaySet [7]bool

func (d DaySet) All() bool {
	for _, on := range d {
		if !on {
			return false
		}
	}
	return true
}

// String renders the selector in canonical form: "*" or an ascending list.
func (d DaySet) String() string {
	if d.All() {
		return AllDays
	}
	parts := make([]string, 0, 7)
	for i, on := range d {
		if on {
			parts = append(parts, strconv.Itoa(i))
		}
	}
	return strings.Join(parts, ",")
}

// ParseDays accepts "*" (or empty), or a comma list of weekdays 0-6 and
// ranges such as "1-5".
func ParseDays(s string) (DaySet, error) {
	var set DaySet
	s = strings.TrimSpace(s)
	if s == "" || s == AllDays {
		for i := range set {
			set[i] = true
		}
		return set, nil
	}
	bad := func() (DaySet, error) {
		return DaySet{}, &ValidationError{Field: "days", Message: fmt.Sprintf("invalid day selector %q, expected * or 0-6 list", s)}
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || a < 0 || a > 6 {
			return bad()
		}
		b := a
		if isRange {
			b, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || b < a || b > 6 {
				return bad()
			}
		}
		for i := a; i <= b; i++ {
			set[i] = true
		}
	}
	return set, nil
}

// NormalizeDays returns the canonical form of a day selector.
func NormalizeDays(s string) (string, error) {
	set, err := ParseDays(s)
	if err != nil {
		return "", err
	}
	return set.String(), nil
}

// ValidatePortion checks the grams range accepted for schedules.
func ValidatePortion(p float64) error {
	if p < MinPortion || p > MaxPortion || p != p {
		return &ValidationError{Field: "portion", Message: fmt.Sprintf("portion must be between %d and %d", MinPortion, MaxPortion)}
	}
	return nil
}

// Normalize validates s and rewrites Time and Days to canonical form.
func (s *Schedule) Normalize() error {
	t, err := NormalizeTime(s.Time)
	if err != nil {
		return err
	}
	d, err := NormalizeDays(s.Days)
	if err != nil {
		return err
	}
	if err := ValidatePortion(s.Portion); err != nil {
		return err
	}
	s.Time, s.Days = t, d
	return nil
}

// CronExpr derives the five-field cron expression "M H * * DOW".
func (s Schedule) CronExpr() (string, error) {
	h, m, err := ParseTime(s.Time)
	if err != nil {
		return "", err
	}
	days, err := NormalizeDays(s.Days)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * %s", m, h, days), nil
}

// MatchesDay reports whether the schedule runs on the given weekday.
func (s Schedule) MatchesDay(wd time.Weekday) bool {
	set, err := ParseDays(s.Days)
	if err != nil {
		return false
	}
	return set[wd]
}

// ForDay filters schedules that are active and run on wd, ordered by time.
func ForDay(all []Schedule, wd time.Weekday) []Schedule {
	out := make([]Schedule, 0, len(all))
	for _, s := range all {
		if s.Active && s.MatchesDay(wd) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}
