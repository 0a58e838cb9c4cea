// Package schedule decides whether an instant falls inside the configured
// polling and alert windows. Boundaries are UTC times of day expressed in
// standard time; while the reference zone observes daylight saving every
// boundary moves one hour earlier.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const day = 24 * time.Hour

// TimeOfDay is an offset from midnight, always in [0, 24h)
type TimeOfDay time.Duration

// NewTimeOfDay builds a TimeOfDay, wrapping values outside one day
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	d := time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second
	return TimeOfDay(0).Add(d)
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q (want HH:MM or HH:MM:SS)", s)
}

// Of returns the UTC time of day of t
func Of(t time.Time) TimeOfDay {
	t = t.UTC()
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()) + TimeOfDay(t.Nanosecond())
}

// Add shifts the time of day by d, wrapping around midnight
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	v := (time.Duration(t) + d) % day
	if v < 0 {
		v += day
	}
	return TimeOfDay(v)
}

// Duration returns the offset from midnight
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t)
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// UnmarshalYAML decodes "HH:MM[:SS]" scalars
func (t *TimeOfDay) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalYAML encodes as "HH:MM:SS"
func (t TimeOfDay) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// MarshalText encodes as "HH:MM:SS"
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Window is a half-open [Start, End) time-of-day range. A window whose start
// is after its end wraps midnight. Equal bounds describe an empty window.
type Window struct {
	Start TimeOfDay `yaml:"start" json:"start"`
	End   TimeOfDay `yaml:"end" json:"end"`
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t TimeOfDay) bool {
	switch {
	case w.Start < w.End:
		return t >= w.Start && t < w.End
	case w.Start > w.End:
		return t >= w.Start || t < w.End
	default:
		return false
	}
}

// Shift moves both bounds by d
func (w Window) Shift(d time.Duration) Window {
	return Window{Start: w.Start.Add(d), End: w.End.Add(d)}
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}
