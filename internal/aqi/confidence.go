package aqi

import (
	"fmt"
	"math"
)

// Level classifies how far a reading can be trusted
type Level int

const (
	LevelGood Level = iota
	LevelLow
	LevelError
)

// Channel divergence limits. A pair is LOW when either is reached.
const (
	MaxAbsoluteDivergence = 5.0
	MaxRelativeDivergence = 0.70
	divergenceEpsilon     = 1e-6
)

func (l Level) String() string {
	switch l {
	case LevelGood:
		return "GOOD"
	case LevelLow:
		return "LOW"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the level by name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name
func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "GOOD":
		*l = LevelGood
	case "LOW":
		*l = LevelLow
	case "ERROR":
		*l = LevelError
	default:
		return fmt.Errorf("unknown confidence level %q", string(b))
	}
	return nil
}

// Score is the outcome of comparing a channel pair
type Score struct {
	Level        Level
	AbsoluteDiff float64
	RelativeDiff float64
	// Value is the concentration consumers should use: the pair mean when
	// GOOD, the pair maximum when LOW.
	Value float64
}

// ScorePair compares two channel readings of the same quantity.
// Missing (non-finite) channels yield LevelError.
func ScorePair(a, b float64) Score {
	if !finite(a) || !finite(b) {
		return Score{Level: LevelError}
	}
	abs := math.Abs(a - b)
	rel := abs / ((a + b + divergenceEpsilon) / 2)

	s := Score{AbsoluteDiff: abs, RelativeDiff: rel}
	if abs >= MaxAbsoluteDivergence || rel >= MaxRelativeDivergence {
		s.Level = LevelLow
		s.Value = math.Max(a, b)
		return s
	}
	s.Level = LevelGood
	s.Value = (a + b) / 2
	return s
}

// Worst returns the less trustworthy of two levels
func Worst(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
