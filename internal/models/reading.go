package models

import (
	"fmt"
	"time"

	"github.com/afroash/aq-notify/internal/aqi"
)

// Reading is one scored poll of the local station. Immutable once built.
type Reading struct {
	StationID string    `json:"station_id"`
	Timestamp time.Time `json:"timestamp"`
	// Atmospheric PM2.5 channels in µg/m³
	ChannelA float64 `json:"channel_a"`
	ChannelB float64 `json:"channel_b"`
	// CF=1 PM2.5 channels, nil when the station does not report them
	CF1        *aqi.Pair `json:"cf1,omitempty"`
	Humidity   float64   `json:"humidity"`
	EPA        float64   `json:"epa"`
	AQI        int       `json:"aqi"`
	Confidence aqi.Level `json:"confidence"`
}

// IsValid checks the reading is usable by the decision engine
func (r *Reading) IsValid() bool {
	const (
		minHumidity = 0.0
		maxHumidity = 100.0
		maxAQI      = 500
	)

	if r.StationID == "" {
		return false
	}
	if r.Timestamp.IsZero() {
		return false
	}
	if r.Confidence == aqi.LevelError {
		return false
	}
	if r.Humidity < minHumidity || r.Humidity > maxHumidity {
		return false
	}
	if r.AQI < 0 || r.AQI > maxAQI {
		return false
	}
	return true
}

func (r *Reading) String() string {
	return fmt.Sprintf("Station: %s, Timestamp: %s, AQI: %d (%s), EPA: %.3f, Humidity: %.0f%%",
		r.StationID,
		r.Timestamp.Format(time.RFC3339),
		r.AQI,
		r.Confidence,
		r.EPA,
		r.Humidity)
}

// Copy returns a deep copy of the Reading
func (r *Reading) Copy() *Reading {
	if r == nil {
		return nil
	}
	c := *r
	if r.CF1 != nil {
		cf1 := *r.CF1
		c.CF1 = &cf1
	}
	return &c
}
