package models

import (
	"time"

	"github.com/afroash/aq-notify/internal/aqi"
)

// Evaluation is the derived outcome of one engine pass. It carries no raw
// channel values and is what the notifier streams to the dashboard.
type Evaluation struct {
	StationID     string    `json:"station_id"`
	Timestamp     time.Time `json:"timestamp"`
	AQI           int       `json:"aqi"`
	Category      string    `json:"category"`
	Confidence    aqi.Level `json:"confidence"`
	EPA           float64   `json:"epa"`
	RegionalMean  float64   `json:"regional_mean"`
	RegionalCount int       `json:"regional_count"`
	Average       float64   `json:"average"`
	RateOfChange  float64   `json:"rate_of_change"`
	Samples       int       `json:"samples"`
	Capacity      int       `json:"capacity"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Fired         []string  `json:"fired,omitempty"`
}

// NotificationKind separates threshold alerts from daily summaries
type NotificationKind string

const (
	NotificationThreshold NotificationKind = "threshold"
	NotificationDaily     NotificationKind = "daily"
)

// Notification records one send attempt on one channel
type Notification struct {
	ID         string           `json:"id"`
	StationID  string           `json:"station_id"`
	Channel    string           `json:"channel"`
	Kind       NotificationKind `json:"kind"`
	Recipients int              `json:"recipients"`
	Subject    string           `json:"subject,omitempty"`
	AQI        int              `json:"aqi"`
	SentAt     time.Time        `json:"sent_at"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
}

// IsValid checks the evaluation can be stored and charted
func (e *Evaluation) IsValid() bool {
	if e.StationID == "" || e.Timestamp.IsZero() {
		return false
	}
	if e.AQI < 0 || e.AQI > 500 {
		return false
	}
	return e.Outcome != ""
}

// Copy returns a deep copy of the Evaluation
func (e *Evaluation) Copy() *Evaluation {
	if e == nil {
		return nil
	}
	c := *e
	if e.Fired != nil {
		c.Fired = append([]string(nil), e.Fired...)
	}
	return &c
}

// IsValid checks the notification record carries its identity
func (n *Notification) IsValid() bool {
	return n.ID != "" && n.StationID != "" && n.Channel != "" && !n.SentAt.IsZero()
}
