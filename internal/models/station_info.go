package models

import "time"

// StationInfo describes a notifier instance and the station it watches
type StationInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
}

// Uptime returns the duration since the notifier started
func (s *StationInfo) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// NewStationInfo creates a StationInfo with the current time as start time
func NewStationInfo(id, name, location, version string) *StationInfo {
	return &StationInfo{
		ID:        id,
		Name:      name,
		Location:  location,
		Version:   version,
		StartTime: time.Now(),
	}
}
