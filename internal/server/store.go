package server

import (
	"sort"
	"sync"
	"time"

	"github.com/afroash/aq-notify/internal/models"
)

// maxRecentNotifications bounds the in-memory notification log
const maxRecentNotifications = 200

// MemoryStore keeps the most recent evaluations per station and a short
// log of notification records
type MemoryStore struct {
	capacity      int
	data          map[string][]*models.Evaluation
	notifications []*models.Notification
	mutex         sync.RWMutex
	total         int64
}

// NewMemoryStore creates a store keeping capacity evaluations per station
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		data:     make(map[string][]*models.Evaluation),
	}
}

// Add appends an evaluation, evicting the station's oldest when full
func (ms *MemoryStore) Add(eval *models.Evaluation) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	evals := ms.data[eval.StationID]
	if len(evals) >= ms.capacity {
		evals[0] = nil
		evals = evals[1:]
	}
	ms.data[eval.StationID] = append(evals, eval.Copy())
	ms.total++
}

// AddNotification records a notification
func (ms *MemoryStore) AddNotification(n *models.Notification) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	c := *n
	ms.notifications = append(ms.notifications, &c)
	if over := len(ms.notifications) - maxRecentNotifications; over > 0 {
		ms.notifications = ms.notifications[over:]
	}
}

// GetLatest returns the n most recent evaluations for a station, newest first
func (ms *MemoryStore) GetLatest(stationID string, n int) []*models.Evaluation {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	evals := ms.data[stationID]
	if len(evals) == 0 || n <= 0 {
		return nil
	}
	start := len(evals) - n
	if start < 0 {
		start = 0
	}

	result := make([]*models.Evaluation, 0, len(evals)-start)
	for i := len(evals) - 1; i >= start; i-- {
		result = append(result, evals[i].Copy())
	}
	return result
}

// GetCurrent returns the most recent evaluation for a station
func (ms *MemoryStore) GetCurrent(stationID string) *models.Evaluation {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	evals := ms.data[stationID]
	if len(evals) == 0 {
		return nil
	}
	return evals[len(evals)-1].Copy()
}

// GetNotifications returns up to limit notifications for a station,
// newest first. An empty stationID matches every station.
func (ms *MemoryStore) GetNotifications(stationID string, limit int) []*models.Notification {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	result := make([]*models.Notification, 0)
	for i := len(ms.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		n := ms.notifications[i]
		if stationID != "" && n.StationID != stationID {
			continue
		}
		c := *n
		result = append(result, &c)
	}
	return result
}

// GetStationIDs returns the sorted IDs of every station that has reported
func (ms *MemoryStore) GetStationIDs() []string {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	ids := make([]string, 0, len(ms.data))
	for id := range ms.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns statistics about the store
func (ms *MemoryStore) Stats() StoreStats {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	stats := StoreStats{
		TotalEvaluations: ms.total,
		UniqueStations:   len(ms.data),
		Notifications:    len(ms.notifications),
	}
	for _, evals := range ms.data {
		stats.CurrentEvaluations += len(evals)
		for _, e := range evals {
			if stats.Oldest.IsZero() || e.Timestamp.Before(stats.Oldest) {
				stats.Oldest = e.Timestamp
			}
			if e.Timestamp.After(stats.Newest) {
				stats.Newest = e.Timestamp
			}
		}
	}
	return stats
}

// StoreStats contains statistics about the memory store
type StoreStats struct {
	TotalEvaluations   int64     `json:"total_evaluations"`
	UniqueStations     int       `json:"unique_stations"`
	CurrentEvaluations int       `json:"current_evaluations"`
	Notifications      int       `json:"notifications"`
	Oldest             time.Time `json:"oldest,omitempty"`
	Newest             time.Time `json:"newest,omitempty"`
}

// Clear removes all data from the store
func (ms *MemoryStore) Clear() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.data = make(map[string][]*models.Evaluation)
	ms.notifications = nil
	ms.total = 0
}
