package server

import (
	"time"

	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/storage"
)

// EvaluationStore holds the live view of streamed evaluations.
// MemoryStore implements this interface.
type EvaluationStore interface {
	Add(eval *models.Evaluation)
	AddNotification(n *models.Notification)

	// GetLatest returns the n most recent evaluations (newest first)
	GetLatest(stationID string, n int) []*models.Evaluation
	GetCurrent(stationID string) *models.Evaluation
	GetNotifications(stationID string, limit int) []*models.Notification
	GetStationIDs() []string
	Stats() StoreStats
}

// HistoricalStore is the persistent side.
// storage.SQLiteStore implements this interface.
type HistoricalStore interface {
	GetEvaluationsInRange(stationID string, start, end time.Time, limit int) ([]*models.Evaluation, error)
	GetEvaluationsBefore(stationID string, before time.Time, limit int) ([]*models.Evaluation, error)
	GetLatestEvaluation(stationID string) (*models.Evaluation, error)
	GetNotifications(stationID string, since time.Time, limit int) ([]*models.Notification, error)
	GetStationIDs() ([]string, error)
	GetDailyStats(stationID string, start, end time.Time) ([]storage.DailyStat, error)
	GetStorageStats() (*storage.StorageStats, error)
}

// Writer persists ingested records asynchronously.
// storage.DBWriter implements this interface.
type Writer interface {
	WriteEvaluation(e *models.Evaluation) bool
	WriteNotification(n *models.Notification) bool
}

var (
	_ EvaluationStore = (*MemoryStore)(nil)
	_ HistoricalStore = (*storage.SQLiteStore)(nil)
	_ Writer          = (*storage.DBWriter)(nil)
)
