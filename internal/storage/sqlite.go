package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/aqi"
	"github.com/afroash/aq-notify/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

// Store defines the interface for evaluation and notification storage
type Store interface {
	Close() error
	Migrate() error
	InsertEvaluation(e *models.Evaluation) error
	InsertNotification(n *models.Notification) error
	InsertBatch(b Batch) error
	GetEvaluationsInRange(stationID string, start, end time.Time, limit int) ([]*models.Evaluation, error)
	GetEvaluationsBefore(stationID string, before time.Time, limit int) ([]*models.Evaluation, error)
	GetLatestEvaluation(stationID string) (*models.Evaluation, error)
	GetNotifications(stationID string, since time.Time, limit int) ([]*models.Notification, error)
	GetDailyStats(stationID string, start, end time.Time) ([]DailyStat, error)
	Prune(cutoff time.Time) (Pruned, error)
	DeleteOlderThan(days int) (int64, error)
	GetStorageStats() (*StorageStats, error)
	GetStationIDs() ([]string, error)
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore handles persistent storage of evaluations, notification
// records and cooldown timestamps
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Batch groups rows written in one transaction
type Batch struct {
	Evaluations   []*models.Evaluation
	Notifications []*models.Notification
}

// Len is the total row count
func (b Batch) Len() int {
	return len(b.Evaluations) + len(b.Notifications)
}

// DailyStat represents aggregated statistics for a single day
type DailyStat struct {
	Date            time.Time `json:"date"`
	StationID       string    `json:"station_id"`
	MinAQI          int       `json:"min_aqi"`
	MaxAQI          int       `json:"max_aqi"`
	AvgAQI          float64   `json:"avg_aqi"`
	AvgRegionalMean float64   `json:"avg_regional_mean"`
	MaxRateOfChange float64   `json:"max_rate_of_change"`
	EvaluationCount int       `json:"evaluation_count"`
	FiredCount      int       `json:"fired_count"`
}

// StorageStats contains information about the database
type StorageStats struct {
	TotalEvaluations   int64     `json:"total_evaluations"`
	TotalNotifications int64     `json:"total_notifications"`
	OldestEvaluation   time.Time `json:"oldest_evaluation,omitempty"`
	NewestEvaluation   time.Time `json:"newest_evaluation,omitempty"`
	UniqueStations     int       `json:"unique_stations"`
	DatabaseSizeMB     float64   `json:"database_size_mb"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("SQLite store initialized")

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the database schema if it doesn't exist
func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL,
		aqi INTEGER NOT NULL,
		category TEXT NOT NULL,
		confidence TEXT NOT NULL,
		epa REAL NOT NULL,
		regional_mean REAL NOT NULL,
		regional_count INTEGER NOT NULL,
		average REAL NOT NULL,
		rate_of_change REAL NOT NULL,
		samples INTEGER NOT NULL,
		capacity INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		fired TEXT NOT NULL DEFAULT '',
		evaluated_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_evaluations_station_time ON evaluations(station_id, evaluated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_evaluations_time ON evaluations(evaluated_at DESC);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		kind TEXT NOT NULL,
		recipients INTEGER NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		aqi INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		sent_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_station_time ON notifications(station_id, sent_at DESC);

	CREATE TABLE IF NOT EXISTS cooldowns (
		channel TEXT PRIMARY KEY,
		last_sent TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

const insertEvaluationSQL = `
	INSERT INTO evaluations (station_id, aqi, category, confidence, epa, regional_mean, regional_count,
		average, rate_of_change, samples, capacity, outcome, reason, fired, evaluated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertNotificationSQL = `
	INSERT OR REPLACE INTO notifications (id, station_id, channel, kind, recipients, subject, aqi, success, error, sent_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func evaluationArgs(e *models.Evaluation) []interface{} {
	return []interface{}{
		e.StationID,
		e.AQI,
		e.Category,
		e.Confidence.String(),
		e.EPA,
		e.RegionalMean,
		e.RegionalCount,
		e.Average,
		e.RateOfChange,
		e.Samples,
		e.Capacity,
		e.Outcome,
		e.Reason,
		strings.Join(e.Fired, ","),
		e.Timestamp.UTC().Format(timeLayout),
	}
}

func notificationArgs(n *models.Notification) []interface{} {
	return []interface{}{
		n.ID,
		n.StationID,
		n.Channel,
		string(n.Kind),
		n.Recipients,
		n.Subject,
		n.AQI,
		n.Success,
		n.Error,
		n.SentAt.UTC().Format(timeLayout),
	}
}

// InsertEvaluation inserts a single evaluation
func (s *SQLiteStore) InsertEvaluation(e *models.Evaluation) error {
	if _, err := s.db.Exec(insertEvaluationSQL, evaluationArgs(e)...); err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// InsertNotification inserts or replaces a notification record by ID
func (s *SQLiteStore) InsertNotification(n *models.Notification) error {
	if _, err := s.db.Exec(insertNotificationSQL, notificationArgs(n)...); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// InsertBatch inserts evaluations and notifications in a single transaction
func (s *SQLiteStore) InsertBatch(b Batch) error {
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(b.Evaluations) > 0 {
		stmt, err := tx.Prepare(insertEvaluationSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()
		for _, e := range b.Evaluations {
			if _, err := stmt.Exec(evaluationArgs(e)...); err != nil {
				return fmt.Errorf("failed to insert evaluation in batch: %w", err)
			}
		}
	}

	if len(b.Notifications) > 0 {
		stmt, err := tx.Prepare(insertNotificationSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()
		for _, n := range b.Notifications {
			if _, err := stmt.Exec(notificationArgs(n)...); err != nil {
				return fmt.Errorf("failed to insert notification in batch: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().
		Int("evaluations", len(b.Evaluations)).
		Int("notifications", len(b.Notifications)).
		Msg("Batch insert completed")
	return nil
}

const selectEvaluationCols = `
	SELECT station_id, aqi, category, confidence, epa, regional_mean, regional_count,
		average, rate_of_change, samples, capacity, outcome, reason, fired, evaluated_at
	FROM evaluations
`

// GetEvaluationsInRange returns evaluations within a time range, newest first
func (s *SQLiteStore) GetEvaluationsInRange(stationID string, start, end time.Time, limit int) ([]*models.Evaluation, error) {
	where := []string{"evaluated_at BETWEEN ? AND ?"}
	args := []interface{}{start.UTC().Format(timeLayout), end.UTC().Format(timeLayout)}
	if stationID != "" {
		where = append([]string{"station_id = ?"}, where...)
		args = append([]interface{}{stationID}, args...)
	}
	args = append(args, limit)

	query := selectEvaluationCols + " WHERE " + strings.Join(where, " AND ") + " ORDER BY evaluated_at DESC LIMIT ?"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	return s.scanEvaluations(rows)
}

// GetEvaluationsBefore returns evaluations before a specific time (for scrolling back)
func (s *SQLiteStore) GetEvaluationsBefore(stationID string, before time.Time, limit int) ([]*models.Evaluation, error) {
	where := []string{"evaluated_at < ?"}
	args := []interface{}{before.UTC().Format(timeLayout)}
	if stationID != "" {
		where = append([]string{"station_id = ?"}, where...)
		args = append([]interface{}{stationID}, args...)
	}
	args = append(args, limit)

	query := selectEvaluationCols + " WHERE " + strings.Join(where, " AND ") + " ORDER BY evaluated_at DESC LIMIT ?"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	return s.scanEvaluations(rows)
}

// GetLatestEvaluation returns the most recent evaluation for a station, or
// nil when there is none
func (s *SQLiteStore) GetLatestEvaluation(stationID string) (*models.Evaluation, error) {
	row := s.db.QueryRow(selectEvaluationCols+" WHERE station_id = ? ORDER BY evaluated_at DESC LIMIT 1", stationID)
	e, err := s.scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest evaluation: %w", err)
	}
	return e, nil
}

// GetNotifications returns notification records sent at or after since, newest first
func (s *SQLiteStore) GetNotifications(stationID string, since time.Time, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, station_id, channel, kind, recipients, subject, aqi, success, error, sent_at
		FROM notifications
		WHERE sent_at >= ?`
	args := []interface{}{since.UTC().Format(timeLayout)}
	if stationID != "" {
		query += " AND station_id = ?"
		args = append(args, stationID)
	}
	query += " ORDER BY sent_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var kind, sentAt string
		if err := rows.Scan(&n.ID, &n.StationID, &n.Channel, &kind, &n.Recipients, &n.Subject, &n.AQI, &n.Success, &n.Error, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Kind = models.NotificationKind(kind)
		if n.SentAt, err = s.parseTimestamp(sentAt); err != nil {
			return nil, fmt.Errorf("failed to parse sent_at: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// GetDailyStats returns aggregated daily statistics for a time range
func (s *SQLiteStore) GetDailyStats(stationID string, start, end time.Time) ([]DailyStat, error) {
	query := `
		SELECT
			date(evaluated_at) as date,
			station_id,
			MIN(aqi) as min_aqi,
			MAX(aqi) as max_aqi,
			AVG(aqi) as avg_aqi,
			AVG(regional_mean) as avg_regional,
			MAX(rate_of_change) as max_roc,
			COUNT(*) as evaluation_count,
			SUM(CASE WHEN fired != '' THEN 1 ELSE 0 END) as fired_count
		FROM evaluations
		WHERE evaluated_at BETWEEN ? AND ?`
	args := []interface{}{start.UTC().Format(timeLayout), end.UTC().Format(timeLayout)}
	if stationID != "" {
		query += " AND station_id = ?"
		args = append(args, stationID)
	}
	query += `
		GROUP BY date(evaluated_at), station_id
		ORDER BY date DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []DailyStat
	for rows.Next() {
		var stat DailyStat
		var dateStr string

		err := rows.Scan(
			&dateStr,
			&stat.StationID,
			&stat.MinAQI,
			&stat.MaxAQI,
			&stat.AvgAQI,
			&stat.AvgRegionalMean,
			&stat.MaxRateOfChange,
			&stat.EvaluationCount,
			&stat.FiredCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}

		stat.Date, err = time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date: %w", err)
		}

		stats = append(stats, stat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return stats, nil
}

// Pruned counts rows removed by one Prune call
type Pruned struct {
	Evaluations   int64 `json:"evaluations"`
	Notifications int64 `json:"notifications"`
}

// Total is the row count across both tables
func (p Pruned) Total() int64 {
	return p.Evaluations + p.Notifications
}

// Prune removes evaluations and notification records stamped before cutoff.
// Cooldown rows are never pruned.
func (s *SQLiteStore) Prune(cutoff time.Time) (Pruned, error) {
	bound := cutoff.UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return Pruned{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var p Pruned
	for _, step := range []struct {
		query string
		into  *int64
	}{
		{"DELETE FROM evaluations WHERE evaluated_at < ?", &p.Evaluations},
		{"DELETE FROM notifications WHERE sent_at < ?", &p.Notifications},
	} {
		result, err := tx.Exec(step.query, bound)
		if err != nil {
			return Pruned{}, fmt.Errorf("failed to prune: %w", err)
		}
		if *step.into, err = result.RowsAffected(); err != nil {
			return Pruned{}, fmt.Errorf("failed to get rows affected: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Pruned{}, fmt.Errorf("failed to commit prune: %w", err)
	}

	s.logger.Debug().
		Str("cutoff", bound).
		Int64("evaluations", p.Evaluations).
		Int64("notifications", p.Notifications).
		Msg("Pruned old rows")
	return p, nil
}

// DeleteOlderThan prunes rows older than the given number of days
func (s *SQLiteStore) DeleteOlderThan(days int) (int64, error) {
	p, err := s.Prune(time.Now().UTC().AddDate(0, 0, -days))
	return p.Total(), err
}

// GetStorageStats returns statistics about the database
func (s *SQLiteStore) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM evaluations").Scan(&stats.TotalEvaluations); err != nil {
		return nil, fmt.Errorf("failed to count evaluations: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM notifications").Scan(&stats.TotalNotifications); err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	if stats.TotalEvaluations > 0 {
		var oldestStr, newestStr string
		err := s.db.QueryRow("SELECT MIN(evaluated_at), MAX(evaluated_at) FROM evaluations").
			Scan(&oldestStr, &newestStr)
		if err != nil {
			return nil, fmt.Errorf("failed to get timestamp range: %w", err)
		}
		stats.OldestEvaluation, _ = s.parseTimestamp(oldestStr)
		stats.NewestEvaluation, _ = s.parseTimestamp(newestStr)

		err = s.db.QueryRow("SELECT COUNT(DISTINCT station_id) FROM evaluations").Scan(&stats.UniqueStations)
		if err != nil {
			return nil, fmt.Errorf("failed to count stations: %w", err)
		}
	}

	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}

// GetStationIDs returns every station with stored evaluations
func (s *SQLiteStore) GetStationIDs() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT station_id FROM evaluations ORDER BY station_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query station IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan station ID: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return ids, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanEvaluation(row scanner) (*models.Evaluation, error) {
	var e models.Evaluation
	var confidence, fired, evaluatedAt string

	err := row.Scan(&e.StationID, &e.AQI, &e.Category, &confidence, &e.EPA, &e.RegionalMean, &e.RegionalCount,
		&e.Average, &e.RateOfChange, &e.Samples, &e.Capacity, &e.Outcome, &e.Reason, &fired, &evaluatedAt)
	if err != nil {
		return nil, err
	}

	if err := e.Confidence.UnmarshalText([]byte(confidence)); err != nil {
		e.Confidence = aqi.LevelError
	}
	if fired != "" {
		e.Fired = strings.Split(fired, ",")
	}
	e.Timestamp, err = s.parseTimestamp(evaluatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse evaluated_at: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) scanEvaluations(rows *sql.Rows) ([]*models.Evaluation, error) {
	var out []*models.Evaluation
	for rows.Next() {
		e, err := s.scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// parseTimestamp tries multiple formats to parse a SQLite timestamp
func (s *SQLiteStore) parseTimestamp(ts string) (time.Time, error) {
	formats := []string{
		timeLayout,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}
