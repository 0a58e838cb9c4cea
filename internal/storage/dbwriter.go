package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/models"
)

// DBWriter handles async batched writes of evaluations and notification
// records to the database
type DBWriter struct {
	store       *SQLiteStore
	logger      zerolog.Logger
	writeChan   chan record
	batchSize   int
	flushPeriod time.Duration
	onFlush     func(b Batch, err error)
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// Stats
	mu            sync.RWMutex
	totalWritten  int64
	totalBatches  int64
	totalErrors   int64
	totalDropped  int64
	lastWriteTime time.Time
}

type record struct {
	evaluation   *models.Evaluation
	notification *models.Notification
}

// DBWriterConfig holds configuration for the async writer
type DBWriterConfig struct {
	BatchSize   int           // rows per transaction (default: 50)
	FlushPeriod time.Duration // max time between flushes (default: 5s)
	ChannelSize int           // write queue capacity (default: 1000)
	// OnFlush, when set, is called after every flush attempt
	OnFlush func(b Batch, err error)
}

// DefaultDBWriterConfig returns sensible defaults
func DefaultDBWriterConfig() DBWriterConfig {
	return DBWriterConfig{
		BatchSize:   50,
		FlushPeriod: 5 * time.Second,
		ChannelSize: 1000,
	}
}

// DBWriterStats contains statistics about the writer
type DBWriterStats struct {
	TotalWritten  int64     `json:"total_written"`
	TotalBatches  int64     `json:"total_batches"`
	TotalErrors   int64     `json:"total_errors"`
	TotalDropped  int64     `json:"total_dropped"`
	LastWriteTime time.Time `json:"last_write_time,omitempty"`
	QueueLength   int       `json:"queue_length"`
}

// NewDBWriter creates a new async database writer
func NewDBWriter(store *SQLiteStore, config DBWriterConfig, logger zerolog.Logger) *DBWriter {
	defaults := DefaultDBWriterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushPeriod <= 0 {
		config.FlushPeriod = defaults.FlushPeriod
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = defaults.ChannelSize
	}

	w := &DBWriter{
		store:       store,
		logger:      logger,
		writeChan:   make(chan record, config.ChannelSize),
		batchSize:   config.BatchSize,
		flushPeriod: config.FlushPeriod,
		onFlush:     config.OnFlush,
		stopChan:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writerLoop()

	logger.Info().
		Int("batch_size", config.BatchSize).
		Dur("flush_period", config.FlushPeriod).
		Int("channel_size", config.ChannelSize).
		Msg("DBWriter started")

	return w
}

// WriteEvaluation queues an evaluation. Returns false if dropped (queue full).
func (w *DBWriter) WriteEvaluation(e *models.Evaluation) bool {
	return w.enqueue(record{evaluation: e})
}

// WriteNotification queues a notification record. Returns false if dropped.
func (w *DBWriter) WriteNotification(n *models.Notification) bool {
	return w.enqueue(record{notification: n})
}

func (w *DBWriter) enqueue(r record) bool {
	select {
	case w.writeChan <- r:
		return true
	default:
		w.mu.Lock()
		w.totalDropped++
		w.mu.Unlock()
		w.logger.Warn().Msg("DBWriter channel full, dropping record")
		return false
	}
}

func (w *DBWriter) writerLoop() {
	defer w.wg.Done()

	var batch Batch
	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	add := func(r record) {
		if r.evaluation != nil {
			batch.Evaluations = append(batch.Evaluations, r.evaluation)
		}
		if r.notification != nil {
			batch.Notifications = append(batch.Notifications, r.notification)
		}
	}

	for {
		select {
		case r := <-w.writeChan:
			add(r)
			if batch.Len() >= w.batchSize {
				w.flush(batch)
				batch = Batch{}
			}

		case <-ticker.C:
			if batch.Len() > 0 {
				w.flush(batch)
				batch = Batch{}
			}

		case <-w.stopChan:
			draining := true
			for draining {
				select {
				case r := <-w.writeChan:
					add(r)
				default:
					draining = false
				}
			}
			if batch.Len() > 0 {
				w.flush(batch)
			}
			w.logger.Info().Msg("DBWriter stopped")
			return
		}
	}
}

func (w *DBWriter) flush(batch Batch) {
	err := w.store.InsertBatch(batch)

	w.mu.Lock()
	if err != nil {
		w.totalErrors++
		w.logger.Error().Err(err).Int("batch_size", batch.Len()).Msg("Failed to write batch")
	} else {
		w.totalWritten += int64(batch.Len())
		w.totalBatches++
		w.lastWriteTime = time.Now()
		w.logger.Debug().Int("count", batch.Len()).Msg("Flushed batch")
	}
	w.mu.Unlock()

	if w.onFlush != nil {
		w.onFlush(batch, err)
	}
}

// Stop gracefully stops the writer, flushing any remaining data
func (w *DBWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Stats returns current writer statistics
func (w *DBWriter) Stats() DBWriterStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return DBWriterStats{
		TotalWritten:  w.totalWritten,
		TotalBatches:  w.totalBatches,
		TotalErrors:   w.totalErrors,
		TotalDropped:  w.totalDropped,
		LastWriteTime: w.lastWriteTime,
		QueueLength:   len(w.writeChan),
	}
}
