package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pruner removes dashboard rows stamped before a cutoff
type Pruner interface {
	Prune(cutoff time.Time) (Pruned, error)
}

// RetentionCleanerConfig controls how much dashboard history is kept
type RetentionCleanerConfig struct {
	RetentionDays int           // default 30
	CleanupPeriod time.Duration // default 24h

	// OnPrune, when set, is called after every pass that succeeded
	OnPrune func(Pruned)
	// Now defaults to time.Now
	Now func() time.Time
}

// DefaultRetentionCleanerConfig returns sensible defaults
func DefaultRetentionCleanerConfig() RetentionCleanerConfig {
	return RetentionCleanerConfig{
		RetentionDays: 30,
		CleanupPeriod: 24 * time.Hour,
	}
}

// RetentionCleanerStats summarises the passes run so far
type RetentionCleanerStats struct {
	Passes        int64     `json:"passes"`
	Failures      int64     `json:"failures"`
	Evaluations   int64     `json:"evaluations_pruned"`
	Notifications int64     `json:"notifications_pruned"`
	LastPass      time.Time `json:"last_pass,omitempty"`
	LastCutoff    time.Time `json:"last_cutoff,omitempty"`
	RetentionDays int       `json:"retention_days"`
}

// RetentionCleaner prunes evaluation snapshots and notification records
// older than the retention horizon. Cooldown timestamps are left alone.
type RetentionCleaner struct {
	pruner Pruner
	logger zerolog.Logger
	cfg    RetentionCleanerConfig

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.RWMutex
	stats RetentionCleanerStats
}

// NewRetentionCleaner starts a cleaner that runs one pass immediately and
// then once per CleanupPeriod until Stop.
func NewRetentionCleaner(pruner Pruner, cfg RetentionCleanerConfig, logger zerolog.Logger) *RetentionCleaner {
	defaults := DefaultRetentionCleanerConfig()
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaults.RetentionDays
	}
	// time.NewTicker panics on non-positive periods
	if cfg.CleanupPeriod <= 0 {
		logger.Warn().
			Dur("provided_period", cfg.CleanupPeriod).
			Dur("default_period", defaults.CleanupPeriod).
			Msg("Invalid cleanup period, using default")
		cfg.CleanupPeriod = defaults.CleanupPeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &RetentionCleaner{
		pruner:   pruner,
		logger:   logger,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		stats:    RetentionCleanerStats{RetentionDays: cfg.RetentionDays},
	}

	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *RetentionCleaner) loop() {
	defer c.wg.Done()

	c.RunNow()

	ticker := time.NewTicker(c.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunNow()
		case <-c.stopChan:
			return
		}
	}
}

// Cutoff is the oldest timestamp a pass at now keeps
func (c *RetentionCleaner) Cutoff(now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -c.cfg.RetentionDays)
}

// RunNow runs one pass synchronously
func (c *RetentionCleaner) RunNow() {
	now := c.cfg.Now()
	cutoff := c.Cutoff(now)
	pruned, err := c.pruner.Prune(cutoff)

	c.mu.Lock()
	c.stats.Passes++
	c.stats.LastPass = now
	c.stats.LastCutoff = cutoff
	if err != nil {
		c.stats.Failures++
	} else {
		c.stats.Evaluations += pruned.Evaluations
		c.stats.Notifications += pruned.Notifications
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Time("cutoff", cutoff).Msg("Retention pass failed")
		return
	}
	if c.cfg.OnPrune != nil {
		c.cfg.OnPrune(pruned)
	}

	event := c.logger.Debug()
	if pruned.Total() > 0 {
		event = c.logger.Info()
	}
	event.
		Time("cutoff", cutoff).
		Int64("evaluations", pruned.Evaluations).
		Int64("notifications", pruned.Notifications).
		Msg("Retention pass completed")
}

// Stop waits for the loop to exit; safe to call more than once
func (c *RetentionCleaner) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
	})
}

func (c *RetentionCleaner) Stats() RetentionCleanerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
