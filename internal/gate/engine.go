// Package gate decides, once per poll, whether threshold alerts or the daily
// summary should go out on each notification channel.
package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/aqi"
	"github.com/afroash/aq-notify/internal/cooldown"
	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/schedule"
	"github.com/afroash/aq-notify/internal/window"
)

// State is a step of the per-poll state machine
type State int

const (
	StateIdle State = iota
	StateEvaluating
	StateThresholdFire
	StateDailyFire
	StateSuppressed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateEvaluating:
		return "EVALUATING"
	case StateThresholdFire:
		return "THRESHOLD_FIRE"
	case StateDailyFire:
		return "DAILY_FIRE"
	case StateSuppressed:
		return "SUPPRESSED"
	default:
		return "UNKNOWN"
	}
}

// Thresholds are the alert levels per window
type Thresholds struct {
	// PreOpenIndex applies to the local index during pre-open; 0 means OpenIndex
	PreOpenIndex    int
	PreOpenRegional float64
	OpenIndex       int
	OpenRegional    float64
}

// DailyConfig controls the scheduled summary
type DailyConfig struct {
	Enabled    bool
	Interval   time.Duration
	MinSamples int
}

// Config is the engine's static configuration
type Config struct {
	PollInterval         time.Duration
	StorageDuration      time.Duration
	NotificationInterval time.Duration
	Daily                DailyConfig
	Thresholds           Thresholds
}

// Cooldowns reports the last confirmed send per channel
type Cooldowns interface {
	Last(ch cooldown.Channel) time.Time
}

// PollStatus tells the caller whether to fetch now. Both flags must be true.
type PollStatus struct {
	IntervalElapsed bool
	InPollingWindow bool
	// WindowCleared is set when this call observed the polling window closing
	WindowCleared bool
}

// ShouldPoll reports whether both conditions hold
func (p PollStatus) ShouldPoll() bool {
	return p.IntervalElapsed && p.InPollingWindow
}

// Decision is the outcome of one Evaluate call
type Decision struct {
	Outcome  State
	Reason   string
	Schedule schedule.Status

	AQI          int
	RegionalMean float64
	Average      float64
	RateOfChange float64
	Samples      int
	Capacity     int
	Span         time.Duration

	ThresholdText  bool
	ThresholdEmail bool
	DailyText      bool
	DailyEmail     bool
}

// Fired lists the channels that should send, in channel order
func (d Decision) Fired() []cooldown.Channel {
	var out []cooldown.Channel
	for _, ch := range cooldown.Channels() {
		if d.Fires(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Fires reports whether ch should send
func (d Decision) Fires(ch cooldown.Channel) bool {
	switch ch {
	case cooldown.AdhocText:
		return d.ThresholdText
	case cooldown.AdhocEmail:
		return d.ThresholdEmail
	case cooldown.DailyText:
		return d.DailyText
	case cooldown.DailyEmail:
		return d.DailyEmail
	}
	return false
}

// Engine owns the sample window and applies the firing rules
type Engine struct {
	cfg       Config
	sched     *schedule.Evaluator
	buf       *window.Buffer
	cooldowns Cooldowns
	logger    zerolog.Logger

	mu       sync.Mutex
	lastPoll time.Time
	inWindow bool
}

// New validates cfg and creates an engine with an empty window
func New(cfg Config, sched *schedule.Evaluator, cooldowns Cooldowns, logger zerolog.Logger) (*Engine, error) {
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}
	if cfg.StorageDuration <= 0 {
		return nil, fmt.Errorf("storage duration must be positive, got %v", cfg.StorageDuration)
	}
	if cfg.NotificationInterval < 0 || cfg.Daily.Interval < 0 {
		return nil, fmt.Errorf("notification intervals must not be negative")
	}
	if sched == nil || cooldowns == nil {
		return nil, fmt.Errorf("schedule and cooldowns are required")
	}

	capacity := window.CapacityFor(cfg.StorageDuration, cfg.PollInterval)
	logger.Info().
		Int("window_capacity", capacity).
		Dur("poll_interval", cfg.PollInterval).
		Dur("storage_duration", cfg.StorageDuration).
		Msg("Decision engine ready")

	return &Engine{
		cfg:       cfg,
		sched:     sched,
		buf:       window.NewBuffer(capacity),
		cooldowns: cooldowns,
		logger:    logger,
	}, nil
}

// PollStatus reports whether a fetch is due at now. Leaving the polling
// window clears the sample buffer.
func (e *Engine) PollStatus(now time.Time) PollStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.sched.Status(now)
	ps := PollStatus{
		IntervalElapsed: e.lastPoll.IsZero() || now.Sub(e.lastPoll) >= e.cfg.PollInterval,
		InPollingWindow: st.InPolling,
	}

	if e.inWindow && !st.InPolling {
		dropped := e.buf.Size()
		e.buf.Clear(now)
		ps.WindowCleared = true
		e.logger.Info().
			Int("dropped_samples", dropped).
			Msg("Polling window closed, window cleared")
	}
	e.inWindow = st.InPolling
	return ps
}

// MarkPolled records that a fetch was attempted at now
func (e *Engine) MarkPolled(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPoll = now
}

// Evaluate folds the reading into the window and decides which channels
// fire. It never mutates cooldown state, so repeating a call with the same
// inputs yields the same decision.
func (e *Engine) Evaluate(r models.Reading, regionalMean float64, now time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.sched.Status(now)
	hasData := r.Confidence != aqi.LevelError && !r.Timestamp.IsZero()
	if hasData {
		if !e.buf.Push(window.Sample{At: r.Timestamp, AQI: r.AQI}) {
			e.logger.Debug().
				Time("timestamp", r.Timestamp).
				Msg("Sample not newer than window head, ignored")
		}
	}

	d := Decision{
		Schedule:     st,
		AQI:          r.AQI,
		RegionalMean: regionalMean,
		Average:      e.buf.Average(),
		RateOfChange: e.buf.Trend(e.cfg.PollInterval),
		Samples:      e.buf.Size(),
		Capacity:     e.buf.Capacity(),
		Span:         e.buf.Span(e.cfg.PollInterval),
	}

	thresholdReason := e.applyThreshold(&d, hasData, now)
	dailyReason := e.applyDaily(&d, now)

	switch {
	case d.ThresholdText || d.ThresholdEmail:
		d.Outcome = StateThresholdFire
	case d.DailyText || d.DailyEmail:
		d.Outcome = StateDailyFire
	default:
		d.Outcome = StateSuppressed
		d.Reason = thresholdReason
		if d.Reason == "" {
			d.Reason = dailyReason
		}
	}

	e.logger.Debug().
		Str("outcome", d.Outcome.String()).
		Str("reason", d.Reason).
		Int("aqi", d.AQI).
		Float64("regional_mean", d.RegionalMean).
		Float64("average", d.Average).
		Float64("rate_of_change", d.RateOfChange).
		Int("samples", d.Samples).
		Bool("dst", st.DST).
		Msg("Evaluated")
	return d
}

func (e *Engine) applyThreshold(d *Decision, hasData bool, now time.Time) string {
	st := d.Schedule
	th := e.cfg.Thresholds
	preOpenIndex := th.PreOpenIndex
	if preOpenIndex == 0 {
		preOpenIndex = th.OpenIndex
	}

	switch {
	case !hasData:
		return "no data"
	case !st.WeekdayOpen:
		return "weekday closed"
	case !st.InPreOpen && !st.InOpen:
		return "outside alert windows"
	}

	breached := (st.InPreOpen && (d.AQI >= preOpenIndex || d.RegionalMean >= th.PreOpenRegional)) ||
		(st.InOpen && (d.AQI >= th.OpenIndex || d.RegionalMean >= th.OpenRegional))
	if !breached {
		return "below thresholds"
	}
	if d.Samples < d.Capacity {
		return "window not full"
	}

	d.ThresholdText = e.cooledDown(cooldown.AdhocText, e.cfg.NotificationInterval, now)
	d.ThresholdEmail = e.cooledDown(cooldown.AdhocEmail, e.cfg.NotificationInterval, now)
	if !d.ThresholdText && !d.ThresholdEmail {
		return "cooldown"
	}
	return ""
}

func (e *Engine) applyDaily(d *Decision, now time.Time) string {
	st := d.Schedule
	daily := e.cfg.Daily

	switch {
	case !daily.Enabled:
		return ""
	case !st.WeekdayOpen:
		return "weekday closed"
	case !st.DailyFloorReached:
		return "before daily floor"
	case d.Samples < daily.MinSamples:
		return "too few samples for daily"
	}

	d.DailyText = e.cooledDown(cooldown.DailyText, daily.Interval, now)
	d.DailyEmail = e.cooledDown(cooldown.DailyEmail, daily.Interval, now)
	if !d.DailyText && !d.DailyEmail {
		return "daily cooldown"
	}
	return ""
}

func (e *Engine) cooledDown(ch cooldown.Channel, interval time.Duration, now time.Time) bool {
	return now.Sub(e.cooldowns.Last(ch)) >= interval
}

// Samples returns the current window contents, oldest first
func (e *Engine) Samples() []window.Sample {
	return e.buf.Samples()
}

// WindowStats returns the buffer counters
func (e *Engine) WindowStats() window.BufferStats {
	return e.buf.Stats()
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}
