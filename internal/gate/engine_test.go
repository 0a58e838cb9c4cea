package gate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/aq-notify/internal/aqi"
	"github.com/afroash/aq-notify/internal/cooldown"
	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/schedule"
)

// Monday 2024-01-15, standard time
var (
	monday    = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	preOpenAt = monday.Add(14*time.Hour + 30*time.Minute)
	openAt    = monday.Add(17 * time.Hour)
	saturday  = time.Date(2024, 1, 20, 17, 0, 0, 0, time.UTC)
)

type fakeCooldowns map[cooldown.Channel]time.Time

func (f fakeCooldowns) Last(ch cooldown.Channel) time.Time { return f[ch] }

func coldCooldowns(now time.Time) fakeCooldowns {
	f := fakeCooldowns{}
	for _, ch := range cooldown.Channels() {
		f[ch] = now.Add(-24 * time.Hour)
	}
	return f
}

func testConfig() Config {
	return Config{
		PollInterval:         10 * time.Minute,
		StorageDuration:      150 * time.Minute,
		NotificationInterval: 8 * time.Hour,
		Daily: DailyConfig{
			Enabled:    true,
			Interval:   14 * time.Hour,
			MinSamples: 16,
		},
		Thresholds: Thresholds{
			PreOpenRegional: 100,
			OpenIndex:       100,
			OpenRegional:    150,
		},
	}
}

func newEngine(t *testing.T, cfg Config, cd Cooldowns) *Engine {
	t.Helper()
	sched, err := schedule.NewEvaluator(schedule.Config{
		MaxWeekday: 4,
		Polling:    schedule.Window{Start: schedule.NewTimeOfDay(13, 0, 0), End: schedule.NewTimeOfDay(1, 0, 0)},
		PreOpen:    schedule.Window{Start: schedule.NewTimeOfDay(14, 0, 0), End: schedule.NewTimeOfDay(16, 0, 0)},
		Open:       schedule.Window{Start: schedule.NewTimeOfDay(16, 0, 0), End: schedule.NewTimeOfDay(23, 0, 0)},
		DailyLead:  30 * time.Second,
	})
	require.NoError(t, err)

	e, err := New(cfg, sched, cd, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func reading(at time.Time, index int) models.Reading {
	return models.Reading{
		StationID:  "9338",
		Timestamp:  at,
		AQI:        index,
		Confidence: aqi.LevelGood,
	}
}

// fill pushes n readings spaced ten minutes apart, ending just before now
func fill(e *Engine, n, index int, now time.Time) {
	start := now.Add(-time.Duration(n) * 10 * time.Minute)
	for i := 0; i < n; i++ {
		e.Evaluate(reading(start.Add(time.Duration(i)*10*time.Minute), index), 0, now)
	}
}

func TestNew_Validation(t *testing.T) {
	sched, err := schedule.NewEvaluator(schedule.Config{})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.PollInterval = 0
	_, err = New(cfg, sched, fakeCooldowns{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(testConfig(), nil, fakeCooldowns{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEvaluate_ThresholdFiresWhenWindowFull(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(openAt))
	fill(e, 15, 120, openAt)

	d := e.Evaluate(reading(openAt, 120), 0, openAt)

	assert.Equal(t, StateThresholdFire, d.Outcome)
	assert.True(t, d.ThresholdText)
	assert.True(t, d.ThresholdEmail)
	assert.Equal(t, 16, d.Samples)
	assert.Equal(t, 16, d.Capacity)
	assert.Equal(t, 120.0, d.Average)
	assert.Equal(t, 0.0, d.RateOfChange)
	assert.Equal(t, 150*time.Minute, d.Span)
}

func TestEvaluate_WindowNotFull(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(openAt))
	fill(e, 14, 120, openAt)

	d := e.Evaluate(reading(openAt, 120), 0, openAt)

	assert.Equal(t, StateSuppressed, d.Outcome)
	assert.Equal(t, "window not full", d.Reason)
	assert.Empty(t, d.Fired())
}

func TestEvaluate_PerChannelCooldown(t *testing.T) {
	cd := coldCooldowns(openAt)
	cd[cooldown.AdhocText] = openAt.Add(-time.Hour)
	cd[cooldown.AdhocEmail] = openAt.Add(-9 * time.Hour)
	e := newEngine(t, testConfig(), cd)
	fill(e, 16, 130, openAt)

	d := e.Evaluate(reading(openAt, 130), 0, openAt)

	assert.False(t, d.ThresholdText)
	assert.True(t, d.ThresholdEmail)
	assert.Equal(t, StateThresholdFire, d.Outcome)
}

func TestEvaluate_CooldownSuppressesBoth(t *testing.T) {
	cd := coldCooldowns(openAt)
	cd[cooldown.AdhocText] = openAt.Add(-7 * time.Hour)
	cd[cooldown.AdhocEmail] = openAt.Add(-7 * time.Hour)
	cfg := testConfig()
	cfg.Daily.Enabled = false
	e := newEngine(t, cfg, cd)
	fill(e, 16, 130, openAt)

	d := e.Evaluate(reading(openAt, 130), 0, openAt)
	assert.Equal(t, StateSuppressed, d.Outcome)
	assert.Equal(t, "cooldown", d.Reason)
}

func TestEvaluate_PreOpenRegionalThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Daily.Enabled = false

	e := newEngine(t, cfg, coldCooldowns(preOpenAt))
	fill(e, 16, 40, preOpenAt)
	d := e.Evaluate(reading(preOpenAt, 40), 101, preOpenAt)
	assert.Equal(t, StateThresholdFire, d.Outcome, "regional mean over the pre-open threshold")

	// the same regional mean is below the open threshold
	e = newEngine(t, cfg, coldCooldowns(openAt))
	fill(e, 16, 40, openAt)
	d = e.Evaluate(reading(openAt, 40), 120, openAt)
	assert.Equal(t, StateSuppressed, d.Outcome)
	assert.Equal(t, "below thresholds", d.Reason)
}

func TestEvaluate_PreOpenIndexThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Daily.Enabled = false
	cfg.Thresholds.PreOpenIndex = 75

	e := newEngine(t, cfg, coldCooldowns(preOpenAt))
	fill(e, 16, 80, preOpenAt)
	d := e.Evaluate(reading(preOpenAt, 80), 0, preOpenAt)
	assert.True(t, d.ThresholdText)
}

func TestEvaluate_OutsideAlertWindows(t *testing.T) {
	cfg := testConfig()
	cfg.Daily.Enabled = false
	late := monday.Add(23*time.Hour + 30*time.Minute)

	e := newEngine(t, cfg, coldCooldowns(late))
	fill(e, 16, 300, late)
	d := e.Evaluate(reading(late, 300), 300, late)
	assert.Equal(t, "outside alert windows", d.Reason)
}

func TestEvaluate_WeekendClosed(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(saturday))
	fill(e, 16, 200, saturday)

	d := e.Evaluate(reading(saturday, 200), 200, saturday)
	assert.Equal(t, StateSuppressed, d.Outcome)
	assert.Equal(t, "weekday closed", d.Reason)
	assert.False(t, d.DailyText)
}

func TestEvaluate_ErrorReadingNotPushed(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(openAt))
	r := reading(openAt, 0)
	r.Confidence = aqi.LevelError

	d := e.Evaluate(r, 0, openAt)
	assert.Equal(t, 0, d.Samples)
	assert.Equal(t, "no data", d.Reason)
}

func TestEvaluate_Daily(t *testing.T) {
	tests := []struct {
		name      string
		samples   int
		sinceLast time.Duration
		now       time.Time
		enabled   bool
		want      bool
	}{
		{"all conditions", 16, 14 * time.Hour, openAt, true, true},
		{"too few samples", 15, 14 * time.Hour, openAt, true, false},
		{"too recent", 16, 13*time.Hour + 59*time.Minute, openAt, true, false},
		{"weekend", 16, 24 * time.Hour, saturday, true, false},
		{"disabled", 16, 24 * time.Hour, openAt, false, false},
		{"before floor", 16, 24 * time.Hour, monday.Add(13*time.Hour + 59*time.Minute), true, false},
		{"at floor", 16, 24 * time.Hour, monday.Add(13*time.Hour + 59*time.Minute + 30*time.Second), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Daily.Enabled = tt.enabled
			cd := coldCooldowns(tt.now)
			cd[cooldown.DailyText] = tt.now.Add(-tt.sinceLast)
			cd[cooldown.DailyEmail] = tt.now.Add(-tt.sinceLast)

			e := newEngine(t, cfg, cd)
			// low readings so only the daily rule can fire
			fill(e, tt.samples, 10, tt.now)
			d := e.Evaluate(models.Reading{}, 10, tt.now)

			assert.Equal(t, tt.want, d.DailyText)
			assert.Equal(t, tt.want, d.DailyEmail)
			if tt.want {
				assert.Equal(t, StateDailyFire, d.Outcome)
			}
		})
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(openAt))
	fill(e, 15, 120, openAt)

	first := e.Evaluate(reading(openAt, 120), 80, openAt)
	second := e.Evaluate(reading(openAt, 120), 80, openAt)

	assert.Equal(t, first, second)
	assert.Equal(t, []cooldown.Channel{cooldown.AdhocText, cooldown.AdhocEmail, cooldown.DailyText, cooldown.DailyEmail}, first.Fired())
}

func TestEvaluate_TrendFromWindow(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(openAt))
	start := openAt.Add(-30 * time.Minute)
	for i, v := range []int{50, 52, 54} {
		e.Evaluate(reading(start.Add(time.Duration(i)*10*time.Minute), v), 0, openAt)
	}
	d := e.Evaluate(reading(openAt, 56), 0, openAt)
	assert.Equal(t, 12.0, d.RateOfChange)
	assert.Equal(t, 53.0, d.Average)
}

func TestPollStatus(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(openAt))

	ps := e.PollStatus(openAt)
	assert.True(t, ps.IntervalElapsed, "first poll is always due")
	assert.True(t, ps.InPollingWindow)
	assert.True(t, ps.ShouldPoll())

	e.MarkPolled(openAt)
	assert.False(t, e.PollStatus(openAt.Add(5*time.Minute)).IntervalElapsed)
	assert.True(t, e.PollStatus(openAt.Add(10*time.Minute)).IntervalElapsed)

	ps = e.PollStatus(monday.Add(12 * time.Hour))
	assert.False(t, ps.InPollingWindow)
	assert.False(t, ps.ShouldPoll())
}

func TestPollStatus_WindowExitClearsBuffer(t *testing.T) {
	e := newEngine(t, testConfig(), coldCooldowns(openAt))
	fill(e, 5, 60, openAt)

	require.True(t, e.PollStatus(openAt).InPollingWindow)
	require.Len(t, e.Samples(), 5)

	// 02:00 Tuesday is past the 01:00 end of polling
	ps := e.PollStatus(monday.Add(26 * time.Hour))
	assert.False(t, ps.InPollingWindow)
	assert.True(t, ps.WindowCleared)
	assert.Empty(t, e.Samples())

	// staying outside does not clear again
	assert.False(t, e.PollStatus(monday.Add(27*time.Hour)).WindowCleared)
}
