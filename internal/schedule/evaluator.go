package schedule

import (
	"fmt"
	"time"

	// Embedded zone database so the reference zone resolves on minimal images.
	_ "time/tzdata"
)

// DefaultZone is the reference zone used for the daylight-saving flag
const DefaultZone = "America/Los_Angeles"

// Config describes the static windows, all in UTC standard time
type Config struct {
	Zone       string
	MaxWeekday int // inclusive, 0 = Monday
	Polling    Window
	PreOpen    Window
	Open       Window
	// DailyLead is how long before the pre-open start daily summaries may go out
	DailyLead time.Duration
}

// Status is the evaluator's view of one instant
type Status struct {
	At                time.Time `json:"at"`
	DST               bool      `json:"dst"`
	Weekday           int       `json:"weekday"`
	WeekdayOpen       bool      `json:"weekday_open"`
	InPolling         bool      `json:"in_polling"`
	InPreOpen         bool      `json:"in_pre_open"`
	InOpen            bool      `json:"in_open"`
	DailyFloorReached bool      `json:"daily_floor_reached"`
}

// Evaluator resolves window membership for UTC instants. It holds no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	cfg  Config
	zone *time.Location
}

// NewEvaluator validates cfg and loads the reference zone
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Zone == "" {
		cfg.Zone = DefaultZone
	}
	loc, err := time.LoadLocation(cfg.Zone)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", cfg.Zone, err)
	}
	if cfg.MaxWeekday < 0 || cfg.MaxWeekday > 6 {
		return nil, fmt.Errorf("max weekday must be between 0 and 6, got %d", cfg.MaxWeekday)
	}
	if cfg.DailyLead < 0 {
		return nil, fmt.Errorf("daily lead must not be negative, got %v", cfg.DailyLead)
	}
	return &Evaluator{cfg: cfg, zone: loc}, nil
}

// Config returns the evaluator's configuration
func (e *Evaluator) Config() Config {
	return e.cfg
}

// IsDST reports whether the reference zone's offset at now differs from its
// standard offset. The standard offset is the smaller of the January and
// July offsets of that year.
func (e *Evaluator) IsDST(now time.Time) bool {
	local := now.In(e.zone)
	_, current := local.Zone()
	_, jan := time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, e.zone).Zone()
	_, jul := time.Date(local.Year(), time.July, 1, 0, 0, 0, 0, e.zone).Zone()
	return current != min(jan, jul)
}

// Weekday returns the UTC weekday of t with Monday as 0
func Weekday(t time.Time) int {
	return (int(t.UTC().Weekday()) + 6) % 7
}

// Status evaluates every window at now
func (e *Evaluator) Status(now time.Time) Status {
	st := Status{
		At:      now.UTC(),
		DST:     e.IsDST(now),
		Weekday: Weekday(now),
	}
	st.WeekdayOpen = st.Weekday <= e.cfg.MaxWeekday
	if !st.WeekdayOpen {
		return st
	}

	var shift time.Duration
	if st.DST {
		shift = -time.Hour
	}
	tod := Of(now)

	st.InPolling = e.cfg.Polling.Shift(shift).Contains(tod)
	st.InPreOpen = e.cfg.PreOpen.Shift(shift).Contains(tod)
	st.InOpen = e.cfg.Open.Shift(shift).Contains(tod)
	st.DailyFloorReached = tod >= e.DailyFloor(now)
	return st
}

// DailyFloor is the earliest time of day at now's DST state for daily
// summaries: pre-open start minus the lead. A floor that would fall before
// midnight is held at midnight so it never wraps into the previous day.
func (e *Evaluator) DailyFloor(now time.Time) TimeOfDay {
	floor := e.cfg.PreOpen.Start.Duration() - e.cfg.DailyLead
	if e.IsDST(now) {
		floor -= time.Hour
	}
	if floor < 0 {
		return 0
	}
	return TimeOfDay(floor)
}
