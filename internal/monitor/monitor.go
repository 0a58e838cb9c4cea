// Package monitor drives the poll cycle: fetch, evaluate, notify, confirm.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/afroash/aq-notify/internal/aqi"
	"github.com/afroash/aq-notify/internal/cooldown"
	"github.com/afroash/aq-notify/internal/gate"
	"github.com/afroash/aq-notify/internal/metrics"
	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/notify"
	"github.com/afroash/aq-notify/internal/report"
	"github.com/afroash/aq-notify/internal/retry"
)

// DefaultTick is how often Run asks the engine whether a poll is due
const DefaultTick = 30 * time.Second

// ErrSendFailed marks a notification that could not be delivered
var ErrSendFailed = errors.New("notification send failed")

// Reader supplies scored local readings and the regional mean
type Reader interface {
	StationID() string
	ReadLocal(ctx context.Context) (models.Reading, error)
	RegionalMean(ctx context.Context, fallback float64) (float64, int, error)
}

// Recipients resolves the recipient list of a channel
type Recipients interface {
	For(ch cooldown.Channel) []string
}

// Publisher receives evaluation and notification records, typically the
// dashboard stream
type Publisher interface {
	PublishEvaluation(eval models.Evaluation) error
	PublishNotification(n models.Notification) error
}

// Options tunes the monitor
type Options struct {
	StationName string
	// Location is used for dates in report attachments
	Location   *time.Location
	Tick       time.Duration
	AttachXLSX bool
	AttachPDF  bool
	FailFast   bool
	DryRun     bool
	// SendPolicy retries text and email sends
	SendPolicy retry.Policy
}

// Deps are the collaborators a Monitor wires together
type Deps struct {
	Reader     Reader
	Engine     *gate.Engine
	Cooldowns  *cooldown.Store
	Texter     notify.Texter
	Mailer     notify.Mailer
	Templates  *notify.Templates
	Recipients Recipients
	Metrics    *metrics.Notifier
	// Publisher is optional
	Publisher Publisher
}

// Monitor runs the poll loop for one station
type Monitor struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New checks the required collaborators and creates a Monitor
func New(deps Deps, opts Options, logger zerolog.Logger) (*Monitor, error) {
	switch {
	case deps.Reader == nil:
		return nil, fmt.Errorf("monitor: reader is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("monitor: engine is required")
	case deps.Cooldowns == nil:
		return nil, fmt.Errorf("monitor: cooldown store is required")
	case deps.Texter == nil || deps.Mailer == nil:
		return nil, fmt.Errorf("monitor: text and email transports are required")
	case deps.Recipients == nil:
		return nil, fmt.Errorf("monitor: recipients are required")
	}
	if deps.Templates == nil {
		deps.Templates = notify.DefaultTemplates()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNotifier()
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if poll := deps.Engine.Config().PollInterval; poll < opts.Tick {
		opts.Tick = poll
	}
	if opts.StationName == "" {
		opts.StationName = deps.Reader.StationID()
	}
	return &Monitor{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Run cycles once immediately and then on every tick until ctx is
// cancelled. It returns early only when a send fails with fail-fast on.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Str("station_id", m.deps.Reader.StationID()).
		Dur("tick", m.opts.Tick).
		Bool("dry_run", m.opts.DryRun).
		Msg("Monitor started")

	if err := m.Cycle(ctx, m.now().UTC()); err != nil {
		return err
	}

	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.Cycle(ctx, m.now().UTC()); err != nil {
				return err
			}
		}
	}
}

// Cycle performs one pass at now. Fetch failures skip the pass. A failed
// send is returned only when fail-fast is on.
func (m *Monitor) Cycle(ctx context.Context, now time.Time) error {
	status := m.deps.Engine.PollStatus(now)
	if status.WindowCleared {
		m.deps.Metrics.ObserveWindowCleared()
	}
	if !status.ShouldPoll() {
		return nil
	}
	m.deps.Engine.MarkPolled(now)

	reading, regional, used, err := m.fetch(ctx)
	if err != nil {
		m.deps.Metrics.ObservePoll(metrics.ResultError)
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Error().Err(err).Msg("Local reading unavailable, skipping cycle")
		return nil
	}
	m.deps.Metrics.ObservePoll(metrics.ResultSuccess)

	d := m.deps.Engine.Evaluate(reading, regional, now)
	m.deps.Metrics.ObserveEvaluation(d.Outcome.String(), d.AQI, d.RegionalMean, d.RateOfChange, d.Samples)

	fired := d.Fired()
	eval := newEvaluation(reading, d, used, fired)
	m.publishEvaluation(eval)

	if len(fired) == 0 {
		m.logger.Debug().Str("reason", d.Reason).Msg("Nothing to send")
		return nil
	}

	var failures []error
	for _, ch := range fired {
		if err := m.send(ctx, ch, reading, d, now); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 && m.opts.FailFast && ctx.Err() == nil {
		return errors.Join(failures...)
	}
	return nil
}

// fetch reads the local station and the region concurrently. The regional
// mean falls back to the local index when no regional station is usable.
func (m *Monitor) fetch(ctx context.Context) (models.Reading, float64, int, error) {
	var (
		reading     models.Reading
		localErr    error
		regional    float64
		used        int
		regionalErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		reading, localErr = m.deps.Reader.ReadLocal(ctx)
		return nil
	})
	g.Go(func() error {
		regional, used, regionalErr = m.deps.Reader.RegionalMean(ctx, 0)
		return nil
	})
	g.Wait()

	if localErr != nil && reading.Confidence == aqi.LevelError {
		m.deps.Metrics.ObserveFetchError("local")
		return reading, 0, 0, localErr
	}
	if regionalErr != nil {
		m.deps.Metrics.ObserveFetchError("regional")
		m.logger.Warn().Err(regionalErr).Msg("Regional fetch failed, using local index")
	}
	if used == 0 {
		regional = float64(reading.AQI)
	}
	return reading, regional, used, nil
}

// send renders, delivers and confirms one channel. The cooldown is
// confirmed only after a successful delivery.
func (m *Monitor) send(ctx context.Context, ch cooldown.Channel, r models.Reading, d gate.Decision, now time.Time) error {
	kind := models.NotificationThreshold
	if ch.IsDaily() {
		kind = models.NotificationDaily
	}
	recipients := m.deps.Recipients.For(ch)
	if len(recipients) == 0 {
		m.logger.Warn().Str("channel", ch.String()).Msg("No recipients configured, channel skipped")
		return nil
	}

	msg, err := m.render(ch, m.messageData(r, d, now))
	if err != nil {
		m.logger.Error().Err(err).Str("channel", ch.String()).Msg("Failed to render message")
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, ch, err)
	}

	start := time.Now()
	if isText(ch) {
		err = m.sendText(ctx, ch, recipients, msg.Body)
	} else {
		err = m.sendEmail(ctx, ch, recipients, msg, d, now)
	}
	elapsed := time.Since(start).Seconds()

	record := models.Notification{
		ID:         uuid.NewString(),
		StationID:  r.StationID,
		Channel:    ch.String(),
		Kind:       kind,
		Recipients: len(recipients),
		Subject:    msg.Subject,
		AQI:        d.AQI,
		SentAt:     now,
		Success:    err == nil,
	}
	if record.StationID == "" {
		record.StationID = m.deps.Reader.StationID()
	}

	if err != nil {
		record.Error = err.Error()
		m.deps.Metrics.ObserveNotification(ch.String(), metrics.ResultError, elapsed)
		m.publishNotification(record)
		m.logger.Error().
			Err(err).
			Str("channel", ch.String()).
			Int("recipients", len(recipients)).
			Msg("Notification failed, cooldown unchanged")
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, ch, err)
	}

	if cerr := m.deps.Cooldowns.Confirm(ch, now); cerr != nil {
		m.logger.Error().Err(cerr).Str("channel", ch.String()).Msg("Failed to persist cooldown")
	}

	result := metrics.ResultSuccess
	if m.opts.DryRun {
		result = metrics.ResultDryRun
	}
	m.deps.Metrics.ObserveNotification(ch.String(), result, elapsed)
	m.publishNotification(record)
	m.logger.Info().
		Str("id", record.ID).
		Str("channel", ch.String()).
		Int("recipients", len(recipients)).
		Int("aqi", d.AQI).
		Msg("Notification sent")
	return nil
}

// sendText retries only the recipients that failed on the previous attempt
func (m *Monitor) sendText(ctx context.Context, ch cooldown.Channel, recipients []string, body string) error {
	pending := recipients
	return m.opts.SendPolicy.Do(ctx, "send "+ch.String(), func(ctx context.Context) error {
		err := m.deps.Texter.SendText(ctx, pending, body)
		var partial *notify.PartialError
		if errors.As(err, &partial) && len(partial.Failed) > 0 {
			pending = partial.Failed
		}
		return err
	})
}

func (m *Monitor) sendEmail(ctx context.Context, ch cooldown.Channel, recipients []string, msg notify.Message, d gate.Decision, now time.Time) error {
	var attachments []notify.Attachment
	if ch == cooldown.DailyEmail {
		attachments = m.dailyAttachments(d, now)
	}
	return m.opts.SendPolicy.Do(ctx, "send "+ch.String(), func(ctx context.Context) error {
		return m.deps.Mailer.SendEmail(ctx, recipients, msg.Subject, msg.Body, attachments)
	})
}

// dailyAttachments builds the configured report files. A report that fails
// to build is left out rather than holding back the summary.
func (m *Monitor) dailyAttachments(d gate.Decision, now time.Time) []notify.Attachment {
	if !m.opts.AttachXLSX && !m.opts.AttachPDF {
		return nil
	}
	summary := report.Summary{
		StationID:    m.deps.Reader.StationID(),
		StationName:  m.opts.StationName,
		GeneratedAt:  now,
		Location:     m.opts.Location,
		Samples:      m.deps.Engine.Samples(),
		Capacity:     d.Capacity,
		Average:      d.Average,
		RateOfChange: d.RateOfChange,
		RegionalMean: d.RegionalMean,
	}

	var out []notify.Attachment
	if m.opts.AttachXLSX {
		if data, err := report.BuildDailyXLSX(summary); err != nil {
			m.logger.Warn().Err(err).Msg("XLSX report failed")
		} else {
			out = append(out, notify.Attachment{Name: summary.FileName("xlsx"), ContentType: report.XLSXContentType, Data: data})
		}
	}
	if m.opts.AttachPDF {
		if data, err := report.BuildDailyPDF(summary); err != nil {
			m.logger.Warn().Err(err).Msg("PDF report failed")
		} else {
			out = append(out, notify.Attachment{Name: summary.FileName("pdf"), ContentType: report.PDFContentType, Data: data})
		}
	}
	return out
}

func (m *Monitor) messageData(r models.Reading, d gate.Decision, now time.Time) notify.MessageData {
	win := "open"
	if d.Schedule.InPreOpen {
		win = "pre-open"
	}
	at := now
	if m.opts.Location != nil {
		at = now.In(m.opts.Location)
	}
	return notify.MessageData{
		StationID:    m.deps.Reader.StationID(),
		StationName:  m.opts.StationName,
		At:           at,
		AQI:          d.AQI,
		Category:     aqi.Category(d.AQI),
		Confidence:   r.Confidence.String(),
		EPA:          r.EPA,
		RegionalMean: d.RegionalMean,
		Average:      d.Average,
		RateOfChange: d.RateOfChange,
		Samples:      d.Samples,
		Span:         d.Span,
		Window:       win,
	}
}

func (m *Monitor) render(ch cooldown.Channel, data notify.MessageData) (notify.Message, error) {
	t := m.deps.Templates
	switch ch {
	case cooldown.AdhocText:
		return t.ThresholdText(data)
	case cooldown.AdhocEmail:
		return t.ThresholdEmail(data)
	case cooldown.DailyText:
		return t.DailyText(data)
	case cooldown.DailyEmail:
		return t.DailyEmail(data)
	}
	return notify.Message{}, fmt.Errorf("unknown channel %v", ch)
}

func (m *Monitor) publishEvaluation(eval models.Evaluation) {
	if m.deps.Publisher == nil {
		return
	}
	if err := m.deps.Publisher.PublishEvaluation(eval); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to publish evaluation")
	}
}

func (m *Monitor) publishNotification(n models.Notification) {
	if m.deps.Publisher == nil {
		return
	}
	if err := m.deps.Publisher.PublishNotification(n); err != nil {
		m.logger.Warn().Err(err).Str("id", n.ID).Msg("Failed to publish notification")
	}
}

func isText(ch cooldown.Channel) bool {
	return ch == cooldown.AdhocText || ch == cooldown.DailyText
}

func newEvaluation(r models.Reading, d gate.Decision, regionalCount int, fired []cooldown.Channel) models.Evaluation {
	eval := models.Evaluation{
		StationID:     r.StationID,
		Timestamp:     r.Timestamp,
		AQI:           d.AQI,
		Category:      aqi.Category(d.AQI),
		Confidence:    r.Confidence,
		EPA:           r.EPA,
		RegionalMean:  d.RegionalMean,
		RegionalCount: regionalCount,
		Average:       d.Average,
		RateOfChange:  d.RateOfChange,
		Samples:       d.Samples,
		Capacity:      d.Capacity,
		Outcome:       d.Outcome.String(),
		Reason:        d.Reason,
	}
	for _, ch := range fired {
		eval.Fired = append(eval.Fired, ch.String())
	}
	return eval
}
