package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/afroash/aq-notify/internal/errs"
	"github.com/afroash/aq-notify/internal/gate"
	"github.com/afroash/aq-notify/internal/retry"
	"github.com/afroash/aq-notify/internal/schedule"
	"github.com/afroash/aq-notify/internal/sensor"
)

// Config holds all configuration for the notifier
type Config struct {
	Sensor   SensorConfig   `yaml:"sensor"`
	Polling  PollingConfig  `yaml:"polling"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Retry    RetryConfig    `yaml:"retry"`
	Notify   NotifyConfig   `yaml:"notify"`
	Cooldown CooldownConfig `yaml:"cooldown"`
	Stream   StreamConfig   `yaml:"stream"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SensorConfig points at the local station and the surrounding region
type SensorConfig struct {
	StationIndex   int           `yaml:"station_index"`
	Name           string        `yaml:"name"`
	Location       string        `yaml:"location"`
	BaseURL        string        `yaml:"base_url"`
	ReadKey        string        `yaml:"read_key"`
	Timeout        time.Duration `yaml:"timeout"`
	Region         sensor.BBox   `yaml:"region"`
	RegionalMaxAge time.Duration `yaml:"regional_max_age"`
}

// PollingConfig holds the poll cadence and the UTC standard-time windows
type PollingConfig struct {
	Interval        time.Duration   `yaml:"interval"`
	StorageDuration time.Duration   `yaml:"storage_duration"`
	Zone            string          `yaml:"zone"`
	MaxWeekday      *int            `yaml:"max_weekday"`
	Window          schedule.Window `yaml:"window"`
	PreOpen         schedule.Window `yaml:"pre_open"`
	Open            schedule.Window `yaml:"open"`
	DailyLead       time.Duration   `yaml:"daily_lead"`
}

// AlertsConfig holds thresholds and cooldown intervals
type AlertsConfig struct {
	NotificationInterval time.Duration `yaml:"notification_interval"`
	PreOpenIndex         int           `yaml:"pre_open_index"`
	PreOpenRegional      float64       `yaml:"pre_open_regional"`
	OpenIndex            int           `yaml:"open_index"`
	OpenRegional         float64       `yaml:"open_regional"`
	DailyEnabled         bool          `yaml:"daily_enabled"`
	DailyInterval        time.Duration `yaml:"daily_interval"`
	DailyMinSamples      int           `yaml:"daily_min_samples"`
}

// RetryConfig parameterizes fetch and send retries
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	Escalation  time.Duration `yaml:"escalation"`
	Factor      float64       `yaml:"factor"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// NotifyConfig selects and configures the transports
type NotifyConfig struct {
	DryRun         bool       `yaml:"dry_run"`
	FailFast       *bool      `yaml:"fail_fast"`
	RecipientsFile string     `yaml:"recipients_file"`
	SMS            SMSConfig  `yaml:"sms"`
	Email          SMTPConfig `yaml:"email"`
}

// SMSConfig configures the HTTP SMS gateway
type SMSConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	AccountID       string        `yaml:"account_id"`
	AuthToken       string        `yaml:"auth_token"`
	From            string        `yaml:"from"`
	Timeout         time.Duration `yaml:"timeout"`
	Recipients      []string      `yaml:"recipients"`
	DailyRecipients []string      `yaml:"daily_recipients"`
}

// SMTPConfig configures outbound email
type SMTPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	From            string        `yaml:"from"`
	Timeout         time.Duration `yaml:"timeout"`
	Recipients      []string      `yaml:"recipients"`
	DailyRecipients []string      `yaml:"daily_recipients"`
	AttachXLSX      bool          `yaml:"attach_xlsx"`
	AttachPDF       bool          `yaml:"attach_pdf"`
}

// CooldownConfig selects where cooldown timestamps live
type CooldownConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Dir     string `yaml:"dir"`
	DBPath  string `yaml:"db_path"`
}

// StreamConfig contains connection settings for the dashboard server
type StreamConfig struct {
	Enabled              bool          `yaml:"enabled"`
	URL                  string        `yaml:"url"`
	AuthToken            string        `yaml:"auth_token"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// MetricsConfig controls the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configuration("config.load", err)
	}
	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, errs.Configuration("config.load", fmt.Errorf("parse %s: %w", path, err))
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, errs.Configuration("config.validate", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Sensor.BaseURL == "" {
		c.Sensor.BaseURL = sensor.DefaultBaseURL
	}
	if c.Sensor.Timeout == 0 {
		c.Sensor.Timeout = 30 * time.Second
	}
	if c.Sensor.RegionalMaxAge == 0 {
		c.Sensor.RegionalMaxAge = time.Hour
	}

	if c.Polling.Interval == 0 {
		c.Polling.Interval = 10 * time.Minute
	}
	if c.Polling.StorageDuration == 0 {
		c.Polling.StorageDuration = 150 * time.Minute
	}
	if c.Polling.Zone == "" {
		c.Polling.Zone = schedule.DefaultZone
	}
	if c.Polling.MaxWeekday == nil {
		friday := 4
		c.Polling.MaxWeekday = &friday
	}
	if c.Polling.DailyLead == 0 {
		c.Polling.DailyLead = 30 * time.Second
	}

	if c.Alerts.NotificationInterval == 0 {
		c.Alerts.NotificationInterval = 8 * time.Hour
	}
	if c.Alerts.DailyInterval == 0 {
		c.Alerts.DailyInterval = 14 * time.Hour
	}
	if c.Alerts.DailyMinSamples == 0 {
		c.Alerts.DailyMinSamples = 16
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = 2 * time.Second
	}
	if c.Retry.Escalation == 0 {
		c.Retry.Escalation = 10 * time.Second
	}
	if c.Retry.Factor == 0 {
		c.Retry.Factor = 1
	}

	if c.Notify.FailFast == nil {
		failFast := true
		c.Notify.FailFast = &failFast
	}
	if c.Notify.SMS.Timeout == 0 {
		c.Notify.SMS.Timeout = 15 * time.Second
	}
	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 587
	}
	if c.Notify.Email.Timeout == 0 {
		c.Notify.Email.Timeout = 30 * time.Second
	}

	if c.Cooldown.Backend == "" {
		c.Cooldown.Backend = "file"
	}
	if c.Cooldown.Dir == "" {
		c.Cooldown.Dir = "./data/cooldown"
	}
	if c.Cooldown.DBPath == "" {
		c.Cooldown.DBPath = "./data/aq-notify.db"
	}

	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = 10 * time.Second
	}
	if c.Stream.ReconnectInterval == 0 {
		c.Stream.ReconnectInterval = 1 * time.Second
	}
	if c.Stream.MaxReconnectInterval == 0 {
		c.Stream.MaxReconnectInterval = 5 * time.Minute
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 30 * time.Second
	}
	if c.Stream.PongTimeout == 0 {
		c.Stream.PongTimeout = 10 * time.Second
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 256
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9102"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides secrets and the log level from the environment
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("PURPLEAIR_READ_KEY"); v != "" {
		c.Sensor.ReadKey = v
	}
	if v := os.Getenv("SMS_AUTH_TOKEN"); v != "" {
		c.Notify.SMS.AuthToken = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Notify.Email.Password = v
	}
	if v := os.Getenv("STREAM_AUTH_TOKEN"); v != "" {
		c.Stream.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Sensor.StationIndex <= 0 {
		return fmt.Errorf("sensor station_index is required")
	}
	if c.Sensor.ReadKey == "" {
		return fmt.Errorf("sensor read_key is required (or set PURPLEAIR_READ_KEY)")
	}
	if !c.Sensor.Region.Valid() {
		return fmt.Errorf("sensor region must have nw corner north-west of se corner")
	}

	if c.Polling.Interval < time.Second {
		return fmt.Errorf("polling interval must be at least 1 second")
	}
	if c.Polling.StorageDuration < c.Polling.Interval {
		return fmt.Errorf("polling storage_duration must be at least one interval")
	}
	if wd := c.maxWeekday(); wd < 0 || wd > 6 {
		return fmt.Errorf("polling max_weekday must be between 0 and 6")
	}

	if c.Alerts.OpenIndex <= 0 {
		return fmt.Errorf("alerts open_index must be positive")
	}
	if c.Alerts.OpenRegional <= 0 || c.Alerts.PreOpenRegional <= 0 {
		return fmt.Errorf("alerts regional thresholds must be positive")
	}
	if c.Alerts.PreOpenIndex < 0 {
		return fmt.Errorf("alerts pre_open_index must not be negative")
	}
	if c.Alerts.DailyMinSamples < 1 {
		return fmt.Errorf("alerts daily_min_samples must be at least 1")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}

	if !c.Notify.DryRun {
		if sms := c.Notify.SMS; sms.Enabled {
			if sms.URL == "" || sms.AuthToken == "" || sms.From == "" {
				return fmt.Errorf("sms url, auth_token and from are required when sms is enabled")
			}
		}
		if email := c.Notify.Email; email.Enabled {
			if email.Host == "" || email.From == "" {
				return fmt.Errorf("email host and from are required when email is enabled")
			}
		}
	}

	switch c.Cooldown.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("cooldown backend must be file or sqlite, got %q", c.Cooldown.Backend)
	}

	if c.Stream.Enabled {
		if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
			return fmt.Errorf("stream url must start with ws:// or wss://")
		}
		if c.Stream.AuthToken == "" {
			return fmt.Errorf("stream auth token is required")
		}
		if c.Stream.BufferSize < 10 || c.Stream.BufferSize > 100000 {
			return fmt.Errorf("stream buffer size must be between 10 and 100000")
		}
	}
	return nil
}

// FailFastEnabled reports whether an exhausted send should stop the process
func (c *Config) FailFastEnabled() bool {
	return c.Notify.FailFast == nil || *c.Notify.FailFast
}

func (c *Config) maxWeekday() int {
	if c.Polling.MaxWeekday == nil {
		return 4
	}
	return *c.Polling.MaxWeekday
}

// ScheduleConfig builds the time-window evaluator configuration
func (c *Config) ScheduleConfig() schedule.Config {
	return schedule.Config{
		Zone:       c.Polling.Zone,
		MaxWeekday: c.maxWeekday(),
		Polling:    c.Polling.Window,
		PreOpen:    c.Polling.PreOpen,
		Open:       c.Polling.Open,
		DailyLead:  c.Polling.DailyLead,
	}
}

// GateConfig builds the decision engine configuration
func (c *Config) GateConfig() gate.Config {
	return gate.Config{
		PollInterval:         c.Polling.Interval,
		StorageDuration:      c.Polling.StorageDuration,
		NotificationInterval: c.Alerts.NotificationInterval,
		Daily: gate.DailyConfig{
			Enabled:    c.Alerts.DailyEnabled,
			Interval:   c.Alerts.DailyInterval,
			MinSamples: c.Alerts.DailyMinSamples,
		},
		Thresholds: gate.Thresholds{
			PreOpenIndex:    c.Alerts.PreOpenIndex,
			PreOpenRegional: c.Alerts.PreOpenRegional,
			OpenIndex:       c.Alerts.OpenIndex,
			OpenRegional:    c.Alerts.OpenRegional,
		},
	}
}

// RetryPolicy builds the retry policy shared by fetches and sends
func (c *Config) RetryPolicy(logger zerolog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Delay:       c.Retry.Delay,
		Escalation:  c.Retry.Escalation,
		Factor:      c.Retry.Factor,
		MaxDelay:    c.Retry.MaxDelay,
		Logger:      logger,
	}
}

// String returns a safe string representation (hides secrets)
func (c *Config) String() string {
	return fmt.Sprintf("Config{Sensor: [Station=%d, Key=%s], Polling: [Interval=%s, Storage=%s, Window=%s], Alerts: %+v, SMS: [Enabled=%t, Token=%s], Email: [Enabled=%t, Password=%s], Stream: [URL=%s, Token=%s], Logging: %+v}",
		c.Sensor.StationIndex,
		maskToken(c.Sensor.ReadKey),
		c.Polling.Interval,
		c.Polling.StorageDuration,
		c.Polling.Window,
		c.Alerts,
		c.Notify.SMS.Enabled,
		maskToken(c.Notify.SMS.AuthToken),
		c.Notify.Email.Enabled,
		maskToken(c.Notify.Email.Password),
		c.Stream.URL,
		maskToken(c.Stream.AuthToken),
		c.Logging,
	)
}

// maskToken masks all but first 4 characters of a token
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
