package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/afroash/aq-notify/internal/errs"
)

// AppConfig holds the dashboard server configuration
type AppConfig struct {
	Server  ServerSettings  `yaml:"server"`
	Storage StorageSettings `yaml:"storage"`
	Logging LoggingConfig   `yaml:"logging"`
}

// ServerSettings contains HTTP server configuration
type ServerSettings struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// StorageSettings contains storage configuration
type StorageSettings struct {
	// BufferSize is the number of recent evaluations kept in memory per station
	BufferSize        int           `yaml:"buffer_size"`
	DBPath            string        `yaml:"db_path"`
	RetentionDays     int           `yaml:"retention_days"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	BatchSize         int           `yaml:"batch_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

// LoadAppConfig loads server configuration from YAML file
func LoadAppConfig(path string) (*AppConfig, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configuration("config.load", err)
	}
	var config AppConfig
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, errs.Configuration("config.load", fmt.Errorf("parse %s: %w", path, err))
	}
	config.ApplyDefaults()
	if err := config.OverrideFromEnv(); err != nil {
		return nil, errs.Configuration("config.env", err)
	}
	if err := config.Validate(); err != nil {
		return nil, errs.Configuration("config.validate", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for server config
func (ac *AppConfig) ApplyDefaults() {
	if ac.Server.Port == 0 {
		ac.Server.Port = 8081
	}
	if ac.Server.Host == "" {
		ac.Server.Host = "localhost"
	}
	if ac.Server.ReadTimeout == 0 {
		ac.Server.ReadTimeout = 60 * time.Second
	}
	if ac.Server.WriteTimeout == 0 {
		ac.Server.WriteTimeout = 10 * time.Second
	}
	if ac.Storage.BufferSize == 0 {
		ac.Storage.BufferSize = 100
	}
	if ac.Storage.DBPath == "" {
		ac.Storage.DBPath = "./data/aq-dashboard.db"
	}
	if ac.Storage.RetentionDays == 0 {
		ac.Storage.RetentionDays = 30
	}
	if ac.Storage.RetentionInterval == 0 {
		ac.Storage.RetentionInterval = 24 * time.Hour
	}
	if ac.Storage.BatchSize == 0 {
		ac.Storage.BatchSize = 50
	}
	if ac.Storage.FlushInterval == 0 {
		ac.Storage.FlushInterval = 5 * time.Second
	}
	if ac.Logging.Level == "" {
		ac.Logging.Level = "info"
	}
	if ac.Logging.Format == "" {
		ac.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config from environment variables
func (ac *AppConfig) OverrideFromEnv() error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		ac.Server.Port = port
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		ac.Server.Host = v
	}
	if v := os.Getenv("SERVER_AUTH_TOKEN"); v != "" {
		ac.Server.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		ac.Logging.Level = v
	}
	return nil
}

// Validate checks if server configuration is valid
func (ac *AppConfig) Validate() error {
	if ac.Server.Port < 1 || ac.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if ac.Server.AuthToken == "" {
		return fmt.Errorf("auth token is required")
	}
	if ac.Storage.BufferSize < 10 {
		return fmt.Errorf("buffer size must be at least 10")
	}
	if ac.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}
	if ac.Storage.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	return nil
}

// Addr is the listen address
func (ac *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ac.Server.Host, ac.Server.Port)
}

// String returns a safe string representation (hides auth token)
func (ac *AppConfig) String() string {
	return fmt.Sprintf("AppConfig{Server: [Addr=%s, Token=%s, Origins=%v], Storage: %+v, Logging: %+v}",
		ac.Addr(),
		maskToken(ac.Server.AuthToken),
		ac.Server.AllowedOrigins,
		ac.Storage,
		ac.Logging,
	)
}
