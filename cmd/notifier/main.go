package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/afroash/aq-notify/internal/client"
	"github.com/afroash/aq-notify/internal/config"
	"github.com/afroash/aq-notify/internal/cooldown"
	"github.com/afroash/aq-notify/internal/gate"
	"github.com/afroash/aq-notify/internal/logging"
	"github.com/afroash/aq-notify/internal/metrics"
	"github.com/afroash/aq-notify/internal/models"
	"github.com/afroash/aq-notify/internal/monitor"
	"github.com/afroash/aq-notify/internal/notify"
	"github.com/afroash/aq-notify/internal/schedule"
	"github.com/afroash/aq-notify/internal/sensor"
	"github.com/afroash/aq-notify/internal/storage"
)

const version = "v0.3.0"

func main() {
	configPath := flag.String("config", "configs/notifier.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	err = run(cfg, logger)
	logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("version", version).
		Int("station_index", cfg.Sensor.StationIndex).
		Bool("dry_run", cfg.Notify.DryRun).
		Msg("Starting air quality notifier")
	logger.Debug().Msg(cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persister, closePersister, err := openCooldowns(cfg.Cooldown, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open cooldown store")
		return err
	}
	defer closePersister()
	cooldowns := cooldown.Load(persister, time.Now(), logger)

	sched, err := schedule.NewEvaluator(cfg.ScheduleConfig())
	if err != nil {
		logger.Error().Err(err).Msg("Invalid schedule")
		return err
	}
	engine, err := gate.New(cfg.GateConfig(), sched, cooldowns, logger.With().Str("component", "gate").Logger())
	if err != nil {
		logger.Error().Err(err).Msg("Invalid decision engine config")
		return err
	}

	policy := cfg.RetryPolicy(logger)
	paClient := sensor.NewClient(sensor.ClientOptions{
		BaseURL:        cfg.Sensor.BaseURL,
		APIKey:         cfg.Sensor.ReadKey,
		Timeout:        cfg.Sensor.Timeout,
		RegionalMaxAge: cfg.Sensor.RegionalMaxAge,
	}, logger)
	reader := sensor.NewReader(paClient, cfg.Sensor.StationIndex, cfg.Sensor.Region, policy, logger.With().Str("component", "sensor").Logger())

	recipients, err := loadRecipients(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load recipients")
		return err
	}
	texter, mailer := transports(cfg.Notify, logger)

	m := metrics.NewNotifier()

	var publisher monitor.Publisher
	var conn *client.Connection
	if cfg.Stream.Enabled {
		info := models.NewStationInfo(reader.StationID(), cfg.Sensor.Name, cfg.Sensor.Location, version)
		conn = client.NewConnection(client.ConnectionConfig{
			URL:                  cfg.Stream.URL,
			AuthToken:            cfg.Stream.AuthToken,
			ConnectTimeout:       cfg.Stream.ConnectTimeout,
			ReconnectInterval:    cfg.Stream.ReconnectInterval,
			MaxReconnectInterval: cfg.Stream.MaxReconnectInterval,
			PingInterval:         cfg.Stream.PingInterval,
			PongTimeout:          cfg.Stream.PongTimeout,
			BufferSize:           cfg.Stream.BufferSize,
		}, info, logger.With().Str("component", "stream").Logger())
		publisher = conn
	}

	loc, err := time.LoadLocation(cfg.Polling.Zone)
	if err != nil {
		loc = time.UTC
	}

	mon, err := monitor.New(monitor.Deps{
		Reader:     reader,
		Engine:     engine,
		Cooldowns:  cooldowns,
		Texter:     texter,
		Mailer:     mailer,
		Templates:  notify.DefaultTemplates(),
		Recipients: recipients,
		Metrics:    m,
		Publisher:  publisher,
	}, monitor.Options{
		StationName: cfg.Sensor.Name,
		Location:    loc,
		AttachXLSX:  cfg.Notify.Email.AttachXLSX,
		AttachPDF:   cfg.Notify.Email.AttachPDF,
		FailFast:    cfg.FailFastEnabled(),
		DryRun:      cfg.Notify.DryRun,
		SendPolicy:  policy,
	}, logger.With().Str("component", "monitor").Logger())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create monitor")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// a fatal send ends the process through gctx
		return mon.Run(gctx)
	})

	if conn != nil {
		g.Go(func() error {
			err := conn.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			return conn.Close()
		})
	}

	if path := cfg.Notify.RecipientsFile; path != "" {
		g.Go(func() error {
			if err := recipients.Watch(gctx, path); err != nil {
				logger.Warn().Err(err).Msg("Recipients hot reload disabled")
			}
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		router := mux.NewRouter()
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", metricsServer.Addr).Msg("Metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("Notifier stopped with error")
		return err
	}
	logger.Info().Msg("Notifier stopped")
	return nil
}

// openCooldowns returns the configured persister and a function releasing it
func openCooldowns(cfg config.CooldownConfig, logger zerolog.Logger) (cooldown.Persister, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, nil, err
		}
		store, err := storage.NewSQLiteStore(cfg.DBPath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.DBPath).Msg("Cooldowns stored in SQLite")
		return storage.NewCooldownPersister(store), func() { store.Close() }, nil
	default:
		fs, err := cooldown.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("dir", cfg.Dir).Msg("Cooldowns stored in files")
		return fs, func() {}, nil
	}
}

// loadRecipients builds the lists from config, replaced by the recipients
// file when one is configured. Lists of disabled transports stay empty,
// reloads included.
func loadRecipients(cfg *config.Config, logger zerolog.Logger) (*notify.Recipients, error) {
	lists := notify.RecipientLists{
		Text:       cfg.Notify.SMS.Recipients,
		DailyText:  cfg.Notify.SMS.DailyRecipients,
		Email:      cfg.Notify.Email.Recipients,
		DailyEmail: cfg.Notify.Email.DailyRecipients,
	}
	if path := cfg.Notify.RecipientsFile; path != "" {
		fromFile, err := notify.LoadRecipientsFile(path)
		if err != nil {
			return nil, err
		}
		lists = fromFile
	}
	return notify.NewFilteredRecipients(lists, disabledTransports(cfg.Notify), logger), nil
}

// disabledTransports empties the lists of transports that are switched off.
// Dry run keeps every list since nothing is delivered.
func disabledTransports(cfg config.NotifyConfig) notify.RecipientFilter {
	if cfg.DryRun {
		return nil
	}
	smsOn, emailOn := cfg.SMS.Enabled, cfg.Email.Enabled
	return func(l notify.RecipientLists) notify.RecipientLists {
		if !smsOn {
			l.Text, l.DailyText = nil, nil
		}
		if !emailOn {
			l.Email, l.DailyEmail = nil, nil
		}
		return l
	}
}

func transports(cfg config.NotifyConfig, logger zerolog.Logger) (notify.Texter, notify.Mailer) {
	dry := notify.NewDryRun(logger.With().Str("component", "dry_run").Logger())
	if cfg.DryRun {
		return dry, dry
	}

	var texter notify.Texter = dry
	if cfg.SMS.Enabled {
		texter = notify.NewSMSGateway(notify.SMSOptions{
			URL:       cfg.SMS.URL,
			AccountID: cfg.SMS.AccountID,
			AuthToken: cfg.SMS.AuthToken,
			From:      cfg.SMS.From,
			Timeout:   cfg.SMS.Timeout,
		}, logger.With().Str("component", "sms").Logger())
	}

	var mailer notify.Mailer = dry
	if cfg.Email.Enabled {
		mailer = notify.NewSMTPMailer(notify.SMTPOptions{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			Timeout:  cfg.Email.Timeout,
		}, logger.With().Str("component", "smtp").Logger())
	}
	return texter, mailer
}
