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

	"github.com/afroash/aq-notify/internal/config"
	"github.com/afroash/aq-notify/internal/logging"
	"github.com/afroash/aq-notify/internal/metrics"
	"github.com/afroash/aq-notify/internal/server"
	"github.com/afroash/aq-notify/internal/storage"
)

const version = "v0.3.0"

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("addr", cfg.Addr()).
		Msg("Starting air quality dashboard server")
	logger.Debug().Msg(cfg.String())

	store := server.NewMemoryStore(cfg.Storage.BufferSize)
	m := metrics.NewServer()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create data directory")
	}
	sqliteStore, err := storage.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create SQLite store")
	}
	logger.Info().Str("path", cfg.Storage.DBPath).Msg("SQLite store ready")

	dbWriter := storage.NewDBWriter(sqliteStore, storage.DBWriterConfig{
		BatchSize:   cfg.Storage.BatchSize,
		FlushPeriod: cfg.Storage.FlushInterval,
		OnFlush: func(b storage.Batch, err error) {
			result := metrics.ResultSuccess
			if err != nil {
				result = metrics.ResultError
			}
			m.ObserveDBWrite("evaluations", result, len(b.Evaluations))
			m.ObserveDBWrite("notifications", result, len(b.Notifications))
		},
	}, logger)

	retentionCleaner := storage.NewRetentionCleaner(sqliteStore, storage.RetentionCleanerConfig{
		RetentionDays: cfg.Storage.RetentionDays,
		CleanupPeriod: cfg.Storage.RetentionInterval,
		OnPrune: func(p storage.Pruned) {
			m.ObservePruned("evaluations", p.Evaluations)
			m.ObservePruned("notifications", p.Notifications)
		},
	}, logger.With().Str("component", "retention").Logger())
	logger.Info().
		Int("retention_days", cfg.Storage.RetentionDays).
		Dur("cleanup_period", cfg.Storage.RetentionInterval).
		Msg("RetentionCleaner started")

	stream := server.NewHandler(cfg.Server.AuthToken, store, m, logger, cfg.Server.AllowedOrigins...)
	stream.SetWriter(dbWriter)

	api := server.NewAPIHandler(store, sqliteStore, stream, m, version, logger)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.WithMiddleware(api.Router(), os.Stdout, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	dbWriter.Stop()
	logger.Info().Msg("DBWriter stopped")
	retentionCleaner.Stop()
	logger.Info().Msg("RetentionCleaner stopped")
	if err := sqliteStore.Close(); err != nil {
		logger.Error().Err(err).Msg("SQLiteStore close error")
	}

	logger.Info().Msg("Server stopped")
}
