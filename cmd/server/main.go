// Package main provides the entry point for the forecasting backend server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/forecast-backend/internal/api"
	"github.com/atlas-desktop/forecast-backend/internal/config"
	"github.com/atlas-desktop/forecast-backend/internal/datasource"
	"github.com/atlas-desktop/forecast-backend/internal/events"
	"github.com/atlas-desktop/forecast-backend/internal/forecast"
	"github.com/atlas-desktop/forecast-backend/internal/ingestion"
	"github.com/atlas-desktop/forecast-backend/internal/marketdata"
	"github.com/atlas-desktop/forecast-backend/internal/masterdata"
	"github.com/atlas-desktop/forecast-backend/internal/metrics"
	"github.com/atlas-desktop/forecast-backend/internal/models"
	"github.com/atlas-desktop/forecast-backend/internal/orchestrator"
	"github.com/atlas-desktop/forecast-backend/internal/validation"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting forecast backend",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("artifacts", cfg.Models.ArtifactsDir),
	)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	bus := events.NewBus(logger, 1024, 4)
	defer bus.Stop()

	// The bar, master-data and forecast stores share one Postgres pool.
	// Without a DSN everything runs in-memory, which is enough for local
	// development against fixture data.
	var (
		barStore      marketdata.BarStore
		masterStore   masterdata.Store
		forecastStore forecast.Store
	)
	if cfg.Database.DSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		defer db.Close()

		barStore = marketdata.NewPostgresBarStore(db, logger, cfg.Database.QueryTimeout)
		masterStore = masterdata.NewPostgresStore(db, logger, cfg.Database.QueryTimeout)
		forecastStore = forecast.NewPostgresStore(db, logger, cfg.Database.QueryTimeout)
	} else {
		logger.Warn("No database DSN configured, using in-memory stores")
		barStore = marketdata.NewMemoryBarStore()
		masterStore = masterdata.NewMemoryStore()
		forecastStore = forecast.NewMemoryStore()
	}

	sources := datasource.NewFactory(cfg.Sources.DefaultID)
	sources.Register(datasource.NewBybitSource(cfg.Sources.Bybit, cfg.Sources.HTTPTimeout, cfg.Sources.MaxRetries, logger))
	sources.Register(datasource.NewBinanceSource(cfg.Sources.Binance, cfg.Sources.HTTPTimeout, cfg.Sources.MaxRetries, logger))

	validator := validation.NewBatchValidator(logger, cfg.Ingestion.JumpThresholdPct)
	pipeline := ingestion.NewPipeline(logger, cfg.Ingestion, barStore, sources, validator, m, bus)

	modelStore, err := models.NewStore(logger, cfg.Models.ArtifactsDir)
	if err != nil {
		logger.Fatal("Failed to load model artifacts", zap.Error(err))
	}

	prep := masterdata.NewPipeline(logger, masterStore, barStore, pipeline, m, bus)
	engine := forecast.NewEngine(logger, barStore, masterStore, modelStore, m, bus)

	ingestionTask := orchestrator.NewIngestionTask(logger, pipeline, cfg.Ingestion)
	forecastTask := orchestrator.NewForecastTask(logger, modelStore, prep, engine, forecastStore)

	server := api.NewServer(logger, &cfg.Server, ingestionTask, forecastTask, modelStore, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully")

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
