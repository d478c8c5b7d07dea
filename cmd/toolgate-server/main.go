package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/catalog"
	"github.com/triage-ai/toolgate/internal/config"
	"github.com/triage-ai/toolgate/internal/orchestrator"
	"github.com/triage-ai/toolgate/internal/server"
	"github.com/triage-ai/toolgate/internal/supervisor"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOLGATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("TOOLGATE_PORT", "8750")
	configPath := envOrDefault("TOOLGATE_CONFIG", "toolgate.yaml")
	apiKeyHash := os.Getenv("TOOLGATE_API_KEY_HASH")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	shutdownGrace := envOrDefaultInt("TOOLGATE_SHUTDOWN_GRACE_S", 15)

	logger.Info("starting toolgate server",
		zap.String("port", port),
		zap.String("config", configPath),
	)

	// Config source — Postgres if DSN provided, otherwise the YAML file
	var loadConfig func(ctx context.Context) (*config.Config, error)
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		source := config.NewPostgresSource(db, logger)
		loadConfig = source.Load
		logger.Info("postgres config source connected")
	} else {
		loadConfig = func(context.Context) (*config.Config, error) {
			return config.Load(configPath)
		}
	}

	cfg, err := loadConfig(context.Background())
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Audit log — ClickHouse exporter is best-effort on top of the JSONL file
	var exporter audit.Exporter
	if clickhouseDSN != "" {
		chExporter, err := audit.NewClickHouseExporter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, audit export disabled", zap.Error(err))
		} else {
			exporter = chExporter
			logger.Info("clickhouse audit exporter connected")
		}
	}
	auditLog, err := audit.Open(cfg.AuditFile, exporter, logger)
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err))
	}

	// Supervisor and pipeline
	cat := catalog.New()
	sup := supervisor.New(cat, cfg.Dispatch, nil, logger)
	orch, err := orchestrator.New(cfg, cat, sup, auditLog, logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	if err := sup.StartAll(startCtx, cfg.Providers); err != nil {
		// Providers keep retrying in the background; startup proceeds.
		logger.Warn("not all providers started", zap.Error(err))
	}
	cancelStart()

	// Reload on file change (YAML source only; Postgres reloads via the API)
	if postgresDSN == "" {
		watcher, err := config.NewWatcher(configPath, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			fresh, err := loadConfig(ctx)
			if err != nil {
				logger.Error("config reload rejected", zap.Error(err))
				return
			}
			if err := orch.Reload(ctx, fresh); err != nil {
				logger.Error("config reload failed", zap.Error(err))
			}
		}, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Close() //nolint:errcheck
		}
	}

	// HTTP server
	deps := &server.Dependencies{
		Orchestrator: orch,
		Logger:       logger,
		APIKeyHash:   apiKeyHash,
		ReloadConfig: loadConfig,
	}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(shutdownGrace)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown interrupted", zap.Error(err))
		}
		if err := orch.Shutdown(ctx); err != nil {
			logger.Warn("pipeline shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("toolgate server listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
