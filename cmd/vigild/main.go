// vigild is the alarm system server: it terminates the node connections,
// processes sensor alerts against the configured alert levels, and keeps
// the manager nodes synchronized.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/alerts"
	"github.com/vigil-hq/vigil/internal/config"
	"github.com/vigil-hq/vigil/internal/events"
	"github.com/vigil-hq/vigil/internal/managers"
	"github.com/vigil-hq/vigil/internal/metrics"
	"github.com/vigil-hq/vigil/internal/notify"
	"github.com/vigil-hq/vigil/internal/protocol"
	"github.com/vigil-hq/vigil/internal/rules"
	"github.com/vigil-hq/vigil/internal/server"
	"github.com/vigil-hq/vigil/internal/storage"
	"github.com/vigil-hq/vigil/internal/telemetry"
	"github.com/vigil-hq/vigil/internal/users"
)

var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "/etc/vigil/config.xml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("VIGIL_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath, protocol.Version)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := config.BuildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting vigild",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Float64("protocol", protocol.Version))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Tracing.Endpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := checkAlertLevels(store, cfg); err != nil {
		return fmt.Errorf("alert level check: %w", err)
	}
	for _, level := range cfg.Levels {
		if level.RulesActivated {
			logger.Info("alert level rule chain",
				zap.Int("level", level.Level),
				zap.String("name", level.Name),
				zap.String("rules", rules.Describe(level)))
		}
	}

	userBackend, err := users.LoadCSV(cfg.Users.File)
	if err != nil {
		return fmt.Errorf("load user backend: %w", err)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SMTP.Activated {
		notifier = notify.NewSMTP(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.FromAddr, cfg.SMTP.ToAddr)
		logger.Info("smtp notifications enabled",
			zap.String("host", cfg.SMTP.Host), zap.Int("port", cfg.SMTP.Port))
	}

	bus := events.NewBus(64)
	defer bus.Close()

	registry := server.NewRegistry(logger)
	options := server.NewOptionExecuter(logger, store, bus, registry)
	defer options.Stop()

	deps := server.Deps{
		Logger:            logger,
		Store:             store,
		Users:             userBackend,
		Bus:               bus,
		Registry:          registry,
		Options:           options,
		ReceiveTimeout:    cfg.Server.ReceiveTimeout,
		ConnectionTimeout: cfg.Server.ConnectionTimeout,
	}

	watchdog := server.NewWatchdog(logger, registry, store, notifier, cfg.Server.ConnectionTimeout)
	go watchdog.Run(ctx)

	alertExec := alerts.NewExecuter(logger, store, bus, registry, notifier, cfg.Levels)
	go alertExec.Run(ctx)

	managerExec := managers.NewExecuter(logger, store, bus, registry, cfg.Server.ManagerUpdateInterval)
	go managerExec.Run(ctx)

	if cfg.Metrics.Activated {
		go serveMetrics(ctx, logger, cfg.Metrics.Listen)
	}

	srv, err := server.New(logger, cfg, deps)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Method {
	case "sqlite":
		return storage.OpenSQLite(cfg.Storage.File)
	case "mysql":
		return storage.OpenMySQL(cfg.MySQLDSN())
	}
	return nil, fmt.Errorf("unknown storage method %q", cfg.Storage.Method)
}

// checkAlertLevels rejects a configuration that no longer covers alert
// levels referenced by registered sensors or alert clients.
func checkAlertLevels(store storage.Storage, cfg *config.Config) error {
	sensorLevels, err := store.SensorAlertLevels()
	if err != nil {
		return err
	}
	for _, lvl := range sensorLevels {
		if cfg.Level(lvl) == nil {
			return fmt.Errorf("sensor references unconfigured alert level %d", lvl)
		}
	}

	alertLevels, err := store.AlertAlertLevels()
	if err != nil {
		return err
	}
	for _, lvl := range alertLevels {
		if cfg.Level(lvl) == nil {
			return fmt.Errorf("alert client references unconfigured alert level %d", lvl)
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, logger *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", zap.Error(err))
	}
}
