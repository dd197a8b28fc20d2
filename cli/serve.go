package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldline/fieldline/engine/infra/cache"
	"github.com/fieldline/fieldline/engine/infra/postgres"
	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/pkg/config"
	"github.com/fieldline/fieldline/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

// ServeCmd runs the ingestion daemon: the expiry sweeper plus the optional
// Prometheus scrape endpoint. Chunk ingestion itself is driven by the
// embedding transport, so serve only hosts the background maintenance side.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the expiry sweeper and metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logCfg, err := logger.FromFlags(cmd)
	if err != nil {
		return err
	}
	log := logger.NewLogger(logCfg)
	ctx = logger.ContextWithLogger(ctx, log)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pgCfg := postgresConfig(cfg)
	if cfg.Database.AutoMigrate {
		log.Info("applying database migrations")
		if err := postgres.ApplyMigrationsWithLock(ctx, pgCfg.DSN()); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	store, err := postgres.NewStore(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error("failed to close postgres pool", "error", err)
		}
	}()

	notifier, closeNotifier, err := buildNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeNotifier()

	metrics, metricsHandler, err := buildMetrics(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	chunks := postgres.NewChunkRepo(store.Pool())
	sweeper, err := telemetry.NewSweeper(chunks, notifier, metrics, cfg.Ingest.SweepInterval)
	if err != nil {
		return fmt.Errorf("failed to build sweeper: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("sweeper started", "interval", cfg.Ingest.SweepInterval)
		return sweeper.Run(ctx)
	})
	if metricsHandler != nil {
		srv := &http.Server{
			Addr:        cfg.Metrics.Addr,
			Handler:     metricsHandler,
			ReadTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			log.Info("metrics endpoint started", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown complete")
		return nil
	}
	return err
}

// buildNotifier selects the alert transport: Redis pub/sub when Redis is
// enabled, otherwise structured-log alerts.
func buildNotifier(ctx context.Context, cfg *config.Config) (telemetry.AlertNotifier, func(), error) {
	if !cfg.Redis.Enabled {
		logger.FromContext(ctx).Info("redis disabled, alerts go to the log only")
		return telemetry.NewLogNotifier(), func() {}, nil
	}
	rds, err := cache.NewRedis(ctx, redisConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	notifier, err := cache.NewAlertNotifier(rds)
	if err != nil {
		_ = rds.Close()
		return nil, nil, fmt.Errorf("failed to build alert notifier: %w", err)
	}
	closeNotifier := func() {
		if err := rds.Close(); err != nil {
			logger.FromContext(ctx).Error("failed to close redis client", "error", err)
		}
	}
	return notifier, closeNotifier, nil
}

// buildMetrics wires an OTel meter backed by a Prometheus exporter and
// returns the scrape handler. Both are nil when metrics are disabled.
func buildMetrics(ctx context.Context, cfg *config.Config) (*telemetry.Metrics, http.Handler, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil, nil
	}
	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	metrics, err := telemetry.NewMetrics(ctx, provider.Meter("fieldline"))
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return metrics, mux, nil
}

func postgresConfig(cfg *config.Config) *postgres.Config {
	return &postgres.Config{
		ConnString:      cfg.Database.ConnString,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		PingTimeout:     cfg.Database.PingTimeout,
	}
}

func redisConfig(cfg *config.Config) *cache.Config {
	return &cache.Config{
		URL:          cfg.Redis.URL,
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PingTimeout:  cfg.Redis.PingTimeout,
	}
}
