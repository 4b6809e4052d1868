package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/lotledger/cmd/lotledger/cli"
	"github.com/odyssey-erp/lotledger/internal/app"
	"github.com/odyssey-erp/lotledger/internal/audit"
	audithttp "github.com/odyssey-erp/lotledger/internal/audit/http"
	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/observability"
	"github.com/odyssey-erp/lotledger/internal/platform/cache"
	"github.com/odyssey-erp/lotledger/internal/platform/db"
	"github.com/odyssey-erp/lotledger/internal/shared"
	"github.com/odyssey-erp/lotledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	cmd, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch cmd.Kind {
	case cli.KindMigrate:
		err = runMigrate(ctx, cfg, logger)
	case cli.KindJobsTrigger, cli.KindJobsStats:
		err = runJobs(ctx, cfg, cmd)
	default:
		err = serve(ctx, stop, cfg, logger)
	}
	if err != nil {
		logger.Error("lotledger exited", slog.String("command", string(cmd.Kind)), slog.Any("error", err))
		os.Exit(1)
	}
}

func runMigrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool, logger)
}

func runJobs(ctx context.Context, cfg *app.Config, cmd cli.Command) error {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = jobsCLI.Close() }()

	if cmd.Kind == cli.KindJobsStats {
		stats, err := jobsCLI.InspectQueue()
		if err != nil {
			return err
		}
		return cli.WriteStats(os.Stdout, stats)
	}
	info, err := jobsCLI.Trigger(ctx, cmd.Task)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return err
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.PGMigrateOnStart {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Redis only backs optional features; the ledger stays available.
		logger.Warn("redis unavailable, running single-instance", slog.Any("error", err))
		redisClient = nil
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	inventoryService, err := buildInventory(ctx, cfg, logger, pool, redisClient, metrics)
	if err != nil {
		return err
	}
	inventoryHandler := inventory.NewHandler(logger, inventoryService)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(pool)))

	var jobHandler *jobs.Handler
	if redisClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Pool:             pool,
		InventoryHandler: inventoryHandler,
		AuditHandler:     auditHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildInventory(ctx context.Context, cfg *app.Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client, metrics *observability.Metrics) (*inventory.Service, error) {
	cacheMetrics, err := cache.NewMetrics(metrics.Registerer())
	if err != nil {
		return nil, fmt.Errorf("cache metrics: %w", err)
	}
	local := cache.NewLocal(cache.WithMetrics(cacheMetrics))
	broadcaster := cache.NewBroadcaster(redisClient, cache.DefaultInvalidationChannel, logger)
	if broadcaster != nil {
		go func() {
			if err := broadcaster.Listen(ctx, local); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cache invalidation listener stopped", slog.Any("error", err))
			}
		}()
	}

	opts := []inventory.Option{
		inventory.WithAudit(shared.NewAuditLogger(pool)),
		inventory.WithIdempotency(shared.NewIdempotencyStore(pool)),
		inventory.WithCache(inventory.NewReadCache(local, broadcaster, cfg.InventoryListingTTL, cfg.InventorySummaryTTL, logger)),
		inventory.WithRecorder(metrics),
		inventory.WithLogger(logger),
	}
	if locker := shared.NewLocker(redisClient, 30*time.Second); locker != nil {
		opts = append(opts, inventory.WithLocker(locker))
	}

	return inventory.NewService(
		inventory.NewRepository(pool),
		inventory.NewPGSequence(pool),
		inventory.ServiceConfig{
			ConsumptionLocation: cfg.InventoryConsumptionLocation,
			MaxRetries:          cfg.InventoryPickMaxRetries,
		},
		opts...,
	), nil
}
