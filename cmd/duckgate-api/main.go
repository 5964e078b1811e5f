package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckgate/duckgate/internal/api"
	"github.com/duckgate/duckgate/internal/auth"
	"github.com/duckgate/duckgate/internal/cache"
	"github.com/duckgate/duckgate/internal/config"
	"github.com/duckgate/duckgate/internal/engine/duckdb"
	"github.com/duckgate/duckgate/internal/executor"
	"github.com/duckgate/duckgate/internal/export"
	historypostgres "github.com/duckgate/duckgate/internal/history/postgres"
	"github.com/duckgate/duckgate/internal/maintenance"
	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/pool"
	"github.com/duckgate/duckgate/internal/ratelimit"
	"github.com/duckgate/duckgate/internal/sqlguard"
	s3store "github.com/duckgate/duckgate/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("duckgate-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	opener, err := duckdb.NewOpener(cfg.Engine.DatabasePath)
	if err != nil {
		logger.Error("failed to configure engine", slog.Any("error", err))
		os.Exit(1)
	}
	connPool, err := pool.New(pool.Config{
		Opener:         opener,
		MaxConnections: cfg.Engine.MaxConnections,
		AcquireTimeout: cfg.Engine.AcquireTimeout,
		ProbeAfter:     cfg.Engine.ProbeAfter,
	})
	if err != nil {
		logger.Error("failed to create connection pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer connPool.Close()

	schema, err := sqlguard.NewSchema(cfg.Schema.Tables, cfg.Schema.ColumnPrefixes)
	if err != nil {
		logger.Error("failed to build schema", slog.Any("error", err))
		os.Exit(1)
	}
	validator, err := sqlguard.NewValidator(schema)
	if err != nil {
		logger.Error("failed to build validator", slog.Any("error", err))
		os.Exit(1)
	}

	resultCache, err := cache.New(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
	if err != nil {
		logger.Error("failed to create cache", slog.Any("error", err))
		os.Exit(1)
	}
	limiter, err := ratelimit.NewLimiter(cfg.RateLimit.MaxCalls, cfg.RateLimit.Window)
	if err != nil {
		logger.Error("failed to create rate limiter", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger: logger,
		Schema: schema,
		Stats: api.StatsSources{
			Pool:              connPool.Stats,
			Cache:             resultCache.Stats,
			ActiveIdentifiers: limiter.ActiveIdentifiers,
		},
		Readiness:         api.CheckEnginePath(cfg),
		DependencyTimeout: time.Second,
	}

	execCfg := executor.Config{
		Pool:         connPool,
		Validator:    validator,
		Cache:        resultCache,
		Limiter:      limiter,
		Logger:       logger,
		Coalesce:     cfg.Executor.Coalesce,
		StrictTables: cfg.Executor.StrictTables,
	}

	if cfg.History.Enabled {
		historyDB, err := historypostgres.Open(context.Background(), historypostgres.DBConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()

		repo := historypostgres.NewRepository(historyDB)
		execCfg.History = repo
		deps.History = repo
		deps.Readiness = api.CombineReadinessChecks(deps.Readiness, repo.HealthCheck)
	}

	exec, err := executor.New(execCfg)
	if err != nil {
		logger.Error("failed to create executor", slog.Any("error", err))
		os.Exit(1)
	}
	deps.Executor = exec

	if cfg.Export.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Export.Endpoint,
			Region:           cfg.Export.Region,
			Bucket:           cfg.Export.Bucket,
			AccessKeyID:      cfg.Export.AccessKeyID,
			SecretAccessKey:  cfg.Export.SecretAccessKey,
			UseSSL:           cfg.Export.UseSSL,
			Prefix:           cfg.Export.Prefix,
			AutoCreateBucket: cfg.Export.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		exporter, err := export.NewService(objectStore)
		if err != nil {
			logger.Error("failed to create exporter", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Exporter = exporter
	}

	sweeper, err := maintenance.NewService(resultCache, limiter, logger)
	if err != nil {
		logger.Error("failed to create maintenance service", slog.Any("error", err))
		os.Exit(1)
	}
	deps.Maintenance = sweeper

	if cfg.Auth.Required {
		keyValidator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keyValidator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Maintenance.SweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Maintenance.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sweeper.RunSweepOnce(ctx)
				}
			}
		}()
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
