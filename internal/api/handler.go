// Package api exposes the query layer over HTTP. All query-shaped
// endpoints sit behind optional API-key auth; health, readiness and
// metrics stay open for probes and scrapers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckgate/duckgate/internal/cache"
	"github.com/duckgate/duckgate/internal/config"
	"github.com/duckgate/duckgate/internal/engine"
	"github.com/duckgate/duckgate/internal/executor"
	"github.com/duckgate/duckgate/internal/export"
	"github.com/duckgate/duckgate/internal/history"
	"github.com/duckgate/duckgate/internal/maintenance"
	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/pool"
	"github.com/duckgate/duckgate/internal/sqlguard"
)

type ReadinessCheck func(ctx context.Context) error

type QueryExecutor interface {
	Execute(ctx context.Context, req executor.Request) (executor.Response, error)
}

type ResultExporter interface {
	Export(ctx context.Context, subject, queryHash string, result engine.Result) (export.ExportInfo, error)
	Open(ctx context.Context, subject, key string) (export.ExportObject, error)
	Delete(ctx context.Context, subject, key string) error
}

type SweepRunner interface {
	RunSweepOnce(ctx context.Context) maintenance.SweepSummary
}

type HistoryReader interface {
	RecentEntries(ctx context.Context, identifier string, limit int) ([]history.Entry, error)
}

// StatsSources are read-only snapshot funcs so the handler never holds
// the components themselves.
type StatsSources struct {
	Pool              func() pool.Stats
	Cache             func() cache.Stats
	ActiveIdentifiers func() int
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Executor          QueryExecutor
	Exporter          ResultExporter
	Maintenance       SweepRunner
	History           HistoryReader
	Schema            *sqlguard.Schema
	Stats             StatsSources
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/export", func(w http.ResponseWriter, r *http.Request) {
		handleQueryExport(deps, w, r)
	})
	protected.HandleFunc("GET /v1/export/{key...}", func(w http.ResponseWriter, r *http.Request) {
		handleExportDownload(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/export/{key...}", func(w http.ResponseWriter, r *http.Request) {
		handleExportDelete(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})
	protected.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
		handleStats(deps, w, r)
	})
	protected.HandleFunc("GET /v1/history", func(w http.ResponseWriter, r *http.Request) {
		handleHistory(deps, w, r)
	})
	protected.HandleFunc("POST /v1/maintenance/sweep", func(w http.ResponseWriter, r *http.Request) {
		handleSweep(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/query", protectedHandler)
	mux.Handle("POST /v1/query/export", protectedHandler)
	mux.Handle("GET /v1/export/{key...}", protectedHandler)
	mux.Handle("DELETE /v1/export/{key...}", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("GET /v1/stats", protectedHandler)
	mux.Handle("GET /v1/history", protectedHandler)
	mux.Handle("POST /v1/maintenance/sweep", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckEnginePath(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Engine.DatabasePath == "" {
			return errors.New("engine database path is not configured")
		}
		return nil
	}
}

func CheckHistoryDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.History.Enabled && cfg.History.DSN == "" {
			return errors.New("history dsn is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
