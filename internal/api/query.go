package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/duckgate/duckgate/internal/auth"
	"github.com/duckgate/duckgate/internal/cache"
	"github.com/duckgate/duckgate/internal/executor"
	"github.com/duckgate/duckgate/internal/pool"
	"github.com/duckgate/duckgate/internal/ratelimit"
	"github.com/duckgate/duckgate/internal/sqlguard"
)

type queryRequest struct {
	SQL        string `json:"sql"`
	CacheTTLMs *int64 `json:"cache_ttl_ms"`
}

type queryResponse struct {
	Columns  []string       `json:"columns"`
	Rows     [][]any        `json:"rows"`
	RowCount int            `json:"row_count"`
	Cached   bool           `json:"cached"`
	Stats    map[string]any `json:"stats"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Executor == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query executor is not configured", false, nil)
		return
	}
	identifier, err := identifierFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTIFIER_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	request, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	resp, err := deps.Executor.Execute(r.Context(), executor.Request{
		Identifier: identifier,
		SQL:        request.SQL,
		CacheTTL:   cacheTTLFromRequest(request),
	})
	if err != nil {
		writeExecuteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Columns:  resp.Result.Columns,
		Rows:     resp.Result.Rows,
		RowCount: resp.Result.RowCount(),
		Cached:   resp.Cached,
		Stats: map[string]any{
			"duration_ms": resp.Duration.Milliseconds(),
		},
	})
}

type exportResponse struct {
	Key         string `json:"key"`
	SizeBytes   int64  `json:"size_bytes"`
	RecordCount int64  `json:"record_count"`
	RowCount    int    `json:"row_count"`
	Cached      bool   `json:"cached"`
}

func handleQueryExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Executor == nil || deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "export dependencies are not configured", false, nil)
		return
	}
	identifier, err := identifierFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTIFIER_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleExportRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	request, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	resp, err := deps.Executor.Execute(r.Context(), executor.Request{
		Identifier: identifier,
		SQL:        request.SQL,
		CacheTTL:   cacheTTLFromRequest(request),
	})
	if err != nil {
		writeExecuteError(w, r, err)
		return
	}

	// Short hash keeps the object name readable while still separating
	// distinct queries.
	queryHash := executor.CacheKey(request.SQL)[:16]
	info, err := deps.Exporter.Export(r.Context(), identifier, queryHash, resp.Result)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "result export failed", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, exportResponse{
		Key:         info.Key,
		SizeBytes:   info.Size,
		RecordCount: info.RecordCount,
		RowCount:    resp.Result.RowCount(),
		Cached:      resp.Cached,
	})
}

func decodeQueryRequest(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return queryRequest{}, false
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return queryRequest{}, false
	}
	return request, true
}

func cacheTTLFromRequest(request queryRequest) *time.Duration {
	if request.CacheTTLMs == nil {
		return nil
	}
	ttl := time.Duration(*request.CacheTTLMs) * time.Millisecond
	if *request.CacheTTLMs < 0 {
		ttl = cache.NoExpiration
	}
	return &ttl
}

func writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *sqlguard.ValidationError
	if errors.As(err, &validationErr) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REJECTED", validationErr.Reason, false, nil)
		return
	}

	var limitErr *ratelimit.LimitExceededError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds()))
		writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", true, map[string]any{
			"retry_after_seconds": limitErr.RetryAfterSeconds(),
		})
		return
	}

	var exhaustedErr *pool.ExhaustedError
	if errors.As(err, &exhaustedErr) {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "POOL_EXHAUSTED", "no connection available", true, map[string]any{
			"timeout": exhaustedErr.Timeout.String(),
		})
		return
	}

	var connErr *pool.ConnectionFailedError
	if errors.As(err, &connErr) {
		writeError(r.Context(), w, http.StatusInternalServerError, "CONNECTION_FAILED", "engine connection failed", false, map[string]any{"details": connErr.Err.Error()})
		return
	}

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{"details": execErr.Err.Error()})
		return
	}

	if errors.Is(err, pool.ErrClosed) {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down", true, nil)
		return
	}

	writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "internal error", true, map[string]any{"details": err.Error()})
}

func identifierFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.Subject) != "" {
			return identity.Subject, nil
		}
	}
	identifier := strings.TrimSpace(r.Header.Get("X-Identifier"))
	if identifier == "" {
		return "", fmt.Errorf("caller identifier is required")
	}
	return identifier, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}
