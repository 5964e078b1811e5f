package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/duckgate/duckgate/internal/auth"
)

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tables":          deps.Schema.Tables(),
		"column_prefixes": deps.Schema.ColumnPrefixes(),
	})
}

func handleStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}

	if deps.Stats.Pool != nil {
		stats := deps.Stats.Pool()
		payload["pool"] = map[string]any{
			"created":             stats.Created,
			"active":              stats.Active,
			"idle":                stats.Idle,
			"acquisitions":        stats.Acquisitions,
			"releases":            stats.Releases,
			"failed_acquisitions": stats.FailedAcquisitions,
			"total_wait_ms":       stats.TotalWait.Milliseconds(),
			"max_wait_ms":         stats.MaxWait.Milliseconds(),
		}
	}
	if deps.Stats.Cache != nil {
		stats := deps.Stats.Cache()
		payload["cache"] = map[string]any{
			"size":           stats.Size,
			"max_size":       stats.MaxSize,
			"default_ttl_ms": stats.DefaultTTL.Milliseconds(),
			"expired_count":  stats.ExpiredCount,
		}
	}
	if deps.Stats.ActiveIdentifiers != nil {
		payload["rate_limit"] = map[string]any{
			"active_identifiers": deps.Stats.ActiveIdentifiers(),
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "query history is not configured", false, nil)
		return
	}

	identifier := strings.TrimSpace(r.URL.Query().Get("identifier"))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 1000", false, nil)
			return
		}
		limit = parsed
	}

	entries, err := deps.History.RecentEntries(r.Context(), identifier, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_QUERY_FAILED", "failed to load query history", true, map[string]any{"details": err.Error()})
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"identifier":  entry.Identifier,
			"sql":         entry.SQL,
			"disposition": string(entry.Disposition),
			"duration_ms": entry.Duration.Milliseconds(),
			"row_count":   entry.RowCount,
			"detail":      entry.Detail,
			"recorded_at": entry.At.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items})
}

func handleSweep(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Maintenance == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleMaintainer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	summary := deps.Maintenance.RunSweepOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "completed",
		"summary": map[string]any{
			"expired_entries":  summary.ExpiredEntries,
			"idle_identifiers": summary.IdleIdentifiers,
			"duration_ms":      summary.Duration.Milliseconds(),
		},
	})
}
