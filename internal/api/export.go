package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/duckgate/duckgate/internal/auth"
	"github.com/duckgate/duckgate/internal/storage"
)

func handleExportDownload(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	identifier, key, ok := exportRequestContext(deps, w, r)
	if !ok {
		return
	}

	obj, err := deps.Exporter.Open(r.Context(), identifier, key)
	if err != nil {
		writeExportError(w, r, err)
		return
	}
	defer func() { _ = obj.Body.Close() }()

	w.Header().Set("Content-Type", obj.ContentType)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, obj.Body)
}

func handleExportDelete(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	identifier, key, ok := exportRequestContext(deps, w, r)
	if !ok {
		return
	}

	if err := deps.Exporter.Delete(r.Context(), identifier, key); err != nil {
		writeExportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "key": key})
}

func exportRequestContext(deps Dependencies, w http.ResponseWriter, r *http.Request) (identifier, key string, ok bool) {
	if deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "export dependencies are not configured", false, nil)
		return "", "", false
	}
	identifier, err := identifierFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTIFIER_REQUIRED", err.Error(), false, nil)
		return "", "", false
	}
	if err := requireRole(r, auth.RoleExportRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", "", false
	}
	key = r.PathValue("key")
	if key == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "EXPORT_KEY_REQUIRED", "export key is required", false, nil)
		return "", "", false
	}
	return identifier, key, true
}

func writeExportError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrObjectNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "EXPORT_NOT_FOUND", "export not found", false, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_READ_FAILED", "export access failed", true, map[string]any{"details": err.Error()})
}
