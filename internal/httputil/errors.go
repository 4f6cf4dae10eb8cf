// Package httputil provides centralized HTTP error handling for Lectern.
//
// Every HTTP error response goes through this package so that errors are
// logged with request context and the browser always receives JSON.
//
// Usage:
//
//	httputil.Error(w, r, logger, http.StatusNotFound, "unknown session",
//	    "WHY: session id not in manager, tab may predate a restart")
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error writes a JSON error response and logs it with method, path and remote.
//
// reason is returned to the client. why is logged only; it records the root
// cause for whoever reads the logs later.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, reason string, why string) {
	Detailed(w, r, logger, status, reason, why, nil)
}

// Detailed is Error with extra fields merged into the JSON body, such as a
// vendor error code and troubleshooting hint.
func Detailed(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, reason string, why string, extra map[string]any) {
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, reason,
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"why", why,
	)

	body := map[string]any{
		"error":  reason,
		"status": status,
	}
	for k, v := range extra {
		body[k] = v
	}
	WriteJSON(w, status, body)
}

// ServerError is a convenience for 500 Internal Server Error.
// err is logged but never sent to the client; it may contain paths or secrets.
func ServerError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, reason string, why string, err error) {
	logger.Error(reason,
		"status", http.StatusInternalServerError,
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"why", why,
		"error", err,
	)
	WriteJSON(w, http.StatusInternalServerError, map[string]any{
		"error":  reason,
		"status": http.StatusInternalServerError,
	})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
