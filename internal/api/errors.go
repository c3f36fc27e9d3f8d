// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/queue"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto the stable {"error":msg} wire shape.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, queue.ErrBadRequest):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, queue.ErrUnauthorized):
		code, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, queue.ErrNotFound):
		code, msg = http.StatusNotFound, "not found"
	case errors.Is(err, queue.ErrSessionClosed):
		code, msg = http.StatusConflict, "session closed"
	case errors.Is(err, queue.ErrQueueFull):
		code, msg = http.StatusConflict, "queue is full"
	default:
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).
			Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeForbidden rejects a present but invalid host credential.
func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
}

// writeUnauthorized rejects a request with no credential at all.
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
