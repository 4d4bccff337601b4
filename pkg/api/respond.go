package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voicelab/callcheck/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// fieldError describes a single invalid request field. Validation errors
// are returned as a list so a client can surface every problem at once.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeFieldErrors writes a 400 with a structured per-field error list.
func writeFieldErrors(w http.ResponseWriter, errs []fieldError) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": errs})
}

// respondStoreError maps store sentinel errors to HTTP statuses. Unknown
// errors are logged and returned as a generic 500.
func (s *server) respondStoreError(
	w http.ResponseWriter, err error, notFoundMsg string,
) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{notFoundMsg})
	case errors.Is(err, store.ErrNotRunning):
		writeJSON(w, http.StatusConflict,
			errorResponse{"test result is not running"})
	case errors.Is(err, store.ErrRunInFlight):
		writeJSON(w, http.StatusConflict,
			errorResponse{"a test result is already running for this test"})
	default:
		s.log.WithError(err).Error("Storage operation failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}
