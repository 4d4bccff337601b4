package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/voicelab/callcheck/pkg/store"
)

type settingsRequest struct {
	APIKey               string `json:"apiKey"`
	TestAgentPhoneNumber string `json:"testAgentPhoneNumber"`
	NumberID             string `json:"numberId"`
}

func (req *settingsRequest) validate() []fieldError {
	var errs []fieldError

	if strings.TrimSpace(req.APIKey) == "" {
		errs = append(errs, fieldError{
			Field:   "apiKey",
			Message: "apiKey is required",
		})
	}

	if strings.TrimSpace(req.TestAgentPhoneNumber) == "" {
		errs = append(errs, fieldError{
			Field:   "testAgentPhoneNumber",
			Message: "testAgentPhoneNumber is required",
		})
	}

	return errs
}

// handleGetSettings returns the gateway settings, or an empty object when
// none have been saved yet.
func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{})

			return
		}

		s.respondStoreError(w, err, "configuration not found")

		return
	}

	writeJSON(w, http.StatusOK, settings)
}

// handleUpsertSettings creates or replaces the gateway settings. POST and
// PUT behave identically: the settings live in a single fixed-key row.
func (s *server) handleUpsertSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if errs := req.validate(); len(errs) > 0 {
		writeFieldErrors(w, errs)

		return
	}

	settings, err := s.store.UpsertSettings(r.Context(), &store.Settings{
		APIKey:               strings.TrimSpace(req.APIKey),
		TestAgentPhoneNumber: strings.TrimSpace(req.TestAgentPhoneNumber),
		NumberID:             strings.TrimSpace(req.NumberID),
	})
	if err != nil {
		s.respondStoreError(w, err, "configuration not found")

		return
	}

	writeJSON(w, http.StatusOK, settings)
}
