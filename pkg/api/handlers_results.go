package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicelab/callcheck/pkg/config"
	"github.com/voicelab/callcheck/pkg/gateway"
	"github.com/voicelab/callcheck/pkg/run"
	"github.com/voicelab/callcheck/pkg/store"
)

const maxHistoryLimit = 50

// handleListResults returns a test's run history, newest first, each with
// its ordered transcript.
func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit := config.DefaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit parameter"})

			return
		}

		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}

		limit = n
	}

	results, err := s.store.ListResults(
		r.Context(), chi.URLParam(r, "id"), limit,
	)
	if err != nil {
		s.respondStoreError(w, err, "Test not found")

		return
	}

	writeJSON(w, http.StatusOK, results)
}

// handleStartRun creates a running result and triggers the outbound call
// in one server-side operation. When the call cannot be placed the result
// comes back failed with the reason recorded, never stuck in running.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.runner.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStartError(w, result, err)

		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// respondStartError maps run start failures. Where a failed result exists
// it is included so the operator can inspect or delete it.
func (s *server) respondStartError(
	w http.ResponseWriter, result *store.TestResult, err error,
) {
	if result != nil {
		s.events.publish(result.ID, event{Type: eventStatus, Result: result})
	}

	var callErr *gateway.CallError

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"Test not found"})
	case errors.Is(err, store.ErrRunInFlight):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, run.ErrNotConfigured),
		errors.Is(err, run.ErrNoNumberID),
		errors.Is(err, run.ErrInvalidPhoneNumber):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  err.Error(),
			"result": result,
		})
	case errors.As(err, &callErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "failed to initiate call",
			"details": callErr.Body,
			"result":  result,
		})
	default:
		s.log.WithError(err).Error("Run start failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

type resultUpdateRequest struct {
	Status         *string  `json:"status"`
	CompletedGoals []string `json:"completedGoals"`
	FailedGoals    []string `json:"failedGoals"`
	Error          *string  `json:"error"`
}

// handleUpdateResult applies a partial outcome update to the test's
// current running result. Supplied goal lists replace the stored ones; a
// terminal status stamps the end time.
func (s *server) handleUpdateResult(w http.ResponseWriter, r *http.Request) {
	var req resultUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Status != nil {
		switch *req.Status {
		case store.StatusRunning, store.StatusCompleted, store.StatusFailed:
		default:
			writeFieldErrors(w, []fieldError{{
				Field:   "status",
				Message: "status must be running, completed, or failed",
			}})

			return
		}
	}

	upd := store.ResultUpdate{
		Status: req.Status,
		Error:  req.Error,
	}

	if req.CompletedGoals != nil {
		upd.CompletedGoals = store.StringList(req.CompletedGoals)
	}

	if req.FailedGoals != nil {
		upd.FailedGoals = store.StringList(req.FailedGoals)
	}

	result, err := s.store.UpdateRunningResult(
		r.Context(), chi.URLParam(r, "id"), upd,
	)
	if err != nil {
		s.respondStoreError(w, err, "No active test result found")

		return
	}

	s.events.publish(result.ID, event{Type: eventStatus, Result: result})

	writeJSON(w, http.StatusOK, result)
}

// handleDeleteResult deletes a result scoped to its owning test, cascading
// to its turns.
func (s *server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteResult(
		r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "resultId"),
	)
	if err != nil {
		s.respondStoreError(w, err, "Test result not found")

		return
	}

	writeJSON(w, http.StatusOK,
		map[string]string{"message": "Test result deleted successfully"})
}

// currentTestResponse pairs the active run with its scenario definition.
type currentTestResponse struct {
	Test   currentTestInfo   `json:"test"`
	Result currentResultInfo `json:"result"`
}

type currentTestInfo struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Persona  string           `json:"persona"`
	Scenario string           `json:"scenario"`
	Goals    store.StringList `json:"goals"`
}

type currentResultInfo struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	CompletedGoals store.StringList `json:"completedGoals"`
	FailedGoals    store.StringList `json:"failedGoals"`
	StartTime      time.Time        `json:"startTime"`
	EndTime        *time.Time       `json:"endTime"`
}

// handleCurrentTest returns the most recent running result across all
// tests, joined with its test. The agent integration calls this to learn
// which scenario it is currently driving.
func (s *server) handleCurrentTest(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.GetCurrentRunning(r.Context())
	if err != nil {
		s.respondStoreError(w, err, "No active test found")

		return
	}

	if result.Test == nil {
		s.log.WithField("result_id", result.ID).
			Error("Running result has no owning test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, currentTestResponse{
		Test: currentTestInfo{
			ID:       result.Test.ID,
			Name:     result.Test.Name,
			Persona:  result.Test.Persona,
			Scenario: result.Test.Scenario,
			Goals:    result.Test.Goals,
		},
		Result: currentResultInfo{
			ID:             result.ID,
			Status:         result.Status,
			CompletedGoals: result.CompletedGoals,
			FailedGoals:    result.FailedGoals,
			StartTime:      result.StartTime,
			EndTime:        result.EndTime,
		},
	})
}

type outboundCallRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	APIKey      string `json:"apiKey"`
	NumberID    string `json:"numberId"`
}

// handleOutboundCall triggers an outbound call directly, without a run,
// for clients that orchestrate call placement themselves. Gateway failures
// are forwarded verbatim.
func (s *server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req outboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.PhoneNumber == "" || req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"Phone number and API key are required"})

		return
	}

	numberID := req.NumberID
	if numberID == "" {
		numberID = s.cfg.Gateway.NumberID
	}

	if numberID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{run.ErrNoNumberID.Error()})

		return
	}

	toNumber := gateway.SanitizeNumber(req.PhoneNumber)
	if !gateway.ValidNumber(toNumber) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{run.ErrInvalidPhoneNumber.Error()})

		return
	}

	err := s.gateway.InitiateCall(r.Context(), req.APIKey, numberID, toNumber, nil)
	if err != nil {
		var callErr *gateway.CallError
		if errors.As(err, &callErr) {
			writeJSON(w, callErr.StatusCode, map[string]any{
				"error":   "failed to initiate call",
				"details": callErr.Body,
			})

			return
		}

		s.log.WithError(err).Error("Outbound call failed")
		writeJSON(w, http.StatusBadGateway,
			errorResponse{"failed to reach the call gateway"})

		return
	}

	writeJSON(w, http.StatusOK,
		map[string]string{"message": "Call initiated successfully"})
}
