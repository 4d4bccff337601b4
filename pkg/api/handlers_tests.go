package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voicelab/callcheck/pkg/store"
)

type testRequest struct {
	Name     string   `json:"name"`
	Persona  string   `json:"persona"`
	Scenario string   `json:"scenario"`
	Goals    []string `json:"goals"`
}

// validate trims the text fields, drops empty goal entries, and reports
// per-field errors for anything left missing.
func (req *testRequest) validate() ([]fieldError, *store.Test) {
	var errs []fieldError

	name := strings.TrimSpace(req.Name)
	persona := strings.TrimSpace(req.Persona)
	scenario := strings.TrimSpace(req.Scenario)

	if name == "" {
		errs = append(errs, fieldError{
			Field: "name", Message: "name is required",
		})
	}

	if persona == "" {
		errs = append(errs, fieldError{
			Field: "persona", Message: "persona is required",
		})
	}

	if scenario == "" {
		errs = append(errs, fieldError{
			Field: "scenario", Message: "scenario is required",
		})
	}

	goals := make(store.StringList, 0, len(req.Goals))

	for _, g := range req.Goals {
		if trimmed := strings.TrimSpace(g); trimmed != "" {
			goals = append(goals, trimmed)
		}
	}

	if len(goals) == 0 {
		errs = append(errs, fieldError{
			Field: "goals", Message: "at least one goal is required",
		})
	}

	if len(errs) > 0 {
		return errs, nil
	}

	return nil, &store.Test{
		Name:     name,
		Persona:  persona,
		Scenario: scenario,
		Goals:    goals,
	}
}

// handleListTests returns all tests, most recently updated first.
func (s *server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.store.ListTests(r.Context())
	if err != nil {
		s.respondStoreError(w, err, "test not found")

		return
	}

	writeJSON(w, http.StatusOK, tests)
}

// handleCreateTest creates a new test definition.
func (s *server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	errs, t := req.validate()
	if len(errs) > 0 {
		writeFieldErrors(w, errs)

		return
	}

	if err := s.store.CreateTest(r.Context(), t); err != nil {
		s.respondStoreError(w, err, "test not found")

		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleGetTest returns a single test.
func (s *server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, err, "Test not found")

		return
	}

	writeJSON(w, http.StatusOK, t)
}

// handleUpdateTest replaces a test's definition.
func (s *server) handleUpdateTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	errs, t := req.validate()
	if len(errs) > 0 {
		writeFieldErrors(w, errs)

		return
	}

	t.ID = chi.URLParam(r, "id")

	if err := s.store.UpdateTest(r.Context(), t); err != nil {
		s.respondStoreError(w, err, "Test not found")

		return
	}

	updated, err := s.store.GetTest(r.Context(), t.ID)
	if err != nil {
		s.respondStoreError(w, err, "Test not found")

		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteTest deletes a test together with its results and turns.
func (s *server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTest(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondStoreError(w, err, "Test not found")

		return
	}

	writeJSON(w, http.StatusOK,
		map[string]string{"message": "Test deleted successfully"})
}

// testConfigResponse is the scenario payload the agent integration reads
// to learn what it is currently driving.
type testConfigResponse struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Persona             string           `json:"persona"`
	Scenario            string           `json:"scenario"`
	Goals               store.StringList `json:"goals"`
	CurrentTestResultID *string          `json:"currentTestResultId"`
}

// handleTestConfig returns a test plus the id of its currently running
// result, if any.
func (s *server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")

	t, err := s.store.GetTest(r.Context(), testID)
	if err != nil {
		s.respondStoreError(w, err, "Test not found")

		return
	}

	resp := testConfigResponse{
		ID:       t.ID,
		Name:     t.Name,
		Persona:  t.Persona,
		Scenario: t.Scenario,
		Goals:    t.Goals,
	}

	running, err := s.store.GetRunningResult(r.Context(), testID)

	switch {
	case err == nil:
		resp.CurrentTestResultID = &running.ID
	case !errors.Is(err, store.ErrNotFound):
		s.respondStoreError(w, err, "Test not found")

		return
	}

	writeJSON(w, http.StatusOK, resp)
}
