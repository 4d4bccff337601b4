package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voicelab/callcheck/pkg/store"
)

type turnRequest struct {
	Speaker string `json:"speaker"`
	Message string `json:"message"`
}

func (req *turnRequest) validate() []fieldError {
	var errs []fieldError

	if req.Speaker != store.SpeakerAgent && req.Speaker != store.SpeakerTester {
		errs = append(errs, fieldError{
			Field:   "speaker",
			Message: "speaker must be agent or tester",
		})
	}

	if req.Message == "" {
		errs = append(errs, fieldError{
			Field:   "message",
			Message: "message is required",
		})
	}

	return errs
}

// handleListTurns returns a result's transcript, ascending by timestamp.
func (s *server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.store.ListTurns(r.Context(), chi.URLParam(r, "resultId"))
	if err != nil {
		s.respondStoreError(w, err, "Test result not found")

		return
	}

	writeJSON(w, http.StatusOK, turns)
}

// handleCreateTurn appends a transcript turn to a running result. Turns on
// finished results are rejected; the transcript is immutable once a run
// reaches a terminal state.
func (s *server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if errs := req.validate(); len(errs) > 0 {
		writeFieldErrors(w, errs)

		return
	}

	resultID := chi.URLParam(r, "resultId")

	turn := &store.ConversationTurn{
		Speaker: req.Speaker,
		Message: req.Message,
	}

	err := s.store.CreateTurn(
		r.Context(), chi.URLParam(r, "id"), resultID, turn,
	)
	if err != nil {
		s.respondStoreError(w, err, "Test result not found")

		return
	}

	s.events.publish(resultID, event{Type: eventTurn, Turn: turn})

	writeJSON(w, http.StatusCreated, turn)
}
