package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicelab/callcheck/pkg/store"
)

const (
	eventTurn   = "turn"
	eventStatus = "status"

	// eventBuffer bounds a subscriber's queue; a subscriber that cannot
	// keep up loses events rather than blocking publishers.
	eventBuffer = 16

	heartbeatInterval = 15 * time.Second
)

// event is a result lifecycle notification pushed to stream subscribers.
type event struct {
	Type   string                  `json:"type"`
	Result *store.TestResult       `json:"result,omitempty"`
	Turn   *store.ConversationTurn `json:"turn,omitempty"`
}

// hub fans result events out to per-result subscribers so the UI gets
// pushed updates while a result is live instead of polling for them.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{
		subs: make(map[string]map[chan event]struct{}),
	}
}

// subscribe registers a listener for events on a result. The returned
// cancel func must be called when the listener is done; the channel is
// closed by cancel or by hub shutdown.
func (h *hub) subscribe(resultID string) (<-chan event, func()) {
	ch := make(chan event, eventBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)

		return ch, func() {}
	}

	if h.subs[resultID] == nil {
		h.subs[resultID] = make(map[chan event]struct{})
	}

	h.subs[resultID][ch] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if set, ok := h.subs[resultID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}

			if len(set) == 0 {
				delete(h.subs, resultID)
			}
		}
	}

	return ch, cancel
}

// publish delivers an event to all subscribers of a result without
// blocking.
func (h *hub) publish(resultID string, ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for ch := range h.subs[resultID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close shuts down all subscriber channels.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for _, set := range h.subs {
		for ch := range set {
			close(ch)
		}
	}

	h.subs = make(map[string]map[chan event]struct{})
}

// handleResultEvents streams result lifecycle events as server-sent
// events. The stream ends when the result reaches a terminal state, the
// client disconnects, or the server shuts down.
func (s *server) handleResultEvents(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")
	resultID := chi.URLParam(r, "resultId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming not supported"})

		return
	}

	// Subscribe before reading the initial state so no transition between
	// the read and the loop is missed.
	ch, cancel := s.events.subscribe(resultID)
	defer cancel()

	result, err := s.store.GetResult(r.Context(), resultID)
	if err != nil || result.TestID != testID {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"Test result not found"})

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, event{Type: eventStatus, Result: result})
	flusher.Flush()

	if result.Status != store.StatusRunning {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}

			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}

			writeEvent(w, ev)
			flusher.Flush()

			if ev.Type == eventStatus && ev.Result != nil &&
				ev.Result.Status != store.StatusRunning {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	_, _ = w.Write([]byte("event: " + ev.Type + "\ndata: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}
