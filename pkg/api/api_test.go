package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelab/callcheck/pkg/config"
	"github.com/voicelab/callcheck/pkg/run"
	"github.com/voicelab/callcheck/pkg/store"
)

// fakeGateway records outbound call attempts and returns a configurable
// error.
type fakeGateway struct {
	mu       sync.Mutex
	err      error
	calls    int
	apiKey   string
	numberID string
	toNumber string
}

func (f *fakeGateway) InitiateCall(
	_ context.Context, apiKey, numberID, toNumber string,
	_ map[string]string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.apiKey = apiKey
	f.numberID = numberID
	f.toNumber = toNumber

	return f.err
}

type harness struct {
	srv     *server
	http    *httptest.Server
	gateway *fakeGateway
}

// hookStore wraps a Store so individual reads can be intercepted.
type hookStore struct {
	store.Store

	onGetResult         func(id string)
	getRunningResultErr error
}

func (s *hookStore) GetResult(
	ctx context.Context, id string,
) (*store.TestResult, error) {
	if s.onGetResult != nil {
		s.onGetResult(id)
	}

	return s.Store.GetResult(ctx, id)
}

func (s *hookStore) GetRunningResult(
	ctx context.Context, testID string,
) (*store.TestResult, error) {
	if s.getRunningResultErr != nil {
		return nil, s.getRunningResultErr
	}

	return s.Store.GetRunningResult(ctx, testID)
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Server: config.ServerConfig{Listen: "127.0.0.1:0"},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: ":memory:"},
		},
		Gateway: config.GatewayConfig{
			BaseURL:  "http://gateway.invalid",
			NumberID: "num-default",
		},
		Auth: config.AuthConfig{SessionTTL: "24h"},
	}

	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	if cfg.Auth.Enabled {
		require.NoError(t, st.SeedUsers(context.Background(), cfg.Auth.Users))
	}

	gw := &fakeGateway{}

	s := &server{
		log:     log,
		cfg:     cfg,
		store:   st,
		gateway: gw,
		runner:  run.NewController(log, st, gw, cfg.Gateway.NumberID),
		events:  newHub(),
		done:    make(chan struct{}),
	}

	ts := httptest.NewServer(s.buildRouter())

	t.Cleanup(func() {
		s.events.close()
		close(s.done)
		ts.Close()
		_ = st.Stop()
	})

	return &harness{srv: s, http: ts, gateway: gw}
}

// do performs a JSON request against the test server.
func (h *harness) do(
	t *testing.T, method, path string, body any,
) *http.Response {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func (h *harness) createTest(t *testing.T) map[string]any {
	t.Helper()

	resp := h.do(t, http.MethodPost, "/api/tests", map[string]any{
		"name":     "order pizza",
		"persona":  "hungry customer",
		"scenario": "order a large pizza for delivery",
		"goals":    []string{"place order", "confirm address"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any

	decodeJSON(t, resp, &created)

	return created
}

func (h *harness) configureSettings(t *testing.T) {
	t.Helper()

	resp := h.do(t, http.MethodPut, "/api/config", map[string]any{
		"apiKey":               "vf-key",
		"testAgentPhoneNumber": "+1 (782) 828-2828",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHandleHealth(t *testing.T) {
	h := newTestServer(t)

	resp := h.do(t, http.MethodGet, "/api/health", nil)

	var body map[string]string

	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestTests_CRUD(t *testing.T) {
	h := newTestServer(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "order pizza", created["name"])

	// List contains the new test.
	resp := h.do(t, http.MethodGet, "/api/tests", nil)

	var list []map[string]any

	decodeJSON(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["id"])

	// Update replaces the definition.
	resp = h.do(t, http.MethodPut, "/api/tests/"+id, map[string]any{
		"name":     "order pasta",
		"persona":  "hungry customer",
		"scenario": "order pasta instead",
		"goals":    []string{"place order"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated map[string]any

	decodeJSON(t, resp, &updated)
	assert.Equal(t, "order pasta", updated["name"])

	// Delete, then the test is gone.
	resp = h.do(t, http.MethodDelete, "/api/tests/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/tests/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCreateTest_Validation(t *testing.T) {
	h := newTestServer(t)

	resp := h.do(t, http.MethodPost, "/api/tests", map[string]any{
		"name":     "  ",
		"persona":  "someone",
		"scenario": "something",
		"goals":    []string{"", "  "},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error []fieldError `json:"error"`
	}

	decodeJSON(t, resp, &body)
	require.Len(t, body.Error, 2)

	fields := []string{body.Error[0].Field, body.Error[1].Field}
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "goals")
}

func TestSettings_GetEmptyThenUpsert(t *testing.T) {
	h := newTestServer(t)

	// Nothing saved yet: an empty object, not a 404.
	resp := h.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var empty map[string]any

	decodeJSON(t, resp, &empty)
	assert.Empty(t, empty)

	h.configureSettings(t)

	resp = h.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var saved map[string]any

	decodeJSON(t, resp, &saved)
	assert.Equal(t, "vf-key", saved["apiKey"])
	assert.Equal(t, "+1 (782) 828-2828", saved["testAgentPhoneNumber"])
}

func TestSettings_Validation(t *testing.T) {
	h := newTestServer(t)

	resp := h.do(t, http.MethodPost, "/api/config", map[string]any{
		"apiKey": "",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error []fieldError `json:"error"`
	}

	decodeJSON(t, resp, &body)
	require.Len(t, body.Error, 2)
}

func TestStartRun_NotConfigured(t *testing.T) {
	h := newTestServer(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp := h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any

	decodeJSON(t, resp, &body)
	assert.NotEmpty(t, body["error"])

	// The aborted run is returned failed so the operator can inspect it.
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, store.StatusFailed, result["status"])
	assert.NotNil(t, result["endTime"])
}

func TestStartRun_Success(t *testing.T) {
	h := newTestServer(t)
	h.configureSettings(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp := h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result map[string]any

	decodeJSON(t, resp, &result)
	assert.Equal(t, store.StatusRunning, result["status"])
	assert.Nil(t, result["endTime"])

	assert.Equal(t, 1, h.gateway.calls)
	assert.Equal(t, "vf-key", h.gateway.apiKey)
	assert.Equal(t, "num-default", h.gateway.numberID)
	assert.Equal(t, "+17828282828", h.gateway.toNumber)

	// A second start while the first is live is rejected.
	resp = h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStartRun_UnknownTest(t *testing.T) {
	h := newTestServer(t)
	h.configureSettings(t)

	resp := h.do(t, http.MethodPost, "/api/tests/missing/results", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorResponse

	decodeJSON(t, resp, &body)
	assert.Equal(t, "Test not found", body.Error)
}

func TestUpdateResult_Completion(t *testing.T) {
	h := newTestServer(t)
	h.configureSettings(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp := h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodPut, "/api/tests/"+id+"/results", map[string]any{
		"status":         store.StatusCompleted,
		"completedGoals": []string{"place order"},
		"failedGoals":    []string{"confirm address"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any

	decodeJSON(t, resp, &result)
	assert.Equal(t, store.StatusCompleted, result["status"])
	assert.Equal(t, []any{"place order"}, result["completedGoals"])
	assert.Equal(t, []any{"confirm address"}, result["failedGoals"])
	assert.NotNil(t, result["endTime"])

	// No running result left to update.
	resp = h.do(t, http.MethodPut, "/api/tests/"+id+"/results", map[string]any{
		"status": store.StatusFailed,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestUpdateResult_InvalidStatus(t *testing.T) {
	h := newTestServer(t)

	resp := h.do(t, http.MethodPut, "/api/tests/x/results", map[string]any{
		"status": "paused",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error []fieldError `json:"error"`
	}

	decodeJSON(t, resp, &body)
	require.Len(t, body.Error, 1)
	assert.Equal(t, "status", body.Error[0].Field)
}

func TestListResults_InvalidLimit(t *testing.T) {
	h := newTestServer(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp := h.do(t, http.MethodGet, "/api/tests/"+id+"/results?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/tests/"+id+"/results?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestTurns_AppendAndList(t *testing.T) {
	h := newTestServer(t)
	h.configureSettings(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp := h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result map[string]any

	decodeJSON(t, resp, &result)
	resultID, _ := result["id"].(string)
	require.NotEmpty(t, resultID)

	turnsPath := "/api/tests/" + id + "/results/" + resultID + "/turns"

	resp = h.do(t, http.MethodPost, turnsPath, map[string]any{
		"speaker": store.SpeakerAgent,
		"message": "Hello, how can I help?",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodPost, turnsPath, map[string]any{
		"speaker": store.SpeakerTester,
		"message": "I'd like a large pizza.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodGet, turnsPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var turns []map[string]any

	decodeJSON(t, resp, &turns)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello, how can I help?", turns[0]["message"])
	assert.Equal(t, "I'd like a large pizza.", turns[1]["message"])

	// Finishing the run freezes the transcript.
	resp = h.do(t, http.MethodPut, "/api/tests/"+id+"/results", map[string]any{
		"status": store.StatusCompleted,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodPost, turnsPath, map[string]any{
		"speaker": store.SpeakerAgent,
		"message": "too late",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestTurns_Validation(t *testing.T) {
	h := newTestServer(t)

	resp := h.do(t, http.MethodPost, "/api/tests/x/results/y/turns",
		map[string]any{
			"speaker": "moderator",
			"message": "",
		})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error []fieldError `json:"error"`
	}

	decodeJSON(t, resp, &body)
	require.Len(t, body.Error, 2)
}

func TestDeleteResult(t *testing.T) {
	h := newTestServer(t)
	h.configureSettings(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp := h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result map[string]any

	decodeJSON(t, resp, &result)
	resultID, _ := result["id"].(string)

	resp = h.do(t, http.MethodDelete,
		"/api/tests/"+id+"/results/"+resultID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []map[string]any

	decodeJSON(t, resp, &results)
	assert.Empty(t, results)

	// The result id must belong to the test.
	resp = h.do(t, http.MethodDelete,
		"/api/tests/"+id+"/results/"+resultID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCurrentTest(t *testing.T) {
	h := newTestServer(t)
	h.configureSettings(t)

	resp := h.do(t, http.MethodGet, "/api/current-test", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp = h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/current-test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Test   map[string]any `json:"test"`
		Result struct {
			ID        string     `json:"id"`
			Status    string     `json:"status"`
			StartTime time.Time  `json:"startTime"`
			EndTime   *time.Time `json:"endTime"`
		} `json:"result"`
	}

	decodeJSON(t, resp, &body)
	assert.Equal(t, id, body.Test["id"])
	assert.Equal(t, "order pizza", body.Test["name"])
	assert.Equal(t, store.StatusRunning, body.Result.Status)
	assert.False(t, body.Result.StartTime.IsZero())
	assert.Nil(t, body.Result.EndTime)
}

func TestTestConfig_CurrentResultID(t *testing.T) {
	h := newTestServer(t)
	h.configureSettings(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	resp := h.do(t, http.MethodGet, "/api/tests/"+id+"/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg map[string]any

	decodeJSON(t, resp, &cfg)
	assert.Equal(t, id, cfg["id"])
	assert.Nil(t, cfg["currentTestResultId"])

	resp = h.do(t, http.MethodPost, "/api/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result map[string]any

	decodeJSON(t, resp, &result)

	resp = h.do(t, http.MethodGet, "/api/tests/"+id+"/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	decodeJSON(t, resp, &cfg)
	assert.Equal(t, result["id"], cfg["currentTestResultId"])
}

func TestTestConfig_StorageFailure(t *testing.T) {
	h := newTestServer(t)

	created := h.createTest(t)
	id, _ := created["id"].(string)

	// A broken running-result lookup must surface as an error, not be
	// mistaken for "nothing running".
	h.srv.store = &hookStore{
		Store:               h.srv.store,
		getRunningResultErr: errors.New("storage unavailable"),
	}

	resp := h.do(t, http.MethodGet, "/api/tests/"+id+"/config", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestOutboundCall(t *testing.T) {
	h := newTestServer(t)

	// Missing parameters.
	resp := h.do(t, http.MethodPost, "/api/outbound-call", map[string]any{
		"phoneNumber": "+17828282828",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	// Invalid number.
	resp = h.do(t, http.MethodPost, "/api/outbound-call", map[string]any{
		"phoneNumber": "0123",
		"apiKey":      "vf-key",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	// Direct trigger with an explicit number id.
	resp = h.do(t, http.MethodPost, "/api/outbound-call", map[string]any{
		"phoneNumber": "+1 (782) 828-2828",
		"apiKey":      "vf-key",
		"numberId":    "num-explicit",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	assert.Equal(t, 1, h.gateway.calls)
	assert.Equal(t, "num-explicit", h.gateway.numberID)
	assert.Equal(t, "+17828282828", h.gateway.toNumber)
}

func TestAuth_SessionFlow(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Users = []config.AuthUser{
			{Username: "ops", Password: "secret"},
		}
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := &http.Client{Jar: jar}

	// Operator routes are guarded.
	resp, err := client.Get(h.http.URL + "/api/tests")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Agent integration routes stay open.
	resp, err = client.Get(h.http.URL + "/api/current-test")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// Bad credentials.
	resp, err = client.Post(h.http.URL+"/api/auth/login", "application/json",
		bytes.NewReader([]byte(`{"username":"ops","password":"wrong"}`)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Login sets a session cookie.
	resp, err = client.Post(h.http.URL+"/api/auth/login", "application/json",
		bytes.NewReader([]byte(`{"username":"ops","password":"secret"}`)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var user userResponse

	decodeJSON(t, resp, &user)
	assert.Equal(t, "ops", user.Username)

	resp, err = client.Get(h.http.URL + "/api/auth/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.Get(h.http.URL + "/api/tests")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Logout invalidates the session.
	resp, err = client.Post(h.http.URL+"/api/auth/logout",
		"application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.Get(h.http.URL + "/api/tests")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}
