package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelab/callcheck/pkg/config"
	"github.com/voicelab/callcheck/pkg/gateway"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) gateway.Client {
	t.Helper()

	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return gateway.NewClient(
		log,
		&config.GatewayConfig{BaseURL: upstream.URL},
		5*time.Second,
	)
}

func TestClient_InitiateCall(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotAuth   string
		gotBody   map[string]any
	)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	err := client.InitiateCall(
		context.Background(), "vf-key", "num-123", "+17828282828", nil,
	)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1alpha1/phone-number/num-123/outbound", gotPath)
	assert.Equal(t, "vf-key", gotAuth)
	assert.Equal(t, "+17828282828", gotBody["to"])

	// Nil variables are sent as an empty object, not omitted.
	variables, ok := gotBody["variables"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, variables)
}

func TestClient_InitiateCall_ForwardsVariables(t *testing.T) {
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.InitiateCall(
		context.Background(), "vf-key", "num-123", "+17828282828",
		map[string]string{"caller": "tester"},
	)
	require.NoError(t, err)

	variables, ok := gotBody["variables"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tester", variables["caller"])
}

func TestClient_InitiateCall_UpstreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	})

	err := client.InitiateCall(
		context.Background(), "bad-key", "num-123", "+17828282828", nil,
	)
	require.Error(t, err)

	var callErr *gateway.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusUnauthorized, callErr.StatusCode)
	assert.Equal(t, `{"error":"invalid api key"}`, callErr.Body)
}

func TestClient_InitiateCall_ContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.InitiateCall(ctx, "vf-key", "num-123", "+17828282828", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
