package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelab/callcheck/pkg/config"
)

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		expected   string
	}{
		{
			name:       "remote addr with port",
			remoteAddr: "192.0.2.1:5000",
			expected:   "192.0.2.1",
		},
		{
			name:       "forwarded single",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "203.0.113.7",
			expected:   "203.0.113.7",
		},
		{
			name:       "forwarded chain uses first hop",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "203.0.113.7, 10.0.0.2",
			expected:   "203.0.113.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.1",
			expected:   "192.0.2.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr

			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}

			assert.Equal(t, tt.expected, extractIP(r))
		})
	}
}

func TestRateLimiterMap_PerIP(t *testing.T) {
	rl := newRateLimiterMap(2)

	a := rl.getLimiter("192.0.2.1")
	b := rl.getLimiter("192.0.2.2")

	// Each IP gets its own bucket with a burst of the per-minute limit.
	assert.True(t, a.Allow())
	assert.True(t, a.Allow())
	assert.False(t, a.Allow())

	assert.True(t, b.Allow())

	// Same IP returns the same limiter.
	assert.Same(t, a, rl.getLimiter("192.0.2.1"))
}

func TestRateLimitMiddleware(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.Enabled = true
		cfg.Server.RateLimit.RequestsPerMinute = 3
	})

	for i := 0; i < 3; i++ {
		resp := h.do(t, http.MethodGet, "/api/health", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := h.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	_ = resp.Body.Close()
}
