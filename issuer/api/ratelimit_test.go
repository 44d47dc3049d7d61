package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitPostRoutes(t *testing.T) {
	forced := 0
	s := NewServer(Deps{
		ForceRegistrySync: func() { forced++ },
		RateLimit:         RateLimit{RequestsPerMinute: 1, Burst: 2},
	}, zerolog.Nop(), 0, false)

	post := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/registry/sync", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusAccepted, post("10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusAccepted, post("10.0.0.1:5001").Code)

	w := post("10.0.0.1:5002")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, errCodeRateLimited, resp.Error.Code)
	assert.Equal(t, 2, forced)

	// the limiter outlives a single request
	require.NotNil(t, s.limiter)
	assert.Len(t, s.limiter.visitors, 1)

	// other clients have their own bucket
	assert.Equal(t, http.StatusAccepted, post("10.0.0.2:5000").Code)

	// reads are never limited
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:5003"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	s := NewServer(Deps{ForceRegistrySync: func() {}}, zerolog.Nop(), 0, false)
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/registry/sync", nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	assert.Nil(t, s.limiter)
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	l := newRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))

	now = now.Add(visitorIdleTTL + time.Second)
	assert.True(t, l.allow("b"))
	_, tracked := l.visitors["a"]
	assert.False(t, tracked)
	assert.True(t, l.allow("a"))
}

func TestClientID(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.7:1234", "192.0.2.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.1"}, "192.0.2.7:1234", "198.51.100.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "192.0.2.7:1234", "203.0.113.9"},
		{"bare remote", nil, "pipe", "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, clientID(req))
		})
	}
}
