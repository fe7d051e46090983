package platform

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    http.Header
		wantCode  string
		retryable bool
	}{
		{"unauthorized", 401, nil, "CREDENTIALS_EXPIRED", false},
		{"forbidden", 403, nil, "MISSING_PERMISSIONS", false},
		{"rate limited", 429, http.Header{"Retry-After": {"30"}}, "RATE_LIMITED", true},
		{"server error", 500, nil, "PLATFORM_UNAVAILABLE", true},
		{"bad gateway", 502, nil, "PLATFORM_UNAVAILABLE", true},
		{"request timeout", 408, nil, "PLATFORM_UNAVAILABLE", true},
		{"bad request", 400, nil, "INVARIANT_VIOLATION", false},
		{"not found", 404, nil, "INVARIANT_VIOLATION", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := classifyStatus(core.PlatformGoogle, tt.status, tt.header, []byte(`{"error":"x"}`))
			assert.Equal(t, tt.wantCode, fe.Code)
			assert.Equal(t, tt.retryable, fe.Retryable())
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h := http.Header{"Retry-After": {"120"}}
	assert.Equal(t, now.Add(120*time.Second), parseRetryAfter(h, now))

	h = http.Header{"Retry-After": {now.Add(5 * time.Minute).Format(http.TimeFormat)}}
	assert.Equal(t, now.Add(5*time.Minute), parseRetryAfter(h, now).UTC())

	// Epoch-style reset header.
	h = http.Header{"X-Ratelimit-Reset": {"1772366490"}}
	assert.Equal(t, time.Unix(1772366490, 0), parseRetryAfter(h, now))

	// Delta-style reset header.
	h = http.Header{"X-Ratelimit-Reset": {"45"}}
	assert.Equal(t, now.Add(45*time.Second), parseRetryAfter(h, now))

	// Nothing present falls back to the default delay.
	assert.Equal(t, now.Add(defaultRateLimitDelay), parseRetryAfter(http.Header{}, now))
}

func TestDoJSONSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotAccept, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	caller := NewCaller(srv.Client(), nil)
	var out struct {
		Value string `json:"value"`
	}
	resp, err := caller.DoJSON(context.Background(), core.PlatformSlack, &Request{
		Method:      http.MethodGet,
		URL:         srv.URL + "/probe",
		Query:       url.Values{"limit": {"1"}},
		BearerToken: "xoxb-token",
		Operation:   "test",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, "Bearer xoxb-token", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, defaultUserAgent, gotUA)
}

func TestDoSurfacesRateLimitWithReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	caller := NewCaller(srv.Client(), nil)
	_, err := caller.Do(context.Background(), core.PlatformGoogle, &Request{
		Method: http.MethodGet, URL: srv.URL, Operation: "test",
	})
	require.Error(t, err)

	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "RATE_LIMITED", fe.Code)
	assert.True(t, fe.Retryable())
	assert.InDelta(t, float64(120*time.Second), float64(fe.RetryAfter()), float64(2*time.Second))
}

func TestOpenCircuitShortCircuitsCalls(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	caller := NewCaller(srv.Client(), nil)
	req := &Request{Method: http.MethodGet, URL: srv.URL, Operation: "test"}

	// Default trip threshold is five consecutive failures.
	for i := 0; i < 5; i++ {
		_, err := caller.Do(context.Background(), core.PlatformJira, req)
		require.Error(t, err)
	}
	assert.Equal(t, 5, hits)

	_, err := caller.Do(context.Background(), core.PlatformJira, req)
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "PLATFORM_UNAVAILABLE", fe.Code)
	assert.True(t, fe.Retryable())
	assert.Equal(t, 5, hits, "open circuit must not reach the platform")

	// Other platforms keep their own circuits.
	_, err = caller.Do(context.Background(), core.PlatformSlack, req)
	require.Error(t, err)
	assert.Equal(t, 6, hits)
}

func TestAuthFailuresLeaveCircuitClosed(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	caller := NewCaller(srv.Client(), nil)
	req := &Request{Method: http.MethodGet, URL: srv.URL, Operation: "test"}

	for i := 0; i < 8; i++ {
		_, err := caller.Do(context.Background(), core.PlatformMicrosoft, req)
		require.Error(t, err)
		assert.True(t, faults.IsCode(err, "CREDENTIALS_EXPIRED"))
	}
	// Every call reached the server: auth failures never open the circuit.
	assert.Equal(t, 8, hits)
}

func TestDoStreamHandsBodyToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("line-1\nline-2\n"))
	}))
	defer srv.Close()

	caller := NewCaller(srv.Client(), nil)
	stream, err := caller.DoStream(context.Background(), core.PlatformClaude, &Request{
		Method: http.MethodGet, URL: srv.URL, Operation: "test",
	})
	require.NoError(t, err)
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "line-1\nline-2\n", string(body))
}

func TestPermissionsFromBody(t *testing.T) {
	got := permissionsFromBody([]byte(`{"needed":"auditlogs:read,team:read"}`))
	assert.Equal(t, []string{"auditlogs:read", "team:read"}, got)

	got = permissionsFromBody([]byte(`{"scopes":["AuditLog.Read.All"]}`))
	assert.Equal(t, []string{"AuditLog.Read.All"}, got)

	assert.Nil(t, permissionsFromBody([]byte("not json")))
}
