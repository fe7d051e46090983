package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/identity"
	"github.com/umbrix/backend/internal/multitenancy"
)

func newAuthFixture(t *testing.T) (*Authenticator, string) {
	t.Helper()
	store := multitenancy.NewInMemoryOrganizationStore()
	store.PutOrganization(&core.Organization{ID: "org-1", Name: "Acme", Status: core.OrgActive})
	orgs := multitenancy.NewOrganizationManager(store)
	tokens := identity.NewTokenService(identity.TokenServiceConfig{Secret: "test-secret", TTL: time.Hour})

	_, fullKey, err := orgs.CreateAPIKey(t.Context(), "org-1", "ci", nil)
	require.NoError(t, err)
	return NewAuthenticator(orgs, tokens), fullKey
}

func echoOrg() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, err := multitenancy.GetOrganizationID(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(org))
	})
}

func TestAuth_APIKey(t *testing.T) {
	auth, fullKey := newAuthFixture(t)
	srv := httptest.NewServer(auth.Middleware(echoOrg()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer "+fullKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_SessionToken(t *testing.T) {
	auth, _ := newAuthFixture(t)
	tokens := identity.NewTokenService(identity.TokenServiceConfig{Secret: "test-secret", TTL: time.Hour})
	token, _, err := tokens.Issue("user-1", "org-1", "admin", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(auth.Middleware(echoOrg()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_RejectsBadCredentialsUniformly(t *testing.T) {
	auth, _ := newAuthFixture(t)
	srv := httptest.NewServer(auth.Middleware(echoOrg()))
	defer srv.Close()

	for _, header := range []string{
		"",                      // nothing
		"Bearer ubx_nope.nope",  // bad key
		"Bearer not-even-a-jwt", // bad token
		"Bearer ubx_malformed",  // bad key shape
	} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHORIZED", body["code"])
	}
}

func TestAuth_HeaderOrgOnlyWhenEnabled(t *testing.T) {
	auth, _ := newAuthFixture(t)
	srv := httptest.NewServer(auth.Middleware(echoOrg()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("X-Organization-ID", "org-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth.AllowHeaderOrg = true
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_TokenFromQueryForHandshakes(t *testing.T) {
	auth, fullKey := newAuthFixture(t)
	srv := httptest.NewServer(auth.Middleware(echoOrg()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?token=" + fullKey)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit_BudgetPerTenant(t *testing.T) {
	limited := RateLimit(3)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get("X-Test-Org")
		limited.ServeHTTP(w, r.WithContext(multitenancy.WithOrganization(r.Context(), org)))
	}))
	defer srv.Close()

	do := func(org string) int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		req.Header.Set("X-Test-Org", org)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do("org-a"))
	}
	assert.Equal(t, http.StatusTooManyRequests, do("org-a"))
	// Another tenant's budget is untouched.
	assert.Equal(t, http.StatusOK, do("org-b"))
}
