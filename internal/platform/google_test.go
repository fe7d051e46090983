package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const chatgptClientID = "77377267392-xxx.apps.googleusercontent.com"

func googleTestCred() *core.Credential {
	return &core.Credential{
		ConnectionID:   "conn-google",
		OrganizationID: "org-1",
		Platform:       core.PlatformGoogle,
		AccessToken:    "ya29.test",
		RefreshToken:   "1//refresh",
	}
}

// newGoogleTestServer serves the directory and reports surfaces the adapter
// touches during discovery and audit reads.
func newGoogleTestServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/users") && !strings.Contains(path, "/activity/"):
			if r.URL.Query().Get("pageToken") == "p2" {
				w.Write([]byte(`{"users": [{"id": "201", "primaryEmail": "intern@example.com", "customerId": "C0123"}], "nextPageToken": ""}`))
				return
			}
			assert.Equal(t, "my_customer", r.URL.Query().Get("customer"))
			w.Write([]byte(`{
				"users": [
					{"id": "100", "primaryEmail": "admin@example.com", "customerId": "C0123", "suspended": false},
					{"id": "150", "primaryEmail": "ghost@example.com", "customerId": "C0123", "suspended": true}
				],
				"nextPageToken": "p2"
			}`))
		case strings.HasSuffix(path, "/tokens"):
			if strings.Contains(path, "intern@example.com") {
				w.Write([]byte(`{"items": []}`))
				return
			}
			w.Write([]byte(`{
				"items": [{
					"clientId": "` + chatgptClientID + `",
					"displayText": "ChatGPT",
					"scopes": [
						"https://www.googleapis.com/auth/drive.readonly",
						"https://www.googleapis.com/auth/userinfo.email",
						"https://www.googleapis.com/auth/userinfo.profile",
						"openid"
					],
					"userKey": "100",
					"nativeApp": false,
					"anonymous": false
				}]
			}`))
		case strings.Contains(path, "/applications/token"):
			w.Write([]byte(`{
				"items": [{
					"id": {"time": "2026-08-20T10:00:00.000Z", "uniqueQualifier": "9001", "applicationName": "token", "customerId": "C0123"},
					"actor": {"email": "admin@example.com", "profileId": "100"},
					"ipAddress": "203.0.113.9",
					"events": [{
						"type": "auth",
						"name": "authorize",
						"parameters": [
							{"name": "client_id", "value": "` + chatgptClientID + `"},
							{"name": "app_name", "value": "ChatGPT"},
							{"name": "scope", "multiValue": ["https://www.googleapis.com/auth/drive.readonly"]}
						]
					}]
				}],
				"nextPageToken": "r2"
			}`))
		default:
			t.Errorf("unexpected google API path %s", path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newGoogleTestConnector(srv *httptest.Server) *GoogleConnector {
	conn := NewGoogleConnector(NewCaller(srv.Client(), nil), NewFlows(testFlowsConfig()))
	conn.DirectoryEndpoint = srv.URL
	conn.ReportsEndpoint = srv.URL
	conn.HTTPClient = srv.Client()
	return conn
}

func TestGoogleAuthenticate(t *testing.T) {
	srv := newGoogleTestServer(t)
	defer srv.Close()

	handle, err := newGoogleTestConnector(srv).Authenticate(context.Background(), googleTestCred())
	require.NoError(t, err)
	assert.Equal(t, "C0123", handle.WorkspaceID)
	assert.Equal(t, "example.com", handle.DisplayName)
}

func TestGoogleDiscoverOAuthGrants(t *testing.T) {
	srv := newGoogleTestServer(t)
	defer srv.Close()
	conn := newGoogleTestConnector(srv)

	page, err := conn.DiscoverAutomations(context.Background(), googleTestCred(), "")
	require.NoError(t, err)

	// Two users in the page, one suspended: exactly one grant surfaces.
	require.Len(t, page.Items, 1)
	grant := page.Items[0]
	assert.Equal(t, chatgptClientID+":admin@example.com", grant.ExternalID)
	assert.Equal(t, chatgptClientID, grant.ClientID)
	assert.Equal(t, "ChatGPT", grant.Name)
	assert.Equal(t, "admin@example.com", grant.OwnerEmail)
	assert.Equal(t, core.AutomationIntegration, grant.Kind)
	assert.Equal(t, "tokens_api", grant.Source)
	assert.Len(t, grant.Scopes, 4)
	assert.Contains(t, grant.Scopes, "https://www.googleapis.com/auth/drive.readonly")
	assert.Equal(t, "p2", page.NextCursor)

	// The next page's only user has granted nothing.
	page, err = conn.DiscoverAutomations(context.Background(), googleTestCred(), "p2")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextCursor)
}

func TestGoogleGetAuditLogs(t *testing.T) {
	srv := newGoogleTestServer(t)
	defer srv.Close()

	page, err := newGoogleTestConnector(srv).GetAuditLogs(context.Background(), googleTestCred(), core.AuditQuery{Limit: 50})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	ev := page.Events[0]
	assert.Equal(t, core.PlatformGoogle, ev.Platform)
	assert.Equal(t, "authorize", ev.Action)
	assert.Equal(t, "admin@example.com", ev.ActorEmail)
	assert.Equal(t, chatgptClientID, ev.TargetID)
	assert.Equal(t, "ChatGPT", ev.TargetName)
	assert.Equal(t, "203.0.113.9", ev.IPAddress)
	assert.Equal(t, "r2", page.NextCursor)

	scopes, ok := ev.PlatformMetadata["scope"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"https://www.googleapis.com/auth/drive.readonly"}, scopes)
}

func TestMapGoogleError(t *testing.T) {
	tests := []struct {
		name     string
		err      *googleapi.Error
		wantCode string
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, "CREDENTIALS_EXPIRED"},
		{"forbidden", &googleapi.Error{Code: 403}, "MISSING_PERMISSIONS"},
		{
			"rate limit disguised as 403",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			"RATE_LIMITED",
		},
		{"too many requests", &googleapi.Error{Code: 429}, "RATE_LIMITED"},
		{"server error", &googleapi.Error{Code: 503}, "PLATFORM_UNAVAILABLE"},
		{"bad request", &googleapi.Error{Code: 400}, "INVARIANT_VIOLATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe, ok := faults.As(mapGoogleError(core.PlatformGoogle, tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, fe.Code)
		})
	}

	assert.NoError(t, mapGoogleError(core.PlatformGoogle, nil))
}
