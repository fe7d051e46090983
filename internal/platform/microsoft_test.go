package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func microsoftTestCred() *core.Credential {
	return &core.Credential{
		ConnectionID:   "conn-ms",
		OrganizationID: "org-1",
		Platform:       core.PlatformMicrosoft,
		AccessToken:    "eyJ-graph-token",
	}
}

func TestMicrosoftDiscoverGrants(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth2PermissionGrants":
			if r.URL.Query().Get("page") == "2" {
				w.Write([]byte(`{"value": []}`))
				return
			}
			fmt.Fprintf(w, `{
				"value": [
					{"id": "grant-1", "clientId": "sp-obj-1", "consentType": "AllPrincipals", "principalId": "", "resourceId": "graph-sp", "scope": "Mail.Read Files.Read.All"},
					{"id": "grant-2", "clientId": "sp-obj-2", "consentType": "Principal", "principalId": "user-77", "resourceId": "graph-sp", "scope": "User.Read"}
				],
				"@odata.nextLink": %q
			}`, srv.URL+"/oauth2PermissionGrants?page=2")
		case "/servicePrincipals":
			filter := r.URL.Query().Get("$filter")
			assert.Contains(t, filter, "'sp-obj-1'")
			assert.Contains(t, filter, "'sp-obj-2'")
			w.Write([]byte(`{
				"value": [
					{"id": "sp-obj-1", "appId": "app-guid-1", "displayName": "Mail Summarizer AI", "servicePrincipalType": "Application", "replyUrls": ["https://summarizer.example.dev/auth"], "homepage": "https://summarizer.example.dev"},
					{"id": "sp-obj-2", "appId": "app-guid-2", "displayName": "Timesheet Sync", "servicePrincipalType": "Application"}
				]
			}`))
		default:
			t.Errorf("unexpected graph path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	conn := NewMicrosoftConnector(NewCaller(srv.Client(), nil), NewFlows(testFlowsConfig()))
	conn.BaseURL = srv.URL

	page, err := conn.DiscoverAutomations(context.Background(), microsoftTestCred(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	first := page.Items[0]
	assert.Equal(t, "grant-1", first.ExternalID)
	assert.Equal(t, "app-guid-1", first.ClientID)
	assert.Equal(t, "Mail Summarizer AI", first.Name)
	assert.Equal(t, []string{"Mail.Read", "Files.Read.All"}, first.Scopes)
	assert.Equal(t, "oauth_grants", first.Source)
	assert.Equal(t, "https://summarizer.example.dev/auth", first.Endpoint)
	assert.Equal(t, "AllPrincipals", first.PlatformMetadata["consentType"])

	require.NotEmpty(t, page.NextCursor)

	next, err := conn.DiscoverAutomations(context.Background(), microsoftTestCred(), page.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, next.Items)
	assert.Empty(t, next.NextCursor)
}

func TestMicrosoftCursorMustMatchEndpoint(t *testing.T) {
	conn := NewMicrosoftConnector(NewCaller(nil, nil), NewFlows(testFlowsConfig()))
	conn.BaseURL = "https://graph.microsoft.com/v1.0"

	_, err := conn.DiscoverAutomations(context.Background(), microsoftTestCred(), "https://evil.example.com/steal")
	require.Error(t, err)
	assert.True(t, faults.IsCode(err, "INVARIANT_VIOLATION"))

	_, err = conn.GetAuditLogs(context.Background(), microsoftTestCred(), core.AuditQuery{Cursor: "http://169.254.169.254/"})
	require.Error(t, err)
	assert.True(t, faults.IsCode(err, "INVARIANT_VIOLATION"))
}

func TestMicrosoftGetAuditLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auditLogs/directoryAudits", r.URL.Path)
		filter := r.URL.Query().Get("$filter")
		assert.Contains(t, filter, "activityDateTime ge")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"value": [{
				"id": "audit-1",
				"activityDisplayName": "Consent to application",
				"activityDateTime": "2026-08-19T14:00:00Z",
				"result": "success",
				"initiatedBy": {"user": {"id": "user-77", "userPrincipalName": "admin@contoso.com", "ipAddress": "198.51.100.3"}},
				"targetResources": [{"id": "sp-obj-1", "displayName": "Mail Summarizer AI", "type": "ServicePrincipal"}]
			}]
		}`))
	}))
	defer srv.Close()

	conn := NewMicrosoftConnector(NewCaller(srv.Client(), nil), NewFlows(testFlowsConfig()))
	conn.BaseURL = srv.URL

	page, err := conn.GetAuditLogs(context.Background(), microsoftTestCred(), core.AuditQuery{
		Since: mustParseTime(t, "2026-08-01T00:00:00Z"),
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	ev := page.Events[0]
	assert.Equal(t, "audit-1", ev.ID)
	assert.Equal(t, "Consent to application", ev.Action)
	assert.Equal(t, "admin@contoso.com", ev.ActorEmail)
	assert.Equal(t, "sp-obj-1", ev.TargetID)
	assert.Equal(t, "Mail Summarizer AI", ev.TargetName)
	assert.Equal(t, "success", ev.PlatformMetadata["result"])
	assert.Empty(t, page.NextCursor)
}

func TestMicrosoftAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/organization", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value": [{"id": "tenant-guid", "displayName": "Contoso"}]}`))
	}))
	defer srv.Close()

	conn := NewMicrosoftConnector(NewCaller(srv.Client(), nil), NewFlows(testFlowsConfig()))
	conn.BaseURL = srv.URL

	handle, err := conn.Authenticate(context.Background(), microsoftTestCred())
	require.NoError(t, err)
	assert.Equal(t, "tenant-guid", handle.WorkspaceID)
	assert.Equal(t, "Contoso", handle.DisplayName)
}
