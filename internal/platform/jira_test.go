package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
)

func jiraTestCred(withCloudID bool) *core.Credential {
	cred := &core.Credential{
		ConnectionID:   "conn-jira",
		OrganizationID: "org-1",
		Platform:       core.PlatformJira,
		AccessToken:    "atlassian-token",
	}
	if withCloudID {
		cred.PlatformData = core.PlatformData{
			Kind: core.PlatformJira,
			Jira: &core.JiraConnectionData{CloudID: "cloud-1", SiteURL: "https://acme.atlassian.net"},
		}
	}
	return cred
}

func TestJiraAuthenticateResolvesSite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token/accessible-resources", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id": "cloud-1", "url": "https://acme.atlassian.net", "name": "acme", "scopes": ["read:jira-work", "read:audit-log:jira"]}]`))
	}))
	defer srv.Close()

	conn := NewJiraConnector(NewCaller(srv.Client(), nil), NewFlows(testFlowsConfig()))
	conn.BaseURL = srv.URL

	handle, err := conn.Authenticate(context.Background(), jiraTestCred(false))
	require.NoError(t, err)
	assert.Equal(t, "cloud-1", handle.WorkspaceID)
	assert.Equal(t, "acme", handle.DisplayName)
	assert.Contains(t, handle.Scopes, "read:audit-log:jira")
}

func TestJiraDiscoverAutomationRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ex/jira/cloud-1/rest/cb-automation/latest/project/GLOBAL/rule", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{
				"id": 4401,
				"name": "Auto-assign critical bugs",
				"state": "ENABLED",
				"authorAccountId": "acc-1",
				"actorAccountId": "acc-automation",
				"trigger": {"component": "TRIGGER", "type": "jira.issue.event.trigger:created"},
				"components": [{"component": "ACTION", "type": "jira.issue.assign"}]
			},
			{
				"id": 4402,
				"name": "Weekly summary via webhook",
				"state": "DISABLED",
				"authorAccountId": "acc-2",
				"actorAccountId": "acc-automation",
				"trigger": {"component": "TRIGGER", "type": "jira.scheduled.trigger"},
				"components": [{"component": "ACTION", "type": "jira.webhook.send"}]
			}
		]`))
	}))
	defer srv.Close()

	conn := NewJiraConnector(NewCaller(srv.Client(), nil), NewFlows(testFlowsConfig()))
	conn.BaseURL = srv.URL

	page, err := conn.DiscoverAutomations(context.Background(), jiraTestCred(true), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	rule := page.Items[0]
	assert.Equal(t, "4401", rule.ExternalID)
	assert.Equal(t, "Auto-assign critical bugs", rule.Name)
	assert.Equal(t, core.AutomationWorkflow, rule.Kind)
	assert.Equal(t, "automation_rules", rule.Source)
	assert.Equal(t, "ENABLED", rule.PlatformMetadata["state"])
	assert.Equal(t, "jira.issue.event.trigger:created", rule.PlatformMetadata["triggerType"])

	// Rules come back in one page; replaying a finished walk yields nothing.
	assert.Empty(t, page.NextCursor)
	replay, err := conn.DiscoverAutomations(context.Background(), jiraTestCred(true), "done")
	require.NoError(t, err)
	assert.Empty(t, replay.Items)
}

func TestJiraAuditOffsetPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ex/jira/cloud-1/rest/api/3/auditing/record", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("offset") {
		case "0":
			w.Write([]byte(`{
				"offset": 0, "limit": 2, "total": 3,
				"records": [
					{"id": 9001, "summary": "Automation rule created", "created": "2026-08-18T09:00:00.000+0000", "category": "automation", "eventSource": "", "remoteAddress": "203.0.113.4", "authorKey": "acc-1", "objectItem": {"id": "4401", "name": "Auto-assign critical bugs", "typeName": "AUTOMATION_RULE"}},
					{"id": 9002, "summary": "Webhook registered", "created": "2026-08-18T10:30:00.000+0000", "category": "webhooks", "eventSource": "", "remoteAddress": "203.0.113.4", "authorKey": "acc-2", "objectItem": {"id": "wh-1", "name": "ci-webhook", "typeName": "WEBHOOK"}}
				]
			}`))
		case "2":
			w.Write([]byte(`{
				"offset": 2, "limit": 2, "total": 3,
				"records": [
					{"id": 9003, "summary": "Automation rule disabled", "created": "2026-08-19T11:00:00.000+0000", "category": "automation", "eventSource": "", "remoteAddress": "", "authorKey": "acc-1", "objectItem": {"id": "4402", "name": "Weekly summary via webhook", "typeName": "AUTOMATION_RULE"}}
				]
			}`))
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))
	defer srv.Close()

	conn := NewJiraConnector(NewCaller(srv.Client(), nil), NewFlows(testFlowsConfig()))
	conn.BaseURL = srv.URL
	cred := jiraTestCred(true)

	page, err := conn.GetAuditLogs(context.Background(), cred, core.AuditQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "9001", page.Events[0].ID)
	assert.Equal(t, "Automation rule created", page.Events[0].Action)
	assert.Equal(t, "4401", page.Events[0].TargetID)
	assert.Equal(t, "2", page.NextCursor)

	page, err = conn.GetAuditLogs(context.Background(), cred, core.AuditQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "9003", page.Events[0].ID)
	assert.Empty(t, page.NextCursor)

	_, err = conn.GetAuditLogs(context.Background(), cred, core.AuditQuery{Cursor: "not-a-number"})
	require.Error(t, err)
}
