package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const (
	atlassianAPIURL    = "https://api.atlassian.com"
	jiraAuditPageSize  = 100
	jiraAuditTimeParam = "2006-01-02T15:04:05.000Z0700"
)

// JiraConnector reads Jira Cloud automation rules and the site audit log
// through the Atlassian gateway. OAuth tokens are site-scoped: the cloud id
// from accessible-resources prefixes every tenant API path.
type JiraConnector struct {
	caller *Caller
	flows  *Flows

	// BaseURL is overridable in tests.
	BaseURL string
}

// NewJiraConnector builds the Jira Cloud adapter.
func NewJiraConnector(caller *Caller, flows *Flows) *JiraConnector {
	return &JiraConnector{caller: caller, flows: flows, BaseURL: atlassianAPIURL}
}

func (j *JiraConnector) Platform() core.Platform { return core.PlatformJira }

func (j *JiraConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream
}

type jiraResource struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

func (j *JiraConnector) accessibleResources(ctx context.Context, cred *core.Credential) ([]jiraResource, error) {
	var resources []jiraResource
	_, err := j.caller.DoJSON(ctx, core.PlatformJira, &Request{
		Method:      http.MethodGet,
		URL:         j.BaseURL + "/oauth/token/accessible-resources",
		BearerToken: cred.AccessToken,
		Operation:   "authenticate",
	}, &resources)
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// cloudID resolves the tenant site, preferring what the connection recorded
// at OAuth time.
func (j *JiraConnector) cloudID(ctx context.Context, cred *core.Credential) (string, error) {
	if cred.PlatformData.Jira != nil && cred.PlatformData.Jira.CloudID != "" {
		return cred.PlatformData.Jira.CloudID, nil
	}
	resources, err := j.accessibleResources(ctx, cred)
	if err != nil {
		return "", err
	}
	if len(resources) == 0 {
		return "", faults.PermanentAuth("jira", fmt.Errorf("token grants access to no site"))
	}
	return resources[0].ID, nil
}

// Authenticate resolves the first accessible site behind the token.
func (j *JiraConnector) Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error) {
	resources, err := j.accessibleResources(ctx, cred)
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, faults.PermanentAuth("jira", fmt.Errorf("token grants access to no site"))
	}
	r := resources[0]
	return &Handle{
		Platform:    core.PlatformJira,
		WorkspaceID: r.ID,
		DisplayName: r.Name,
		Scopes:      r.Scopes,
	}, nil
}

// ValidateCredentials confirms site access and probes the audit scope.
func (j *JiraConnector) ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error) {
	result := &core.ValidationResult{Valid: true}
	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt
		result.ExpiresAt = &t
	}

	cloudID, err := j.cloudID(ctx, cred)
	if err != nil {
		fe, ok := faults.As(err)
		if ok && (fe.Code == "CREDENTIALS_EXPIRED" || fe.Code == "AUTH_PERMANENT_FAILURE") {
			result.Valid = false
			return result, nil
		}
		return nil, err
	}

	_, err = j.caller.DoJSON(ctx, core.PlatformJira, &Request{
		Method:      http.MethodGet,
		URL:         fmt.Sprintf("%s/ex/jira/%s/rest/api/3/auditing/record", j.BaseURL, cloudID),
		Query:       url.Values{"limit": {"1"}},
		BearerToken: cred.AccessToken,
		Operation:   "validate",
	}, nil)
	if err != nil {
		if fe, ok := faults.As(err); ok && fe.Code == "MISSING_PERMISSIONS" {
			result.MissingPermissions = []string{"read:audit-log:jira"}
			return result, nil
		}
		return nil, err
	}
	return result, nil
}

// ----------------------------------------------------------------------------
// Discovery
// ----------------------------------------------------------------------------

type jiraAutomationRule struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	State          string `json:"state"`
	AuthorAccount  string `json:"authorAccountId"`
	ActorAccountID string `json:"actorAccountId"`
	Trigger        struct {
		Component string `json:"component"`
		Type      string `json:"type"`
	} `json:"trigger"`
	Components []struct {
		Component string `json:"component"`
		Type      string `json:"type"`
	} `json:"components"`
}

// DiscoverAutomations lists global automation rules. The endpoint returns
// the full rule set in one shot, so discovery is single-page.
func (j *JiraConnector) DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error) {
	if cursor != "" {
		// Single-page stream: a non-empty cursor means a caller replayed a
		// finished walk.
		return &core.AutomationPage{}, nil
	}
	cloudID, err := j.cloudID(ctx, cred)
	if err != nil {
		return nil, err
	}

	var rules []jiraAutomationRule
	_, err = j.caller.DoJSON(ctx, core.PlatformJira, &Request{
		Method:      http.MethodGet,
		URL:         fmt.Sprintf("%s/ex/jira/%s/rest/cb-automation/latest/project/GLOBAL/rule", j.BaseURL, cloudID),
		BearerToken: cred.AccessToken,
		Operation:   "discover",
	}, &rules)
	if err != nil {
		return nil, err
	}

	observed := time.Now().UTC()
	items := make([]core.RawAutomation, 0, len(rules))
	for _, rule := range rules {
		actions := make([]string, 0, len(rule.Components))
		for _, c := range rule.Components {
			actions = append(actions, c.Type)
		}
		items = append(items, core.RawAutomation{
			ExternalID: strconv.FormatInt(rule.ID, 10),
			Platform:   core.PlatformJira,
			Kind:       core.AutomationWorkflow,
			Name:       rule.Name,
			Source:     "automation_rules",
			ObservedAt: observed,
			PlatformMetadata: map[string]interface{}{
				"state":          rule.State,
				"triggerType":    rule.Trigger.Type,
				"actions":        actions,
				"authorAccount":  rule.AuthorAccount,
				"actorAccountId": rule.ActorAccountID,
			},
		})
	}
	return &core.AutomationPage{Items: items, NextCursor: ""}, nil
}

// ----------------------------------------------------------------------------
// Audit stream
// ----------------------------------------------------------------------------

type jiraAuditPayload struct {
	Offset  int `json:"offset"`
	Limit   int `json:"limit"`
	Total   int `json:"total"`
	Records []struct {
		ID            int64  `json:"id"`
		Summary       string `json:"summary"`
		Created       string `json:"created"`
		Category      string `json:"category"`
		EventSource   string `json:"eventSource"`
		RemoteAddress string `json:"remoteAddress"`
		AuthorKey     string `json:"authorKey"`
		ObjectItem    struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			TypeName string `json:"typeName"`
		} `json:"objectItem"`
	} `json:"records"`
}

// GetAuditLogs pages the site audit log. Jira paginates by offset; the
// cursor is the next offset rendered as text.
func (j *JiraConnector) GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	cloudID, err := j.cloudID(ctx, cred)
	if err != nil {
		return nil, err
	}

	offset := 0
	if q.Cursor != "" {
		offset, err = strconv.Atoi(q.Cursor)
		if err != nil || offset < 0 {
			return nil, faults.Invariant(fmt.Sprintf("malformed jira audit cursor %q", q.Cursor))
		}
	}
	limit := q.Limit
	if limit <= 0 || limit > jiraAuditPageSize {
		limit = jiraAuditPageSize
	}

	params := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	if !q.Since.IsZero() {
		params.Set("from", q.Since.UTC().Format(jiraAuditTimeParam))
	}
	if !q.Until.IsZero() {
		params.Set("to", q.Until.UTC().Format(jiraAuditTimeParam))
	}

	var payload jiraAuditPayload
	_, err = j.caller.DoJSON(ctx, core.PlatformJira, &Request{
		Method:      http.MethodGet,
		URL:         fmt.Sprintf("%s/ex/jira/%s/rest/api/3/auditing/record", j.BaseURL, cloudID),
		Query:       params,
		BearerToken: cred.AccessToken,
		Operation:   "audit",
	}, &payload)
	if err != nil {
		return nil, err
	}

	events := make([]core.NormalizedAuditEvent, 0, len(payload.Records))
	for _, rec := range payload.Records {
		ev := core.NormalizedAuditEvent{
			ID:         strconv.FormatInt(rec.ID, 10),
			Platform:   core.PlatformJira,
			Action:     rec.Summary,
			ActorID:    rec.AuthorKey,
			TargetID:   rec.ObjectItem.ID,
			TargetName: rec.ObjectItem.Name,
			IPAddress:  rec.RemoteAddress,
			PlatformMetadata: map[string]interface{}{
				"category":    rec.Category,
				"eventSource": rec.EventSource,
				"objectType":  rec.ObjectItem.TypeName,
			},
		}
		if t, err := time.Parse(jiraAuditTimeParam, rec.Created); err == nil {
			ev.OccurredAt = t.UTC()
		}
		events = append(events, ev)
	}

	next := ""
	if consumed := offset + len(payload.Records); consumed < payload.Total && len(payload.Records) > 0 {
		next = strconv.Itoa(consumed)
	}
	return &core.AuditPage{Events: events, NextCursor: next}, nil
}

// RefreshCredentials exchanges the rotating refresh token.
func (j *JiraConnector) RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	return j.flows.RefreshToken(ctx, cred)
}
