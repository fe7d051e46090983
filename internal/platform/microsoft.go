package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const (
	graphBaseURL       = "https://graph.microsoft.com/v1.0"
	graphPageSize      = 100
	graphAuditPageSize = 200
)

// MicrosoftConnector walks Entra ID OAuth permission grants through Microsoft
// Graph. Each delegated grant pairs a service principal with the scopes a
// user or admin consented to, which is exactly the exposure surface we track.
type MicrosoftConnector struct {
	caller *Caller
	flows  *Flows

	// BaseURL is overridable in tests.
	BaseURL string
}

// NewMicrosoftConnector builds the Microsoft Graph adapter.
func NewMicrosoftConnector(caller *Caller, flows *Flows) *MicrosoftConnector {
	return &MicrosoftConnector{caller: caller, flows: flows, BaseURL: graphBaseURL}
}

func (m *MicrosoftConnector) Platform() core.Platform { return core.PlatformMicrosoft }

func (m *MicrosoftConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream
}

// Authenticate resolves the directory tenant behind the token.
func (m *MicrosoftConnector) Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error) {
	var payload struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	_, err := m.caller.DoJSON(ctx, core.PlatformMicrosoft, &Request{
		Method:      http.MethodGet,
		URL:         m.BaseURL + "/organization",
		Query:       url.Values{"$select": {"id,displayName"}},
		BearerToken: cred.AccessToken,
		Operation:   "authenticate",
	}, &payload)
	if err != nil {
		return nil, err
	}
	if len(payload.Value) == 0 {
		return nil, faults.PermanentAuth("microsoft", fmt.Errorf("token resolves to no organization"))
	}
	return &Handle{
		Platform:    core.PlatformMicrosoft,
		WorkspaceID: payload.Value[0].ID,
		DisplayName: payload.Value[0].DisplayName,
		Scopes:      cred.Scopes,
	}, nil
}

// ValidateCredentials probes the directory and audit-log scopes separately.
func (m *MicrosoftConnector) ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error) {
	result := &core.ValidationResult{Valid: true}
	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt
		result.ExpiresAt = &t
	}

	if _, err := m.Authenticate(ctx, cred); err != nil {
		fe, ok := faults.As(err)
		switch {
		case ok && fe.Code == "CREDENTIALS_EXPIRED":
			result.Valid = false
			return result, nil
		case ok && fe.Code == "MISSING_PERMISSIONS":
			result.MissingPermissions = append(result.MissingPermissions, "Directory.Read.All")
		default:
			return nil, err
		}
	}

	_, err := m.caller.DoJSON(ctx, core.PlatformMicrosoft, &Request{
		Method:      http.MethodGet,
		URL:         m.BaseURL + "/auditLogs/directoryAudits",
		Query:       url.Values{"$top": {"1"}},
		BearerToken: cred.AccessToken,
		Operation:   "validate",
	}, nil)
	if err != nil {
		if fe, ok := faults.As(err); ok && fe.Code == "MISSING_PERMISSIONS" {
			result.MissingPermissions = append(result.MissingPermissions, "AuditLog.Read.All")
			return result, nil
		}
		return nil, err
	}
	return result, nil
}

// ----------------------------------------------------------------------------
// Discovery
// ----------------------------------------------------------------------------

type graphPermissionGrant struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"` // service principal object id
	ConsentType string `json:"consentType"`
	PrincipalID string `json:"principalId"`
	ResourceID  string `json:"resourceId"`
	Scope       string `json:"scope"`
}

type graphServicePrincipal struct {
	ID                     string   `json:"id"`
	AppID                  string   `json:"appId"`
	DisplayName            string   `json:"displayName"`
	ServicePrincipalType   string   `json:"servicePrincipalType"`
	AppOwnerOrganizationID string   `json:"appOwnerOrganizationId"`
	ReplyUrls              []string `json:"replyUrls"`
	Homepage               string   `json:"homepage"`
}

// DiscoverAutomations pages oauth2PermissionGrants and resolves the service
// principals behind each page in one batched lookup. The cursor is Graph's
// @odata.nextLink, pinned to our base URL before reuse.
func (m *MicrosoftConnector) DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error) {
	reqURL := m.BaseURL + "/oauth2PermissionGrants"
	query := url.Values{"$top": {strconv.Itoa(graphPageSize)}}
	if cursor != "" {
		if !strings.HasPrefix(cursor, m.BaseURL) {
			return nil, faults.Invariant("microsoft discovery cursor does not match the Graph endpoint")
		}
		reqURL, query = cursor, nil
	}

	var grants struct {
		Value    []graphPermissionGrant `json:"value"`
		NextLink string                 `json:"@odata.nextLink"`
	}
	_, err := m.caller.DoJSON(ctx, core.PlatformMicrosoft, &Request{
		Method:      http.MethodGet,
		URL:         reqURL,
		Query:       query,
		BearerToken: cred.AccessToken,
		Operation:   "discover",
	}, &grants)
	if err != nil {
		return nil, err
	}

	principals, err := m.resolvePrincipals(ctx, cred, grants.Value)
	if err != nil {
		return nil, err
	}

	observed := time.Now().UTC()
	items := make([]core.RawAutomation, 0, len(grants.Value))
	for _, grant := range grants.Value {
		sp := principals[grant.ClientID]
		raw := core.RawAutomation{
			ExternalID: grant.ID,
			Platform:   core.PlatformMicrosoft,
			Kind:       core.AutomationIntegration,
			Scopes:     strings.Fields(grant.Scope),
			Source:     "oauth_grants",
			ObservedAt: observed,
			PlatformMetadata: map[string]interface{}{
				"consentType": grant.ConsentType,
				"principalId": grant.PrincipalID,
			},
		}
		if sp != nil {
			raw.Name = sp.DisplayName
			raw.ClientID = sp.AppID
			raw.AppURL = sp.Homepage
			raw.PlatformMetadata["servicePrincipalType"] = sp.ServicePrincipalType
			if len(sp.ReplyUrls) > 0 {
				raw.Endpoint = sp.ReplyUrls[0]
			}
		} else {
			raw.Name = grant.ClientID
			raw.ClientID = grant.ClientID
		}
		items = append(items, raw)
	}
	return &core.AutomationPage{Items: items, NextCursor: grants.NextLink}, nil
}

// resolvePrincipals batch-fetches the service principals named by one page of
// grants. A principal that vanished mid-walk is tolerated.
func (m *MicrosoftConnector) resolvePrincipals(ctx context.Context, cred *core.Credential, grants []graphPermissionGrant) (map[string]*graphServicePrincipal, error) {
	out := make(map[string]*graphServicePrincipal)
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		if _, seen := out[g.ClientID]; !seen && g.ClientID != "" {
			out[g.ClientID] = nil
			ids = append(ids, "'"+g.ClientID+"'")
		}
	}
	if len(ids) == 0 {
		return out, nil
	}

	var payload struct {
		Value []graphServicePrincipal `json:"value"`
	}
	_, err := m.caller.DoJSON(ctx, core.PlatformMicrosoft, &Request{
		Method: http.MethodGet,
		URL:    m.BaseURL + "/servicePrincipals",
		Query: url.Values{
			"$filter": {"id in (" + strings.Join(ids, ",") + ")"},
			"$select": {"id,appId,displayName,servicePrincipalType,appOwnerOrganizationId,replyUrls,homepage"},
		},
		BearerToken: cred.AccessToken,
		Operation:   "discover",
	}, &payload)
	if err != nil {
		return nil, err
	}
	for i := range payload.Value {
		out[payload.Value[i].ID] = &payload.Value[i]
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Audit stream
// ----------------------------------------------------------------------------

type graphAuditRecord struct {
	ID                  string `json:"id"`
	ActivityDisplayName string `json:"activityDisplayName"`
	ActivityDateTime    string `json:"activityDateTime"`
	Result              string `json:"result"`
	InitiatedBy         struct {
		User *struct {
			ID                string `json:"id"`
			UserPrincipalName string `json:"userPrincipalName"`
			IPAddress         string `json:"ipAddress"`
		} `json:"user"`
		App *struct {
			AppID       string `json:"appId"`
			DisplayName string `json:"displayName"`
		} `json:"app"`
	} `json:"initiatedBy"`
	TargetResources []struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Type        string `json:"type"`
	} `json:"targetResources"`
}

// GetAuditLogs reads directory audit records over the query window.
func (m *MicrosoftConnector) GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	reqURL := m.BaseURL + "/auditLogs/directoryAudits"
	var query url.Values
	if q.Cursor != "" {
		if !strings.HasPrefix(q.Cursor, m.BaseURL) {
			return nil, faults.Invariant("microsoft audit cursor does not match the Graph endpoint")
		}
		reqURL = q.Cursor
	} else {
		query = url.Values{}
		limit := q.Limit
		if limit <= 0 || limit > graphAuditPageSize {
			limit = graphAuditPageSize
		}
		query.Set("$top", strconv.Itoa(limit))
		var filters []string
		if !q.Since.IsZero() {
			filters = append(filters, "activityDateTime ge "+q.Since.UTC().Format(time.RFC3339))
		}
		if !q.Until.IsZero() {
			filters = append(filters, "activityDateTime le "+q.Until.UTC().Format(time.RFC3339))
		}
		if len(filters) > 0 {
			query.Set("$filter", strings.Join(filters, " and "))
		}
	}

	var payload struct {
		Value    []graphAuditRecord `json:"value"`
		NextLink string             `json:"@odata.nextLink"`
	}
	_, err := m.caller.DoJSON(ctx, core.PlatformMicrosoft, &Request{
		Method:      http.MethodGet,
		URL:         reqURL,
		Query:       query,
		BearerToken: cred.AccessToken,
		Operation:   "audit",
	}, &payload)
	if err != nil {
		return nil, err
	}

	events := make([]core.NormalizedAuditEvent, 0, len(payload.Value))
	for i := range payload.Value {
		events = append(events, graphRecordToEvent(&payload.Value[i]))
	}
	return &core.AuditPage{Events: events, NextCursor: payload.NextLink}, nil
}

func graphRecordToEvent(rec *graphAuditRecord) core.NormalizedAuditEvent {
	ev := core.NormalizedAuditEvent{
		ID:       rec.ID,
		Platform: core.PlatformMicrosoft,
		Action:   rec.ActivityDisplayName,
		PlatformMetadata: map[string]interface{}{
			"result": rec.Result,
		},
	}
	if t, err := time.Parse(time.RFC3339, rec.ActivityDateTime); err == nil {
		ev.OccurredAt = t.UTC()
	}
	switch {
	case rec.InitiatedBy.User != nil:
		ev.ActorID = rec.InitiatedBy.User.ID
		ev.ActorEmail = rec.InitiatedBy.User.UserPrincipalName
		ev.IPAddress = rec.InitiatedBy.User.IPAddress
	case rec.InitiatedBy.App != nil:
		ev.ActorID = rec.InitiatedBy.App.AppID
		ev.PlatformMetadata["actorApp"] = rec.InitiatedBy.App.DisplayName
	}
	if len(rec.TargetResources) > 0 {
		ev.TargetID = rec.TargetResources[0].ID
		ev.TargetName = rec.TargetResources[0].DisplayName
		ev.PlatformMetadata["targetType"] = rec.TargetResources[0].Type
	}
	return ev
}

// RefreshCredentials exchanges the refresh token through the standard flow.
func (m *MicrosoftConnector) RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	return m.flows.RefreshToken(ctx, cred)
}
