package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const (
	chatgptComplianceURL = "https://api.chatgpt.com/v1"
	chatgptPlatformURL   = "https://api.openai.com/v1"
	chatgptPageSize      = 100
)

// ChatGPTConnector inventories an enterprise workspace through the OpenAI
// Compliance API and reads the organization audit log. Both surfaces use a
// long-lived admin API key, so there is nothing to refresh; a dead key means
// reconnecting.
type ChatGPTConnector struct {
	caller *Caller

	// Overridable in tests.
	ComplianceBaseURL string
	PlatformBaseURL   string
}

// NewChatGPTConnector builds the ChatGPT adapter.
func NewChatGPTConnector(caller *Caller) *ChatGPTConnector {
	return &ChatGPTConnector{
		caller:            caller,
		ComplianceBaseURL: chatgptComplianceURL,
		PlatformBaseURL:   chatgptPlatformURL,
	}
}

func (c *ChatGPTConnector) Platform() core.Platform { return core.PlatformChatGPT }

func (c *ChatGPTConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream
}

func (c *ChatGPTConnector) workspaceID(cred *core.Credential) (string, error) {
	if cred.PlatformData.ChatGPT == nil || cred.PlatformData.ChatGPT.WorkspaceID == "" {
		return "", faults.Invariant("chatgpt connection is missing its workspace id")
	}
	return cred.PlatformData.ChatGPT.WorkspaceID, nil
}

// openaiList is the standard list envelope shared by both API surfaces.
type openaiList struct {
	Object  string `json:"object"`
	LastID  string `json:"last_id"`
	HasMore bool   `json:"has_more"`
}

// Authenticate verifies the key can read the workspace member list.
func (c *ChatGPTConnector) Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error) {
	ws, err := c.workspaceID(cred)
	if err != nil {
		return nil, err
	}
	_, err = c.caller.DoJSON(ctx, core.PlatformChatGPT, &Request{
		Method:      http.MethodGet,
		URL:         fmt.Sprintf("%s/compliance/workspaces/%s/users", c.ComplianceBaseURL, ws),
		Query:       url.Values{"limit": {"1"}},
		BearerToken: cred.AccessToken,
		Operation:   "authenticate",
	}, nil)
	if err != nil {
		return nil, err
	}
	return &Handle{Platform: core.PlatformChatGPT, WorkspaceID: ws}, nil
}

// ValidateCredentials probes both API surfaces the connector depends on.
func (c *ChatGPTConnector) ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error) {
	result := &core.ValidationResult{Valid: true}

	if _, err := c.Authenticate(ctx, cred); err != nil {
		fe, ok := faults.As(err)
		switch {
		case ok && (fe.Code == "CREDENTIALS_EXPIRED" || fe.Code == "AUTH_PERMANENT_FAILURE"):
			result.Valid = false
			return result, nil
		case ok && fe.Code == "MISSING_PERMISSIONS":
			result.MissingPermissions = append(result.MissingPermissions, "compliance:read")
		default:
			return nil, err
		}
	}

	_, err := c.caller.DoJSON(ctx, core.PlatformChatGPT, &Request{
		Method:      http.MethodGet,
		URL:         c.PlatformBaseURL + "/organization/audit_logs",
		Query:       url.Values{"limit": {"1"}},
		BearerToken: cred.AccessToken,
		Operation:   "validate",
	}, nil)
	if err != nil {
		if fe, ok := faults.As(err); ok && fe.Code == "MISSING_PERMISSIONS" {
			result.MissingPermissions = append(result.MissingPermissions, "audit_logs:read")
			return result, nil
		}
		return nil, err
	}
	return result, nil
}

// ----------------------------------------------------------------------------
// Discovery
// ----------------------------------------------------------------------------

type chatgptGPT struct {
	ID          string `json:"id"`
	GPTID       string `json:"gpt_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	Author      struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	} `json:"author"`
	Tools []struct {
		Type string `json:"type"`
	} `json:"tools"`
	Actions []struct {
		Domain string `json:"domain"`
	} `json:"actions"`
}

// DiscoverAutomations lists the custom GPTs built in the workspace. Each one
// is an AI automation by construction; GPTs with actions also carry the
// external domains they call out to.
func (c *ChatGPTConnector) DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error) {
	ws, err := c.workspaceID(cred)
	if err != nil {
		return nil, err
	}

	params := url.Values{"limit": {strconv.Itoa(chatgptPageSize)}}
	if cursor != "" {
		params.Set("after", cursor)
	}
	var payload struct {
		openaiList
		Data []chatgptGPT `json:"data"`
	}
	_, err = c.caller.DoJSON(ctx, core.PlatformChatGPT, &Request{
		Method:      http.MethodGet,
		URL:         fmt.Sprintf("%s/compliance/workspaces/%s/gpts", c.ComplianceBaseURL, ws),
		Query:       params,
		BearerToken: cred.AccessToken,
		Operation:   "discover",
	}, &payload)
	if err != nil {
		return nil, err
	}

	items := make([]core.RawAutomation, 0, len(payload.Data))
	for _, g := range payload.Data {
		externalID := g.GPTID
		if externalID == "" {
			externalID = g.ID
		}
		tools := make([]string, 0, len(g.Tools))
		for _, t := range g.Tools {
			tools = append(tools, t.Type)
		}
		domains := make([]string, 0, len(g.Actions))
		for _, a := range g.Actions {
			domains = append(domains, a.Domain)
		}
		observed := time.Unix(g.UpdatedAt, 0).UTC()
		if g.UpdatedAt == 0 {
			observed = time.Unix(g.CreatedAt, 0).UTC()
		}
		items = append(items, core.RawAutomation{
			ExternalID:  externalID,
			Platform:    core.PlatformChatGPT,
			Kind:        core.AutomationBot,
			Name:        g.Name,
			Description: g.Description,
			OwnerEmail:  g.Author.Email,
			Source:      "compliance_api",
			ObservedAt:  observed,
			PlatformMetadata: map[string]interface{}{
				"tools":         tools,
				"actionDomains": domains,
				"authorUserId":  g.Author.UserID,
			},
		})
	}

	next := ""
	if payload.HasMore {
		next = payload.LastID
	}
	return &core.AutomationPage{Items: items, NextCursor: next}, nil
}

// ----------------------------------------------------------------------------
// Audit stream
// ----------------------------------------------------------------------------

type chatgptAuditEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	EffectiveAt int64  `json:"effective_at"`
	Actor       struct {
		Type    string `json:"type"`
		Session *struct {
			User struct {
				ID    string `json:"id"`
				Email string `json:"email"`
			} `json:"user"`
			IPAddress string `json:"ip_address"`
			UserAgent string `json:"user_agent"`
		} `json:"session"`
		APIKey *struct {
			ID string `json:"id"`
		} `json:"api_key"`
	} `json:"actor"`
	Project *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
}

// GetAuditLogs pages the organization audit log newest-first, the order the
// platform serves it in.
func (c *ChatGPTConnector) GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	params := url.Values{}
	limit := q.Limit
	if limit <= 0 || limit > chatgptPageSize {
		limit = chatgptPageSize
	}
	params.Set("limit", strconv.Itoa(limit))
	if !q.Since.IsZero() {
		params.Set("effective_at[gte]", strconv.FormatInt(q.Since.Unix(), 10))
	}
	if !q.Until.IsZero() {
		params.Set("effective_at[lte]", strconv.FormatInt(q.Until.Unix(), 10))
	}
	if q.Cursor != "" {
		params.Set("after", q.Cursor)
	}

	var payload struct {
		openaiList
		Data []chatgptAuditEvent `json:"data"`
	}
	_, err := c.caller.DoJSON(ctx, core.PlatformChatGPT, &Request{
		Method:      http.MethodGet,
		URL:         c.PlatformBaseURL + "/organization/audit_logs",
		Query:       params,
		BearerToken: cred.AccessToken,
		Operation:   "audit",
	}, &payload)
	if err != nil {
		return nil, err
	}

	events := make([]core.NormalizedAuditEvent, 0, len(payload.Data))
	for _, e := range payload.Data {
		ev := core.NormalizedAuditEvent{
			ID:         e.ID,
			Platform:   core.PlatformChatGPT,
			Action:     e.Type,
			OccurredAt: time.Unix(e.EffectiveAt, 0).UTC(),
			PlatformMetadata: map[string]interface{}{
				"actorType": e.Actor.Type,
			},
		}
		if s := e.Actor.Session; s != nil {
			ev.ActorID = s.User.ID
			ev.ActorEmail = s.User.Email
			ev.IPAddress = s.IPAddress
			ev.UserAgent = s.UserAgent
		} else if e.Actor.APIKey != nil {
			ev.ActorID = e.Actor.APIKey.ID
		}
		if e.Project != nil {
			ev.TargetID = e.Project.ID
			ev.TargetName = e.Project.Name
		}
		events = append(events, ev)
	}

	next := ""
	if payload.HasMore {
		next = payload.LastID
	}
	return &core.AuditPage{Events: events, NextCursor: next}, nil
}

// RefreshCredentials always fails: admin API keys are static.
func (c *ChatGPTConnector) RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	return nil, faults.PermanentAuth("chatgpt", errors.New("api keys have no refresh flow"))
}
