package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const (
	slackAPIURL      = "https://slack.com/api/"
	slackAuditAPIURL = "https://api.slack.com/audit/v1"

	// slackDiscoveryLookback bounds the audit window scanned when no cursor
	// narrows it. Installations older than this show up once their app emits
	// any later audit action.
	slackDiscoveryLookback = 90 * 24 * time.Hour

	slackAuditPageSize = 200
)

// slackDiscoveryActions are the audit actions that evidence an automation
// being added or changed in the workspace.
var slackDiscoveryActions = []string{"app_installed", "app_approved", "workflow_published", "bot_token_upgraded"}

// SlackConnector reaches the Slack Web API for identity and the Enterprise
// Grid Audit Logs API for discovery and the event stream. Slack tokens have
// no refresh grant; expiry there is terminal.
type SlackConnector struct {
	caller *Caller

	// Overridable in tests.
	APIURL      string
	AuditAPIURL string
	HTTPClient  *http.Client
}

// NewSlackConnector builds the Slack adapter on the shared caller.
func NewSlackConnector(caller *Caller) *SlackConnector {
	return &SlackConnector{
		caller:      caller,
		APIURL:      slackAPIURL,
		AuditAPIURL: slackAuditAPIURL,
	}
}

func (s *SlackConnector) Platform() core.Platform { return core.PlatformSlack }

func (s *SlackConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream
}

func (s *SlackConnector) api(cred *core.Credential) *slack.Client {
	opts := []slack.Option{slack.OptionAPIURL(s.APIURL)}
	if s.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(s.HTTPClient))
	}
	return slack.New(cred.AccessToken, opts...)
}

// Authenticate resolves the workspace behind the token via auth.test and
// team.info.
func (s *SlackConnector) Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error) {
	var handle *Handle
	err := s.caller.Breakers().Call(ctx, core.PlatformSlack, func(ctx context.Context) error {
		api := s.api(cred)
		auth, err := api.AuthTestContext(ctx)
		if err != nil {
			return mapSlackError(err)
		}
		handle = &Handle{
			Platform:    core.PlatformSlack,
			WorkspaceID: auth.TeamID,
			DisplayName: auth.Team,
			Scopes:      cred.Scopes,
		}
		if team, err := api.GetTeamInfoContext(ctx); err == nil && team.Name != "" {
			handle.DisplayName = team.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// ValidateCredentials checks the token and probes audit access with a
// single-entry read. A workspace token without auditlogs:read is usable for
// identity but not for discovery, which callers surface as a warning.
func (s *SlackConnector) ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error) {
	if _, err := s.Authenticate(ctx, cred); err != nil {
		if fe, ok := faults.As(err); ok && (fe.Code == "CREDENTIALS_EXPIRED" || fe.Code == "AUTH_PERMANENT_FAILURE") {
			return &core.ValidationResult{Valid: false}, nil
		}
		return nil, err
	}

	probe := url.Values{"limit": {"1"}}
	_, err := s.caller.DoJSON(ctx, core.PlatformSlack, &Request{
		Method:      http.MethodGet,
		URL:         s.AuditAPIURL + "/logs",
		Query:       probe,
		BearerToken: cred.AccessToken,
		Operation:   "validate",
	}, nil)
	if err != nil {
		if fe, ok := faults.As(err); ok && fe.Code == "MISSING_PERMISSIONS" {
			return &core.ValidationResult{Valid: true, MissingPermissions: []string{"auditlogs:read"}}, nil
		}
		return nil, err
	}
	return &core.ValidationResult{Valid: true}, nil
}

// DiscoverAutomations reads installation-shaped audit actions and folds them
// into one raw automation per app, workflow or bot entity.
func (s *SlackConnector) DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error) {
	// The audit API filters one action per request; fan out and merge, and
	// carry per-action cursors in our own composite cursor.
	cursors, err := decodeSlackCursor(cursor)
	if err != nil {
		return nil, err
	}

	oldest := time.Now().Add(-slackDiscoveryLookback).Unix()
	byExternalID := make(map[string]*core.RawAutomation)
	next := make(map[string]string)

	for _, action := range slackDiscoveryActions {
		if cursor != "" && cursors[action] == "" {
			// This action's stream was exhausted on an earlier page.
			continue
		}
		entries, nextCursor, err := s.fetchAuditPage(ctx, cred, url.Values{
			"action": {action},
			"oldest": {strconv.FormatInt(oldest, 10)},
			"limit":  {strconv.Itoa(slackAuditPageSize)},
		}, cursors[action])
		if err != nil {
			return nil, err
		}
		for i := range entries {
			raw := slackEntryToAutomation(&entries[i])
			if raw == nil {
				continue
			}
			if seen, ok := byExternalID[raw.ExternalID]; !ok || raw.ObservedAt.After(seen.ObservedAt) {
				byExternalID[raw.ExternalID] = raw
			}
		}
		if nextCursor != "" {
			next[action] = nextCursor
		}
	}

	items := make([]core.RawAutomation, 0, len(byExternalID))
	for _, raw := range byExternalID {
		items = append(items, *raw)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ExternalID < items[j].ExternalID })

	return &core.AutomationPage{Items: items, NextCursor: encodeSlackCursor(next)}, nil
}

// GetAuditLogs streams normalized audit events within the query window.
func (s *SlackConnector) GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	params := url.Values{}
	if !q.Since.IsZero() {
		params.Set("oldest", strconv.FormatInt(q.Since.Unix(), 10))
	}
	if !q.Until.IsZero() {
		params.Set("latest", strconv.FormatInt(q.Until.Unix(), 10))
	}
	limit := q.Limit
	if limit <= 0 || limit > slackAuditPageSize {
		limit = slackAuditPageSize
	}
	params.Set("limit", strconv.Itoa(limit))

	entries, nextCursor, err := s.fetchAuditPage(ctx, cred, params, q.Cursor)
	if err != nil {
		return nil, err
	}

	events := make([]core.NormalizedAuditEvent, 0, len(entries))
	for i := range entries {
		events = append(events, *slackEntryToEvent(&entries[i]))
	}
	return &core.AuditPage{Events: events, NextCursor: nextCursor}, nil
}

// RefreshCredentials always fails: Slack issues non-expiring tokens with no
// refresh grant, so a dead token means reconnecting the workspace.
func (s *SlackConnector) RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	return nil, faults.PermanentAuth("slack", errors.New("slack tokens have no refresh grant"))
}

// ----------------------------------------------------------------------------
// Audit Logs API plumbing
// ----------------------------------------------------------------------------

type slackAuditEntry struct {
	ID         string `json:"id"`
	DateCreate int64  `json:"date_create"`
	Action     string `json:"action"`
	Actor      struct {
		Type string `json:"type"`
		User struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"user"`
	} `json:"actor"`
	Entity struct {
		Type string `json:"type"`
		App  struct {
			ID            string   `json:"id"`
			Name          string   `json:"name"`
			IsDistributed bool     `json:"is_distributed"`
			Scopes        []string `json:"scopes"`
		} `json:"app"`
		Workflow struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"workflow"`
		Bot struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"bot"`
	} `json:"entity"`
	Context struct {
		UA        string `json:"ua"`
		IPAddress string `json:"ip_address"`
		Location  struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Domain string `json:"domain"`
		} `json:"location"`
	} `json:"context"`
}

type slackAuditResponse struct {
	Entries          []slackAuditEntry `json:"entries"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (s *SlackConnector) fetchAuditPage(ctx context.Context, cred *core.Credential, params url.Values, cursor string) ([]slackAuditEntry, string, error) {
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var payload slackAuditResponse
	_, err := s.caller.DoJSON(ctx, core.PlatformSlack, &Request{
		Method:      http.MethodGet,
		URL:         s.AuditAPIURL + "/logs",
		Query:       params,
		BearerToken: cred.AccessToken,
		Operation:   "audit",
	}, &payload)
	if err != nil {
		return nil, "", err
	}
	return payload.Entries, payload.ResponseMetadata.NextCursor, nil
}

func slackEntryToAutomation(e *slackAuditEntry) *core.RawAutomation {
	raw := &core.RawAutomation{
		Platform:   core.PlatformSlack,
		OwnerEmail: e.Actor.User.Email,
		Source:     "audit_logs",
		ObservedAt: time.Unix(e.DateCreate, 0).UTC(),
		UserAgent:  e.Context.UA,
	}
	switch {
	case e.Entity.App.ID != "":
		raw.ExternalID = e.Entity.App.ID
		raw.Name = e.Entity.App.Name
		raw.Kind = core.AutomationApp
		raw.Scopes = e.Entity.App.Scopes
		raw.PlatformMetadata = map[string]interface{}{
			"isDistributed": e.Entity.App.IsDistributed,
			"location":      e.Context.Location.Name,
		}
	case e.Entity.Workflow.ID != "":
		raw.ExternalID = e.Entity.Workflow.ID
		raw.Name = e.Entity.Workflow.Name
		raw.Kind = core.AutomationWorkflow
	case e.Entity.Bot.ID != "":
		raw.ExternalID = e.Entity.Bot.ID
		raw.Name = e.Entity.Bot.Name
		raw.Kind = core.AutomationBot
	default:
		return nil
	}
	return raw
}

func slackEntryToEvent(e *slackAuditEntry) *core.NormalizedAuditEvent {
	ev := &core.NormalizedAuditEvent{
		ID:         e.ID,
		Platform:   core.PlatformSlack,
		Action:     e.Action,
		ActorID:    e.Actor.User.ID,
		ActorEmail: e.Actor.User.Email,
		IPAddress:  e.Context.IPAddress,
		UserAgent:  e.Context.UA,
		OccurredAt: time.Unix(e.DateCreate, 0).UTC(),
	}
	switch {
	case e.Entity.App.ID != "":
		ev.TargetID, ev.TargetName = e.Entity.App.ID, e.Entity.App.Name
	case e.Entity.Workflow.ID != "":
		ev.TargetID, ev.TargetName = e.Entity.Workflow.ID, e.Entity.Workflow.Name
	case e.Entity.Bot.ID != "":
		ev.TargetID, ev.TargetName = e.Entity.Bot.ID, e.Entity.Bot.Name
	}
	return ev
}

// decodeSlackCursor unpacks the composite "action=cursor;action=cursor" form.
func decodeSlackCursor(cursor string) (map[string]string, error) {
	out := make(map[string]string)
	if cursor == "" {
		return out, nil
	}
	for _, part := range strings.Split(cursor, ";") {
		action, c, ok := strings.Cut(part, "=")
		if !ok || action == "" {
			return nil, faults.Invariant(fmt.Sprintf("malformed slack discovery cursor %q", cursor))
		}
		out[action] = c
	}
	return out, nil
}

func encodeSlackCursor(cursors map[string]string) string {
	if len(cursors) == 0 {
		return ""
	}
	actions := make([]string, 0, len(cursors))
	for a := range cursors {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, a+"="+cursors[a])
	}
	return strings.Join(parts, ";")
}

// mapSlackError converts slack-go client errors onto the fault taxonomy.
// The Web API reports auth problems as error strings, not status codes.
func mapSlackError(err error) error {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return faults.RateLimited("slack", time.Now().Add(rle.RetryAfter))
	}
	var sce slack.StatusCodeError
	if errors.As(err, &sce) {
		if sce.Code >= 500 {
			return faults.TransientPlatform("slack", err)
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "token_revoked"), strings.Contains(msg, "token_expired"), strings.Contains(msg, "invalid_auth"):
		return faults.ExpiredCredentials("slack").WithCause(err)
	case strings.Contains(msg, "account_inactive"), strings.Contains(msg, "not_authed"):
		return faults.PermanentAuth("slack", err)
	case strings.Contains(msg, "missing_scope"):
		return faults.MissingPermissions("slack", nil).WithCause(err)
	default:
		return faults.TransientPlatform("slack", err)
	}
}
