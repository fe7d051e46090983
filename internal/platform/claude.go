package platform

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const (
	claudeAPIURL       = "https://api.anthropic.com/v1"
	claudeAPIVersion   = "2023-06-01"
	claudePageSize     = 100
	claudeAuditMaxDays = 180

	defaultExportPollBudget   = 60 * time.Second
	defaultExportPollInterval = 2 * time.Second
)

// ExportArchiver retains a raw export bundle. Implementations must never
// make the caller fail: archive errors are logged and discovery continues.
type ExportArchiver interface {
	Archive(ctx context.Context, organizationID, connectionID, exportID string, body io.Reader) error
}

// ClaudeConnector covers Claude Enterprise. The platform serves no live audit
// query; audit data arrives through request-export, poll-until-ready,
// download-and-parse. GetAuditLogs hides that machinery so callers see the
// same page-at-a-time stream every other platform provides.
type ClaudeConnector struct {
	caller *Caller

	// BaseURL is overridable in tests.
	BaseURL string

	// PollBudget bounds one GetAuditLogs call's wait for an export;
	// PollInterval spaces the status checks. Tests shrink both.
	PollBudget   time.Duration
	PollInterval time.Duration

	// Archiver, when set, receives each completed bundle once.
	Archiver ExportArchiver
}

// NewClaudeConnector builds the Claude adapter.
func NewClaudeConnector(caller *Caller) *ClaudeConnector {
	return &ClaudeConnector{
		caller:       caller,
		BaseURL:      claudeAPIURL,
		PollBudget:   defaultExportPollBudget,
		PollInterval: defaultExportPollInterval,
	}
}

func (c *ClaudeConnector) Platform() core.Platform { return core.PlatformClaude }

func (c *ClaudeConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream | core.CapExport
}

func (c *ClaudeConnector) headers(cred *core.Credential) http.Header {
	h := http.Header{}
	h.Set("x-api-key", cred.AccessToken)
	h.Set("anthropic-version", claudeAPIVersion)
	return h
}

func (c *ClaudeConnector) orgUUID(ctx context.Context, cred *core.Credential) (string, error) {
	if cred.PlatformData.Claude != nil && cred.PlatformData.Claude.OrganizationUUID != "" {
		return cred.PlatformData.Claude.OrganizationUUID, nil
	}
	var payload struct {
		ID string `json:"id"`
	}
	_, err := c.caller.DoJSON(ctx, core.PlatformClaude, &Request{
		Method:    http.MethodGet,
		URL:       c.BaseURL + "/organizations/me",
		Header:    c.headers(cred),
		Operation: "authenticate",
	}, &payload)
	if err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", faults.PermanentAuth("claude", fmt.Errorf("admin key resolves to no organization"))
	}
	return payload.ID, nil
}

// Authenticate resolves the organization behind the admin key.
func (c *ClaudeConnector) Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error) {
	var payload struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	_, err := c.caller.DoJSON(ctx, core.PlatformClaude, &Request{
		Method:    http.MethodGet,
		URL:       c.BaseURL + "/organizations/me",
		Header:    c.headers(cred),
		Operation: "authenticate",
	}, &payload)
	if err != nil {
		return nil, err
	}
	return &Handle{Platform: core.PlatformClaude, WorkspaceID: payload.ID, DisplayName: payload.Name}, nil
}

// ValidateCredentials confirms the key still resolves an organization.
func (c *ClaudeConnector) ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error) {
	if _, err := c.Authenticate(ctx, cred); err != nil {
		fe, ok := faults.As(err)
		switch {
		case ok && (fe.Code == "CREDENTIALS_EXPIRED" || fe.Code == "AUTH_PERMANENT_FAILURE"):
			return &core.ValidationResult{Valid: false}, nil
		case ok && fe.Code == "MISSING_PERMISSIONS":
			return &core.ValidationResult{Valid: true, MissingPermissions: []string{"admin"}}, nil
		default:
			return nil, err
		}
	}
	return &core.ValidationResult{Valid: true}, nil
}

// ----------------------------------------------------------------------------
// Discovery
// ----------------------------------------------------------------------------

type claudeAPIKey struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	WorkspaceID    string `json:"workspace_id"`
	Status         string `json:"status"`
	PartialKeyHint string `json:"partial_key_hint"`
	CreatedAt      string `json:"created_at"`
	CreatedBy      struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"created_by"`
}

// DiscoverAutomations lists organization API keys. Every key is programmatic
// Claude access wired into something, which is precisely the exposure a
// tenant wants inventoried.
func (c *ClaudeConnector) DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error) {
	params := url.Values{"limit": {strconv.Itoa(claudePageSize)}}
	if cursor != "" {
		params.Set("after_id", cursor)
	}
	var payload struct {
		Data    []claudeAPIKey `json:"data"`
		HasMore bool           `json:"has_more"`
		LastID  string         `json:"last_id"`
	}
	_, err := c.caller.DoJSON(ctx, core.PlatformClaude, &Request{
		Method:    http.MethodGet,
		URL:       c.BaseURL + "/organizations/api_keys",
		Query:     params,
		Header:    c.headers(cred),
		Operation: "discover",
	}, &payload)
	if err != nil {
		return nil, err
	}

	items := make([]core.RawAutomation, 0, len(payload.Data))
	for _, k := range payload.Data {
		observed := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, k.CreatedAt); err == nil {
			observed = t.UTC()
		}
		items = append(items, core.RawAutomation{
			ExternalID: k.ID,
			Platform:   core.PlatformClaude,
			Kind:       core.AutomationIntegration,
			Name:       k.Name,
			Source:     "api_keys",
			ObservedAt: observed,
			PlatformMetadata: map[string]interface{}{
				"workspaceId":    k.WorkspaceID,
				"status":         k.Status,
				"partialKeyHint": k.PartialKeyHint,
				"createdById":    k.CreatedBy.ID,
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
// Export machinery
// ----------------------------------------------------------------------------

// RequestExport starts an audit export. Ranges beyond the platform's 180-day
// maximum are rejected here, before any network traffic.
func (c *ClaudeConnector) RequestExport(ctx context.Context, cred *core.Credential, r core.ExportRange) (*core.ExportHandle, error) {
	if err := validateExportRange(r); err != nil {
		return nil, err
	}
	org, err := c.orgUUID(ctx, cred)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	_, err = c.caller.DoJSON(ctx, core.PlatformClaude, &Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/organizations/%s/audit_logs/export", c.BaseURL, org),
		Header: c.headers(cred),
		Body: map[string]string{
			"start_time": r.Start.UTC().Format(time.RFC3339),
			"end_time":   r.End.UTC().Format(time.RFC3339),
		},
		Operation: "export_request",
	}, &payload)
	if err != nil {
		return nil, err
	}
	return &core.ExportHandle{
		ExportID:    payload.ID,
		Platform:    core.PlatformClaude,
		Range:       r,
		Status:      claudeExportStatus(payload.Status),
		RequestedAt: time.Now().UTC(),
	}, nil
}

// PollExport refreshes the export's status.
func (c *ClaudeConnector) PollExport(ctx context.Context, cred *core.Credential, handle *core.ExportHandle) (*core.ExportHandle, error) {
	org, err := c.orgUUID(ctx, cred)
	if err != nil {
		return nil, err
	}
	var payload struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		DownloadURL string `json:"download_url"`
	}
	_, err = c.caller.DoJSON(ctx, core.PlatformClaude, &Request{
		Method:    http.MethodGet,
		URL:       fmt.Sprintf("%s/organizations/%s/audit_logs/export/%s", c.BaseURL, org, handle.ExportID),
		Header:    c.headers(cred),
		Operation: "export_poll",
	}, &payload)
	if err != nil {
		return nil, err
	}

	next := *handle
	next.Status = claudeExportStatus(payload.Status)
	next.DownloadURL = payload.DownloadURL
	return &next, nil
}

// DownloadExport streams the completed export bundle. Download URLs are
// pre-signed, so no credential headers accompany the fetch.
func (c *ClaudeConnector) DownloadExport(ctx context.Context, cred *core.Credential, handle *core.ExportHandle) (io.ReadCloser, error) {
	if handle.Status != core.ExportCompleted || handle.DownloadURL == "" {
		return nil, faults.Invariant(fmt.Sprintf("export %s is not ready for download", handle.ExportID))
	}
	return c.caller.DoStream(ctx, core.PlatformClaude, &Request{
		Method:    http.MethodGet,
		URL:       handle.DownloadURL,
		Operation: "export_download",
	})
}

func claudeExportStatus(s string) core.ExportStatus {
	switch s {
	case "pending":
		return core.ExportPending
	case "processing", "in_progress":
		return core.ExportProcessing
	case "completed":
		return core.ExportCompleted
	default:
		return core.ExportFailed
	}
}

func validateExportRange(r core.ExportRange) error {
	if r.Start.IsZero() || r.End.IsZero() || !r.End.After(r.Start) {
		return faults.Validation([]faults.FieldError{{
			Field:   "range",
			Message: "export range must have start before end",
		}})
	}
	if r.Days() > claudeAuditMaxDays {
		return faults.Validation([]faults.FieldError{{
			Field:   "range",
			Message: fmt.Sprintf("export range exceeds the %d-day platform maximum", claudeAuditMaxDays),
		}})
	}
	return nil
}

// ----------------------------------------------------------------------------
// Audit stream over exports
// ----------------------------------------------------------------------------

// claudeAuditLine is one JSONL record in an export bundle.
type claudeAuditLine struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Actor  struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"actor"`
	Target struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"target"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	CreatedAt string `json:"created_at"`
}

// GetAuditLogs satisfies the standard audit stream over the export flow.
// The first page requests an export and waits for it within the poll budget;
// later pages re-resolve the finished export and resume at the line offset
// carried in the cursor.
func (c *ClaudeConnector) GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	limit := q.Limit
	if limit <= 0 || limit > claudePageSize {
		limit = claudePageSize
	}

	var (
		handle *core.ExportHandle
		offset int
		err    error
	)
	firstPage := q.Cursor == ""
	if firstPage {
		r := exportRangeFromQuery(q)
		handle, err = c.RequestExport(ctx, cred, r)
		if err != nil {
			return nil, err
		}
		handle, err = c.awaitExport(ctx, cred, handle)
	} else {
		exportID, parsedOffset, cursorErr := parseClaudeCursor(q.Cursor)
		if cursorErr != nil {
			return nil, cursorErr
		}
		offset = parsedOffset
		handle, err = c.awaitExport(ctx, cred, &core.ExportHandle{
			ExportID: exportID,
			Platform: core.PlatformClaude,
			Status:   core.ExportPending,
		})
	}
	if err != nil {
		return nil, err
	}

	if firstPage && c.Archiver != nil {
		c.archiveBundle(ctx, cred, handle)
	}

	stream, err := c.DownloadExport(ctx, cred, handle)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	events, consumed, more, err := parseClaudeExport(stream, offset, limit)
	if err != nil {
		return nil, err
	}

	next := ""
	if more {
		next = fmt.Sprintf("%s:%d", handle.ExportID, offset+consumed)
	}
	return &core.AuditPage{Events: events, NextCursor: next}, nil
}

// archiveBundle retains the raw bundle. Warn-only: discovery never fails
// because the archive does.
func (c *ClaudeConnector) archiveBundle(ctx context.Context, cred *core.Credential, handle *core.ExportHandle) {
	stream, err := c.DownloadExport(ctx, cred, handle)
	if err != nil {
		c.caller.logger.Printf("archive download %s skipped: %v", handle.ExportID, err)
		return
	}
	defer stream.Close()
	if err := c.Archiver.Archive(ctx, cred.OrganizationID, cred.ConnectionID, handle.ExportID, stream); err != nil {
		c.caller.logger.Printf("archive of export %s failed: %v", handle.ExportID, err)
	}
}

// awaitExport polls until the export completes or the budget runs out. A
// budget overrun is retryable: the job layer reschedules and the cursor later
// finds the export already finished.
func (c *ClaudeConnector) awaitExport(ctx context.Context, cred *core.Credential, handle *core.ExportHandle) (*core.ExportHandle, error) {
	deadline := time.Now().Add(c.PollBudget)
	for {
		polled, err := c.PollExport(ctx, cred, handle)
		if err != nil {
			return nil, err
		}
		switch polled.Status {
		case core.ExportCompleted:
			return polled, nil
		case core.ExportFailed:
			return nil, faults.TransientPlatform("claude", fmt.Errorf("export %s failed on the platform", handle.ExportID))
		}
		if time.Now().After(deadline) {
			return nil, faults.TransientPlatform("claude", fmt.Errorf("export %s not ready within poll budget", handle.ExportID))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

// parseClaudeExport reads JSONL, skipping offset lines, returning up to limit
// events, the number of lines consumed past the offset, and whether more
// lines remain. Malformed lines are skipped but still count as consumed, so
// the resume cursor never re-delivers a line a caller already paged over; an
// export bundle is platform output, not caller input.
func parseClaudeExport(stream io.Reader, offset, limit int) ([]core.NormalizedAuditEvent, int, bool, error) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	events := make([]core.NormalizedAuditEvent, 0, limit)
	line := 0
	consumed := 0
	more := false
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if line < offset {
			line++
			continue
		}
		if len(events) >= limit {
			more = true
			break
		}
		line++
		consumed++

		var rec claudeAuditLine
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			continue
		}
		ev := core.NormalizedAuditEvent{
			ID:         rec.ID,
			Platform:   core.PlatformClaude,
			Action:     rec.Action,
			ActorID:    rec.Actor.ID,
			ActorEmail: rec.Actor.EmailAddress,
			TargetID:   rec.Target.ID,
			TargetName: rec.Target.Name,
			IPAddress:  rec.IPAddress,
			UserAgent:  rec.UserAgent,
			PlatformMetadata: map[string]interface{}{
				"targetType": rec.Target.Type,
			},
		}
		if t, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
			ev.OccurredAt = t.UTC()
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, false, faults.TransientPlatform("claude", err)
	}
	return events, consumed, more, nil
}

func exportRangeFromQuery(q core.AuditQuery) core.ExportRange {
	end := q.Until
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := q.Since
	if start.IsZero() {
		start = end.Add(-30 * 24 * time.Hour)
	}
	return core.ExportRange{Start: start, End: end}
}

func parseClaudeCursor(cursor string) (string, int, error) {
	id, offsetText, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return "", 0, faults.Invariant(fmt.Sprintf("malformed claude audit cursor %q", cursor))
	}
	offset, err := strconv.Atoi(offsetText)
	if err != nil || offset < 0 {
		return "", 0, faults.Invariant(fmt.Sprintf("malformed claude audit cursor %q", cursor))
	}
	return id, offset, nil
}

// RefreshCredentials always fails: admin keys are static.
func (c *ClaudeConnector) RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	return nil, faults.PermanentAuth("claude", errors.New("admin api keys have no refresh flow"))
}
