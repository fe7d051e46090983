package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const (
	googleUserPageSize = 100

	// googleCustomerAlias lets the delegated admin query their own customer
	// without knowing the customer id up front.
	googleCustomerAlias = "my_customer"
)

// GoogleConnector discovers OAuth grants through the Admin SDK Directory
// tokens API and reads the admin reports activity stream. This is the richest
// discovery surface of all platforms: every third-party grant in the
// workspace is visible per user, with client ids and scopes.
type GoogleConnector struct {
	caller *Caller
	flows  *Flows

	// Overridable in tests. When HTTPClient is set, services are built
	// without authentication against the override endpoints.
	DirectoryEndpoint string
	ReportsEndpoint   string
	HTTPClient        *http.Client
}

// NewGoogleConnector builds the Google Workspace adapter.
func NewGoogleConnector(caller *Caller, flows *Flows) *GoogleConnector {
	return &GoogleConnector{caller: caller, flows: flows}
}

func (g *GoogleConnector) Platform() core.Platform { return core.PlatformGoogle }

func (g *GoogleConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream
}

func (g *GoogleConnector) clientOptions(cred *core.Credential, endpoint string) []option.ClientOption {
	if g.HTTPClient != nil {
		opts := []option.ClientOption{option.WithHTTPClient(g.HTTPClient)}
		if endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		return opts
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithTokenSource(src)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

func (g *GoogleConnector) directory(ctx context.Context, cred *core.Credential) (*admin.Service, error) {
	svc, err := admin.NewService(ctx, g.clientOptions(cred, g.DirectoryEndpoint)...)
	if err != nil {
		return nil, faults.Internal(err)
	}
	return svc, nil
}

func (g *GoogleConnector) reports(ctx context.Context, cred *core.Credential) (*reports.Service, error) {
	svc, err := reports.NewService(ctx, g.clientOptions(cred, g.ReportsEndpoint)...)
	if err != nil {
		return nil, faults.Internal(err)
	}
	return svc, nil
}

// Authenticate proves directory access and resolves the customer id.
func (g *GoogleConnector) Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error) {
	var handle *Handle
	err := g.caller.Breakers().Call(ctx, core.PlatformGoogle, func(ctx context.Context) error {
		svc, err := g.directory(ctx, cred)
		if err != nil {
			return err
		}
		users, err := svc.Users.List().Customer(googleCustomerAlias).MaxResults(1).Context(ctx).Do()
		if err != nil {
			return mapGoogleError(core.PlatformGoogle, err)
		}
		handle = &Handle{Platform: core.PlatformGoogle, Scopes: cred.Scopes}
		if len(users.Users) > 0 {
			u := users.Users[0]
			handle.WorkspaceID = u.CustomerId
			if at := strings.IndexByte(u.PrimaryEmail, '@'); at >= 0 {
				handle.DisplayName = u.PrimaryEmail[at+1:]
			}
		}
		if handle.WorkspaceID == "" && cred.PlatformData.Google != nil {
			handle.WorkspaceID = cred.PlatformData.Google.CustomerID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// ValidateCredentials probes the directory and reports scopes separately so
// a half-consented grant is reported with the scopes it is missing.
func (g *GoogleConnector) ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error) {
	result := &core.ValidationResult{Valid: true}
	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt
		result.ExpiresAt = &t
	}

	err := g.caller.Breakers().Call(ctx, core.PlatformGoogle, func(ctx context.Context) error {
		svc, err := g.directory(ctx, cred)
		if err != nil {
			return err
		}
		_, err = svc.Users.List().Customer(googleCustomerAlias).MaxResults(1).Context(ctx).Do()
		return mapGoogleError(core.PlatformGoogle, err)
	})
	if err != nil {
		fe, ok := faults.As(err)
		switch {
		case ok && fe.Code == "CREDENTIALS_EXPIRED":
			result.Valid = false
			return result, nil
		case ok && fe.Code == "MISSING_PERMISSIONS":
			result.MissingPermissions = append(result.MissingPermissions,
				"https://www.googleapis.com/auth/admin.directory.user.readonly")
		default:
			return nil, err
		}
	}

	err = g.caller.Breakers().Call(ctx, core.PlatformGoogle, func(ctx context.Context) error {
		svc, err := g.reports(ctx, cred)
		if err != nil {
			return err
		}
		_, err = svc.Activities.List("all", "token").MaxResults(1).Context(ctx).Do()
		return mapGoogleError(core.PlatformGoogle, err)
	})
	if err != nil {
		if fe, ok := faults.As(err); ok && fe.Code == "MISSING_PERMISSIONS" {
			result.MissingPermissions = append(result.MissingPermissions,
				"https://www.googleapis.com/auth/admin.reports.audit.readonly")
		} else {
			return nil, err
		}
	}
	return result, nil
}

// DiscoverAutomations walks every workspace user and lists the OAuth tokens
// each has granted. One page of users produces one automation page; the
// users pageToken is the cursor.
func (g *GoogleConnector) DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error) {
	var page *core.AutomationPage
	err := g.caller.Breakers().Call(ctx, core.PlatformGoogle, func(ctx context.Context) error {
		svc, err := g.directory(ctx, cred)
		if err != nil {
			return err
		}

		call := svc.Users.List().Customer(googleCustomerAlias).MaxResults(googleUserPageSize).Context(ctx)
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		users, err := call.Do()
		if err != nil {
			return mapGoogleError(core.PlatformGoogle, err)
		}

		observed := time.Now().UTC()
		items := make([]core.RawAutomation, 0, len(users.Users))
		for _, u := range users.Users {
			if u.Suspended {
				continue
			}
			tokens, err := svc.Tokens.List(u.PrimaryEmail).Context(ctx).Do()
			if err != nil {
				// A single user's token list failing on permissions should
				// not sink the page; anything else should.
				if fe, ok := faults.As(mapGoogleError(core.PlatformGoogle, err)); ok && fe.Code == "MISSING_PERMISSIONS" {
					continue
				}
				return mapGoogleError(core.PlatformGoogle, err)
			}
			for _, t := range tokens.Items {
				items = append(items, googleTokenToAutomation(u, t, observed))
			}
		}
		page = &core.AutomationPage{Items: items, NextCursor: users.NextPageToken}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetAuditLogs reads the admin reports token-activity stream, which records
// every OAuth authorize and revoke in the workspace.
func (g *GoogleConnector) GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	return g.activityPage(ctx, cred, "token", q)
}

// activityPage is shared with the Gemini adapter, which reads a different
// applicationName over the same transport.
func (g *GoogleConnector) activityPage(ctx context.Context, cred *core.Credential, applicationName string, q core.AuditQuery) (*core.AuditPage, error) {
	var page *core.AuditPage
	err := g.caller.Breakers().Call(ctx, core.PlatformGoogle, func(ctx context.Context) error {
		svc, err := g.reports(ctx, cred)
		if err != nil {
			return err
		}

		call := svc.Activities.List("all", applicationName).Context(ctx)
		if !q.Since.IsZero() {
			call = call.StartTime(q.Since.UTC().Format(time.RFC3339))
		}
		if !q.Until.IsZero() {
			call = call.EndTime(q.Until.UTC().Format(time.RFC3339))
		}
		if q.Limit > 0 {
			call = call.MaxResults(int64(q.Limit))
		}
		if q.Cursor != "" {
			call = call.PageToken(q.Cursor)
		}
		activities, err := call.Do()
		if err != nil {
			return mapGoogleError(core.PlatformGoogle, err)
		}

		events := make([]core.NormalizedAuditEvent, 0, len(activities.Items))
		for _, item := range activities.Items {
			events = append(events, googleActivityToEvents(g.Platform(), item)...)
		}
		page = &core.AuditPage{Events: events, NextCursor: activities.NextPageToken}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// RefreshCredentials exchanges the refresh token through the standard flow.
func (g *GoogleConnector) RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	return g.flows.RefreshToken(ctx, cred)
}

// ----------------------------------------------------------------------------
// Mapping
// ----------------------------------------------------------------------------

func googleTokenToAutomation(u *admin.User, t *admin.Token, observed time.Time) core.RawAutomation {
	return core.RawAutomation{
		// One grant per (client, user): the same third-party app granted by
		// two users is two exposures.
		ExternalID: t.ClientId + ":" + u.PrimaryEmail,
		Platform:   core.PlatformGoogle,
		Kind:       core.AutomationIntegration,
		Name:       t.DisplayText,
		OwnerEmail: u.PrimaryEmail,
		ClientID:   t.ClientId,
		Scopes:     t.Scopes,
		Source:     "tokens_api",
		ObservedAt: observed,
		PlatformMetadata: map[string]interface{}{
			"nativeApp": t.NativeApp,
			"anonymous": t.Anonymous,
			"userId":    u.Id,
		},
	}
}

// googleActivityToEvents flattens one activity into one event per sub-event.
// The reports API nests multiple named events under a single activity id.
func googleActivityToEvents(platform core.Platform, item *reports.Activity) []core.NormalizedAuditEvent {
	occurred := time.Time{}
	var id string
	if item.Id != nil {
		id = fmt.Sprintf("%s:%d", item.Id.ApplicationName, item.Id.UniqueQualifier)
		if t, err := time.Parse(time.RFC3339, item.Id.Time); err == nil {
			occurred = t.UTC()
		}
	}
	var actorEmail, actorID string
	if item.Actor != nil {
		actorEmail = item.Actor.Email
		actorID = item.Actor.ProfileId
	}

	out := make([]core.NormalizedAuditEvent, 0, len(item.Events))
	for i, ev := range item.Events {
		n := core.NormalizedAuditEvent{
			ID:         fmt.Sprintf("%s:%d", id, i),
			Platform:   platform,
			Action:     ev.Name,
			ActorID:    actorID,
			ActorEmail: actorEmail,
			IPAddress:  item.IpAddress,
			OccurredAt: occurred,
		}
		meta := make(map[string]interface{}, len(ev.Parameters))
		for _, p := range ev.Parameters {
			switch {
			case p.Value != "":
				meta[p.Name] = p.Value
			case len(p.MultiValue) > 0:
				meta[p.Name] = p.MultiValue
			default:
				meta[p.Name] = p.IntValue
			}
			switch p.Name {
			case "client_id":
				n.TargetID = p.Value
			case "app_name":
				n.TargetName = p.Value
			}
		}
		n.PlatformMetadata = meta
		out = append(out, n)
	}
	return out
}

// mapGoogleError converts googleapi errors onto the fault taxonomy. The
// 403 space is overloaded: rate-limit reasons must not read as permission
// failures.
func mapGoogleError(platform core.Platform, err error) error {
	if err == nil {
		return nil
	}
	p := string(platform)
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return faults.TransientPlatform(p, err)
	}

	switch {
	case ge.Code == http.StatusUnauthorized:
		return faults.ExpiredCredentials(p).WithCause(err)
	case ge.Code == http.StatusTooManyRequests:
		return faults.RateLimited(p, parseRetryAfter(ge.Header, time.Now()))
	case ge.Code == http.StatusForbidden:
		for _, item := range ge.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return faults.RateLimited(p, parseRetryAfter(ge.Header, time.Now()))
			}
		}
		return faults.MissingPermissions(p, nil).WithCause(err)
	case ge.Code >= 500:
		return faults.TransientPlatform(p, err)
	default:
		return faults.Invariant(fmt.Sprintf("%s API rejected the request with status %d", p, ge.Code)).WithCause(err)
	}
}
