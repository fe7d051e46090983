package platform

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"
	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/option"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

const (
	// geminiApplicationName is the admin reports application that records
	// Gemini feature usage across Workspace apps.
	geminiApplicationName = "gemini_in_workspace_apps"

	geminiDiscoveryLookback = 30 * 24 * time.Hour
)

// GeminiConnector surfaces Gemini usage inside a Google Workspace tenant.
// There is no inventory endpoint; both discovery and the audit stream come
// from the admin reports activity log, so discovered "automations" are the
// distinct Gemini surfaces the tenant's users exercised.
type GeminiConnector struct {
	caller *Caller
	flows  *Flows

	// Overridable in tests.
	ReportsEndpoint string
	HTTPClient      *http.Client
}

// NewGeminiConnector builds the Gemini adapter.
func NewGeminiConnector(caller *Caller, flows *Flows) *GeminiConnector {
	return &GeminiConnector{caller: caller, flows: flows}
}

func (g *GeminiConnector) Platform() core.Platform { return core.PlatformGemini }

func (g *GeminiConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream
}

func (g *GeminiConnector) reports(ctx context.Context, cred *core.Credential) (*reports.Service, error) {
	var opts []option.ClientOption
	if g.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(g.HTTPClient))
	} else {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
		opts = append(opts, option.WithTokenSource(src))
	}
	if g.ReportsEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.ReportsEndpoint))
	}
	svc, err := reports.NewService(ctx, opts...)
	if err != nil {
		return nil, faults.Internal(err)
	}
	return svc, nil
}

// Authenticate probes the Gemini activity stream and resolves the customer.
func (g *GeminiConnector) Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error) {
	var handle *Handle
	err := g.caller.Breakers().Call(ctx, core.PlatformGemini, func(ctx context.Context) error {
		svc, err := g.reports(ctx, cred)
		if err != nil {
			return err
		}
		activities, err := svc.Activities.List("all", geminiApplicationName).MaxResults(1).Context(ctx).Do()
		if err != nil {
			return mapGoogleError(core.PlatformGemini, err)
		}
		handle = &Handle{Platform: core.PlatformGemini, Scopes: cred.Scopes}
		if len(activities.Items) > 0 && activities.Items[0].Id != nil {
			handle.WorkspaceID = activities.Items[0].Id.CustomerId
		}
		if handle.WorkspaceID == "" && cred.PlatformData.Gemini != nil {
			handle.WorkspaceID = cred.PlatformData.Gemini.CustomerID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (g *GeminiConnector) ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error) {
	result := &core.ValidationResult{Valid: true}
	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt
		result.ExpiresAt = &t
	}
	if _, err := g.Authenticate(ctx, cred); err != nil {
		fe, ok := faults.As(err)
		switch {
		case ok && fe.Code == "CREDENTIALS_EXPIRED":
			result.Valid = false
			return result, nil
		case ok && fe.Code == "MISSING_PERMISSIONS":
			result.MissingPermissions = []string{"https://www.googleapis.com/auth/admin.reports.audit.readonly"}
			return result, nil
		default:
			return nil, err
		}
	}
	return result, nil
}

// DiscoverAutomations folds the recent activity window into one record per
// (app, feature) pair, counting distinct users as spread evidence.
func (g *GeminiConnector) DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error) {
	type usage struct {
		raw   core.RawAutomation
		users map[string]struct{}
	}
	byKey := make(map[string]*usage)
	var nextCursor string

	err := g.caller.Breakers().Call(ctx, core.PlatformGemini, func(ctx context.Context) error {
		svc, err := g.reports(ctx, cred)
		if err != nil {
			return err
		}
		call := svc.Activities.List("all", geminiApplicationName).
			StartTime(time.Now().Add(-geminiDiscoveryLookback).UTC().Format(time.RFC3339)).
			MaxResults(500).
			Context(ctx)
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		activities, err := call.Do()
		if err != nil {
			return mapGoogleError(core.PlatformGemini, err)
		}
		nextCursor = activities.NextPageToken

		for _, item := range activities.Items {
			for _, ev := range item.Events {
				app, feature := geminiEventSurface(ev)
				if app == "" && feature == "" {
					continue
				}
				key := app + ":" + feature
				u, ok := byKey[key]
				if !ok {
					u = &usage{
						raw: core.RawAutomation{
							ExternalID: "gemini:" + key,
							Platform:   core.PlatformGemini,
							Kind:       core.AutomationIntegration,
							Name:       geminiSurfaceName(app, feature),
							Source:     "audit_logs",
						},
						users: make(map[string]struct{}),
					}
					byKey[key] = u
				}
				if item.Actor != nil && item.Actor.Email != "" {
					u.users[item.Actor.Email] = struct{}{}
					// Attribute the surface to whoever used it last.
					u.raw.OwnerEmail = item.Actor.Email
				}
				if item.Id != nil {
					if t, err := time.Parse(time.RFC3339, item.Id.Time); err == nil && t.After(u.raw.ObservedAt) {
						u.raw.ObservedAt = t.UTC()
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]core.RawAutomation, 0, len(byKey))
	for _, u := range byKey {
		u.raw.PlatformMetadata = map[string]interface{}{"distinctUsers": len(u.users)}
		items = append(items, u.raw)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ExternalID < items[j].ExternalID })
	return &core.AutomationPage{Items: items, NextCursor: nextCursor}, nil
}

// GetAuditLogs reads the Gemini activity stream over the query window.
func (g *GeminiConnector) GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	var page *core.AuditPage
	err := g.caller.Breakers().Call(ctx, core.PlatformGemini, func(ctx context.Context) error {
		svc, err := g.reports(ctx, cred)
		if err != nil {
			return err
		}
		call := svc.Activities.List("all", geminiApplicationName).Context(ctx)
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
			return mapGoogleError(core.PlatformGemini, err)
		}
		events := make([]core.NormalizedAuditEvent, 0, len(activities.Items))
		for _, item := range activities.Items {
			events = append(events, googleActivityToEvents(core.PlatformGemini, item)...)
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
func (g *GeminiConnector) RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	return g.flows.RefreshToken(ctx, cred)
}

func geminiEventSurface(ev *reports.ActivityEvents) (app, feature string) {
	for _, p := range ev.Parameters {
		switch p.Name {
		case "app", "app_name":
			app = p.Value
		case "feature", "feature_name", "action":
			feature = p.Value
		}
	}
	return app, feature
}

func geminiSurfaceName(app, feature string) string {
	switch {
	case app != "" && feature != "":
		return fmt.Sprintf("Gemini in %s (%s)", app, feature)
	case app != "":
		return "Gemini in " + app
	default:
		return "Gemini (" + feature + ")"
	}
}
