// Package platform holds the connector framework: one uniform contract over
// heterogeneous SaaS audit APIs, and the seven adapters behind it.
//
// Callers never branch on platform. Live-query platforms (Slack, Google,
// Microsoft, Jira, ChatGPT, Gemini) and export-and-poll platforms (Claude)
// both satisfy the audit stream through GetAuditLogs; the export machinery
// is composed inside the adapter. Credentials are passed per call and never
// retained by an adapter.
package platform

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

// Handle describes an authenticated link to a platform workspace.
type Handle struct {
	Platform    core.Platform `json:"platform"`
	WorkspaceID string        `json:"workspaceId"`
	DisplayName string        `json:"displayName,omitempty"`
	Scopes      []string      `json:"scopes,omitempty"`
}

// Connector is the uniform capability contract every adapter implements.
// Every method takes the decrypted credential for exactly one call; adapters
// must not retain it.
type Connector interface {
	// Platform names the adapter.
	Platform() core.Platform

	// Capabilities reports which capability bits this adapter satisfies.
	Capabilities() core.Capability

	// Authenticate verifies the credential end to end and resolves the
	// workspace it is bound to.
	Authenticate(ctx context.Context, cred *core.Credential) (*Handle, error)

	// ValidateCredentials checks usability without side effects: expiry,
	// missing permissions, current rate-limit position.
	ValidateCredentials(ctx context.Context, cred *core.Credential) (*core.ValidationResult, error)

	// DiscoverAutomations returns one page of raw automations. An empty
	// cursor starts the sequence; the returned cursor resumes it.
	DiscoverAutomations(ctx context.Context, cred *core.Credential, cursor string) (*core.AutomationPage, error)

	// GetAuditLogs returns one page of normalized audit events, ordered by
	// platform event time and restartable from the query cursor.
	GetAuditLogs(ctx context.Context, cred *core.Credential, q core.AuditQuery) (*core.AuditPage, error)

	// RefreshCredentials exchanges an expiring credential. Platforms with
	// no refresh grant return a permanent failure.
	RefreshCredentials(ctx context.Context, cred *core.Credential) (*core.Credential, error)
}

// Exporter is the optional export-and-poll surface. Adapters that implement
// it also compose it into GetAuditLogs; direct use is for archival.
type Exporter interface {
	RequestExport(ctx context.Context, cred *core.Credential, r core.ExportRange) (*core.ExportHandle, error)
	PollExport(ctx context.Context, cred *core.Credential, handle *core.ExportHandle) (*core.ExportHandle, error)
	DownloadExport(ctx context.Context, cred *core.Credential, handle *core.ExportHandle) (io.ReadCloser, error)
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry resolves adapters by platform.
type Registry struct {
	mu         sync.RWMutex
	connectors map[core.Platform]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[core.Platform]Connector)}
}

// Register installs an adapter, replacing any previous one for the platform.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Platform()] = c
}

// Get resolves the adapter for a platform.
func (r *Registry) Get(platform core.Platform) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[platform]
	if !ok {
		return nil, faults.Invariant(fmt.Sprintf("no connector registered for platform %q", platform))
	}
	return c, nil
}

// Exporter resolves the export surface for a platform, when it has one.
func (r *Registry) Exporter(platform core.Platform) (Exporter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[platform]
	if !ok {
		return nil, false
	}
	e, ok := c.(Exporter)
	return e, ok
}

// Platforms lists the registered platforms in stable order.
func (r *Registry) Platforms() []core.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Platform, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewDefaultRegistry wires every supported platform adapter onto one shared
// caller and OAuth flow helper.
func NewDefaultRegistry(caller *Caller, flows *Flows) *Registry {
	r := NewRegistry()
	r.Register(NewSlackConnector(caller))
	r.Register(NewGoogleConnector(caller, flows))
	r.Register(NewMicrosoftConnector(caller, flows))
	r.Register(NewJiraConnector(caller, flows))
	r.Register(NewChatGPTConnector(caller))
	r.Register(NewClaudeConnector(caller))
	r.Register(NewGeminiConnector(caller, flows))
	return r
}
