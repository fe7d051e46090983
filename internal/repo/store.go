// Package repo is the tenant-scoped persistence layer. Every method takes an
// organization id and scopes the underlying statement by it; a row that
// exists under another organization is indistinguishable from one that does
// not exist at all.
package repo

import (
	"context"
	"time"

	"github.com/umbrix/backend/internal/core"
)

// ============================================================================
// STORE CONTRACT
// ============================================================================

// Store is the full persistence surface. Backed by Supabase in production and
// by the in-memory store in tests and the simulator.
type Store interface {
	Connections
	Automations
	Runs
	Assessments
	Feedbacks
	DetectorConfigs
	Organizations
}

// Connections persists platform connections.
type Connections interface {
	CreateConnection(ctx context.Context, conn *core.PlatformConnection) error
	GetConnection(ctx context.Context, organizationID, connectionID string) (*core.PlatformConnection, error)
	ListConnections(ctx context.Context, organizationID string) ([]*core.PlatformConnection, error)
	// ActiveConnectionForPlatform returns nil when no active connection exists.
	ActiveConnectionForPlatform(ctx context.Context, organizationID string, platform core.Platform) (*core.PlatformConnection, error)
	// UpdateConnection uses conn.UpdatedAt as an optimistic concurrency guard:
	// the write succeeds only if the stored row still carries that timestamp.
	UpdateConnection(ctx context.Context, organizationID string, conn *core.PlatformConnection) error
	// DeleteConnection hard-deletes the row. Credential erasure and job
	// cancellation are orchestrated by the caller.
	DeleteConnection(ctx context.Context, organizationID, connectionID string) error
}

// AutomationFilter narrows ListAutomations.
type AutomationFilter struct {
	ConnectionID string
	Type         core.AutomationType
	OnlyActive   bool
	OnlyAI       bool
	Limit        int
	Offset       int
}

// Automations persists discovered automations.
type Automations interface {
	// UpsertAutomation deduplicates on (organizationID, connectionID,
	// externalID). On update FirstDiscoveredAt is preserved and LastSeenAt
	// never moves backwards. Returns whether a new row was created.
	UpsertAutomation(ctx context.Context, organizationID string, auto *core.DiscoveredAutomation) (*core.DiscoveredAutomation, bool, error)
	GetAutomation(ctx context.Context, organizationID, automationID string) (*core.DiscoveredAutomation, error)
	ListAutomations(ctx context.Context, organizationID string, filter AutomationFilter) ([]*core.DiscoveredAutomation, error)
	// SoftDeleteAutomation marks the row inactive; it stays for trend history.
	SoftDeleteAutomation(ctx context.Context, organizationID, automationID string) error
	// MarkConnectionAutomationsInactive flags every automation of a connection
	// inactive; used by the disconnect cascade. Returns the count flagged.
	MarkConnectionAutomationsInactive(ctx context.Context, organizationID, connectionID string) (int, error)
	// MarkStaleInactive flags active automations not seen since the cutoff.
	MarkStaleInactive(ctx context.Context, organizationID string, cutoff time.Time) (int, error)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ConnectionID string
	Status       core.RunStatus
	Limit        int
}

// Runs persists discovery runs.
type Runs interface {
	CreateRun(ctx context.Context, run *core.DiscoveryRun) error
	GetRun(ctx context.Context, organizationID, runID string) (*core.DiscoveryRun, error)
	// UpdateRun uses run.UpdatedAt as the optimistic concurrency guard.
	UpdateRun(ctx context.Context, organizationID string, run *core.DiscoveryRun) error
	ListRuns(ctx context.Context, organizationID string, filter RunFilter) ([]*core.DiscoveryRun, error)
	// ActiveRunForConnection returns the queued or running run, nil when idle.
	ActiveRunForConnection(ctx context.Context, organizationID, connectionID string) (*core.DiscoveryRun, error)
}

// Assessments persists risk assessments. History is retained; the newest
// assessment per automation is the current one.
type Assessments interface {
	SaveAssessment(ctx context.Context, assessment *core.RiskAssessment) error
	LatestAssessment(ctx context.Context, organizationID, automationID string) (*core.RiskAssessment, error)
	ListAssessments(ctx context.Context, organizationID, automationID string, since time.Time) ([]*core.RiskAssessment, error)
	// CountByRiskLevel buckets automations by their latest assessment.
	CountByRiskLevel(ctx context.Context, organizationID string) (map[core.RiskLevel]int, error)
}

// FeedbackFilter narrows ListFeedback.
type FeedbackFilter struct {
	AutomationID string
	Status       core.FeedbackStatus
	Type         core.FeedbackType
	Since        time.Time
	Limit        int
}

// Feedbacks persists user verdicts on detections.
type Feedbacks interface {
	CreateFeedback(ctx context.Context, fb *core.Feedback) error
	GetFeedback(ctx context.Context, organizationID, feedbackID string) (*core.Feedback, error)
	ListFeedback(ctx context.Context, organizationID string, filter FeedbackFilter) ([]*core.Feedback, error)
	// UpdateFeedbackStatus uses expectedUpdatedAt as the concurrency guard.
	UpdateFeedbackStatus(ctx context.Context, organizationID, feedbackID string, status core.FeedbackStatus, expectedUpdatedAt time.Time) (*core.Feedback, error)
}

// DetectorConfigs persists versioned detector thresholds.
type DetectorConfigs interface {
	// InsertDetectorConfig assigns the next version for (org, detector).
	InsertDetectorConfig(ctx context.Context, cfg *core.DetectorConfiguration) error
	// ActiveDetectorConfigs returns the highest version per detector.
	ActiveDetectorConfigs(ctx context.Context, organizationID string) (map[core.DetectorCode]*core.DetectorConfiguration, error)
	ListDetectorConfigVersions(ctx context.Context, organizationID string, code core.DetectorCode) ([]*core.DetectorConfiguration, error)
}

// Organizations persists tenants and API keys. Satisfies
// multitenancy.OrganizationStore.
type Organizations interface {
	CreateOrganization(ctx context.Context, org *core.Organization) error
	GetOrganization(ctx context.Context, organizationID string) (*core.Organization, error)
	ListOrganizations(ctx context.Context) ([]*core.Organization, error)
	GetAPIKey(ctx context.Context, keyID string) (*core.APIKey, error)
	CreateAPIKey(ctx context.Context, key *core.APIKey) error
	TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error
	DeactivateAPIKey(ctx context.Context, organizationID, keyID string) error
}
