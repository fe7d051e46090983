// Package core holds the persisted domain model shared by every layer.
// Every entity except global configuration carries an OrganizationID and is
// only ever read or written scoped to it.
package core

import (
	"time"
)

// Platform identifies one supported SaaS surface.
type Platform string

const (
	PlatformSlack     Platform = "slack"
	PlatformGoogle    Platform = "google"
	PlatformMicrosoft Platform = "microsoft"
	PlatformJira      Platform = "jira"
	PlatformChatGPT   Platform = "chatgpt"
	PlatformClaude    Platform = "claude"
	PlatformGemini    Platform = "gemini"
)

// Platforms lists every supported platform in display order.
func Platforms() []Platform {
	return []Platform{
		PlatformSlack, PlatformGoogle, PlatformMicrosoft, PlatformJira,
		PlatformChatGPT, PlatformClaude, PlatformGemini,
	}
}

// ValidPlatform reports whether p names a supported platform.
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformSlack, PlatformGoogle, PlatformMicrosoft, PlatformJira,
		PlatformChatGPT, PlatformClaude, PlatformGemini:
		return true
	}
	return false
}

// ConnectionStatus is the lifecycle state of a PlatformConnection.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionError    ConnectionStatus = "error"
	ConnectionExpired  ConnectionStatus = "expired"
	ConnectionInactive ConnectionStatus = "inactive"
)

// Capability flags describe what a connector can do for a connection.
type Capability uint8

const (
	CapAuth Capability = 1 << iota
	CapList
	CapAuditStream
	CapExport
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// SyncConfiguration controls periodic discovery for one connection.
type SyncConfiguration struct {
	CadenceHours int      `json:"cadenceHours"` // 0 means platform default (24h)
	Targets      []string `json:"targets,omitempty"`
	Filters      []string `json:"filters,omitempty"`
}

// PlatformConnection is a tenant's link to one external platform.
// Invariant: at most one active connection per (OrganizationID, Platform).
type PlatformConnection struct {
	ID               string            `json:"id"`
	OrganizationID   string            `json:"organizationId"`
	Platform         Platform          `json:"platform"`
	DisplayName      string            `json:"displayName"`
	Status           ConnectionStatus  `json:"status"`
	Capabilities     Capability        `json:"capabilities"`
	SyncConfig       SyncConfiguration `json:"syncConfiguration"`
	LastSyncAt       *time.Time        `json:"lastSyncAt,omitempty"`
	LastErrorMessage string            `json:"lastErrorMessage,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// =============================================================================
// Credentials
// =============================================================================

// Credential is the decrypted, in-memory form handed to connectors. It must
// never be persisted or retained across a worker suspension point; the vault
// is the only component that sees it at rest (encrypted).
type Credential struct {
	ConnectionID   string       `json:"connectionId"`
	OrganizationID string       `json:"organizationId"`
	Platform       Platform     `json:"platform"`
	AccessToken    string       `json:"-"`
	RefreshToken   string       `json:"-"`
	TokenType      string       `json:"tokenType"`
	Scopes         []string     `json:"scopes"`
	IssuedAt       time.Time    `json:"issuedAt"`
	ExpiresAt      time.Time    `json:"expiresAt"` // zero means non-expiring
	PlatformData   PlatformData `json:"platformData"`
}

// Expired reports whether the credential is unusable at the given instant.
// A credential expiring exactly at now is treated as expired.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Refreshable reports whether a refresh flow exists for this credential.
func (c *Credential) Refreshable() bool {
	// Slack bot/user tokens have no refresh grant.
	return c.RefreshToken != "" && c.Platform != PlatformSlack
}

// PlatformData is the tagged per-platform credential payload. Exactly one
// variant matching Kind is populated.
type PlatformData struct {
	Kind      Platform               `json:"kind"`
	Slack     *SlackConnectionData   `json:"slack,omitempty"`
	Google    *GoogleConnectionData  `json:"google,omitempty"`
	Microsoft *MicrosoftConnData     `json:"microsoft,omitempty"`
	Jira      *JiraConnectionData    `json:"jira,omitempty"`
	ChatGPT   *ChatGPTConnectionData `json:"chatgpt,omitempty"`
	Claude    *ClaudeConnectionData  `json:"claude,omitempty"`
	Gemini    *GeminiConnectionData  `json:"gemini,omitempty"`
}

type SlackConnectionData struct {
	TeamID       string `json:"teamId"`
	TeamName     string `json:"teamName,omitempty"`
	EnterpriseID string `json:"enterpriseId,omitempty"`
	BotUserID    string `json:"botUserId,omitempty"`
}

type GoogleConnectionData struct {
	CustomerID string `json:"customerId"`
	Domain     string `json:"domain,omitempty"`
	AdminEmail string `json:"adminEmail,omitempty"`
}

type MicrosoftConnData struct {
	DirectoryTenantID string `json:"directoryTenantId"`
}

type JiraConnectionData struct {
	CloudID string `json:"cloudId"`
	SiteURL string `json:"siteUrl,omitempty"`
}

type ChatGPTConnectionData struct {
	WorkspaceID string `json:"workspaceId"`
}

type ClaudeConnectionData struct {
	OrganizationUUID string `json:"organizationUuid"`
}

type GeminiConnectionData struct {
	CustomerID string `json:"customerId"`
}

// =============================================================================
// Discovery runs
// =============================================================================

// RunStatus is the lifecycle state of a DiscoveryRun.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunStage names a pipeline phase. Stages progress monotonically.
type RunStage string

const (
	StageInitializing RunStage = "initializing"
	StageFetching     RunStage = "fetching"
	StageAnalyzing    RunStage = "analyzing"
	StagePersisting   RunStage = "persisting"
	StageFinalizing   RunStage = "finalizing"
)

var stageOrder = map[RunStage]int{
	StageInitializing: 0,
	StageFetching:     1,
	StageAnalyzing:    2,
	StagePersisting:   3,
	StageFinalizing:   4,
}

// StageAtLeast reports whether a is at or beyond b in the progression.
func StageAtLeast(a, b RunStage) bool { return stageOrder[a] >= stageOrder[b] }

// RunStats are the per-run counters surfaced to the facade.
type RunStats struct {
	AutomationsFound   int      `json:"automationsFound"`
	AutomationsUpdated int      `json:"automationsUpdated"`
	Errors             int      `json:"errors"`
	Warnings           []string `json:"warnings,omitempty"`
	DurationMs         int64    `json:"durationMs"`
	AlgorithmsExecuted []string `json:"algorithmsExecuted,omitempty"`
}

// DiscoveryRun is one execution of the pipeline for one connection.
type DiscoveryRun struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	ConnectionID   string     `json:"connectionId"`
	Status         RunStatus  `json:"status"`
	Stage          RunStage   `json:"stage"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Stats          RunStats   `json:"stats"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// =============================================================================
// Discovered automations
// =============================================================================

// AutomationType classifies what kind of programmable actor was observed.
type AutomationType string

const (
	AutomationBot         AutomationType = "bot"
	AutomationWorkflow    AutomationType = "workflow"
	AutomationIntegration AutomationType = "integration"
	AutomationWebhook     AutomationType = "webhook"
	AutomationScript      AutomationType = "script"
	AutomationApp         AutomationType = "app"
)

// OwnerInfo records who installed or owns the automation on the platform.
type OwnerInfo struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

// DetectionMetadata is the derived classification attached to an automation.
// Evidence strings are stored verbatim for audit.
type DetectionMetadata struct {
	IsAIPlatform    bool     `json:"isAIPlatform"`
	AIProvider      string   `json:"aiProvider,omitempty"`
	PlatformName    string   `json:"platformName,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	DetectionMethod string   `json:"detectionMethod,omitempty"`
	RiskFactors     []string `json:"riskFactors,omitempty"`
	Confidence      float64  `json:"confidence"`
	Evidence        []string `json:"evidence,omitempty"`
	CorrelationID   string   `json:"correlationId,omitempty"`
}

// DiscoveredAutomation is one third-party actor observed on a platform.
// Invariants: (OrganizationID, ConnectionID, ExternalID) unique;
// FirstDiscoveredAt immutable; LastSeenAt monotonically non-decreasing.
type DiscoveredAutomation struct {
	ID                  string                 `json:"id"`
	OrganizationID      string                 `json:"organizationId"`
	ConnectionID        string                 `json:"connectionId"`
	DiscoveryRunID      string                 `json:"discoveryRunId"`
	ExternalID          string                 `json:"externalId"`
	Name                string                 `json:"name"`
	Description         string                 `json:"description,omitempty"`
	AutomationType      AutomationType         `json:"automationType"`
	Status              string                 `json:"status,omitempty"`
	TriggerType         string                 `json:"triggerType,omitempty"`
	Actions             []string               `json:"actions,omitempty"`
	PermissionsRequired []string               `json:"permissionsRequired,omitempty"`
	DataAccessPatterns  []string               `json:"dataAccessPatterns,omitempty"`
	Owner               OwnerInfo              `json:"ownerInfo"`
	PlatformMetadata    map[string]interface{} `json:"platformMetadata,omitempty"`
	Detection           DetectionMetadata      `json:"detectionMetadata"`
	FirstDiscoveredAt   time.Time              `json:"firstDiscoveredAt"`
	LastSeenAt          time.Time              `json:"lastSeenAt"`
	IsActive            bool                   `json:"isActive"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

// =============================================================================
// Risk
// =============================================================================

// RiskLevel buckets a score for display and policy.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFactor is one named contributor to an automation's risk.
type RiskFactor struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Evidence    string  `json:"evidence,omitempty"`
}

// RiskAssessment is one scoring of one automation. History is retained.
type RiskAssessment struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organizationId"`
	AutomationID    string       `json:"automationId"`
	OverallRisk     RiskLevel    `json:"overallRisk"`
	RiskScore       int          `json:"riskScore"` // 0-100
	RiskFactors     []RiskFactor `json:"riskFactors"`
	AssessedAt      time.Time    `json:"assessedAt"`
	AssessorVersion string       `json:"assessorVersion"`
}

// =============================================================================
// Feedback
// =============================================================================

// FeedbackType is the user's verdict on a detection.
type FeedbackType string

const (
	FeedbackCorrectDetection        FeedbackType = "correct_detection"
	FeedbackFalsePositive           FeedbackType = "false_positive"
	FeedbackFalseNegative           FeedbackType = "false_negative"
	FeedbackIncorrectClassification FeedbackType = "incorrect_classification"
	FeedbackIncorrectRiskScore      FeedbackType = "incorrect_risk_score"
	FeedbackIncorrectAIProvider     FeedbackType = "incorrect_ai_provider"
)

// ValidFeedbackType reports whether t is a known verdict.
func ValidFeedbackType(t FeedbackType) bool {
	switch t {
	case FeedbackCorrectDetection, FeedbackFalsePositive, FeedbackFalseNegative,
		FeedbackIncorrectClassification, FeedbackIncorrectRiskScore, FeedbackIncorrectAIProvider:
		return true
	}
	return false
}

// Sentiment of a verdict toward the detection.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// FeedbackStatus tracks triage of a verdict.
type FeedbackStatus string

const (
	FeedbackPending      FeedbackStatus = "pending"
	FeedbackAcknowledged FeedbackStatus = "acknowledged"
	FeedbackResolved     FeedbackStatus = "resolved"
	FeedbackArchived     FeedbackStatus = "archived"
)

// MLMetadata snapshots the detection inputs and outputs at capture time so
// later retraining sees what the detector saw.
type MLMetadata struct {
	DetectionSnapshot DetectionMetadata `json:"detectionSnapshot"`
	RiskScoreSnapshot int               `json:"riskScoreSnapshot"`
	RiskLevelSnapshot RiskLevel         `json:"riskLevelSnapshot"`
	DetectorVersions  map[string]int    `json:"detectorVersions,omitempty"`
	Platform          Platform          `json:"platform"`
	AutomationType    AutomationType    `json:"automationType"`
	CapturedAt        time.Time         `json:"capturedAt"`
}

// Feedback is one tenant user's verdict on one automation's detection.
type Feedback struct {
	ID                   string                 `json:"id"`
	OrganizationID       string                 `json:"organizationId"`
	AutomationID         string                 `json:"automationId"`
	UserID               string                 `json:"userId"`
	UserEmail            string                 `json:"userEmail,omitempty"`
	Type                 FeedbackType           `json:"feedbackType"`
	Sentiment            Sentiment              `json:"sentiment"`
	Comment              string                 `json:"comment,omitempty"`
	SuggestedCorrections map[string]interface{} `json:"suggestedCorrections,omitempty"`
	Status               FeedbackStatus         `json:"status"`
	ML                   MLMetadata             `json:"mlMetadata"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// =============================================================================
// Detector configuration
// =============================================================================

// DetectorCode names one tunable detector.
type DetectorCode string

const (
	DetectorVelocity   DetectorCode = "velocity"
	DetectorBatch      DetectorCode = "batch"
	DetectorOffHours   DetectorCode = "off_hours"
	DetectorAIProvider DetectorCode = "ai_provider"
)

// DetectorConfiguration is one version of one detector's thresholds for one
// tenant. Updates insert a new version; the highest version wins.
type DetectorConfiguration struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organizationId"`
	DetectorCode   DetectorCode       `json:"detectorCode"`
	Version        int                `json:"version"`
	Thresholds     map[string]float64 `json:"thresholds"`
	Enabled        bool               `json:"enabled"`
	Source         string             `json:"source,omitempty"` // "default", "user", "tuner"
	CreatedAt      time.Time          `json:"createdAt"`
}

// =============================================================================
// Organizations and access
// =============================================================================

// OrgStatus gates whether an organization can authenticate at all.
type OrgStatus string

const (
	OrgActive    OrgStatus = "ACTIVE"
	OrgTrial     OrgStatus = "TRIAL"
	OrgSuspended OrgStatus = "SUSPENDED"
	OrgClosed    OrgStatus = "CLOSED"
)

// Organization is a tenant. Every repository call is scoped to exactly one.
type Organization struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Plan      string                 `json:"plan,omitempty"`
	Status    OrgStatus              `json:"status"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// APIKey is a service credential in the form ubx_<keyId>.<secret>. Only the
// bcrypt hash of the secret half is ever stored.
type APIKey struct {
	KeyID          string     `json:"keyId"`
	OrganizationID string     `json:"organizationId"`
	Name           string     `json:"name"`
	SecretHash     string     `json:"-"`
	Scopes         []string   `json:"scopes,omitempty"`
	Active         bool       `json:"active"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
