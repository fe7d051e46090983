package core

import "time"

// =============================================================================
// Connector observations
//
// Connectors emit two raw shapes: automations (programmable actors found on
// the platform) and audit events (activity attributed to them). Both carry
// the platform's own timestamps and preserve the source payload so detection
// never loses evidence.
// =============================================================================

// RawAutomation is one platform item before normalization and detection.
type RawAutomation struct {
	ExternalID  string         `json:"externalId"`
	Platform    Platform       `json:"platform"`
	Kind        AutomationType `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	OwnerEmail  string         `json:"ownerEmail,omitempty"`

	// Detection signals, populated when the platform exposes them.
	ClientID  string   `json:"clientId,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	Endpoint  string   `json:"endpoint,omitempty"`
	UserAgent string   `json:"userAgent,omitempty"`
	AppURL    string   `json:"appUrl,omitempty"`

	// Source names the platform API the item came from ("tokens_api",
	// "audit_logs", "app_directory", ...). Detection methods derive from it.
	Source string `json:"source,omitempty"`

	// ObservedAt is platform time, never wall time at fetch.
	ObservedAt time.Time `json:"observedAt"`

	// PlatformMetadata preserves the source payload verbatim.
	PlatformMetadata map[string]interface{} `json:"platformMetadata,omitempty"`
}

// AutomationPage is one page of raw automations. The worker resumes from
// NextCursor; an empty cursor means the sequence is exhausted.
type AutomationPage struct {
	Items      []RawAutomation `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// NormalizedAuditEvent is one activity record in the common shape, ordered
// by the platform's event time.
type NormalizedAuditEvent struct {
	ID         string   `json:"id"`
	Platform   Platform `json:"platform"`
	Action     string   `json:"action"`
	ActorID    string   `json:"actorId,omitempty"`
	ActorEmail string   `json:"actorEmail,omitempty"`
	TargetID   string   `json:"targetId,omitempty"`
	TargetName string   `json:"targetName,omitempty"`
	IPAddress  string   `json:"ipAddress,omitempty"`
	UserAgent  string   `json:"userAgent,omitempty"`

	// OccurredAt is the platform's stated event time.
	OccurredAt time.Time `json:"occurredAt"`

	PlatformMetadata map[string]interface{} `json:"platformMetadata,omitempty"`
}

// AuditPage is one page of normalized audit events plus the resume cursor.
type AuditPage struct {
	Events     []NormalizedAuditEvent `json:"events"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

// AuditQuery selects an audit log slice. Cursor resumes a prior sequence;
// when set, Since/Until are already encoded in it.
type AuditQuery struct {
	Since  time.Time `json:"since,omitempty"`
	Until  time.Time `json:"until,omitempty"`
	Cursor string    `json:"cursor,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// ValidationResult reports what a connector can currently do with its
// credential. MissingPermissions marks partial functionality, not failure.
type ValidationResult struct {
	Valid              bool             `json:"valid"`
	ExpiresAt          *time.Time       `json:"expiresAt,omitempty"`
	MissingPermissions []string         `json:"missingPermissions,omitempty"`
	RateLimit          *RateLimitStatus `json:"rateLimit,omitempty"`
}

// RateLimitStatus is the platform's reported quota position.
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// =============================================================================
// Export-and-poll
// =============================================================================

// ExportStatus is the platform-side lifecycle of a requested export.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// ExportRange is the requested window. Platforms cap it (Claude: 180 days).
type ExportRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the span in whole days, rounding up.
func (r ExportRange) Days() int {
	d := r.End.Sub(r.Start)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// ExportHandle identifies one server-side export job.
type ExportHandle struct {
	ExportID    string       `json:"exportId"`
	Platform    Platform     `json:"platform"`
	Range       ExportRange  `json:"range"`
	Status      ExportStatus `json:"status"`
	DownloadURL string       `json:"downloadUrl,omitempty"`
	RequestedAt time.Time    `json:"requestedAt"`
}
