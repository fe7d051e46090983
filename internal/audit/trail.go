// Package audit implements the security audit trail for tenant-sensitive
// operations. Events are hash-chained per organization so that tampering with
// any stored event invalidates every event recorded after it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// EVENT TYPES
// ============================================================================

// EventType categorizes the kind of security event
type EventType string

const (
	EventCrossTenantAccess      EventType = "CROSS_TENANT_ACCESS"     // Access attempt across org boundary
	EventCredentialQuarantine   EventType = "CREDENTIAL_QUARANTINE"   // Credential pulled from rotation
	EventIntegrityFailure       EventType = "INTEGRITY_FAILURE"       // Stored ciphertext failed its hash check
	EventConnectionCreated      EventType = "CONNECTION_CREATED"      // Platform connection established
	EventConnectionDisconnected EventType = "CONNECTION_DISCONNECTED" // Platform connection torn down
	EventCredentialRefresh      EventType = "CREDENTIAL_REFRESH"      // Token refresh outcome
	EventCredentialRevoked      EventType = "CREDENTIAL_REVOKED"      // Credential deleted from the vault
	EventAuthFailure            EventType = "AUTH_FAILURE"            // Rejected API credential
	EventAPIKeyIssued           EventType = "API_KEY_ISSUED"          // New API key minted
	EventAPIKeyRevoked          EventType = "API_KEY_REVOKED"         // API key deactivated
	EventDetectorConfigChange   EventType = "DETECTOR_CONFIG_CHANGE"  // Threshold or detector tuning applied
)

// Outcome represents how the recorded operation resolved
type Outcome string

const (
	OutcomeAllowed     Outcome = "ALLOWED"
	OutcomeDenied      Outcome = "DENIED"
	OutcomeQuarantined Outcome = "QUARANTINED"
	OutcomeFailed      Outcome = "FAILED"
)

// ============================================================================
// AUDIT EVENT
// ============================================================================

// Event is a single immutable security event
type Event struct {
	// Identification
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// Context
	OrganizationID string `json:"organizationId"`
	ActorID        string `json:"actorId,omitempty"`
	SourceIP       string `json:"sourceIp,omitempty"`

	// Target
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Platform     string `json:"platform,omitempty"`

	// Resolution
	Outcome Outcome                `json:"outcome"`
	Reason  string                 `json:"reason,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`

	// Timestamps
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recordedAt,omitempty"`

	// Integrity
	Hash         string `json:"hash"`
	PreviousHash string `json:"previousHash"`
}

// ComputeHash computes the SHA-256 hash of the event
func (e *Event) ComputeHash() string {
	// Canonical representation excludes the hash itself
	copy := *e
	copy.Hash = ""

	data, _ := json.Marshal(copy)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Verify verifies the event's hash integrity
func (e *Event) Verify() bool {
	return e.Hash == e.ComputeHash()
}

// ============================================================================
// EVENT CHAIN
// ============================================================================

// Chain is a linked sequence of audit events for one organization
type Chain struct {
	ChainID        string
	OrganizationID string
	Events         []*Event
	LastHash       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	EventCount     int64

	mu sync.RWMutex
}

// NewChain creates a new audit chain for an organization
func NewChain(organizationID string) *Chain {
	chainID := fmt.Sprintf("chain-%s-%d", organizationID, time.Now().UnixNano())

	// Create genesis event
	genesis := &Event{
		ID:             "genesis",
		Type:           EventConnectionCreated,
		OrganizationID: organizationID,
		Outcome:        OutcomeAllowed,
		Timestamp:      time.Now(),
		PreviousHash:   "0000000000000000000000000000000000000000000000000000000000000000",
		Details: map[string]interface{}{
			"genesis":  true,
			"chain_id": chainID,
		},
	}
	genesis.Hash = genesis.ComputeHash()

	return &Chain{
		ChainID:        chainID,
		OrganizationID: organizationID,
		Events:         []*Event{genesis},
		LastHash:       genesis.Hash,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
		EventCount:     1,
	}
}

// Append adds a new event to the chain
func (c *Chain) Append(event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Link to previous event
	event.PreviousHash = c.LastHash

	// Compute hash
	event.Hash = event.ComputeHash()

	// Add to chain
	c.Events = append(c.Events, event)
	c.LastHash = event.Hash
	c.EventCount++
	c.UpdatedAt = time.Now()

	return nil
}

// Validate validates the entire chain integrity. Returns the index of the
// first broken event, or -1 when the chain is intact.
func (c *Chain) Validate() (bool, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, event := range c.Events {
		// Verify hash
		if !event.Verify() {
			return false, i
		}

		// Verify chain linkage (skip genesis)
		if i > 0 && event.PreviousHash != c.Events[i-1].Hash {
			return false, i
		}
	}

	return true, -1
}

// GetEvent retrieves an event by ID
func (c *Chain) GetEvent(id string) (*Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, event := range c.Events {
		if event.ID == id {
			return event, nil
		}
	}
	return nil, fmt.Errorf("event %s not found", id)
}

// GetEventsByResource retrieves all events touching a resource
func (c *Chain) GetEventsByResource(resourceID string) []*Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var events []*Event
	for _, e := range c.Events {
		if e.ResourceID == resourceID {
			events = append(events, e)
		}
	}
	return events
}

// ============================================================================
// AUDIT TRAIL
// ============================================================================

// Trail is the central recorder for all security events
type Trail struct {
	chains map[string]*Chain // organizationID -> chain

	// Index by resource
	resourceIndex map[string][]string // resourceID -> []eventID

	// Index by actor
	actorIndex map[string][]string // actorID -> []eventID

	// Retention configuration
	retentionDays int

	// Storage backend (for production)
	store Store

	mu     sync.RWMutex
	logger *log.Logger
}

// Store interface for persistent storage
type Store interface {
	SaveEvent(ctx context.Context, event *Event) error
	LoadEvent(ctx context.Context, id string) (*Event, error)
	LoadChain(ctx context.Context, organizationID string) ([]*Event, error)
	QueryEvents(ctx context.Context, query EventQuery) ([]*Event, error)
}

// EventQuery defines a query for audit events
type EventQuery struct {
	OrganizationID string
	ActorID        string
	ResourceID     string
	Type           EventType
	Outcome        Outcome
	StartTime      time.Time
	EndTime        time.Time
	Limit          int
	Offset         int
}

// TrailConfig holds trail configuration
type TrailConfig struct {
	RetentionDays int
	Store         Store
}

// NewTrail creates a new audit trail
func NewTrail(cfg TrailConfig) *Trail {
	return &Trail{
		chains:        make(map[string]*Chain),
		resourceIndex: make(map[string][]string),
		actorIndex:    make(map[string][]string),
		retentionDays: cfg.RetentionDays,
		store:         cfg.Store,
		logger:        log.New(log.Writer(), "[AuditTrail] ", log.LstdFlags),
	}
}

// Record records an arbitrary security event
func (t *Trail) Record(ctx context.Context, event *Event) (*Event, error) {
	if event.ID == "" {
		event.ID = fmt.Sprintf("aud-%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.RecordedAt = time.Now()

	return t.appendEvent(ctx, event)
}

// RecordCrossTenantAccess records an access attempt that crossed the
// organization boundary. These are always denied upstream; the trail keeps
// the forensic record.
func (t *Trail) RecordCrossTenantAccess(
	ctx context.Context,
	organizationID, actorID, sourceIP string,
	resourceType, resourceID, targetOrganizationID string,
) (*Event, error) {
	event := &Event{
		ID:             fmt.Sprintf("xta-%d", time.Now().UnixNano()),
		Type:           EventCrossTenantAccess,
		OrganizationID: organizationID,
		ActorID:        actorID,
		SourceIP:       sourceIP,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Outcome:        OutcomeDenied,
		Reason:         "resource belongs to another organization",
		Details: map[string]interface{}{
			"target_organization_id": targetOrganizationID,
		},
		Timestamp:  time.Now(),
		RecordedAt: time.Now(),
	}

	return t.appendEvent(ctx, event)
}

// RecordQuarantine records a credential quarantine
func (t *Trail) RecordQuarantine(
	ctx context.Context,
	organizationID, connectionID, platform, reason string,
) (*Event, error) {
	event := &Event{
		ID:             fmt.Sprintf("qrn-%s-%d", connectionID, time.Now().UnixNano()),
		Type:           EventCredentialQuarantine,
		OrganizationID: organizationID,
		ConnectionID:   connectionID,
		Platform:       platform,
		ResourceType:   "credential",
		ResourceID:     connectionID,
		Outcome:        OutcomeQuarantined,
		Reason:         reason,
		Timestamp:      time.Now(),
		RecordedAt:     time.Now(),
	}

	return t.appendEvent(ctx, event)
}

// RecordIntegrityFailure records a failed ciphertext integrity check
func (t *Trail) RecordIntegrityFailure(
	ctx context.Context,
	organizationID, connectionID, platform, detail string,
) (*Event, error) {
	event := &Event{
		ID:             fmt.Sprintf("int-%s-%d", connectionID, time.Now().UnixNano()),
		Type:           EventIntegrityFailure,
		OrganizationID: organizationID,
		ConnectionID:   connectionID,
		Platform:       platform,
		ResourceType:   "credential",
		ResourceID:     connectionID,
		Outcome:        OutcomeFailed,
		Reason:         detail,
		Timestamp:      time.Now(),
		RecordedAt:     time.Now(),
	}

	return t.appendEvent(ctx, event)
}

// RecordConnectionLifecycle records a connection being established or torn down
func (t *Trail) RecordConnectionLifecycle(
	ctx context.Context,
	organizationID, actorID, connectionID, platform string,
	disconnected bool,
) (*Event, error) {
	eventType := EventConnectionCreated
	if disconnected {
		eventType = EventConnectionDisconnected
	}

	event := &Event{
		ID:             fmt.Sprintf("con-%s-%d", connectionID, time.Now().UnixNano()),
		Type:           eventType,
		OrganizationID: organizationID,
		ActorID:        actorID,
		ConnectionID:   connectionID,
		Platform:       platform,
		ResourceType:   "connection",
		ResourceID:     connectionID,
		Outcome:        OutcomeAllowed,
		Timestamp:      time.Now(),
		RecordedAt:     time.Now(),
	}

	return t.appendEvent(ctx, event)
}

func (t *Trail) appendEvent(ctx context.Context, event *Event) (*Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Get or create chain for organization
	chain, exists := t.chains[event.OrganizationID]
	if !exists {
		chain = NewChain(event.OrganizationID)
		t.chains[event.OrganizationID] = chain
	}

	// Append to chain
	if err := chain.Append(event); err != nil {
		return nil, err
	}

	// Update indexes
	if event.ResourceID != "" {
		t.resourceIndex[event.ResourceID] = append(
			t.resourceIndex[event.ResourceID],
			event.ID,
		)
	}
	if event.ActorID != "" {
		t.actorIndex[event.ActorID] = append(
			t.actorIndex[event.ActorID],
			event.ID,
		)
	}

	// Persist to store if available
	if t.store != nil {
		if err := t.store.SaveEvent(ctx, event); err != nil {
			t.logger.Printf("Failed to persist event %s: %v", event.ID, err)
		}
	}

	t.logger.Printf("Recorded security event: %s (type=%s, org=%s, outcome=%s)",
		event.ID, event.Type, event.OrganizationID, event.Outcome)

	return event, nil
}

// GetEvent retrieves an event by ID
func (t *Trail) GetEvent(ctx context.Context, organizationID, eventID string) (*Event, error) {
	t.mu.RLock()
	chain, exists := t.chains[organizationID]
	t.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("organization %s not found", organizationID)
	}

	return chain.GetEvent(eventID)
}

// GetResourceHistory retrieves all events touching a resource within an organization
func (t *Trail) GetResourceHistory(ctx context.Context, organizationID, resourceID string) ([]*Event, error) {
	t.mu.RLock()
	chain, exists := t.chains[organizationID]
	t.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	return chain.GetEventsByResource(resourceID), nil
}

// ValidateChain validates the integrity of an organization's audit chain
func (t *Trail) ValidateChain(organizationID string) (bool, int, error) {
	t.mu.RLock()
	chain, exists := t.chains[organizationID]
	t.mu.RUnlock()

	if !exists {
		return false, -1, fmt.Errorf("organization %s not found", organizationID)
	}

	valid, failIndex := chain.Validate()
	return valid, failIndex, nil
}

// ============================================================================
// SECURITY REPORTING
// ============================================================================

// SecurityReport contains security posture data for an organization
type SecurityReport struct {
	ReportID       string                `json:"reportId"`
	OrganizationID string                `json:"organizationId"`
	GeneratedAt    time.Time             `json:"generatedAt"`
	PeriodStart    time.Time             `json:"periodStart"`
	PeriodEnd      time.Time             `json:"periodEnd"`
	Summary        SecuritySummary       `json:"summary"`
	ByActor        map[string]ActorStats `json:"byActor"`
	Incidents      []IncidentRecord      `json:"incidents"`
	ChainValid     bool                  `json:"chainValid"`
	EventCount     int64                 `json:"eventCount"`
}

// SecuritySummary contains high-level security metrics
type SecuritySummary struct {
	TotalEvents         int64 `json:"totalEvents"`
	DeniedCount         int64 `json:"deniedCount"`
	QuarantineCount     int64 `json:"quarantineCount"`
	IntegrityFailures   int64 `json:"integrityFailures"`
	CrossTenantAttempts int64 `json:"crossTenantAttempts"`
	AuthFailures        int64 `json:"authFailures"`
	ConnectionChanges   int64 `json:"connectionChanges"`
}

// ActorStats contains per-actor statistics
type ActorStats struct {
	ActorID  string `json:"actorId"`
	Events   int64  `json:"events"`
	Denied   int64  `json:"denied"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// IncidentRecord contains a denied or failed event worth surfacing
type IncidentRecord struct {
	EventID    string    `json:"eventId"`
	Type       EventType `json:"type"`
	ActorID    string    `json:"actorId,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// GenerateSecurityReport generates a security report for an organization
func (t *Trail) GenerateSecurityReport(
	ctx context.Context,
	organizationID string,
	start, end time.Time,
) (*SecurityReport, error) {
	t.mu.RLock()
	chain, exists := t.chains[organizationID]
	t.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("organization %s not found", organizationID)
	}

	report := &SecurityReport{
		ReportID:       fmt.Sprintf("report-%s-%d", organizationID, time.Now().UnixNano()),
		OrganizationID: organizationID,
		GeneratedAt:    time.Now(),
		PeriodStart:    start,
		PeriodEnd:      end,
		ByActor:        make(map[string]ActorStats),
		Incidents:      make([]IncidentRecord, 0),
	}

	// Validate chain integrity
	valid, _ := chain.Validate()
	report.ChainValid = valid

	chain.mu.RLock()
	defer chain.mu.RUnlock()

	for _, event := range chain.Events {
		// Filter by time range
		if event.Timestamp.Before(start) || event.Timestamp.After(end) {
			continue
		}

		// Skip genesis
		if event.ID == "genesis" {
			continue
		}

		report.EventCount++
		report.Summary.TotalEvents++

		switch event.Type {
		case EventCrossTenantAccess:
			report.Summary.CrossTenantAttempts++
		case EventCredentialQuarantine:
			report.Summary.QuarantineCount++
		case EventIntegrityFailure:
			report.Summary.IntegrityFailures++
		case EventAuthFailure:
			report.Summary.AuthFailures++
		case EventConnectionCreated, EventConnectionDisconnected:
			report.Summary.ConnectionChanges++
		}

		if event.Outcome == OutcomeDenied {
			report.Summary.DeniedCount++
		}

		// Denied and failed events surface as incidents
		if event.Outcome == OutcomeDenied || event.Outcome == OutcomeFailed || event.Outcome == OutcomeQuarantined {
			report.Incidents = append(report.Incidents, IncidentRecord{
				EventID:    event.ID,
				Type:       event.Type,
				ActorID:    event.ActorID,
				ResourceID: event.ResourceID,
				Outcome:    event.Outcome,
				Reason:     event.Reason,
				Timestamp:  event.Timestamp,
			})
		}

		// Actor stats
		if event.ActorID != "" {
			actorStats := report.ByActor[event.ActorID]
			actorStats.ActorID = event.ActorID
			actorStats.Events++
			if event.Outcome == OutcomeDenied {
				actorStats.Denied++
			}
			actorStats.LastSeen = event.Timestamp.Format(time.RFC3339)
			report.ByActor[event.ActorID] = actorStats
		}
	}

	t.logger.Printf("Generated security report: %s (events=%d, incidents=%d)",
		report.ReportID, report.EventCount, len(report.Incidents))

	return report, nil
}

// Stats returns trail statistics
func (t *Trail) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	totalEvents := int64(0)
	for _, chain := range t.chains {
		totalEvents += chain.EventCount
	}

	return map[string]interface{}{
		"organization_count": len(t.chains),
		"total_events":       totalEvents,
		"resource_index":     len(t.resourceIndex),
		"actor_index":        len(t.actorIndex),
		"retention_days":     t.retentionDays,
	}
}

// ============================================================================
// IN-MEMORY STORE (for testing)
// ============================================================================

// InMemoryStore provides in-memory storage
type InMemoryStore struct {
	events map[string]*Event
	mu     sync.RWMutex
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events: make(map[string]*Event),
	}
}

// SaveEvent saves an event
func (s *InMemoryStore) SaveEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = event
	return nil
}

// LoadEvent loads an event
func (s *InMemoryStore) LoadEvent(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, exists := s.events[id]
	if !exists {
		return nil, errors.New("event not found")
	}
	return event, nil
}

// LoadChain loads all events for an organization
func (s *InMemoryStore) LoadChain(_ context.Context, organizationID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if e.OrganizationID == organizationID {
			events = append(events, e)
		}
	}
	return events, nil
}

// QueryEvents queries events
func (s *InMemoryStore) QueryEvents(_ context.Context, query EventQuery) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Event
	for _, e := range s.events {
		// Apply filters
		if query.OrganizationID != "" && e.OrganizationID != query.OrganizationID {
			continue
		}
		if query.ActorID != "" && e.ActorID != query.ActorID {
			continue
		}
		if query.ResourceID != "" && e.ResourceID != query.ResourceID {
			continue
		}
		if query.Type != "" && e.Type != query.Type {
			continue
		}
		if query.Outcome != "" && e.Outcome != query.Outcome {
			continue
		}
		if !query.StartTime.IsZero() && e.Timestamp.Before(query.StartTime) {
			continue
		}
		if !query.EndTime.IsZero() && e.Timestamp.After(query.EndTime) {
			continue
		}

		results = append(results, e)

		if query.Limit > 0 && len(results) >= query.Limit {
			break
		}
	}

	return results, nil
}
