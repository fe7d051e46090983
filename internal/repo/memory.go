package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

// ============================================================================
// IN-MEMORY STORE (tests, simulator, single-node dev)
// ============================================================================

// MemoryStore implements Store entirely in process memory.
type MemoryStore struct {
	mu sync.RWMutex

	conns       map[string]*core.PlatformConnection // connectionID -> row
	autos       map[string]*core.DiscoveredAutomation
	autoByKey   map[string]string // org|conn|external -> automationID
	runs        map[string]*core.DiscoveryRun
	assessments map[string][]*core.RiskAssessment // automationID -> history, newest last
	feedback    map[string]*core.Feedback
	detectors   map[string][]*core.DetectorConfiguration // org|code -> versions, ascending
	orgs        map[string]*core.Organization
	apiKeys     map[string]*core.APIKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns:       make(map[string]*core.PlatformConnection),
		autos:       make(map[string]*core.DiscoveredAutomation),
		autoByKey:   make(map[string]string),
		runs:        make(map[string]*core.DiscoveryRun),
		assessments: make(map[string][]*core.RiskAssessment),
		feedback:    make(map[string]*core.Feedback),
		detectors:   make(map[string][]*core.DetectorConfiguration),
		orgs:        make(map[string]*core.Organization),
		apiKeys:     make(map[string]*core.APIKey),
	}
}

func compositeKey(parts ...string) string { return strings.Join(parts, "|") }

// ----------------------------------------------------------------------------
// Connections
// ----------------------------------------------------------------------------

func (m *MemoryStore) CreateConnection(_ context.Context, conn *core.PlatformConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	// At most one active connection per (org, platform)
	if conn.Status == core.ConnectionActive {
		for _, existing := range m.conns {
			if existing.OrganizationID == conn.OrganizationID &&
				existing.Platform == conn.Platform &&
				existing.Status == core.ConnectionActive {
				return faults.Conflict("an active connection for this platform already exists")
			}
		}
	}

	cp := *conn
	m.conns[conn.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConnection(_ context.Context, organizationID, connectionID string) (*core.PlatformConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connectionID]
	if !ok || conn.OrganizationID != organizationID {
		return nil, faults.NotFound("connection")
	}
	cp := *conn
	return &cp, nil
}

func (m *MemoryStore) ListConnections(_ context.Context, organizationID string) ([]*core.PlatformConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.PlatformConnection
	for _, conn := range m.conns {
		if conn.OrganizationID == organizationID {
			cp := *conn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ActiveConnectionForPlatform(_ context.Context, organizationID string, platform core.Platform) (*core.PlatformConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.conns {
		if conn.OrganizationID == organizationID &&
			conn.Platform == platform &&
			conn.Status == core.ConnectionActive {
			cp := *conn
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) UpdateConnection(_ context.Context, organizationID string, conn *core.PlatformConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conns[conn.ID]
	if !ok || stored.OrganizationID != organizationID {
		return faults.NotFound("connection")
	}
	if !stored.UpdatedAt.Equal(conn.UpdatedAt) {
		return faults.Conflict("connection was modified concurrently")
	}

	conn.OrganizationID = organizationID
	conn.CreatedAt = stored.CreatedAt
	conn.UpdatedAt = time.Now()
	cp := *conn
	m.conns[conn.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteConnection(_ context.Context, organizationID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conns[connectionID]
	if !ok || stored.OrganizationID != organizationID {
		return faults.NotFound("connection")
	}
	delete(m.conns, connectionID)
	return nil
}

// ----------------------------------------------------------------------------
// Automations
// ----------------------------------------------------------------------------

func (m *MemoryStore) UpsertAutomation(_ context.Context, organizationID string, auto *core.DiscoveredAutomation) (*core.DiscoveredAutomation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	auto.OrganizationID = organizationID
	now := time.Now()
	key := compositeKey(organizationID, auto.ConnectionID, auto.ExternalID)

	if existingID, seen := m.autoByKey[key]; seen {
		existing := m.autos[existingID]

		updated := *auto
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		// FirstDiscoveredAt is immutable
		updated.FirstDiscoveredAt = existing.FirstDiscoveredAt
		// LastSeenAt never moves backwards
		if updated.LastSeenAt.Before(existing.LastSeenAt) {
			updated.LastSeenAt = existing.LastSeenAt
		}
		if updated.LastSeenAt.IsZero() {
			updated.LastSeenAt = now
		}
		// A re-observed automation is active again
		updated.IsActive = true
		updated.UpdatedAt = now

		m.autos[existing.ID] = &updated
		cp := updated
		return &cp, false, nil
	}

	created := *auto
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.FirstDiscoveredAt.IsZero() {
		created.FirstDiscoveredAt = now
	}
	if created.LastSeenAt.IsZero() {
		created.LastSeenAt = created.FirstDiscoveredAt
	}
	created.IsActive = true
	created.CreatedAt = now
	created.UpdatedAt = now

	m.autos[created.ID] = &created
	m.autoByKey[key] = created.ID
	cp := created
	return &cp, true, nil
}

func (m *MemoryStore) GetAutomation(_ context.Context, organizationID, automationID string) (*core.DiscoveredAutomation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	auto, ok := m.autos[automationID]
	if !ok || auto.OrganizationID != organizationID {
		return nil, faults.NotFound("automation")
	}
	cp := *auto
	return &cp, nil
}

func (m *MemoryStore) ListAutomations(_ context.Context, organizationID string, filter AutomationFilter) ([]*core.DiscoveredAutomation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.DiscoveredAutomation
	for _, auto := range m.autos {
		if auto.OrganizationID != organizationID {
			continue
		}
		if filter.ConnectionID != "" && auto.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.Type != "" && auto.AutomationType != filter.Type {
			continue
		}
		if filter.OnlyActive && !auto.IsActive {
			continue
		}
		if filter.OnlyAI && !auto.Detection.IsAIPlatform {
			continue
		}
		cp := *auto
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SoftDeleteAutomation(_ context.Context, organizationID, automationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	auto, ok := m.autos[automationID]
	if !ok || auto.OrganizationID != organizationID {
		return faults.NotFound("automation")
	}
	auto.IsActive = false
	auto.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkConnectionAutomationsInactive(_ context.Context, organizationID, connectionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	now := time.Now()
	for _, auto := range m.autos {
		if auto.OrganizationID == organizationID && auto.ConnectionID == connectionID && auto.IsActive {
			auto.IsActive = false
			auto.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) MarkStaleInactive(_ context.Context, organizationID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	now := time.Now()
	for _, auto := range m.autos {
		if auto.OrganizationID == organizationID && auto.IsActive && auto.LastSeenAt.Before(cutoff) {
			auto.IsActive = false
			auto.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// ----------------------------------------------------------------------------
// Runs
// ----------------------------------------------------------------------------

func (m *MemoryStore) CreateRun(_ context.Context, run *core.DiscoveryRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = core.RunQueued
	}

	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, organizationID, runID string) (*core.DiscoveryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok || run.OrganizationID != organizationID {
		return nil, faults.NotFound("discovery run")
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, organizationID string, run *core.DiscoveryRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[run.ID]
	if !ok || stored.OrganizationID != organizationID {
		return faults.NotFound("discovery run")
	}
	if !stored.UpdatedAt.Equal(run.UpdatedAt) {
		return faults.Conflict("discovery run was modified concurrently")
	}

	run.OrganizationID = organizationID
	run.CreatedAt = stored.CreatedAt
	run.UpdatedAt = time.Now()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, organizationID string, filter RunFilter) ([]*core.DiscoveryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.DiscoveryRun
	for _, run := range m.runs {
		if run.OrganizationID != organizationID {
			continue
		}
		if filter.ConnectionID != "" && run.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveRunForConnection(_ context.Context, organizationID, connectionID string) (*core.DiscoveryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, run := range m.runs {
		if run.OrganizationID == organizationID &&
			run.ConnectionID == connectionID &&
			!run.Status.Terminal() {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

// ----------------------------------------------------------------------------
// Assessments
// ----------------------------------------------------------------------------

func (m *MemoryStore) SaveAssessment(_ context.Context, assessment *core.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if assessment.ID == "" {
		assessment.ID = uuid.NewString()
	}
	if assessment.AssessedAt.IsZero() {
		assessment.AssessedAt = time.Now()
	}

	cp := *assessment
	m.assessments[assessment.AutomationID] = append(m.assessments[assessment.AutomationID], &cp)
	return nil
}

func (m *MemoryStore) LatestAssessment(_ context.Context, organizationID, automationID string) (*core.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.assessments[automationID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].OrganizationID == organizationID {
			cp := *history[i]
			return &cp, nil
		}
	}
	return nil, faults.NotFound("risk assessment")
}

func (m *MemoryStore) ListAssessments(_ context.Context, organizationID, automationID string, since time.Time) ([]*core.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.RiskAssessment
	for _, a := range m.assessments[automationID] {
		if a.OrganizationID != organizationID {
			continue
		}
		if !since.IsZero() && a.AssessedAt.Before(since) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssessedAt.Before(out[j].AssessedAt) })
	return out, nil
}

func (m *MemoryStore) CountByRiskLevel(_ context.Context, organizationID string) (map[core.RiskLevel]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[core.RiskLevel]int)
	for automationID, history := range m.assessments {
		auto, ok := m.autos[automationID]
		if !ok || auto.OrganizationID != organizationID || !auto.IsActive {
			continue
		}
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].OrganizationID == organizationID {
				counts[history[i].OverallRisk]++
				break
			}
		}
	}
	return counts, nil
}

// ----------------------------------------------------------------------------
// Feedback
// ----------------------------------------------------------------------------

func (m *MemoryStore) CreateFeedback(_ context.Context, fb *core.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	now := time.Now()
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = now
	}
	fb.UpdatedAt = now
	if fb.Status == "" {
		fb.Status = core.FeedbackPending
	}

	cp := *fb
	m.feedback[fb.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFeedback(_ context.Context, organizationID, feedbackID string) (*core.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fb, ok := m.feedback[feedbackID]
	if !ok || fb.OrganizationID != organizationID {
		return nil, faults.NotFound("feedback")
	}
	cp := *fb
	return &cp, nil
}

func (m *MemoryStore) ListFeedback(_ context.Context, organizationID string, filter FeedbackFilter) ([]*core.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Feedback
	for _, fb := range m.feedback {
		if fb.OrganizationID != organizationID {
			continue
		}
		if filter.AutomationID != "" && fb.AutomationID != filter.AutomationID {
			continue
		}
		if filter.Status != "" && fb.Status != filter.Status {
			continue
		}
		if filter.Type != "" && fb.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && fb.CreatedAt.Before(filter.Since) {
			continue
		}
		cp := *fb
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateFeedbackStatus(_ context.Context, organizationID, feedbackID string, status core.FeedbackStatus, expectedUpdatedAt time.Time) (*core.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fb, ok := m.feedback[feedbackID]
	if !ok || fb.OrganizationID != organizationID {
		return nil, faults.NotFound("feedback")
	}
	if !fb.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, faults.Conflict("feedback was modified concurrently")
	}

	fb.Status = status
	fb.UpdatedAt = time.Now()
	cp := *fb
	return &cp, nil
}

// ----------------------------------------------------------------------------
// Detector configurations
// ----------------------------------------------------------------------------

func (m *MemoryStore) InsertDetectorConfig(_ context.Context, cfg *core.DetectorConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}

	key := compositeKey(cfg.OrganizationID, string(cfg.DetectorCode))
	versions := m.detectors[key]
	cfg.Version = len(versions) + 1

	cp := *cfg
	m.detectors[key] = append(versions, &cp)
	return nil
}

func (m *MemoryStore) ActiveDetectorConfigs(_ context.Context, organizationID string) (map[core.DetectorCode]*core.DetectorConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[core.DetectorCode]*core.DetectorConfiguration)
	prefix := organizationID + "|"
	for key, versions := range m.detectors {
		if !strings.HasPrefix(key, prefix) || len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]
		cp := *latest
		out[latest.DetectorCode] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListDetectorConfigVersions(_ context.Context, organizationID string, code core.DetectorCode) ([]*core.DetectorConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.detectors[compositeKey(organizationID, string(code))]
	out := make([]*core.DetectorConfiguration, 0, len(versions))
	for _, v := range versions {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Organizations and API keys
// ----------------------------------------------------------------------------

func (m *MemoryStore) CreateOrganization(_ context.Context, org *core.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, organizationID string) (*core.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	org, ok := m.orgs[organizationID]
	if !ok {
		return nil, nil
	}
	cp := *org
	return &cp, nil
}

func (m *MemoryStore) ListOrganizations(_ context.Context) ([]*core.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Organization, 0, len(m.orgs))
	for _, org := range m.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetAPIKey(_ context.Context, keyID string) (*core.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.apiKeys[keyID]
	if !ok {
		return nil, nil
	}
	cp := *key
	return &cp, nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *core.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	cp := *key
	m.apiKeys[key.KeyID] = &cp
	return nil
}

func (m *MemoryStore) TouchAPIKey(_ context.Context, keyID string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.apiKeys[keyID]; ok {
		key.LastUsedAt = &usedAt
	}
	return nil
}

func (m *MemoryStore) DeactivateAPIKey(_ context.Context, organizationID, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.apiKeys[keyID]
	if !ok || key.OrganizationID != organizationID {
		return faults.NotFound("api key")
	}
	key.Active = false
	return nil
}
