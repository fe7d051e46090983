package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

// ============================================================================
// SUPABASE CLIENT
// ============================================================================

// SupabaseClient wraps the Supabase Go client. Rich records are stored as a
// JSON payload column next to the columns used for filtering, so the Go
// structs stay the single source of truth for the record shape.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a new Supabase client. Empty arguments fall back
// to the environment.
func NewSupabaseClient(url, key string) (*SupabaseClient, error) {
	if url == "" {
		url = os.Getenv("SUPABASE_URL")
	}
	if key == "" {
		key = os.Getenv("SUPABASE_SERVICE_KEY")
	}
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// ============================================================================
// GENERIC HELPERS — used by the audit store and other integrations
// ============================================================================

// InsertRow inserts a single row into any table.
func (sc *SupabaseClient) InsertRow(table string, row interface{}) error {
	_, _, err := sc.client.From(table).Insert(row, false, "", "", "").Execute()
	return err
}

// QueryRows queries rows from a table filtered by a single column.
func (sc *SupabaseClient) QueryRows(table, selectCols, filterCol, filterVal string, dest interface{}) error {
	_, err := sc.client.From(table).
		Select(selectCols, "", false).
		Eq(filterCol, filterVal).
		ExecuteTo(dest)
	return err
}

// ============================================================================
// ROW SHAPES
// Filter columns + full JSON payload, the same layout the audit store uses.
// ============================================================================

type connectionRow struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Platform       string `json:"platform"`
	Status         string `json:"status"`
	UpdatedAt      string `json:"updated_at"`
	Payload        string `json:"payload"`
}

type automationRow struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	ConnectionID   string `json:"connection_id"`
	ExternalID     string `json:"external_id"`
	IsActive       bool   `json:"is_active"`
	IsAI           bool   `json:"is_ai"`
	LastSeenAt     string `json:"last_seen_at"`
	UpdatedAt      string `json:"updated_at"`
	Payload        string `json:"payload"`
}

type runRow struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	ConnectionID   string `json:"connection_id"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	Payload        string `json:"payload"`
}

type assessmentRow struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	AutomationID   string `json:"automation_id"`
	OverallRisk    string `json:"overall_risk"`
	AssessedAt     string `json:"assessed_at"`
	Payload        string `json:"payload"`
}

type feedbackRow struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	AutomationID   string `json:"automation_id"`
	Status         string `json:"status"`
	FeedbackType   string `json:"feedback_type"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	Payload        string `json:"payload"`
}

type detectorConfigRow struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	DetectorCode   string `json:"detector_code"`
	Version        int    `json:"version"`
	CreatedAt      string `json:"created_at"`
	Payload        string `json:"payload"`
}

type organizationRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Plan      string `json:"plan"`
	Status    string `json:"status"`
	Settings  string `json:"settings"`
	CreatedAt string `json:"created_at"`
}

type apiKeyRow struct {
	KeyID          string  `json:"key_id"`
	OrganizationID string  `json:"organization_id"`
	Name           string  `json:"name"`
	SecretHash     string  `json:"secret_hash"`
	Scopes         string  `json:"scopes"`
	Active         bool    `json:"active"`
	ExpiresAt      *string `json:"expires_at"`
	LastUsedAt     *string `json:"last_used_at"`
	CreatedAt      string  `json:"created_at"`
}

const guardFormat = time.RFC3339Nano

// ============================================================================
// SUPABASE STORE
// ============================================================================

// SupabaseStore implements Store on top of the Supabase client.
type SupabaseStore struct {
	sc *SupabaseClient
}

// NewSupabaseStore wraps a client as a Store.
func NewSupabaseStore(sc *SupabaseClient) *SupabaseStore {
	return &SupabaseStore{sc: sc}
}

// Client exposes the underlying client for integrations that need the
// generic row helpers (the audit store).
func (s *SupabaseStore) Client() *SupabaseClient { return s.sc }

func marshalPayload(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// ----------------------------------------------------------------------------
// Connections
// ----------------------------------------------------------------------------

func (s *SupabaseStore) CreateConnection(ctx context.Context, conn *core.PlatformConnection) error {
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	if conn.Status == core.ConnectionActive {
		existing, err := s.ActiveConnectionForPlatform(ctx, conn.OrganizationID, conn.Platform)
		if err != nil {
			return err
		}
		if existing != nil {
			return faults.Conflict("an active connection for this platform already exists")
		}
	}

	payload, err := marshalPayload(conn)
	if err != nil {
		return err
	}
	row := connectionRow{
		ID:             conn.ID,
		OrganizationID: conn.OrganizationID,
		Platform:       string(conn.Platform),
		Status:         string(conn.Status),
		UpdatedAt:      conn.UpdatedAt.Format(guardFormat),
		Payload:        payload,
	}
	return s.sc.InsertRow("platform_connections", row)
}

func (s *SupabaseStore) GetConnection(_ context.Context, organizationID, connectionID string) (*core.PlatformConnection, error) {
	var rows []connectionRow
	_, err := s.sc.client.From("platform_connections").
		Select("*", "", false).
		Eq("id", connectionID).
		Eq("organization_id", organizationID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if len(rows) == 0 {
		return nil, faults.NotFound("connection")
	}

	var conn core.PlatformConnection
	if err := json.Unmarshal([]byte(rows[0].Payload), &conn); err != nil {
		return nil, fmt.Errorf("unmarshal connection: %w", err)
	}
	return &conn, nil
}

func (s *SupabaseStore) ListConnections(_ context.Context, organizationID string) ([]*core.PlatformConnection, error) {
	var rows []connectionRow
	_, err := s.sc.client.From("platform_connections").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Order("updated_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	out := make([]*core.PlatformConnection, 0, len(rows))
	for _, row := range rows {
		var conn core.PlatformConnection
		if err := json.Unmarshal([]byte(row.Payload), &conn); err != nil {
			continue
		}
		out = append(out, &conn)
	}
	return out, nil
}

func (s *SupabaseStore) ActiveConnectionForPlatform(_ context.Context, organizationID string, platform core.Platform) (*core.PlatformConnection, error) {
	var rows []connectionRow
	_, err := s.sc.client.From("platform_connections").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("platform", string(platform)).
		Eq("status", string(core.ConnectionActive)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("active connection lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var conn core.PlatformConnection
	if err := json.Unmarshal([]byte(rows[0].Payload), &conn); err != nil {
		return nil, fmt.Errorf("unmarshal connection: %w", err)
	}
	return &conn, nil
}

func (s *SupabaseStore) UpdateConnection(ctx context.Context, organizationID string, conn *core.PlatformConnection) error {
	expected := conn.UpdatedAt
	conn.OrganizationID = organizationID
	conn.UpdatedAt = time.Now()

	payload, err := marshalPayload(conn)
	if err != nil {
		return err
	}
	update := map[string]interface{}{
		"status":     string(conn.Status),
		"updated_at": conn.UpdatedAt.Format(guardFormat),
		"payload":    payload,
	}

	var result []connectionRow
	_, err = s.sc.client.From("platform_connections").
		Update(update, "", "").
		Eq("id", conn.ID).
		Eq("organization_id", organizationID).
		Eq("updated_at", expected.Format(guardFormat)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}

	// Zero rows means the guard missed: either the row is gone or someone
	// wrote between our read and this update.
	if len(result) == 0 {
		conn.UpdatedAt = expected
		if _, getErr := s.GetConnection(ctx, organizationID, conn.ID); getErr != nil {
			return getErr
		}
		return faults.Conflict("connection was modified concurrently")
	}
	return nil
}

func (s *SupabaseStore) DeleteConnection(ctx context.Context, organizationID, connectionID string) error {
	if _, err := s.GetConnection(ctx, organizationID, connectionID); err != nil {
		return err
	}

	_, _, err := s.sc.client.From("platform_connections").
		Delete("", "").
		Eq("id", connectionID).
		Eq("organization_id", organizationID).
		Execute()
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Automations
// ----------------------------------------------------------------------------

// Per-connection discovery is serialized by the scheduler lease, so the
// upsert path needs no version guard.
func (s *SupabaseStore) UpsertAutomation(ctx context.Context, organizationID string, auto *core.DiscoveredAutomation) (*core.DiscoveredAutomation, bool, error) {
	auto.OrganizationID = organizationID
	now := time.Now()

	var rows []automationRow
	_, err := s.sc.client.From("discovered_automations").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("connection_id", auto.ConnectionID).
		Eq("external_id", auto.ExternalID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, false, fmt.Errorf("upsert automation lookup: %w", err)
	}

	if len(rows) > 0 {
		var existing core.DiscoveredAutomation
		if err := json.Unmarshal([]byte(rows[0].Payload), &existing); err != nil {
			return nil, false, fmt.Errorf("unmarshal automation: %w", err)
		}

		updated := *auto
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		updated.FirstDiscoveredAt = existing.FirstDiscoveredAt
		if updated.LastSeenAt.Before(existing.LastSeenAt) {
			updated.LastSeenAt = existing.LastSeenAt
		}
		if updated.LastSeenAt.IsZero() {
			updated.LastSeenAt = now
		}
		updated.IsActive = true
		updated.UpdatedAt = now

		payload, err := marshalPayload(&updated)
		if err != nil {
			return nil, false, err
		}
		update := map[string]interface{}{
			"is_active":    true,
			"is_ai":        updated.Detection.IsAIPlatform,
			"last_seen_at": updated.LastSeenAt.Format(guardFormat),
			"updated_at":   updated.UpdatedAt.Format(guardFormat),
			"payload":      payload,
		}
		var result []automationRow
		_, err = s.sc.client.From("discovered_automations").
			Update(update, "", "").
			Eq("id", existing.ID).
			Eq("organization_id", organizationID).
			ExecuteTo(&result)
		if err != nil {
			return nil, false, fmt.Errorf("upsert automation update: %w", err)
		}
		return &updated, false, nil
	}

	created := *auto
	if created.FirstDiscoveredAt.IsZero() {
		created.FirstDiscoveredAt = now
	}
	if created.LastSeenAt.IsZero() {
		created.LastSeenAt = created.FirstDiscoveredAt
	}
	created.IsActive = true
	created.CreatedAt = now
	created.UpdatedAt = now

	payload, err := marshalPayload(&created)
	if err != nil {
		return nil, false, err
	}
	row := automationRow{
		ID:             created.ID,
		OrganizationID: organizationID,
		ConnectionID:   created.ConnectionID,
		ExternalID:     created.ExternalID,
		IsActive:       true,
		IsAI:           created.Detection.IsAIPlatform,
		LastSeenAt:     created.LastSeenAt.Format(guardFormat),
		UpdatedAt:      created.UpdatedAt.Format(guardFormat),
		Payload:        payload,
	}
	if err := s.sc.InsertRow("discovered_automations", row); err != nil {
		return nil, false, fmt.Errorf("upsert automation insert: %w", err)
	}
	return &created, true, nil
}

func (s *SupabaseStore) GetAutomation(_ context.Context, organizationID, automationID string) (*core.DiscoveredAutomation, error) {
	var rows []automationRow
	_, err := s.sc.client.From("discovered_automations").
		Select("*", "", false).
		Eq("id", automationID).
		Eq("organization_id", organizationID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get automation: %w", err)
	}
	if len(rows) == 0 {
		return nil, faults.NotFound("automation")
	}

	var auto core.DiscoveredAutomation
	if err := json.Unmarshal([]byte(rows[0].Payload), &auto); err != nil {
		return nil, fmt.Errorf("unmarshal automation: %w", err)
	}
	return &auto, nil
}

func (s *SupabaseStore) ListAutomations(_ context.Context, organizationID string, filter AutomationFilter) ([]*core.DiscoveredAutomation, error) {
	query := s.sc.client.From("discovered_automations").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Order("last_seen_at", nil)

	if filter.ConnectionID != "" {
		query = query.Eq("connection_id", filter.ConnectionID)
	}
	if filter.OnlyActive {
		query = query.Eq("is_active", "true")
	}
	if filter.OnlyAI {
		query = query.Eq("is_ai", "true")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit, "")
	}

	var rows []automationRow
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}

	out := make([]*core.DiscoveredAutomation, 0, len(rows))
	for _, row := range rows {
		var auto core.DiscoveredAutomation
		if err := json.Unmarshal([]byte(row.Payload), &auto); err != nil {
			continue
		}
		// Type filter applies client-side; it has no dedicated column.
		if filter.Type != "" && auto.AutomationType != filter.Type {
			continue
		}
		out = append(out, &auto)
	}
	return out, nil
}

func (s *SupabaseStore) SoftDeleteAutomation(ctx context.Context, organizationID, automationID string) error {
	auto, err := s.GetAutomation(ctx, organizationID, automationID)
	if err != nil {
		return err
	}
	auto.IsActive = false
	auto.UpdatedAt = time.Now()

	payload, err := marshalPayload(auto)
	if err != nil {
		return err
	}
	update := map[string]interface{}{
		"is_active":  false,
		"updated_at": auto.UpdatedAt.Format(guardFormat),
		"payload":    payload,
	}
	var result []automationRow
	_, err = s.sc.client.From("discovered_automations").
		Update(update, "", "").
		Eq("id", automationID).
		Eq("organization_id", organizationID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("soft delete automation: %w", err)
	}
	return nil
}

func (s *SupabaseStore) MarkConnectionAutomationsInactive(_ context.Context, organizationID, connectionID string) (int, error) {
	update := map[string]interface{}{
		"is_active":  false,
		"updated_at": time.Now().Format(guardFormat),
	}
	var result []automationRow
	_, err := s.sc.client.From("discovered_automations").
		Update(update, "", "").
		Eq("organization_id", organizationID).
		Eq("connection_id", connectionID).
		Eq("is_active", "true").
		ExecuteTo(&result)
	if err != nil {
		return 0, fmt.Errorf("mark connection automations inactive: %w", err)
	}
	return len(result), nil
}

func (s *SupabaseStore) MarkStaleInactive(_ context.Context, organizationID string, cutoff time.Time) (int, error) {
	update := map[string]interface{}{
		"is_active":  false,
		"updated_at": time.Now().Format(guardFormat),
	}
	var result []automationRow
	_, err := s.sc.client.From("discovered_automations").
		Update(update, "", "").
		Eq("organization_id", organizationID).
		Eq("is_active", "true").
		Lt("last_seen_at", cutoff.Format(guardFormat)).
		ExecuteTo(&result)
	if err != nil {
		return 0, fmt.Errorf("mark stale inactive: %w", err)
	}
	return len(result), nil
}

// ----------------------------------------------------------------------------
// Runs
// ----------------------------------------------------------------------------

func (s *SupabaseStore) CreateRun(_ context.Context, run *core.DiscoveryRun) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = core.RunQueued
	}

	payload, err := marshalPayload(run)
	if err != nil {
		return err
	}
	row := runRow{
		ID:             run.ID,
		OrganizationID: run.OrganizationID,
		ConnectionID:   run.ConnectionID,
		Status:         string(run.Status),
		CreatedAt:      run.CreatedAt.Format(guardFormat),
		UpdatedAt:      run.UpdatedAt.Format(guardFormat),
		Payload:        payload,
	}
	return s.sc.InsertRow("discovery_runs", row)
}

func (s *SupabaseStore) GetRun(_ context.Context, organizationID, runID string) (*core.DiscoveryRun, error) {
	var rows []runRow
	_, err := s.sc.client.From("discovery_runs").
		Select("*", "", false).
		Eq("id", runID).
		Eq("organization_id", organizationID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(rows) == 0 {
		return nil, faults.NotFound("discovery run")
	}

	var run core.DiscoveryRun
	if err := json.Unmarshal([]byte(rows[0].Payload), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *SupabaseStore) UpdateRun(ctx context.Context, organizationID string, run *core.DiscoveryRun) error {
	expected := run.UpdatedAt
	run.OrganizationID = organizationID
	run.UpdatedAt = time.Now()

	payload, err := marshalPayload(run)
	if err != nil {
		return err
	}
	update := map[string]interface{}{
		"status":     string(run.Status),
		"updated_at": run.UpdatedAt.Format(guardFormat),
		"payload":    payload,
	}

	var result []runRow
	_, err = s.sc.client.From("discovery_runs").
		Update(update, "", "").
		Eq("id", run.ID).
		Eq("organization_id", organizationID).
		Eq("updated_at", expected.Format(guardFormat)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if len(result) == 0 {
		run.UpdatedAt = expected
		if _, getErr := s.GetRun(ctx, organizationID, run.ID); getErr != nil {
			return getErr
		}
		return faults.Conflict("discovery run was modified concurrently")
	}
	return nil
}

func (s *SupabaseStore) ListRuns(_ context.Context, organizationID string, filter RunFilter) ([]*core.DiscoveryRun, error) {
	query := s.sc.client.From("discovery_runs").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Order("created_at", nil)

	if filter.ConnectionID != "" {
		query = query.Eq("connection_id", filter.ConnectionID)
	}
	if filter.Status != "" {
		query = query.Eq("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit, "")
	}

	var rows []runRow
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]*core.DiscoveryRun, 0, len(rows))
	for _, row := range rows {
		var run core.DiscoveryRun
		if err := json.Unmarshal([]byte(row.Payload), &run); err != nil {
			continue
		}
		out = append(out, &run)
	}
	return out, nil
}

func (s *SupabaseStore) ActiveRunForConnection(_ context.Context, organizationID, connectionID string) (*core.DiscoveryRun, error) {
	var rows []runRow
	_, err := s.sc.client.From("discovery_runs").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("connection_id", connectionID).
		In("status", []string{string(core.RunQueued), string(core.RunRunning)}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("active run lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var run core.DiscoveryRun
	if err := json.Unmarshal([]byte(rows[0].Payload), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// ----------------------------------------------------------------------------
// Assessments
// ----------------------------------------------------------------------------

func (s *SupabaseStore) SaveAssessment(_ context.Context, assessment *core.RiskAssessment) error {
	if assessment.AssessedAt.IsZero() {
		assessment.AssessedAt = time.Now()
	}

	payload, err := marshalPayload(assessment)
	if err != nil {
		return err
	}
	row := assessmentRow{
		ID:             assessment.ID,
		OrganizationID: assessment.OrganizationID,
		AutomationID:   assessment.AutomationID,
		OverallRisk:    string(assessment.OverallRisk),
		AssessedAt:     assessment.AssessedAt.Format(guardFormat),
		Payload:        payload,
	}
	return s.sc.InsertRow("risk_assessments", row)
}

func (s *SupabaseStore) LatestAssessment(_ context.Context, organizationID, automationID string) (*core.RiskAssessment, error) {
	var rows []assessmentRow
	_, err := s.sc.client.From("risk_assessments").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("automation_id", automationID).
		Order("assessed_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("latest assessment: %w", err)
	}
	if len(rows) == 0 {
		return nil, faults.NotFound("risk assessment")
	}

	var latest core.RiskAssessment
	if err := json.Unmarshal([]byte(rows[len(rows)-1].Payload), &latest); err != nil {
		return nil, fmt.Errorf("unmarshal assessment: %w", err)
	}
	return &latest, nil
}

func (s *SupabaseStore) ListAssessments(_ context.Context, organizationID, automationID string, since time.Time) ([]*core.RiskAssessment, error) {
	query := s.sc.client.From("risk_assessments").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("automation_id", automationID).
		Order("assessed_at", nil)
	if !since.IsZero() {
		query = query.Gte("assessed_at", since.Format(guardFormat))
	}

	var rows []assessmentRow
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}

	out := make([]*core.RiskAssessment, 0, len(rows))
	for _, row := range rows {
		var a core.RiskAssessment
		if err := json.Unmarshal([]byte(row.Payload), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

func (s *SupabaseStore) CountByRiskLevel(ctx context.Context, organizationID string) (map[core.RiskLevel]int, error) {
	// Active automations first, then their latest assessments client-side.
	autos, err := s.ListAutomations(ctx, organizationID, AutomationFilter{OnlyActive: true})
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(autos))
	for _, a := range autos {
		active[a.ID] = true
	}

	var rows []assessmentRow
	_, err = s.sc.client.From("risk_assessments").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Order("assessed_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("count by risk level: %w", err)
	}

	latest := make(map[string]core.RiskLevel)
	for _, row := range rows {
		if active[row.AutomationID] {
			latest[row.AutomationID] = core.RiskLevel(row.OverallRisk)
		}
	}

	counts := make(map[core.RiskLevel]int)
	for _, level := range latest {
		counts[level]++
	}
	return counts, nil
}

// ----------------------------------------------------------------------------
// Feedback
// ----------------------------------------------------------------------------

func (s *SupabaseStore) CreateFeedback(_ context.Context, fb *core.Feedback) error {
	now := time.Now()
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = now
	}
	fb.UpdatedAt = now
	if fb.Status == "" {
		fb.Status = core.FeedbackPending
	}

	payload, err := marshalPayload(fb)
	if err != nil {
		return err
	}
	row := feedbackRow{
		ID:             fb.ID,
		OrganizationID: fb.OrganizationID,
		AutomationID:   fb.AutomationID,
		Status:         string(fb.Status),
		FeedbackType:   string(fb.Type),
		CreatedAt:      fb.CreatedAt.Format(guardFormat),
		UpdatedAt:      fb.UpdatedAt.Format(guardFormat),
		Payload:        payload,
	}
	return s.sc.InsertRow("feedback", row)
}

func (s *SupabaseStore) GetFeedback(_ context.Context, organizationID, feedbackID string) (*core.Feedback, error) {
	var rows []feedbackRow
	_, err := s.sc.client.From("feedback").
		Select("*", "", false).
		Eq("id", feedbackID).
		Eq("organization_id", organizationID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	if len(rows) == 0 {
		return nil, faults.NotFound("feedback")
	}

	var fb core.Feedback
	if err := json.Unmarshal([]byte(rows[0].Payload), &fb); err != nil {
		return nil, fmt.Errorf("unmarshal feedback: %w", err)
	}
	return &fb, nil
}

func (s *SupabaseStore) ListFeedback(_ context.Context, organizationID string, filter FeedbackFilter) ([]*core.Feedback, error) {
	query := s.sc.client.From("feedback").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Order("created_at", nil)

	if filter.AutomationID != "" {
		query = query.Eq("automation_id", filter.AutomationID)
	}
	if filter.Status != "" {
		query = query.Eq("status", string(filter.Status))
	}
	if filter.Type != "" {
		query = query.Eq("feedback_type", string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query = query.Gte("created_at", filter.Since.Format(guardFormat))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit, "")
	}

	var rows []feedbackRow
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}

	out := make([]*core.Feedback, 0, len(rows))
	for _, row := range rows {
		var fb core.Feedback
		if err := json.Unmarshal([]byte(row.Payload), &fb); err != nil {
			continue
		}
		out = append(out, &fb)
	}
	return out, nil
}

func (s *SupabaseStore) UpdateFeedbackStatus(ctx context.Context, organizationID, feedbackID string, status core.FeedbackStatus, expectedUpdatedAt time.Time) (*core.Feedback, error) {
	fb, err := s.GetFeedback(ctx, organizationID, feedbackID)
	if err != nil {
		return nil, err
	}

	fb.Status = status
	fb.UpdatedAt = time.Now()
	payload, err := marshalPayload(fb)
	if err != nil {
		return nil, err
	}
	update := map[string]interface{}{
		"status":     string(status),
		"updated_at": fb.UpdatedAt.Format(guardFormat),
		"payload":    payload,
	}

	var result []feedbackRow
	_, err = s.sc.client.From("feedback").
		Update(update, "", "").
		Eq("id", feedbackID).
		Eq("organization_id", organizationID).
		Eq("updated_at", expectedUpdatedAt.Format(guardFormat)).
		ExecuteTo(&result)
	if err != nil {
		return nil, fmt.Errorf("update feedback: %w", err)
	}
	if len(result) == 0 {
		return nil, faults.Conflict("feedback was modified concurrently")
	}
	return fb, nil
}

// ----------------------------------------------------------------------------
// Detector configurations
// ----------------------------------------------------------------------------

func (s *SupabaseStore) InsertDetectorConfig(ctx context.Context, cfg *core.DetectorConfiguration) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}

	versions, err := s.ListDetectorConfigVersions(ctx, cfg.OrganizationID, cfg.DetectorCode)
	if err != nil {
		return err
	}
	cfg.Version = len(versions) + 1

	payload, err := marshalPayload(cfg)
	if err != nil {
		return err
	}
	row := detectorConfigRow{
		ID:             cfg.ID,
		OrganizationID: cfg.OrganizationID,
		DetectorCode:   string(cfg.DetectorCode),
		Version:        cfg.Version,
		CreatedAt:      cfg.CreatedAt.Format(guardFormat),
		Payload:        payload,
	}
	return s.sc.InsertRow("detector_configurations", row)
}

func (s *SupabaseStore) ActiveDetectorConfigs(_ context.Context, organizationID string) (map[core.DetectorCode]*core.DetectorConfiguration, error) {
	var rows []detectorConfigRow
	_, err := s.sc.client.From("detector_configurations").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Order("version", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("active detector configs: %w", err)
	}

	out := make(map[core.DetectorCode]*core.DetectorConfiguration)
	for _, row := range rows {
		var cfg core.DetectorConfiguration
		if err := json.Unmarshal([]byte(row.Payload), &cfg); err != nil {
			continue
		}
		current, ok := out[cfg.DetectorCode]
		if !ok || cfg.Version > current.Version {
			out[cfg.DetectorCode] = &cfg
		}
	}
	return out, nil
}

func (s *SupabaseStore) ListDetectorConfigVersions(_ context.Context, organizationID string, code core.DetectorCode) ([]*core.DetectorConfiguration, error) {
	var rows []detectorConfigRow
	_, err := s.sc.client.From("detector_configurations").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("detector_code", string(code)).
		Order("version", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list detector config versions: %w", err)
	}

	out := make([]*core.DetectorConfiguration, 0, len(rows))
	for _, row := range rows {
		var cfg core.DetectorConfiguration
		if err := json.Unmarshal([]byte(row.Payload), &cfg); err != nil {
			continue
		}
		out = append(out, &cfg)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Organizations and API keys
// ----------------------------------------------------------------------------

func (s *SupabaseStore) CreateOrganization(_ context.Context, org *core.Organization) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}
	settings, err := json.Marshal(org.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	row := organizationRow{
		ID:        org.ID,
		Name:      org.Name,
		Plan:      org.Plan,
		Status:    string(org.Status),
		Settings:  string(settings),
		CreatedAt: org.CreatedAt.Format(guardFormat),
	}
	return s.sc.InsertRow("organizations", row)
}

func (s *SupabaseStore) GetOrganization(_ context.Context, organizationID string) (*core.Organization, error) {
	var rows []organizationRow
	_, err := s.sc.client.From("organizations").
		Select("*", "", false).
		Eq("id", organizationID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	org := &core.Organization{
		ID:     row.ID,
		Name:   row.Name,
		Plan:   row.Plan,
		Status: core.OrgStatus(row.Status),
	}
	if row.Settings != "" {
		_ = json.Unmarshal([]byte(row.Settings), &org.Settings)
	}
	if t, err := time.Parse(guardFormat, row.CreatedAt); err == nil {
		org.CreatedAt = t
	}
	return org, nil
}

func (s *SupabaseStore) ListOrganizations(_ context.Context) ([]*core.Organization, error) {
	var rows []organizationRow
	_, err := s.sc.client.From("organizations").
		Select("*", "", false).
		Eq("status", string(core.OrgActive)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}

	out := make([]*core.Organization, 0, len(rows))
	for _, row := range rows {
		org := &core.Organization{
			ID:     row.ID,
			Name:   row.Name,
			Plan:   row.Plan,
			Status: core.OrgStatus(row.Status),
		}
		if row.Settings != "" {
			_ = json.Unmarshal([]byte(row.Settings), &org.Settings)
		}
		if t, err := time.Parse(guardFormat, row.CreatedAt); err == nil {
			org.CreatedAt = t
		}
		out = append(out, org)
	}
	return out, nil
}

func (s *SupabaseStore) GetAPIKey(_ context.Context, keyID string) (*core.APIKey, error) {
	var rows []apiKeyRow
	_, err := s.sc.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	key := &core.APIKey{
		KeyID:          row.KeyID,
		OrganizationID: row.OrganizationID,
		Name:           row.Name,
		SecretHash:     row.SecretHash,
		Active:         row.Active,
	}
	if row.Scopes != "" {
		_ = json.Unmarshal([]byte(row.Scopes), &key.Scopes)
	}
	if row.ExpiresAt != nil {
		if t, err := time.Parse(guardFormat, *row.ExpiresAt); err == nil {
			key.ExpiresAt = &t
		}
	}
	if row.LastUsedAt != nil {
		if t, err := time.Parse(guardFormat, *row.LastUsedAt); err == nil {
			key.LastUsedAt = &t
		}
	}
	if t, err := time.Parse(guardFormat, row.CreatedAt); err == nil {
		key.CreatedAt = t
	}
	return key, nil
}

func (s *SupabaseStore) CreateAPIKey(_ context.Context, key *core.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	row := apiKeyRow{
		KeyID:          key.KeyID,
		OrganizationID: key.OrganizationID,
		Name:           key.Name,
		SecretHash:     key.SecretHash,
		Scopes:         string(scopes),
		Active:         key.Active,
		CreatedAt:      key.CreatedAt.Format(guardFormat),
	}
	if key.ExpiresAt != nil {
		v := key.ExpiresAt.Format(guardFormat)
		row.ExpiresAt = &v
	}
	return s.sc.InsertRow("api_keys", row)
}

func (s *SupabaseStore) TouchAPIKey(_ context.Context, keyID string, usedAt time.Time) error {
	update := map[string]interface{}{
		"last_used_at": usedAt.Format(guardFormat),
	}
	var result []apiKeyRow
	_, err := s.sc.client.From("api_keys").
		Update(update, "", "").
		Eq("key_id", keyID).
		ExecuteTo(&result)
	return err
}

func (s *SupabaseStore) DeactivateAPIKey(_ context.Context, organizationID, keyID string) error {
	update := map[string]interface{}{
		"active": false,
	}
	var result []apiKeyRow
	_, err := s.sc.client.From("api_keys").
		Update(update, "", "").
		Eq("key_id", keyID).
		Eq("organization_id", organizationID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	if len(result) == 0 {
		return faults.NotFound("api key")
	}
	return nil
}
