package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/crypto"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/platform"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/internal/risk"
	"github.com/umbrix/backend/internal/vault"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type recordingBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (b *recordingBus) Publish(_ context.Context, e *events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) ofKind(kind events.Kind) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*events.Event
	for _, e := range b.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type memLeases struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLeases() *memLeases { return &memLeases{held: make(map[string]string)} }

func (l *memLeases) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return false, nil
	}
	l.held[key] = value
	return true, nil
}

func (l *memLeases) Get(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key], nil
}

func (l *memLeases) Del(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.held, k)
	}
	return nil
}

func (l *memLeases) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }

// fakeConnector serves canned pages for the Google adapter slot.
type fakeConnector struct {
	pages       []core.AutomationPage
	auditPages  []core.AuditPage
	discoverErr error
	calls       int
}

func (f *fakeConnector) Platform() core.Platform { return core.PlatformGoogle }
func (f *fakeConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList | core.CapAuditStream
}

func (f *fakeConnector) Authenticate(_ context.Context, _ *core.Credential) (*platform.Handle, error) {
	return &platform.Handle{Platform: core.PlatformGoogle, WorkspaceID: "ws-1"}, nil
}

func (f *fakeConnector) ValidateCredentials(_ context.Context, _ *core.Credential) (*core.ValidationResult, error) {
	return &core.ValidationResult{Valid: true}, nil
}

func (f *fakeConnector) DiscoverAutomations(_ context.Context, _ *core.Credential, cursor string) (*core.AutomationPage, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	f.calls++
	idx := 0
	if cursor != "" {
		idx = 1
	}
	if idx >= len(f.pages) {
		return &core.AutomationPage{}, nil
	}
	return &f.pages[idx], nil
}

func (f *fakeConnector) GetAuditLogs(_ context.Context, _ *core.Credential, q core.AuditQuery) (*core.AuditPage, error) {
	if len(f.auditPages) == 0 {
		return &core.AuditPage{}, nil
	}
	return &f.auditPages[0], nil
}

func (f *fakeConnector) RefreshCredentials(_ context.Context, cred *core.Credential) (*core.Credential, error) {
	return cred, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const testMasterKey = "0123456789abcdef0123456789abcdef"

type fixture struct {
	store *repo.MemoryStore
	vault *vault.Vault
	bus   *recordingBus
	pipe  *Pipeline
	conn  *core.PlatformConnection
	fake  *fakeConnector
}

func openAIGrantPage() core.AutomationPage {
	return core.AutomationPage{Items: []core.RawAutomation{{
		ExternalID: "token-oauth-1",
		Platform:   core.PlatformGoogle,
		Kind:       core.AutomationIntegration,
		Name:       "ChatGPT",
		ClientID:   "77377267392-abc123.apps.googleusercontent.com",
		Scopes: []string{
			"https://www.googleapis.com/auth/drive.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
			"openid",
		},
		Source:     "tokens_api",
		ObservedAt: time.Now().UTC().Add(-time.Hour),
	}}}
}

func newFixture(t *testing.T, fake *fakeConnector, credExpiry time.Time) *fixture {
	t.Helper()
	ctx := context.Background()

	store := repo.NewMemoryStore()
	require.NoError(t, store.CreateOrganization(ctx, &core.Organization{
		ID: "org-1", Name: "Acme", Status: core.OrgActive, CreatedAt: time.Now().UTC(),
	}))
	conn := &core.PlatformConnection{
		ID:             "conn-1",
		OrganizationID: "org-1",
		Platform:       core.PlatformGoogle,
		DisplayName:    "Acme Workspace",
		Status:         core.ConnectionActive,
		Capabilities:   core.CapAuth | core.CapList | core.CapAuditStream,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateConnection(ctx, conn))

	cipher, err := crypto.NewCipher(testMasterKey)
	require.NoError(t, err)
	v, err := vault.New(vault.Config{Cipher: cipher, Backing: vault.NewMemoryStore()})
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, &core.Credential{
		ConnectionID:   "conn-1",
		OrganizationID: "org-1",
		Platform:       core.PlatformGoogle,
		AccessToken:    "ya29.test",
		TokenType:      "Bearer",
		IssuedAt:       time.Now().UTC(),
		ExpiresAt:      credExpiry,
	}))

	registry := platform.NewRegistry()
	registry.Register(fake)

	bus := &recordingBus{}
	configs := detect.NewConfigCache(store, detect.DefaultThresholds(), time.Minute)
	pipe := NewPipeline(store, registry, v, detect.NewDefaultClassifier(), configs,
		bus, newMemLeases(), nil, Options{})
	return &fixture{store: store, vault: v, bus: bus, pipe: pipe, conn: conn, fake: fake}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPipeline_DiscoversOpenAIGrant(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnector{pages: []core.AutomationPage{openAIGrantPage()}}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	result, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)
	assert.Contains(t, result, `"automationsFound":1`)

	autos, err := fx.store.ListAutomations(ctx, "org-1", repo.AutomationFilter{})
	require.NoError(t, err)
	require.Len(t, autos, 1)
	auto := autos[0]
	assert.True(t, auto.Detection.IsAIPlatform)
	assert.Equal(t, "openai", auto.Detection.AIProvider)
	assert.Equal(t, "oauth_tokens_api", auto.Detection.DetectionMethod)
	assert.InDelta(t, 0.95, auto.Detection.Confidence, 1e-9)
	assert.Contains(t, auto.Detection.RiskFactors, "ai_platform_integration")
	assert.Contains(t, auto.Detection.RiskFactors, "broad_oauth_scopes")
	assert.Contains(t, auto.Detection.RiskFactors, "data_access:google_drive")

	// The run closed cleanly and stamped the connection.
	runs, err := fx.store.ListRuns(ctx, "org-1", repo.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunCompleted, runs[0].Status)
	conn, _ := fx.store.GetConnection(ctx, "org-1", "conn-1")
	require.NotNil(t, conn.LastSyncAt)
}

func TestPipeline_ProgressIsMonotone(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnector{pages: []core.AutomationPage{openAIGrantPage()}}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	_, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)

	progress := fx.bus.ofKind(events.KindDiscoveryProgress)
	require.NotEmpty(t, progress)
	prev := -1
	for _, e := range progress {
		cur := e.Data["progress"].(int)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	assert.Equal(t, 100, prev)
}

func TestPipeline_RediscoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnector{pages: []core.AutomationPage{openAIGrantPage()}}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	_, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)
	autos, _ := fx.store.ListAutomations(ctx, "org-1", repo.AutomationFilter{})
	require.Len(t, autos, 1)
	first := autos[0].FirstDiscoveredAt

	result, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)
	assert.Contains(t, result, `"automationsUpdated":1`)

	autos, _ = fx.store.ListAutomations(ctx, "org-1", repo.AutomationFilter{})
	require.Len(t, autos, 1)
	assert.Equal(t, first, autos[0].FirstDiscoveredAt)
}

func TestPipeline_DedupesAcrossPages(t *testing.T) {
	ctx := context.Background()
	page1 := openAIGrantPage()
	page1.NextCursor = "p2"
	page2 := openAIGrantPage() // same externalId again after a cursor restart
	fake := &fakeConnector{pages: []core.AutomationPage{page1, page2}}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	result, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)
	assert.Contains(t, result, `"automationsFound":1`)
}

func TestPipeline_ExpiredCredentialMarksConnection(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnector{pages: []core.AutomationPage{openAIGrantPage()}}
	// Expired, and no refresher registered for the platform.
	fx := newFixture(t, fake, time.Now().UTC().Add(-time.Hour))

	_, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.Error(t, err)
	assert.False(t, faults.IsRetryable(err))

	conn, _ := fx.store.GetConnection(ctx, "org-1", "conn-1")
	assert.NotEqual(t, core.ConnectionActive, conn.Status)
	assert.NotEmpty(t, conn.LastErrorMessage)

	updates := fx.bus.ofKind(events.KindConnectionUpdate)
	require.NotEmpty(t, updates)

	runs, _ := fx.store.ListRuns(ctx, "org-1", repo.RunFilter{})
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunFailed, runs[0].Status)
}

func TestPipeline_RateLimitErrorPropagatesDelay(t *testing.T) {
	ctx := context.Background()
	resetAt := time.Now().UTC().Add(2 * time.Minute)
	fake := &fakeConnector{discoverErr: faults.RateLimited("google", resetAt)}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	_, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
	delay, ok := faults.RetryDelay(err)
	assert.True(t, ok)
	assert.Greater(t, delay, time.Duration(0))
}

func TestPipeline_LeaseSkipsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnector{pages: []core.AutomationPage{openAIGrantPage()}}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	leases := fx.pipe.leases
	_, err := leases.SetNX(ctx, fx.pipe.leaseKey("conn-1"), "other-run", time.Minute)
	require.NoError(t, err)

	result, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)
	assert.Contains(t, result, "run in progress")
	assert.Equal(t, 0, fake.calls)
}

func TestPipeline_BehavioralFindingsAttachToActor(t *testing.T) {
	ctx := context.Background()
	page := openAIGrantPage()
	// A burst of events from the discovered principal trips the velocity
	// detector and lands as a factor code on the automation.
	var evs []core.NormalizedAuditEvent
	base := time.Now().UTC().Add(-30 * time.Minute)
	for i := 0; i < 80; i++ {
		evs = append(evs, core.NormalizedAuditEvent{
			ID:         fmt.Sprintf("ev-%d", i),
			Platform:   core.PlatformGoogle,
			Action:     "drive.read",
			ActorID:    "token-oauth-1",
			OccurredAt: base.Add(time.Duration(i) * 300 * time.Millisecond),
		})
	}
	fake := &fakeConnector{
		pages:      []core.AutomationPage{page},
		auditPages: []core.AuditPage{{Events: evs}},
	}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	_, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)

	autos, _ := fx.store.ListAutomations(ctx, "org-1", repo.AutomationFilter{})
	require.Len(t, autos, 1)
	assert.Contains(t, autos[0].Detection.RiskFactors, "high_velocity")

	runs, _ := fx.store.ListRuns(ctx, "org-1", repo.RunFilter{})
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Stats.AlgorithmsExecuted, "velocity")
}

func TestRiskHandler_AssessesAndEmits(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnector{pages: []core.AutomationPage{openAIGrantPage()}}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	_, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)
	autos, _ := fx.store.ListAutomations(ctx, "org-1", repo.AutomationFilter{})
	require.Len(t, autos, 1)

	handler := NewRiskHandler(fx.store, risk.NewEngine(risk.NewMemoryLedger()), fx.bus, nil)
	assessment, err := handler.Assess(ctx, "org-1", autos[0].ID)
	require.NoError(t, err)

	// AI platform integrations never score below high.
	assert.Equal(t, core.RiskHigh, assessment.OverallRisk)
	assert.Equal(t, 85, assessment.RiskScore)

	stored, err := fx.store.LatestAssessment(ctx, "org-1", autos[0].ID)
	require.NoError(t, err)
	assert.Equal(t, assessment.ID, stored.ID)

	discovered := fx.bus.ofKind(events.KindAutomationDiscovered)
	require.Len(t, discovered, 1)
}

func TestRiskHandler_CrossTenantAutomationIsNotFound(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnector{pages: []core.AutomationPage{openAIGrantPage()}}
	fx := newFixture(t, fake, time.Now().UTC().Add(2*time.Hour))

	_, err := fx.pipe.Run(ctx, "org-1", "conn-1", "", nil)
	require.NoError(t, err)
	autos, _ := fx.store.ListAutomations(ctx, "org-1", repo.AutomationFilter{})
	require.Len(t, autos, 1)

	handler := NewRiskHandler(fx.store, risk.NewEngine(risk.NewMemoryLedger()), fx.bus, nil)
	_, err = handler.Assess(ctx, "org-2", autos[0].ID)
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, fe.StatusCode)
}
