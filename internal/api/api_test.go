package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/umbrix/backend/internal/audit"
	"github.com/umbrix/backend/internal/config"
	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/crypto"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/feedback"
	"github.com/umbrix/backend/internal/identity"
	"github.com/umbrix/backend/internal/jobs"
	"github.com/umbrix/backend/internal/middleware"
	"github.com/umbrix/backend/internal/multitenancy"
	"github.com/umbrix/backend/internal/platform"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/internal/security"
	"github.com/umbrix/backend/internal/vault"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

// apiConnector is a minimal API-key adapter used to exercise the direct
// connect path without network calls.
type apiConnector struct {
	pf    core.Platform
	valid bool
}

func (c *apiConnector) Platform() core.Platform { return c.pf }
func (c *apiConnector) Capabilities() core.Capability {
	return core.CapAuth | core.CapList
}
func (c *apiConnector) Authenticate(_ context.Context, cred *core.Credential) (*platform.Handle, error) {
	return &platform.Handle{Platform: cred.Platform, WorkspaceID: "ws-1"}, nil
}
func (c *apiConnector) ValidateCredentials(_ context.Context, _ *core.Credential) (*core.ValidationResult, error) {
	return &core.ValidationResult{Valid: c.valid}, nil
}
func (c *apiConnector) DiscoverAutomations(_ context.Context, _ *core.Credential, _ string) (*core.AutomationPage, error) {
	return &core.AutomationPage{}, nil
}
func (c *apiConnector) GetAuditLogs(_ context.Context, _ *core.Credential, _ core.AuditQuery) (*core.AuditPage, error) {
	return &core.AuditPage{}, nil
}
func (c *apiConnector) RefreshCredentials(_ context.Context, _ *core.Credential) (*core.Credential, error) {
	return nil, nil
}

type fixture struct {
	server *Server
	router http.Handler
	store  *repo.MemoryStore
	vault  *vault.Vault
	broker *jobs.Broker
	trail  *audit.Trail
	apiKey string
	orgID  string
}

// fakeProvider stands in for a platform's OAuth token endpoint.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-123","token_type":"Bearer","refresh_token":"rt-456","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	const orgID = "org-1"

	cfg := &config.Config{}
	cfg.Server.Port = "0"
	cfg.Server.StateSecret = "state-secret"
	cfg.OAuth.StateTTLSeconds = 300
	cfg.OAuth.Google = config.OAuthApp{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/oauth/return",
	}
	cfg.Realtime.AllowedOrigins = []string{"*"}

	store := repo.NewMemoryStore()
	require.NoError(t, store.CreateOrganization(context.Background(), &core.Organization{
		ID: orgID, Name: "Acme", Status: core.OrgActive,
	}))

	orgStore := multitenancy.NewInMemoryOrganizationStore()
	orgStore.PutOrganization(&core.Organization{ID: orgID, Name: "Acme", Status: core.OrgActive})
	orgs := multitenancy.NewOrganizationManager(orgStore)
	tokens := identity.NewTokenService(identity.TokenServiceConfig{Secret: "test-secret", TTL: time.Hour})
	_, apiKey, err := orgs.CreateAPIKey(context.Background(), orgID, "ci", nil)
	require.NoError(t, err)

	cipher, err := crypto.NewCipher(testMasterKey)
	require.NoError(t, err)
	trail := audit.NewTrail(audit.TrailConfig{Store: audit.NewInMemoryStore()})
	v, err := vault.New(vault.Config{Cipher: cipher, Backing: vault.NewMemoryStore(), Trail: trail})
	require.NoError(t, err)

	provider := fakeProvider(t)
	flows := platform.NewFlows(cfg)
	flows.Endpoints[core.PlatformGoogle] = oauth2.Endpoint{
		AuthURL:  provider.URL + "/auth",
		TokenURL: provider.URL + "/token",
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := jobs.NewBroker(client)

	registry := platform.NewRegistry()
	registry.Register(&apiConnector{pf: core.PlatformClaude, valid: true})

	fbSvc := feedback.NewService(store, detect.NewConfigCache(store, detect.DefaultThresholds(), time.Minute))

	srv := NewServer(Deps{
		Config:   cfg,
		Store:    store,
		Vault:    v,
		Flows:    flows,
		Registry: registry,
		States: security.NewStateBroker(security.StateBrokerConfig{
			HMACSecret: cfg.Server.StateSecret,
			TTL:        5 * time.Minute,
		}),
		Broker:    broker,
		Scheduler: jobs.NewScheduler(broker),
		Feedback:  fbSvc,
		Auth:      middleware.NewAuthenticator(orgs, tokens),
		Trail:     trail,
	})

	return &fixture{
		server: srv,
		router: srv.Router(),
		store:  store,
		vault:  v,
		broker: broker,
		trail:  trail,
		apiKey: apiKey,
		orgID:  orgID,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestConnections_OAuthHandshake(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{
		"platform":    "google",
		"displayName": "Acme Workspace",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)

	authURL, _ := body["authorizationUrl"].(string)
	state, _ := body["state"].(string)
	require.NotEmpty(t, authURL)
	require.NotEmpty(t, state)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, state, parsed.Query().Get("state"))

	conn := body["connection"].(map[string]interface{})
	connID := conn["id"].(string)
	assert.Equal(t, string(core.ConnectionPending), conn["status"])

	// Callback arrives as a browser redirect: no bearer token, state only.
	cb := httptest.NewRequest(http.MethodGet,
		"/connections/"+connID+"/callback?code=good-code&state="+url.QueryEscape(state), nil)
	cbRec := httptest.NewRecorder()
	f.router.ServeHTTP(cbRec, cb)
	require.Equal(t, http.StatusOK, cbRec.Code, cbRec.Body.String())

	stored, err := f.store.GetConnection(context.Background(), f.orgID, connID)
	require.NoError(t, err)
	assert.Equal(t, core.ConnectionActive, stored.Status)

	cred, err := f.vault.Retrieve(context.Background(), f.orgID, connID)
	require.NoError(t, err)
	assert.Equal(t, "at-123", cred.AccessToken)
	assert.Equal(t, "rt-456", cred.RefreshToken)

	// Linking schedules the first discovery run immediately.
	depths, err := f.broker.Depths(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, depths[jobs.QueueDiscovery], int64(1))
}

func TestConnections_CallbackStateIsSingleUse(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{"platform": "google"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	state := body["state"].(string)
	connID := body["connection"].(map[string]interface{})["id"].(string)

	path := "/connections/" + connID + "/callback?code=good-code&state=" + url.QueryEscape(state)
	first := httptest.NewRecorder()
	f.router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, first.Code)

	replay := httptest.NewRecorder()
	f.router.ServeHTTP(replay, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestConnections_UnknownPlatformRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{"platform": "faxmachine"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
}

func TestConnections_APIKeyPlatformConnectsDirectly(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{
		"platform": "claude",
		"apiKey":   "sk-ant-admin-test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conn := decode(t, rec)["connection"].(map[string]interface{})
	assert.Equal(t, string(core.ConnectionActive), conn["status"])

	cred, err := f.vault.Retrieve(context.Background(), f.orgID, conn["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-admin-test", cred.AccessToken)
	assert.Equal(t, "api_key", cred.TokenType)
}

func TestConnections_APIKeyRequiredForNonOAuthPlatform(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{"platform": "claude"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	fieldErrs := body["fieldErrors"].([]interface{})
	require.Len(t, fieldErrs, 1)
	assert.Equal(t, "apiKey", fieldErrs[0].(map[string]interface{})["field"])
}

func TestConnections_DeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{
		"platform": "claude",
		"apiKey":   "sk-ant-admin-test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	connID := decode(t, rec)["connection"].(map[string]interface{})["id"].(string)

	auto := &core.DiscoveredAutomation{
		OrganizationID: f.orgID,
		ConnectionID:   connID,
		ExternalID:     "ext-1",
		Name:           "Claude integration",
		AutomationType: core.AutomationIntegration,
		IsActive:       true,
		LastSeenAt:     time.Now(),
	}
	_, _, err := f.store.UpsertAutomation(ctx, f.orgID, auto)
	require.NoError(t, err)

	del := f.do(t, http.MethodDelete, "/connections/"+connID, nil)
	require.Equal(t, http.StatusOK, del.Code, del.Body.String())
	body := decode(t, del)
	assert.Equal(t, true, body["disconnected"])
	assert.Equal(t, float64(1), body["automationsRetained"])

	_, err = f.store.GetConnection(ctx, f.orgID, connID)
	assert.Error(t, err)
	_, err = f.vault.Retrieve(ctx, f.orgID, connID)
	assert.Error(t, err)

	// Soft delete keeps the automation for trend continuity.
	autos, err := f.store.ListAutomations(ctx, f.orgID, repo.AutomationFilter{})
	require.NoError(t, err)
	require.Len(t, autos, 1)
	assert.False(t, autos[0].IsActive)
}

func TestConnections_DiscoverEnqueuesJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{
		"platform": "claude",
		"apiKey":   "sk-ant-admin-test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	connID := decode(t, rec)["connection"].(map[string]interface{})["id"].(string)

	disc := f.do(t, http.MethodPost, "/connections/"+connID+"/discover", nil)
	require.Equal(t, http.StatusAccepted, disc.Code, disc.Body.String())
	body := decode(t, disc)
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	job, err := f.broker.Job(context.Background(), jobs.QueueDiscovery, jobID)
	require.NoError(t, err)
	assert.Equal(t, f.orgID, job.Payload.OrganizationID)
	assert.Equal(t, connID, job.Payload.ConnectionID)
	assert.Equal(t, "api", job.Payload.TriggeredBy)
}

func TestConnections_DiscoverClearsStaleCancelFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/connections", map[string]interface{}{
		"platform": "claude",
		"apiKey":   "sk-ant-admin-test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	connID := decode(t, rec)["connection"].(map[string]interface{})["id"].(string)

	// Left behind by an earlier disconnect of this connection ID.
	require.NoError(t, f.broker.CancelConnection(ctx, f.orgID, connID))

	disc := f.do(t, http.MethodPost, "/connections/"+connID+"/discover", nil)
	require.Equal(t, http.StatusAccepted, disc.Code, disc.Body.String())

	assert.False(t, f.broker.IsCancelled(ctx, connID),
		"new run must not inherit the old cancel flag")
}

func TestConnections_DiscoverOnMissingConnectionIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connections/no-such-conn/discover", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "CONNECTION_NOT_FOUND", body["code"])
}

func seedScoredAutomation(t *testing.T, f *fixture, connID, name string, level core.RiskLevel) *core.DiscoveredAutomation {
	t.Helper()
	ctx := context.Background()
	auto := &core.DiscoveredAutomation{
		OrganizationID: f.orgID,
		ConnectionID:   connID,
		ExternalID:     "ext-" + name,
		Name:           name,
		AutomationType: core.AutomationIntegration,
		IsActive:       true,
		LastSeenAt:     time.Now(),
		Detection: core.DetectionMetadata{
			IsAIPlatform: true, AIProvider: "openai", Confidence: 0.9,
		},
	}
	stored, _, err := f.store.UpsertAutomation(ctx, f.orgID, auto)
	require.NoError(t, err)
	if level != "" {
		require.NoError(t, f.store.SaveAssessment(ctx, &core.RiskAssessment{
			ID:             "assess-" + name,
			OrganizationID: f.orgID,
			AutomationID:   stored.ID,
			OverallRisk:    level,
			RiskScore:      80,
			AssessedAt:     time.Now(),
		}))
	}
	return stored
}

func TestAutomations_ListWithFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	google := &core.PlatformConnection{
		ID: "conn-google", OrganizationID: f.orgID,
		Platform: core.PlatformGoogle, Status: core.ConnectionActive,
	}
	slack := &core.PlatformConnection{
		ID: "conn-slack", OrganizationID: f.orgID,
		Platform: core.PlatformSlack, Status: core.ConnectionActive,
	}
	require.NoError(t, f.store.CreateConnection(ctx, google))
	require.NoError(t, f.store.CreateConnection(ctx, slack))

	seedScoredAutomation(t, f, google.ID, "ChatGPT sync", core.RiskHigh)
	seedScoredAutomation(t, f, google.ID, "Sheets export", core.RiskLow)
	seedScoredAutomation(t, f, slack.ID, "Claude triage bot", core.RiskHigh)

	all := decode(t, f.do(t, http.MethodGet, "/automations", nil))
	assert.Equal(t, float64(3), all["total"])

	byPlatform := decode(t, f.do(t, http.MethodGet, "/automations?platform=google", nil))
	assert.Equal(t, float64(2), byPlatform["total"])

	byRisk := decode(t, f.do(t, http.MethodGet, "/automations?riskLevel=high", nil))
	assert.Equal(t, float64(2), byRisk["total"])

	bySearch := decode(t, f.do(t, http.MethodGet, "/automations?search=claude", nil))
	assert.Equal(t, float64(1), bySearch["total"])

	combined := decode(t, f.do(t, http.MethodGet, "/automations?platform=google&riskLevel=high", nil))
	assert.Equal(t, float64(1), combined["total"])

	paged := decode(t, f.do(t, http.MethodGet, "/automations?limit=2", nil))
	assert.Equal(t, float64(3), paged["total"])
	assert.Len(t, paged["automations"].([]interface{}), 2)
}

func TestAutomations_DetailIncludesLatestAssessment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := &core.PlatformConnection{
		ID: "conn-google", OrganizationID: f.orgID,
		Platform: core.PlatformGoogle, Status: core.ConnectionActive,
	}
	require.NoError(t, f.store.CreateConnection(ctx, conn))
	auto := seedScoredAutomation(t, f, conn.ID, "ChatGPT sync", core.RiskHigh)

	rec := f.do(t, http.MethodGet, "/automations/"+auto.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)

	got := body["automation"].(map[string]interface{})
	detection := got["detectionMetadata"].(map[string]interface{})
	assert.Equal(t, "openai", detection["aiProvider"])

	assessment := body["riskAssessment"].(map[string]interface{})
	assert.Equal(t, "high", assessment["overallRisk"])
}

func TestAutomations_CrossTenantLooksLikeMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another tenant's automation.
	other := &core.PlatformConnection{
		ID: "conn-other", OrganizationID: "org-2",
		Platform: core.PlatformGoogle, Status: core.ConnectionActive,
	}
	require.NoError(t, f.store.CreateConnection(ctx, other))
	stolen, _, err := f.store.UpsertAutomation(ctx, "org-2", &core.DiscoveredAutomation{
		OrganizationID: "org-2", ConnectionID: other.ID,
		ExternalID: "ext-x", Name: "secret", AutomationType: core.AutomationBot,
		IsActive: true, LastSeenAt: time.Now(),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/automations/"+stolen.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "AUTOMATION_NOT_FOUND", body["code"])
	assert.NotContains(t, rec.Body.String(), "org-2")

	// The denied lookup lands in the security trail.
	events, err := f.trail.GetResourceHistory(ctx, f.orgID, stolen.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestFeedback_CaptureAndFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := &core.PlatformConnection{
		ID: "conn-google", OrganizationID: f.orgID,
		Platform: core.PlatformGoogle, Status: core.ConnectionActive,
	}
	require.NoError(t, f.store.CreateConnection(ctx, conn))
	auto := seedScoredAutomation(t, f, conn.ID, "ChatGPT sync", core.RiskHigh)

	rec := f.do(t, http.MethodPost, "/feedback", map[string]interface{}{
		"automationId": auto.ID,
		"feedbackType": "false_positive",
		"userId":       "analyst-7",
		"comment":      "sanctioned integration",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fb := decode(t, rec)["feedback"].(map[string]interface{})
	fbID := fb["id"].(string)

	got := f.do(t, http.MethodGet, "/feedback/"+fbID, nil)
	require.Equal(t, http.StatusOK, got.Code)
}

func TestFeedback_CrossTenantReadIs404WithGenericBody(t *testing.T) {
	f := newFixture(t)

	otherStore := f.store
	fb := &core.Feedback{
		ID:             "fb-other",
		OrganizationID: "org-2",
		AutomationID:   "auto-x",
		Type:           core.FeedbackFalsePositive,
		UserID:         "analyst-1",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, otherStore.CreateFeedback(context.Background(), fb))

	rec := f.do(t, http.MethodGet, "/feedback/fb-other", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Feedback not found", body["error"])
	assert.Contains(t, body["message"], "does not exist or you do not have access to it")
	assert.NotContains(t, rec.Body.String(), "org-2")
}

func TestFeedback_TrainingBatchIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := &core.PlatformConnection{
		ID: "conn-google", OrganizationID: f.orgID,
		Platform: core.PlatformGoogle, Status: core.ConnectionActive,
	}
	require.NoError(t, f.store.CreateConnection(ctx, conn))
	auto := seedScoredAutomation(t, f, conn.ID, "ChatGPT sync", core.RiskHigh)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.CreateFeedback(ctx, &core.Feedback{
			ID:             fmt.Sprintf("fb-%d", i),
			OrganizationID: f.orgID,
			AutomationID:   auto.ID,
			Type:           core.FeedbackCorrectDetection,
			UserID:         "analyst-7",
			CreatedAt:      time.Now(),
		}))
	}

	rec := f.do(t, http.MethodGet, "/feedback/ml-training-batch?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["count"])

	// A limit above the cap falls back to the cap, not an error.
	rec = f.do(t, http.MethodGet, "/feedback/ml-training-batch?limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(5), body["count"])
}

func TestServer_UnauthenticatedRequestIs401(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/automations", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "UNAUTHORIZED", body["code"])
}

func TestServer_HealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
