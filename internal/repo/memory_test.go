package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/faults"
)

func newTestConnection(org string) *core.PlatformConnection {
	return &core.PlatformConnection{
		ID:             "conn-" + org,
		OrganizationID: org,
		Platform:       core.PlatformSlack,
		Status:         core.ConnectionActive,
		DisplayName:    "Test Workspace",
	}
}

func TestConnectionCrossOrgIsNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, newTestConnection("org-1")))

	// The owner sees it.
	conn, err := store.GetConnection(ctx, "org-1", "conn-org-1")
	require.NoError(t, err)
	assert.Equal(t, core.PlatformSlack, conn.Platform)

	// Another organization gets not found, never forbidden.
	_, err = store.GetConnection(ctx, "org-2", "conn-org-1")
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, f.StatusCode)
	assert.Equal(t, "CONNECTION_NOT_FOUND", f.Code)
}

func TestOneActiveConnectionPerPlatform(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, newTestConnection("org-1")))

	dup := newTestConnection("org-1")
	dup.ID = "conn-dup"
	err := store.CreateConnection(ctx, dup)
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", f.Code)

	// A different organization is unaffected.
	other := newTestConnection("org-2")
	other.ID = "conn-other"
	assert.NoError(t, store.CreateConnection(ctx, other))
}

func TestUpdateConnectionOptimisticConcurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, newTestConnection("org-1")))

	first, err := store.GetConnection(ctx, "org-1", "conn-org-1")
	require.NoError(t, err)
	second, err := store.GetConnection(ctx, "org-1", "conn-org-1")
	require.NoError(t, err)

	first.Status = core.ConnectionError
	require.NoError(t, store.UpdateConnection(ctx, "org-1", first))

	// The second reader holds a stale updated_at and must lose.
	second.Status = core.ConnectionInactive
	err = store.UpdateConnection(ctx, "org-1", second)
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", f.Code)
	assert.Equal(t, 409, f.StatusCode)

	current, err := store.GetConnection(ctx, "org-1", "conn-org-1")
	require.NoError(t, err)
	assert.Equal(t, core.ConnectionError, current.Status)
}

func TestUpsertAutomationDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	firstSeen := time.Now().Add(-48 * time.Hour)
	auto := &core.DiscoveredAutomation{
		ID:                "auto-1",
		OrganizationID:    "org-1",
		ConnectionID:      "conn-1",
		ExternalID:        "B012345",
		Name:              "deploy-bot",
		AutomationType:    core.AutomationBot,
		FirstDiscoveredAt: firstSeen,
		LastSeenAt:        firstSeen,
	}
	saved, created, err := store.UpsertAutomation(ctx, "org-1", auto)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, saved.IsActive)

	// Re-observation keeps identity and first-discovery, advances last-seen.
	again := &core.DiscoveredAutomation{
		ID:                "auto-ignored",
		OrganizationID:    "org-1",
		ConnectionID:      "conn-1",
		ExternalID:        "B012345",
		Name:              "deploy-bot v2",
		AutomationType:    core.AutomationBot,
		FirstDiscoveredAt: time.Now(),
		LastSeenAt:        time.Now(),
	}
	merged, created, err := store.UpsertAutomation(ctx, "org-1", again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "auto-1", merged.ID)
	assert.Equal(t, "deploy-bot v2", merged.Name)
	assert.True(t, merged.FirstDiscoveredAt.Equal(firstSeen))
	assert.True(t, merged.LastSeenAt.After(firstSeen))
}

func TestUpsertAutomationLastSeenNeverRegresses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	recent := time.Now()
	auto := &core.DiscoveredAutomation{
		ID:             "auto-1",
		OrganizationID: "org-1",
		ConnectionID:   "conn-1",
		ExternalID:     "B012345",
		LastSeenAt:     recent,
	}
	_, _, err := store.UpsertAutomation(ctx, "org-1", auto)
	require.NoError(t, err)

	// A replayed page carries an older observation time.
	stale := &core.DiscoveredAutomation{
		OrganizationID: "org-1",
		ConnectionID:   "conn-1",
		ExternalID:     "B012345",
		LastSeenAt:     recent.Add(-24 * time.Hour),
	}
	merged, _, err := store.UpsertAutomation(ctx, "org-1", stale)
	require.NoError(t, err)
	assert.True(t, merged.LastSeenAt.Equal(recent))
}

func TestSoftDeleteAndReactivation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	auto := &core.DiscoveredAutomation{
		ID:             "auto-1",
		OrganizationID: "org-1",
		ConnectionID:   "conn-1",
		ExternalID:     "B012345",
	}
	_, _, err := store.UpsertAutomation(ctx, "org-1", auto)
	require.NoError(t, err)

	require.NoError(t, store.SoftDeleteAutomation(ctx, "org-1", "auto-1"))

	got, err := store.GetAutomation(ctx, "org-1", "auto-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	// Soft-deleted rows drop out of the active listing but stay queryable.
	active, err := store.ListAutomations(ctx, "org-1", AutomationFilter{OnlyActive: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.ListAutomations(ctx, "org-1", AutomationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Seeing the automation again flips it back to active.
	reobserved := &core.DiscoveredAutomation{
		OrganizationID: "org-1",
		ConnectionID:   "conn-1",
		ExternalID:     "B012345",
		LastSeenAt:     time.Now(),
	}
	merged, created, err := store.UpsertAutomation(ctx, "org-1", reobserved)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, merged.IsActive)
}

func TestMarkConnectionAutomationsInactive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, ext := range []string{"B1", "B2", "B3"} {
		_, _, err := store.UpsertAutomation(ctx, "org-1", &core.DiscoveredAutomation{
			ID:             "auto-" + ext,
			OrganizationID: "org-1",
			ConnectionID:   "conn-1",
			ExternalID:     ext,
		})
		require.NoError(t, err)
	}
	_, _, err := store.UpsertAutomation(ctx, "org-1", &core.DiscoveredAutomation{
		ID:             "auto-keep",
		OrganizationID: "org-1",
		ConnectionID:   "conn-2",
		ExternalID:     "B9",
	})
	require.NoError(t, err)

	n, err := store.MarkConnectionAutomationsInactive(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	kept, err := store.GetAutomation(ctx, "org-1", "auto-keep")
	require.NoError(t, err)
	assert.True(t, kept.IsActive)
}

func TestMarkStaleInactive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-96 * time.Hour)
	_, _, err := store.UpsertAutomation(ctx, "org-1", &core.DiscoveredAutomation{
		ID: "auto-old", OrganizationID: "org-1", ConnectionID: "conn-1",
		ExternalID: "B-old", LastSeenAt: old, FirstDiscoveredAt: old,
	})
	require.NoError(t, err)
	_, _, err = store.UpsertAutomation(ctx, "org-1", &core.DiscoveredAutomation{
		ID: "auto-fresh", OrganizationID: "org-1", ConnectionID: "conn-1",
		ExternalID: "B-fresh", LastSeenAt: time.Now(),
	})
	require.NoError(t, err)

	n, err := store.MarkStaleInactive(ctx, "org-1", time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := store.GetAutomation(ctx, "org-1", "auto-old")
	require.NoError(t, err)
	assert.False(t, stale.IsActive)
}

func TestRunLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run := &core.DiscoveryRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		ConnectionID:   "conn-1",
	}
	require.NoError(t, store.CreateRun(ctx, run))
	assert.Equal(t, core.RunQueued, run.Status)

	active, err := store.ActiveRunForConnection(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "run-1", active.ID)

	active.Status = core.RunCompleted
	require.NoError(t, store.UpdateRun(ctx, "org-1", active))

	none, err := store.ActiveRunForConnection(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLatestAssessmentAndCounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.UpsertAutomation(ctx, "org-1", &core.DiscoveredAutomation{
		ID: "auto-1", OrganizationID: "org-1", ConnectionID: "conn-1", ExternalID: "B1",
	})
	require.NoError(t, err)

	require.NoError(t, store.SaveAssessment(ctx, &core.RiskAssessment{
		ID: "ra-1", OrganizationID: "org-1", AutomationID: "auto-1",
		OverallRisk: core.RiskMedium, RiskScore: 45,
		AssessedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.SaveAssessment(ctx, &core.RiskAssessment{
		ID: "ra-2", OrganizationID: "org-1", AutomationID: "auto-1",
		OverallRisk: core.RiskHigh, RiskScore: 85,
		AssessedAt: time.Now(),
	}))

	latest, err := store.LatestAssessment(ctx, "org-1", "auto-1")
	require.NoError(t, err)
	assert.Equal(t, "ra-2", latest.ID)
	assert.Equal(t, 85, latest.RiskScore)

	counts, err := store.CountByRiskLevel(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[core.RiskHigh])
	assert.Zero(t, counts[core.RiskMedium])
}

func TestFeedbackStatusGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fb := &core.Feedback{
		ID:             "fb-1",
		OrganizationID: "org-1",
		AutomationID:   "auto-1",
		Type:           core.FeedbackFalsePositive,
	}
	require.NoError(t, store.CreateFeedback(ctx, fb))
	assert.Equal(t, core.FeedbackPending, fb.Status)

	updated, err := store.UpdateFeedbackStatus(ctx, "org-1", "fb-1", core.FeedbackAcknowledged, fb.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, core.FeedbackAcknowledged, updated.Status)

	// Replaying the stale guard loses.
	_, err = store.UpdateFeedbackStatus(ctx, "org-1", "fb-1", core.FeedbackResolved, fb.UpdatedAt)
	require.Error(t, err)
	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", f.Code)

	// Cross-org access to feedback is indistinguishable from absence.
	_, err = store.GetFeedback(ctx, "org-2", "fb-1")
	require.Error(t, err)
	f, ok = faults.As(err)
	require.True(t, ok)
	assert.Equal(t, "FEEDBACK_NOT_FOUND", f.Code)
	assert.Equal(t, "The requested feedback does not exist or you do not have access to it", f.Message)
}

func TestDetectorConfigVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	v1 := &core.DetectorConfiguration{
		ID:             "dc-1",
		OrganizationID: "org-1",
		DetectorCode:   core.DetectorVelocity,
		Thresholds:     map[string]float64{"eventsPerHour": 100},
		Enabled:        true,
	}
	require.NoError(t, store.InsertDetectorConfig(ctx, v1))
	assert.Equal(t, 1, v1.Version)

	v2 := &core.DetectorConfiguration{
		ID:             "dc-2",
		OrganizationID: "org-1",
		DetectorCode:   core.DetectorVelocity,
		Thresholds:     map[string]float64{"eventsPerHour": 150},
		Enabled:        true,
	}
	require.NoError(t, store.InsertDetectorConfig(ctx, v2))
	assert.Equal(t, 2, v2.Version)

	active, err := store.ActiveDetectorConfigs(ctx, "org-1")
	require.NoError(t, err)
	require.Contains(t, active, core.DetectorVelocity)
	assert.Equal(t, 2, active[core.DetectorVelocity].Version)

	versions, err := store.ListDetectorConfigVersions(ctx, "org-1", core.DetectorVelocity)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}
