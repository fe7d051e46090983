package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
)

func eventsAt(base time.Time, action string, n int, spacing time.Duration) []core.NormalizedAuditEvent {
	out := make([]core.NormalizedAuditEvent, n)
	for i := 0; i < n; i++ {
		out[i] = core.NormalizedAuditEvent{
			ID:         fmt.Sprintf("%s-%d", action, i),
			Platform:   core.PlatformGoogle,
			Action:     action,
			OccurredAt: base.Add(time.Duration(i) * spacing),
		}
	}
	return out
}

func TestVelocityDetector_FlagsBurst(t *testing.T) {
	th := DefaultThresholds()
	th.VelocityEventsPerMinute = 30

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	findings := AnalyzeEvents(eventsAt(base, "download", 40, time.Second), th)

	require.NotEmpty(t, findings)
	var velocity *Finding
	for i := range findings {
		if findings[i].Code == "high_velocity" {
			velocity = &findings[i]
		}
	}
	require.NotNil(t, velocity)
	assert.Equal(t, core.DetectorVelocity, velocity.Detector)
	assert.Contains(t, velocity.Description, "threshold 30")
}

func TestVelocityDetector_QuietUnderThreshold(t *testing.T) {
	th := DefaultThresholds()
	th.VelocityEventsPerMinute = 60
	th.BatchEnabled = false
	th.OffHoursEnabled = false

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	findings := AnalyzeEvents(eventsAt(base, "view", 20, 5*time.Second), th)
	assert.Empty(t, findings)
}

func TestBatchDetector_FiftyFilesInThirtySeconds(t *testing.T) {
	th := DefaultThresholds()
	th.VelocityEnabled = false
	th.OffHoursEnabled = false

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	findings := AnalyzeEvents(eventsAt(base, "file_export", 50, 500*time.Millisecond), th)

	require.Len(t, findings, 1)
	assert.Equal(t, "batch_operation", findings[0].Code)
	assert.Contains(t, findings[0].Description, `"file_export"`)
}

func TestBatchDetector_MixedActionsBelowThreshold(t *testing.T) {
	th := DefaultThresholds()
	th.VelocityEnabled = false
	th.OffHoursEnabled = false

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	events := append(eventsAt(base, "file_export", 30, time.Second),
		eventsAt(base, "file_view", 30, time.Second)...)
	findings := AnalyzeEvents(events, th)
	assert.Empty(t, findings)
}

func TestOffHoursDetector(t *testing.T) {
	th := DefaultThresholds()
	th.VelocityEnabled = false
	th.BatchEnabled = false
	th.OffHoursMinEvents = 5

	// 03:00 UTC is outside the default 08:00-18:00 window.
	night := time.Date(2026, 2, 10, 3, 0, 0, 0, time.UTC)
	findings := AnalyzeEvents(eventsAt(night, "login", 8, time.Minute), th)

	require.Len(t, findings, 1)
	assert.Equal(t, "off_hours_activity", findings[0].Code)

	noon := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	assert.Empty(t, AnalyzeEvents(eventsAt(noon, "login", 8, time.Minute), th))
}

func TestThresholds_ApplyOverridesAndVersions(t *testing.T) {
	th := DefaultThresholds()
	th.Apply(&core.DetectorConfiguration{
		DetectorCode: core.DetectorVelocity,
		Version:      3,
		Enabled:      true,
		Thresholds:   map[string]float64{"events_per_minute": 120},
	})
	th.Apply(&core.DetectorConfiguration{
		DetectorCode: core.DetectorBatch,
		Version:      1,
		Enabled:      false,
	})

	assert.Equal(t, 120.0, th.VelocityEventsPerMinute)
	assert.False(t, th.BatchEnabled)
	assert.Equal(t, 3, th.Versions["velocity"])
	assert.Equal(t, 1, th.Versions["batch"])
}

func TestCorrelator_SharedOwnerAndClientID(t *testing.T) {
	googleConn, slackConn := "conn-g", "conn-s"
	platformOf := map[string]core.Platform{
		googleConn: core.PlatformGoogle,
		slackConn:  core.PlatformSlack,
	}
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	a := &core.DiscoveredAutomation{
		ID: "a1", ConnectionID: googleConn, ExternalID: "script-1",
		Name: "Drive sync script", Owner: core.OwnerInfo{Email: "dev@example.com"},
		PlatformMetadata:  map[string]interface{}{"clientId": "shared-client-9"},
		FirstDiscoveredAt: now,
	}
	b := &core.DiscoveredAutomation{
		ID: "b1", ConnectionID: slackConn, ExternalID: "A123",
		Name: "Drive sync bot", Owner: core.OwnerInfo{Email: "dev@example.com"},
		PlatformMetadata:  map[string]interface{}{"clientId": "shared-client-9"},
		FirstDiscoveredAt: now.Add(2 * time.Minute),
	}
	unrelated := &core.DiscoveredAutomation{
		ID: "c1", ConnectionID: slackConn, ExternalID: "A999",
		Name: "Lunch roulette", Owner: core.OwnerInfo{Email: "other@example.com"},
		FirstDiscoveredAt: now.Add(48 * time.Hour),
	}

	groups := NewCorrelator().Correlate([]*core.DiscoveredAutomation{a, b, unrelated}, platformOf)

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Len(t, g.MemberIDs, 2)
	assert.Contains(t, g.Signals, "shared_owner")
	assert.Contains(t, g.Signals, "client_id_collision")
	assert.Greater(t, g.Confidence, 0.8)
	assert.Equal(t, g.ID, a.Detection.CorrelationID)
	assert.Equal(t, g.ID, b.Detection.CorrelationID)
	assert.Empty(t, unrelated.Detection.CorrelationID)
}

func TestCorrelator_SamePlatformNeverLinks(t *testing.T) {
	platformOf := map[string]core.Platform{"conn-s": core.PlatformSlack}
	now := time.Now()
	a := &core.DiscoveredAutomation{ID: "a", ConnectionID: "conn-s", Owner: core.OwnerInfo{Email: "x@example.com"}, FirstDiscoveredAt: now}
	b := &core.DiscoveredAutomation{ID: "b", ConnectionID: "conn-s", Owner: core.OwnerInfo{Email: "x@example.com"}, FirstDiscoveredAt: now}

	assert.Empty(t, NewCorrelator().Correlate([]*core.DiscoveredAutomation{a, b}, platformOf))
}
