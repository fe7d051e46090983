package feedback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/pb"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *capturedEvents) Publish(_ context.Context, e *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func seedAutomation(t *testing.T, store *repo.MemoryStore, orgID string) *core.DiscoveredAutomation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateOrganization(ctx, &core.Organization{
		ID: orgID, Name: orgID, Status: core.OrgActive,
	}))
	conn := &core.PlatformConnection{
		ID:             "conn-" + orgID,
		OrganizationID: orgID,
		Platform:       core.PlatformGoogle,
		Status:         core.ConnectionActive,
	}
	require.NoError(t, store.CreateConnection(ctx, conn))

	auto := &core.DiscoveredAutomation{
		OrganizationID: orgID,
		ConnectionID:   conn.ID,
		ExternalID:     "ext-1",
		Name:           "ChatGPT",
		AutomationType: core.AutomationIntegration,
		Detection: core.DetectionMetadata{
			IsAIPlatform:    true,
			AIProvider:      "openai",
			DetectionMethod: "oauth_tokens_api",
			Confidence:      0.95,
			RiskFactors:     []string{"ai_platform_integration"},
		},
		FirstDiscoveredAt: time.Now().UTC(),
		LastSeenAt:        time.Now().UTC(),
		IsActive:          true,
	}
	stored, _, err := store.UpsertAutomation(ctx, orgID, auto)
	require.NoError(t, err)
	require.NoError(t, store.SaveAssessment(ctx, &core.RiskAssessment{
		ID:             "assess-1-" + orgID,
		OrganizationID: orgID,
		AutomationID:   stored.ID,
		OverallRisk:    core.RiskHigh,
		RiskScore:      85,
		AssessedAt:     time.Now().UTC(),
	}))
	return stored
}

func newService(store *repo.MemoryStore) *Service {
	return NewService(store, detect.NewConfigCache(store, detect.DefaultThresholds(), time.Minute))
}

func TestCapture_SnapshotsDetectionState(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	auto := seedAutomation(t, store, "org-1")
	svc := newService(store)

	fb, err := svc.Capture(ctx, "org-1", CaptureRequest{
		AutomationID: auto.ID,
		Type:         core.FeedbackFalsePositive,
		UserID:       "user-1",
		Comment:      "internal migration script, not AI",
	})
	require.NoError(t, err)

	assert.Equal(t, core.FeedbackPending, fb.Status)
	assert.Equal(t, core.SentimentNegative, fb.Sentiment)
	assert.Equal(t, "openai", fb.ML.DetectionSnapshot.AIProvider)
	assert.Equal(t, 85, fb.ML.RiskScoreSnapshot)
	assert.Equal(t, core.RiskHigh, fb.ML.RiskLevelSnapshot)
	assert.Equal(t, core.PlatformGoogle, fb.ML.Platform)
	assert.False(t, fb.ML.CapturedAt.IsZero())

	// The snapshot is frozen: mutating the automation later does not change
	// the stored verdict.
	auto.Detection.AIProvider = "anthropic"
	_, _, err = store.UpsertAutomation(ctx, "org-1", auto)
	require.NoError(t, err)
	stored, err := svc.Get(ctx, "org-1", fb.ID)
	require.NoError(t, err)
	assert.Equal(t, "openai", stored.ML.DetectionSnapshot.AIProvider)
}

func TestCapture_RejectsUnknownType(t *testing.T) {
	store := repo.NewMemoryStore()
	auto := seedAutomation(t, store, "org-1")
	svc := newService(store)

	_, err := svc.Capture(context.Background(), "org-1", CaptureRequest{
		AutomationID: auto.ID,
		Type:         core.FeedbackType("opinion"),
		UserID:       "user-1",
	})
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, 400, fe.StatusCode)
}

func TestCapture_CrossTenantLooksLikeMissing(t *testing.T) {
	store := repo.NewMemoryStore()
	auto := seedAutomation(t, store, "org-1")
	seedAutomation(t, store, "org-2")
	svc := newService(store)

	_, err := svc.Capture(context.Background(), "org-2", CaptureRequest{
		AutomationID: auto.ID,
		Type:         core.FeedbackCorrectDetection,
		UserID:       "user-9",
	})
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, fe.StatusCode)
}

func TestTrainingBatch_IsSingleTenant(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	a1 := seedAutomation(t, store, "org-1")
	a2 := seedAutomation(t, store, "org-2")
	svc := newService(store)

	_, err := svc.Capture(ctx, "org-1", CaptureRequest{
		AutomationID: a1.ID, Type: core.FeedbackCorrectDetection, UserID: "u1",
	})
	require.NoError(t, err)
	_, err = svc.Capture(ctx, "org-2", CaptureRequest{
		AutomationID: a2.ID, Type: core.FeedbackFalsePositive, UserID: "u2",
	})
	require.NoError(t, err)

	batch, err := svc.TrainingBatch(ctx, "org-1", time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "org-1", batch[0].OrganizationID)
}

func TestComputeQuality_PrecisionRecall(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	auto := seedAutomation(t, store, "org-1")
	svc := newService(store)

	verdicts := []core.FeedbackType{
		core.FeedbackCorrectDetection,
		core.FeedbackCorrectDetection,
		core.FeedbackCorrectDetection,
		core.FeedbackFalsePositive,
		core.FeedbackFalseNegative,
	}
	for i, ft := range verdicts {
		_, err := svc.Capture(ctx, "org-1", CaptureRequest{
			AutomationID: auto.ID, Type: ft, UserID: "u", Comment: string(rune('a' + i)),
		})
		require.NoError(t, err)
	}

	report, err := svc.ComputeQuality(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.TruePositives)
	assert.Equal(t, 1, report.FalsePositives)
	assert.Equal(t, 1, report.FalseNegatives)
	assert.InDelta(t, 0.75, report.Precision, 1e-9) // 3 / (3+1)
	assert.InDelta(t, 0.75, report.Recall, 1e-9)    // 3 / (3+1)
}

func TestComputeQuality_EmptyWindowIsPerfect(t *testing.T) {
	store := repo.NewMemoryStore()
	seedAutomation(t, store, "org-1")
	svc := newService(store)

	report, err := svc.ComputeQuality(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.Precision)
	assert.Equal(t, 1.0, report.Recall)
}

func TestTuner_AppliesProposalAsNewVersion(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	auto := seedAutomation(t, store, "org-1")
	configs := detect.NewConfigCache(store, detect.DefaultThresholds(), time.Minute)
	svc := NewService(store, configs)

	_, err := svc.Capture(ctx, "org-1", CaptureRequest{
		AutomationID: auto.ID, Type: core.FeedbackFalsePositive, UserID: "u",
	})
	require.NoError(t, err)

	client := &pb.MockTunerClient{Propose: func(q *pb.QualitySnapshot) *pb.ProposalResponse {
		return &pb.ProposalResponse{Proposals: []*pb.ThresholdProposal{{
			DetectorCode: "velocity",
			Thresholds:   map[string]float64{"events_per_minute": 90},
			Rationale:    "false positives from bursty but human traffic",
		}}}
	}}
	tuner := NewTuner(svc, store, client, configs, nil, time.Hour)
	tuner.Sweep(ctx)

	cfgs, err := store.ActiveDetectorConfigs(ctx, "org-1")
	require.NoError(t, err)
	cfg, ok := cfgs[core.DetectorVelocity]
	require.True(t, ok)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "tuner", cfg.Source)
	assert.Equal(t, 90.0, cfg.Thresholds["events_per_minute"])

	// A second proposal becomes version 2, never an overwrite.
	tuner.Sweep(ctx)
	versions, err := store.ListDetectorConfigVersions(ctx, "org-1", core.DetectorVelocity)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestTuner_RaisesDegradationNotification(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	auto := seedAutomation(t, store, "org-1")
	svc := newService(store)

	// 2 correct out of 12 judged: precision well below the trip point.
	for i := 0; i < 10; i++ {
		_, err := svc.Capture(ctx, "org-1", CaptureRequest{
			AutomationID: auto.ID, Type: core.FeedbackFalsePositive, UserID: "u",
		})
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := svc.Capture(ctx, "org-1", CaptureRequest{
			AutomationID: auto.ID, Type: core.FeedbackCorrectDetection, UserID: "u",
		})
		require.NoError(t, err)
	}

	bus := &capturedEvents{}
	tuner := NewTuner(svc, store, nil, nil, bus, time.Hour)
	tuner.Sweep(ctx)

	require.Len(t, bus.events, 1)
	assert.Equal(t, events.KindSystemNotification, bus.events[0].Kind)
	assert.Equal(t, "warning", bus.events[0].Data["level"])
}

func TestTuner_ExportsIncrementally(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	auto := seedAutomation(t, store, "org-1")
	svc := newService(store)

	_, err := svc.Capture(ctx, "org-1", CaptureRequest{
		AutomationID: auto.ID, Type: core.FeedbackCorrectDetection, UserID: "u",
	})
	require.NoError(t, err)

	var batches []*pb.TrainingBatch
	client := &countingTuner{onBatch: func(b *pb.TrainingBatch) { batches = append(batches, b) }}
	tuner := NewTuner(svc, store, client, detect.NewConfigCache(store, detect.DefaultThresholds(), time.Minute), nil, time.Hour)

	tuner.Sweep(ctx)
	tuner.Sweep(ctx) // nothing new: no second batch

	require.Len(t, batches, 1)
	assert.Equal(t, "org-1", batches[0].OrganizationId)
	require.Len(t, batches[0].Examples, 1)
	assert.Equal(t, "openai", batches[0].Examples[0].AiProvider)
}

type countingTuner struct {
	onBatch func(*pb.TrainingBatch)
}

func (c *countingTuner) SubmitTrainingBatch(_ context.Context, in *pb.TrainingBatch, _ ...grpc.CallOption) (*pb.BatchAck, error) {
	c.onBatch(in)
	return &pb.BatchAck{Accepted: int32(len(in.Examples))}, nil
}

func (c *countingTuner) ProposeThresholds(_ context.Context, _ *pb.QualitySnapshot, _ ...grpc.CallOption) (*pb.ProposalResponse, error) {
	return &pb.ProposalResponse{}, nil
}
