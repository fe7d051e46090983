package feedback

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/pb"
)

// Publisher is the slice of the event bus the tuner needs.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Degradation trip points: below this precision with at least MinJudged
// verdicts in the window, the tenant gets a warning notification.
const (
	DegradedPrecision = 0.70
	MinJudged         = 10
)

// Tuner runs the learning loop: per tenant it exports training batches,
// asks the tuner service for threshold proposals, applies them as new
// DetectorConfiguration versions, and raises a notification when detection
// quality degrades.
type Tuner struct {
	service *Service
	store   repo.Store
	client  pb.TunerServiceClient
	configs *detect.ConfigCache
	bus     Publisher

	interval time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time // org -> newest CreatedAt already exported
}

// NewTuner wires the loop. A nil client disables proposals but keeps the
// degradation watch running.
func NewTuner(service *Service, store repo.Store, client pb.TunerServiceClient,
	configs *detect.ConfigCache, bus Publisher, interval time.Duration) *Tuner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Tuner{
		service:  service,
		store:    store,
		client:   client,
		configs:  configs,
		bus:      bus,
		interval: interval,
		logger:   log.New(log.Writer(), "[Tuner] ", log.LstdFlags),
		lastSent: make(map[string]time.Time),
	}
}

// Run blocks until ctx is done, sweeping all tenants once per interval.
func (t *Tuner) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every active tenant. Exposed for the scheduler
// and for tests.
func (t *Tuner) Sweep(ctx context.Context) {
	orgs, err := t.store.ListOrganizations(ctx)
	if err != nil {
		t.logger.Printf("org sweep failed: %v", err)
		return
	}
	for _, org := range orgs {
		if org.Status != core.OrgActive {
			continue
		}
		if err := t.tuneOrganization(ctx, org.ID); err != nil {
			t.logger.Printf("tune org %s: %v", org.ID, err)
		}
	}
}

func (t *Tuner) tuneOrganization(ctx context.Context, organizationID string) error {
	report, err := t.service.ComputeQuality(ctx, organizationID)
	if err != nil {
		return err
	}

	judged := report.TruePositives + report.FalsePositives + report.Reclassified
	if judged >= MinJudged && report.Precision < DegradedPrecision && t.bus != nil {
		t.bus.Publish(ctx, events.NewSystemNotification(organizationID,
			events.LevelWarning,
			fmt.Sprintf("Detection precision dropped to %.0f%% over the last %d days",
				report.Precision*100, report.WindowDays),
			"Detection quality degraded",
			map[string]interface{}{
				"precision":      report.Precision,
				"recall":         report.Recall,
				"falsePositives": report.FalsePositives,
			}))
	}

	if t.client == nil {
		return nil
	}

	if err := t.exportBatch(ctx, organizationID); err != nil {
		return err
	}

	resp, err := t.client.ProposeThresholds(ctx, &pb.QualitySnapshot{
		OrganizationId: organizationID,
		WindowDays:     int32(report.WindowDays),
		TruePositives:  int32(report.TruePositives),
		FalsePositives: int32(report.FalsePositives),
		FalseNegatives: int32(report.FalseNegatives),
		Precision:      report.Precision,
		Recall:         report.Recall,
	})
	if err != nil {
		return err
	}
	for _, proposal := range resp.Proposals {
		if err := t.applyProposal(ctx, organizationID, proposal); err != nil {
			t.logger.Printf("apply proposal %s for org %s: %v",
				proposal.DetectorCode, organizationID, err)
		}
	}
	return nil
}

// exportBatch ships verdicts newer than the last export. Batches never mix
// tenants.
func (t *Tuner) exportBatch(ctx context.Context, organizationID string) error {
	t.mu.Lock()
	since := t.lastSent[organizationID]
	t.mu.Unlock()

	verdicts, err := t.service.TrainingBatch(ctx, organizationID, since, 0)
	if err != nil {
		return err
	}
	if len(verdicts) == 0 {
		return nil
	}

	batch := &pb.TrainingBatch{OrganizationId: organizationID}
	newest := since
	for _, v := range verdicts {
		// The store's Since filter is inclusive; drop the boundary verdict
		// already shipped last pass.
		if !since.IsZero() && !v.CreatedAt.After(since) {
			continue
		}
		batch.Examples = append(batch.Examples, toExample(v))
		if v.CreatedAt.After(newest) {
			newest = v.CreatedAt
		}
	}
	if len(batch.Examples) == 0 {
		return nil
	}
	if _, err := t.client.SubmitTrainingBatch(ctx, batch); err != nil {
		return err
	}

	t.mu.Lock()
	t.lastSent[organizationID] = newest
	t.mu.Unlock()
	return nil
}

// applyProposal inserts the proposal as the next configuration version and
// drops the tenant's cached thresholds so the next run picks it up.
func (t *Tuner) applyProposal(ctx context.Context, organizationID string, p *pb.ThresholdProposal) error {
	code := core.DetectorCode(p.DetectorCode)
	versions, err := t.store.ListDetectorConfigVersions(ctx, organizationID, code)
	if err != nil {
		return err
	}
	next := 1
	for _, v := range versions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}
	cfg := &core.DetectorConfiguration{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		DetectorCode:   code,
		Version:        next,
		Thresholds:     p.Thresholds,
		Enabled:        true,
		Source:         "tuner",
		CreatedAt:      time.Now().UTC(),
	}
	if err := t.store.InsertDetectorConfig(ctx, cfg); err != nil {
		return err
	}
	t.configs.Invalidate(organizationID)
	t.logger.Printf("applied %s v%d for org %s (%s)",
		code, next, organizationID, p.Rationale)
	return nil
}

func toExample(v *core.Feedback) *pb.TrainingExample {
	versions := make(map[string]int32, len(v.ML.DetectorVersions))
	for k, n := range v.ML.DetectorVersions {
		versions[k] = int32(n)
	}
	return &pb.TrainingExample{
		OrganizationId:   v.OrganizationID,
		AutomationId:     v.AutomationID,
		Platform:         string(v.ML.Platform),
		AutomationType:   string(v.ML.AutomationType),
		FeedbackType:     string(v.Type),
		IsAiPlatform:     v.ML.DetectionSnapshot.IsAIPlatform,
		AiProvider:       v.ML.DetectionSnapshot.AIProvider,
		DetectionMethod:  v.ML.DetectionSnapshot.DetectionMethod,
		Confidence:       v.ML.DetectionSnapshot.Confidence,
		RiskScore:        int32(v.ML.RiskScoreSnapshot),
		RiskFactors:      v.ML.DetectionSnapshot.RiskFactors,
		DetectorVersions: versions,
		CapturedAt:       timestamppb.New(v.ML.CapturedAt),
	}
}
