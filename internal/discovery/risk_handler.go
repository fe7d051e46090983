package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/jobs"
	"github.com/umbrix/backend/internal/metrics"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/internal/risk"
)

// RiskHandler scores one automation per job. Discovery chains one of these
// per persisted record; the handler is idempotent because assessments are
// append-only and the latest one wins.
type RiskHandler struct {
	store   repo.Store
	engine  *risk.Engine
	bus     Publisher
	broker  *jobs.Broker
	metrics *metrics.Metrics
	slog    *slog.Logger
}

// NewRiskHandler wires the risk queue handler.
func NewRiskHandler(store repo.Store, engine *risk.Engine, bus Publisher, broker *jobs.Broker) *RiskHandler {
	return &RiskHandler{
		store:   store,
		engine:  engine,
		bus:     bus,
		broker:  broker,
		metrics: metrics.Default(),
		slog:    slog.Default().With("component", "risk"),
	}
}

// Handler adapts to the job pool.
func (h *RiskHandler) Handler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, report jobs.ProgressFunc) (string, error) {
		if job.Payload.AutomationID == "" {
			return "", faults.Invariant("risk job without automationId")
		}
		assessment, err := h.Assess(ctx, job.Payload.OrganizationID, job.Payload.AutomationID)
		if err != nil {
			return "", err
		}
		out, _ := json.Marshal(map[string]interface{}{
			"assessmentId": assessment.ID,
			"overallRisk":  assessment.OverallRisk,
			"riskScore":    assessment.RiskScore,
		})
		return string(out), nil
	}
}

// Assess loads the automation, scores it with tenant weight overrides, saves
// the assessment, and emits the discovery event carrying the verdict.
func (h *RiskHandler) Assess(ctx context.Context, organizationID, automationID string) (*core.RiskAssessment, error) {
	auto, err := h.store.GetAutomation(ctx, organizationID, automationID)
	if err != nil {
		return nil, err
	}
	overrides := h.weightOverrides(ctx, organizationID)

	// Behavioral detectors ran at discovery time; rebuild their findings from
	// the stored factor codes so the engine scores them with descriptions.
	findings := behavioralFindings(auto.Detection.RiskFactors)
	assessment, err := h.engine.Assess(ctx, auto, findings, overrides)
	if err != nil {
		return nil, err
	}
	if err := h.store.SaveAssessment(ctx, assessment); err != nil {
		return nil, err
	}
	h.metrics.RiskAssessments.WithLabelValues(string(assessment.OverallRisk)).Inc()

	conn, err := h.store.GetConnection(ctx, organizationID, auto.ConnectionID)
	if err != nil {
		return nil, err
	}
	if h.bus != nil {
		ev := events.NewAutomationDiscovered(organizationID, auto.ConnectionID, auto,
			conn.Platform, assessment.OverallRisk, assessment.RiskScore)
		if err := h.bus.Publish(ctx, ev); err != nil {
			h.slog.Warn("automation event publish failed", "automation", auto.ID, "error", err)
		}
	}

	if assessment.OverallRisk == core.RiskCritical && h.broker != nil {
		parent := &jobs.Job{Queue: jobs.QueueRisk, Payload: jobs.Payload{
			OrganizationID: organizationID,
			ConnectionID:   auto.ConnectionID,
			RunID:          auto.DiscoveryRunID,
		}}
		err := jobs.Chain(ctx, h.broker, parent, jobs.QueueNotifications,
			fmt.Sprintf("notify:critical:%s:%s", auto.DiscoveryRunID, auto.ID),
			jobs.Payload{
				ConnectionID: auto.ConnectionID,
				AutomationID: auto.ID,
				Notification: map[string]interface{}{
					"level":   "critical",
					"title":   "Critical-risk automation discovered",
					"message": fmt.Sprintf("%s on %s scored %d", auto.Name, conn.Platform, assessment.RiskScore),
				},
			})
		if err != nil {
			h.slog.Warn("notification chain failed", "automation", auto.ID, "error", err)
		}
	}
	return assessment, nil
}

// behavioralFindings rehydrates detector findings from stored factor codes.
func behavioralFindings(codes []string) []detect.Finding {
	var out []detect.Finding
	for _, code := range codes {
		switch code {
		case "high_velocity":
			out = append(out, detect.Finding{
				Detector:    "velocity",
				Code:        code,
				Description: "Sustained event velocity above the tenant threshold",
				Weight:      1.5,
			})
		case "batch_operation":
			out = append(out, detect.Finding{
				Detector:    "batch",
				Code:        code,
				Description: "Batch operation pattern in a short window",
				Weight:      1.5,
			})
		case "off_hours_activity":
			out = append(out, detect.Finding{
				Detector:    "off_hours",
				Code:        code,
				Description: "Activity concentrated outside business hours",
				Weight:      1.0,
			})
		}
	}
	return out
}

// weightOverrides reads per-tenant factor weights from organization settings.
// The settings key holds a map of factor code to weight.
func (h *RiskHandler) weightOverrides(ctx context.Context, organizationID string) map[string]float64 {
	org, err := h.store.GetOrganization(ctx, organizationID)
	if err != nil || org == nil || org.Settings == nil {
		return nil
	}
	raw, ok := org.Settings["riskWeightOverrides"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for code, v := range raw {
		switch n := v.(type) {
		case float64:
			out[code] = n
		case int:
			out[code] = float64(n)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
