// Package feedback closes the loop between analyst verdicts and detector
// behavior: verdict capture with frozen ML snapshots, rolling quality
// metrics, and tuner-driven threshold proposals.
package feedback

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/metrics"
	"github.com/umbrix/backend/internal/repo"
)

// CaptureRequest is one analyst verdict.
type CaptureRequest struct {
	AutomationID         string                 `json:"automationId" validate:"required,uuid4|len=36"`
	Type                 core.FeedbackType      `json:"feedbackType" validate:"required"`
	UserID               string                 `json:"userId" validate:"required"`
	UserEmail            string                 `json:"userEmail,omitempty" validate:"omitempty,email"`
	Comment              string                 `json:"comment,omitempty" validate:"max=4000"`
	SuggestedCorrections map[string]interface{} `json:"suggestedCorrections,omitempty"`
}

// Service captures and serves feedback. Every operation is tenant-scoped.
type Service struct {
	store   repo.Store
	configs *detect.ConfigCache
	metrics *metrics.Metrics
	slog    *slog.Logger
}

// NewService wires the feedback service.
func NewService(store repo.Store, configs *detect.ConfigCache) *Service {
	return &Service{
		store:   store,
		configs: configs,
		metrics: metrics.Default(),
		slog:    slog.Default().With("component", "feedback"),
	}
}

// Capture records a verdict. The ML snapshot freezes what the detector saw
// and concluded at capture time; later threshold changes never rewrite it.
// A verdict on another tenant's automation fails exactly like a missing one.
func (s *Service) Capture(ctx context.Context, organizationID string, req CaptureRequest) (*core.Feedback, error) {
	if !core.ValidFeedbackType(req.Type) {
		return nil, faults.Validation([]faults.FieldError{{
			Field: "feedbackType", Message: "unknown feedback type",
		}})
	}

	auto, err := s.store.GetAutomation(ctx, organizationID, req.AutomationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snapshot := core.MLMetadata{
		DetectionSnapshot: auto.Detection,
		Platform:          s.platformOf(ctx, organizationID, auto.ConnectionID),
		AutomationType:    auto.AutomationType,
		DetectorVersions:  s.configs.Snapshot(ctx, organizationID).DetectorVersions(),
		CapturedAt:        now,
	}
	if assessment, err := s.store.LatestAssessment(ctx, organizationID, auto.ID); err == nil {
		snapshot.RiskScoreSnapshot = assessment.RiskScore
		snapshot.RiskLevelSnapshot = assessment.OverallRisk
	}

	fb := &core.Feedback{
		ID:                   uuid.NewString(),
		OrganizationID:       organizationID,
		AutomationID:         auto.ID,
		UserID:               req.UserID,
		UserEmail:            req.UserEmail,
		Type:                 req.Type,
		Sentiment:            sentimentOf(req.Type),
		Comment:              req.Comment,
		SuggestedCorrections: req.SuggestedCorrections,
		Status:               core.FeedbackPending,
		ML:                   snapshot,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateFeedback(ctx, fb); err != nil {
		return nil, err
	}
	s.metrics.FeedbackReceived.WithLabelValues(string(req.Type)).Inc()
	s.slog.Info("feedback captured",
		"org", organizationID, "automation", auto.ID, "type", req.Type)
	return fb, nil
}

// Get returns one verdict, tenant-scoped.
func (s *Service) Get(ctx context.Context, organizationID, feedbackID string) (*core.Feedback, error) {
	return s.store.GetFeedback(ctx, organizationID, feedbackID)
}

// List returns the tenant's verdicts under the filter.
func (s *Service) List(ctx context.Context, organizationID string, filter repo.FeedbackFilter) ([]*core.Feedback, error) {
	return s.store.ListFeedback(ctx, organizationID, filter)
}

// UpdateStatus advances triage under the optimistic concurrency guard.
func (s *Service) UpdateStatus(ctx context.Context, organizationID, feedbackID string, status core.FeedbackStatus, expectedUpdatedAt time.Time) (*core.Feedback, error) {
	return s.store.UpdateFeedbackStatus(ctx, organizationID, feedbackID, status, expectedUpdatedAt)
}

// TrainingBatch assembles the tenant's export for the tuner. Strictly
// single-tenant: the batch never mixes organizations.
func (s *Service) TrainingBatch(ctx context.Context, organizationID string, since time.Time, limit int) ([]*core.Feedback, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.ListFeedback(ctx, organizationID, repo.FeedbackFilter{
		Since: since,
		Limit: limit,
	})
}

func (s *Service) platformOf(ctx context.Context, organizationID, connectionID string) core.Platform {
	conn, err := s.store.GetConnection(ctx, organizationID, connectionID)
	if err != nil {
		return ""
	}
	return conn.Platform
}

func sentimentOf(t core.FeedbackType) core.Sentiment {
	switch t {
	case core.FeedbackCorrectDetection:
		return core.SentimentPositive
	case core.FeedbackFalsePositive, core.FeedbackFalseNegative,
		core.FeedbackIncorrectClassification, core.FeedbackIncorrectRiskScore,
		core.FeedbackIncorrectAIProvider:
		return core.SentimentNegative
	}
	return core.SentimentNeutral
}
