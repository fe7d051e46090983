package feedback

import (
	"context"
	"time"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/repo"
)

// QualityWindowDays is the rolling window the quality report covers.
const QualityWindowDays = 30

// QualityReport is the rolling detection-quality view for one tenant.
// Precision and recall treat correct detections as true positives; verdicts
// that reclassify rather than reject (wrong provider, wrong score) count
// against precision but not recall.
type QualityReport struct {
	OrganizationID string    `json:"organizationId"`
	WindowDays     int       `json:"windowDays"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`

	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`
	Reclassified   int `json:"reclassified"`
	Total          int `json:"total"`

	Precision float64 `json:"precision"` // 1.0 when no positives were judged
	Recall    float64 `json:"recall"`
}

// ComputeQuality builds the rolling report from the tenant's verdicts.
func (s *Service) ComputeQuality(ctx context.Context, organizationID string) (*QualityReport, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -QualityWindowDays)
	verdicts, err := s.store.ListFeedback(ctx, organizationID, repo.FeedbackFilter{Since: from})
	if err != nil {
		return nil, err
	}

	r := &QualityReport{
		OrganizationID: organizationID,
		WindowDays:     QualityWindowDays,
		From:           from,
		To:             to,
		Total:          len(verdicts),
	}
	for _, v := range verdicts {
		switch v.Type {
		case core.FeedbackCorrectDetection:
			r.TruePositives++
		case core.FeedbackFalsePositive:
			r.FalsePositives++
		case core.FeedbackFalseNegative:
			r.FalseNegatives++
		case core.FeedbackIncorrectClassification, core.FeedbackIncorrectRiskScore,
			core.FeedbackIncorrectAIProvider:
			r.Reclassified++
		}
	}

	judgedPositive := r.TruePositives + r.FalsePositives + r.Reclassified
	if judgedPositive > 0 {
		r.Precision = float64(r.TruePositives) / float64(judgedPositive)
	} else {
		r.Precision = 1.0
	}
	actualPositive := r.TruePositives + r.FalseNegatives
	if actualPositive > 0 {
		r.Recall = float64(r.TruePositives) / float64(actualPositive)
	} else {
		r.Recall = 1.0
	}
	return r, nil
}
