// Package risk computes risk assessments from detection output and keeps the
// per-automation score history for trend analysis.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/metrics"
)

// AssessorVersion is stamped on every assessment so historic scores can be
// traced to the rules that produced them.
const AssessorVersion = "risk-engine/2.3"

// AI classifications carry a fixed baseline; behavioral pile-up can still
// escalate an AI integration to critical.
const (
	aiBaselineScore = 85
	criticalAIScore = 95
)

// defaultWeights is the shipped factor-code weight table. Tenant overrides
// replace individual entries, never the table.
var defaultWeights = map[string]float64{
	"ai_platform_integration": 3.0,
	"broad_oauth_scopes":      1.5,
	"unattributed_owner":      1.0,
	"high_velocity":           1.5,
	"batch_operation":         1.5,
	"off_hours_activity":      1.0,
}

// dataAccessWeight applies to every data_access:* code.
const dataAccessWeight = 1.0

// Engine turns detection metadata and behavioral findings into assessments.
type Engine struct {
	history Ledger
	metrics *metrics.Metrics
}

// NewEngine creates the engine over a history ledger. A nil ledger disables
// history (tests that only exercise scoring).
func NewEngine(history Ledger) *Engine {
	return &Engine{history: history, metrics: metrics.Default()}
}

// Assess scores one automation. overrides replaces default factor weights per
// code for this tenant; pass nil for the shipped table. The assessment is
// appended to the history ledger when one is configured.
func (e *Engine) Assess(ctx context.Context, auto *core.DiscoveredAutomation, findings []detect.Finding, overrides map[string]float64) (*core.RiskAssessment, error) {
	factors := e.expandFactors(auto, findings, overrides)
	level, score := e.score(auto.Detection.IsAIPlatform, factors)

	assessment := &core.RiskAssessment{
		ID:              uuid.New().String(),
		OrganizationID:  auto.OrganizationID,
		AutomationID:    auto.ID,
		OverallRisk:     level,
		RiskScore:       score,
		RiskFactors:     factors,
		AssessedAt:      time.Now().UTC(),
		AssessorVersion: AssessorVersion,
	}

	e.metrics.RiskAssessments.WithLabelValues(string(level)).Inc()

	if e.history != nil {
		point := Point{
			OrganizationID: auto.OrganizationID,
			AutomationID:   auto.ID,
			At:             assessment.AssessedAt,
			Score:          score,
			OverallRisk:    level,
		}
		if prev, err := e.history.Latest(ctx, auto.OrganizationID, auto.ID); err == nil && prev != nil {
			point.Changes = diffChanges(prev, &point)
		}
		if err := e.history.Append(ctx, point); err != nil {
			// History is advisory; the assessment itself must not fail.
			return assessment, fmt.Errorf("risk history append: %w", err)
		}
	}
	return assessment, nil
}

// score applies the §4.5 rules: AI platforms start at the fixed baseline;
// everything else maps factor count onto level and min(100, 30 + 15·n).
func (e *Engine) score(isAI bool, factors []core.RiskFactor) (core.RiskLevel, int) {
	n := len(factors)
	if isAI {
		if n >= 5 {
			return core.RiskCritical, criticalAIScore
		}
		return core.RiskHigh, aiBaselineScore
	}

	score := 30 + 15*n
	if score > 100 {
		score = 100
	}
	switch {
	case n >= 5:
		return core.RiskCritical, score
	case n >= 3:
		return core.RiskHigh, score
	case n >= 1:
		return core.RiskMedium, score
	default:
		return core.RiskLow, score
	}
}

// expandFactors resolves detection factor codes and behavioral findings into
// weighted factors with human-readable descriptions.
func (e *Engine) expandFactors(auto *core.DiscoveredAutomation, findings []detect.Finding, overrides map[string]float64) []core.RiskFactor {
	weight := func(code string, fallback float64) float64 {
		if w, ok := overrides[code]; ok {
			return w
		}
		if w, ok := defaultWeights[code]; ok {
			return w
		}
		return fallback
	}

	seen := map[string]bool{}
	var factors []core.RiskFactor
	add := func(f core.RiskFactor) {
		if !seen[f.Code] {
			seen[f.Code] = true
			factors = append(factors, f)
		}
	}

	for _, code := range auto.Detection.RiskFactors {
		switch {
		case code == "ai_platform_integration":
			add(core.RiskFactor{
				Code:        code,
				Description: fmt.Sprintf("AI platform integration (%s)", auto.Detection.PlatformName),
				Weight:      weight(code, 3.0),
				Evidence:    strings.Join(auto.Detection.Evidence, "; "),
			})
		case code == "broad_oauth_scopes":
			add(core.RiskFactor{
				Code:        code,
				Description: fmt.Sprintf("%d OAuth scopes granted", len(auto.Detection.Scopes)),
				Weight:      weight(code, 1.5),
			})
		case strings.HasPrefix(code, "data_access:"):
			surface := strings.TrimPrefix(code, "data_access:")
			add(core.RiskFactor{
				Code:        code,
				Description: fmt.Sprintf("%s access", describeSurface(surface)),
				Weight:      weight(code, dataAccessWeight),
			})
		case code == "unattributed_owner":
			add(core.RiskFactor{
				Code:        code,
				Description: "No attributable owner on the platform",
				Weight:      weight(code, 1.0),
			})
		case code == "high_velocity" || code == "batch_operation" || code == "off_hours_activity":
			// Behavioral codes are expanded from findings below with their
			// descriptions; skip the bare code here.
		default:
			add(core.RiskFactor{Code: code, Description: code, Weight: weight(code, 1.0)})
		}
	}

	for _, f := range findings {
		add(core.RiskFactor{
			Code:        f.Code,
			Description: f.Description,
			Weight:      weight(f.Code, f.Weight),
			Evidence:    f.Evidence,
		})
	}
	return factors
}

func describeSurface(surface string) string {
	switch surface {
	case "google_drive":
		return "Google Drive"
	case "email":
		return "Email"
	case "calendar":
		return "Calendar"
	case "messages":
		return "Message history"
	case "directory":
		return "User directory"
	case "admin":
		return "Admin console"
	case "files":
		return "File storage"
	default:
		return surface
	}
}

func diffChanges(prev *Point, next *Point) []string {
	var changes []string
	if prev.Score != next.Score {
		changes = append(changes, fmt.Sprintf("score %d -> %d", prev.Score, next.Score))
	}
	if prev.OverallRisk != next.OverallRisk {
		changes = append(changes, fmt.Sprintf("level %s -> %s", prev.OverallRisk, next.OverallRisk))
	}
	return changes
}
