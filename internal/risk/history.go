package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/core"
)

// Point is one recorded scoring of one automation.
type Point struct {
	OrganizationID string         `json:"organizationId"`
	AutomationID   string         `json:"automationId"`
	At             time.Time      `json:"at"`
	Score          int            `json:"score"`
	OverallRisk    core.RiskLevel `json:"overallRisk"`
	Changes        []string       `json:"changes,omitempty"`
}

// TrendWindow is one of the supported query spans.
type TrendWindow int

const (
	TrendWeek    TrendWindow = 7
	TrendMonth   TrendWindow = 30
	TrendQuarter TrendWindow = 90
	TrendYear    TrendWindow = 365
)

// Trend summarizes one automation's score movement over a window.
type Trend struct {
	AutomationID string      `json:"automationId"`
	Window       TrendWindow `json:"windowDays"`
	Points       []Point     `json:"points"`
	MinScore     int         `json:"minScore"`
	MaxScore     int         `json:"maxScore"`
	Delta        int         `json:"delta"` // newest minus oldest in window
}

// Ledger is the append-only score history. Backed by Spanner in production
// and by memory in tests and single-node deployments.
type Ledger interface {
	Append(ctx context.Context, p Point) error
	Latest(ctx context.Context, organizationID, automationID string) (*Point, error)
	Window(ctx context.Context, organizationID, automationID string, window TrendWindow) ([]Point, error)
}

// ComputeTrend folds a window of points into a trend summary.
func ComputeTrend(automationID string, window TrendWindow, points []Point) Trend {
	t := Trend{AutomationID: automationID, Window: window, Points: points}
	if len(points) == 0 {
		return t
	}
	t.MinScore, t.MaxScore = points[0].Score, points[0].Score
	for _, p := range points {
		if p.Score < t.MinScore {
			t.MinScore = p.Score
		}
		if p.Score > t.MaxScore {
			t.MaxScore = p.Score
		}
	}
	t.Delta = points[len(points)-1].Score - points[0].Score
	return t
}

// ============================================================================
// IN-MEMORY LEDGER
// ============================================================================

// MemoryLedger keeps history in process. Capped per automation so a noisy
// rescoring loop cannot grow without bound.
type MemoryLedger struct {
	mu     sync.RWMutex
	points map[string][]Point // org/automation -> ascending by At
	cap    int
}

// NewMemoryLedger creates a ledger retaining up to 1000 points per automation.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{points: make(map[string][]Point), cap: 1000}
}

func ledgerKey(organizationID, automationID string) string {
	return organizationID + "/" + automationID
}

func (m *MemoryLedger) Append(_ context.Context, p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ledgerKey(p.OrganizationID, p.AutomationID)
	pts := append(m.points[key], p)
	sort.Slice(pts, func(i, j int) bool { return pts[i].At.Before(pts[j].At) })
	if len(pts) > m.cap {
		pts = pts[len(pts)-m.cap:]
	}
	m.points[key] = pts
	return nil
}

func (m *MemoryLedger) Latest(_ context.Context, organizationID, automationID string) (*Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pts := m.points[ledgerKey(organizationID, automationID)]
	if len(pts) == 0 {
		return nil, nil
	}
	p := pts[len(pts)-1]
	return &p, nil
}

func (m *MemoryLedger) Window(_ context.Context, organizationID, automationID string, window TrendWindow) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -int(window))
	var out []Point
	for _, p := range m.points[ledgerKey(organizationID, automationID)] {
		if !p.At.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}
