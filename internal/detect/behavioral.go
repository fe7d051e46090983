package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/umbrix/backend/internal/core"
)

// Finding is one behavioral detector hit. The risk engine folds findings
// into the aggregated risk factors.
type Finding struct {
	Detector    core.DetectorCode `json:"detector"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
	Weight      float64           `json:"weight"`
	Evidence    string            `json:"evidence"`
}

// Thresholds is the resolved per-tenant configuration one run operates on.
// Workers hold a snapshot for the whole run so a mid-run config change never
// produces inconsistent scoring.
type Thresholds struct {
	VelocityEventsPerMinute float64
	BatchOperationSize      float64
	BatchWindowSeconds      float64
	BusinessHoursStart      int
	BusinessHoursEnd        int
	OffHoursMinEvents       float64
	VelocityEnabled         bool
	BatchEnabled            bool
	OffHoursEnabled         bool
	Versions                map[string]int
}

// DefaultThresholds returns the shipped defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VelocityEventsPerMinute: 60,
		BatchOperationSize:      50,
		BatchWindowSeconds:      30,
		BusinessHoursStart:      8,
		BusinessHoursEnd:        18,
		OffHoursMinEvents:       10,
		VelocityEnabled:         true,
		BatchEnabled:            true,
		OffHoursEnabled:         true,
		Versions:                map[string]int{},
	}
}

// Apply overlays one stored detector configuration onto the snapshot.
func (t *Thresholds) Apply(cfg *core.DetectorConfiguration) {
	if cfg == nil {
		return
	}
	if t.Versions == nil {
		t.Versions = map[string]int{}
	}
	t.Versions[string(cfg.DetectorCode)] = cfg.Version

	get := func(key string, dst *float64) {
		if v, ok := cfg.Thresholds[key]; ok && v > 0 {
			*dst = v
		}
	}
	switch cfg.DetectorCode {
	case core.DetectorVelocity:
		t.VelocityEnabled = cfg.Enabled
		get("events_per_minute", &t.VelocityEventsPerMinute)
	case core.DetectorBatch:
		t.BatchEnabled = cfg.Enabled
		get("operation_size", &t.BatchOperationSize)
		get("window_seconds", &t.BatchWindowSeconds)
	case core.DetectorOffHours:
		t.OffHoursEnabled = cfg.Enabled
		if v, ok := cfg.Thresholds["business_hours_start"]; ok {
			t.BusinessHoursStart = int(v)
		}
		if v, ok := cfg.Thresholds["business_hours_end"]; ok {
			t.BusinessHoursEnd = int(v)
		}
		get("min_events", &t.OffHoursMinEvents)
	}
}

// ============================================================================
// DETECTORS
// ============================================================================

// AnalyzeEvents runs every enabled behavioral detector over one actor's
// audit events and returns the combined findings. Events may arrive in any
// order; detectors sort internally by platform event time.
func AnalyzeEvents(events []core.NormalizedAuditEvent, th Thresholds) []Finding {
	if len(events) == 0 {
		return nil
	}
	sorted := make([]core.NormalizedAuditEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})

	var findings []Finding
	if th.VelocityEnabled {
		if f, ok := detectVelocity(sorted, th); ok {
			findings = append(findings, f)
		}
	}
	if th.BatchEnabled {
		if f, ok := detectBatch(sorted, th); ok {
			findings = append(findings, f)
		}
	}
	if th.OffHoursEnabled {
		if f, ok := detectOffHours(sorted, th); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

// detectVelocity flags a sustained burst: more events inside any sliding
// one-minute window than the tenant threshold allows.
func detectVelocity(events []core.NormalizedAuditEvent, th Thresholds) (Finding, bool) {
	limit := int(th.VelocityEventsPerMinute)
	if limit <= 0 {
		return Finding{}, false
	}

	peak := 0
	var peakAt time.Time
	start := 0
	for end := range events {
		for events[end].OccurredAt.Sub(events[start].OccurredAt) > time.Minute {
			start++
		}
		if n := end - start + 1; n > peak {
			peak = n
			peakAt = events[start].OccurredAt
		}
	}
	if peak <= limit {
		return Finding{}, false
	}
	return Finding{
		Detector:    core.DetectorVelocity,
		Code:        "high_velocity",
		Description: fmt.Sprintf("%d events within one minute (threshold %d)", peak, limit),
		Weight:      1.5,
		Evidence:    fmt.Sprintf("window starting %s", peakAt.UTC().Format(time.RFC3339)),
	}, true
}

// detectBatch flags bulk operations: same action repeated past the size
// threshold inside the configured window.
func detectBatch(events []core.NormalizedAuditEvent, th Thresholds) (Finding, bool) {
	size := int(th.BatchOperationSize)
	window := time.Duration(th.BatchWindowSeconds) * time.Second
	if size <= 0 || window <= 0 {
		return Finding{}, false
	}

	// Per-action sliding window over the already time-sorted slice.
	type cursor struct {
		times []time.Time
		start int
	}
	byAction := map[string]*cursor{}
	for _, ev := range events {
		c := byAction[ev.Action]
		if c == nil {
			c = &cursor{}
			byAction[ev.Action] = c
		}
		c.times = append(c.times, ev.OccurredAt)
		for ev.OccurredAt.Sub(c.times[c.start]) > window {
			c.start++
		}
		if n := len(c.times) - c.start; n >= size {
			return Finding{
				Detector:    core.DetectorBatch,
				Code:        "batch_operation",
				Description: fmt.Sprintf("%d %q operations within %s (threshold %d)", n, ev.Action, window, size),
				Weight:      1.5,
				Evidence:    fmt.Sprintf("last event %s", ev.OccurredAt.UTC().Format(time.RFC3339)),
			}, true
		}
	}
	return Finding{}, false
}

// detectOffHours flags activity concentrated outside the tenant's business
// hours. A handful of stray events is normal; the minimum-event threshold
// keeps the detector quiet for humans working late once.
func detectOffHours(events []core.NormalizedAuditEvent, th Thresholds) (Finding, bool) {
	min := int(th.OffHoursMinEvents)
	if min <= 0 {
		min = 1
	}
	outside := 0
	for _, ev := range events {
		h := ev.OccurredAt.UTC().Hour()
		if h < th.BusinessHoursStart || h >= th.BusinessHoursEnd {
			outside++
		}
	}
	if outside < min {
		return Finding{}, false
	}
	return Finding{
		Detector:    core.DetectorOffHours,
		Code:        "off_hours_activity",
		Description: fmt.Sprintf("%d of %d events outside business hours (%02d:00-%02d:00 UTC)", outside, len(events), th.BusinessHoursStart, th.BusinessHoursEnd),
		Weight:      1.0,
		Evidence:    fmt.Sprintf("%d off-hours events", outside),
	}, true
}
