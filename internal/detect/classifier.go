package detect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/umbrix/backend/internal/core"
)

// Match is one pattern hit against one observable property.
type Match struct {
	Provider     string  `json:"provider"`
	PlatformName string  `json:"platformName"`
	MatchedBy    Signal  `json:"matchedBy"`
	Evidence     string  `json:"evidence"`
	Weight       float64 `json:"weight"`
	Strong       bool    `json:"strong"`
}

// Classification is the classifier's verdict for one automation.
type Classification struct {
	IsAIPlatform bool     `json:"isAIPlatform"`
	Provider     string   `json:"provider,omitempty"`
	PlatformName string   `json:"platformName,omitempty"`
	Confidence   float64  `json:"confidence"`
	Method       string   `json:"method"`
	Evidence     []string `json:"evidence,omitempty"`
	Matches      []Match  `json:"matches,omitempty"`
}

// strongConfidence is the short-circuit value for an exact client-id match.
const strongConfidence = 0.95

// Classifier evaluates the pattern table against raw automations.
type Classifier struct {
	patterns []Pattern
	cap      float64
	floor    float64
}

// NewClassifier builds a classifier over the given patterns. A confidence at
// or above floor classifies the automation as an AI integration; combined
// weak signals never exceed cap.
func NewClassifier(patterns []Pattern, cap, floor float64) *Classifier {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	if cap <= 0 || cap > 1 {
		cap = 0.98
	}
	if floor <= 0 {
		floor = 0.3
	}
	return &Classifier{patterns: patterns, cap: cap, floor: floor}
}

// NewDefaultClassifier uses the shipped catalog and default bounds.
func NewDefaultClassifier() *Classifier {
	return NewClassifier(DefaultPatterns(), 0.98, 0.3)
}

// Classify evaluates every pattern against the automation's observable
// properties and combines the hits. A single strong hit short-circuits;
// weak hits for the same provider combine under assumed independence:
// confidence = 1 - Π(1 - weight), capped.
func (c *Classifier) Classify(raw *core.RawAutomation) Classification {
	byProvider := map[string][]Match{}

	for i := range c.patterns {
		p := &c.patterns[i]
		value, hit := c.candidate(p, raw)
		if !hit {
			continue
		}
		byProvider[p.Provider] = append(byProvider[p.Provider], Match{
			Provider:     p.Provider,
			PlatformName: p.PlatformName,
			MatchedBy:    p.Signal,
			Evidence:     fmt.Sprintf("%s matched %q (pattern %q)", p.Signal, value, p.Match),
			Weight:       p.Weight,
			Strong:       p.Strong,
		})
	}

	if len(byProvider) == 0 {
		return Classification{Method: detectionMethod(raw.Source), Confidence: 0}
	}

	// Score each candidate provider and keep the best.
	best := Classification{}
	providers := make([]string, 0, len(byProvider))
	for p := range byProvider {
		providers = append(providers, p)
	}
	sort.Strings(providers) // deterministic tie-break

	for _, provider := range providers {
		matches := byProvider[provider]
		score := c.combine(matches)
		if score > best.Confidence {
			best = Classification{
				Provider:     provider,
				PlatformName: ProviderName(provider),
				Confidence:   score,
				Matches:      matches,
			}
		}
	}

	best.Method = detectionMethod(raw.Source)
	best.IsAIPlatform = best.Confidence >= c.floor
	for _, m := range best.Matches {
		best.Evidence = append(best.Evidence, m.Evidence)
	}
	return best
}

// combine folds matches into one confidence. Strong signals win outright.
func (c *Classifier) combine(matches []Match) float64 {
	miss := 1.0
	for _, m := range matches {
		if m.Strong {
			return strongConfidence
		}
		miss *= 1 - m.Weight
	}
	score := 1 - miss
	if score > c.cap {
		score = c.cap
	}
	return score
}

// candidate extracts the property a pattern inspects and tests it.
func (c *Classifier) candidate(p *Pattern, raw *core.RawAutomation) (string, bool) {
	switch p.Signal {
	case SignalClientID:
		return raw.ClientID, p.matches(raw.ClientID)
	case SignalAppName:
		if p.matches(raw.Name) {
			return raw.Name, true
		}
		return raw.Description, p.matches(raw.Description)
	case SignalEndpoint:
		if p.matches(raw.Endpoint) {
			return raw.Endpoint, true
		}
		return raw.AppURL, p.matches(raw.AppURL)
	case SignalUserAgent:
		return raw.UserAgent, p.matches(raw.UserAgent)
	case SignalScope:
		for _, s := range raw.Scopes {
			if p.matches(s) {
				return s, true
			}
		}
	}
	return "", false
}

// detectionMethod names how the automation surfaced, derived from the
// connector's source tag. Stored on the detection metadata for audit.
func detectionMethod(source string) string {
	switch source {
	case "tokens_api":
		return "oauth_tokens_api"
	case "audit_logs":
		return "audit_log_analysis"
	case "app_directory":
		return "app_directory_scan"
	case "service_principals":
		return "service_principal_scan"
	case "webhooks":
		return "webhook_inventory"
	case "api_keys":
		return "api_key_inventory"
	case "":
		return "pattern_match"
	default:
		return source
	}
}

// RiskFactorCodes derives the detection-level risk factor codes stored on
// DetectionMetadata.RiskFactors. The risk engine expands them into weighted
// factors; these codes are the stable vocabulary between the two engines.
func RiskFactorCodes(raw *core.RawAutomation, cls Classification) []string {
	var codes []string
	if cls.IsAIPlatform {
		codes = append(codes, "ai_platform_integration")
	}
	if n := len(raw.Scopes); n >= 3 {
		codes = append(codes, "broad_oauth_scopes")
	}
	for _, pattern := range DataAccessPatterns(raw.Scopes) {
		codes = append(codes, "data_access:"+pattern)
	}
	if raw.OwnerEmail == "" {
		codes = append(codes, "unattributed_owner")
	}
	return codes
}

// DataAccessPatterns maps granted scopes onto coarse data-surface names.
// Unknown scopes contribute nothing; the raw scope list is preserved on the
// automation regardless.
func DataAccessPatterns(scopes []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, s := range scopes {
		ls := strings.ToLower(s)
		switch {
		case strings.Contains(ls, "drive"):
			add("google_drive")
		case strings.Contains(ls, "gmail") || strings.Contains(ls, "mail."):
			add("email")
		case strings.Contains(ls, "calendar"):
			add("calendar")
		case strings.Contains(ls, "files") || strings.Contains(ls, "sites."):
			add("files")
		case strings.Contains(ls, "channels:") || strings.Contains(ls, "chat:") || strings.Contains(ls, "im:"):
			add("messages")
		case strings.Contains(ls, "users") || strings.Contains(ls, "directory"):
			add("directory")
		case strings.Contains(ls, "admin"):
			add("admin")
		}
	}
	return out
}
