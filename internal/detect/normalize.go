package detect

import (
	"strings"
	"time"

	"github.com/umbrix/backend/internal/core"
)

// Normalize maps one raw connector item plus its classification onto the
// persisted automation shape. Identity fields (row id, run id, timestamps)
// are owned by the repository upsert; unknown platform fields survive
// verbatim under PlatformMetadata.
func Normalize(organizationID, connectionID, runID string, raw *core.RawAutomation, cls Classification, findings []Finding) *core.DiscoveredAutomation {
	detection := core.DetectionMetadata{
		IsAIPlatform:    cls.IsAIPlatform,
		Scopes:          raw.Scopes,
		DetectionMethod: cls.Method,
		Confidence:      cls.Confidence,
		Evidence:        cls.Evidence,
	}
	if cls.IsAIPlatform {
		detection.AIProvider = cls.Provider
		detection.PlatformName = cls.PlatformName
	}
	detection.RiskFactors = RiskFactorCodes(raw, cls)
	for _, f := range findings {
		detection.RiskFactors = append(detection.RiskFactors, f.Code)
		detection.Evidence = append(detection.Evidence, f.Evidence)
	}

	observed := raw.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	return &core.DiscoveredAutomation{
		OrganizationID:      organizationID,
		ConnectionID:        connectionID,
		DiscoveryRunID:      runID,
		ExternalID:          raw.ExternalID,
		Name:                displayName(raw),
		Description:         raw.Description,
		AutomationType:      automationType(raw),
		Status:              "active",
		TriggerType:         triggerType(raw),
		PermissionsRequired: raw.Scopes,
		DataAccessPatterns:  DataAccessPatterns(raw.Scopes),
		Owner:               core.OwnerInfo{Email: raw.OwnerEmail},
		PlatformMetadata:    raw.PlatformMetadata,
		Detection:           detection,
		FirstDiscoveredAt:   observed,
		LastSeenAt:          observed,
		IsActive:            true,
	}
}

func displayName(raw *core.RawAutomation) string {
	if raw.Name != "" {
		return raw.Name
	}
	if raw.ClientID != "" {
		return raw.ClientID
	}
	return raw.ExternalID
}

func automationType(raw *core.RawAutomation) core.AutomationType {
	if raw.Kind != "" {
		return raw.Kind
	}
	return core.AutomationIntegration
}

// triggerType is a coarse guess from the source surface; platforms that
// expose an explicit trigger carry it in PlatformMetadata.
func triggerType(raw *core.RawAutomation) string {
	switch raw.Source {
	case "webhooks":
		return "event"
	case "tokens_api":
		return "oauth_grant"
	default:
		if t, ok := raw.PlatformMetadata["triggerType"].(string); ok {
			return t
		}
		return ""
	}
}

// ============================================================================
// VENDOR GROUPING (view-level only)
// ============================================================================

// vendorPatterns is evaluated at query time; the stored rows stay one per
// external app.
var vendorPatterns = []struct {
	vendor  string
	needles []string
}{
	{"OpenAI", []string{"openai", "chatgpt", "gpt-4", "gpt-3", "dall-e"}},
	{"Anthropic", []string{"anthropic", "claude"}},
	{"Google", []string{"google", "gemini", "apps script", "workspace"}},
	{"Microsoft", []string{"microsoft", "copilot", "power automate", "azure"}},
	{"Slack", []string{"slack"}},
	{"Atlassian", []string{"atlassian", "jira", "confluence"}},
	{"Zapier", []string{"zapier"}},
	{"Make", []string{"make.com", "integromat"}},
	{"Notion", []string{"notion"}},
	{"Salesforce", []string{"salesforce"}},
	{"HubSpot", []string{"hubspot"}},
}

// ExtractVendor derives a display-time vendor label from name/description.
// Returns "Other" when nothing matches.
func ExtractVendor(name, description string) string {
	hay := strings.ToLower(name + " " + description)
	for _, vp := range vendorPatterns {
		for _, n := range vp.needles {
			if strings.Contains(hay, n) {
				return vp.vendor
			}
		}
	}
	return "Other"
}

// GroupByVendor buckets automations for display. Pure view logic.
func GroupByVendor(autos []*core.DiscoveredAutomation) map[string][]*core.DiscoveredAutomation {
	out := map[string][]*core.DiscoveredAutomation{}
	for _, a := range autos {
		v := ExtractVendor(a.Name, a.Description)
		out[v] = append(out[v], a)
	}
	return out
}
