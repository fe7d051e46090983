package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/core"
)

func googleOpenAIGrant() *core.RawAutomation {
	return &core.RawAutomation{
		ExternalID: "77377267392-xxx.apps.googleusercontent.com:admin@example.com",
		Platform:   core.PlatformGoogle,
		Kind:       core.AutomationIntegration,
		Name:       "ChatGPT",
		OwnerEmail: "admin@example.com",
		ClientID:   "77377267392-xxx.apps.googleusercontent.com",
		Scopes: []string{
			"https://www.googleapis.com/auth/drive.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
			"openid",
		},
		Source:     "tokens_api",
		ObservedAt: time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC),
	}
}

func TestClassify_StrongClientIDShortCircuits(t *testing.T) {
	cls := NewDefaultClassifier().Classify(googleOpenAIGrant())

	require.True(t, cls.IsAIPlatform)
	assert.Equal(t, ProviderOpenAI, cls.Provider)
	assert.Equal(t, "OpenAI / ChatGPT", cls.PlatformName)
	assert.Equal(t, "oauth_tokens_api", cls.Method)
	assert.GreaterOrEqual(t, cls.Confidence, 0.9)
	assert.NotEmpty(t, cls.Evidence)
}

func TestClassify_WeakSignalsCombineMultiplicatively(t *testing.T) {
	raw := &core.RawAutomation{
		ExternalID: "app-1",
		Platform:   core.PlatformSlack,
		Name:       "Claude for Slack",
		Endpoint:   "https://api.anthropic.com/v1/messages",
		Source:     "app_directory",
	}
	cls := NewDefaultClassifier().Classify(raw)

	require.True(t, cls.IsAIPlatform)
	assert.Equal(t, ProviderAnthropic, cls.Provider)
	// name (0.75) and endpoint (0.9): 1-(0.25*0.1) = 0.975
	assert.InDelta(t, 0.975, cls.Confidence, 0.001)
	assert.Len(t, cls.Evidence, 2)
}

func TestClassify_CapBoundsCombinedConfidence(t *testing.T) {
	raw := &core.RawAutomation{
		ExternalID: "app-2",
		Platform:   core.PlatformSlack,
		Name:       "OpenAI ChatGPT GPT-4 DALL-E bridge",
		Endpoint:   "https://api.openai.com/v1",
		UserAgent:  "openai-python/1.12",
	}
	cls := NewDefaultClassifier().Classify(raw)

	require.True(t, cls.IsAIPlatform)
	assert.LessOrEqual(t, cls.Confidence, 0.98)
}

func TestClassify_NonAIStaysBelowFloor(t *testing.T) {
	raw := &core.RawAutomation{
		ExternalID: "app-3",
		Platform:   core.PlatformJira,
		Name:       "Tempo Timesheets",
		Source:     "app_directory",
	}
	cls := NewDefaultClassifier().Classify(raw)

	assert.False(t, cls.IsAIPlatform)
	assert.Empty(t, cls.Provider)
	assert.Equal(t, "app_directory_scan", cls.Method)
}

func TestClassify_EvidenceStoredVerbatim(t *testing.T) {
	cls := NewDefaultClassifier().Classify(googleOpenAIGrant())

	require.NotEmpty(t, cls.Evidence)
	assert.Contains(t, cls.Evidence[0], "77377267392-xxx.apps.googleusercontent.com")
}

func TestRiskFactorCodes_GoogleOpenAIGrant(t *testing.T) {
	raw := googleOpenAIGrant()
	cls := NewDefaultClassifier().Classify(raw)
	codes := RiskFactorCodes(raw, cls)

	// AI platform + 4 scopes + drive access: the §8 scenario needs >= 3.
	assert.GreaterOrEqual(t, len(codes), 3)
	assert.Contains(t, codes, "ai_platform_integration")
	assert.Contains(t, codes, "broad_oauth_scopes")
	assert.Contains(t, codes, "data_access:google_drive")
}

func TestDataAccessPatterns_Dedupes(t *testing.T) {
	patterns := DataAccessPatterns([]string{
		"https://www.googleapis.com/auth/drive.readonly",
		"https://www.googleapis.com/auth/drive.file",
		"https://www.googleapis.com/auth/gmail.readonly",
	})
	assert.Equal(t, []string{"google_drive", "email"}, patterns)
}

func TestExtractVendor(t *testing.T) {
	cases := []struct {
		name, desc, want string
	}{
		{"ChatGPT", "", "OpenAI"},
		{"Deploy bot", "posts Claude summaries", "Anthropic"},
		{"Standup Sync", "", "Other"},
		{"Zapier", "workflow glue", "Zapier"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractVendor(tc.name, tc.desc), tc.name)
	}
}

func BenchmarkClassify(b *testing.B) {
	c := NewDefaultClassifier()
	raw := googleOpenAIGrant()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Classify(raw)
	}
}
