// Package detect is the detection engine: it turns the raw observations a
// connector emits into classified automations with populated detection
// metadata. The AI-provider catalog is a data table, not code branching —
// extending coverage means adding rows.
package detect

import "strings"

// Signal names one observable property a pattern can match against.
type Signal string

const (
	SignalClientID  Signal = "client_id"
	SignalAppName   Signal = "app_name"
	SignalEndpoint  Signal = "endpoint"
	SignalUserAgent Signal = "user_agent"
	SignalScope     Signal = "scope"
)

// Pattern maps one observable property to an AI provider. ClientID patterns
// match by prefix; everything else matches case-insensitive substrings.
// Strong patterns short-circuit to high confidence on their own.
type Pattern struct {
	Provider     string
	PlatformName string
	Signal       Signal
	Match        string
	Weight       float64
	Strong       bool
}

// Provider identifiers, stable across pattern revisions.
const (
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGoogleAI    = "google_ai"
	ProviderCohere      = "cohere"
	ProviderHuggingFace = "huggingface"
	ProviderReplicate   = "replicate"
	ProviderMistral     = "mistral"
	ProviderTogether    = "together"
)

// providerDisplay maps the provider id to its display name.
var providerDisplay = map[string]string{
	ProviderOpenAI:      "OpenAI / ChatGPT",
	ProviderAnthropic:   "Anthropic / Claude",
	ProviderGoogleAI:    "Google AI / Gemini",
	ProviderCohere:      "Cohere",
	ProviderHuggingFace: "Hugging Face",
	ProviderReplicate:   "Replicate",
	ProviderMistral:     "Mistral AI",
	ProviderTogether:    "Together.ai",
}

// DefaultPatterns is the shipped AI-provider catalog. OAuth client ids are
// registered application prefixes observed in the wild; they are the only
// strong signals because they identify one vendor app exactly.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// --- OpenAI / ChatGPT ---
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalClientID, "77377267392-", 1.0, true},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalEndpoint, "api.openai.com", 0.9, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalEndpoint, "chat.openai.com", 0.9, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalEndpoint, "chatgpt.com", 0.85, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalAppName, "chatgpt", 0.8, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalAppName, "openai", 0.8, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalAppName, "gpt-4", 0.6, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalAppName, "dall-e", 0.6, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalAppName, "whisper", 0.4, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalUserAgent, "openai-python", 0.85, false},
		{ProviderOpenAI, "OpenAI / ChatGPT", SignalUserAgent, "openai-node", 0.85, false},

		// --- Anthropic / Claude ---
		{ProviderAnthropic, "Anthropic / Claude", SignalClientID, "anthropic-", 1.0, true},
		{ProviderAnthropic, "Anthropic / Claude", SignalEndpoint, "api.anthropic.com", 0.9, false},
		{ProviderAnthropic, "Anthropic / Claude", SignalEndpoint, "claude.ai", 0.85, false},
		{ProviderAnthropic, "Anthropic / Claude", SignalAppName, "claude", 0.75, false},
		{ProviderAnthropic, "Anthropic / Claude", SignalAppName, "anthropic", 0.8, false},
		{ProviderAnthropic, "Anthropic / Claude", SignalUserAgent, "anthropic-sdk", 0.85, false},

		// --- Google AI / Gemini ---
		{ProviderGoogleAI, "Google AI / Gemini", SignalEndpoint, "generativelanguage.googleapis.com", 0.9, false},
		{ProviderGoogleAI, "Google AI / Gemini", SignalEndpoint, "aiplatform.googleapis.com", 0.85, false},
		{ProviderGoogleAI, "Google AI / Gemini", SignalAppName, "gemini", 0.7, false},
		{ProviderGoogleAI, "Google AI / Gemini", SignalAppName, "vertex ai", 0.75, false},
		{ProviderGoogleAI, "Google AI / Gemini", SignalAppName, "duet ai", 0.7, false},
		{ProviderGoogleAI, "Google AI / Gemini", SignalScope, "generative-language", 0.8, false},

		// --- Cohere ---
		{ProviderCohere, "Cohere", SignalEndpoint, "api.cohere.ai", 0.9, false},
		{ProviderCohere, "Cohere", SignalEndpoint, "api.cohere.com", 0.9, false},
		{ProviderCohere, "Cohere", SignalAppName, "cohere", 0.75, false},

		// --- Hugging Face ---
		{ProviderHuggingFace, "Hugging Face", SignalEndpoint, "api-inference.huggingface.co", 0.9, false},
		{ProviderHuggingFace, "Hugging Face", SignalEndpoint, "huggingface.co", 0.8, false},
		{ProviderHuggingFace, "Hugging Face", SignalAppName, "hugging face", 0.75, false},
		{ProviderHuggingFace, "Hugging Face", SignalAppName, "huggingface", 0.75, false},

		// --- Replicate ---
		{ProviderReplicate, "Replicate", SignalEndpoint, "api.replicate.com", 0.9, false},
		{ProviderReplicate, "Replicate", SignalAppName, "replicate", 0.6, false},

		// --- Mistral ---
		{ProviderMistral, "Mistral AI", SignalEndpoint, "api.mistral.ai", 0.9, false},
		{ProviderMistral, "Mistral AI", SignalAppName, "mistral", 0.65, false},

		// --- Together.ai ---
		{ProviderTogether, "Together.ai", SignalEndpoint, "api.together.xyz", 0.9, false},
		{ProviderTogether, "Together.ai", SignalEndpoint, "api.together.ai", 0.9, false},
		{ProviderTogether, "Together.ai", SignalAppName, "together.ai", 0.75, false},
	}
}

// matches reports whether the pattern matches the candidate value.
func (p *Pattern) matches(value string) bool {
	if value == "" {
		return false
	}
	switch p.Signal {
	case SignalClientID:
		return strings.HasPrefix(value, p.Match)
	default:
		return strings.Contains(strings.ToLower(value), p.Match)
	}
}

// ProviderName returns the display name for a provider id.
func ProviderName(provider string) string {
	if n, ok := providerDisplay[provider]; ok {
		return n
	}
	return provider
}
