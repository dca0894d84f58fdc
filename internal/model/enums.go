package model

import "strings"

// Strategy is the high-level extraction method.
type Strategy string

const (
	// StrategyURLDirect reads structured recipe data embedded in the page.
	StrategyURLDirect Strategy = "URL_DIRECT"
	// StrategyHTMLFallback cleans raw HTML and asks an AI provider to parse it.
	StrategyHTMLFallback Strategy = "HTML_FALLBACK"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyURLDirect || s == StrategyHTMLFallback
}

// UsesAI reports whether executing the strategy calls an AI provider.
func (s Strategy) UsesAI() bool {
	return s == StrategyHTMLFallback
}

// CostRank orders strategies by cost; lower is cheaper.
func (s Strategy) CostRank() int {
	if s == StrategyURLDirect {
		return 0
	}
	return 1
}

// Provider is a specific AI model endpoint.
type Provider string

const (
	ProviderOpenAIMini  Provider = "OPENAI_MINI"
	ProviderOpenAIMain  Provider = "OPENAI_MAIN"
	ProviderGeminiMain  Provider = "GEMINI_MAIN"
	ProviderGeminiFlash Provider = "GEMINI_FLASH"
	ProviderClaudeHaiku Provider = "CLAUDE_HAIKU"
)

// AllProviders returns every provider in default cheapness order.
func AllProviders() []Provider {
	return []Provider{
		ProviderGeminiFlash,
		ProviderOpenAIMini,
		ProviderGeminiMain,
		ProviderOpenAIMain,
		ProviderClaudeHaiku,
	}
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	for _, known := range AllProviders() {
		if p == known {
			return true
		}
	}
	return false
}

// Vendor returns the billing vendor used to key cost rates.
func (p Provider) Vendor() string {
	switch p {
	case ProviderOpenAIMini, ProviderOpenAIMain:
		return "openai"
	case ProviderGeminiMain, ProviderGeminiFlash:
		return "google"
	case ProviderClaudeHaiku:
		return "anthropic"
	default:
		return "unknown"
	}
}

// IsGemini reports whether p is served by a Gemini model.
func (p Provider) IsGemini() bool {
	return p.Vendor() == "google"
}

// ParseStrategy parses a strategy name, accepting lower-case and dashes.
func ParseStrategy(s string) (Strategy, bool) {
	st := Strategy(normalizeEnum(s))
	return st, st.Valid()
}

// ParseProvider parses a provider name, accepting lower-case and dashes.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(normalizeEnum(s))
	return p, p.Valid()
}

func normalizeEnum(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
}

// IdentifierType distinguishes anonymous sessions from authenticated users
// in rate-limit keys.
type IdentifierType string

const (
	IdentifierSession IdentifierType = "session"
	IdentifierUser    IdentifierType = "user"
)

// ConversionEventType enumerates funnel events.
type ConversionEventType string

const (
	EventSessionStarted    ConversionEventType = "SESSION_STARTED"
	EventRecipeExtracted   ConversionEventType = "RECIPE_EXTRACTED"
	EventRateLimitHit      ConversionEventType = "RATE_LIMIT_HIT"
	EventSignupPromptShown ConversionEventType = "SIGNUP_PROMPT_SHOWN"
	EventSignupCompleted   ConversionEventType = "SIGNUP_COMPLETED"
)

// ErrorClass classifies why an attempt failed.
type ErrorClass string

const (
	ErrorClassNone       ErrorClass = ""
	ErrorClassFetch      ErrorClass = "FetchError"
	ErrorClassAIProvider ErrorClass = "AIProviderError"
	ErrorClassParse      ErrorClass = "ParseError"
	ErrorClassValidation ErrorClass = "ValidationError"
	ErrorClassCancelled  ErrorClass = "Cancelled"
)

// FallbackReason records which condition triggered a fallback attempt.
type FallbackReason string

const (
	FallbackNone            FallbackReason = ""
	FallbackFetchError      FallbackReason = "fetch_error"
	FallbackAIProviderError FallbackReason = "ai_provider_error"
	FallbackParseError      FallbackReason = "parse_error"
	FallbackValidationError FallbackReason = "validation_error"
	FallbackTimeout         FallbackReason = "timeout"
	FallbackLowCompleteness FallbackReason = "low_completeness"
	FallbackCancelled       FallbackReason = "cancelled"
)

// FallbackReasonFor maps an attempt error class to the fallback reason it causes.
func FallbackReasonFor(class ErrorClass, timedOut bool) FallbackReason {
	if timedOut {
		return FallbackTimeout
	}
	switch class {
	case ErrorClassFetch:
		return FallbackFetchError
	case ErrorClassAIProvider:
		return FallbackAIProviderError
	case ErrorClassParse:
		return FallbackParseError
	case ErrorClassValidation:
		return FallbackValidationError
	case ErrorClassCancelled:
		return FallbackCancelled
	default:
		return FallbackNone
	}
}
