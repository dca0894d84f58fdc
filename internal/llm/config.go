package llm

import (
	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/resilience"
)

// NewFromConfig registers every provider whose vendor key is set.
func NewFromConfig(cfg *config.Config) *Registry {
	p := cfg.Providers
	r := NewRegistry(Limits{
		RequestsPerSecond: p.RequestsPerSecond,
		Burst:             p.Burst,
		MaxTokens:         p.MaxTokens,
		Temperature:       p.Temperature,
		Breakers:          resilience.ProviderBreakers(p),
	})

	if cfg.OpenAI.Key != "" {
		b := newOpenAIBackend(cfg.OpenAI.Key, cfg.OpenAI.BaseURL, p.MaxRetries)
		r.register(model.ProviderOpenAIMini, b, cfg.OpenAI.MiniModel)
		r.register(model.ProviderOpenAIMain, b, cfg.OpenAI.MainModel)
	}
	if cfg.Gemini.Key != "" {
		b := newOpenAIBackend(cfg.Gemini.Key, cfg.Gemini.BaseURL, p.MaxRetries)
		r.register(model.ProviderGeminiMain, b, cfg.Gemini.MainModel)
		r.register(model.ProviderGeminiFlash, b, cfg.Gemini.FlashModel)
	}
	if cfg.Anthropic.Key != "" {
		b := newAnthropicBackend(cfg.Anthropic.Key, cfg.Anthropic.BaseURL, p.MaxRetries)
		r.register(model.ProviderClaudeHaiku, b, cfg.Anthropic.HaikuModel)
	}
	return r
}
