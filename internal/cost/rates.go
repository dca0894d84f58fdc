package cost

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/recipe-extract/internal/model"
)

// perMillion is a list price in USD per million tokens.
type perMillion struct {
	vendor, model string
	input, output string
}

var listPrices = []perMillion{
	{"openai", "gpt-4o-mini-2024-07-18", "0.15", "0.60"},
	{"openai", "gpt-4.1-mini-2025-04-14", "0.40", "1.60"},
	{"google", "gemini-2.5-flash", "0.30", "2.50"},
	{"google", "gemini-2.5-pro", "1.25", "10.00"},
	{"anthropic", "claude-haiku-4-5-20251001", "0.80", "4.00"},
}

// PerToken converts a per-million-token price to per-token units.
func PerToken(perMillionUSD decimal.Decimal) decimal.Decimal {
	return perMillionUSD.Shift(-6)
}

// DefaultRates returns the seed price list, in per-token units, effective
// from the given date.
func DefaultRates(effective time.Time) []model.AIProviderCost {
	out := make([]model.AIProviderCost, 0, len(listPrices))
	for _, p := range listPrices {
		out = append(out, model.AIProviderCost{
			Provider:        p.vendor,
			Model:           p.model,
			InputTokenCost:  PerToken(decimal.RequireFromString(p.input)),
			OutputTokenCost: PerToken(decimal.RequireFromString(p.output)),
			EffectiveDate:   effective.UTC(),
		})
	}
	return out
}
