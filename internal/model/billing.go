package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AIProviderCost is an effective-dated token price. Rows are append-only;
// a price change is a new row. Costs are per token.
type AIProviderCost struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	InputTokenCost  decimal.Decimal `json:"input_token_cost"`
	OutputTokenCost decimal.Decimal `json:"output_token_cost"`
	EffectiveDate   time.Time       `json:"effective_date"`
	CreatedAt       time.Time       `json:"created_at"`
}

// DailyRateLimit is the request counter for one identifier on one UTC date.
type DailyRateLimit struct {
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifier_type"`
	Date           string         `json:"date"` // YYYY-MM-DD, UTC
	RequestCount   int            `json:"request_count"`
	LastRequestAt  time.Time      `json:"last_request_at"`
}

// AnonymousSession tracks an unauthenticated visitor.
type AnonymousSession struct {
	SessionID       string     `json:"session_id"`
	ExtractionCount int        `json:"extraction_count"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	RateLimitedAt   *time.Time `json:"rate_limited_at,omitempty"`
	ConvertedUserID *string    `json:"converted_user_id,omitempty"`
}

// ConversionEvent is an append-only funnel event.
type ConversionEvent struct {
	ID        string              `json:"id"`
	SessionID *string             `json:"session_id,omitempty"`
	UserID    *string             `json:"user_id,omitempty"`
	EventType ConversionEventType `json:"event_type"`
	Payload   map[string]any      `json:"payload,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// UTCDate formats t as the YYYY-MM-DD UTC calendar date.
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
