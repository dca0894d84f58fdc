package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Identity is the optional caller identity attached to a request.
type Identity struct {
	UserID    *string `json:"user_id,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
	Paid      bool    `json:"paid"`
}

// Authenticated reports whether the identity carries a user id.
func (i Identity) Authenticated() bool {
	return i.UserID != nil && *i.UserID != ""
}

// RateLimitKey resolves the rate-limit identifier: the user id when
// authenticated, else the session id. ok is false when neither is set.
func (i Identity) RateLimitKey() (identifier string, idType IdentifierType, ok bool) {
	if i.Authenticated() {
		return *i.UserID, IdentifierUser, true
	}
	if i.SessionID != nil && *i.SessionID != "" {
		return *i.SessionID, IdentifierSession, true
	}
	return "", "", false
}

// ExtractionRequest is one ephemeral extraction call. It is never persisted.
type ExtractionRequest struct {
	RecipeURL string   `json:"recipe_url"`
	Domain    string   `json:"domain"`
	Identity  Identity `json:"identity"`
}

// NewExtractionRequest builds a request with its domain derived from the URL.
func NewExtractionRequest(recipeURL string, identity Identity) ExtractionRequest {
	return ExtractionRequest{
		RecipeURL: recipeURL,
		Domain:    DomainOf(recipeURL),
		Identity:  identity,
	}
}

// ValidationIssue is one structured validation finding.
type ValidationIssue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Attempt is one internal execution of a strategy. Phase durations are in
// milliseconds; nil means the phase was not attempted.
type Attempt struct {
	Strategy Strategy `json:"strategy"`
	Provider Provider `json:"provider"`
	Model    string   `json:"model,omitempty"`

	FetchDuration        *int64 `json:"fetch_duration_ms,omitempty"`
	AIProcessingDuration *int64 `json:"ai_processing_duration_ms,omitempty"`
	ValidationDuration   *int64 `json:"validation_duration_ms,omitempty"`
	DBSaveDuration       *int64 `json:"db_save_duration_ms,omitempty"`

	HTMLSize    *int `json:"html_size,omitempty"`
	CleanedSize *int `json:"cleaned_size,omitempty"`

	PromptTokens   *int `json:"prompt_tokens,omitempty"`
	ResponseTokens *int `json:"response_tokens,omitempty"`
	TotalTokens    *int `json:"total_tokens,omitempty"`

	Success            bool              `json:"success"`
	ValidationErrors   []ValidationIssue `json:"validation_errors,omitempty"`
	MissingFields      []string          `json:"missing_fields,omitempty"`
	CompletenessScore  float64           `json:"completeness_score"`
	CategoryConfidence *float64          `json:"category_confidence,omitempty"`
	HasStructuredData  bool              `json:"has_structured_data"`

	// Cost is nil when unknown. URL_DIRECT attempts carry a known zero.
	Cost *decimal.Decimal `json:"cost,omitempty"`

	ErrorClass ErrorClass       `json:"error_class,omitempty"`
	Err        error            `json:"-"`
	TimedOut   bool             `json:"timed_out,omitempty"`
	Recipe     *ExtractedRecipe `json:"recipe,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

// InvokedAI reports whether the attempt reached an AI provider.
func (a *Attempt) InvokedAI() bool {
	return a.AIProcessingDuration != nil
}

// TokenTotal returns the total token count, or zero when absent.
func (a *Attempt) TokenTotal() int {
	if a.TotalTokens == nil {
		return 0
	}
	return *a.TotalTokens
}

// RecipeExtractionMetrics is the single telemetry row written per request.
type RecipeExtractionMetrics struct {
	ID        string  `json:"id"`
	UserID    *string `json:"user_id,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
	RecipeID  *string `json:"recipe_id,omitempty"`
	RecipeURL string  `json:"recipe_url"`
	Domain    string  `json:"domain"`

	PrimaryStrategy Strategy       `json:"primary_strategy"`
	AIProvider      Provider       `json:"ai_provider"`
	FinalStrategy   Strategy       `json:"final_strategy"`
	FinalProvider   Provider       `json:"final_provider"`
	FallbackUsed    bool           `json:"fallback_used"`
	FallbackReason  FallbackReason `json:"fallback_reason,omitempty"`
	ErrorClass      ErrorClass     `json:"error_class,omitempty"`

	TotalDuration        int64  `json:"total_duration_ms"`
	FetchDuration        *int64 `json:"fetch_duration_ms,omitempty"`
	AIProcessingDuration *int64 `json:"ai_processing_duration_ms,omitempty"`
	ValidationDuration   *int64 `json:"validation_duration_ms,omitempty"`
	DBSaveDuration       *int64 `json:"db_save_duration_ms,omitempty"`

	HTMLSize    *int `json:"html_size,omitempty"`
	CleanedSize *int `json:"cleaned_size,omitempty"`

	PromptTokens   *int `json:"prompt_tokens,omitempty"`
	ResponseTokens *int `json:"response_tokens,omitempty"`
	TotalTokens    *int `json:"total_tokens,omitempty"`

	ExtractionSuccess  bool              `json:"extraction_success"`
	ValidationErrors   []ValidationIssue `json:"validation_errors,omitempty"`
	MissingFields      []string          `json:"missing_fields,omitempty"`
	CompletenessScore  float64           `json:"completeness_score"`
	CategoryConfidence *float64          `json:"category_confidence,omitempty"`
	HasStructuredData  bool              `json:"has_structured_data"`

	EstimatedCost *decimal.Decimal `json:"estimated_cost,omitempty"`
	WasOptimal    bool             `json:"was_optimal"`

	AttemptedStrategies []string  `json:"attempted_strategies"`
	RequestTimestamp    time.Time `json:"request_timestamp"`
}

// ComboKey builds the key used for per-combination statistics.
func ComboKey(s Strategy, p Provider) string {
	return string(s) + "/" + string(p)
}

// ComboStats holds rolling statistics for one (strategy, provider) pair.
type ComboStats struct {
	Attempts        int     `json:"attempts"`
	Successes       int     `json:"successes"`
	CompletenessSum float64 `json:"completeness_sum"`
}

// SuccessRate returns Successes/Attempts, or zero with no attempts.
func (c ComboStats) SuccessRate() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Attempts)
}

// MeanCompleteness returns the average completeness over attempts.
func (c ComboStats) MeanCompleteness() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return c.CompletenessSum / float64(c.Attempts)
}

// DomainPerformanceMetrics is the rolling aggregate kept per domain.
// OptimalStrategy and OptimalProvider are a cached value refreshed on the
// schedule tracked by SinceRecompute.
type DomainPerformanceMetrics struct {
	ID                    string  `json:"id"`
	Domain                string  `json:"domain"`
	TotalExtractions      int     `json:"total_extractions"`
	SuccessfulExtractions int     `json:"successful_extractions"`
	AverageExtractTime    float64 `json:"average_extract_time_ms"`
	AverageTokens         float64 `json:"average_tokens"`
	AverageCompleteness   float64 `json:"average_completeness"`
	HasStructuredDataPct  float64 `json:"has_structured_data_pct"`

	AverageCost decimal.Decimal `json:"average_cost"`
	CostSamples int             `json:"cost_samples"`

	OptimalStrategy *Strategy `json:"optimal_strategy,omitempty"`
	OptimalProvider *Provider `json:"optimal_provider,omitempty"`

	Combos           map[string]ComboStats `json:"combos"`
	SinceRecompute   int                   `json:"since_recompute"`
	LastRecomputedAt *time.Time            `json:"last_recomputed_at,omitempty"`
	LastUpdated      time.Time             `json:"last_updated"`
}

// NewDomainPerformanceMetrics returns an empty aggregate for domain.
func NewDomainPerformanceMetrics(domain string) *DomainPerformanceMetrics {
	return &DomainPerformanceMetrics{
		Domain:      domain,
		AverageCost: decimal.Zero,
		Combos:      make(map[string]ComboStats),
	}
}

// SuccessRate returns SuccessfulExtractions/TotalExtractions.
func (d *DomainPerformanceMetrics) SuccessRate() float64 {
	if d == nil || d.TotalExtractions == 0 {
		return 0
	}
	return float64(d.SuccessfulExtractions) / float64(d.TotalExtractions)
}

// IsOptimal reports whether (s, p) equals the cached optimal pair.
func (d *DomainPerformanceMetrics) IsOptimal(s Strategy, p Provider) bool {
	if d == nil || d.OptimalStrategy == nil || d.OptimalProvider == nil {
		return false
	}
	return *d.OptimalStrategy == s && *d.OptimalProvider == p
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *DomainPerformanceMetrics) Clone() *DomainPerformanceMetrics {
	if d == nil {
		return nil
	}
	c := *d
	c.Combos = make(map[string]ComboStats, len(d.Combos))
	for k, v := range d.Combos {
		c.Combos[k] = v
	}
	if d.OptimalStrategy != nil {
		s := *d.OptimalStrategy
		c.OptimalStrategy = &s
	}
	if d.OptimalProvider != nil {
		p := *d.OptimalProvider
		c.OptimalProvider = &p
	}
	if d.LastRecomputedAt != nil {
		t := *d.LastRecomputedAt
		c.LastRecomputedAt = &t
	}
	return &c
}
