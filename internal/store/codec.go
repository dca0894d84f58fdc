package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recipe-extract/internal/model"
)

// metricsColumns is the column order shared by both backends for
// recipe_extraction_metrics.
var metricsColumns = []string{
	"id", "user_id", "session_id", "recipe_id", "recipe_url", "domain",
	"primary_strategy", "ai_provider", "final_strategy", "final_provider",
	"fallback_used", "fallback_reason", "error_class",
	"total_duration_ms", "fetch_duration_ms", "ai_processing_duration_ms", "validation_duration_ms", "db_save_duration_ms",
	"html_size", "cleaned_size", "prompt_tokens", "response_tokens", "total_tokens",
	"extraction_success", "validation_errors", "missing_fields", "completeness_score", "category_confidence",
	"has_structured_data", "estimated_cost", "was_optimal", "attempted_strategies", "request_timestamp",
}

// metricsArgs flattens a metrics row into insert arguments in metricsColumns order.
func metricsArgs(row *model.RecipeExtractionMetrics) ([]any, error) {
	valErrs, err := json.Marshal(nonNilIssues(row.ValidationErrors))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal validation errors")
	}
	missing, err := json.Marshal(nonNilStrings(row.MissingFields))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal missing fields")
	}
	attempted, err := json.Marshal(nonNilStrings(row.AttemptedStrategies))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal attempted strategies")
	}

	return []any{
		row.ID, row.UserID, row.SessionID, row.RecipeID, row.RecipeURL, row.Domain,
		string(row.PrimaryStrategy), string(row.AIProvider), string(row.FinalStrategy), string(row.FinalProvider),
		row.FallbackUsed, string(row.FallbackReason), string(row.ErrorClass),
		row.TotalDuration, row.FetchDuration, row.AIProcessingDuration, row.ValidationDuration, row.DBSaveDuration,
		row.HTMLSize, row.CleanedSize, row.PromptTokens, row.ResponseTokens, row.TotalTokens,
		row.ExtractionSuccess, string(valErrs), string(missing), row.CompletenessScore, row.CategoryConfidence,
		row.HasStructuredData, decimalArg(row.EstimatedCost), row.WasOptimal, string(attempted), row.RequestTimestamp.UTC(),
	}, nil
}

// metricsScan holds scan targets for one metrics row.
type metricsScan struct {
	row                                 model.RecipeExtractionMetrics
	primary, provider, final, finalProv string
	reason, class                       string
	valErrs, missing, attempted         string
	cost                                *string
}

func (m *metricsScan) dest() []any {
	r := &m.row
	return []any{
		&r.ID, &r.UserID, &r.SessionID, &r.RecipeID, &r.RecipeURL, &r.Domain,
		&m.primary, &m.provider, &m.final, &m.finalProv,
		&r.FallbackUsed, &m.reason, &m.class,
		&r.TotalDuration, &r.FetchDuration, &r.AIProcessingDuration, &r.ValidationDuration, &r.DBSaveDuration,
		&r.HTMLSize, &r.CleanedSize, &r.PromptTokens, &r.ResponseTokens, &r.TotalTokens,
		&r.ExtractionSuccess, &m.valErrs, &m.missing, &r.CompletenessScore, &r.CategoryConfidence,
		&r.HasStructuredData, &m.cost, &r.WasOptimal, &m.attempted, &r.RequestTimestamp,
	}
}

func (m *metricsScan) finish() (*model.RecipeExtractionMetrics, error) {
	r := m.row
	r.PrimaryStrategy = model.Strategy(m.primary)
	r.AIProvider = model.Provider(m.provider)
	r.FinalStrategy = model.Strategy(m.final)
	r.FinalProvider = model.Provider(m.finalProv)
	r.FallbackReason = model.FallbackReason(m.reason)
	r.ErrorClass = model.ErrorClass(m.class)

	if err := unmarshalText(m.valErrs, &r.ValidationErrors); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal validation errors")
	}
	if err := unmarshalText(m.missing, &r.MissingFields); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal missing fields")
	}
	if err := unmarshalText(m.attempted, &r.AttemptedStrategies); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal attempted strategies")
	}
	cost, err := parseDecimalPtr(m.cost)
	if err != nil {
		return nil, err
	}
	r.EstimatedCost = cost
	return &r, nil
}

// aggregateScan holds scan targets for one domain aggregate row.
type aggregateScan struct {
	agg                 model.DomainPerformanceMetrics
	avgCost             string
	optStrategy, optPro *string
	combos              string
}

func (a *aggregateScan) dest() []any {
	g := &a.agg
	return []any{
		&g.ID, &g.Domain, &g.TotalExtractions, &g.SuccessfulExtractions,
		&g.AverageExtractTime, &g.AverageTokens, &a.avgCost, &g.CostSamples,
		&g.AverageCompleteness, &g.HasStructuredDataPct,
		&a.optStrategy, &a.optPro, &a.combos, &g.SinceRecompute, &g.LastRecomputedAt, &g.LastUpdated,
	}
}

func (a *aggregateScan) finish() (*model.DomainPerformanceMetrics, error) {
	g := a.agg
	cost, err := decimal.NewFromString(a.avgCost)
	if err != nil {
		return nil, eris.Wrapf(err, "store: parse average cost for %s", g.Domain)
	}
	g.AverageCost = cost
	if a.optStrategy != nil {
		s := model.Strategy(*a.optStrategy)
		g.OptimalStrategy = &s
	}
	if a.optPro != nil {
		p := model.Provider(*a.optPro)
		g.OptimalProvider = &p
	}
	g.Combos = make(map[string]model.ComboStats)
	if err := unmarshalText(a.combos, &g.Combos); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal combos for %s", g.Domain)
	}
	if g.Combos == nil {
		g.Combos = make(map[string]model.ComboStats)
	}
	return &g, nil
}

// aggregateArgs returns the mutable aggregate columns in update order:
// total, successful, avg time, avg tokens, avg cost, cost samples,
// avg completeness, structured pct, optimal strategy, optimal provider,
// combos, since recompute, last recomputed, last updated.
func aggregateArgs(g *model.DomainPerformanceMetrics) ([]any, error) {
	combos, err := json.Marshal(g.Combos)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal combos")
	}
	var recomputed *time.Time
	if g.LastRecomputedAt != nil {
		t := g.LastRecomputedAt.UTC()
		recomputed = &t
	}
	var optS, optP *string
	if g.OptimalStrategy != nil {
		s := string(*g.OptimalStrategy)
		optS = &s
	}
	if g.OptimalProvider != nil {
		p := string(*g.OptimalProvider)
		optP = &p
	}
	return []any{
		g.TotalExtractions, g.SuccessfulExtractions, g.AverageExtractTime, g.AverageTokens,
		g.AverageCost.String(), g.CostSamples, g.AverageCompleteness, g.HasStructuredDataPct,
		optS, optP, string(combos), g.SinceRecompute, recomputed, g.LastUpdated.UTC(),
	}, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, eris.Wrapf(err, "store: parse decimal %q", *s)
	}
	return &d, nil
}

func unmarshalText(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilIssues(s []model.ValidationIssue) []model.ValidationIssue {
	if s == nil {
		return []model.ValidationIssue{}
	}
	return s
}

func marshalPayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal event payload")
	}
	return string(b), nil
}

func prepareRate(r *model.AIProviderCost) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

func parseRate(r *model.AIProviderCost, in, out string) error {
	var err error
	if r.InputTokenCost, err = decimal.NewFromString(in); err != nil {
		return eris.Wrapf(err, "store: parse input cost for %s/%s", r.Provider, r.Model)
	}
	if r.OutputTokenCost, err = decimal.NewFromString(out); err != nil {
		return eris.Wrapf(err, "store: parse output cost for %s/%s", r.Provider, r.Model)
	}
	return nil
}
