// Package report summarizes extraction telemetry and domain aggregates for
// operators.
package report

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/store"
)

// Source is the storage the report reads.
type Source interface {
	ListDomainAggregates(ctx context.Context, limit int) ([]model.DomainPerformanceMetrics, error)
	ListExtractionMetrics(ctx context.Context, filter store.MetricsFilter) ([]model.RecipeExtractionMetrics, error)
}

// Snapshot is a point-in-time view of extraction health.
type Snapshot struct {
	Total           int     `json:"total" yaml:"total"`
	Succeeded       int     `json:"succeeded" yaml:"succeeded"`
	SuccessRate     float64 `json:"success_rate" yaml:"success_rate"`
	FallbackRate    float64 `json:"fallback_rate" yaml:"fallback_rate"`
	OptimalRate     float64 `json:"optimal_rate" yaml:"optimal_rate"`
	AvgDurationMs   float64 `json:"avg_duration_ms" yaml:"avg_duration_ms"`
	AvgCompleteness float64 `json:"avg_completeness" yaml:"avg_completeness"`

	// TotalCost sums known costs; UnknownCost counts rows without one.
	TotalCost   decimal.Decimal `json:"total_cost" yaml:"total_cost"`
	UnknownCost int             `json:"unknown_cost" yaml:"unknown_cost"`

	ByFinalStrategy map[model.Strategy]int       `json:"by_final_strategy" yaml:"by_final_strategy"`
	ByErrorClass    map[model.ErrorClass]int     `json:"by_error_class,omitempty" yaml:"by_error_class,omitempty"`
	ByFallback      map[model.FallbackReason]int `json:"by_fallback_reason,omitempty" yaml:"by_fallback_reason,omitempty"`

	LookbackHours int       `json:"lookback_hours" yaml:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at" yaml:"collected_at"`
}

// Collector gathers report data from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect summarizes metrics rows from the last lookbackHours, optionally
// restricted to one domain.
func (c *Collector) Collect(ctx context.Context, domain string, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		TotalCost:       decimal.Zero,
		ByFinalStrategy: make(map[model.Strategy]int),
		ByErrorClass:    make(map[model.ErrorClass]int),
		ByFallback:      make(map[model.FallbackReason]int),
		LookbackHours:   lookbackHours,
		CollectedAt:     now,
	}

	rows, err := c.src.ListExtractionMetrics(ctx, store.MetricsFilter{
		Domain: domain,
		Since:  now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:  10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "report: list extraction metrics")
	}

	var fallbacks, optimal int
	var duration, completeness float64
	for _, r := range rows {
		snap.Total++
		if r.ExtractionSuccess {
			snap.Succeeded++
		}
		if r.FallbackUsed {
			fallbacks++
			snap.ByFallback[r.FallbackReason]++
		}
		if r.WasOptimal {
			optimal++
		}
		if r.ErrorClass != model.ErrorClassNone {
			snap.ByErrorClass[r.ErrorClass]++
		}
		snap.ByFinalStrategy[r.FinalStrategy]++
		duration += float64(r.TotalDuration)
		completeness += r.CompletenessScore
		if r.EstimatedCost == nil {
			snap.UnknownCost++
		} else {
			snap.TotalCost = snap.TotalCost.Add(*r.EstimatedCost)
		}
	}

	if snap.Total > 0 {
		n := float64(snap.Total)
		snap.SuccessRate = float64(snap.Succeeded) / n
		snap.FallbackRate = float64(fallbacks) / n
		snap.OptimalRate = float64(optimal) / n
		snap.AvgDurationMs = duration / n
		snap.AvgCompleteness = completeness / n
	}
	return snap, nil
}

// Domains returns one report row per domain aggregate, busiest first.
func (c *Collector) Domains(ctx context.Context, limit int) ([]DomainRow, error) {
	aggs, err := c.src.ListDomainAggregates(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "report: list domain aggregates")
	}
	out := make([]DomainRow, 0, len(aggs))
	for i := range aggs {
		out = append(out, NewDomainRow(&aggs[i]))
	}
	return out, nil
}

// DomainRow is the per-domain line of the performance report.
type DomainRow struct {
	Domain          string    `json:"domain" yaml:"domain"`
	Total           int       `json:"total" yaml:"total"`
	SuccessRate     float64   `json:"success_rate" yaml:"success_rate"`
	AvgDurationMs   float64   `json:"avg_duration_ms" yaml:"avg_duration_ms"`
	AvgTokens       float64   `json:"avg_tokens" yaml:"avg_tokens"`
	AvgCost         string    `json:"avg_cost" yaml:"avg_cost"`
	AvgCompleteness float64   `json:"avg_completeness" yaml:"avg_completeness"`
	StructuredPct   float64   `json:"structured_pct" yaml:"structured_pct"`
	OptimalStrategy string    `json:"optimal_strategy,omitempty" yaml:"optimal_strategy,omitempty"`
	OptimalProvider string    `json:"optimal_provider,omitempty" yaml:"optimal_provider,omitempty"`
	LastUpdated     time.Time `json:"last_updated" yaml:"last_updated"`
}

// NewDomainRow flattens an aggregate. AvgCost is empty when no request for
// the domain had a known cost.
func NewDomainRow(a *model.DomainPerformanceMetrics) DomainRow {
	row := DomainRow{
		Domain:          a.Domain,
		Total:           a.TotalExtractions,
		SuccessRate:     a.SuccessRate(),
		AvgDurationMs:   a.AverageExtractTime,
		AvgTokens:       a.AverageTokens,
		AvgCompleteness: a.AverageCompleteness,
		StructuredPct:   a.HasStructuredDataPct,
		LastUpdated:     a.LastUpdated,
	}
	if a.CostSamples > 0 {
		row.AvgCost = a.AverageCost.StringFixed(6)
	}
	if a.OptimalStrategy != nil {
		row.OptimalStrategy = string(*a.OptimalStrategy)
	}
	if a.OptimalProvider != nil {
		row.OptimalProvider = string(*a.OptimalProvider)
	}
	return row
}
