// Package performance folds extraction outcomes into per-domain aggregates
// and recomputes each domain's optimal strategy and provider.
package performance

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/model"
)

const scoreEpsilon = 1e-9

// Policy controls when and how the optimal pair is recomputed.
type Policy struct {
	// MinComboSamples is the fewest attempts a combination needs to be
	// considered.
	MinComboSamples int
	// RecomputeEvery folds trigger a recompute.
	RecomputeEvery int
	// ProviderOrder ranks providers cheapest first for tie breaks.
	ProviderOrder []model.Provider
}

// PolicyFromConfig builds a Policy from routing config. Unknown provider
// names are skipped.
func PolicyFromConfig(cfg config.RoutingConfig) Policy {
	p := Policy{MinComboSamples: cfg.MinComboSamples, RecomputeEvery: cfg.RecomputeEvery}
	for _, name := range cfg.ProviderOrder {
		if prov, ok := model.ParseProvider(name); ok {
			p.ProviderOrder = append(p.ProviderOrder, prov)
		}
	}
	if len(p.ProviderOrder) == 0 {
		p.ProviderOrder = model.AllProviders()
	}
	return p
}

// AttemptSample is one attempt's contribution to combination statistics.
type AttemptSample struct {
	Strategy     model.Strategy
	Provider     model.Provider
	Success      bool
	Completeness float64
}

// Outcome is one request's contribution to its domain aggregate.
type Outcome struct {
	Success           bool
	DurationMs        int64
	Tokens            int
	Completeness      float64
	HasStructuredData bool
	// Cost is the summed cost of every attempt, nil when any part is unknown.
	Cost     *decimal.Decimal
	Attempts []AttemptSample
}

// NewOutcome summarizes a request's attempts. final is the attempt whose
// result is reported.
func NewOutcome(final *model.Attempt, attempts []*model.Attempt, totalMs int64) Outcome {
	o := Outcome{DurationMs: totalMs}
	if final != nil {
		o.Success = final.Success
		o.Completeness = final.CompletenessScore
	}

	sum := decimal.Zero
	known := true
	for _, a := range attempts {
		o.Tokens += a.TokenTotal()
		o.HasStructuredData = o.HasStructuredData || a.HasStructuredData
		o.Attempts = append(o.Attempts, AttemptSample{
			Strategy:     a.Strategy,
			Provider:     a.Provider,
			Success:      a.Success,
			Completeness: a.CompletenessScore,
		})
		switch {
		case a.Cost != nil:
			sum = sum.Add(*a.Cost)
		case a.InvokedAI():
			known = false
		}
	}
	if known {
		o.Cost = &sum
	}
	return o
}

// Fold applies o to agg in place. Running averages use
// avg += (v - avg) / n. The optimal pair is recomputed once RecomputeEvery
// folds have accumulated, or immediately when no optimal is set yet and a
// combination has reached MinComboSamples. Fold reports whether it
// recomputed.
func Fold(agg *model.DomainPerformanceMetrics, o Outcome, p Policy, now time.Time) bool {
	if agg.Combos == nil {
		agg.Combos = make(map[string]model.ComboStats)
	}

	agg.TotalExtractions++
	if o.Success {
		agg.SuccessfulExtractions++
	}
	n := float64(agg.TotalExtractions)
	agg.AverageExtractTime += (float64(o.DurationMs) - agg.AverageExtractTime) / n
	agg.AverageTokens += (float64(o.Tokens) - agg.AverageTokens) / n
	agg.AverageCompleteness += (o.Completeness - agg.AverageCompleteness) / n
	structured := 0.0
	if o.HasStructuredData {
		structured = 100
	}
	agg.HasStructuredDataPct += (structured - agg.HasStructuredDataPct) / n

	if o.Cost != nil {
		agg.CostSamples++
		delta := o.Cost.Sub(agg.AverageCost).Div(decimal.NewFromInt(int64(agg.CostSamples)))
		agg.AverageCost = agg.AverageCost.Add(delta)
	}

	for _, s := range o.Attempts {
		key := model.ComboKey(s.Strategy, s.Provider)
		c := agg.Combos[key]
		c.Attempts++
		if s.Success {
			c.Successes++
		}
		c.CompletenessSum += s.Completeness
		agg.Combos[key] = c
	}

	agg.SinceRecompute++
	agg.LastUpdated = now.UTC()

	if !shouldRecompute(agg, p) {
		return false
	}
	if s, prov, ok := Best(agg, p); ok {
		agg.OptimalStrategy = &s
		agg.OptimalProvider = &prov
	}
	agg.SinceRecompute = 0
	t := now.UTC()
	agg.LastRecomputedAt = &t
	return true
}

func shouldRecompute(agg *model.DomainPerformanceMetrics, p Policy) bool {
	if p.RecomputeEvery > 0 && agg.SinceRecompute >= p.RecomputeEvery {
		return true
	}
	if agg.OptimalStrategy != nil && agg.OptimalProvider != nil {
		return false
	}
	for _, c := range agg.Combos {
		if c.Attempts >= minSamples(p) {
			return true
		}
	}
	return false
}

func minSamples(p Policy) int {
	return max(p.MinComboSamples, 1)
}

// Best returns the combination with the highest success rate × mean
// completeness among those with enough samples. Ties go to the cheaper
// provider, then the cheaper strategy.
func Best(agg *model.DomainPerformanceMetrics, p Policy) (model.Strategy, model.Provider, bool) {
	var (
		bestS     model.Strategy
		bestP     model.Provider
		bestScore = math.Inf(-1)
		found     bool
	)
	for key, c := range agg.Combos {
		if c.Attempts < minSamples(p) {
			continue
		}
		s, prov, ok := splitKey(key)
		if !ok {
			continue
		}
		score := c.SuccessRate() * c.MeanCompleteness()
		switch {
		case !found, score > bestScore+scoreEpsilon:
		case math.Abs(score-bestScore) <= scoreEpsilon && cheaper(s, prov, bestS, bestP, p.ProviderOrder):
		default:
			continue
		}
		bestS, bestP, bestScore, found = s, prov, score, true
	}
	return bestS, bestP, found
}

func cheaper(s model.Strategy, p model.Provider, curS model.Strategy, curP model.Provider, order []model.Provider) bool {
	if ri, rj := rank(p, order), rank(curP, order); ri != rj {
		return ri < rj
	}
	return s.CostRank() < curS.CostRank()
}

func rank(p model.Provider, order []model.Provider) int {
	for i, o := range order {
		if o == p {
			return i
		}
	}
	return len(order)
}

func splitKey(key string) (model.Strategy, model.Provider, bool) {
	ss, ps, ok := strings.Cut(key, "/")
	if !ok {
		return "", "", false
	}
	s, p := model.Strategy(ss), model.Provider(ps)
	return s, p, s.Valid() && p.Valid()
}
