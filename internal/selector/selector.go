// Package selector picks the strategy and provider for an extraction from
// the domain's performance aggregate. It performs no I/O.
package selector

import (
	"slices"
	"strings"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/model"
)

// Reasons recorded on a Choice.
const (
	ReasonNoHistory      = "no_history"
	ReasonWarmup         = "warmup"
	ReasonKnownSite      = "known_structured_site"
	ReasonOptimal        = "optimal"
	ReasonNoOptimal      = "no_optimal"
	ReasonLowSuccessRate = "low_success_rate"
	ReasonUnavailable    = "provider_unavailable"
)

// Choice is a selected strategy and provider.
type Choice struct {
	Strategy model.Strategy `json:"strategy"`
	Provider model.Provider `json:"provider"`
	Reason   string         `json:"reason"`
	// FromAggregate is true when the pair came from the domain's cached optimum.
	FromAggregate bool `json:"from_aggregate"`
}

// Selector holds the routing policy. The zero value is not usable; build
// one with New or FromConfig.
type Selector struct {
	WarmupThreshold int
	MinSuccessRate  float64
	DefaultStrategy model.Strategy
	DefaultProvider model.Provider
	ProviderOrder   []model.Provider
	KnownSites      map[string]bool

	// Available reports whether a provider can be called. Nil means every
	// provider is available.
	Available func(model.Provider) bool
}

// New returns a Selector with the standard routing policy.
func New() *Selector {
	return &Selector{
		WarmupThreshold: 5,
		MinSuccessRate:  0.5,
		DefaultStrategy: model.StrategyURLDirect,
		DefaultProvider: model.ProviderGeminiFlash,
		ProviderOrder:   model.AllProviders(),
		KnownSites:      map[string]bool{},
	}
}

// FromConfig builds a Selector from routing config. Unparseable defaults
// fall back to URL_DIRECT and GEMINI_FLASH.
func FromConfig(cfg config.RoutingConfig) *Selector {
	s := New()
	s.WarmupThreshold = cfg.WarmupThreshold
	s.MinSuccessRate = cfg.MinSuccessRate
	if st, ok := model.ParseStrategy(cfg.DefaultStrategy); ok {
		s.DefaultStrategy = st
	}
	if p, ok := model.ParseProvider(cfg.DefaultProvider); ok {
		s.DefaultProvider = p
	}
	var order []model.Provider
	for _, name := range cfg.ProviderOrder {
		if p, ok := model.ParseProvider(name); ok && !slices.Contains(order, p) {
			order = append(order, p)
		}
	}
	if len(order) > 0 {
		s.ProviderOrder = order
	}
	for _, d := range cfg.KnownStructuredSites {
		s.KnownSites[model.DomainOf("https://"+strings.TrimSpace(d))] = true
	}
	return s
}

// Select chooses for a domain. agg may be nil when the domain has no
// history. A domain under the warmup threshold, or one whose optimum is
// unset or unreliable, gets the default pair.
func (s *Selector) Select(domain string, agg *model.DomainPerformanceMetrics) Choice {
	def := Choice{Strategy: s.DefaultStrategy, Provider: s.DefaultProvider}

	switch {
	case agg == nil:
		def.Reason = ReasonNoHistory
	case agg.TotalExtractions < s.WarmupThreshold:
		def.Reason = ReasonWarmup
	case agg.OptimalStrategy == nil || agg.OptimalProvider == nil:
		def.Reason = ReasonNoOptimal
	case agg.SuccessRate() < s.MinSuccessRate:
		def.Reason = ReasonLowSuccessRate
	default:
		return s.ensureAvailable(Choice{
			Strategy:      *agg.OptimalStrategy,
			Provider:      *agg.OptimalProvider,
			Reason:        ReasonOptimal,
			FromAggregate: true,
		})
	}
	if def.Reason != ReasonLowSuccessRate && s.KnownSites[domain] {
		def.Reason = ReasonKnownSite
	}
	return s.ensureAvailable(def)
}

// Fallback returns the provider for a fallback attempt: the next available
// provider in order after primary, wrapping around, that differs from it.
func (s *Selector) Fallback(primary model.Provider) (model.Provider, bool) {
	order := s.ProviderOrder
	if len(order) == 0 {
		return "", false
	}
	start := slices.Index(order, primary)
	for i := 1; i <= len(order); i++ {
		p := order[(start+i+len(order))%len(order)]
		if p != primary && s.available(p) {
			return p, true
		}
	}
	return "", false
}

// ensureAvailable swaps an uncallable provider for the first available one
// in order. URL_DIRECT never calls its provider, so it is left alone.
func (s *Selector) ensureAvailable(c Choice) Choice {
	if !c.Strategy.UsesAI() || s.available(c.Provider) {
		return c
	}
	for _, p := range s.ProviderOrder {
		if s.available(p) {
			c.Provider = p
			c.Reason = ReasonUnavailable
			c.FromAggregate = false
			return c
		}
	}
	return c
}

func (s *Selector) available(p model.Provider) bool {
	return s.Available == nil || s.Available(p)
}
