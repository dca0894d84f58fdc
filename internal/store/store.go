package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recipe-extract/internal/model"
)

// ErrStorage marks infrastructure failures surfaced to callers.
var ErrStorage = eris.New("store: storage unavailable")

// AggregateFn mutates a domain aggregate inside the store's atomic
// read-modify-write. Returning an error aborts the update.
type AggregateFn func(agg *model.DomainPerformanceMetrics) error

// MetricsFilter specifies criteria for listing extraction metrics.
type MetricsFilter struct {
	Domain string    `json:"domain,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// Store defines the persistence interface for the extraction engine.
type Store interface {
	// Domain aggregates
	UpsertDomainAggregate(ctx context.Context, domain string, fn AggregateFn) (*model.DomainPerformanceMetrics, error)
	GetDomainAggregate(ctx context.Context, domain string) (*model.DomainPerformanceMetrics, error)
	ListDomainAggregates(ctx context.Context, limit int) ([]model.DomainPerformanceMetrics, error)

	// Rate limits
	IncrementRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string, limit int, at time.Time) (count int, admitted bool, err error)
	GetRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string) (*model.DailyRateLimit, error)

	// Extraction metrics
	AppendExtractionMetrics(ctx context.Context, row *model.RecipeExtractionMetrics) error
	ListExtractionMetrics(ctx context.Context, filter MetricsFilter) ([]model.RecipeExtractionMetrics, error)

	// Cost rates
	ReadCostRates(ctx context.Context, provider, modelName string) ([]model.AIProviderCost, error)
	InsertCostRate(ctx context.Context, rate model.AIProviderCost) error
	SeedCostRates(ctx context.Context, rates []model.AIProviderCost) (int64, error)
	ListCostRates(ctx context.Context) ([]model.AIProviderCost, error)

	// Funnel
	InsertConversionEvent(ctx context.Context, ev model.ConversionEvent) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) (*model.AnonymousSession, error)
	MarkSessionRateLimited(ctx context.Context, sessionID string, at time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
