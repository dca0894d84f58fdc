// Package cost prices AI provider calls from effective-dated per-token rates.
package cost

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/recipe-extract/internal/model"
)

// ErrUnknownCost is returned when no rate applies. Callers must not treat
// it as zero.
var ErrUnknownCost = eris.New("cost: unknown cost")

// readTimeout bounds a coalesced rate read.
const readTimeout = 10 * time.Second

// RateReader reads every rate row for a vendor and model.
type RateReader interface {
	ReadCostRates(ctx context.Context, provider, modelName string) ([]model.AIProviderCost, error)
}

// RateWriter appends a rate row.
type RateWriter interface {
	InsertCostRate(ctx context.Context, rate model.AIProviderCost) error
}

// Table answers "what did N tokens cost at time T". Rows are read from the
// store on every call; concurrent reads for the same key are coalesced.
type Table struct {
	reader RateReader
	group  singleflight.Group
}

// NewTable creates a Table over the given rate source.
func NewTable(reader RateReader) *Table {
	return &Table{reader: reader}
}

// CostOf prices a call as promptTokens*input + responseTokens*output using
// the rate with the latest effective date not after asOf.
func (t *Table) CostOf(ctx context.Context, provider model.Provider, modelName string, promptTokens, responseTokens int, asOf time.Time) (decimal.Decimal, error) {
	if promptTokens < 0 || responseTokens < 0 {
		return decimal.Zero, eris.Errorf("cost: negative token count (%d, %d)", promptTokens, responseTokens)
	}
	rate, err := t.RateAt(ctx, provider.Vendor(), modelName, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return Compute(*rate, promptTokens, responseTokens), nil
}

// RateAt returns the rate row in effect at asOf.
func (t *Table) RateAt(ctx context.Context, vendor, modelName string, asOf time.Time) (*model.AIProviderCost, error) {
	key := vendor + "\x00" + modelName
	// The shared read outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	ch := t.group.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readTimeout)
		defer cancel()
		return t.reader.ReadCostRates(readCtx, vendor, modelName)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "cost: read rates for %s/%s", vendor, modelName)
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, eris.Wrapf(res.Err, "cost: read rates for %s/%s", vendor, modelName)
	}

	rate, ok := SelectRate(res.Val.([]model.AIProviderCost), asOf)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownCost, "cost: no rate for %s/%s as of %s", vendor, modelName, asOf.UTC().Format(time.RFC3339))
	}
	return &rate, nil
}

// SelectRate picks the row with the greatest EffectiveDate <= asOf. Input
// order does not matter.
func SelectRate(rates []model.AIProviderCost, asOf time.Time) (model.AIProviderCost, bool) {
	var best model.AIProviderCost
	found := false
	for _, r := range rates {
		if r.EffectiveDate.After(asOf) {
			continue
		}
		if !found || r.EffectiveDate.After(best.EffectiveDate) {
			best = r
			found = true
		}
	}
	return best, found
}

// Compute applies a per-token rate.
func Compute(rate model.AIProviderCost, promptTokens, responseTokens int) decimal.Decimal {
	in := rate.InputTokenCost.Mul(decimal.NewFromInt(int64(promptTokens)))
	out := rate.OutputTokenCost.Mul(decimal.NewFromInt(int64(responseTokens)))
	return in.Add(out)
}

// AddRate validates and appends a new rate row. Existing rows are never
// changed; a price change is a new effective date.
func AddRate(ctx context.Context, w RateWriter, rate model.AIProviderCost) error {
	if rate.Provider == "" || rate.Model == "" {
		return eris.New("cost: provider and model are required")
	}
	if rate.InputTokenCost.IsNegative() || rate.OutputTokenCost.IsNegative() {
		return eris.New("cost: token costs must be non-negative")
	}
	if rate.EffectiveDate.IsZero() {
		return eris.New("cost: effective date is required")
	}
	return eris.Wrap(w.InsertCostRate(ctx, rate), "cost: add rate")
}
