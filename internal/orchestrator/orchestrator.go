// Package orchestrator drives one recipe extraction end to end: rate-limit
// admission, strategy selection, primary and fallback attempts, scoring,
// the metrics row, and the domain aggregate update.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/conversion"
	"github.com/sells-group/recipe-extract/internal/cost"
	"github.com/sells-group/recipe-extract/internal/fetcher"
	"github.com/sells-group/recipe-extract/internal/llm"
	"github.com/sells-group/recipe-extract/internal/metrics"
	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/performance"
	"github.com/sells-group/recipe-extract/internal/ratelimit"
	"github.com/sells-group/recipe-extract/internal/scoring"
	"github.com/sells-group/recipe-extract/internal/selector"
	"github.com/sells-group/recipe-extract/internal/store"
)

// Store is the persistence the orchestrator writes through.
type Store interface {
	GetDomainAggregate(ctx context.Context, domain string) (*model.DomainPerformanceMetrics, error)
	UpsertDomainAggregate(ctx context.Context, domain string, fn store.AggregateFn) (*model.DomainPerformanceMetrics, error)
	AppendExtractionMetrics(ctx context.Context, row *model.RecipeExtractionMetrics) error
}

// Options holds per-request budgets and thresholds.
type Options struct {
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	RecordTimeout   time.Duration
	// FallbackThreshold is the completeness below which a successful
	// primary attempt still triggers a fallback.
	FallbackThreshold float64
	Policy            performance.Policy
	MaxConcurrent     int
}

// OptionsFromConfig reads Options from config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PrimaryTimeout:    time.Duration(cfg.Orchestrator.PrimaryTimeoutSecs) * time.Second,
		FallbackTimeout:   time.Duration(cfg.Orchestrator.FallbackTimeoutSecs) * time.Second,
		RecordTimeout:     time.Duration(cfg.Orchestrator.RecordTimeoutSecs) * time.Second,
		FallbackThreshold: cfg.Routing.CompletenessFallbackThreshold,
		Policy:            performance.PolicyFromConfig(cfg.Routing),
		MaxConcurrent:     cfg.Orchestrator.MaxConcurrent,
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store    Store
	Limiter  *ratelimit.Limiter
	Selector *selector.Selector
	Fetcher  fetcher.PageFetcher
	Models   llm.ModelCaller
	Costs    *cost.Table
	Scorer   *scoring.Scorer
	Events   conversion.Sink
}

// Result is the outcome of one request.
type Result struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Recipe  *model.ExtractedRecipe `json:"recipe,omitempty"`

	Choice         selector.Choice      `json:"choice"`
	Attempts       []*model.Attempt     `json:"attempts,omitempty"`
	Final          *model.Attempt       `json:"-"`
	FallbackUsed   bool                 `json:"fallback_used"`
	FallbackReason model.FallbackReason `json:"fallback_reason,omitempty"`
	ErrorClass     model.ErrorClass     `json:"error_class,omitempty"`

	// Cost is the final attempt's cost, nil when unknown.
	Cost       *decimal.Decimal   `json:"cost,omitempty"`
	Decision   ratelimit.Decision `json:"rate_limit"`
	RetryAfter time.Duration      `json:"retry_after,omitempty"`

	Metrics   *model.RecipeExtractionMetrics  `json:"metrics,omitempty"`
	Aggregate *model.DomainPerformanceMetrics `json:"aggregate,omitempty"`
	States    []State                         `json:"-"`
}

// AttemptedStrategies lists "STRATEGY/PROVIDER" for each attempt in order.
func (r *Result) AttemptedStrategies() []string {
	out := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		out = append(out, model.ComboKey(a.Strategy, a.Provider))
	}
	return out
}

// Orchestrator runs extraction requests. It is safe for concurrent use.
type Orchestrator struct {
	store    Store
	limiter  *ratelimit.Limiter
	selector *selector.Selector
	fetcher  fetcher.PageFetcher
	models   llm.ModelCaller
	costs    *cost.Table
	scorer   *scoring.Scorer
	events   conversion.Sink
	recorder *metrics.Recorder
	timer    *metrics.Timer
	opts     Options
}

// New creates an Orchestrator. A nil Events sink discards events and a nil
// Scorer uses equal weights.
func New(d Deps, opts Options) *Orchestrator {
	if d.Events == nil {
		d.Events = conversion.Discard{}
	}
	if d.Scorer == nil {
		d.Scorer = scoring.New(nil, nil)
	}
	if d.Selector == nil {
		d.Selector = selector.New()
	}
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = 45 * time.Second
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 45 * time.Second
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 5 * time.Second
	}
	if len(opts.Policy.ProviderOrder) == 0 {
		opts.Policy.ProviderOrder = d.Selector.ProviderOrder
	}
	return &Orchestrator{
		store:    d.Store,
		limiter:  d.Limiter,
		selector: d.Selector,
		fetcher:  d.Fetcher,
		models:   d.Models,
		costs:    d.Costs,
		scorer:   d.Scorer,
		events:   d.Events,
		recorder: metrics.NewRecorder(d.Store),
		timer:    metrics.NewTimer(),
		opts:     opts,
	}
}

// WithClock replaces the clock used for phase timings and cost lookups.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.timer = metrics.WithClock(now)
	return o
}

// Extract runs one request. Attempt failures are reported on the Result
// with StatusFailed and a nil error. The error is non-nil only for a
// rate-limit rejection, cancellation, or a storage failure.
func (o *Orchestrator) Extract(ctx context.Context, req model.ExtractionRequest) (*Result, error) {
	if req.Domain == "" {
		req.Domain = model.DomainOf(req.RecipeURL)
	}
	log := zap.L().With(zap.String("url", req.RecipeURL), zap.String("domain", req.Domain))
	res := &Result{}
	to := func(s State) {
		res.States = append(res.States, s)
		log.Debug("orchestrator: state", zap.Stringer("state", s))
	}
	to(StateStart)

	requested := o.timer.Now()
	sessionID := deref(req.Identity.SessionID)

	// Rate limit.
	to(StateRateLimitCheck)
	dec, err := o.limiter.Check(ctx, req.Identity)
	res.Decision = dec
	switch {
	case errors.Is(err, ratelimit.ErrNoIdentity):
		res.Status = StatusRejected
		res.Message = "a user or session identifier is required"
		return res, &AttemptError{Class: model.ErrorClassValidation, Err: err}
	case err != nil:
		res.Status = StatusUnavailable
		log.Error("orchestrator: rate limiter unavailable", zap.Error(err))
		return res, err
	case !dec.Allowed:
		to(StateDenied)
		res.Status = StatusRateLimited
		res.RetryAfter = dec.RetryAfter
		o.events.Emit(ctx, sessionID, model.EventRateLimitHit, map[string]any{
			"identifier_type": string(dec.IdentifierType),
			"limit":           dec.Limit,
			"domain":          req.Domain,
		})
		if dec.IdentifierType == model.IdentifierSession {
			o.events.SessionRateLimited(ctx, sessionID)
		}
		log.Info("orchestrator: rate limit exceeded",
			zap.String("identifier_type", string(dec.IdentifierType)),
			zap.Int("count", dec.Count),
			zap.Duration("retry_after", dec.RetryAfter),
		)
		return res, &RateLimitError{Identifier: dec.Identifier, Limit: dec.Limit, RetryAfter: dec.RetryAfter}
	}

	// Strategy selection.
	to(StateStrategySelect)
	agg, err := o.store.GetDomainAggregate(ctx, req.Domain)
	if err != nil {
		res.Status = StatusUnavailable
		return res, fmt.Errorf("%w: %w", store.ErrStorage, err)
	}
	choice := o.selector.Select(req.Domain, agg)
	res.Choice = choice
	optimal := agg.IsOptimal(choice.Strategy, choice.Provider)
	log.Debug("orchestrator: strategy selected",
		zap.String("strategy", string(choice.Strategy)),
		zap.String("provider", string(choice.Provider)),
		zap.String("reason", choice.Reason),
	)

	// Primary attempt.
	to(StatePrimaryAttempt)
	primary := o.attempt(ctx, req.RecipeURL, choice.Strategy, choice.Provider, o.opts.PrimaryTimeout, requested)
	res.Attempts = append(res.Attempts, primary)
	final := primary

	if ctx.Err() == nil {
		if reason, ok := o.needsFallback(primary); ok {
			if fbProvider, ok := o.fallbackProvider(primary); ok {
				to(StateFallbackAttempt)
				res.FallbackUsed = true
				res.FallbackReason = reason
				log.Info("orchestrator: falling back",
					zap.String("reason", string(reason)),
					zap.String("provider", string(fbProvider)),
				)
				fb := o.attempt(ctx, req.RecipeURL, model.StrategyHTMLFallback, fbProvider, o.opts.FallbackTimeout, requested)
				res.Attempts = append(res.Attempts, fb)
				final = better(primary, fb)
			} else {
				log.Warn("orchestrator: no provider available for fallback", zap.String("reason", string(reason)))
			}
		}
	}

	if ctx.Err() != nil {
		return o.cancelled(ctx, req, res, primary, optimal, requested)
	}

	to(StateScore)
	res.Final = final
	res.Recipe = final.Recipe
	res.Cost = final.Cost
	res.ErrorClass = final.ErrorClass
	if final.Success {
		res.Status = StatusSuccess
	} else {
		res.Status = StatusFailed
		res.Message = FailureMessage
		res.Recipe = nil
	}

	to(StateRecord)
	row := metrics.Build(metrics.Input{
		Request:   req,
		Primary:   primary,
		Final:     final,
		Attempts:  res.Attempts,
		Reason:    res.FallbackReason,
		Optimal:   optimal,
		TotalMs:   o.timer.Since(requested),
		Requested: requested,
	})
	if err := o.recorder.Record(ctx, row); err != nil {
		log.Error("orchestrator: record metrics failed", zap.Error(err))
		return res, fmt.Errorf("%w: %w", store.ErrStorage, err)
	}
	res.Metrics = row

	to(StateUpdateAggregate)
	outcome := performance.NewOutcome(final, res.Attempts, row.TotalDuration)
	updated, err := o.store.UpsertDomainAggregate(ctx, req.Domain, func(a *model.DomainPerformanceMetrics) error {
		if performance.Fold(a, outcome, o.opts.Policy, o.timer.Now()) {
			log.Debug("orchestrator: optimal pair recomputed")
		}
		return nil
	})
	if err != nil {
		log.Error("orchestrator: update aggregate failed", zap.Error(err))
		return res, fmt.Errorf("%w: %w", store.ErrStorage, err)
	}
	// The store may keep the returned value; callers get their own copy.
	res.Aggregate = updated.Clone()

	o.emitFunnel(ctx, req, dec, res)

	to(StateDone)
	log.Info("orchestrator: extraction complete",
		zap.String("status", string(res.Status)),
		zap.Strings("attempted", res.AttemptedStrategies()),
		zap.Float64("completeness", final.CompletenessScore),
		zap.Int64("duration_ms", row.TotalDuration),
	)
	return res, nil
}

// needsFallback reports whether the primary attempt failed or scored under
// the completeness threshold, and why.
func (o *Orchestrator) needsFallback(a *model.Attempt) (model.FallbackReason, bool) {
	if !a.Success {
		reason := model.FallbackReasonFor(a.ErrorClass, a.TimedOut)
		if reason == model.FallbackNone {
			reason = model.FallbackValidationError
		}
		return reason, true
	}
	if a.CompletenessScore < o.opts.FallbackThreshold {
		return model.FallbackLowCompleteness, true
	}
	return model.FallbackNone, false
}

// fallbackProvider picks the next provider after the primary's. A URL_DIRECT
// primary never called its provider, so that provider is still a candidate
// when nothing else is available.
func (o *Orchestrator) fallbackProvider(primary *model.Attempt) (model.Provider, bool) {
	if p, ok := o.selector.Fallback(primary.Provider); ok {
		return p, true
	}
	if !primary.Strategy.UsesAI() && o.models.Has(primary.Provider) {
		return primary.Provider, true
	}
	return "", false
}

// better returns the attempt to report: a successful fallback, else the
// higher of the two by (success, completeness). Ties go to the fallback.
func better(primary, fallback *model.Attempt) *model.Attempt {
	switch {
	case fallback.Success && !primary.Success:
		return fallback
	case primary.Success && !fallback.Success:
		return primary
	case primary.CompletenessScore > fallback.CompletenessScore:
		return primary
	default:
		return fallback
	}
}

// cancelled writes a best-effort metrics row for a request whose context
// ended mid-flight. The aggregate is left alone.
func (o *Orchestrator) cancelled(ctx context.Context, req model.ExtractionRequest, res *Result, primary *model.Attempt, optimal bool, requested time.Time) (*Result, error) {
	last := res.Attempts[len(res.Attempts)-1]
	last.Success = false
	last.ErrorClass = model.ErrorClassCancelled
	if last.Err == nil {
		last.Err = ctx.Err()
	}

	res.Status = StatusCancelled
	res.Final = last
	res.ErrorClass = model.ErrorClassCancelled
	res.Message = FailureMessage
	if len(res.Attempts) > 1 {
		res.FallbackUsed = true
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RecordTimeout)
	defer cancel()
	row := metrics.Build(metrics.Input{
		Request:   req,
		Primary:   primary,
		Final:     last,
		Attempts:  res.Attempts,
		Reason:    model.FallbackCancelled,
		Optimal:   optimal,
		TotalMs:   o.timer.Since(requested),
		Requested: requested,
	})
	if err := o.recorder.Record(rctx, row); err != nil {
		zap.L().Warn("orchestrator: record cancelled request failed", zap.String("url", req.RecipeURL), zap.Error(err))
	} else {
		res.Metrics = row
	}
	res.States = append(res.States, StateRecord, StateDone)
	return res, ctx.Err()
}

// emitFunnel sends the anonymous-session events that follow an admitted
// request.
func (o *Orchestrator) emitFunnel(ctx context.Context, req model.ExtractionRequest, dec ratelimit.Decision, res *Result) {
	if req.Identity.Authenticated() || req.Identity.SessionID == nil {
		return
	}
	sessionID := *req.Identity.SessionID
	o.events.SessionSeen(ctx, sessionID)
	if res.Status == StatusSuccess {
		o.events.Emit(ctx, sessionID, model.EventRecipeExtracted, map[string]any{
			"domain":   req.Domain,
			"strategy": string(res.Final.Strategy),
			"provider": string(res.Final.Provider),
		})
	}
	if dec.Remaining <= 1 && !dec.FailedOpen {
		o.events.Emit(ctx, sessionID, model.EventSignupPromptShown, map[string]any{
			"remaining": dec.Remaining,
			"limit":     dec.Limit,
		})
	}
}

// BatchItem pairs a request with its outcome.
type BatchItem struct {
	Request model.ExtractionRequest `json:"request"`
	Result  *Result                 `json:"result,omitempty"`
	Err     error                   `json:"-"`
}

// ExtractBatch runs requests concurrently, at most concurrency at a time
// (Options.MaxConcurrent when concurrency is not positive). Items keep the
// order of reqs. One request's failure does not stop the others.
func (o *Orchestrator) ExtractBatch(ctx context.Context, reqs []model.ExtractionRequest, concurrency int) []BatchItem {
	if concurrency <= 0 {
		concurrency = max(o.opts.MaxConcurrent, 1)
	}
	items := make([]BatchItem, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Extract(gctx, req)
			items[i] = BatchItem{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
