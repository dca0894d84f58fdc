package orchestrator

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/cost"
	"github.com/sells-group/recipe-extract/internal/fetcher"
	"github.com/sells-group/recipe-extract/internal/llm"
	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/scoring"
	"github.com/sells-group/recipe-extract/internal/strategy"
)

// attempt executes one strategy against url under its own timeout. It never
// returns an error; failures are classified onto the attempt.
func (o *Orchestrator) attempt(ctx context.Context, url string, s model.Strategy, p model.Provider, budget time.Duration, asOf time.Time) *model.Attempt {
	log := zap.L().With(zap.String("url", url), zap.String("strategy", string(s)), zap.String("provider", string(p)))

	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	a := &model.Attempt{Strategy: s, Provider: p}
	start := o.timer.Now()
	defer func() { a.Duration = o.timer.Now().Sub(start) }()

	fail := func(step model.ErrorClass, err error) *model.Attempt {
		a.Success = false
		a.ErrorClass = Classify(ctx, err, step)
		a.Err = &AttemptError{Class: a.ErrorClass, Err: err}
		a.TimedOut = ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded)
		log.Warn("orchestrator: attempt failed",
			zap.String("error_class", string(a.ErrorClass)),
			zap.Bool("timed_out", a.TimedOut),
			zap.Error(err),
		)
		return a
	}

	var page *fetcher.Page
	dur, err := o.timer.Phase(func() error {
		var ferr error
		page, ferr = o.fetcher.Fetch(actx, url)
		return ferr
	})
	a.FetchDuration = dur
	if err != nil {
		return fail(model.ErrorClassFetch, err)
	}
	htmlSize := len(page.Body)
	a.HTMLSize = &htmlSize

	var recipe *model.ExtractedRecipe
	switch s {
	case model.StrategyURLDirect:
		r, ok := strategy.ParseStructured(page.HTML())
		zero := decimal.Zero
		a.Cost = &zero
		if !ok {
			return fail(model.ErrorClassParse, ErrNoStructuredData)
		}
		recipe = r
		a.HasStructuredData = r.FieldCount() > 0

	default:
		r, ferr := o.complete(ctx, actx, a, page, asOf)
		if ferr != nil {
			return fail(ferr.Class, ferr.Err)
		}
		recipe = r
	}

	var res scoring.Result
	dur, _ = o.timer.Phase(func() error {
		recipe = scoring.Normalize(recipe)
		res = o.scorer.Score(actx, recipe)
		return nil
	})
	a.ValidationDuration = dur
	a.Recipe = recipe
	a.CompletenessScore = res.Completeness
	a.MissingFields = res.MissingFields
	a.ValidationErrors = res.Issues
	a.CategoryConfidence = res.CategoryConfidence
	if !res.Success {
		return fail(model.ErrorClassValidation, ErrNoTitle)
	}
	a.Success = true

	log.Debug("orchestrator: attempt succeeded",
		zap.Float64("completeness", a.CompletenessScore),
		zap.Strings("missing_fields", a.MissingFields),
	)
	return a
}

// complete runs the HTML_FALLBACK steps after the fetch: clean, prompt,
// model call, and completion parse. Cost lookups use ctx, not the attempt
// budget, so a late timeout does not cost the telemetry.
func (o *Orchestrator) complete(ctx, actx context.Context, a *model.Attempt, page *fetcher.Page, asOf time.Time) (*model.ExtractedRecipe, *AttemptError) {
	p := a.Provider
	if !o.models.Has(p) {
		return nil, &AttemptError{Class: model.ErrorClassAIProvider, Err: llm.ErrProviderNotConfigured}
	}
	a.Model = o.models.ModelFor(p)

	cleaned := strategy.CleanHTML(page.HTML(), strategy.MaxCharsFor(p))
	cleanedSize := utf8.RuneCountInString(cleaned)
	a.CleanedSize = &cleanedSize
	if cleanedSize < strategy.MinCleanedChars {
		return nil, &AttemptError{Class: model.ErrorClassValidation, Err: strategy.ErrContentTooShort}
	}

	var comp *llm.Completion
	dur, err := o.timer.Phase(func() error {
		var cerr error
		comp, cerr = o.models.Complete(actx, p, llm.Request{
			System: strategy.SystemPrompt(),
			Prompt: strategy.BuildPrompt(cleaned),
		})
		return cerr
	})
	a.AIProcessingDuration = dur
	if err != nil {
		return nil, &AttemptError{Class: model.ErrorClassAIProvider, Err: err}
	}

	prompt, response, total := comp.PromptTokens, comp.ResponseTokens, comp.TotalTokens()
	a.PromptTokens, a.ResponseTokens, a.TotalTokens = &prompt, &response, &total

	c, err := o.costs.CostOf(ctx, p, a.Model, prompt, response, asOf)
	switch {
	case err == nil:
		a.Cost = &c
	case errors.Is(err, cost.ErrUnknownCost):
		zap.L().Warn("orchestrator: unknown cost", zap.String("provider", string(p)), zap.String("model", a.Model))
	default:
		zap.L().Warn("orchestrator: cost lookup failed", zap.String("provider", string(p)), zap.Error(err))
	}

	r, err := strategy.ParseCompletion(comp.Text)
	if err != nil {
		return nil, &AttemptError{Class: model.ErrorClassParse, Err: err}
	}
	return r, nil
}
