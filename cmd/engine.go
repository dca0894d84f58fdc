package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/conversion"
	"github.com/sells-group/recipe-extract/internal/cost"
	"github.com/sells-group/recipe-extract/internal/fetcher"
	"github.com/sells-group/recipe-extract/internal/llm"
	"github.com/sells-group/recipe-extract/internal/orchestrator"
	"github.com/sells-group/recipe-extract/internal/ratelimit"
	"github.com/sells-group/recipe-extract/internal/scoring"
	"github.com/sells-group/recipe-extract/internal/selector"
	"github.com/sells-group/recipe-extract/internal/store"
)

// engine holds the wired extraction stack for one command invocation.
type engine struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Limiter      *ratelimit.Limiter
	Models       *llm.Registry
	Events       *conversion.StoreSink
}

// Close waits for pending funnel writes and closes the store.
func (e *engine) Close() {
	e.Events.Wait()
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initEngine(ctx context.Context) (*engine, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return newEngine(cfg, st, fetcher.NewHTTPFetcher(fetcher.OptionsFromConfig(cfg.Fetch)), llm.NewFromConfig(cfg)), nil
}

func newEngine(c *config.Config, st store.Store, f fetcher.PageFetcher, models *llm.Registry) *engine {
	limiter := ratelimit.New(st, ratelimit.Policy{
		SessionDailyLimit: c.RateLimit.SessionDailyLimit,
		UserDailyLimit:    c.RateLimit.UserDailyLimit,
	})

	sel := selector.FromConfig(c.Routing)
	sel.Available = models.Has

	events := conversion.NewStoreSink(st, time.Duration(c.Orchestrator.RecordTimeoutSecs)*time.Second)

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Limiter:  limiter,
		Selector: sel,
		Fetcher:  f,
		Models:   models,
		Costs:    cost.NewTable(st),
		Scorer:   scoring.New(c.Scoring.Weights, nil),
		Events:   events,
	}, orchestrator.OptionsFromConfig(c))

	zap.L().Debug("engine ready",
		zap.String("store", c.Store.Driver),
		zap.Int("providers", len(models.Providers())),
	)

	return &engine{
		Store:        st,
		Orchestrator: orch,
		Limiter:      limiter,
		Models:       models,
		Events:       events,
	}
}
