// Package llm routes completion requests to the configured AI providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/resilience"
)

// ErrProviderNotConfigured is returned for a provider without credentials.
var ErrProviderNotConfigured = eris.New("llm: provider not configured")

// Request is one single-turn completion.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Completion is a provider response with its token usage.
type Completion struct {
	Text           string        `json:"text"`
	Model          string        `json:"model"`
	PromptTokens   int           `json:"prompt_tokens"`
	ResponseTokens int           `json:"response_tokens"`
	Duration       time.Duration `json:"duration"`
}

// TotalTokens returns prompt plus response tokens.
func (c *Completion) TotalTokens() int {
	return c.PromptTokens + c.ResponseTokens
}

// ModelCaller completes prompts against a named provider.
type ModelCaller interface {
	Complete(ctx context.Context, provider model.Provider, req Request) (*Completion, error)
	ModelFor(provider model.Provider) string
	Has(provider model.Provider) bool
}

// ProviderError carries the provider and HTTP status of a failed call.
type ProviderError struct {
	Provider   model.Provider
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm: %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// backend speaks one vendor API.
type backend interface {
	complete(ctx context.Context, modelName string, req Request) (*Completion, error)
}

type route struct {
	backend backend
	model   string
	limiter *rate.Limiter
}

// Registry implements ModelCaller. Each provider gets its own rate limiter
// and circuit breaker.
type Registry struct {
	routes   map[model.Provider]route
	breakers *resilience.ServiceBreakers
	defaults Request
	rps      rate.Limit
	burst    int
}

// Limits bounds provider traffic and sets request defaults.
type Limits struct {
	RequestsPerSecond float64
	Burst             int
	MaxTokens         int64
	Temperature       float64
	Breakers          resilience.CircuitBreakerConfig
}

// NewRegistry creates an empty registry.
func NewRegistry(limits Limits) *Registry {
	rps := rate.Limit(limits.RequestsPerSecond)
	if limits.RequestsPerSecond <= 0 {
		rps = rate.Inf
	}
	return &Registry{
		routes:   make(map[model.Provider]route),
		breakers: resilience.NewServiceBreakers(limits.Breakers),
		defaults: Request{MaxTokens: limits.MaxTokens, Temperature: limits.Temperature},
		rps:      rps,
		burst:    max(limits.Burst, 1),
	}
}

func (r *Registry) register(p model.Provider, b backend, modelName string) {
	r.routes[p] = route{backend: b, model: modelName, limiter: rate.NewLimiter(r.rps, r.burst)}
}

// Has reports whether provider is configured.
func (r *Registry) Has(p model.Provider) bool {
	_, ok := r.routes[p]
	return ok
}

// ModelFor returns the model id a provider resolves to, or "".
func (r *Registry) ModelFor(p model.Provider) string {
	return r.routes[p].model
}

// Providers lists configured providers in model.AllProviders order.
func (r *Registry) Providers() []model.Provider {
	var out []model.Provider
	for _, p := range model.AllProviders() {
		if r.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Breakers exposes circuit state for reporting.
func (r *Registry) Breakers() *resilience.ServiceBreakers {
	return r.breakers
}

// Complete sends req to provider, waiting on its rate limiter first.
func (r *Registry) Complete(ctx context.Context, p model.Provider, req Request) (*Completion, error) {
	rt, ok := r.routes[p]
	if !ok {
		return nil, eris.Wrapf(ErrProviderNotConfigured, "llm: %s", p)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = r.defaults.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = r.defaults.Temperature
	}

	if err := rt.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "llm: %s: rate limiter wait", p)
	}

	start := time.Now()
	comp, err := resilience.ExecuteVal(ctx, r.breakers.Get(string(p)), func(ctx context.Context) (*Completion, error) {
		return rt.backend.complete(ctx, rt.model, req)
	})
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			err = &ProviderError{Provider: p, Err: err}
		} else {
			pe.Provider = p
		}
		return nil, err
	}
	comp.Duration = time.Since(start)
	if comp.Model == "" {
		comp.Model = rt.model
	}

	zap.L().Debug("llm: completion",
		zap.String("provider", string(p)),
		zap.String("model", comp.Model),
		zap.Int("prompt_tokens", comp.PromptTokens),
		zap.Int("response_tokens", comp.ResponseTokens),
		zap.Duration("duration", comp.Duration),
	)
	return comp, nil
}
