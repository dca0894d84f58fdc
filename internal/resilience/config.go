package resilience

import (
	"time"

	"github.com/sells-group/recipe-extract/internal/config"
)

// FetchRetry builds the page fetch retry policy. Retries counts extra tries
// after the first.
func FetchRetry(cfg config.FetchConfig) RetryConfig {
	r := DefaultRetryConfig()
	if cfg.Retries >= 0 {
		r.MaxAttempts = cfg.Retries + 1
	}
	r.OnRetry = RetryLogger("fetcher", "get")
	return r
}

// ProviderBreakers builds the per-provider circuit breaker config.
func ProviderBreakers(cfg config.ProvidersConfig) CircuitBreakerConfig {
	c := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		c.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetSecs > 0 {
		c.ResetTimeout = time.Duration(cfg.CircuitResetSecs) * time.Second
	}
	return c
}
