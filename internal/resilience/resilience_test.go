package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recipe-extract/internal/config"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("busy"), 503), true},
		{"wrapped", fmt.Errorf("call: %w", NewTransientError(errors.New("slow down"), 429)), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"string match", errors.New("read tcp: i/o timeout"), true},
		{"plain", errors.New("invalid json"), false},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), false},
		{"cancelled transient", fmt.Errorf("%w: %w", NewTransientError(errors.New("x"), 500), context.Canceled), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 410} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()

	var calls int
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("503"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	var calls int
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return errors.New("404")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoValExhausts(t *testing.T) {
	t.Parallel()

	var calls int
	v, err := DoVal(context.Background(), fastRetry(2), func(context.Context) (string, error) {
		calls++
		return "partial", NewTransientError(errors.New("flaky"), 502)
	})
	require.Error(t, err)
	assert.Empty(t, v)
	assert.Equal(t, 2, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second

	var calls int
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return NewTransientError(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNextDelayRetryAfterHint(t *testing.T) {
	t.Parallel()

	cfg := applyDefaults(RetryConfig{MaxBackoff: 2 * time.Second})
	hinted := &TransientError{Err: errors.New("429"), StatusCode: 429, RetryAfter: time.Second}
	assert.Equal(t, time.Second, nextDelay(0, cfg, hinted))

	hinted.RetryAfter = time.Minute
	assert.Equal(t, 2*time.Second, nextDelay(0, cfg, hinted))

	cfg.JitterFraction = 0
	assert.Equal(t, cfg.InitialBackoff*2, nextDelay(1, cfg, errors.New("x")))
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("upstream 500") }

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	val, err := ExecuteVal(ctx, cb, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	failures, state := cb.Counters()
	assert.Zero(t, failures)
	assert.Equal(t, CircuitClosed, state)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("x") })
	now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("x") })

	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>open"}, transitions)

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerIgnoresCallerCancel(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), func(context.Context) error {
		return fmt.Errorf("call: %w", context.Canceled)
	})
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestServiceBreakers(t *testing.T) {
	t.Parallel()

	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 10)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = sb.Get("GEMINI_FLASH")
		}()
	}
	wg.Wait()
	for _, cb := range got {
		assert.Same(t, got[0], cb)
	}

	_ = sb.Get("OPENAI_MINI").Execute(context.Background(), func(context.Context) error { return errors.New("x") })

	assert.Equal(t, []string{"GEMINI_FLASH", "OPENAI_MINI"}, sb.Names())
	states := sb.States()
	assert.Equal(t, CircuitClosed, states["GEMINI_FLASH"])
	assert.Equal(t, CircuitOpen, states["OPENAI_MINI"])
}

func TestConfigAdapters(t *testing.T) {
	t.Parallel()

	r := FetchRetry(config.FetchConfig{Retries: 2})
	assert.Equal(t, 3, r.MaxAttempts)
	assert.NotNil(t, r.OnRetry)

	c := ProviderBreakers(config.ProvidersConfig{CircuitFailureThreshold: 9, CircuitResetSecs: 4})
	assert.Equal(t, 9, c.FailureThreshold)
	assert.Equal(t, 4*time.Second, c.ResetTimeout)

	c = ProviderBreakers(config.ProvidersConfig{})
	assert.Equal(t, 5, c.FailureThreshold)
}
