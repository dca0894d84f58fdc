package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/resilience"
)

const recipeHTML = `<html><head><title>Soup</title></head><body><h1>Tomato Soup</h1><p>Simmer tomatoes.</p></body></html>`

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:  "test-agent",
		Timeout:    5 * time.Second,
		PerHostRPS: 1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
}

func TestFetchOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(recipeHTML))
	}))
	defer srv.Close()

	page, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/soup")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, srv.URL+"/soup", page.FinalURL)
	assert.Contains(t, page.HTML(), "Tomato Soup")
	assert.False(t, page.Truncated)
}

func TestFetchDecodesLatin1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<html><body>Cr\xe8me br\xfbl\xe9e</body></html>"))
	}))
	defer srv.Close()

	page, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, page.HTML(), "Crème brûlée")
}

func TestFetchRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(recipeHTML))
	}))
	defer srv.Close()

	page, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.NotEmpty(t, page.Body)
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch429SlowsHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	lim := f.limiterFor("127.0.0.1")
	assert.Less(t, float64(lim.Limit()), 1000.0)
}

func TestFetchBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("cf-ray", "abc123")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<html>Attention Required</html>"))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	var be *BlockedError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, BlockCloudflare, be.Kind)
}

func TestFetchTruncatesLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>" + strings.Repeat("a", 4096) + "</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	f.opts.MaxBodyBytes = 1024
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, page.Truncated)
	assert.Len(t, page.Body, 1024)
}

func TestFetchRejectsBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG"))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported content type")
}

func TestFetchInvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/x", "not a url", "https://"} {
		_, err := newTestFetcher().Fetch(context.Background(), u)
		assert.Error(t, err, u)
	}
}

func TestFetchHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestFetcher().Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDetectBlock(t *testing.T) {
	t.Parallel()

	big := []byte("<html>" + strings.Repeat("x", interstitialMax) + " recaptcha </html>")
	tests := []struct {
		name   string
		status int
		header http.Header
		body   []byte
		want   BlockType
	}{
		{"clean", 200, http.Header{}, []byte(recipeHTML), BlockNone},
		{"cloudflare header", 503, http.Header{"Server": {"cloudflare"}}, nil, BlockCloudflare},
		{"challenge body", 200, http.Header{}, []byte("Checking your browser before accessing"), BlockCloudflare},
		{"captcha interstitial", 200, http.Header{}, []byte("<div class=g-recaptcha></div>"), BlockCaptcha},
		{"captcha widget on real page", 200, http.Header{}, big, BlockNone},
		{"js shell", 200, http.Header{}, []byte("<noscript>Please enable JavaScript</noscript>"), BlockJSShell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := &http.Response{StatusCode: tt.status, Header: tt.header}
			assert.Equal(t, tt.want, DetectBlock(resp, tt.body))
		})
	}
	assert.Equal(t, BlockNone, DetectBlock(nil, nil))
}

func TestAdaptiveLimiterBounds(t *testing.T) {
	t.Parallel()

	a := NewAdaptiveLimiter(rate.Limit(10), 1)
	for range 10 {
		a.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(a.Limit()), 0.001)
	for range 10 {
		a.OnRateLimit()
	}
	assert.InDelta(t, 2.5, float64(a.Limit()), 0.001)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 50*time.Minute)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	opts := OptionsFromConfig(config.FetchConfig{TimeoutSecs: 7, MaxBodyBytes: 99, UserAgent: "ua", Retries: 2, PerHostRPS: 3})
	assert.Equal(t, 7*time.Second, opts.Timeout)
	assert.Equal(t, int64(99), opts.MaxBodyBytes)
	assert.Equal(t, 3, opts.Retry.MaxAttempts)
	assert.InDelta(t, 3.0, opts.PerHostRPS, 0.001)
}
