package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/sells-group/recipe-extract/internal/config"
	"github.com/sells-group/recipe-extract/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	PerHostRPS   float64
	Retry        resilience.RetryConfig
	// Client overrides the default client, e.g. in tests.
	Client *http.Client
}

// OptionsFromConfig maps fetch config onto HTTPOptions.
func OptionsFromConfig(cfg config.FetchConfig) HTTPOptions {
	return HTTPOptions{
		UserAgent:    cfg.UserAgent,
		Timeout:      time.Duration(cfg.TimeoutSecs) * time.Second,
		MaxBodyBytes: cfg.MaxBodyBytes,
		PerHostRPS:   cfg.PerHostRPS,
		Retry:        resilience.FetchRetry(cfg),
	}
}

// AdaptiveLimiter wraps a rate.Limiter that speeds up on success, up to
// twice the initial rate, and halves on 429 down to a quarter of it.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initial, burst),
		initialRate: initial,
		currentRate: initial,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.initialRate*2)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.initialRate/4)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements PageFetcher over net/http with per-host
// throttling, retries on transient failures and block detection.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	if opts.PerHostRPS <= 0 {
		opts.PerHostRPS = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; recipe-extract/1.0)"
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("fetcher", "get")
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &HTTPFetcher{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := max(int(f.opts.PerHostRPS), 1)
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.PerHostRPS), burst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch downloads rawURL. Bodies larger than MaxBodyBytes are truncated.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Errorf("fetcher: invalid url %q", rawURL)
	}
	lim := f.limiterFor(u.Hostname())

	page, err := resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) (*Page, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}
		page, err := f.get(ctx, rawURL)
		var te *resilience.TransientError
		if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
			zap.L().Warn("fetcher: rate limited, reducing host rate",
				zap.String("host", u.Hostname()),
				zap.Float64("rate", float64(lim.Limit())),
			)
		}
		return page, err
	})
	if err != nil {
		return nil, err
	}
	lim.OnSuccess()
	return page, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: get")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	truncated := int64(len(raw)) > f.opts.MaxBodyBytes
	if truncated {
		raw = raw[:f.opts.MaxBodyBytes]
	}

	if kind := DetectBlock(resp, raw); kind != BlockNone {
		return nil, &BlockedError{URL: rawURL, Kind: kind}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			te := resilience.NewTransientError(serr, resp.StatusCode)
			te.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, te
		}
		return nil, serr
	}

	ct := resp.Header.Get("Content-Type")
	if !isHTMLish(ct) {
		return nil, eris.Errorf("fetcher: unsupported content type %q", ct)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, eris.Errorf("fetcher: empty body from %s", rawURL)
	}

	body, err := toUTF8(raw, ct)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: decode charset")
	}

	return &Page{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Body:        body,
		Truncated:   truncated,
	}, nil
}

func isHTMLish(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return true
	}
	for _, bad := range []string{"image/", "video/", "audio/", "application/pdf", "application/zip", "application/octet-stream"} {
		if strings.HasPrefix(ct, bad) {
			return false
		}
	}
	return true
}

func toUTF8(raw []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
