package fetcher

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openauthority/authsync/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	DefaultRate  rate.Limit
	RateLimiters map[string]*rate.Limiter

	// BackoffBase is the first retry delay; each attempt doubles it up to
	// BackoffLimit. A server-directed Retry-After still wins.
	BackoffBase  time.Duration
	BackoffLimit time.Duration

	// EnableCookies attaches a cookie jar, needed for the knowledge-base
	// API's login session.
	EnableCookies bool
}

// StatusError is returned when the remote answered with a non-success
// status that is not worth retrying (404, 403, 400...). Callers map it to
// their own error kinds.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// IsStatus reports whether err carries a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return eris.As(err, &se) && se.StatusCode == code
}

// AdaptiveLimiter is a rate limiter whose rate drifts with the remote's
// responses: every success nudges it up 20%, every 429 halves it. The
// rate stays between a quarter and twice the initial rate.
type AdaptiveLimiter struct {
	limiter *rate.Limiter
	min     rate.Limit
	max     rate.Limit

	mu      sync.Mutex
	current rate.Limit
}

// NewAdaptiveLimiter starts a limiter at the given rate and burst.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(initial, burst),
		min:     initial / 4,
		max:     initial * 2,
		current: initial,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// setRate clamps r to the limiter's bounds and applies it. Callers hold
// the mutex.
func (a *AdaptiveLimiter) setRate(r rate.Limit) {
	if r > a.max {
		r = a.max
	}
	if r < a.min {
		r = a.min
	}
	a.current = r
	a.limiter.SetLimit(r)
}

// OnSuccess speeds the limiter up a notch.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setRate(a.current * 1.2)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setRate(a.current / 2)
	zap.L().Warn("halving request rate after 429",
		zap.Float64("rate_per_sec", float64(a.current)))
}

// Limit reports the rate currently in force.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// HTTPFetcher is the production Fetcher: net/http with per-host rate
// limiting, retries with backoff, and optional cookie support.
type HTTPFetcher struct {
	client           *http.Client
	opts             HTTPOptions
	limiters         map[string]*rate.Limiter
	adaptiveLimiters map[string]*AdaptiveLimiter
}

// DefaultRateLimiters covers the hosts the pipeline talks to. Both the
// authority feed and the knowledge base publish politeness expectations;
// stay well inside them.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"id.loc.gov":       rate.NewLimiter(4, 4),
		"www.wikidata.org": rate.NewLimiter(5, 5),
	}
}

// DefaultAdaptiveLimiters covers the same hosts with self-tuning rates.
func DefaultAdaptiveLimiters() map[string]*AdaptiveLimiter {
	return map[string]*AdaptiveLimiter{
		"id.loc.gov":       NewAdaptiveLimiter(4, 4),
		"www.wikidata.org": NewAdaptiveLimiter(5, 5),
	}
}

// NewHTTPFetcher builds a fetcher; zero-valued options fall back to
// conservative defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "authsync/1.0 (+https://github.com/openauthority/authsync)"
	}
	if opts.DefaultRate == 0 {
		opts.DefaultRate = 2
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffLimit == 0 {
		opts.BackoffLimit = 30 * time.Second
	}
	limiters := make(map[string]*rate.Limiter)
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	if opts.EnableCookies {
		jar, err := cookiejar.New(nil)
		if err == nil {
			client.Jar = jar
		}
	}
	return &HTTPFetcher{
		client:           client,
		opts:             opts,
		limiters:         limiters,
		adaptiveLimiters: DefaultAdaptiveLimiters(),
	}
}

// adaptiveLimiterFor looks up the self-tuning limiter for the URL's
// host, nil when the host has none.
func (f *HTTPFetcher) adaptiveLimiterFor(rawURL string) *AdaptiveLimiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return f.adaptiveLimiters[u.Host]
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rate.NewLimiter(f.opts.DefaultRate, int(f.opts.DefaultRate)+1)
	}
	if lim, ok := f.limiters[u.Host]; ok {
		return lim
	}
	lim := rate.NewLimiter(f.opts.DefaultRate, int(f.opts.DefaultRate)+1)
	f.limiters[u.Host] = lim
	return lim
}

// doWithRetry runs an attempt loop around makeReq. The request is rebuilt
// per attempt so POST bodies survive retries. Retries cover network
// errors, 429, and the transient status family (408, 500, 502-504); a
// Retry-After header wins over computed backoff.
func (f *HTTPFetcher) doWithRetry(ctx context.Context, makeReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	var rawURL string
	var lastErr error
	for attempt := range f.opts.MaxRetries {
		req, err := makeReq(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)
		rawURL = req.URL.String()

		adaptive := f.adaptiveLimiterFor(rawURL)
		if adaptive != nil {
			if err := adaptive.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "rate limiter wait")
			}
		} else {
			lim := f.limiterFor(rawURL)
			if err := lim.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "rate limiter wait")
			}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, eris.Wrap(lastErr, "request aborted")
			}
			zap.L().Warn("request failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			f.backoff(ctx, attempt, 0)
			continue
		}

		// A 429 also slows the adaptive limiter down for later requests.
		if resp.StatusCode == http.StatusTooManyRequests {
			hint := parseRetryAfter(resp)
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http 429 from %s", rawURL)
			if adaptive != nil {
				adaptive.OnRateLimit()
			}
			zap.L().Warn("throttled by the remote, backing off",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Duration("retry_after", hint),
			)
			f.backoff(ctx, attempt, hint)
			continue
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			hint := parseRetryAfter(resp)
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("transient status, retrying",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			f.backoff(ctx, attempt, hint)
			continue
		}

		if adaptive != nil {
			adaptive.OnSuccess()
		}

		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "all retries exhausted")
}

// backoff sleeps exponentially with jitter, or for the server-directed
// delay when one was given.
func (f *HTTPFetcher) backoff(ctx context.Context, attempt int, hint time.Duration) {
	maxBackoff := f.opts.BackoffLimit
	d := hint
	if d <= 0 {
		d = time.Duration(float64(f.opts.BackoffBase) * math.Pow(2, float64(attempt)))
		if d > maxBackoff {
			d = maxBackoff
		}
		if half := int64(d) / 2; half > 0 {
			d += time.Duration(rand.Int64N(half))
		}
	} else if d > maxBackoff {
		d = maxBackoff
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// parseRetryAfter reads the Retry-After header, seconds or HTTP-date form.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Download fetches the URL and returns the response body. Non-success
// statuses that survive the retry loop come back as *StatusError.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Wrap(&StatusError{URL: rawURL, StatusCode: resp.StatusCode}, "download")
	}

	return resp.Body, nil
}

// PostForm sends a form-encoded POST and returns the response body.
func (f *HTTPFetcher) PostForm(ctx context.Context, rawURL string, form url.Values) (io.ReadCloser, error) {
	encoded := form.Encode()
	resp, err := f.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "post form")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Wrap(&StatusError{URL: rawURL, StatusCode: resp.StatusCode}, "post form")
	}

	return resp.Body, nil
}
