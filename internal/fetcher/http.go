// Package fetcher provides the rate-limited, retrying transport used by every
// outbound call in the core. A single client instance governs external load.
package fetcher

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mihiarc/socialmapper/internal/errs"
)

// Known upstream hosts. TIGER map services get a longer timeout because
// geojson boundary responses for a whole state are large.
const (
	HostCensusAPI     = "api.census.gov"
	HostCensusGeocode = "geocoding.geo.census.gov"
	HostTiger         = "tigerweb.geo.census.gov"
	HostOverpass      = "overpass-api.de"
)

// Options configures the HTTP client.
type Options struct {
	UserAgent         string
	Timeout           time.Duration
	TigerTimeout      time.Duration
	MaxRetries        int
	RequestsPerMinute float64
	// HostLimits overrides the per-host token buckets; hosts not listed get
	// a bucket filled at RequestsPerMinute.
	HostLimits map[string]*rate.Limiter
}

// Client is a rate-limited HTTP client with retry and backoff.
type Client struct {
	hc       *http.Client
	opts     Options
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
}

// New creates a Client with the given options.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.TigerTimeout == 0 {
		opts.TigerTimeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "socialmapper/1.0"
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 60
	}

	perSec := rate.Limit(opts.RequestsPerMinute / 60.0)
	limiters := map[string]*rate.Limiter{
		HostCensusAPI:     rate.NewLimiter(perSec, 1),
		HostCensusGeocode: rate.NewLimiter(perSec, 1),
		HostTiger:         rate.NewLimiter(perSec, 1),
		HostOverpass:      rate.NewLimiter(perSec, 1),
	}
	for host, lim := range opts.HostLimits {
		limiters[host] = lim
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		hc:       &http.Client{Transport: transport},
		opts:     opts,
		limiters: limiters,
		fallback: rate.NewLimiter(perSec, 1),
	}
}

// Get fetches rawURL and returns the response body.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: build request")
	}
	return c.do(req)
}

// PostForm posts urlencoded form values to rawURL and returns the body.
// Overpass QL goes through here as the "data" field.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	if lim, ok := c.limiters[host]; ok {
		return lim
	}
	return c.fallback
}

func (c *Client) timeoutFor(host string) time.Duration {
	if host == HostTiger {
		return c.opts.TigerTimeout
	}
	return c.opts.Timeout
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	host := req.URL.Host
	lim := c.limiterFor(hostOnly(host))

	var lastStatus int
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if err := lim.Wait(req.Context()); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		attemptCtx, cancel := context.WithTimeout(req.Context(), c.timeoutFor(hostOnly(host)))
		cloned := req.Clone(attemptCtx)
		cloned.Header.Set("User-Agent", c.opts.UserAgent)

		resp, err := c.hc.Do(cloned)
		if err != nil {
			cancel()
			lastErr = err
			if req.Context().Err() != nil {
				return nil, eris.Wrap(err, "fetcher: request canceled")
			}
			zap.L().Warn("http request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			c.backoff(req.Context(), attempt, 0)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
			cancel()
			lastStatus = resp.StatusCode
			lastErr = eris.Errorf("http 429 from %s", host)
			zap.L().Warn("rate limited (429), backing off",
				zap.String("host", host),
				zap.Duration("retry_after", retryAfter),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(req.Context(), attempt, retryAfter)
			continue

		case resp.StatusCode >= 500:
			_ = resp.Body.Close()
			cancel()
			lastStatus = resp.StatusCode
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, host)
			zap.L().Warn("server error, retrying",
				zap.String("host", host),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(req.Context(), attempt, 0)
			continue

		case resp.StatusCode >= 400:
			// Client errors other than 429 are not retryable.
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			cancel()
			return nil, errs.Newf(errs.KindExternalService, "fetch",
				"%s returned status %d: %s", host, resp.StatusCode, strings.TrimSpace(string(body)))
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if readErr != nil {
			lastErr = readErr
			c.backoff(req.Context(), attempt, 0)
			continue
		}
		return body, nil
	}

	if lastStatus == http.StatusTooManyRequests {
		return nil, errs.Wrap(errs.KindRateLimit, "fetch", lastErr, "retry budget exhausted").
			WithSuggestions("reduce rate_limit_rpm", "retry the run later")
	}
	return nil, errs.Wrap(errs.KindExternalService, "fetch", lastErr, "all retries exhausted").
		WithSuggestions("check upstream service status", "increase http.max_retries")
}

// backoff sleeps base*2^attempt plus jitter, or the server-provided
// Retry-After when longer.
func (c *Client) backoff(ctx context.Context, attempt int, retryAfter time.Duration) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d) / 2))
	if retryAfter > d {
		d = retryAfter
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i > 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}
