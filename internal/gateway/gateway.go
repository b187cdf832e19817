// Package gateway is the only path to the upstream filings API. Every call
// goes through the response cache, request coalescing and the process-wide
// rate limiter.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"filingsync/internal/cache"
	"filingsync/internal/metrics"
	"filingsync/internal/ratelimit"
	"filingsync/internal/workpool"
)

const maxBodyBytes = 32 << 20

// Config holds the upstream connection settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MinPageSize int
	MaxPageSize int
	// MaxRetries is the number of retries after the first attempt for
	// throttled, 5xx and network failures.
	MaxRetries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
}

// Options tune a single Request.
type Options struct {
	// NoCache bypasses the response cache entirely: no lookup, no store and
	// no stale fallback.
	NoCache bool
	// MaxResults > 0 follows pagination until that many results are
	// collected or the pages run out. Zero fetches one page.
	MaxResults int
}

// Pagination mirrors the upstream envelope.
type Pagination struct {
	Page    int `json:"page"`
	Pages   int `json:"pages"`
	Count   int `json:"count"`
	PerPage int `json:"per_page"`
}

// Response is an assembled, possibly multi-page, upstream answer.
type Response struct {
	Pagination Pagination       `json:"pagination"`
	Results    []map[string]any `json:"results"`

	// Cached is set when the response came from the cache.
	Cached bool `json:"-"`
	// Expired is set when an expired entry was served because the upstream
	// could not be reached.
	Expired bool `json:"-"`
}

// Gateway issues upstream requests.
type Gateway struct {
	cfg     Config
	http    *http.Client
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	pool    *workpool.Pool
	refresh *workpool.Registry
	clock   clock.Clock
	metrics *metrics.Metrics
	flight  singleflight.Group
}

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.http = c }
}

func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithRefreshRegistry shares the set of keys with a background refresh in
// flight. By default each gateway owns its own.
func WithRefreshRegistry(r *workpool.Registry) Option {
	return func(g *Gateway) { g.refresh = r }
}

// New builds a gateway. c may be nil to disable caching; pool runs
// background refreshes.
func New(cfg Config, c *cache.Cache, limiter *ratelimit.Limiter, pool *workpool.Pool, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinPageSize <= 0 {
		cfg.MinPageSize = 1
	}
	if cfg.MaxPageSize < cfg.MinPageSize {
		cfg.MaxPageSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	g := &Gateway{
		cfg:     cfg,
		cache:   c,
		limiter: limiter,
		pool:    pool,
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.http == nil {
		g.http = &http.Client{Timeout: cfg.Timeout}
	}
	if g.refresh == nil {
		g.refresh = workpool.NewRegistry()
	}
	return g
}

// Request fetches endpoint with params. A fresh cached response is returned
// without touching the network; one older than the cache's stale fraction
// additionally schedules a background refresh.
func (g *Gateway) Request(ctx context.Context, endpoint string, params url.Values, opts Options) (*Response, error) {
	params = g.prepare(params)
	key := g.cacheKey(endpoint, params, opts)

	if g.cache != nil && !opts.NoCache {
		if resp, ok := g.fromCache(ctx, key, endpoint, params, opts); ok {
			return resp, nil
		}
	}

	ch := g.flight.DoChan(key, func() (any, error) {
		// The fetch outlives any single waiter.
		fctx := context.WithoutCancel(ctx)
		return g.fetch(fctx, key, endpoint, params, opts)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.metrics.RecordCoalesced()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response).copy(), nil
	}
}

func (g *Gateway) fromCache(ctx context.Context, key, endpoint string, params url.Values, opts Options) (*Response, bool) {
	l, err := g.cache.Get(ctx, key)
	if err != nil {
		log.WithError(err).WithField("endpoint", endpoint).Warn("cache lookup failed")
		return nil, false
	}
	if l == nil {
		return nil, false
	}
	resp, err := decodeResponse(l.Entry.Payload)
	if err != nil {
		log.WithError(err).WithField("endpoint", endpoint).Warn("discarding undecodable cache entry")
		return nil, false
	}
	if l.Stale {
		g.scheduleRefresh(key, endpoint, params, opts)
	}
	resp.Cached = true
	return resp, true
}

// scheduleRefresh re-fetches key in the background unless a refresh for it
// is already running. A full pool drops the refresh; the next stale read
// tries again.
func (g *Gateway) scheduleRefresh(key, endpoint string, params url.Values, opts Options) {
	if g.pool == nil {
		return
	}
	submitted, err := g.refresh.Go(g.pool, key, "refresh "+endpoint, func(ctx context.Context) error {
		// Shares the flight with foreground misses for the same key.
		_, err, _ := g.flight.Do(key, func() (any, error) {
			return g.fetch(ctx, key, endpoint, params, opts)
		})
		g.metrics.RecordRefresh(err)
		return err
	})
	if err != nil {
		log.WithError(err).WithField("endpoint", endpoint).Debug("cache refresh dropped")
		return
	}
	if submitted {
		log.WithField("endpoint", endpoint).Debug("cache refresh scheduled")
	}
}

// fetch collects the response from upstream and stores it. When upstream is
// exhausted the newest cached entry is served, even if expired.
func (g *Gateway) fetch(ctx context.Context, key, endpoint string, params url.Values, opts Options) (*Response, error) {
	resp, err := g.collect(ctx, endpoint, params, opts.MaxResults)
	if err != nil {
		if g.cache != nil && !opts.NoCache && (errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)) {
			if fallback := g.fallback(ctx, key, endpoint); fallback != nil {
				return fallback, nil
			}
		}
		return nil, err
	}

	if g.cache != nil && !opts.NoCache {
		payload, err := json.Marshal(resp)
		if err == nil {
			_, err = g.cache.Put(ctx, key, endpoint, payload)
		}
		if err != nil {
			log.WithError(err).WithField("endpoint", endpoint).Warn("failed to cache response")
		}
	}
	return resp, nil
}

func (g *Gateway) fallback(ctx context.Context, key, endpoint string) *Response {
	e, err := g.cache.Latest(ctx, key)
	if err != nil || e == nil {
		return nil
	}
	resp, err := decodeResponse(e.Payload)
	if err != nil {
		return nil
	}
	g.metrics.RecordCache(metrics.CacheExpired)
	log.WithFields(log.Fields{"endpoint": endpoint, "cached_at": e.CreatedAt}).Warn("upstream exhausted, serving cached response")
	resp.Cached = true
	resp.Expired = !g.clock.Now().Before(e.ExpiresAt)
	return resp
}

// collect fetches the first page and, when max > 0, the following pages in
// order until max results are gathered.
func (g *Gateway) collect(ctx context.Context, endpoint string, params url.Values, max int) (*Response, error) {
	page := 1
	if p, err := strconv.Atoi(params.Get("page")); err == nil && p > 0 {
		page = p
	}

	out := &Response{Results: []map[string]any{}}
	for first := true; ; first = false {
		q := params
		if !first {
			q = cloneValues(params)
			q.Set("page", strconv.Itoa(page))
		}
		body, err := g.call(ctx, endpoint, q)
		if err != nil {
			return nil, err
		}
		resp, err := decodeResponse(body)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s page %d", endpoint, page)
		}
		if first {
			out.Pagination = resp.Pagination
		}
		out.Results = append(out.Results, resp.Results...)

		if max <= 0 {
			break
		}
		if len(out.Results) >= max {
			out.Results = out.Results[:max]
			break
		}
		if len(resp.Results) == 0 || page >= resp.Pagination.Pages {
			break
		}
		page++
	}
	return out, nil
}

// call performs one logical upstream request, retrying throttled, 5xx and
// network failures with linear backoff.
func (g *Gateway) call(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var lastErr error
	attempts := g.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		status, body, err := g.do(ctx, endpoint, params)
		var reason string
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			reason = "network"
			lastErr = errors.Wrapf(ErrUnavailable, "GET %s: %v", endpoint, err)
		case status == http.StatusTooManyRequests:
			g.limiter.Throttled()
			reason = "throttled"
			lastErr = errors.Wrapf(ErrRateLimited, "GET %s", endpoint)
		case status >= 500:
			reason = "server"
			lastErr = errors.Wrapf(ErrUnavailable, "GET %s: status %d", endpoint, status)
		case status == http.StatusNotFound:
			return nil, errors.Wrapf(ErrNotFound, "GET %s", endpoint)
		case status >= 400:
			return nil, newAPIError(status, body)
		default:
			g.limiter.Succeeded()
			return body, nil
		}

		if attempt == attempts {
			break
		}
		g.metrics.RecordRetry(reason)
		log.WithField("endpoint", endpoint).Warnf("upstream call failed (attempt %d/%d): %v", attempt, attempts, lastErr)

		t := g.clock.NewTimer(g.cfg.Backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C():
		}
	}
	return nil, lastErr
}

func (g *Gateway) do(ctx context.Context, endpoint string, params url.Values) (int, []byte, error) {
	q := cloneValues(params)
	q.Set("api_key", g.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	release, err := g.limiter.Acquire(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	resp, err := g.http.Do(req)
	if err != nil {
		g.metrics.RecordUpstream("error")
		return 0, nil, err
	}
	defer resp.Body.Close()
	g.metrics.RecordUpstream(statusClass(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// prepare copies params, drops any caller api key and clamps per_page.
func (g *Gateway) prepare(params url.Values) url.Values {
	q := cloneValues(params)
	q.Del("api_key")
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			n = g.cfg.MaxPageSize
		}
		q.Set("per_page", strconv.Itoa(g.ClampPageSize(n)))
	}
	return q
}

// ClampPageSize bounds n to the page sizes the upstream accepts.
func (g *Gateway) ClampPageSize(n int) int {
	if n < g.cfg.MinPageSize {
		return g.cfg.MinPageSize
	}
	if n > g.cfg.MaxPageSize {
		return g.cfg.MaxPageSize
	}
	return n
}

// cacheKey folds the result cap into the key, since responses assembled
// under different caps differ.
func (g *Gateway) cacheKey(endpoint string, params url.Values, opts Options) string {
	if opts.MaxResults <= 0 {
		return cache.Key(endpoint, params)
	}
	q := cloneValues(params)
	q.Set("max_results", strconv.Itoa(opts.MaxResults))
	return cache.Key(endpoint, q)
}

func decodeResponse(b []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = []map[string]any{}
	}
	return &resp, nil
}

// copy gives each coalesced caller its own results slice.
func (r *Response) copy() *Response {
	c := *r
	c.Results = append([]map[string]any(nil), r.Results...)
	return &c
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func statusClass(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
