package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"filingsync/internal/metrics"
	"filingsync/internal/store"
)

// Entry is a stored upstream response.
type Entry = store.CacheEntry

// Config controls entry lifetimes.
type Config struct {
	// DefaultTTL applies to endpoints with no matching prefix in TTL.
	DefaultTTL time.Duration
	// TTL maps endpoint prefixes to lifetimes; the longest match wins.
	TTL map[string]time.Duration
	// MemoryEntries sizes the in-process LRU in front of the store.
	MemoryEntries int
	// StaleFraction of the TTL after which a served entry is due a refresh.
	StaleFraction float64
}

// Lookup is the result of Get.
type Lookup struct {
	Entry *Entry
	// Stale is set when the entry is still valid but older than
	// StaleFraction of its lifetime.
	Stale bool
}

// Cache is the durable response cache. Expired entries are never served by
// Get but remain reachable through Latest until pruned.
type Cache struct {
	db      *store.DB
	mem     *lru.Cache
	cfg     Config
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

// New builds a cache over db.
func New(db *store.DB, cfg Config, clk clock.PassiveClock, m *metrics.Metrics) (*Cache, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = 1024
	}
	if cfg.StaleFraction <= 0 || cfg.StaleFraction >= 1 {
		cfg.StaleFraction = 0.5
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	mem, err := lru.New(cfg.MemoryEntries)
	if err != nil {
		return nil, errors.Wrap(err, "create memory cache")
	}
	return &Cache{db: db, mem: mem, cfg: cfg, clock: clk, metrics: m}, nil
}

// Key derives the cache key of a request. Parameter order does not matter
// and the api key never takes part.
func Key(endpoint string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "api_key" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString("\n")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// TTLFor returns the lifetime for responses of endpoint.
func (c *Cache) TTLFor(endpoint string) time.Duration {
	best, bestLen := c.cfg.DefaultTTL, -1
	for prefix, ttl := range c.cfg.TTL {
		if strings.HasPrefix(endpoint, prefix) && len(prefix) > bestLen {
			best, bestLen = ttl, len(prefix)
		}
	}
	return best
}

// Get returns the current unexpired entry for key, or nil on a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Lookup, error) {
	e, err := c.Latest(ctx, key)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	if e == nil || !now.Before(e.ExpiresAt) {
		c.metrics.RecordCache(metrics.CacheMiss)
		return nil, nil
	}

	lifetime := e.ExpiresAt.Sub(e.CreatedAt)
	age := now.Sub(e.CreatedAt)
	stale := float64(age) > float64(lifetime)*c.cfg.StaleFraction
	if stale {
		c.metrics.RecordCache(metrics.CacheStale)
	} else {
		c.metrics.RecordCache(metrics.CacheHit)
	}
	return &Lookup{Entry: e, Stale: stale}, nil
}

// Latest returns the newest entry for key regardless of expiry, or nil.
func (c *Cache) Latest(ctx context.Context, key string) (*Entry, error) {
	if v, ok := c.mem.Get(key); ok {
		return v.(*Entry), nil
	}
	e, err := c.db.LatestCacheEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.mem.Add(key, e)
	return e, nil
}

// Put stores payload as the newest entry for key with the endpoint's TTL.
func (c *Cache) Put(ctx context.Context, key, endpoint string, payload []byte) (*Entry, error) {
	now := c.clock.Now()
	e := &Entry{
		Key:       key,
		Endpoint:  endpoint,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(c.TTLFor(endpoint)),
	}
	if err := c.db.PutCacheEntry(ctx, e); err != nil {
		return nil, err
	}
	c.mem.Add(key, e)
	return e, nil
}

// Prune removes expired entries that have been superseded.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	return c.db.PruneCacheEntries(ctx, c.clock.Now())
}
